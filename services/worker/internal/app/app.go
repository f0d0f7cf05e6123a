package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/cleanup"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/jobs"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
	"github.com/gaole-2025/rizzify-sub001/pkg/render"
	"github.com/gaole-2025/rizzify-sub001/pkg/storage"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

// Config holds runtime configuration.
type Config struct {
	Store    store.Store
	Blobs    storage.BlobStore
	Queue    queue.Queue
	Renderer *render.Renderer
	Cleanup  *cleanup.Cascade
	Plans    domain.PlanTable

	SecondsPerPhoto int

	TeamSize      int
	RetryLimit    int
	RetryDelay    time.Duration
	RetryBackoff  bool
	MaxRetryDelay time.Duration

	// SweepInterval enables the expired photo sweeper when positive.
	SweepInterval time.Duration
	SweepBatch    int

	Now func() time.Time
}

// App consumes generation jobs and materializes their photos.
type App struct {
	store    store.Store
	blobs    storage.BlobStore
	queue    queue.Queue
	renderer *render.Renderer
	cascade  *cleanup.Cascade
	plans    domain.PlanTable
	now      func() time.Time

	secondsPerPhoto int
	consume         queue.ConsumeOptions
	sweepInterval   time.Duration
	sweepBatch      int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the worker core. Call Start to begin consuming.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue required")
	}
	if cfg.SweepInterval > 0 && cfg.Cleanup == nil {
		return nil, errors.New("cleanup cascade required for the expiry sweeper")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.New(0, 0)
	}
	if cfg.Plans.Quantity == nil {
		cfg.Plans = domain.DefaultPlanTable()
	}
	if cfg.SecondsPerPhoto <= 0 {
		cfg.SecondsPerPhoto = 3
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &App{
		store:           cfg.Store,
		blobs:           cfg.Blobs,
		queue:           cfg.Queue,
		renderer:        cfg.Renderer,
		cascade:         cfg.Cleanup,
		plans:           cfg.Plans,
		now:             func() time.Time { return cfg.Now().UTC() },
		secondsPerPhoto: cfg.SecondsPerPhoto,
		sweepInterval:   cfg.SweepInterval,
		sweepBatch:      cfg.SweepBatch,
	}
	a.consume = queue.ConsumeOptions{
		TeamSize:      cfg.TeamSize,
		RetryLimit:    cfg.RetryLimit,
		RetryDelay:    cfg.RetryDelay,
		RetryBackoff:  cfg.RetryBackoff,
		MaxRetryDelay: cfg.MaxRetryDelay,
		OnDead:        a.onDead,
	}
	return a, nil
}

// Start ensures the generation topic, starts the consumers and, when
// configured, the expiry sweeper. It returns once they are running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("worker already started")
	}
	if err := a.queue.EnsureTopic(ctx, jobs.GenerationTopic); err != nil {
		return fmt.Errorf("ensure generation topic: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := a.queue.Consume(runCtx, jobs.GenerationTopic, a.consume, a.Handle); err != nil {
		cancel()
		return fmt.Errorf("consume generation topic: %w", err)
	}
	a.cancel = cancel
	if a.sweepInterval > 0 {
		a.wg.Add(1)
		go a.sweepLoop(runCtx)
	}
	return nil
}

// Stop halts the sweeper and the consumers, waiting for in-flight jobs.
func (a *App) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	err := a.queue.Close()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	return err
}

// JobState exposes queue inspection for the generation topic.
func (a *App) JobState(ctx context.Context, jobID string) (queue.JobState, bool, error) {
	return a.queue.GetJob(ctx, jobs.GenerationTopic, jobID)
}
