// Package cleanup runs best-effort background deletions on a bounded pool.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of background cleanup.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	// Workers is the number of concurrent jobs. Default 2.
	Workers int
	// Buffer is how many jobs may wait. Default 256.
	Buffer int
	// SubmitWait is how long Submit waits for room in a full buffer before
	// dropping the job. Zero drops immediately.
	SubmitWait time.Duration
	// Timeout bounds one job. Default 30s.
	Timeout time.Duration
	// OnError receives job failures. Default logs at warn.
	OnError func(job Job, err error)
}

// Pool executes submitted jobs on a fixed set of workers. Failures go to the
// error sink and are never returned to the submitter.
type Pool struct {
	jobs    chan Job
	timeout time.Duration
	wait    time.Duration
	onError func(Job, error)

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.OnError == nil {
		cfg.OnError = func(job Job, err error) {
			slog.Warn("cleanup job failed", "job", job.Name, "err", err)
		}
	}
	p := &Pool{
		jobs:    make(chan Job, cfg.Buffer),
		timeout: cfg.Timeout,
		wait:    cfg.SubmitWait,
		onError: cfg.OnError,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("cleanup job panicked")
				slog.Error("cleanup job panic", "job", job.Name, "panic", r)
			}
		}()
		return job.Run(ctx)
	}()
	if err != nil {
		p.failed.Add(1)
		p.onError(job, err)
	}
}

// Submit enqueues job, waiting at most SubmitWait for buffer space. It reports
// false when the job was dropped because the pool is closed or stayed full.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		slog.Warn("cleanup pool closed, job dropped", "job", job.Name)
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
	}
	if p.wait > 0 {
		timer := time.NewTimer(p.wait)
		defer timer.Stop()
		select {
		case p.jobs <- job:
			return true
		case <-timer.C:
		}
	}
	p.dropped.Add(1)
	slog.Warn("cleanup buffer full, job dropped", "job", job.Name)
	return false
}

// Close stops intake and waits for queued jobs until ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports dropped and failed job counts.
func (p *Pool) Stats() (dropped, failed int64) {
	return p.dropped.Load(), p.failed.Load()
}
