package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gaole-2025/rizzify-sub001/pkg/cleanup"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
	"github.com/gaole-2025/rizzify-sub001/pkg/storage"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

// Config holds runtime configuration.
type Config struct {
	Store   store.Store
	Blobs   storage.BlobStore
	Queue   queue.Queue
	Quota   QuotaGate
	Cleanup *cleanup.Cascade
	Plans   domain.PlanTable

	PublicDomain        string
	MaxUploadBytes      int64
	AllowedContentTypes []string
	SecondsPerPhoto     int

	DefaultPageSize    int
	MaxPageSize        int
	PreviewSize        int
	SummaryConcurrency int

	Now func() time.Time
}

// App owns admission, the photo catalog and deletions.
type App struct {
	store    store.Store
	blobs    storage.BlobStore
	queue    queue.Queue
	quota    QuotaGate
	cascade  *cleanup.Cascade
	plans    domain.PlanTable
	validate *validator.Validate
	now      func() time.Time

	publicDomain    string
	maxUploadBytes  int64
	allowedTypes    map[string]bool
	secondsPerPhoto int

	defaultPageSize    int
	maxPageSize        int
	previewSize        int
	summaryConcurrency int
}

// New constructs the API core.
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
	if cfg.Cleanup == nil {
		return nil, errors.New("cleanup cascade required")
	}
	if cfg.Plans.Quantity == nil {
		cfg.Plans = domain.DefaultPlanTable()
	}
	if cfg.Quota == nil {
		cfg.Quota = NewStoreQuota(cfg.Store, 1)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"image/jpeg", "image/png"}
	}
	if cfg.SecondsPerPhoto <= 0 {
		cfg.SecondsPerPhoto = 3
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 50
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		return nil, fmt.Errorf("default page size %d exceeds max %d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}
	if cfg.PreviewSize <= 0 {
		cfg.PreviewSize = 4
	}
	if cfg.SummaryConcurrency <= 0 {
		cfg.SummaryConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	allowed := make(map[string]bool, len(cfg.AllowedContentTypes))
	for _, ct := range cfg.AllowedContentTypes {
		ct = strings.ToLower(strings.TrimSpace(ct))
		if ct != "" {
			allowed[ct] = true
		}
	}
	return &App{
		store:              cfg.Store,
		blobs:              cfg.Blobs,
		queue:              cfg.Queue,
		quota:              cfg.Quota,
		cascade:            cfg.Cleanup,
		plans:              cfg.Plans,
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		now:                func() time.Time { return cfg.Now().UTC() },
		publicDomain:       strings.TrimRight(strings.TrimSpace(cfg.PublicDomain), "/"),
		maxUploadBytes:     cfg.MaxUploadBytes,
		allowedTypes:       allowed,
		secondsPerPhoto:    cfg.SecondsPerPhoto,
		defaultPageSize:    cfg.DefaultPageSize,
		maxPageSize:        cfg.MaxPageSize,
		previewSize:        cfg.PreviewSize,
		summaryConcurrency: cfg.SummaryConcurrency,
	}, nil
}

// MaxUploadBytes is the largest accepted source image.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

// ownedTask loads a task and checks it belongs to userID.
func (a *App) ownedTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Task{}, domain.NotFound("task not found")
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("load task: %w", err)
	}
	if task.UserID != userID {
		return domain.Task{}, domain.AccessDenied("task belongs to another user")
	}
	return task, nil
}
