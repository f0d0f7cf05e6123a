package store

import (
	"context"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

// PhotoQuery selects photos. Zero fields do not filter.
type PhotoQuery struct {
	UserID  string
	TaskID  string
	Section domain.Section
	// Now, when set, hides photos that expired at or before it.
	Now    time.Time
	Offset int
	Limit  int
}

// Store defines persistence for uploads, tasks, photos and daily quotas.
type Store interface {
	// uploads
	CreateUpload(ctx context.Context, u domain.Upload) error
	GetUpload(ctx context.Context, id string) (domain.Upload, error)

	// tasks
	// CreateTask returns ErrDuplicate when the upload already has a task or the
	// user already used the idempotency key.
	CreateTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	FindTaskByIdempotencyKey(ctx context.Context, userID, key string) (domain.Task, error)
	FindTaskByUpload(ctx context.Context, uploadID string) (domain.Task, error)
	SetTaskJob(ctx context.Context, taskID, jobID string) error
	// StartTask moves a queued, running or errored task to running and returns it.
	// A done task yields ErrTaskTerminal.
	StartTask(ctx context.Context, taskID string, etaSeconds int, now time.Time) (domain.Task, error)
	// UpdateProgress never lowers progress and only touches running tasks.
	UpdateProgress(ctx context.Context, taskID string, progress, etaSeconds int) error
	CompleteTask(ctx context.Context, taskID string, now time.Time) error
	// FailTask records an error on any task that is not done.
	FailTask(ctx context.Context, taskID, code, message string) error
	// DeleteTaskIfEmpty removes a done or errored task that has no photos left.
	DeleteTaskIfEmpty(ctx context.Context, taskID string) (bool, error)
	// ListEmptyDoneTasks returns done tasks with no photos left, oldest first.
	ListEmptyDoneTasks(ctx context.Context, limit int) ([]domain.Task, error)

	// photos
	// CreatePhoto returns ErrDuplicate when the (task, section, sequence) slot is taken.
	CreatePhoto(ctx context.Context, p domain.Photo) error
	ListPhotoSequences(ctx context.Context, taskID string, section domain.Section) ([]int, error)
	GetPhoto(ctx context.Context, id string) (domain.Photo, error)
	DeletePhoto(ctx context.Context, id string) error
	ListPhotos(ctx context.Context, q PhotoQuery) ([]domain.Photo, error)
	CountPhotos(ctx context.Context, q PhotoQuery) (int, error)
	// DeletePhotos removes every photo matching q and returns the removed rows.
	DeletePhotos(ctx context.Context, q PhotoQuery) ([]domain.Photo, error)
	ListExpiredPhotos(ctx context.Context, now time.Time, limit int) ([]domain.Photo, error)

	// daily quota
	QuotaUsage(ctx context.Context, userID, day string) (int, error)
	// ReserveQuota increments the counter only while it is below ceiling.
	ReserveQuota(ctx context.Context, userID, day string, ceiling int) (bool, error)
	ReleaseQuota(ctx context.Context, userID, day string) error
}
