package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

type TaskPruner interface {
	DeleteTaskIfEmpty(ctx context.Context, taskID string) (bool, error)
}

// Cascade removes the blobs of deleted photo rows and then drops tasks left empty.
type Cascade struct {
	pool  *Pool
	blobs BlobDeleter
	tasks TaskPruner
}

func NewCascade(pool *Pool, blobs BlobDeleter, tasks TaskPruner) *Cascade {
	return &Cascade{pool: pool, blobs: blobs, tasks: tasks}
}

// PhotosRemoved schedules cleanup for rows already deleted from the store,
// one job per task. It returns how many jobs were accepted.
func (c *Cascade) PhotosRemoved(photos []domain.Photo) int {
	byTask := make(map[string][]string)
	var order []string
	for _, p := range photos {
		if _, ok := byTask[p.TaskID]; !ok {
			order = append(order, p.TaskID)
		}
		byTask[p.TaskID] = append(byTask[p.TaskID], p.ObjectKey)
	}
	accepted := 0
	for _, taskID := range order {
		keys := byTask[taskID]
		if c.pool.Submit(Job{
			Name: "photos:" + taskID,
			Run:  func(ctx context.Context) error { return c.purge(ctx, taskID, keys) },
		}) {
			accepted++
		}
	}
	return accepted
}

func (c *Cascade) purge(ctx context.Context, taskID string, keys []string) error {
	var errs []error
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := c.blobs.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete blob %s: %w", key, err))
		}
	}
	deleted, err := c.tasks.DeleteTaskIfEmpty(ctx, taskID)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune task %s: %w", taskID, err))
	}
	if deleted {
		slog.Info("empty task removed", "task_id", taskID)
	}
	return errors.Join(errs...)
}
