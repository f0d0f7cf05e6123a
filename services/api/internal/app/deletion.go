package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gaole-2025/rizzify-sub001/internal/util"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

const statusDeleting = "deleting"

// DeleteResult acknowledges a deletion whose blob cleanup is still pending.
type DeleteResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Count   int    `json:"count"`
}

// DeletePhoto removes a photo row now and leaves the blob and empty-task
// cleanup to the background pool.
func (a *App) DeletePhoto(ctx context.Context, photoID, userID string) (DeleteResult, error) {
	photoID = strings.TrimSpace(photoID)
	if photoID == "" {
		return DeleteResult{}, domain.Validation("photo id required")
	}
	photo, err := a.store.GetPhoto(ctx, photoID)
	if errors.Is(err, store.ErrNotFound) {
		return DeleteResult{}, domain.NotFound("photo not found")
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("load photo: %w", err)
	}
	task, err := a.store.GetTask(ctx, photo.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return DeleteResult{}, domain.NotFound("photo not found")
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("load photo task: %w", err)
	}
	if task.UserID != userID {
		return DeleteResult{}, domain.AccessDenied("photo belongs to another user")
	}
	if err := a.store.DeletePhoto(ctx, photo.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DeleteResult{}, domain.NotFound("photo not found")
		}
		return DeleteResult{}, fmt.Errorf("delete photo: %w", err)
	}
	a.scheduleCleanup(ctx, []domain.Photo{photo})
	return DeleteResult{Success: true, Status: statusDeleting, Count: 1}, nil
}

// DeleteSection removes every photo of a section for the user, optionally
// limited to one task.
func (a *App) DeleteSection(ctx context.Context, userID, rawSection, taskID string) (DeleteResult, error) {
	section, ok := domain.ParseSection(strings.ToLower(strings.TrimSpace(rawSection)))
	if !ok {
		return DeleteResult{}, domain.Validation("section must be one of: uploaded free start pro")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID != "" {
		if _, err := a.ownedTask(ctx, userID, taskID); err != nil {
			return DeleteResult{}, err
		}
	}
	removed, err := a.store.DeletePhotos(ctx, store.PhotoQuery{UserID: userID, TaskID: taskID, Section: section})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete %s photos: %w", section, err)
	}
	a.scheduleCleanup(ctx, removed)
	return DeleteResult{Success: true, Status: statusDeleting, Count: len(removed)}, nil
}

func (a *App) scheduleCleanup(ctx context.Context, photos []domain.Photo) {
	if len(photos) == 0 {
		return
	}
	jobs := a.cascade.PhotosRemoved(photos)
	util.LoggerFromContext(ctx).Info("photos deleted", "count", len(photos), "cleanup_jobs", jobs)
}
