package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

// SweepExpired deletes up to one batch of photos past their expiry. Rows go
// first; blobs and emptied tasks follow through the cleanup pool.
func (a *App) SweepExpired(ctx context.Context) (int, error) {
	if a.cascade == nil {
		return 0, errors.New("cleanup cascade not configured")
	}
	expired, err := a.store.ListExpiredPhotos(ctx, a.now(), a.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired photos: %w", err)
	}
	removed := make([]domain.Photo, 0, len(expired))
	for _, p := range expired {
		if err := a.store.DeletePhoto(ctx, p.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			a.cascade.PhotosRemoved(removed)
			return len(removed), fmt.Errorf("delete expired photo %s: %w", p.ID, err)
		}
		removed = append(removed, p)
	}
	a.cascade.PhotosRemoved(removed)
	return len(removed), nil
}

// PruneEmptyTasks removes done tasks whose photos are all gone, together with
// any result blobs they left behind. It catches cascades the cleanup pool
// dropped or lost to a restart.
func (a *App) PruneEmptyTasks(ctx context.Context) (int, error) {
	tasks, err := a.store.ListEmptyDoneTasks(ctx, a.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list empty tasks: %w", err)
	}
	pruned := 0
	for _, t := range tasks {
		deleted, err := a.store.DeleteTaskIfEmpty(ctx, t.ID)
		if err != nil {
			return pruned, fmt.Errorf("prune task %s: %w", t.ID, err)
		}
		if !deleted {
			continue
		}
		pruned++
		for _, key := range a.resultKeys(t) {
			if err := a.blobs.Delete(ctx, key); err != nil {
				slog.Warn("delete orphaned result blob", "task_id", t.ID, "key", key, "err", err)
			}
		}
	}
	return pruned, nil
}

// resultKeys lists every blob key a task of this plan can have written.
func (a *App) resultKeys(t domain.Task) []string {
	keys := []string{domain.ResultKey(t.ID, domain.SectionUploaded, 0)}
	quantity, err := a.plans.QuantityFor(t.Plan)
	if err != nil {
		return keys
	}
	section := domain.SectionFor(t.Plan)
	for seq := 1; seq <= quantity; seq++ {
		keys = append(keys, domain.ResultKey(t.ID, section, seq))
	}
	return keys
}

func (a *App) sweepLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := a.SweepExpired(ctx)
		if err != nil {
			slog.Warn("expiry sweep failed", "removed", n, "err", err)
		} else if n > 0 {
			slog.Info("expired photos removed", "count", n)
		}
		pruned, err := a.PruneEmptyTasks(ctx)
		if err != nil {
			slog.Warn("empty task prune failed", "pruned", pruned, "err", err)
		} else if pruned > 0 {
			slog.Info("empty tasks removed", "count", pruned)
		}
	}
}
