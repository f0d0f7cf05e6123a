package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSweepExpiredRemovesPhotosBlobsAndEmptyTask(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: testNow}
	h := newHarness(t, func(cfg *Config) { cfg.Now = clk.Now })
	payload := h.seed(t, "task-1", domain.PlanFree)
	if err := h.app.Handle(ctx, job(payload, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// The uploaded copy never expires; drop it so the sweep empties the task.
	uploaded, _ := h.store.ListPhotos(ctx, store.PhotoQuery{TaskID: "task-1", Section: domain.SectionUploaded})
	for _, p := range uploaded {
		if err := h.store.DeletePhoto(ctx, p.ID); err != nil {
			t.Fatalf("delete uploaded: %v", err)
		}
	}

	if n, err := h.app.SweepExpired(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep removed %d (%v)", n, err)
	}

	clk.Advance(25 * time.Hour)
	n, err := h.app.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d photos, want 2", n)
	}
	if err := h.pool.Close(ctx); err != nil {
		t.Fatalf("drain pool: %v", err)
	}
	if keys := h.blobs.Keys("results/task-1/free/"); len(keys) != 0 {
		t.Fatalf("free blobs left: %v", keys)
	}
	if _, err := h.store.GetTask(ctx, "task-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("emptied task should be pruned, got %v", err)
	}
}

func TestSweepExpiredKeepsTaskWithRemainingPhotos(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: testNow}
	h := newHarness(t, func(cfg *Config) { cfg.Now = clk.Now })
	payload := h.seed(t, "task-1", domain.PlanFree)
	if err := h.app.Handle(ctx, job(payload, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	clk.Advance(48 * time.Hour)
	if n, err := h.app.SweepExpired(ctx); err != nil || n != 2 {
		t.Fatalf("sweep removed %d (%v)", n, err)
	}
	if err := h.pool.Close(ctx); err != nil {
		t.Fatalf("drain pool: %v", err)
	}
	if _, err := h.store.GetTask(ctx, "task-1"); err != nil {
		t.Fatalf("task with uploaded photo was pruned: %v", err)
	}
	if keys := h.blobs.Keys("results/task-1/uploaded/"); len(keys) != 1 {
		t.Fatalf("uploaded blob = %v", keys)
	}
}

func TestPruneEmptyTasksHealsDroppedCascade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	payload := h.seed(t, "task-1", domain.PlanFree)
	if err := h.app.Handle(ctx, job(payload, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Rows deleted without a cascade job, as when the cleanup buffer is full.
	if _, err := h.store.DeletePhotos(ctx, store.PhotoQuery{TaskID: "task-1"}); err != nil {
		t.Fatalf("delete photos: %v", err)
	}
	if keys := h.blobs.Keys("results/task-1/"); len(keys) != 3 {
		t.Fatalf("result blobs before prune = %v", keys)
	}

	h.seed(t, "task-2", domain.PlanStart)
	if err := h.store.FailTask(ctx, "task-2", domain.CodeSourceMissing, "gone"); err != nil {
		t.Fatalf("fail task-2: %v", err)
	}
	kept := h.seed(t, "task-3", domain.PlanFree)
	if err := h.app.Handle(ctx, job(kept, 1)); err != nil {
		t.Fatalf("handle task-3: %v", err)
	}

	n, err := h.app.PruneEmptyTasks(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d tasks, want 1", n)
	}
	if _, err := h.store.GetTask(ctx, "task-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("emptied done task still present: %v", err)
	}
	if keys := h.blobs.Keys("results/task-1/"); len(keys) != 0 {
		t.Fatalf("orphaned blobs left: %v", keys)
	}
	if task := h.task(t, "task-2"); task.Status != domain.StatusError {
		t.Fatalf("failed task without photos should stay for polling, got %s", task.Status)
	}
	if keys := h.blobs.Keys("results/task-3/"); len(keys) != 3 {
		t.Fatalf("task with photos lost blobs: %v", keys)
	}

	if n, err := h.app.PruneEmptyTasks(ctx); err != nil || n != 0 {
		t.Fatalf("second prune removed %d (%v)", n, err)
	}
}
