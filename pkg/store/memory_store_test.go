package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)

func seedTask(t *testing.T, s *MemoryStore, id, user, upload, key string) domain.Task {
	t.Helper()
	task := domain.Task{
		ID:             id,
		UserID:         user,
		UploadID:       upload,
		Plan:           domain.PlanStart,
		Gender:         domain.GenderMale,
		IdempotencyKey: key,
		Status:         domain.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func TestMemoryStoreTaskUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedTask(t, s, "t1", "u1", "up1", "k1")

	dupUpload := domain.Task{ID: "t2", UserID: "u1", UploadID: "up1"}
	if err := s.CreateTask(ctx, dupUpload); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("same upload: %v", err)
	}
	dupKey := domain.Task{ID: "t3", UserID: "u1", UploadID: "up2", IdempotencyKey: "k1"}
	if err := s.CreateTask(ctx, dupKey); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("same idempotency key: %v", err)
	}
	otherUser := domain.Task{ID: "t4", UserID: "u2", UploadID: "up3", IdempotencyKey: "k1"}
	if err := s.CreateTask(ctx, otherUser); err != nil {
		t.Fatalf("key is scoped per user: %v", err)
	}

	got, err := s.FindTaskByIdempotencyKey(ctx, "u1", "k1")
	if err != nil || got.ID != "t1" {
		t.Fatalf("find by key: %+v %v", got, err)
	}
}

func TestMemoryStoreTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedTask(t, s, "t1", "u1", "up1", "")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	task, err := s.StartTask(ctx, "t1", 120, now)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != domain.StatusRunning || task.Progress != 10 || task.StartedAt == nil {
		t.Fatalf("unexpected started task %+v", task)
	}

	_ = s.UpdateProgress(ctx, "t1", 60, 40)
	_ = s.UpdateProgress(ctx, "t1", 20, 90)
	task, _ = s.GetTask(ctx, "t1")
	if task.Progress != 60 {
		t.Fatalf("progress regressed to %d", task.Progress)
	}

	// A retry keeps the original start time and progress.
	_ = s.FailTask(ctx, "t1", domain.CodeRenderFailed, "boom")
	task, err = s.StartTask(ctx, "t1", 120, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !task.StartedAt.Equal(now) || task.Progress != 60 || task.ErrorCode != "" {
		t.Fatalf("unexpected restarted task %+v", task)
	}

	_ = s.CompleteTask(ctx, "t1", now.Add(2*time.Minute))
	if _, err := s.StartTask(ctx, "t1", 0, now); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("start after done: %v", err)
	}
	_ = s.FailTask(ctx, "t1", domain.CodeRetriesExhausted, "late")
	task, _ = s.GetTask(ctx, "t1")
	if task.Status != domain.StatusDone || task.Progress != 100 {
		t.Fatalf("done task must stay done, got %+v", task)
	}
}

func TestMemoryStorePhotoQueriesAndCascade(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedTask(t, s, "t1", "u1", "up1", "")
	seedTask(t, s, "t2", "u2", "up2", "")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	photos := []domain.Photo{
		{ID: "p0", TaskID: "t1", Section: domain.SectionUploaded, Sequence: 0, CreatedAt: now},
		{ID: "p1", TaskID: "t1", Section: domain.SectionStart, Sequence: 1, CreatedAt: now.Add(time.Second)},
		{ID: "p2", TaskID: "t1", Section: domain.SectionStart, Sequence: 2, CreatedAt: now.Add(2 * time.Second)},
		{ID: "p3", TaskID: "t1", Section: domain.SectionFree, Sequence: 1, CreatedAt: now, ExpiresAt: &past},
		{ID: "p4", TaskID: "t2", Section: domain.SectionStart, Sequence: 1, CreatedAt: now},
	}
	for _, p := range photos {
		if err := s.CreatePhoto(ctx, p); err != nil {
			t.Fatalf("create photo %s: %v", p.ID, err)
		}
	}
	if err := s.CreatePhoto(ctx, domain.Photo{ID: "dup", TaskID: "t1", Section: domain.SectionStart, Sequence: 2}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate slot: %v", err)
	}

	seqs, _ := s.ListPhotoSequences(ctx, "t1", domain.SectionStart)
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("sequences = %v", seqs)
	}

	page, _ := s.ListPhotos(ctx, PhotoQuery{UserID: "u1", Section: domain.SectionStart, Now: now, Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "p2" {
		t.Fatalf("page = %+v", page)
	}
	if page, err := s.ListPhotos(ctx, PhotoQuery{UserID: "u1", Section: domain.SectionStart, Offset: -40, Limit: 1}); err != nil || len(page) != 1 || page[0].ID != "p1" {
		t.Fatalf("negative offset page = %+v (%v)", page, err)
	}
	if n, _ := s.CountPhotos(ctx, PhotoQuery{UserID: "u1", Now: now}); n != 3 {
		t.Fatalf("visible count for u1 = %d, want 3 (expired excluded)", n)
	}
	expired, _ := s.ListExpiredPhotos(ctx, now, 10)
	if len(expired) != 1 || expired[0].ID != "p3" {
		t.Fatalf("expired = %+v", expired)
	}

	if ok, _ := s.DeleteTaskIfEmpty(ctx, "t1"); ok {
		t.Fatal("task with photos must not be deleted")
	}
	deleted, _ := s.DeletePhotos(ctx, PhotoQuery{UserID: "u1", TaskID: "t1"})
	if len(deleted) != 4 {
		t.Fatalf("deleted %d photos, want 4", len(deleted))
	}
	if ok, _ := s.DeleteTaskIfEmpty(ctx, "t1"); ok {
		t.Fatal("queued task must not be cascaded away")
	}
	_ = s.CompleteTask(ctx, "t1", now)
	empty, _ := s.ListEmptyDoneTasks(ctx, 10)
	if len(empty) != 1 || empty[0].ID != "t1" {
		t.Fatalf("empty done tasks = %+v", empty)
	}
	if ok, _ := s.DeleteTaskIfEmpty(ctx, "t1"); !ok {
		t.Fatal("empty done task should be deleted")
	}
	if _, err := s.GetPhoto(ctx, "p4"); err != nil {
		t.Fatalf("other user's photo touched: %v", err)
	}
}

func TestMemoryStoreQuotaCeiling(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if ok, _ := s.ReserveQuota(ctx, "u1", "2026-03-01", 1); !ok {
		t.Fatal("first reservation should succeed")
	}
	if ok, _ := s.ReserveQuota(ctx, "u1", "2026-03-01", 1); ok {
		t.Fatal("second reservation should hit the ceiling")
	}
	if ok, _ := s.ReserveQuota(ctx, "u1", "2026-03-02", 1); !ok {
		t.Fatal("next day is a new bucket")
	}
	_ = s.ReleaseQuota(ctx, "u1", "2026-03-01")
	if n, _ := s.QuotaUsage(ctx, "u1", "2026-03-01"); n != 0 {
		t.Fatalf("usage after release = %d", n)
	}
}
