package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

func TestPoolRunsJobsAndReportsFailures(t *testing.T) {
	var mu sync.Mutex
	var failures []string
	p := NewPool(Config{Workers: 2, Buffer: 8, OnError: func(job Job, err error) {
		mu.Lock()
		failures = append(failures, job.Name)
		mu.Unlock()
	}})

	ran := make(chan string, 4)
	p.Submit(Job{Name: "ok", Run: func(context.Context) error { ran <- "ok"; return nil }})
	p.Submit(Job{Name: "bad", Run: func(context.Context) error { ran <- "bad"; return errors.New("boom") }})
	p.Submit(Job{Name: "panic", Run: func(context.Context) error { panic("oops") }})

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(ran) != 2 {
		t.Fatalf("ran %d jobs, want 2", len(ran))
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %v, want bad and panic", failures)
	}
	if _, failed := p.Stats(); failed != 2 {
		t.Fatalf("failed = %d", failed)
	}
}

func TestPoolDropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	p := NewPool(Config{Workers: 1, Buffer: 1})

	p.Submit(Job{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if !p.Submit(Job{Name: "queued", Run: func(context.Context) error { return nil }}) {
		t.Fatal("buffered job should be accepted")
	}
	if p.Submit(Job{Name: "overflow", Run: func(context.Context) error { return nil }}) {
		t.Fatal("job beyond the buffer should be dropped")
	}
	close(block)
	_ = p.Close(context.Background())
	if p.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }}) {
		t.Fatal("closed pool should drop jobs")
	}
	if dropped, _ := p.Stats(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
}

func TestPoolSubmitWaitsForRoom(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	p := NewPool(Config{Workers: 1, Buffer: 1, SubmitWait: 2 * time.Second})

	p.Submit(Job{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	p.Submit(Job{Name: "queued", Run: func(context.Context) error { return nil }})

	time.AfterFunc(50*time.Millisecond, func() { close(block) })
	ran := make(chan struct{})
	if !p.Submit(Job{Name: "waiting", Run: func(context.Context) error { close(ran); return nil }}) {
		t.Fatal("job should be accepted once the worker frees a slot")
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-ran:
	default:
		t.Fatal("waiting job never ran")
	}
	if dropped, _ := p.Stats(); dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
}

func TestPoolJobTimeout(t *testing.T) {
	errs := make(chan error, 1)
	p := NewPool(Config{Timeout: 20 * time.Millisecond, OnError: func(_ Job, err error) { errs <- err }})
	p.Submit(Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	select {
	case err := <-errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not cut off")
	}
	_ = p.Close(context.Background())
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[key] {
		return errors.New("unavailable")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

type fakePruner struct {
	mu     sync.Mutex
	pruned []string
}

func (f *fakePruner) DeleteTaskIfEmpty(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, taskID)
	return true, nil
}

func TestCascadeDeletesBlobsThenPrunesEachTask(t *testing.T) {
	blobs := &fakeBlobs{fail: map[string]bool{"results/t1/start/2": true}}
	tasks := &fakePruner{}
	var sinkErrs []error
	var mu sync.Mutex
	pool := NewPool(Config{Workers: 1, OnError: func(_ Job, err error) {
		mu.Lock()
		sinkErrs = append(sinkErrs, err)
		mu.Unlock()
	}})
	c := NewCascade(pool, blobs, tasks)

	accepted := c.PhotosRemoved([]domain.Photo{
		{TaskID: "t1", ObjectKey: "results/t1/start/1"},
		{TaskID: "t1", ObjectKey: "results/t1/start/2"},
		{TaskID: "t2", ObjectKey: "results/t2/free/1"},
	})
	if accepted != 2 {
		t.Fatalf("accepted %d jobs, want one per task", accepted)
	}
	_ = pool.Close(context.Background())

	if len(blobs.deleted) != 2 {
		t.Fatalf("deleted blobs = %v", blobs.deleted)
	}
	if len(tasks.pruned) != 2 || tasks.pruned[0] != "t1" || tasks.pruned[1] != "t2" {
		t.Fatalf("pruned = %v", tasks.pruned)
	}
	if len(sinkErrs) != 1 {
		t.Fatalf("a failed blob delete should reach the sink once, got %v", sinkErrs)
	}
}
