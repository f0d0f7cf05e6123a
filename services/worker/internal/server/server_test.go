package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gaole-2025/rizzify-sub001/pkg/jobs"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
	"github.com/gaole-2025/rizzify-sub001/pkg/storage"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
	"github.com/gaole-2025/rizzify-sub001/services/worker/internal/app"
)

func newWorkerApp(t *testing.T) (*app.App, *queue.MemoryQueue) {
	t.Helper()
	q := queue.NewMemoryQueue()
	core, err := app.New(app.Config{
		Store: store.NewMemoryStore(),
		Blobs: storage.NewMemoryBlobStore(),
		Queue: q,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return core, q
}

func TestHealthReflectsDependency(t *testing.T) {
	core, _ := newWorkerApp(t)
	var healthErr error
	srv := New(Config{App: core, Health: func(context.Context) error { return healthErr }})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}

	healthErr = errors.New("db down")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", rec.Code)
	}
}

func TestJobInspectionRequiresToken(t *testing.T) {
	core, q := newWorkerApp(t)
	srv := New(Config{App: core, InternalToken: "s3cret"})
	id, err := q.Enqueue(context.Background(), jobs.GenerationTopic, []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil)
	req.Header.Set("X-Internal-Token", "s3cret")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("job status = %d body %s", rec.Code, rec.Body.String())
	}
	var state queue.JobState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.ID != id || state.Status != queue.StatusQueued {
		t.Fatalf("state = %+v", state)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	req.Header.Set("X-Internal-Token", "s3cret")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rec.Code)
	}
}

func TestJobInspectionDisabledWithoutToken(t *testing.T) {
	core, _ := newWorkerApp(t)
	srv := New(Config{App: core})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/anything", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
