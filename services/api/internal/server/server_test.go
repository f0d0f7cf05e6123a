package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/gaole-2025/rizzify-sub001/internal/usertoken"
	"github.com/gaole-2025/rizzify-sub001/pkg/cleanup"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
	"github.com/gaole-2025/rizzify-sub001/pkg/storage"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
	"github.com/gaole-2025/rizzify-sub001/services/api/internal/app"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	handler http.Handler
	store   *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	blobs := storage.NewMemoryBlobStore()
	q := queue.NewMemoryQueue()
	pool := cleanup.NewPool(cleanup.Config{Workers: 1, Buffer: 8})
	t.Cleanup(func() {
		_ = pool.Close(context.Background())
		_ = q.Close()
	})
	core, err := app.New(app.Config{
		Store:        st,
		Blobs:        blobs,
		Queue:        q,
		Cleanup:      cleanup.NewCascade(pool, blobs, st),
		PublicDomain: "https://cdn.test",
		Now:          func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{HMACSecret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	srv, err := New(Config{App: core, TokenVerifier: verifier})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{handler: srv.Router(), store: st}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "rizzify-auth",
		Audience:  jwt.ClaimStrings{"rizzify-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, target, userID string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) upload(t *testing.T, userID string) domain.Upload {
	t.Helper()
	var img bytes.Buffer
	if err := png.Encode(&img, image.NewNRGBA(image.Rect(0, 0, 16, 12))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "selfie.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(img.Bytes())
	_ = mw.Close()

	rec := f.do(t, http.MethodPost, "/uploads", userID, &body, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	var u domain.Upload
	if err := json.NewDecoder(rec.Body).Decode(&u); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	return u
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return &buf
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestRequiresBearerToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/photos?section=free", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/photos?section=free", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", rec.Code)
	}
}

func TestSubmitFlowAndQuotaResponse(t *testing.T) {
	f := newFixture(t)
	first := f.upload(t, "user-1")
	second := f.upload(t, "user-1")

	rec := f.do(t, http.MethodPost, "/generations", "user-1",
		jsonBody(t, map[string]string{"plan": "free", "gender": "male", "uploadId": first.ID}), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", rec.Code, rec.Body.String())
	}
	var sub app.Submission
	if err := json.NewDecoder(rec.Body).Decode(&sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if sub.TaskID == "" || sub.Status != domain.StatusQueued {
		t.Fatalf("submission: %+v", sub)
	}

	rec = f.do(t, http.MethodPost, "/generations", "user-1",
		jsonBody(t, map[string]string{"plan": "free", "gender": "male", "uploadId": second.ID}), "application/json")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("quota status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "54000" {
		t.Fatalf("Retry-After = %q", got)
	}
	resp := decodeError(t, rec)
	if resp.Code != domain.CodeDailyQuotaExceeded || resp.RetryAfterSeconds != 54000 || resp.RequestID == "" {
		t.Fatalf("error body: %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/tasks/"+sub.TaskID, "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get task status %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/tasks/"+sub.TaskID, "user-2", nil, "")
	if rec.Code != http.StatusForbidden || decodeError(t, rec).Code != domain.CodeAccessDenied {
		t.Fatalf("foreign task status %d", rec.Code)
	}
}

func TestSubmitIdempotencyHeader(t *testing.T) {
	f := newFixture(t)
	up := f.upload(t, "user-1")
	send := func() app.Submission {
		req := httptest.NewRequest(http.MethodPost, "/generations",
			jsonBody(t, map[string]string{"plan": "pro", "gender": "female", "uploadId": up.ID}))
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, "user-1"))
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
		}
		var sub app.Submission
		_ = json.NewDecoder(rec.Body).Decode(&sub)
		return sub
	}
	a, b := send(), send()
	if a.TaskID != b.TaskID {
		t.Fatalf("idempotent replay produced two tasks")
	}
	task, err := f.store.FindTaskByIdempotencyKey(context.Background(), "user-1", "retry-1")
	if err != nil || task.ID != a.TaskID {
		t.Fatalf("header key not stored: %+v %v", task, err)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/generations", "user-1", bytes.NewBufferString("{"), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json status %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/generations", "user-1",
		jsonBody(t, map[string]string{"plan": "gold", "gender": "male", "uploadId": "x"}), "application/json")
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != domain.CodeValidation {
		t.Fatalf("bad plan status %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/generations", "user-1",
		jsonBody(t, map[string]string{"plan": "pro", "gender": "male", "uploadId": "missing"}), "application/json")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing upload status %d", rec.Code)
	}
}

func TestListAndDeletePhotos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := domain.Task{ID: "task-1", UserID: "user-1", UploadID: "up-1", Plan: domain.PlanFree, Status: domain.StatusDone}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	for i := 1; i <= 2; i++ {
		p := domain.Photo{
			ID:        "photo-" + string(rune('0'+i)),
			TaskID:    "task-1",
			Section:   domain.SectionFree,
			Sequence:  i,
			ObjectKey: domain.ResultKey("task-1", domain.SectionFree, i),
		}
		if err := f.store.CreatePhoto(ctx, p); err != nil {
			t.Fatalf("seed photo: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/tasks/task-1/photos?section=free", "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", rec.Code, rec.Body.String())
	}
	var page app.Page
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Pagination.Total != 2 || !strings.HasPrefix(page.Photos[0].URL, "https://cdn.test/results/task-1/free/") {
		t.Fatalf("page: %+v", page)
	}

	rec = f.do(t, http.MethodGet, "/photos?section=pro&page=abc", "user-1", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad page status %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/photos/summary", "user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status %d", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/photos/photo-1", "user-2", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign delete status %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/photos/photo-1", "user-1", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delete status %d", rec.Code)
	}
	var del map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&del)
	if del["success"] != true || del["status"] != "deleting" {
		t.Fatalf("delete body: %v", del)
	}

	rec = f.do(t, http.MethodDelete, "/photos?section=free&taskId=task-1", "user-1", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delete section status %d", rec.Code)
	}
	var res app.DeleteResult
	_ = json.NewDecoder(rec.Body).Decode(&res)
	if res.Count != 1 {
		t.Fatalf("delete section count %d", res.Count)
	}
}
