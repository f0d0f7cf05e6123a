package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gaole-2025/rizzify-sub001/internal/util"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/jobs"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

// SubmitRequest is a generation request for one uploaded source image.
type SubmitRequest struct {
	UserID         string        `validate:"required"`
	Plan           domain.Plan   `validate:"required,oneof=free start pro"`
	Gender         domain.Gender `validate:"required,oneof=male female"`
	UploadID       string        `validate:"required,max=64"`
	IdempotencyKey string        `validate:"max=128"`
}

// Submission is the admission result returned to the caller.
type Submission struct {
	TaskID   string            `json:"taskId"`
	Status   domain.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
}

// TaskView is the polling representation of a task.
type TaskView struct {
	TaskID       string            `json:"taskId"`
	Plan         domain.Plan       `json:"plan"`
	Status       domain.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	ETASeconds   int               `json:"etaSeconds"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

func submissionOf(t domain.Task) Submission {
	return Submission{TaskID: t.ID, Status: t.Status, Progress: t.Progress}
}

func viewOf(t domain.Task) TaskView {
	return TaskView{
		TaskID:       t.ID,
		Plan:         t.Plan,
		Status:       t.Status,
		Progress:     t.Progress,
		ETASeconds:   t.ETASeconds,
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// Submit admits a generation request. Replays of an idempotency key or of an
// upload that already has a task return the existing task instead of failing.
func (a *App) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	req.Plan = domain.Plan(strings.ToLower(strings.TrimSpace(string(req.Plan))))
	req.Gender = domain.Gender(strings.ToLower(strings.TrimSpace(string(req.Gender))))
	req.UploadID = strings.TrimSpace(req.UploadID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := a.validate.Struct(req); err != nil {
		return Submission{}, validationError(err)
	}

	upload, err := a.store.GetUpload(ctx, req.UploadID)
	if errors.Is(err, store.ErrNotFound) {
		return Submission{}, domain.NotFound("upload not found")
	}
	if err != nil {
		return Submission{}, fmt.Errorf("load upload: %w", err)
	}
	if upload.UserID != req.UserID {
		return Submission{}, domain.AccessDenied("upload belongs to another user")
	}

	// A replayed key returns its task without touching the daily quota.
	if req.IdempotencyKey != "" {
		existing, err := a.store.FindTaskByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			return submissionOf(existing), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Submission{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	now := a.now()
	day := domain.DayBucket(now)
	if req.Plan == domain.PlanFree {
		used, err := a.quota.Used(ctx, req.UserID, day)
		if err != nil {
			return Submission{}, fmt.Errorf("read daily quota: %w", err)
		}
		if used >= a.quota.Ceiling() {
			return Submission{}, domain.DailyQuotaExceeded(domain.UntilNextDay(now))
		}
	}

	if existing, err := a.store.FindTaskByUpload(ctx, upload.ID); err == nil {
		return submissionOf(existing), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Submission{}, fmt.Errorf("lookup upload task: %w", err)
	}

	quantity, err := a.plans.QuantityFor(req.Plan)
	if err != nil {
		return Submission{}, domain.Validation(err.Error())
	}

	reserved := false
	if req.Plan == domain.PlanFree {
		ok, err := a.quota.Reserve(ctx, req.UserID, day)
		if err != nil {
			return Submission{}, fmt.Errorf("reserve daily quota: %w", err)
		}
		if !ok {
			if req.IdempotencyKey != "" {
				if existing, err := a.store.FindTaskByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
					return submissionOf(existing), nil
				}
			}
			return Submission{}, domain.DailyQuotaExceeded(domain.UntilNextDay(now))
		}
		reserved = true
	}
	release := func() {
		if !reserved {
			return
		}
		// The request may already be cancelled; the counter must still go back.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := a.quota.Release(releaseCtx, req.UserID, day); err != nil {
			util.LoggerFromContext(ctx).Warn("release daily quota failed", "user_id", req.UserID, "day", day, "err", err)
		}
	}

	task := domain.Task{
		ID:             util.NewID(),
		UserID:         req.UserID,
		UploadID:       upload.ID,
		Plan:           req.Plan,
		Gender:         req.Gender,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.StatusQueued,
		Progress:       0,
		ETASeconds:     quantity * a.secondsPerPhoto,
		CreatedAt:      now,
	}
	if err := a.store.CreateTask(ctx, task); err != nil {
		release()
		if errors.Is(err, store.ErrDuplicate) {
			return a.existingTask(ctx, req)
		}
		return Submission{}, fmt.Errorf("create task: %w", err)
	}

	payload, err := jobs.EncodeGeneration(jobs.GenerationPayload{
		TaskID:         task.ID,
		UserID:         task.UserID,
		UploadID:       upload.ID,
		Plan:           task.Plan,
		Gender:         task.Gender,
		ObjectKey:      upload.ObjectKey,
		IdempotencyKey: task.IdempotencyKey,
	})
	if err == nil {
		var jobID string
		jobID, err = a.queue.Enqueue(ctx, jobs.GenerationTopic, payload)
		if err == nil {
			if setErr := a.store.SetTaskJob(ctx, task.ID, jobID); setErr != nil {
				util.LoggerFromContext(ctx).Warn("record job id failed", "task_id", task.ID, "job_id", jobID, "err", setErr)
			}
			util.LoggerFromContext(ctx).Info("generation admitted", "task_id", task.ID, "job_id", jobID, "plan", task.Plan)
			return submissionOf(task), nil
		}
	}

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if failErr := a.store.FailTask(failCtx, task.ID, domain.CodeEnqueueFailed, err.Error()); failErr != nil {
		util.LoggerFromContext(ctx).Error("mark task enqueue_failed", "task_id", task.ID, "err", failErr)
	}
	release()
	util.LoggerFromContext(ctx).Error("enqueue generation failed", "task_id", task.ID, "err", err)
	return Submission{}, domain.EnqueueFailed(err)
}

// existingTask resolves the task that won a concurrent duplicate submission.
func (a *App) existingTask(ctx context.Context, req SubmitRequest) (Submission, error) {
	if req.IdempotencyKey != "" {
		t, err := a.store.FindTaskByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			return submissionOf(t), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Submission{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}
	t, err := a.store.FindTaskByUpload(ctx, req.UploadID)
	if err != nil {
		return Submission{}, fmt.Errorf("lookup upload task after conflict: %w", err)
	}
	return submissionOf(t), nil
}

// GetTask returns the polling view of a task owned by userID.
func (a *App) GetTask(ctx context.Context, userID, taskID string) (TaskView, error) {
	task, err := a.ownedTask(ctx, userID, strings.TrimSpace(taskID))
	if err != nil {
		return TaskView{}, err
	}
	return viewOf(task), nil
}

// RegisterUpload stores a source image and records its immutable metadata.
func (a *App) RegisterUpload(ctx context.Context, userID, filename string, r io.Reader, size int64) (domain.Upload, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Upload{}, domain.Validation("user required")
	}
	name := sanitizeFilename(filename)
	if name == "" {
		return domain.Upload{}, domain.Validation("filename required")
	}
	if size > a.maxUploadBytes {
		return domain.Upload{}, domain.Validation("file too large")
	}
	data, err := io.ReadAll(io.LimitReader(r, a.maxUploadBytes+1))
	if err != nil {
		return domain.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > a.maxUploadBytes {
		return domain.Upload{}, domain.Validation("file too large")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.Upload{}, domain.Validation("file is not a supported image")
	}
	contentType := "image/" + format
	if !a.allowedTypes[contentType] {
		return domain.Upload{}, domain.Validation("unsupported image type: " + contentType)
	}

	upload := domain.Upload{
		ID:          util.NewID(),
		UserID:      userID,
		Filename:    name,
		ContentType: contentType,
		Dimensions:  domain.Dimensions{Width: cfg.Width, Height: cfg.Height},
		SizeBytes:   int64(len(data)),
		CreatedAt:   a.now(),
	}
	upload.ObjectKey = domain.UploadKey(userID, upload.ID, name)
	if err := a.blobs.Put(ctx, upload.ObjectKey, bytes.NewReader(data), upload.SizeBytes, contentType); err != nil {
		return domain.Upload{}, fmt.Errorf("store upload blob: %w", err)
	}
	if err := a.store.CreateUpload(ctx, upload); err != nil {
		if delErr := a.blobs.Delete(ctx, upload.ObjectKey); delErr != nil {
			slog.Warn("remove orphaned upload blob", "key", upload.ObjectKey, "err", delErr)
		}
		return domain.Upload{}, fmt.Errorf("save upload: %w", err)
	}
	return upload, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		switch fe.Tag() {
		case "required":
			return domain.Validation(field + " required")
		case "oneof":
			return domain.Validation(fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "max":
			return domain.Validation(fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		}
		return domain.Validation("invalid " + field)
	}
	return domain.Validation(err.Error())
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_.")
	if len(out) > 128 {
		out = out[len(out)-128:]
	}
	return out
}
