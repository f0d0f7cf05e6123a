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
	"time"

	"github.com/gaole-2025/rizzify-sub001/internal/util"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/jobs"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
	"github.com/gaole-2025/rizzify-sub001/pkg/render"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

// Progress checkpoints between StartTask (10) and CompleteTask (100). The store
// keeps the maximum, so a redelivery never moves progress backwards.
const (
	progressSource   = 20
	progressArchived = 40
	progressHalfway  = 60
	progressRendered = 80
	progressVerified = 95
)

// stepError tags a failure with the error code stored on the task.
type stepError struct {
	code string
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func failure(code string, format string, args ...any) error {
	return &stepError{code: code, err: fmt.Errorf(format, args...)}
}

func codeFor(err error) string {
	var se *stepError
	if errors.As(err, &se) {
		return se.code
	}
	return domain.CodeStoreFailed
}

// generation is the state of one delivery.
type generation struct {
	payload  jobs.GenerationPayload
	upload   domain.Upload
	section  domain.Section
	quantity int
	log      *slog.Logger
}

// Handle processes one generation job. It is safe to run more than once for
// the same job: existing photos are kept and only missing sequences are made.
func (a *App) Handle(ctx context.Context, job queue.Job) error {
	p, err := jobs.DecodeGeneration(job.Payload)
	if err != nil {
		util.LoggerFromContext(ctx).Error("drop malformed generation job", "job_id", job.ID, "err", err)
		return err
	}
	log := util.LoggerFromContext(ctx).With("task_id", p.TaskID, "job_id", job.ID, "attempt", job.Attempt)
	ctx = util.ContextWithLogger(ctx, log)

	task, err := a.store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("task gone, skipping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status == domain.StatusDone {
		log.Info("task already done, skipping redelivery")
		return nil
	}

	quantity, err := a.plans.QuantityFor(p.Plan)
	if err != nil {
		a.fail(ctx, p.TaskID, domain.CodeInvalidPayload, err)
		return queue.Permanent(err)
	}
	if _, err := a.store.StartTask(ctx, p.TaskID, quantity*a.secondsPerPhoto, a.now()); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			return nil
		}
		return fmt.Errorf("start task: %w", err)
	}
	log.Info("generation started", "plan", p.Plan, "quantity", quantity)

	g := &generation{payload: p, section: domain.SectionFor(p.Plan), quantity: quantity, log: log}
	if err := a.generate(ctx, g); err != nil {
		code := codeFor(err)
		a.fail(ctx, p.TaskID, code, err)
		log.Warn("generation attempt failed", "code", code, "err", err)
		var se *stepError
		if errors.As(err, &se) && (se.code == domain.CodeSourceMissing || se.code == domain.CodeRenderFailed) {
			return queue.Permanent(err)
		}
		return err
	}
	log.Info("generation done")
	return nil
}

func (a *App) generate(ctx context.Context, g *generation) error {
	p := g.payload
	upload, err := a.store.GetUpload(ctx, p.UploadID)
	if errors.Is(err, store.ErrNotFound) {
		return failure(domain.CodeSourceMissing, "upload %s not found", p.UploadID)
	}
	if err != nil {
		return failure(domain.CodeStoreFailed, "load upload: %w", err)
	}
	g.upload = upload
	ok, err := a.blobs.Exists(ctx, p.ObjectKey)
	if err != nil {
		return failure(domain.CodeStorageFailed, "stat source: %w", err)
	}
	if !ok {
		return failure(domain.CodeSourceMissing, "source blob %s missing", p.ObjectKey)
	}
	if err := a.checkpoint(ctx, g, progressSource, g.quantity); err != nil {
		return err
	}

	if err := a.archiveSource(ctx, g); err != nil {
		return err
	}
	existing, err := a.store.ListPhotoSequences(ctx, p.TaskID, g.section)
	if err != nil {
		return failure(domain.CodeStoreFailed, "list existing photos: %w", err)
	}
	have := make(map[int]bool, len(existing))
	for _, seq := range existing {
		have[seq] = true
	}
	var missing []int
	for seq := 1; seq <= g.quantity; seq++ {
		if !have[seq] {
			missing = append(missing, seq)
		}
	}
	if err := a.checkpoint(ctx, g, progressArchived, len(missing)); err != nil {
		return err
	}
	if len(missing) < g.quantity {
		g.log.Info("resuming generation", "existing", g.quantity-len(missing), "missing", len(missing))
	}

	var src image.Image
	half := (len(missing) + 1) / 2
	for i, seq := range missing {
		if src == nil {
			if src, err = a.loadSource(ctx, p.ObjectKey); err != nil {
				return err
			}
		}
		if err := a.materialize(ctx, g, src, seq); err != nil {
			return err
		}
		if i+1 == half {
			if err := a.checkpoint(ctx, g, progressHalfway, len(missing)-i-1); err != nil {
				return err
			}
		}
	}
	if err := a.checkpoint(ctx, g, progressRendered, 0); err != nil {
		return err
	}

	done, err := a.store.ListPhotoSequences(ctx, p.TaskID, g.section)
	if err != nil {
		return failure(domain.CodeStoreFailed, "verify photos: %w", err)
	}
	if len(done) < g.quantity {
		return failure(domain.CodeStoreFailed, "expected %d %s photos, found %d", g.quantity, g.section, len(done))
	}
	if err := a.checkpoint(ctx, g, progressVerified, 0); err != nil {
		return err
	}
	if err := a.store.CompleteTask(ctx, p.TaskID, a.now()); err != nil {
		return failure(domain.CodeStoreFailed, "complete task: %w", err)
	}
	return nil
}

// archiveSource copies the upload next to the results as the uploaded photo.
func (a *App) archiveSource(ctx context.Context, g *generation) error {
	seqs, err := a.store.ListPhotoSequences(ctx, g.payload.TaskID, domain.SectionUploaded)
	if err != nil {
		return failure(domain.CodeStoreFailed, "list uploaded photo: %w", err)
	}
	if len(seqs) > 0 {
		return nil
	}
	key := domain.ResultKey(g.payload.TaskID, domain.SectionUploaded, 0)
	ok, err := a.blobs.Exists(ctx, key)
	if err != nil {
		return failure(domain.CodeStorageFailed, "stat archived source: %w", err)
	}
	if !ok {
		if err := a.blobs.Copy(ctx, g.payload.ObjectKey, key); err != nil {
			return failure(domain.CodeStorageFailed, "archive source: %w", err)
		}
	}
	now := a.now()
	return a.insertPhoto(ctx, domain.Photo{
		ID:           util.NewID(),
		TaskID:       g.payload.TaskID,
		Section:      domain.SectionUploaded,
		Sequence:     0,
		ObjectKey:    key,
		OriginalName: g.upload.Filename,
		Dimensions:   g.upload.Dimensions,
		SizeBytes:    g.upload.SizeBytes,
		CreatedAt:    now,
		ExpiresAt:    a.plans.ExpiresAt(domain.SectionUploaded, now),
	})
}

func (a *App) loadSource(ctx context.Context, key string) (image.Image, error) {
	rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return nil, failure(domain.CodeStorageFailed, "read source: %w", err)
	}
	defer rc.Close()
	img, err := render.Decode(rc)
	if err != nil {
		return nil, failure(domain.CodeRenderFailed, "%w", err)
	}
	return img, nil
}

// materialize makes sure sequence seq has both a blob and a row.
func (a *App) materialize(ctx context.Context, g *generation, src image.Image, seq int) error {
	key := domain.ResultKey(g.payload.TaskID, g.section, seq)
	result, ok, err := a.existingResult(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		result, err = a.renderer.Render(src, render.Variant{Section: g.section, Sequence: seq, Gender: g.payload.Gender})
		if err != nil {
			return failure(domain.CodeRenderFailed, "%w", err)
		}
		if err := a.blobs.Put(ctx, key, bytes.NewReader(result.Data), int64(len(result.Data)), render.ContentType); err != nil {
			return failure(domain.CodeStorageFailed, "store %s: %w", key, err)
		}
	}
	now := a.now()
	return a.insertPhoto(ctx, domain.Photo{
		ID:           util.NewID(),
		TaskID:       g.payload.TaskID,
		Section:      g.section,
		Sequence:     seq,
		ObjectKey:    key,
		OriginalName: fmt.Sprintf("%s-%d.jpg", g.section, seq),
		Dimensions:   result.Dimensions,
		SizeBytes:    int64(len(result.Data)),
		CreatedAt:    now,
		ExpiresAt:    a.plans.ExpiresAt(g.section, now),
	})
}

// existingResult reads back a blob left by an earlier attempt whose row was
// never written.
func (a *App) existingResult(ctx context.Context, key string) (render.Result, bool, error) {
	ok, err := a.blobs.Exists(ctx, key)
	if err != nil {
		return render.Result{}, false, failure(domain.CodeStorageFailed, "stat %s: %w", key, err)
	}
	if !ok {
		return render.Result{}, false, nil
	}
	rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return render.Result{}, false, failure(domain.CodeStorageFailed, "read %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return render.Result{}, false, failure(domain.CodeStorageFailed, "read %s: %w", key, err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		// Truncated leftovers get rendered again.
		return render.Result{}, false, nil
	}
	return render.Result{Data: data, Dimensions: domain.Dimensions{Width: cfg.Width, Height: cfg.Height}}, true, nil
}

func (a *App) insertPhoto(ctx context.Context, photo domain.Photo) error {
	err := a.store.CreatePhoto(ctx, photo)
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return failure(domain.CodeStoreFailed, "insert %s/%d: %w", photo.Section, photo.Sequence, err)
	}
	return nil
}

func (a *App) checkpoint(ctx context.Context, g *generation, progress, remaining int) error {
	if err := a.store.UpdateProgress(ctx, g.payload.TaskID, progress, remaining*a.secondsPerPhoto); err != nil {
		return failure(domain.CodeStoreFailed, "update progress to %d: %w", progress, err)
	}
	return nil
}

// fail records the attempt's failure on the task. It runs even when the job
// context was cancelled.
func (a *App) fail(ctx context.Context, taskID, code string, cause error) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.store.FailTask(failCtx, taskID, code, cause.Error()); err != nil {
		util.LoggerFromContext(ctx).Error("record task failure", "task_id", taskID, "code", code, "err", err)
	}
}

// onDead runs once a job exhausted its retries or failed permanently. A task
// still queued or running at that point (a crash or panic skipped fail) is
// closed out so pollers stop waiting.
func (a *App) onDead(ctx context.Context, job queue.Job, cause error) {
	log := util.LoggerFromContext(ctx).With("job_id", job.ID, "attempt", job.Attempt)
	p, err := jobs.DecodeGeneration(job.Payload)
	if err != nil {
		log.Error("dead generation job has no readable task", "err", err)
		return
	}
	task, err := a.store.GetTask(ctx, p.TaskID)
	if err != nil {
		log.Warn("dead job task lookup failed", "task_id", p.TaskID, "err", err)
		return
	}
	log.Error("generation job dead", "task_id", p.TaskID, "status", task.Status, "err", cause)
	if task.Status == domain.StatusQueued || task.Status == domain.StatusRunning {
		msg := "generation retries exhausted"
		if cause != nil {
			msg += ": " + cause.Error()
		}
		a.fail(ctx, p.TaskID, domain.CodeRetriesExhausted, errors.New(msg))
	}
}
