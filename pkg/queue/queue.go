package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Job states recorded for inspection.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusRetry     = "retry"
	StatusCompleted = "completed"
	StatusDead      = "dead"
)

// Job is one delivery of an enqueued payload.
type Job struct {
	ID          string
	Topic       string
	Payload     []byte
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time
}

// LastAttempt reports whether a failure of this delivery dead-letters the job.
func (j Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// JobState is the stored bookkeeping of a job.
type JobState struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Handler processes one delivery. A nil return acknowledges the job.
type Handler func(ctx context.Context, job Job) error

// DeadFunc is called once when a job exhausts its attempts or fails permanently.
type DeadFunc func(ctx context.Context, job Job, err error)

type ConsumeOptions struct {
	// TeamSize is the number of concurrent consumers. Default 1.
	TeamSize int
	// RetryLimit is the number of retries after the first attempt.
	// Zero means the default of 3, negative disables retries.
	RetryLimit int
	// RetryDelay is the wait before a retry. Default 2s.
	RetryDelay time.Duration
	// RetryBackoff doubles the delay on every further attempt.
	RetryBackoff bool
	// MaxRetryDelay caps the backoff. Default 1h.
	MaxRetryDelay time.Duration
	OnDead        DeadFunc
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.TeamSize <= 0 {
		o.TeamSize = 1
	}
	switch {
	case o.RetryLimit == 0:
		o.RetryLimit = 3
	case o.RetryLimit < 0:
		o.RetryLimit = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = time.Hour
	}
	return o
}

func (o ConsumeOptions) maxAttempts() int {
	return 1 + o.RetryLimit
}

// delayFor returns the wait before the delivery following attempt.
func (o ConsumeOptions) delayFor(attempt int) time.Duration {
	d := o.RetryDelay
	if !o.RetryBackoff {
		return d
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MaxRetryDelay {
			return o.MaxRetryDelay
		}
	}
	return min(d, o.MaxRetryDelay)
}

// Queue is a topic based job queue with at-least-once delivery.
type Queue interface {
	EnsureTopic(ctx context.Context, topic string) error
	Enqueue(ctx context.Context, topic string, payload []byte) (string, error)
	// Consume starts consumers in the background and returns once they are running.
	Consume(ctx context.Context, topic string, opts ConsumeOptions, h Handler) error
	GetJob(ctx context.Context, topic, jobID string) (JobState, bool, error)
	Close() error
}

var ErrClosed = errors.New("queue closed")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job is dead-lettered right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeDead
)

func settle(opts ConsumeOptions, job Job, err error) outcome {
	switch {
	case err == nil:
		return outcomeDone
	case IsPermanent(err) || job.Attempt >= opts.maxAttempts():
		return outcomeDead
	default:
		return outcomeRetry
	}
}

// invoke runs h and turns a panic into an error.
func invoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job)
}
