package domain

import (
	"errors"
	"time"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrAccessDenied  = errors.New("access denied")
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrEnqueueFailed = errors.New("enqueue failed")
)

// Machine-readable error codes returned to clients and stored on tasks.
const (
	CodeValidation         = "validation_error"
	CodeAccessDenied       = "access_denied"
	CodeNotFound           = "not_found"
	CodeDailyQuotaExceeded = "daily_quota_exceeded"
	CodeEnqueueFailed      = "enqueue_failed"

	CodeInvalidPayload   = "invalid_payload"
	CodeSourceMissing    = "source_missing"
	CodeStorageFailed    = "storage_failed"
	CodeRenderFailed     = "render_failed"
	CodeStoreFailed      = "store_failed"
	CodeRetriesExhausted = "retries_exhausted"
)

// Error carries a taxonomy kind plus a code the caller can branch on.
type Error struct {
	Kind       error
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func Validation(msg string) *Error {
	return &Error{Kind: ErrValidation, Code: CodeValidation, Message: msg}
}

func AccessDenied(msg string) *Error {
	return &Error{Kind: ErrAccessDenied, Code: CodeAccessDenied, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: ErrNotFound, Code: CodeNotFound, Message: msg}
}

// DailyQuotaExceeded is returned when the free plan was already used today.
func DailyQuotaExceeded(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       ErrQuotaExceeded,
		Code:       CodeDailyQuotaExceeded,
		Message:    "daily free generation already used",
		RetryAfter: retryAfter,
	}
}

func EnqueueFailed(err error) *Error {
	return &Error{Kind: ErrEnqueueFailed, Code: CodeEnqueueFailed, Message: "could not schedule generation", Err: err}
}

// CodeOf returns the machine code carried by err, if any.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
