package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrorSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrorModelInvocation ErrorCode = "MODEL_INVOCATION_FAILED"
	ErrorRateLimited     ErrorCode = "RATE_LIMITED"
	ErrorPersistence     ErrorCode = "PERSISTENCE_FAILED"
	ErrorInternal        ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure returned by every ChatService operation.
// Reason is a stable snake_case tag suitable for logs and API clients.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
