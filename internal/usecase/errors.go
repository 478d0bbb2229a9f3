package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput            ErrorCode = "INVALID_INPUT"
	ErrorUnauthenticated         ErrorCode = "UNAUTHENTICATED"
	ErrorQuotaExceeded           ErrorCode = "QUOTA_EXCEEDED"
	ErrorBackendUnavailable      ErrorCode = "BACKEND_UNAVAILABLE"
	ErrorPersistenceInconsistent ErrorCode = "PERSISTENCE_INCONSISTENT"
	ErrorInternal                ErrorCode = "INTERNAL_ERROR"
)

// QuotaDetail carries the usage figures for a quota rejection so the
// caller can display the remaining budget. Requested is zero when the
// pre-check already found the owner over the limit.
type QuotaDetail struct {
	Used      int
	Requested int
	Limit     int
}

type Error struct {
	Code   ErrorCode
	Reason string
	Quota  *QuotaDetail
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

func newQuotaError(reason string, used, requested, limit int) *Error {
	return &Error{
		Code:   ErrorQuotaExceeded,
		Reason: reason,
		Quota:  &QuotaDetail{Used: used, Requested: requested, Limit: limit},
	}
}
