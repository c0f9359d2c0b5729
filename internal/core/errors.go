package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeNotOwner         = "not_owner"
	ErrCodeNotFound         = "not_found"
	ErrCodeWindowExpired    = "window_expired"
	ErrCodeAlreadyRecalled  = "already_recalled"
	ErrCodeNotRecalled      = "not_recalled"
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeRateLimited      = "rate_limited"
)

var (
	ErrNotOwner        = coreError(ErrCodeNotOwner, "only the author can do that")
	ErrNotFound        = coreError(ErrCodeNotFound, "message not found")
	ErrWindowExpired   = coreError(ErrCodeWindowExpired, "recall window has expired")
	ErrAlreadyRecalled = coreError(ErrCodeAlreadyRecalled, "message already recalled")
	ErrNotRecalled     = coreError(ErrCodeNotRecalled, "message is not recalled")
	ErrNotJoined       = coreError(ErrCodeUnauthorized, "announce an identity first")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is matches on code so wrapped copies compare equal to the sentinels.
func (e *CoreError) Is(target error) bool {
	var t *CoreError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

func badRequest(msg string) *CoreError {
	return coreError(ErrCodeBadRequest, msg)
}

func storeUnavailable(err error) *CoreError {
	return &CoreError{Code: ErrCodeStoreUnavailable, Message: "storage unavailable", Err: err}
}

// CodeOf extracts the error code, falling back to store_unavailable for
// errors that did not originate in the core.
func CodeOf(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeStoreUnavailable
}
