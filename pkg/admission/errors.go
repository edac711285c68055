package admission

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every admission failure matches exactly one of them with
// errors.Is, which is what the HTTP layer maps to a status code.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInfrastructure = errors.New("infrastructure failure")
)

// Stable error codes returned to API and webhook callers.
const (
	CodeValidation     = "validation_error"
	CodeInvalidInput   = "invalid_input"
	CodeDisabled       = "disabled"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidSecret  = "invalid_secret"
	CodeForbidden      = "forbidden"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
	CodeInvalidRequest = "invalid_request"
)

// Error is an admission failure with a stable code and a caller-safe message.
type Error struct {
	Op      string // Operation name
	Kind    error  // One of the Err* kinds above
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func NewValidationError(op, code, message string) *Error {
	return &Error{Op: op, Kind: ErrValidation, Code: code, Message: message}
}

func NewNotFoundError(op, what, id string) *Error {
	return &Error{Op: op, Kind: ErrNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func NewAuthError(op, code, message string) *Error {
	return &Error{Op: op, Kind: ErrUnauthorized, Code: code, Message: message}
}

func NewPermissionError(op, message string) *Error {
	return &Error{Op: op, Kind: ErrForbidden, Code: CodeForbidden, Message: message}
}

func NewInfrastructureError(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrInfrastructure, Code: CodeInternal, Err: err}
}

// RateLimitError carries the numbers needed for the rate limit headers.
type RateLimitError struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded, retry after %s", e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// ErrorCode returns the stable code of an admission error, or
// CodeInternal for anything else.
func ErrorCode(err error) string {
	var admissionErr *Error
	if errors.As(err, &admissionErr) && admissionErr.Code != "" {
		return admissionErr.Code
	}

	if IsRateLimited(err) {
		return CodeRateLimited
	}

	return CodeInternal
}
