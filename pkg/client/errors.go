package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Error kinds matched with errors.Is.
var (
	ErrUnauthorized = errors.New("authentication failed")
	ErrForbidden    = errors.New("permission denied")
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrTimeout      = errors.New("execution timed out")
	ErrServer       = errors.New("server error")
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	// ExecutionID is set when the server created an execution before
	// failing, as for a timed out run.
	ExecutionID string
	// RetryAfter is the server's Retry-After hint on 429 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}

	if e.Code != "" {
		return fmt.Sprintf("flowrun: %d %s: %s", e.StatusCode, e.Code, msg)
	}

	return fmt.Sprintf("flowrun: %d: %s", e.StatusCode, msg)
}

func (e *APIError) Is(target error) bool {
	return target == e.kind()
}

func (e *APIError) kind() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusBadRequest:
		return ErrValidation
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode == http.StatusGatewayTimeout:
		return ErrTimeout
	case e.StatusCode >= http.StatusInternalServerError:
		return ErrServer
	default:
		return nil
	}
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusServiceUnavailable ||
		e.StatusCode == http.StatusInternalServerError
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// problemBody is the subset of the server's problem document the client reads.
type problemBody struct {
	Error       string `json:"error"`
	Detail      string `json:"detail"`
	Title       string `json:"title"`
	RequestID   string `json:"requestId"`
	ExecutionID string `json:"executionId"`
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var body problemBody
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Code = body.Error
		apiErr.RequestID = body.RequestID
		apiErr.ExecutionID = body.ExecutionID

		apiErr.Message = body.Detail
		if apiErr.Message == "" {
			apiErr.Message = body.Title
		}
	}

	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		apiErr.RetryAfter = time.Duration(seconds) * time.Second
	}

	return apiErr
}
