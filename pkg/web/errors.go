package web

import (
	"errors"
	"strconv"
	"time"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Codes used by the HTTP layer on top of the admission codes.
const (
	CodeTimeout      = "timeout"
	CodeInvalidState = "invalid_state"
)

// Problem is an RFC 7807 body with the stable error code and the request id.
// Message carries the raw error and is only filled in debug mode.
type Problem struct {
	*problems.Problem

	Code        string `json:"error"`
	RequestID   string `json:"requestId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (h *Handlers) problem(c fiber.Ctx, status int, code, detail string, err error) error {
	return h.writeProblem(c, &Problem{}, status, code, detail, err)
}

func (h *Handlers) writeProblem(c fiber.Ctx, p *Problem, status int, code, detail string, err error) error {
	p.Problem = problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(code).
		WithDetail(detail)
	p.Code = code
	p.RequestID = c.GetRespHeader(fiber.HeaderXRequestID)

	if h.debug && err != nil {
		p.Message = err.Error()
	}

	return c.Status(status).JSON(p)
}

func (h *Handlers) badRequest(c fiber.Ctx, code, detail string) error {
	return h.problem(c, fiber.StatusBadRequest, code, detail, nil)
}

func (h *Handlers) notFound(c fiber.Ctx, detail string) error {
	return h.problem(c, fiber.StatusNotFound, admission.CodeNotFound, detail, nil)
}

func (h *Handlers) internalError(c fiber.Ctx, err error) error {
	h.logger.ErrorContext(c.Context(), "Request failed", "path", c.Path(), "error", err)

	return h.problem(c, fiber.StatusInternalServerError, admission.CodeInternal, "internal error", err)
}

// handleError maps admission and persistence errors to problem responses.
func (h *Handlers) handleError(c fiber.Ctx, err error) error {
	var rateLimited *admission.RateLimitError
	if errors.As(err, &rateLimited) {
		setRateLimitHeaders(c, rateLimited.Limit, rateLimited.Remaining, rateLimited.Reset)
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(rateLimited.RetryAfter)))

		return h.problem(c, fiber.StatusTooManyRequests, admission.CodeRateLimited, rateLimited.Error(), err)
	}

	var admissionErr *admission.Error
	if errors.As(err, &admissionErr) && !errors.Is(err, admission.ErrInfrastructure) {
		return h.problem(c, admission.StatusCode(err), admissionErr.Code, admissionErr.Message, err)
	}

	switch {
	case persistence.IsInvalidStateTransition(err):
		return h.problem(c, fiber.StatusConflict, CodeInvalidState, "execution is already finished", err)
	case persistence.IsNotFound(err):
		return h.notFound(c, "resource not found")
	default:
		return h.internalError(c, err)
	}
}

func setRateLimitHeaders(c fiber.Ctx, limit, remaining int, reset time.Time) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

// retryAfterSeconds rounds up so clients never retry before the window resets.
func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}

	return seconds
}
