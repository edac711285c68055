package web

import (
	"context"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/gofiber/fiber/v3"
)

// ProcessScheduledTasks runs one batch of due scheduled tasks. It is called
// by an external cadence driver holding the scheduler secret.
func (h *Handlers) ProcessScheduledTasks(c fiber.Ctx) error {
	if h.schedulerSecret == "" || !admission.SecretsEqual(bearerToken(c), h.schedulerSecret) {
		return h.problem(c, fiber.StatusUnauthorized, admission.CodeUnauthorized, "invalid scheduler secret", nil)
	}

	ctx, cancel := context.WithTimeout(c.Context(), h.schedulerDeadline)
	defer cancel()

	summary, err := h.processor.ProcessDue(ctx)
	if err != nil {
		return h.internalError(c, err)
	}

	return c.JSON(summary)
}
