package web

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/dukex/flowrun/pkg/admission"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/streaming"
	"github.com/gofiber/fiber/v3"
)

// StreamExecution serves the execution's events as server-sent events.
//
// The stream outlives the handler: frames are produced by a goroutine into a
// pipe that fasthttp drains after the handler returns. A store failure closes
// the pipe with the error, which aborts the response without a done frame.
func (h *Handlers) StreamExecution(c fiber.Ctx) error {
	if _, err := h.authorizedExecution(c, models.PermissionRead); err != nil {
		return h.handleError(c, err)
	}

	query := StreamQuery{}
	if raw := c.Query("fromIndex"); raw != "" {
		fromIndex, err := strconv.Atoi(raw)
		if err != nil {
			return h.badRequest(c, admission.CodeInvalidRequest, "fromIndex must be an integer")
		}

		query.FromIndex = fromIndex
	}

	if err := h.validate.Struct(query); err != nil {
		return h.badRequest(c, admission.CodeInvalidRequest, "fromIndex must not be negative")
	}

	id := c.Params("id")

	// The fiber context is recycled once the handler returns.
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := h.gateway.Open(ctx, id, query.FromIndex)
	if err != nil {
		cancel()

		return h.handleError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	pr, pw := io.Pipe()

	go func() {
		defer cancel()

		err := stream.Run(ctx, streaming.NewSSESink(bufio.NewWriter(pw)))
		if err != nil {
			h.logger.WarnContext(ctx, "Execution stream aborted", "execution_id", id, "error", err)
		}

		_ = pw.CloseWithError(err)
	}()

	return c.SendStream(pr)
}
