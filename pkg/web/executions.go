package web

import (
	"context"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/gofiber/fiber/v3"
)

// execution is a flow or block execution looked up by id.
type execution struct {
	flow  *models.FlowExecution
	block *models.BlockExecution
}

func (e *execution) workspaceID() string {
	if e.flow != nil {
		return e.flow.WorkspaceID
	}

	return e.block.WorkspaceID
}

func (e *execution) status() models.ExecutionStatus {
	if e.flow != nil {
		return e.flow.Status
	}

	return e.block.Status
}

func (e *execution) level() models.ExecutionLevel {
	if e.flow != nil {
		return models.ExecutionLevelFlow
	}

	return models.ExecutionLevelBlock
}

// findExecution resolves id as a flow execution first, then as a block
// execution.
func (h *Handlers) findExecution(ctx context.Context, id string) (*execution, error) {
	flowExecution, err := h.store.Executions().FlowExecutionByID(ctx, id)
	if err == nil {
		return &execution{flow: flowExecution}, nil
	}

	if !persistence.IsNotFound(err) {
		return nil, err
	}

	blockExecution, err := h.store.Executions().BlockExecutionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &execution{block: blockExecution}, nil
}

// authorizedExecution authenticates the caller and loads the execution. An
// execution of another workspace is reported as missing.
func (h *Handlers) authorizedExecution(c fiber.Ctx, permission models.Permission) (*execution, error) {
	key, err := h.authenticate(c, permission)
	if err != nil {
		return nil, err
	}

	found, err := h.findExecution(c.Context(), c.Params("id"))
	if err != nil {
		return nil, err
	}

	if found.workspaceID() != key.WorkspaceID {
		return nil, persistence.NewExecutionError("GetExecution", c.Params("id"), persistence.ErrExecutionNotFound)
	}

	return found, nil
}

func (h *Handlers) view(c fiber.Ctx, found *execution) (ExecutionView, error) {
	if found.block != nil {
		return newBlockExecutionView(found.block), nil
	}

	children, err := h.store.Executions().BlockExecutionsByFlowExecution(c.Context(), found.flow.ID)
	if err != nil {
		return ExecutionView{}, err
	}

	return newFlowExecutionView(found.flow, children), nil
}

func (h *Handlers) GetExecution(c fiber.Ctx) error {
	found, err := h.authorizedExecution(c, models.PermissionRead)
	if err != nil {
		return h.handleError(c, err)
	}

	view, err := h.view(c, found)
	if err != nil {
		return h.internalError(c, err)
	}

	return c.JSON(fiber.Map{"execution": view})
}

func (h *Handlers) GetExecutionStatus(c fiber.Ctx) error {
	found, err := h.authorizedExecution(c, models.PermissionRead)
	if err != nil {
		return h.handleError(c, err)
	}

	return c.JSON(StatusResponse{
		ExecutionID: c.Params("id"),
		Level:       found.level(),
		Status:      found.status(),
		Terminal:    found.status().IsTerminal(),
	})
}

func (h *Handlers) GetExecutionResult(c fiber.Ctx) error {
	found, err := h.authorizedExecution(c, models.PermissionRead)
	if err != nil {
		return h.handleError(c, err)
	}

	if !found.status().IsTerminal() {
		return h.problem(c, fiber.StatusConflict, CodeInvalidState, "execution has not finished yet", nil)
	}

	view, err := h.view(c, found)
	if err != nil {
		return h.internalError(c, err)
	}

	return c.JSON(ResultResponse{
		ExecutionID: view.ID,
		Status:      view.Status,
		Output:      view.Output,
		Error:       view.Error,
		Duration:    view.Duration,
	})
}

// CancelExecution cancels a pending or running execution. Cancelling a flow
// execution also cancels its unfinished node executions. Node executions
// are only cancelled through their flow execution.
func (h *Handlers) CancelExecution(c fiber.Ctx) error {
	found, err := h.authorizedExecution(c, models.PermissionExecute)
	if err != nil {
		return h.handleError(c, err)
	}

	if found.block != nil && found.block.FlowExecutionID != "" {
		return h.problem(c, fiber.StatusConflict, CodeInvalidState,
			"execution belongs to flow execution "+found.block.FlowExecutionID+", cancel that instead", nil)
	}

	id := c.Params("id")
	response := CancelResponse{ExecutionID: id, Status: models.ExecutionStatusCancelled}

	if found.flow != nil {
		response.CancelledChildren, err = h.store.Executions().CancelFlowExecution(c.Context(), id)
	} else {
		err = h.store.Executions().CancelBlockExecution(c.Context(), id)
	}

	if err != nil {
		return h.handleError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Execution cancelled",
		"execution_id", id, "level", found.level(), "cancelled_children", response.CancelledChildren)

	return c.JSON(response)
}
