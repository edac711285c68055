package web

import "github.com/gofiber/fiber/v3"

// Register mounts every endpoint under /api/v1 plus /health.
func (h *Handlers) Register(router fiber.Router) {
	v1 := router.Group("/api/v1")

	v1.Get("/flows", h.ListFlows)
	v1.Get("/flows/:id", h.GetFlow)
	v1.Post("/flows/:id/execute", h.ExecuteFlow)

	v1.Get("/blocks", h.ListBlocks)
	v1.Post("/blocks/:id/run", h.RunBlock)

	e := v1.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Get("/:id/status", h.GetExecutionStatus)
	e.Get("/:id/result", h.GetExecutionResult)
	e.Get("/:id/stream", h.StreamExecution)
	e.Post("/:id/cancel", h.CancelExecution)

	w := v1.Group("/webhooks")
	w.Post("/bots/:workspaceId/:botId", h.BotWebhook)
	w.Post("/:flowId/:secret", h.FlowWebhook)

	v1.Get("/internal/process-scheduled-tasks", h.ProcessScheduledTasks)
	v1.Post("/internal/process-scheduled-tasks", h.ProcessScheduledTasks)

	router.Get("/health", h.HealthCheck)
}
