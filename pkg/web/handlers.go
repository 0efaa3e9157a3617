package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stokehq/stoke/pkg/engine"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// APIHandlers exposes the engine's operational surface: starting and
// retrying sessions, driving runs, and resolving paused mutations.
type APIHandlers struct {
	engine      *engine.Engine
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(eng *engine.Engine, p persistence.Persistence, validate *validator.Validate) *APIHandlers {
	return &APIHandlers{
		engine:      eng,
		persistence: p,
		validator:   validate,
	}
}

// RegisterRoutes attaches every API route to the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/workflows/:id/sessions", h.StartSession)
	app.Get("/workflows/:id/sessions", h.ListSessions)

	app.Post("/sessions/:id/retry", h.RetrySession)
	app.Get("/sessions/:id/runs", h.ListSessionRuns)

	app.Post("/handler-runs/:id/execute", h.ExecuteHandlerRun)
	app.Post("/handler-runs/:id/suspend", h.SuspendHandlerRun)
	app.Get("/handler-runs/:id/chain", h.GetRetryChain)
	app.Get("/handler-runs/:id/events", h.GetHandlerRunEvents)

	app.Get("/mutations/:id", h.GetMutation)
	app.Post("/mutations/:id/resolve", h.ResolveMutation)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

// StartSession runs one manual execution pass of the workflow's active
// script. The pass runs synchronously; the finished session is returned.
func (h *APIHandlers) StartSession(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req StartSessionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	session, err := h.engine.RunSession(c.Context(), workflowID, models.TriggerKindManual, req.Producer)
	if err != nil {
		if session == nil {
			return handleEngineError(c, err)
		}

		// The session exists but did not complete; surface both.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"session": session,
			"error":   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(session)
}

func (h *APIHandlers) ListSessions(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if _, err := h.persistence.Workflows().GetByID(c.Context(), workflowID); err != nil {
		return handleEngineError(c, err)
	}

	sessions, err := h.persistence.Sessions().ListByWorkflow(c.Context(), workflowID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"sessions": sessions})
}

func (h *APIHandlers) RetrySession(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return badRequest(c, "Session ID is required")
	}

	session, err := h.engine.RetrySession(c.Context(), sessionID)
	if err != nil && session == nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(session)
}

func (h *APIHandlers) ListSessionRuns(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return badRequest(c, "Session ID is required")
	}

	if _, err := h.persistence.Sessions().GetByID(c.Context(), sessionID); err != nil {
		return handleEngineError(c, err)
	}

	runs, err := h.persistence.HandlerRuns().ListBySession(c.Context(), sessionID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"handler_runs": runs})
}

// ExecuteHandlerRun drives a run until it commits, fails or pauses. Invoking
// it on a terminal run returns the stored result unchanged.
func (h *APIHandlers) ExecuteHandlerRun(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Handler run ID is required")
	}

	result, err := h.engine.ExecuteHandler(c.Context(), runID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) SuspendHandlerRun(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Handler run ID is required")
	}

	var req SuspendRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.engine.SuspendRun(c.Context(), runID, req.Reason); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetRetryChain(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Handler run ID is required")
	}

	chain, err := h.engine.GetRetryChain(c.Context(), runID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"chain": chain})
}

func (h *APIHandlers) GetHandlerRunEvents(c fiber.Ctx) error {
	runID := c.Params("id")
	if runID == "" {
		return badRequest(c, "Handler run ID is required")
	}

	if _, err := h.persistence.HandlerRuns().GetByID(c.Context(), runID); err != nil {
		return handleEngineError(c, err)
	}

	eventList, err := h.engine.GetEventsByHandlerRun(c.Context(), runID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"events": eventList})
}

func (h *APIHandlers) GetMutation(c fiber.Ctx) error {
	mutationID := c.Params("id")
	if mutationID == "" {
		return badRequest(c, "Mutation ID is required")
	}

	mutation, err := h.persistence.Mutations().GetByID(c.Context(), mutationID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(mutation)
}

// ResolveMutation applies a human decision to an unsettled mutation and
// returns the run's resulting state.
func (h *APIHandlers) ResolveMutation(c fiber.Ctx) error {
	mutationID := c.Params("id")
	if mutationID == "" {
		return badRequest(c, "Mutation ID is required")
	}

	var req ResolveMutationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.ResolveMutation(c.Context(), mutationID, req.Action, req.ResolvedBy)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}
