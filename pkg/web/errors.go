package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/stokehq/stoke/pkg/engine"
	"github.com/stokehq/stoke/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps persistence sentinels to HTTP problems.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, persistence.ErrWorkflowNotFound):
		return notFound(c, "workflow not found")
	case errors.Is(err, persistence.ErrSessionNotFound):
		return notFound(c, "session not found")
	case errors.Is(err, persistence.ErrHandlerRunNotFound):
		return notFound(c, "handler run not found")
	case errors.Is(err, persistence.ErrMutationNotFound):
		return notFound(c, "mutation not found")
	case errors.Is(err, persistence.ErrMutationExists):
		return conflict(c, "mutation already exists for handler run")
	case errors.Is(err, engine.ErrMutationSettled):
		return conflict(c, "mutation already settled")
	default:
		return internalError(c, err)
	}
}
