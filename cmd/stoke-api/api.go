// Package main provides the engine API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/stokehq/stoke/pkg/engine"
	"github.com/stokehq/stoke/pkg/eventbus"
	"github.com/stokehq/stoke/pkg/persistence"
	"github.com/stokehq/stoke/pkg/script"
	"github.com/stokehq/stoke/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	pluginsPath string
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	pluginsPath string,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		pluginsPath: pluginsPath,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() (*fiber.App, error) {
	registry := script.NewRegistry(a.logger)
	if err := registry.LoadPlugins(a.pluginsPath); err != nil {
		return nil, err
	}

	eng := engine.NewEngine(a.persistence, registry, a.eventBus, a.logger, engine.DefaultConfig())
	handlers := web.NewAPIHandlers(eng, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Stoke API")
	})

	handlers.RegisterRoutes(app)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
