package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/cmd"
	"github.com/stokehq/stoke/pkg/engine"
	"github.com/stokehq/stoke/pkg/log"
	"github.com/stokehq/stoke/pkg/otelhelper"
	"github.com/stokehq/stoke/pkg/script"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "stoke-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute workflow sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing handler plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.IntFlag{
				Name:    "max-fix-attempts",
				Usage:   "Maintenance auto-retry budget for logic failures",
				Value:   engine.DefaultConfig().MaxFixAttempts,
				Sources: cli.EnvVars("MAX_FIX_ATTEMPTS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			if command.Bool("tracing") {
				if _, err := otelhelper.NewTracer(ctx, "stoke-worker"); err != nil {
					return err
				}
			}

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("stoke-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing worker")

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "stoke-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			registry := script.NewRegistry(logger)
			if err := registry.LoadPlugins(command.String("plugins-path")); err != nil {
				return err
			}

			config := engine.DefaultConfig()
			config.MaxFixAttempts = command.Int("max-fix-attempts")

			eng := engine.NewEngine(persistence, registry, eventBus, logger, config)

			worker := NewWorker(workerID, eng, eventBus, logger)

			return worker.Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
