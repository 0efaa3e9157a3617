package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stokehq/stoke/pkg/cmd"
	"github.com/stokehq/stoke/pkg/log"
	"github.com/stokehq/stoke/pkg/reconciler"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "stoke-reconciler",
		EnableShellCompletion: true,
		Usage:                 "Settle indeterminate mutations in the background",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often to poll for due mutations",
				Value:   15 * time.Second,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Background attempts before a mutation awaits human resolution",
				Value:   reconciler.DefaultPolicy().MaxAttempts,
				Sources: cli.EnvVars("MAX_RECONCILE_ATTEMPTS"),
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
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("stoke-reconciler")
			logger.InfoContext(ctx, "Initializing reconciler")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			policy := reconciler.DefaultPolicy()
			policy.MaxAttempts = command.Int("max-attempts")

			// Outcome checkers are provider-specific; the standalone binary
			// only drives the backoff schedule and hands unresolved rows to
			// humans.
			r := reconciler.NewReconciler(
				persistence,
				reconciler.NoopChecker{},
				policy,
				command.Duration("poll-interval"),
				logger,
			)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := r.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
