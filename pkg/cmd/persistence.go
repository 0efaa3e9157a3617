// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stokehq/stoke/pkg/persistence"
	"github.com/stokehq/stoke/pkg/persistence/memory"
	"github.com/stokehq/stoke/pkg/persistence/postgresql"
)

// NewPersistence creates the persistence layer from a database URL. Postgres
// URLs get the durable implementation; anything else falls back to the
// in-memory store, which only suits tests and local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres persistence: %w", err)
		}

		return p, nil
	default:
		logger.WarnContext(ctx, "Using in-memory persistence, data will not survive restarts")

		return memory.NewPersistence(), nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
