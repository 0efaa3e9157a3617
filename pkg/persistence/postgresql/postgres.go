// Package postgresql provides the PostgreSQL persistence implementation for
// the handler execution engine.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver
	"github.com/stokehq/stoke/pkg/persistence"
	"github.com/stokehq/stoke/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	workflowRepo     *WorkflowRepository
	scriptRepo       *ScriptRepository
	sessionRepo      *SessionRepository
	handlerRunRepo   *HandlerRunRepository
	eventRepo        *EventRepository
	mutationRepo     *MutationRepository
	handlerStateRepo *HandlerStateRepository
	scheduleRepo     *ScheduleRepository
}

// NewPersistence connects, runs migrations and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:               database,
		logger:           logger,
		workflowRepo:     &WorkflowRepository{db: database, logger: logger},
		scriptRepo:       &ScriptRepository{db: database, logger: logger},
		sessionRepo:      &SessionRepository{db: database, logger: logger},
		handlerRunRepo:   &HandlerRunRepository{db: database, logger: logger},
		eventRepo:        &EventRepository{db: database, logger: logger},
		mutationRepo:     &MutationRepository{db: database, logger: logger},
		handlerStateRepo: &HandlerStateRepository{db: database, logger: logger},
		scheduleRepo:     &ScheduleRepository{db: database, logger: logger},
	}, nil
}

func (p *Persistence) Workflows() persistence.WorkflowRepository         { return p.workflowRepo }
func (p *Persistence) Scripts() persistence.ScriptRepository             { return p.scriptRepo }
func (p *Persistence) Sessions() persistence.SessionRepository           { return p.sessionRepo }
func (p *Persistence) HandlerRuns() persistence.HandlerRunRepository     { return p.handlerRunRepo }
func (p *Persistence) Events() persistence.EventRepository               { return p.eventRepo }
func (p *Persistence) Mutations() persistence.MutationRepository         { return p.mutationRepo }
func (p *Persistence) HandlerStates() persistence.HandlerStateRepository { return p.handlerStateRepo }
func (p *Persistence) Schedules() persistence.ScheduleRepository         { return p.scheduleRepo }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
