package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// SessionRepository handles session-related database operations.
type SessionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sql.DB, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{db: db, logger: logger}
}

// GetByID retrieves a session by its ID.
func (sr *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := sessionSelect + ` WHERE id = $1`

	session, err := sr.scanSession(sr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrSessionNotFound
		}

		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	return session, nil
}

// Save upserts a session.
func (sr *SessionRepository) Save(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (
			id, workflow_id, script_id, status, trigger_kind,
			handler_run_count, cost_micros, retry_of, retry_count,
			created_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			handler_run_count = EXCLUDED.handler_run_count,
			cost_micros = EXCLUDED.cost_micros,
			finished_at = EXCLUDED.finished_at
	`

	_, err := sr.db.ExecContext(ctx, query,
		session.ID,
		session.WorkflowID,
		session.ScriptID,
		session.Status,
		session.TriggerKind,
		session.HandlerRunCount,
		session.CostMicros,
		nullUUID(session.RetryOf),
		session.RetryCount,
		session.CreatedAt,
		session.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// ListByWorkflow retrieves the sessions of a workflow, newest first.
func (sr *SessionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Session, error) {
	query := sessionSelect + ` WHERE workflow_id = $1 ORDER BY created_at DESC`

	rows, err := sr.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			sr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var sessions []*models.Session

	for rows.Next() {
		session, err := sr.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// IncrementHandlerCount bumps the handler run counter atomically.
func (sr *SessionRepository) IncrementHandlerCount(ctx context.Context, id string) error {
	query := `UPDATE sessions SET handler_run_count = handler_run_count + 1 WHERE id = $1`

	result, err := sr.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment handler count: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrSessionNotFound
	}

	return nil
}

const sessionSelect = `
	SELECT id, workflow_id, script_id, status, trigger_kind,
	       handler_run_count, cost_micros, retry_of, retry_count,
	       created_at, finished_at
	FROM sessions`

func (sr *SessionRepository) scanSession(scanner rowScanner) (*models.Session, error) {
	var (
		session models.Session
		retryOf sql.NullString
	)

	err := scanner.Scan(
		&session.ID,
		&session.WorkflowID,
		&session.ScriptID,
		&session.Status,
		&session.TriggerKind,
		&session.HandlerRunCount,
		&session.CostMicros,
		&retryOf,
		&session.RetryCount,
		&session.CreatedAt,
		&session.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	session.RetryOf = fromNull(retryOf)

	return &session, nil
}
