package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stokehq/stoke/pkg/models"
)

// HandlerStateRepository handles per-handler checkpoint database operations.
type HandlerStateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHandlerStateRepository creates a new handler state repository.
func NewHandlerStateRepository(db *sql.DB, logger *slog.Logger) *HandlerStateRepository {
	return &HandlerStateRepository{db: db, logger: logger}
}

// Get retrieves the checkpoint of a handler. A handler that never committed
// returns nil without error.
func (hs *HandlerStateRepository) Get(ctx context.Context, workflowID, handlerName string) (*models.HandlerState, error) {
	query := `
		SELECT workflow_id, handler_name, state, committed_by_run_id, updated_at
		FROM handler_states
		WHERE workflow_id = $1 AND handler_name = $2
	`

	var (
		state          models.HandlerState
		stateJSON      []byte
		committedByRun sql.NullString
	)

	err := hs.db.QueryRowContext(ctx, query, workflowID, handlerName).Scan(
		&state.WorkflowID,
		&state.HandlerName,
		&stateJSON,
		&committedByRun,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan handler state: %w", err)
	}

	state.State = json.RawMessage(stateJSON)
	state.CommittedByRunID = fromNull(committedByRun)

	return &state, nil
}

// Put overwrites the checkpoint atomically.
func (hs *HandlerStateRepository) Put(ctx context.Context, state *models.HandlerState) error {
	query := `
		INSERT INTO handler_states (workflow_id, handler_name, state, committed_by_run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, handler_name) DO UPDATE SET
			state = EXCLUDED.state,
			committed_by_run_id = EXCLUDED.committed_by_run_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err := hs.db.ExecContext(ctx, query,
		state.WorkflowID,
		state.HandlerName,
		[]byte(state.State),
		nullUUID(state.CommittedByRunID),
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put handler state: %w", err)
	}

	return nil
}
