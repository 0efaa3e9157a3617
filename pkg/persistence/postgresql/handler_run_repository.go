package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// HandlerRunRepository handles handler run database operations.
type HandlerRunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHandlerRunRepository creates a new handler run repository.
func NewHandlerRunRepository(db *sql.DB, logger *slog.Logger) *HandlerRunRepository {
	return &HandlerRunRepository{db: db, logger: logger}
}

// GetByID retrieves a handler run by its ID.
func (hr *HandlerRunRepository) GetByID(ctx context.Context, id string) (*models.HandlerRun, error) {
	query := handlerRunSelect + ` WHERE id = $1`

	run, err := hr.scanHandlerRun(hr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrHandlerRunNotFound
		}

		return nil, fmt.Errorf("failed to scan handler run: %w", err)
	}

	return run, nil
}

// Save upserts a handler run. Every phase transition goes through here, so
// the update set covers all mutable fields.
func (hr *HandlerRunRepository) Save(ctx context.Context, run *models.HandlerRun) error {
	prepareJSON, err := json.Marshal(run.PrepareResult)
	if err != nil {
		return fmt.Errorf("failed to marshal prepare result: %w", err)
	}

	logsJSON, err := json.Marshal(run.Logs)
	if err != nil {
		return fmt.Errorf("failed to marshal logs: %w", err)
	}

	query := `
		INSERT INTO handler_runs (
			id, workflow_id, session_id, script_id, handler_type, handler_name,
			phase, status, retry_of, prepare_result, input_state, output_state,
			error, error_type, logs, cost_micros, resolved_by, resolved_at,
			created_at, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			prepare_result = EXCLUDED.prepare_result,
			input_state = EXCLUDED.input_state,
			output_state = EXCLUDED.output_state,
			error = EXCLUDED.error,
			error_type = EXCLUDED.error_type,
			logs = EXCLUDED.logs,
			cost_micros = EXCLUDED.cost_micros,
			resolved_by = EXCLUDED.resolved_by,
			resolved_at = EXCLUDED.resolved_at,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err = hr.db.ExecContext(ctx, query,
		run.ID,
		run.WorkflowID,
		run.SessionID,
		run.ScriptID,
		run.HandlerType,
		run.HandlerName,
		run.Phase,
		run.Status,
		nullUUID(run.RetryOf),
		prepareJSON,
		[]byte(run.InputState),
		[]byte(run.OutputState),
		run.Error,
		run.ErrorType,
		logsJSON,
		run.CostMicros,
		run.ResolvedBy,
		run.ResolvedAt,
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save handler run: %w", err)
	}

	return nil
}

// ListBySession retrieves the handler runs of a session in creation order.
func (hr *HandlerRunRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.HandlerRun, error) {
	query := handlerRunSelect + ` WHERE session_id = $1 ORDER BY created_at`

	rows, err := hr.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query handler runs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			hr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var runs []*models.HandlerRun

	for rows.Next() {
		run, err := hr.scanHandlerRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan handler run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handler runs: %w", err)
	}

	return runs, nil
}

const handlerRunSelect = `
	SELECT id, workflow_id, session_id, script_id, handler_type, handler_name,
	       phase, status, retry_of, prepare_result, input_state, output_state,
	       error, error_type, logs, cost_micros, resolved_by, resolved_at,
	       created_at, started_at, finished_at
	FROM handler_runs`

func (hr *HandlerRunRepository) scanHandlerRun(scanner rowScanner) (*models.HandlerRun, error) {
	var (
		run                          models.HandlerRun
		retryOf                      sql.NullString
		errText, errType, resolvedBy sql.NullString
		prepareJSON, inJSON, outJSON []byte
		logsJSON                     []byte
	)

	err := scanner.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.SessionID,
		&run.ScriptID,
		&run.HandlerType,
		&run.HandlerName,
		&run.Phase,
		&run.Status,
		&retryOf,
		&prepareJSON,
		&inJSON,
		&outJSON,
		&errText,
		&errType,
		&logsJSON,
		&run.CostMicros,
		&resolvedBy,
		&run.ResolvedAt,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.RetryOf = fromNull(retryOf)
	run.Error = fromNull(errText)
	run.ErrorType = models.ErrorType(fromNull(errType))
	run.ResolvedBy = fromNull(resolvedBy)
	run.InputState = json.RawMessage(inJSON)
	run.OutputState = json.RawMessage(outJSON)

	if len(prepareJSON) > 0 && string(prepareJSON) != "null" {
		run.PrepareResult = &models.PrepareResult{}

		if err := json.Unmarshal(prepareJSON, run.PrepareResult); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prepare result: %w", err)
		}
	}

	if len(logsJSON) > 0 && string(logsJSON) != "null" {
		if err := json.Unmarshal(logsJSON, &run.Logs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logs: %w", err)
		}
	}

	return &run, nil
}
