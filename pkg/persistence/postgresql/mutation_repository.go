package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// MutationRepository handles the mutation ledger database operations.
type MutationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMutationRepository creates a new mutation repository.
func NewMutationRepository(db *sql.DB, logger *slog.Logger) *MutationRepository {
	return &MutationRepository{db: db, logger: logger}
}

// Create inserts a mutation row. The unique constraint on handler_run_id
// enforces at most one side-effect attempt per run.
func (mr *MutationRepository) Create(ctx context.Context, mutation *models.Mutation) error {
	query := `
		INSERT INTO mutations (
			id, handler_run_id, tool, method, params, idempotency_key,
			status, result, error, reconcile_attempts, last_reconcile_at,
			next_reconcile_at, resolved_by, resolved_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := mr.db.ExecContext(ctx, query,
		mutation.ID,
		mutation.HandlerRunID,
		mutation.Tool,
		mutation.Method,
		[]byte(mutation.Params),
		mutation.IdempotencyKey,
		mutation.Status,
		[]byte(mutation.Result),
		mutation.Error,
		mutation.ReconcileAttempts,
		mutation.LastReconcileAt,
		mutation.NextReconcileAt,
		mutation.ResolvedBy,
		mutation.ResolvedAt,
		mutation.CreatedAt,
		mutation.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.ErrMutationExists
		}

		return fmt.Errorf("failed to create mutation: %w", err)
	}

	return nil
}

// Save updates an existing mutation row.
func (mr *MutationRepository) Save(ctx context.Context, mutation *models.Mutation) error {
	mutation.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE mutations
		SET status = $2, result = $3, error = $4, reconcile_attempts = $5,
		    last_reconcile_at = $6, next_reconcile_at = $7, resolved_by = $8,
		    resolved_at = $9, updated_at = $10
		WHERE id = $1
	`

	result, err := mr.db.ExecContext(ctx, query,
		mutation.ID,
		mutation.Status,
		[]byte(mutation.Result),
		mutation.Error,
		mutation.ReconcileAttempts,
		mutation.LastReconcileAt,
		mutation.NextReconcileAt,
		mutation.ResolvedBy,
		mutation.ResolvedAt,
		mutation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save mutation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrMutationNotFound
	}

	return nil
}

// GetByID retrieves a mutation by its ID.
func (mr *MutationRepository) GetByID(ctx context.Context, id string) (*models.Mutation, error) {
	query := mutationSelect + ` WHERE id = $1`

	return mr.getOne(ctx, query, id)
}

// GetByHandlerRun retrieves the mutation of a handler run, if any.
func (mr *MutationRepository) GetByHandlerRun(ctx context.Context, runID string) (*models.Mutation, error) {
	query := mutationSelect + ` WHERE handler_run_id = $1`

	return mr.getOne(ctx, query, runID)
}

// ListDueReconcile retrieves unsettled mutations due a reconciliation pass,
// oldest first.
func (mr *MutationRepository) ListDueReconcile(ctx context.Context, now time.Time, limit int) ([]*models.Mutation, error) {
	query := mutationSelect + `
		WHERE status IN ($1, $2) AND next_reconcile_at IS NOT NULL AND next_reconcile_at <= $3
		ORDER BY next_reconcile_at
		LIMIT $4`

	rows, err := mr.db.QueryContext(ctx, query,
		models.MutationStatusIndeterminate, models.MutationStatusInFlight, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due mutations: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			mr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var mutations []*models.Mutation

	for rows.Next() {
		mutation, err := mr.scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		mutations = append(mutations, mutation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}

	return mutations, nil
}

func (mr *MutationRepository) getOne(ctx context.Context, query string, arg any) (*models.Mutation, error) {
	mutation, err := mr.scanMutation(mr.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrMutationNotFound
		}

		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}

	return mutation, nil
}

const mutationSelect = `
	SELECT id, handler_run_id, tool, method, params, idempotency_key,
	       status, result, error, reconcile_attempts, last_reconcile_at,
	       next_reconcile_at, resolved_by, resolved_at, created_at, updated_at
	FROM mutations`

func (mr *MutationRepository) scanMutation(scanner rowScanner) (*models.Mutation, error) {
	var (
		mutation                models.Mutation
		idempotencyKey, errText sql.NullString
		resolvedBy              sql.NullString
		paramsJSON, resultJSON  []byte
	)

	err := scanner.Scan(
		&mutation.ID,
		&mutation.HandlerRunID,
		&mutation.Tool,
		&mutation.Method,
		&paramsJSON,
		&idempotencyKey,
		&mutation.Status,
		&resultJSON,
		&errText,
		&mutation.ReconcileAttempts,
		&mutation.LastReconcileAt,
		&mutation.NextReconcileAt,
		&resolvedBy,
		&mutation.ResolvedAt,
		&mutation.CreatedAt,
		&mutation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	mutation.IdempotencyKey = fromNull(idempotencyKey)
	mutation.Error = fromNull(errText)
	mutation.ResolvedBy = fromNull(resolvedBy)
	mutation.Params = json.RawMessage(paramsJSON)
	mutation.Result = json.RawMessage(resultJSON)

	return &mutation, nil
}
