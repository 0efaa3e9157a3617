package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// GetByID retrieves a workflow by its ID.
func (wr *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, name, status, active_script_id, maintenance, fix_attempts,
		       handler_config, created_at, updated_at, deleted_at
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL
	`

	workflow, err := wr.scanWorkflow(wr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

// Save upserts a workflow.
func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	configJSON, err := json.Marshal(workflow.HandlerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal handler config: %w", err)
	}

	query := `
		INSERT INTO workflows (
			id, name, status, active_script_id, maintenance, fix_attempts,
			handler_config, created_at, updated_at, deleted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			active_script_id = EXCLUDED.active_script_id,
			maintenance = EXCLUDED.maintenance,
			fix_attempts = EXCLUDED.fix_attempts,
			handler_config = EXCLUDED.handler_config,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = wr.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Status,
		nullUUID(workflow.ActiveScriptID),
		workflow.Maintenance,
		workflow.FixAttempts,
		configJSON,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

// SetMaintenance updates only the maintenance flag and fix-attempt counter.
func (wr *WorkflowRepository) SetMaintenance(ctx context.Context, id string, maintenance bool, fixAttempts int) error {
	query := `
		UPDATE workflows
		SET maintenance = $2, fix_attempts = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := wr.db.ExecContext(ctx, query, id, maintenance, fixAttempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set workflow maintenance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrWorkflowNotFound
	}

	return nil
}

// ActivateScript points the workflow at a new active script version and
// stores its derived handler configuration.
func (wr *WorkflowRepository) ActivateScript(ctx context.Context, id, scriptID string, config *models.HandlerConfig) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal handler config: %w", err)
	}

	query := `
		UPDATE workflows
		SET active_script_id = $2, handler_config = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := wr.db.ExecContext(ctx, query, id, scriptID, configJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to activate script: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrWorkflowNotFound
	}

	return nil
}

func (wr *WorkflowRepository) scanWorkflow(scanner rowScanner) (*models.Workflow, error) {
	var (
		workflow       models.Workflow
		activeScriptID sql.NullString
		configJSON     []byte
	)

	err := scanner.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Status,
		&activeScriptID,
		&workflow.Maintenance,
		&workflow.FixAttempts,
		&configJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.ActiveScriptID = fromNull(activeScriptID)

	if len(configJSON) > 0 && string(configJSON) != "null" {
		workflow.HandlerConfig = &models.HandlerConfig{}

		if err := json.Unmarshal(configJSON, workflow.HandlerConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal handler config: %w", err)
		}
	}

	return &workflow, nil
}
