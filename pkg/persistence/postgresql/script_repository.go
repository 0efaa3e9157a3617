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

// ScriptRepository handles script version database operations. Scripts are
// immutable, so Save only inserts.
type ScriptRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScriptRepository creates a new script repository.
func NewScriptRepository(db *sql.DB, logger *slog.Logger) *ScriptRepository {
	return &ScriptRepository{db: db, logger: logger}
}

// GetByID retrieves a script version by its ID.
func (sr *ScriptRepository) GetByID(ctx context.Context, id string) (*models.Script, error) {
	query := `
		SELECT id, workflow_id, version, source, config, created_at
		FROM scripts
		WHERE id = $1
	`

	var (
		script     models.Script
		configJSON []byte
	)

	err := sr.db.QueryRowContext(ctx, query, id).Scan(
		&script.ID,
		&script.WorkflowID,
		&script.Version,
		&script.Source,
		&configJSON,
		&script.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScriptNotFound
		}

		return nil, fmt.Errorf("failed to scan script: %w", err)
	}

	if len(configJSON) > 0 && string(configJSON) != "null" {
		script.Config = &models.HandlerConfig{}

		if err := json.Unmarshal(configJSON, script.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal script config: %w", err)
		}
	}

	return &script, nil
}

// Save inserts a script version.
func (sr *ScriptRepository) Save(ctx context.Context, script *models.Script) error {
	configJSON, err := json.Marshal(script.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal script config: %w", err)
	}

	query := `
		INSERT INTO scripts (id, workflow_id, version, source, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = sr.db.ExecContext(ctx, query,
		script.ID,
		script.WorkflowID,
		script.Version,
		script.Source,
		configJSON,
		script.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save script: %w", err)
	}

	return nil
}
