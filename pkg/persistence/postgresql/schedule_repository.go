package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// ScheduleRepository handles producer schedule database operations.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

// GetByID retrieves a schedule by its ID.
func (sr *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.Schedule, error) {
	query := scheduleSelect + ` WHERE id = $1`

	schedule, err := sr.scanSchedule(sr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	return schedule, nil
}

// Save upserts a schedule.
func (sr *ScheduleRepository) Save(ctx context.Context, schedule *models.Schedule) error {
	query := `
		INSERT INTO schedules (
			id, workflow_id, handler_name, interval_ns, cron_expression,
			next_due_at, active, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_id, handler_name) DO UPDATE SET
			interval_ns = EXCLUDED.interval_ns,
			cron_expression = EXCLUDED.cron_expression,
			next_due_at = EXCLUDED.next_due_at,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	_, err := sr.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.WorkflowID,
		schedule.HandlerName,
		int64(schedule.Spec.Interval),
		schedule.Spec.Cron,
		schedule.NextDueAt,
		schedule.Active,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

// ListDue retrieves active schedules due at or before now, oldest first.
func (sr *ScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	query := scheduleSelect + ` WHERE active AND next_due_at <= $1 ORDER BY next_due_at`

	rows, err := sr.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			sr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var schedules []*models.Schedule

	for rows.Next() {
		schedule, err := sr.scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

// DeleteByWorkflow removes every schedule of a workflow, used when a new
// script version is activated.
func (sr *ScheduleRepository) DeleteByWorkflow(ctx context.Context, workflowID string) error {
	_, err := sr.db.ExecContext(ctx, `DELETE FROM schedules WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete schedules: %w", err)
	}

	return nil
}

const scheduleSelect = `
	SELECT id, workflow_id, handler_name, interval_ns, cron_expression,
	       next_due_at, active, created_at, updated_at
	FROM schedules`

func (sr *ScheduleRepository) scanSchedule(scanner rowScanner) (*models.Schedule, error) {
	var (
		schedule   models.Schedule
		intervalNS int64
	)

	err := scanner.Scan(
		&schedule.ID,
		&schedule.WorkflowID,
		&schedule.HandlerName,
		&intervalNS,
		&schedule.Spec.Cron,
		&schedule.NextDueAt,
		&schedule.Active,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Spec.Interval = time.Duration(intervalNS)

	return &schedule, nil
}
