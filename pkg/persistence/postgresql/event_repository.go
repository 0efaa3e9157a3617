package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
)

// EventRepository handles topic and event database operations, including the
// reservation protocol.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// EnsureTopic creates the topic if it does not exist and returns it.
func (er *EventRepository) EnsureTopic(ctx context.Context, workflowID, name string) (*models.Topic, error) {
	query := `
		INSERT INTO topics (id, workflow_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, name) DO NOTHING
	`

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate topic id: %w", err)
	}

	_, err = er.db.ExecContext(ctx, query, id.String(), workflowID, name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure topic: %w", err)
	}

	return er.TopicByName(ctx, workflowID, name)
}

// TopicByName retrieves a topic by workflow and name.
func (er *EventRepository) TopicByName(ctx context.Context, workflowID, name string) (*models.Topic, error) {
	query := `
		SELECT id, workflow_id, name, created_at
		FROM topics
		WHERE workflow_id = $1 AND name = $2
	`

	var topic models.Topic

	err := er.db.QueryRowContext(ctx, query, workflowID, name).Scan(
		&topic.ID,
		&topic.WorkflowID,
		&topic.Name,
		&topic.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTopicNotFound
		}

		return nil, fmt.Errorf("failed to scan topic: %w", err)
	}

	return &topic, nil
}

// Publish inserts an event. It is idempotent on (topic, message_id): when the
// message id was already published, the existing event is returned unchanged.
func (er *EventRepository) Publish(ctx context.Context, event *models.Event) (*models.Event, error) {
	causedByJSON, err := json.Marshal(event.CausedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event lineage: %w", err)
	}

	query := `
		INSERT INTO events (
			id, topic_id, message_id, payload, status, created_by_run_id,
			reserved_by_run_id, caused_by, attempt_number, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9, $9)
		ON CONFLICT (topic_id, message_id) DO NOTHING
	`

	_, err = er.db.ExecContext(ctx, query,
		event.ID,
		event.TopicID,
		event.MessageID,
		[]byte(event.Payload),
		models.EventStatusPending,
		nullUUID(event.CreatedByRunID),
		causedByJSON,
		event.AttemptNumber,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}

	// Read the surviving row, whether ours or a previous publish's.
	existing, err := er.getByTopicMessage(ctx, event.TopicID, event.MessageID)
	if err != nil {
		return nil, err
	}

	return existing, nil
}

// GetByID retrieves an event by its ID.
func (er *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	query := eventSelect + ` WHERE id = $1`

	event, err := er.scanEvent(er.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEventNotFound
		}

		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	return event, nil
}

// ListPending retrieves the pending events of a topic, oldest first.
func (er *EventRepository) ListPending(ctx context.Context, topicID string) ([]*models.Event, error) {
	query := eventSelect + ` WHERE topic_id = $1 AND status = $2 ORDER BY created_at`

	return er.queryEvents(ctx, query, topicID, models.EventStatusPending)
}

// Reserve marks the given events reserved by the run, all-or-nothing. Events
// the run already holds count as reserved, so crash recovery can repeat the
// call. If any event is held elsewhere or consumed, the whole reservation is
// rolled back.
func (er *EventRepository) Reserve(ctx context.Context, runID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	tx, err := er.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reservation: %w", err)
	}

	query := `
		UPDATE events
		SET status = $1, reserved_by_run_id = $2, updated_at = $3
		WHERE id = $4 AND (status = $5 OR (status = $1 AND reserved_by_run_id = $2))
	`

	now := time.Now().UTC()

	for _, eventID := range eventIDs {
		result, err := tx.ExecContext(ctx, query,
			models.EventStatusReserved, runID, now, eventID, models.EventStatusPending)
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to reserve event %s: %w", eventID, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to check reservation of event %s: %w", eventID, err)
		}

		if affected == 0 {
			_ = tx.Rollback()

			return &persistence.ReservationError{
				RunID:   runID,
				EventID: eventID,
				Err:     persistence.ErrEventNotReservable,
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}

	return nil
}

// ConsumeByRun flips every event reserved by the run to consumed.
func (er *EventRepository) ConsumeByRun(ctx context.Context, runID string) error {
	return er.flipReserved(ctx, runID, models.EventStatusConsumed, true)
}

// ReleaseByRun flips every event reserved by the run back to pending.
func (er *EventRepository) ReleaseByRun(ctx context.Context, runID string) error {
	return er.flipReserved(ctx, runID, models.EventStatusPending, false)
}

// SkipByRun flips every event reserved by the run to skipped.
func (er *EventRepository) SkipByRun(ctx context.Context, runID string) error {
	return er.flipReserved(ctx, runID, models.EventStatusSkipped, true)
}

// ListByHandlerRun retrieves the events created by or reserved by the run.
func (er *EventRepository) ListByHandlerRun(ctx context.Context, runID string) ([]*models.Event, error) {
	query := eventSelect + ` WHERE created_by_run_id = $1 OR reserved_by_run_id = $1 ORDER BY created_at`

	return er.queryEvents(ctx, query, runID)
}

// flipReserved moves every event held by the run to the target status. A
// release clears the holder so the events become reservable again; consume
// and skip keep it for audit.
func (er *EventRepository) flipReserved(ctx context.Context, runID string, target models.EventStatus, keepHolder bool) error {
	query := `
		UPDATE events
		SET status = $1, updated_at = $2
		WHERE reserved_by_run_id = $3 AND status = $4
	`
	if !keepHolder {
		query = `
			UPDATE events
			SET status = $1, updated_at = $2, reserved_by_run_id = NULL
			WHERE reserved_by_run_id = $3 AND status = $4
		`
	}

	_, err := er.db.ExecContext(ctx, query, target, time.Now().UTC(), runID, models.EventStatusReserved)
	if err != nil {
		return fmt.Errorf("failed to move reserved events to %s: %w", target, err)
	}

	return nil
}

func (er *EventRepository) getByTopicMessage(ctx context.Context, topicID, messageID string) (*models.Event, error) {
	query := eventSelect + ` WHERE topic_id = $1 AND message_id = $2`

	event, err := er.scanEvent(er.db.QueryRowContext(ctx, query, topicID, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEventNotFound
		}

		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	return event, nil
}

func (er *EventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := er.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			er.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var events []*models.Event

	for rows.Next() {
		event, err := er.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

const eventSelect = `
	SELECT id, topic_id, message_id, payload, status, created_by_run_id,
	       reserved_by_run_id, caused_by, attempt_number, created_at, updated_at
	FROM events`

func (er *EventRepository) scanEvent(scanner rowScanner) (*models.Event, error) {
	var (
		event                       models.Event
		createdByRun, reservedByRun sql.NullString
		payloadJSON, causedByJSON   []byte
	)

	err := scanner.Scan(
		&event.ID,
		&event.TopicID,
		&event.MessageID,
		&payloadJSON,
		&event.Status,
		&createdByRun,
		&reservedByRun,
		&causedByJSON,
		&event.AttemptNumber,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.CreatedByRunID = fromNull(createdByRun)
	event.ReservedByRunID = fromNull(reservedByRun)
	event.Payload = json.RawMessage(payloadJSON)

	if len(causedByJSON) > 0 && string(causedByJSON) != "null" {
		if err := json.Unmarshal(causedByJSON, &event.CausedBy); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event lineage: %w", err)
		}
	}

	return &event, nil
}
