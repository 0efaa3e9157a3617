// Package events defines the notification types published on the internal
// dispatch bus as the engine moves runs through their lifecycle.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/models"
)

type EventType string

// Bus topic for engine lifecycle notifications.
const Topic = "stoke.engine"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	TriggerFiredEvent EventType = "trigger.fired"

	SessionStartedEvent  EventType = "session.started"
	SessionFinishedEvent EventType = "session.finished"

	HandlerRunCreatedEvent  EventType = "handler_run.created"
	HandlerRunFinishedEvent EventType = "handler_run.finished"

	MutationPausedEvent   EventType = "mutation.paused"
	MutationResolvedEvent EventType = "mutation.resolved"

	WorkflowMaintenanceEvent EventType = "workflow.maintenance"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// TriggerFired asks a worker to start a session for a workflow handler.
type TriggerFired struct {
	BaseEvent

	HandlerName string             `json:"handler_name"`
	TriggerKind models.TriggerKind `json:"trigger_kind"`
}

func (e TriggerFired) GetType() EventType { return TriggerFiredEvent }

type SessionStarted struct {
	BaseEvent

	SessionID   string             `json:"session_id"`
	TriggerKind models.TriggerKind `json:"trigger_kind"`
}

func (e SessionStarted) GetType() EventType { return SessionStartedEvent }

type SessionFinished struct {
	BaseEvent

	SessionID       string               `json:"session_id"`
	Status          models.SessionStatus `json:"status"`
	HandlerRunCount int                  `json:"handler_run_count"`
}

func (e SessionFinished) GetType() EventType { return SessionFinishedEvent }

type HandlerRunCreated struct {
	BaseEvent

	HandlerRunID string             `json:"handler_run_id"`
	SessionID    string             `json:"session_id"`
	HandlerType  models.HandlerType `json:"handler_type"`
	HandlerName  string             `json:"handler_name"`
}

func (e HandlerRunCreated) GetType() EventType { return HandlerRunCreatedEvent }

type HandlerRunFinished struct {
	BaseEvent

	HandlerRunID string        `json:"handler_run_id"`
	SessionID    string        `json:"session_id"`
	Phase        models.Phase  `json:"phase"`
	Status       models.Status `json:"status"`
	Error        string        `json:"error,omitempty"`
}

func (e HandlerRunFinished) GetType() EventType { return HandlerRunFinishedEvent }

type MutationPaused struct {
	BaseEvent

	MutationID   string `json:"mutation_id"`
	HandlerRunID string `json:"handler_run_id"`
}

func (e MutationPaused) GetType() EventType { return MutationPausedEvent }

type MutationResolved struct {
	BaseEvent

	MutationID   string                `json:"mutation_id"`
	HandlerRunID string                `json:"handler_run_id"`
	Status       models.MutationStatus `json:"status"`
	ResolvedBy   string                `json:"resolved_by"`
}

func (e MutationResolved) GetType() EventType { return MutationResolvedEvent }

type WorkflowMaintenance struct {
	BaseEvent

	Maintenance bool `json:"maintenance"`
	FixAttempts int  `json:"fix_attempts"`
}

func (e WorkflowMaintenance) GetType() EventType { return WorkflowMaintenanceEvent }
