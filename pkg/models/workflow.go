package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // Executable by triggers
	WorkflowStatusDisabled WorkflowStatus = "disabled" // Paused by the user
	WorkflowStatusArchived WorkflowStatus = "archived" // Historical, never executed again
)

// Workflow represents one automation. The engine only reads and writes the
// maintenance flag, the active script pointer and the handler configuration;
// everything else belongs to the CRUD layer.
type Workflow struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"             validate:"required,min=3"`
	Status         WorkflowStatus `json:"status"           validate:"required"`
	ActiveScriptID string         `json:"active_script_id"`

	// Maintenance is true while the runtime is auto-retrying a logic
	// failure without user involvement.
	Maintenance bool `json:"maintenance"`
	FixAttempts int  `json:"fix_attempts"`

	// HandlerConfig is the normalized configuration derived from the
	// active script by the validator.
	HandlerConfig *HandlerConfig `json:"handler_config,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Script is an immutable, versioned workflow definition. A new row is
// created on every edit; a workflow always executes its active script.
type Script struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id" validate:"required"`
	Version    int            `json:"version"`
	Source     []byte         `json:"source,omitempty"` // raw definition document
	Config     *HandlerConfig `json:"config"`
	CreatedAt  time.Time      `json:"created_at"`
}
