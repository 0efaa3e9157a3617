package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule indicates a schedule entry that cannot be computed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is a scheduled producer entry stored in the database. The next
// due time is precomputed so the poller can query due entries efficiently
// without keeping per-producer timers.
type Schedule struct {
	// ID uniquely identifies this schedule entry
	ID string `json:"id" validate:"required"`

	// WorkflowID and HandlerName identify the producer this entry fires
	WorkflowID  string `json:"workflow_id"  validate:"required"`
	HandlerName string `json:"handler_name" validate:"required"`

	// Spec is the producer's declared schedule: an interval duration or
	// a standard 5-field cron expression
	Spec ScheduleSpec `json:"spec"`

	// NextDueAt is the precomputed next execution time
	NextDueAt time.Time `json:"next_due_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Active indicates if this schedule is currently processed by the
	// poller
	Active bool `json:"active"`
}

// NewSchedule creates a new Schedule with the first due time calculated.
func NewSchedule(id, workflowID, handlerName string, spec ScheduleSpec) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:          id,
		WorkflowID:  workflowID,
		HandlerName: handlerName,
		Spec:        spec,
		CreatedAt:   now,
		UpdatedAt:   now,
		Active:      true,
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// Advance recomputes the next due time after the schedule fired.
func (s *Schedule) Advance() error {
	return s.calculateNextDueAt(time.Now().UTC())
}

func (s *Schedule) calculateNextDueAt(referenceTime time.Time) error {
	switch {
	case s.Spec.Interval > 0:
		s.NextDueAt = referenceTime.Add(s.Spec.Interval)
	case s.Spec.Cron != "":
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

		cronSchedule, err := parser.Parse(s.Spec.Cron)
		if err != nil {
			return err
		}

		s.NextDueAt = cronSchedule.Next(referenceTime)
	default:
		return ErrInvalidSchedule
	}

	s.UpdatedAt = time.Now().UTC()

	return nil
}

// IsDue checks if this schedule is due for execution at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}
