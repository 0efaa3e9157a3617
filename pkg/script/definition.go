// Package script defines the workflow definition structure, its validator
// and the handler interfaces the engine calls into.
package script

import (
	"context"
	"encoding/json"

	"github.com/stokehq/stoke/pkg/models"
)

// Definition is the structural contract a workflow script must satisfy. The
// callbacks themselves live behind the handler interfaces; the definition
// only declares the topic graph and per-handler wiring.
type Definition struct {
	Topics    map[string]TopicDecl    `json:"topics"`
	Producers map[string]ProducerDecl `json:"producers"`
	Consumers map[string]ConsumerDecl `json:"consumers"`

	// TopicOrder preserves declaration order for the normalized config.
	// Populated by ParseDocument; optional when building definitions in
	// code (map iteration order is normalized by sorting in that case).
	TopicOrder []string `json:"-"`
}

// TopicDecl declares one internal channel. Empty today; reserved for
// per-topic options.
type TopicDecl struct{}

// ProducerDecl declares a scheduled handler that reads external input and
// publishes internal events.
type ProducerDecl struct {
	Handler   ProducerHandler     `json:"-"`
	Schedule  models.ScheduleSpec `json:"schedule"`
	Publishes []string            `json:"publishes" validate:"required,min=1"`
}

// ConsumerDecl declares an event-triggered handler. Prepare is mandatory;
// Mutate and Next are optional capabilities discovered on the handler value.
type ConsumerDecl struct {
	Handler   ConsumerHandler `json:"-"`
	Subscribe []string        `json:"subscribe" validate:"required,min=1"`
	Publishes []string        `json:"publishes,omitempty"`
}

// ProducerInput carries everything a producer callback may read.
type ProducerInput struct {
	WorkflowID  string
	HandlerName string

	// State is the last committed checkpoint for this handler, nil on
	// the first run.
	State json.RawMessage
}

// OutboundMessage is one event a handler wants published. MessageID must be
// unique per topic; republishing the same id is a no-op.
type OutboundMessage struct {
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CausedBy  []string        `json:"caused_by,omitempty"`
}

// ProducerOutput is what a producer callback returns on success.
type ProducerOutput struct {
	Messages []OutboundMessage

	// State replaces the handler checkpoint on commit.
	State json.RawMessage

	CostMicros int64
}

// ProducerHandler is the capability set of a producer callback.
type ProducerHandler interface {
	Handle(ctx context.Context, input ProducerInput) (*ProducerOutput, error)
}

// ConsumerInput carries the pending events visible on the consumer's
// subscribed topics at prepare time, keyed by topic name.
type ConsumerInput struct {
	WorkflowID  string
	HandlerName string
	Pending     map[string][]*models.Event
}

// ConsumerHandler is the mandatory capability of a consumer callback.
// Prepare must be read-only: it may be re-invoked after a crash.
type ConsumerHandler interface {
	Prepare(ctx context.Context, input ConsumerInput) (*models.PrepareResult, error)
}

// MutateInput hands the mutate callback its declared call plus the prepare
// data.
type MutateInput struct {
	WorkflowID     string
	HandlerName    string
	Data           json.RawMessage
	Tool           string
	Method         string
	Params         json.RawMessage
	IdempotencyKey string
}

// Mutator is the optional side-effect capability of a consumer. The result
// is recorded on the mutation ledger. A callback that cannot tell whether
// the effect occurred must return an error wrapped by Indeterminate.
type Mutator interface {
	Mutate(ctx context.Context, input MutateInput) (json.RawMessage, error)
}

// NextInput hands the continuation callback the prepare data and the
// mutation result (nil when the consumer declares no mutate).
type NextInput struct {
	WorkflowID     string
	HandlerName    string
	Data           json.RawMessage
	MutationResult json.RawMessage

	// Reserved are the events this run holds, for lineage.
	Reserved []*models.Event
}

// Nexter is the optional continuation capability of a consumer: it turns the
// mutation outcome into further published events.
type Nexter interface {
	Next(ctx context.Context, input NextInput) ([]OutboundMessage, error)
}
