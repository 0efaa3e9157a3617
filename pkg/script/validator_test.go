package script

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehq/stoke/pkg/models"
)

type stubProducer struct{}

func (stubProducer) Handle(ctx context.Context, input ProducerInput) (*ProducerOutput, error) {
	return &ProducerOutput{}, nil
}

type stubConsumer struct{}

func (stubConsumer) Prepare(ctx context.Context, input ConsumerInput) (*models.PrepareResult, error) {
	return &models.PrepareResult{}, nil
}

type stubMutatingConsumer struct{ stubConsumer }

func (stubMutatingConsumer) Mutate(ctx context.Context, input MutateInput) (json.RawMessage, error) {
	return nil, nil
}

type stubFullConsumer struct{ stubMutatingConsumer }

func (stubFullConsumer) Next(ctx context.Context, input NextInput) ([]OutboundMessage, error) {
	return nil, nil
}

func validDefinition() *Definition {
	return &Definition{
		Topics: map[string]TopicDecl{
			"items": {},
			"out":   {},
		},
		TopicOrder: []string{"items", "out"},
		Producers: map[string]ProducerDecl{
			"fetch": {
				Handler:   stubProducer{},
				Schedule:  models.ScheduleSpec{Interval: time.Minute},
				Publishes: []string{"items"},
			},
		},
		Consumers: map[string]ConsumerDecl{
			"enrich": {
				Handler:   stubFullConsumer{},
				Subscribe: []string{"items"},
				Publishes: []string{"out"},
			},
			"notify": {
				Handler:   stubConsumer{},
				Subscribe: []string{"out"},
			},
		},
	}
}

func TestValidateNormalizesConfig(t *testing.T) {
	config, err := Validate(validDefinition())
	require.NoError(t, err)

	assert.Equal(t, []string{"items", "out"}, config.Topics)

	fetch := config.Producers["fetch"]
	assert.Equal(t, time.Minute, fetch.Schedule.Interval)
	assert.Equal(t, []string{"items"}, fetch.Publishes)

	// Capabilities are discovered on the handler value, not declared.
	enrich := config.Consumers["enrich"]
	assert.True(t, enrich.HasMutate)
	assert.True(t, enrich.HasNext)

	notify := config.Consumers["notify"]
	assert.False(t, notify.HasMutate)
	assert.False(t, notify.HasNext)
}

func TestValidateTopicOrderFallsBackToSorted(t *testing.T) {
	def := validDefinition()
	def.TopicOrder = nil

	config, err := Validate(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"items", "out"}, config.Topics)
}

func TestValidateNilDefinition(t *testing.T) {
	_, err := Validate(nil)
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "missing")
}

func TestValidateEmptyDefinitionRejected(t *testing.T) {
	_, err := Validate(&Definition{Topics: map[string]TopicDecl{"items": {}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one producer or consumer")
}

func TestValidateProducerRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Definition)
		reason string
	}{
		{
			"missing handler callback",
			func(def *Definition) {
				decl := def.Producers["fetch"]
				decl.Handler = nil
				def.Producers["fetch"] = decl
			},
			"no handler callback",
		},
		{
			"missing schedule",
			func(def *Definition) {
				decl := def.Producers["fetch"]
				decl.Schedule = models.ScheduleSpec{}
				def.Producers["fetch"] = decl
			},
			"no schedule",
		},
		{
			"interval and cron together",
			func(def *Definition) {
				decl := def.Producers["fetch"]
				decl.Schedule = models.ScheduleSpec{Interval: time.Minute, Cron: "0 * * * *"}
				def.Producers["fetch"] = decl
			},
			"not both",
		},
		{
			"empty publishes",
			func(def *Definition) {
				decl := def.Producers["fetch"]
				decl.Publishes = nil
				def.Producers["fetch"] = decl
			},
			"publishes list is empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			tc.mutate(def)

			_, err := Validate(def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestValidateConsumerRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Definition)
		reason string
	}{
		{
			"missing prepare callback",
			func(def *Definition) {
				decl := def.Consumers["notify"]
				decl.Handler = nil
				def.Consumers["notify"] = decl
			},
			"no prepare callback",
		},
		{
			"empty subscribe",
			func(def *Definition) {
				decl := def.Consumers["notify"]
				decl.Subscribe = nil
				def.Consumers["notify"] = decl
			},
			"subscribe list is empty",
		},
		{
			"publishes without next callback",
			func(def *Definition) {
				decl := def.Consumers["notify"]
				decl.Publishes = []string{"out"}
				def.Consumers["notify"] = decl
			},
			"no next callback",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := validDefinition()
			tc.mutate(def)

			_, err := Validate(def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestValidateUndeclaredTopicNamesHandlerAndTopic(t *testing.T) {
	def := validDefinition()
	decl := def.Producers["fetch"]
	decl.Publishes = []string{"ghost"}
	def.Producers["fetch"] = decl

	_, err := Validate(def)
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "fetch", validationErr.Handler)
	assert.Equal(t, "ghost", validationErr.Topic)
	assert.Contains(t, err.Error(), "undeclared topic")
}

func TestValidateConsumerSubscribeUndeclaredTopic(t *testing.T) {
	def := validDefinition()
	decl := def.Consumers["notify"]
	decl.Subscribe = []string{"ghost"}
	def.Consumers["notify"] = decl

	_, err := Validate(def)
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "notify", validationErr.Handler)
	assert.Equal(t, "ghost", validationErr.Topic)
}
