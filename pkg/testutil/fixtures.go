// Package testutil provides fixture builders and fake handlers shared by the
// engine test suites.
package testutil

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/persistence"
	"github.com/stokehq/stoke/pkg/script"
)

// FakeProducer is a producer callback driven by a function field.
type FakeProducer struct {
	HandleFunc func(ctx context.Context, input script.ProducerInput) (*script.ProducerOutput, error)
	Calls      int
}

func (f *FakeProducer) Handle(ctx context.Context, input script.ProducerInput) (*script.ProducerOutput, error) {
	f.Calls++

	if f.HandleFunc == nil {
		return &script.ProducerOutput{}, nil
	}

	return f.HandleFunc(ctx, input)
}

// FakeConsumer is a prepare-only consumer callback.
type FakeConsumer struct {
	PrepareFunc func(ctx context.Context, input script.ConsumerInput) (*models.PrepareResult, error)
	Calls       int
}

func (f *FakeConsumer) Prepare(ctx context.Context, input script.ConsumerInput) (*models.PrepareResult, error) {
	f.Calls++

	if f.PrepareFunc == nil {
		return &models.PrepareResult{}, nil
	}

	return f.PrepareFunc(ctx, input)
}

// FakeMutatingConsumer adds the mutate capability.
type FakeMutatingConsumer struct {
	FakeConsumer

	MutateFunc  func(ctx context.Context, input script.MutateInput) (json.RawMessage, error)
	MutateCalls int
}

func (f *FakeMutatingConsumer) Mutate(ctx context.Context, input script.MutateInput) (json.RawMessage, error) {
	f.MutateCalls++

	if f.MutateFunc == nil {
		return nil, nil
	}

	return f.MutateFunc(ctx, input)
}

// FakeFullConsumer adds the mutate and continuation capabilities.
type FakeFullConsumer struct {
	FakeMutatingConsumer

	NextFunc  func(ctx context.Context, input script.NextInput) ([]script.OutboundMessage, error)
	NextCalls int
}

func (f *FakeFullConsumer) Next(ctx context.Context, input script.NextInput) ([]script.OutboundMessage, error) {
	f.NextCalls++

	if f.NextFunc == nil {
		return nil, nil
	}

	return f.NextFunc(ctx, input)
}

// NewID returns a fresh UUIDv7 string for test entities.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}

	return id.String()
}

// SeedWorkflow stores an active workflow with an active script carrying the
// given config, and returns both.
func SeedWorkflow(ctx context.Context, p persistence.Persistence, config *models.HandlerConfig) (*models.Workflow, *models.Script, error) {
	now := time.Now().UTC()

	scriptVersion := &models.Script{
		ID:        NewID(),
		Version:   1,
		Config:    config,
		CreatedAt: now,
	}

	workflow := &models.Workflow{
		ID:             NewID(),
		Name:           "test workflow",
		Status:         models.WorkflowStatusActive,
		ActiveScriptID: scriptVersion.ID,
		HandlerConfig:  config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	scriptVersion.WorkflowID = workflow.ID

	if err := p.Scripts().Save(ctx, scriptVersion); err != nil {
		return nil, nil, err
	}

	if err := p.Workflows().Save(ctx, workflow); err != nil {
		return nil, nil, err
	}

	return workflow, scriptVersion, nil
}

// SeedRun stores a pending handler run for the workflow and returns it.
func SeedRun(ctx context.Context, p persistence.Persistence, workflow *models.Workflow, handlerType models.HandlerType, handlerName string) (*models.HandlerRun, error) {
	now := time.Now().UTC()

	session := &models.Session{
		ID:          NewID(),
		WorkflowID:  workflow.ID,
		ScriptID:    workflow.ActiveScriptID,
		Status:      models.SessionStatusRunning,
		TriggerKind: models.TriggerKindManual,
		CreatedAt:   now,
	}

	if err := p.Sessions().Save(ctx, session); err != nil {
		return nil, err
	}

	run := &models.HandlerRun{
		ID:          NewID(),
		WorkflowID:  workflow.ID,
		SessionID:   session.ID,
		ScriptID:    workflow.ActiveScriptID,
		HandlerType: handlerType,
		HandlerName: handlerName,
		Phase:       models.PhasePending,
		Status:      models.StatusPending,
		CreatedAt:   now,
	}

	if err := p.HandlerRuns().Save(ctx, run); err != nil {
		return nil, err
	}

	return run, nil
}

// PublishPending publishes a pending event on the topic and returns it.
func PublishPending(ctx context.Context, p persistence.Persistence, workflowID, topicName, messageID string, payload json.RawMessage) (*models.Event, error) {
	topic, err := p.Events().EnsureTopic(ctx, workflowID, topicName)
	if err != nil {
		return nil, err
	}

	return p.Events().Publish(ctx, &models.Event{
		ID:            NewID(),
		TopicID:       topic.ID,
		MessageID:     messageID,
		Payload:       payload,
		Status:        models.EventStatusPending,
		AttemptNumber: 1,
	})
}
