// Package engine implements the handler execution state machine: the driver
// that moves a single handler run from creation to a terminal outcome,
// persisting phase and status after every transition so a crashed process
// can resume from exactly the state stored.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stokehq/stoke/pkg/eventbus"
	"github.com/stokehq/stoke/pkg/events"
	"github.com/stokehq/stoke/pkg/models"
	"github.com/stokehq/stoke/pkg/otelhelper"
	"github.com/stokehq/stoke/pkg/persistence"
	"github.com/stokehq/stoke/pkg/script"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the orchestration behavior. Both limits are deliberately
// configurable rather than hard-coded.
type Config struct {
	// MaxFixAttempts bounds maintenance-mode auto-retries of logic
	// failures before the workflow is left for the user.
	MaxFixAttempts int

	// MaxDrainPasses bounds how many times one session sweeps its
	// consumers for newly published events.
	MaxDrainPasses int
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		MaxFixAttempts: 3,
		MaxDrainPasses: 25,
	}
}

// Engine drives handler runs through their phases. The event store and the
// mutation ledger are the only durable resources it touches mid-execution.
type Engine struct {
	persistence persistence.Persistence
	registry    *script.Registry
	bus         eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	config      Config
}

// NewEngine creates an engine. The bus may be nil when no dispatch
// notifications are wanted, e.g. in tests.
func NewEngine(
	persistence persistence.Persistence,
	registry *script.Registry,
	bus eventbus.EventPublisher,
	logger *slog.Logger,
	config Config,
) *Engine {
	if config.MaxFixAttempts <= 0 {
		config.MaxFixAttempts = DefaultConfig().MaxFixAttempts
	}

	if config.MaxDrainPasses <= 0 {
		config.MaxDrainPasses = DefaultConfig().MaxDrainPasses
	}

	return &Engine{
		persistence: persistence,
		registry:    registry,
		bus:         bus,
		logger:      logger.With("module", "engine"),
		tracer:      otel.Tracer("stoke.engine"),
		config:      config,
	}
}

// Result is the outcome of one driver invocation.
type Result struct {
	Phase     models.Phase     `json:"phase"`
	Status    models.Status    `json:"status"`
	Error     string           `json:"error,omitempty"`
	ErrorType models.ErrorType `json:"error_type,omitempty"`
}

func resultOf(run *models.HandlerRun) *Result {
	return &Result{
		Phase:     run.Phase,
		Status:    run.Status,
		Error:     run.Error,
		ErrorType: run.ErrorType,
	}
}

// ExecuteHandler advances the named run until it commits, fails or pauses.
// It always re-reads current state first and never re-runs a step whose
// effects may have already landed; invoking it on a terminal run returns the
// stored result unchanged.
func (e *Engine) ExecuteHandler(ctx context.Context, runID string) (*Result, error) {
	run, err := e.persistence.HandlerRuns().GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load handler run %s: %w", runID, err)
	}

	if run.IsTerminal() {
		return resultOf(run), nil
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.execute_handler",
		attribute.String(otelhelper.HandlerRunIDKey, run.ID),
		attribute.String(otelhelper.HandlerTypeKey, string(run.HandlerType)),
		attribute.String(otelhelper.HandlerNameKey, run.HandlerName),
	)
	defer span.End()

	logger := e.logger.With(
		"handler_run_id", run.ID,
		"workflow_id", run.WorkflowID,
		"handler_name", run.HandlerName,
	)

	switch run.HandlerType {
	case models.HandlerTypeProducer:
		err = e.executeProducer(ctx, logger, run)
	case models.HandlerTypeConsumer:
		err = e.executeConsumer(ctx, logger, run)
	default:
		return nil, fmt.Errorf("unknown handler type %q on run %s", run.HandlerType, run.ID)
	}

	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.PhaseKey, string(run.Phase)))

		return nil, err
	}

	e.notifyRunFinished(ctx, run)

	return resultOf(run), nil
}

// notifyRunFinished publishes the run outcome on the dispatch bus once the
// driver stops advancing it.
func (e *Engine) notifyRunFinished(ctx context.Context, run *models.HandlerRun) {
	if e.bus == nil || (!run.IsTerminal() && !run.Status.IsPaused()) {
		return
	}

	event := events.HandlerRunFinished{
		BaseEvent:    events.NewBaseEvent(events.HandlerRunFinishedEvent, run.WorkflowID),
		HandlerRunID: run.ID,
		SessionID:    run.SessionID,
		Phase:        run.Phase,
		Status:       run.Status,
		Error:        run.Error,
	}

	if err := e.bus.Publish(ctx, run.WorkflowID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish handler run finished event",
			"handler_run_id", run.ID, "error", err)
	}
}

// saveRun persists the current phase and status. Every transition goes
// through here before any further I/O.
func (e *Engine) saveRun(ctx context.Context, run *models.HandlerRun) error {
	if err := e.persistence.HandlerRuns().Save(ctx, run); err != nil {
		return fmt.Errorf("failed to persist handler run %s: %w", run.ID, err)
	}

	return nil
}
