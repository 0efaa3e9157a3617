package script

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handlers is the callback set a script execution sandbox registers for one
// script version. The engine depends only on these interfaces, never on how
// the callbacks are sourced or sandboxed.
type Handlers struct {
	Producers map[string]ProducerHandler
	Consumers map[string]ConsumerHandler
}

// Registry resolves (scriptID, handlerName) to registered callbacks.
type Registry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	handlers map[string]Handlers
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("module", "script_registry"),
		handlers: make(map[string]Handlers),
	}
}

// Register stores the callback set for a script version, replacing any
// previous registration.
func (r *Registry) Register(scriptID string, handlers Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[scriptID] = handlers
	r.logger.Debug("Registered script handlers",
		"script_id", scriptID,
		"producers", len(handlers.Producers),
		"consumers", len(handlers.Consumers))
}

// Producer resolves a producer callback.
func (r *Registry) Producer(scriptID, handlerName string) (ProducerHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers, ok := r.handlers[scriptID]
	if !ok {
		return nil, fmt.Errorf("no handlers registered for script %s", scriptID)
	}

	producer, ok := handlers.Producers[handlerName]
	if !ok {
		return nil, fmt.Errorf("producer %s not registered for script %s", handlerName, scriptID)
	}

	return producer, nil
}

// Consumer resolves a consumer callback.
func (r *Registry) Consumer(scriptID, handlerName string) (ConsumerHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers, ok := r.handlers[scriptID]
	if !ok {
		return nil, fmt.Errorf("no handlers registered for script %s", scriptID)
	}

	consumer, ok := handlers.Consumers[handlerName]
	if !ok {
		return nil, fmt.Errorf("consumer %s not registered for script %s", handlerName, scriptID)
	}

	return consumer, nil
}

// Bind attaches registered callbacks to a parsed definition so it can be
// validated. Every declared handler must have a registered callback.
func (d *Definition) Bind(handlers Handlers) error {
	for name := range d.Producers {
		producer, ok := handlers.Producers[name]
		if !ok {
			return &ValidationError{Handler: name, Reason: "producer has no registered callback"}
		}

		decl := d.Producers[name]
		decl.Handler = producer
		d.Producers[name] = decl
	}

	for name := range d.Consumers {
		consumer, ok := handlers.Consumers[name]
		if !ok {
			return &ValidationError{Handler: name, Reason: "consumer has no registered callback"}
		}

		decl := d.Consumers[name]
		decl.Handler = consumer
		d.Consumers[name] = decl
	}

	return nil
}
