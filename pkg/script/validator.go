package script

import (
	"fmt"
	"sort"

	"github.com/stokehq/stoke/pkg/models"
)

// ValidationError describes why a workflow definition was rejected, naming
// the offending handler and topic where applicable.
type ValidationError struct {
	Handler string
	Topic   string
	Reason  string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Handler != "" && e.Topic != "":
		return fmt.Sprintf("handler %q: topic %q: %s", e.Handler, e.Topic, e.Reason)
	case e.Handler != "":
		return fmt.Sprintf("handler %q: %s", e.Handler, e.Reason)
	default:
		return e.Reason
	}
}

// Validate checks a workflow definition's shape and its topic reference
// graph and returns the normalized configuration the engine consumes. It is
// a pure function invoked once per script version before activation.
func Validate(def *Definition) (*models.HandlerConfig, error) {
	if def == nil {
		return nil, &ValidationError{Reason: "workflow definition is missing"}
	}

	if len(def.Producers) == 0 && len(def.Consumers) == 0 {
		return nil, &ValidationError{Reason: "workflow must declare at least one producer or consumer"}
	}

	config := &models.HandlerConfig{
		Topics:    topicOrder(def),
		Producers: make(map[string]models.ProducerConfig, len(def.Producers)),
		Consumers: make(map[string]models.ConsumerConfig, len(def.Consumers)),
	}

	for _, name := range sortedKeys(def.Producers) {
		producer := def.Producers[name]

		if producer.Handler == nil {
			return nil, &ValidationError{Handler: name, Reason: "producer has no handler callback"}
		}

		if producer.Schedule.IsZero() {
			return nil, &ValidationError{Handler: name, Reason: "producer has no schedule"}
		}

		if producer.Schedule.Interval != 0 && producer.Schedule.Cron != "" {
			return nil, &ValidationError{Handler: name, Reason: "producer schedule must be an interval or a cron expression, not both"}
		}

		if len(producer.Publishes) == 0 {
			return nil, &ValidationError{Handler: name, Reason: "producer publishes list is empty"}
		}

		if err := checkTopicRefs(def, name, producer.Publishes); err != nil {
			return nil, err
		}

		config.Producers[name] = models.ProducerConfig{
			Schedule:  producer.Schedule,
			Publishes: producer.Publishes,
		}
	}

	for _, name := range sortedKeys(def.Consumers) {
		consumer := def.Consumers[name]

		if consumer.Handler == nil {
			return nil, &ValidationError{Handler: name, Reason: "consumer has no prepare callback"}
		}

		if len(consumer.Subscribe) == 0 {
			return nil, &ValidationError{Handler: name, Reason: "consumer subscribe list is empty"}
		}

		_, hasMutate := consumer.Handler.(Mutator)
		_, hasNext := consumer.Handler.(Nexter)

		// Publishing without a continuation handler is rejected: the
		// published events would be unreachable.
		if len(consumer.Publishes) > 0 && !hasNext {
			return nil, &ValidationError{Handler: name, Reason: "consumer publishes but declares no next callback"}
		}

		if err := checkTopicRefs(def, name, consumer.Subscribe); err != nil {
			return nil, err
		}

		if err := checkTopicRefs(def, name, consumer.Publishes); err != nil {
			return nil, err
		}

		config.Consumers[name] = models.ConsumerConfig{
			Subscribe: consumer.Subscribe,
			Publishes: consumer.Publishes,
			HasMutate: hasMutate,
			HasNext:   hasNext,
		}
	}

	return config, nil
}

// checkTopicRefs enforces topic graph closure: every referenced topic must
// be declared. Unreferenced declared topics are allowed.
func checkTopicRefs(def *Definition, handler string, topics []string) error {
	for _, topic := range topics {
		if _, ok := def.Topics[topic]; !ok {
			return &ValidationError{Handler: handler, Topic: topic, Reason: "references undeclared topic"}
		}
	}

	return nil
}

func topicOrder(def *Definition) []string {
	if len(def.TopicOrder) == len(def.Topics) {
		ordered := true

		for _, name := range def.TopicOrder {
			if _, ok := def.Topics[name]; !ok {
				ordered = false

				break
			}
		}

		if ordered {
			return append([]string(nil), def.TopicOrder...)
		}
	}

	names := make([]string, 0, len(def.Topics))
	for name := range def.Topics {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
