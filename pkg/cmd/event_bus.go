package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stokehq/stoke/pkg/channels/gochannel"
	"github.com/stokehq/stoke/pkg/channels/kafka"
	"github.com/stokehq/stoke/pkg/eventbus"
)

// NewEventBus creates the dispatch bus. Kafka is the production channel; the
// in-process gochannel only suits single-binary deployments.
func NewEventBus(provider, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		brokers := splitBrokers(os.Getenv("KAFKA_BROKERS"))
		if len(brokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS environment variable is not set or empty")
		}

		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName, brokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}

func splitBrokers(raw string) []string {
	var brokers []string

	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
}
