package models

import "time"

// HandlerConfig is the normalized output of script validation: the declared
// topics in declaration order plus the per-handler wiring the engine needs
// at run time.
type HandlerConfig struct {
	Topics    []string                  `json:"topics"`
	Producers map[string]ProducerConfig `json:"producers"`
	Consumers map[string]ConsumerConfig `json:"consumers"`
}

// ProducerConfig describes one producer: when it fires and where it publishes.
type ProducerConfig struct {
	Schedule  ScheduleSpec `json:"schedule"`
	Publishes []string     `json:"publishes"`
}

// ScheduleSpec holds exactly one of an interval duration or a cron expression.
type ScheduleSpec struct {
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`
}

// IsZero reports whether neither schedule form is set.
func (s ScheduleSpec) IsZero() bool {
	return s.Interval == 0 && s.Cron == ""
}

// ConsumerConfig describes one consumer: its subscriptions, its downstream
// topics and which optional capabilities the script implements.
type ConsumerConfig struct {
	Subscribe []string `json:"subscribe"`
	Publishes []string `json:"publishes,omitempty"`
	HasMutate bool     `json:"has_mutate"`
	HasNext   bool     `json:"has_next"`
}

// PublishesTo reports whether the handler configuration allows publishing to
// the named topic.
func (p ProducerConfig) PublishesTo(topic string) bool {
	return containsTopic(p.Publishes, topic)
}

// PublishesTo reports whether the consumer may publish to the named topic.
func (c ConsumerConfig) PublishesTo(topic string) bool {
	return containsTopic(c.Publishes, topic)
}

func containsTopic(topics []string, name string) bool {
	for _, t := range topics {
		if t == name {
			return true
		}
	}

	return false
}
