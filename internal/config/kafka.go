package config

import (
	"fmt"
	"strings"
	"time"
)

// KafkaConfig contains the event transport settings.
// The consumer reads OrderPlaced events and drives the refresh pipeline;
// exhausted retries are routed to the dead-letter topic for manual replay.
type KafkaConfig struct {
	Brokers      string        `envconfig:"BROKERS" default:"localhost:9092"`
	Topic        string        `envconfig:"TOPIC" default:"order_placed"`
	GroupID      string        `envconfig:"GROUP_ID" default:"cohortd-segmentation"`
	DLQTopic     string        `envconfig:"DLQ_TOPIC" default:"order_placed.dlq"`
	MinBytes     int           `envconfig:"MIN_BYTES" default:"1" validate:"min=1"`
	MaxBytes     int           `envconfig:"MAX_BYTES" default:"10485760" validate:"min=1"`
	MaxWait      time.Duration `envconfig:"MAX_WAIT" default:"1s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
}

// BrokerList splits the comma-separated broker string.
func (c *KafkaConfig) BrokerList() []string {
	parts := strings.Split(c.Brokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

// Validate checks if the Kafka configuration is valid.
func (c *KafkaConfig) Validate() error {
	if len(c.BrokerList()) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}

	if err := validateNoWhitespace(c.Topic, "kafka topic"); err != nil {
		return err
	}

	if err := validateNoWhitespace(c.GroupID, "kafka group id"); err != nil {
		return err
	}

	if err := validateNoWhitespace(c.DLQTopic, "kafka dlq topic"); err != nil {
		return err
	}

	if c.DLQTopic == c.Topic {
		return fmt.Errorf("kafka dlq topic cannot be the same as the main topic")
	}

	if c.MinBytes > c.MaxBytes {
		return fmt.Errorf("kafka min_bytes (%d) cannot be greater than max_bytes (%d)", c.MinBytes, c.MaxBytes)
	}

	return nil
}
