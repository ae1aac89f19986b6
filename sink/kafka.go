package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/encoding"
	"github.com/sluicedb/sluice/event"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	Register("kafka", func(config cfg.SinkConfiguration) (delivery.Destination, error) {
		kafkaConfig := KafkaConfig{
			Brokers:          config.Brokers,
			TopicPrefix:      config.TopicPrefix,
			BatchSize:        config.BatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		}
		return NewKafkaDestination(config.Name, kafkaConfig)
	})
}

// KafkaConfig holds configuration for KafkaDestination
type KafkaConfig struct {
	Brokers          []string // Kafka broker addresses
	TopicPrefix      string
	BatchSize        int                // Batch size for writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool
}

// KafkaDestination publishes change events to Kafka, one topic per table.
// Messages are keyed by event id so a table's changes land on a stable
// partition.
type KafkaDestination struct {
	name        string
	topicPrefix string
	writer      *kafka.Writer
}

// NewKafkaDestination creates a Kafka destination with the given configuration.
func NewKafkaDestination(name string, config KafkaConfig) (*KafkaDestination, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key for stable routing
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes for durability
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaDestination{name: name, topicPrefix: config.TopicPrefix, writer: writer}, nil
}

func (k *KafkaDestination) Name() string { return k.name }

// Deliver publishes the event to the table's topic.
func (k *KafkaDestination) Deliver(ctx context.Context, ev *event.ChangeEvent, table string) error {
	payload, err := encoding.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: topicFor(k.topicPrefix, table),
		Key:   []byte(ev.ID()),
		Value: payload,
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Close releases resources held by the KafkaDestination.
func (k *KafkaDestination) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
