package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/encoding"
	"github.com/sluicedb/sluice/event"
)

func init() {
	Register("nats", func(config cfg.SinkConfiguration) (delivery.Destination, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsDestination(config.Name, config.NatsURL, config.TopicPrefix)
	})
}

// NatsDestination publishes change events to NATS JetStream, one subject per
// table under the configured prefix.
type NatsDestination struct {
	name        string
	topicPrefix string
	nc          *nats.Conn
	js          jetstream.JetStream
}

// NewNatsDestination connects to NATS and creates a JetStream destination.
func NewNatsDestination(name, url, topicPrefix string) (*NatsDestination, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsDestination{name: name, topicPrefix: topicPrefix, nc: nc, js: js}, nil
}

func (n *NatsDestination) Name() string { return n.name }

// Deliver publishes the event to the table's subject. The stream for the
// subject is created on first use.
func (n *NatsDestination) Deliver(ctx context.Context, ev *event.ChangeEvent, table string) error {
	payload, err := encoding.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := topicFor(n.topicPrefix, table)
	streamName := sanitizeStreamName(subject)
	_, err = n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{"key": []string{ev.ID()}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close releases the NATS connection.
func (n *NatsDestination) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain "." so it is replaced with "_".
func sanitizeStreamName(subject string) string {
	return strings.ReplaceAll(subject, ".", "_")
}
