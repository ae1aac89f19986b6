// Package sink provides the destination implementations events are routed
// to: NATS JetStream, Kafka, a zstd archive file, a structured log sink and
// an in-memory mock. Each sink registers a factory under its type name so
// destinations can be built straight from configuration.
package sink

import (
	"fmt"
	"sync"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/delivery"
)

// Factory builds a destination from its configuration.
type Factory func(cfg.SinkConfiguration) (delivery.Destination, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a destination factory for a sink type.
func Register(sinkType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

// New builds one destination from its configuration.
func New(config cfg.SinkConfiguration) (delivery.Destination, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// BuildAll builds every configured destination. On error, destinations built
// so far are closed before returning.
func BuildAll(configs []cfg.SinkConfiguration) ([]delivery.Destination, error) {
	built := make([]delivery.Destination, 0, len(configs))
	for _, config := range configs {
		dest, err := New(config)
		if err != nil {
			for _, d := range built {
				d.Close()
			}
			return nil, fmt.Errorf("failed to build sink %q: %w", config.Name, err)
		}
		built = append(built, dest)
	}
	return built, nil
}

// topicFor derives the publish subject/topic for a table.
func topicFor(prefix, table string) string {
	if prefix == "" {
		prefix = "cdc"
	}
	return prefix + "." + table
}
