package sink

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/event"
)

func init() {
	Register("log", func(config cfg.SinkConfiguration) (delivery.Destination, error) {
		return NewLogDestination(config.Name), nil
	})
}

// LogDestination writes each event to the process log. Useful for debugging
// rule configurations without a live broker.
type LogDestination struct {
	name string
}

func NewLogDestination(name string) *LogDestination {
	return &LogDestination{name: name}
}

func (l *LogDestination) Name() string { return l.name }

func (l *LogDestination) Deliver(ctx context.Context, ev *event.ChangeEvent, table string) error {
	log.Info().
		Str("sink", l.name).
		Str("event", ev.ID()).
		Str("table", table).
		Str("operation", ev.Operation.String()).
		Uint64("offset", ev.Offset).
		Msg("Change event")
	return nil
}

func (l *LogDestination) Close() error { return nil }
