// Package pipeline wires a capture source through bulk detection and
// transactional grouping into the routing engine, and acknowledges offsets
// back to the source once every destination has the event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/detector"
	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/routing"
	"github.com/sluicedb/sluice/source"
	"github.com/sluicedb/sluice/txgroup"
)

// Metadata keys stamped on synthetic bulk events.
const (
	MetaBulk         = "bulk"
	MetaAffectedRows = "affected_rows"
	MetaFirstOffset  = "first_offset"
	MetaLastOffset   = "last_offset"
	MetaDurationMS   = "duration_ms"
)

// MetaTxnMarker marks control events emitted by capture adapters to close a
// transaction: "commit" or "abort". Marker events carry no row data.
const MetaTxnMarker = "txn_marker"

// Config wires the pipeline stages. Engine and Source are required;
// Detector, TxGroup and Hub are optional stages.
type Config struct {
	Source   source.Source
	Detector *detector.Detector
	TxGroup  *txgroup.Manager
	Engine   *routing.Engine
	Hub      *notify.Hub
}

// Runner owns the pull loop from the source and the hand-off between
// stages.
type Runner struct {
	cfg Config

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewRunner creates a pipeline runner and registers the detector callbacks.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("routing engine is required")
	}

	r := &Runner{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if cfg.Detector != nil {
		// Timer and drain flushes arrive on timer goroutines; they route
		// with a background context so a shutdown drain still delivers.
		cfg.Detector.OnBulk(func(be detector.BulkEvent) {
			r.routeBulk(context.Background(), &be)
		})
		cfg.Detector.OnPassThrough(func(ev event.ChangeEvent) {
			r.route(context.Background(), &ev)
		})
	}

	return r, nil
}

// Start launches the source pull loop.
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}
	if r.cfg.TxGroup != nil {
		r.cfg.TxGroup.Start()
	}
	r.wg.Add(1)
	go r.loop()
	log.Info().Str("source", r.cfg.Source.Name()).Msg("Pipeline started")
	return nil
}

// Stop stops the pull loop, drains open batches and stops the reaper.
// Events flushed by the drain are still routed. Stop is idempotent.
func (r *Runner) Stop() {
	if !r.started.Load() || !r.stopped.CompareAndSwap(false, true) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()

	if r.cfg.Detector != nil {
		r.cfg.Detector.Drain()
	}
	if r.cfg.TxGroup != nil {
		r.cfg.TxGroup.Stop()
	}
	log.Info().Msg("Pipeline stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		ev, err := r.cfg.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, source.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Msg("Source read failed")
			continue
		}
		r.Process(ctx, ev)
	}
}

// Process pushes one event through the pipeline stages. Exposed so embedded
// hosts can drive the pipeline without a pull loop.
func (r *Runner) Process(ctx context.Context, ev *event.ChangeEvent) {
	if ev == nil {
		return
	}

	if marker, ok := ev.Metadata[MetaTxnMarker]; ok {
		r.closeTransaction(ctx, ev.TxnID, marker)
		return
	}

	// Transactional grouping takes precedence over bulk detection: members
	// of a grouped transaction route as one atomic batch on commit.
	if r.cfg.TxGroup != nil && ev.TxnID != "" {
		if err := r.cfg.TxGroup.AddEvent(ev.TxnID, ev); err != nil {
			log.Error().Err(err).Str("txn", ev.TxnID).Msg("Failed to group transactional event")
		}
		return
	}

	if r.cfg.Detector != nil {
		bulk, absorbed := r.cfg.Detector.Process(ev)
		if absorbed {
			if bulk != nil {
				r.routeBulk(ctx, bulk)
			}
			return
		}
	}

	r.route(ctx, ev)
}

// closeTransaction finishes a grouped transaction. Committed members route
// as one atomic batch in offset order; aborted members are discarded.
func (r *Runner) closeTransaction(ctx context.Context, txnID, marker string) {
	if r.cfg.TxGroup == nil || txnID == "" {
		log.Warn().Str("txn", txnID).Str("marker", marker).Msg("Ignoring transaction marker without grouping")
		return
	}

	switch marker {
	case "commit":
		txn, err := r.cfg.TxGroup.Commit(txnID)
		if err != nil {
			log.Error().Err(err).Str("txn", txnID).Msg("Commit failed")
			return
		}
		members := txn.Events()
		events := make([]*event.ChangeEvent, len(members))
		for i := range members {
			events[i] = &members[i]
		}
		if _, err := r.cfg.Engine.RouteBatch(ctx, events); err != nil {
			log.Error().Err(err).Str("txn", txnID).Msg("Failed to route committed transaction")
			return
		}
		for i := range members {
			r.ack(&members[i], members[i].Offset)
			r.signal(&members[i], true, nil)
		}
	case "abort":
		if err := r.cfg.TxGroup.Abort(txnID); err != nil {
			log.Error().Err(err).Str("txn", txnID).Msg("Abort failed")
		}
	default:
		log.Warn().Str("txn", txnID).Str("marker", marker).Msg("Unknown transaction marker")
	}
}

func (r *Runner) route(ctx context.Context, ev *event.ChangeEvent) {
	res, err := r.cfg.Engine.Route(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.ID()).Msg("Route failed")
		return
	}
	if res.AllDelivered {
		r.ack(ev, ev.Offset)
	}
	r.signal(ev, res.AllDelivered, res)
}

// routeBulk routes one bulk operation as a synthetic change event carrying
// the batch summary in metadata. Members of a qualified batch are not
// re-routed individually.
func (r *Runner) routeBulk(ctx context.Context, be *detector.BulkEvent) {
	ev := &event.ChangeEvent{
		Source:    be.Source,
		Table:     be.Table,
		Operation: be.Operation,
		Offset:    be.FirstOffset,
		TxnID:     be.TxnID,
		Timestamp: time.Now().UnixMilli(),
		Metadata: map[string]string{
			MetaBulk:         "true",
			MetaAffectedRows: strconv.Itoa(be.AffectedRows),
			MetaFirstOffset:  strconv.FormatUint(be.FirstOffset, 10),
			MetaLastOffset:   strconv.FormatUint(be.LastOffset, 10),
			MetaDurationMS:   strconv.FormatInt(be.Duration.Milliseconds(), 10),
		},
	}
	if len(be.SampleBefore) > 0 {
		ev.Before = map[string]any{"rows": be.SampleBefore}
	}
	if len(be.SampleAfter) > 0 {
		ev.After = map[string]any{"rows": be.SampleAfter}
	}

	res, err := r.cfg.Engine.Route(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("table", be.Table).Msg("Bulk route failed")
		return
	}
	if res.AllDelivered {
		// The bulk event covers its whole member range.
		r.ack(ev, be.LastOffset)
	}
	r.signal(ev, res.AllDelivered, res)
}

func (r *Runner) ack(ev *event.ChangeEvent, offset uint64) {
	r.cfg.Source.Ack(ev.Table, offset)
}

func (r *Runner) signal(ev *event.ChangeEvent, delivered bool, res *routing.RouteResult) {
	if r.cfg.Hub == nil {
		return
	}
	r.cfg.Hub.Signal(notify.RouteSignal{
		Source:       ev.Source,
		Table:        ev.Table,
		Offset:       ev.Offset,
		AllDelivered: delivered,
		Result:       res,
	})
}
