// Package detector groups bursts of row mutations sharing a batch key
// (table + operation, optionally + transaction id) into bulk operation
// events. Batches flush synchronously when they reach max size and
// asynchronously when their per-batch timer fires; the batch slot swap is
// atomic so no event can land in a batch that is already being flushed.
package detector

import (
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/telemetry"
)

// Flush triggers, reported in metrics and logs
const (
	triggerSize    = "size"
	triggerTimeout = "timeout"
	triggerDrain   = "drain"
)

// Config controls bulk operation detection
type Config struct {
	MinRowCount        int           // Members required to qualify as bulk
	MaxBatchSize       int           // Size-triggered flush threshold
	BatchTimeout       time.Duration // Timer-triggered flush deadline
	MaxSampleSize      int           // Sample rows retained per bulk event
	IncludeSampleData  bool          // Attach before/after samples
	GroupByTransaction bool          // Include txn id in the batch key
	IncludedTables     []string      // Glob patterns, empty = all
	ExcludedTables     []string      // Glob patterns
	ExcludedOperations []event.Operation
}

// BulkEvent is emitted when a flushed batch meets the minimum member count.
type BulkEvent struct {
	Source       string
	Table        string
	Operation    event.Operation
	TxnID        string // Set only when uniform across members
	AffectedRows int
	FirstOffset  uint64
	LastOffset   uint64
	Duration     time.Duration // Last member timestamp - first member timestamp
	SampleBefore []map[string]any
	SampleAfter  []map[string]any
}

// batch is the transient accumulator for one batch key.
type batch struct {
	mu       sync.Mutex
	events   []event.ChangeEvent
	openedAt time.Time
	timer    *time.Timer
	flushed  bool
}

// Detector consumes change events and emits bulk operation events.
//
// Process is safe for concurrent use; batches for different keys never
// contend with each other.
type Detector struct {
	cfg          Config
	batches      *xsync.MapOf[string, *batch]
	includeGlobs []glob.Glob
	excludeGlobs []glob.Glob
	excludedOps  map[event.Operation]struct{}

	mu            sync.RWMutex
	onBulk        func(BulkEvent)
	onPassThrough func(event.ChangeEvent)
}

// New creates a bulk operation detector. Glob patterns in the table filters
// are compiled eagerly so a bad pattern fails at configuration time.
func New(cfg Config) (*Detector, error) {
	if cfg.MinRowCount < 1 {
		return nil, fmt.Errorf("min row count must be >= 1")
	}
	if cfg.MaxBatchSize < cfg.MinRowCount {
		return nil, fmt.Errorf("max batch size must be >= min row count")
	}
	if cfg.BatchTimeout <= 0 {
		return nil, fmt.Errorf("batch timeout must be positive")
	}

	d := &Detector{
		cfg:         cfg,
		batches:     xsync.NewMapOf[string, *batch](),
		excludedOps: make(map[event.Operation]struct{}, len(cfg.ExcludedOperations)),
	}

	for _, pattern := range cfg.IncludedTables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid included table pattern %q: %w", pattern, err)
		}
		d.includeGlobs = append(d.includeGlobs, g)
	}
	for _, pattern := range cfg.ExcludedTables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid excluded table pattern %q: %w", pattern, err)
		}
		d.excludeGlobs = append(d.excludeGlobs, g)
	}
	for _, op := range cfg.ExcludedOperations {
		d.excludedOps[op] = struct{}{}
	}

	return d, nil
}

// OnBulk registers the handler invoked for bulk events produced by
// asynchronous (timer or drain) flushes. Size-triggered flushes return the
// bulk event from Process instead and do not invoke the handler.
func (d *Detector) OnBulk(fn func(BulkEvent)) {
	d.mu.Lock()
	d.onBulk = fn
	d.mu.Unlock()
}

// OnPassThrough registers the handler that receives members of flushed
// batches that did not meet the minimum row count. They belong to the
// ordinary per-event pipeline and must not be dropped.
func (d *Detector) OnPassThrough(fn func(event.ChangeEvent)) {
	d.mu.Lock()
	d.onPassThrough = fn
	d.mu.Unlock()
}

// admit reports whether the event participates in bulk detection.
func (d *Detector) admit(ev *event.ChangeEvent) bool {
	if _, excluded := d.excludedOps[ev.Operation]; excluded {
		return false
	}
	for _, g := range d.excludeGlobs {
		if g.Match(ev.Table) {
			return false
		}
	}
	if len(d.includeGlobs) == 0 {
		return true
	}
	for _, g := range d.includeGlobs {
		if g.Match(ev.Table) {
			return true
		}
	}
	return false
}

func (d *Detector) batchKey(ev *event.ChangeEvent) string {
	if d.cfg.GroupByTransaction {
		return ev.Table + "|" + ev.Operation.String() + "|" + ev.TxnID
	}
	return ev.Table + "|" + ev.Operation.String()
}

// Process feeds one event into the detector.
//
// The returned bulk event is non-nil only when this call itself triggered a
// size flush that qualified as bulk. absorbed reports whether the event
// entered a batch; when false the caller still owns the event and should
// deliver it through the ordinary path.
//
// Ingestion is defensive: a nil event or empty table name is recorded as a
// no-op rather than raising.
func (d *Detector) Process(ev *event.ChangeEvent) (bulk *BulkEvent, absorbed bool) {
	if ev == nil || ev.Table == "" {
		log.Debug().Msg("Ignoring malformed change event in bulk detection")
		return nil, false
	}

	if !d.admit(ev) {
		return nil, false
	}

	key := d.batchKey(ev)

	for {
		b, _ := d.batches.LoadOrCompute(key, func() *batch {
			return &batch{}
		})

		b.mu.Lock()
		if b.flushed {
			// Lost the race against a flush; the slot has been swapped.
			b.mu.Unlock()
			continue
		}

		b.events = append(b.events, *ev)
		size := len(b.events)

		if size == 1 {
			b.openedAt = time.Now()
			b.timer = time.AfterFunc(d.cfg.BatchTimeout, func() {
				d.flush(key, b, triggerTimeout)
			})
			telemetry.BulkBatchesActive.Inc()
		}
		b.mu.Unlock()

		if size >= d.cfg.MaxBatchSize {
			return d.flush(key, b, triggerSize), true
		}
		return nil, true
	}
}

// flush detaches the batch from its slot and converts it. A late timer that
// fires after a size-triggered flush finds flushed=true and is a no-op.
func (d *Detector) flush(key string, b *batch, trigger string) *BulkEvent {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		return nil
	}
	b.flushed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	members := b.events
	openedAt := b.openedAt
	b.mu.Unlock()

	// Swap the slot: remove this batch only if it still occupies it. A new
	// batch for the key is created lazily by the next Process call.
	d.batches.Compute(key, func(old *batch, loaded bool) (*batch, bool) {
		if loaded && old == b {
			return nil, true
		}
		return old, false
	})

	telemetry.BulkBatchesActive.Dec()
	telemetry.BulkFlushesTotal.With(trigger).Inc()
	telemetry.BulkBatchMembers.Observe(float64(len(members)))

	if len(members) < d.cfg.MinRowCount {
		d.passThrough(members)
		return nil
	}

	be := d.synthesize(members)

	log.Debug().
		Str("table", be.Table).
		Str("operation", be.Operation.String()).
		Int("rows", be.AffectedRows).
		Str("trigger", trigger).
		Dur("open_for", time.Since(openedAt)).
		Msg("Bulk operation detected")
	telemetry.BulkEventsTotal.Inc()

	if trigger != triggerSize {
		d.mu.RLock()
		fn := d.onBulk
		d.mu.RUnlock()
		if fn != nil {
			fn(*be)
		}
		return nil
	}
	return be
}

// passThrough hands below-minimum members back to the ordinary pipeline,
// preserving offset (append) order.
func (d *Detector) passThrough(members []event.ChangeEvent) {
	d.mu.RLock()
	fn := d.onPassThrough
	d.mu.RUnlock()

	telemetry.BulkPassThroughTotal.Add(float64(len(members)))
	if fn == nil {
		return
	}
	for i := range members {
		fn(members[i])
	}
}

// synthesize builds a BulkEvent from the detached members. Members are in
// append order, which equals offset order per source+table.
func (d *Detector) synthesize(members []event.ChangeEvent) *BulkEvent {
	first := members[0]
	last := members[len(members)-1]

	be := &BulkEvent{
		Source:       first.Source,
		Table:        first.Table,
		Operation:    first.Operation,
		AffectedRows: len(members),
		FirstOffset:  first.Offset,
		LastOffset:   last.Offset,
		Duration:     time.Duration(last.Timestamp-first.Timestamp) * time.Millisecond,
	}

	txnID := first.TxnID
	for i := 1; i < len(members) && txnID != ""; i++ {
		if members[i].TxnID != txnID {
			txnID = ""
		}
	}
	be.TxnID = txnID

	if d.cfg.IncludeSampleData {
		n := len(members)
		if d.cfg.MaxSampleSize > 0 && n > d.cfg.MaxSampleSize {
			n = d.cfg.MaxSampleSize
		}
		for i := 0; i < n; i++ {
			be.SampleBefore = append(be.SampleBefore, members[i].Before)
			be.SampleAfter = append(be.SampleAfter, members[i].After)
		}
	}

	return be
}

// Drain flushes every open batch, e.g. on shutdown. Bulk events produced by
// draining are delivered through the OnBulk handler.
func (d *Detector) Drain() {
	d.batches.Range(func(key string, b *batch) bool {
		d.flush(key, b, triggerDrain)
		return true
	})
}

// OpenBatches returns the number of currently open batches.
func (d *Detector) OpenBatches() int {
	return d.batches.Size()
}
