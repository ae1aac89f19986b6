package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/telemetry"
)

// Default retry configuration
const (
	defaultMaxRetries      = 5
	defaultRetryInitial    = 100 * time.Millisecond
	defaultRetryMax        = 10 * time.Second
	defaultRetryMultiplier = 2.0
	defaultAttemptTimeout  = 30 * time.Second
)

// Config controls retry behavior for one delivery manager.
type Config struct {
	MaxRetries      int           // Transport attempts per key before giving up
	RetryInitial    time.Duration // First backoff delay
	RetryMax        time.Duration // Backoff delay cap
	RetryMultiplier float64       // Backoff growth factor
	AttemptTimeout  time.Duration // Per-attempt context deadline
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = defaultRetryMultiplier
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	return c
}

// Manager enforces exactly-once delivery per (event, destination) key. Every
// delivery consults the ledger before touching the transport; a Delivered
// record short-circuits without a transport call. The cuckoo filter in front
// of the ledger makes the common never-seen case a single hash probe.
type Manager struct {
	ledger   LedgerStore
	filter   *dedupFilter
	inflight *xsync.MapOf[string, *future.Future[Outcome]]
	cfg      Config
}

// NewManager creates a delivery manager on top of the given ledger. The
// duplicate filter is warmed from existing Delivered records so the fast
// path stays correct across restarts with a durable ledger.
func NewManager(ledger LedgerStore, cfg Config) (*Manager, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger store is required")
	}

	m := &Manager{
		ledger:   ledger,
		filter:   newDedupFilter(),
		inflight: xsync.NewMapOf[string, *future.Future[Outcome]](),
		cfg:      cfg.withDefaults(),
	}

	warmed := 0
	err := ledger.Range(func(rec Record) bool {
		if rec.Status == StatusDelivered {
			m.filter.Add(event.KeyHash(rec.Key))
			warmed++
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to warm duplicate filter: %w", err)
	}
	if warmed > 0 {
		log.Info().Int("records", warmed).Msg("Warmed delivery duplicate filter from ledger")
	}

	telemetry.LedgerEntries.Set(float64(ledger.Len()))
	return m, nil
}

// Deliver publishes ev to dest at most once. A key already recorded as
// Delivered returns a duplicate outcome without a transport call, and
// concurrent calls for the same key coalesce onto one in-flight delivery:
// the losers wait for its outcome and report it as a duplicate. Transport
// failures are retried with exponential backoff up to the configured attempt
// budget; exhaustion records a Failed entry and returns *Error.
func (m *Manager) Deliver(ctx context.Context, ev *event.ChangeEvent, table string, dest Destination) (Outcome, error) {
	if ev == nil {
		return Outcome{}, fmt.Errorf("event is required")
	}
	if dest == nil {
		return Outcome{}, fmt.Errorf("destination is required")
	}

	key := ev.DeliveryKey(dest.Name())
	keyHash := event.KeyHash(key)

	for {
		p := future.NewPromise[Outcome]()
		existing, loaded := m.inflight.LoadOrStore(key, p.Future())
		if loaded {
			// Another delivery owns this key right now. Its success makes
			// ours a duplicate; its failure frees the slot for a new owner.
			out, err := existing.Get()
			if err == nil && out.Success {
				telemetry.DeliveryDuplicatesTotal.Inc()
				return Outcome{Success: true, Duplicate: true, Attempts: out.Attempts}, nil
			}
			continue
		}

		// Free the slot before waking the waiters so a retrying waiter
		// never re-reads this delivery's future.
		out, err := m.deliver(ctx, ev, table, dest, key, keyHash)
		m.inflight.Delete(key)
		p.Set(out, err)
		return out, err
	}
}

// deliver runs the ledger check and the retry loop for one exclusively owned
// key.
func (m *Manager) deliver(ctx context.Context, ev *event.ChangeEvent, table string, dest Destination, key string, keyHash uint64) (Outcome, error) {
	attempts := 0
	if m.filter.MaybeSeen(keyHash) {
		telemetry.DedupFilterHits.With("maybe").Inc()
		rec, ok, err := m.ledger.Get(key)
		if err != nil {
			// A broken ledger read degrades to at-least-once for this key.
			log.Warn().Err(err).Str("key", key).Msg("Ledger read failed, delivering anyway")
		} else if ok {
			if rec.Status == StatusDelivered {
				telemetry.DeliveryDuplicatesTotal.Inc()
				log.Debug().
					Str("key", key).
					Str("destination", dest.Name()).
					Msg("Duplicate delivery short-circuited")
				return Outcome{Success: true, Duplicate: true, Attempts: rec.Attempts}, nil
			}
			// Pending or Failed: resume the attempt count.
			attempts = rec.Attempts
		}
	} else {
		telemetry.DedupFilterHits.With("miss").Inc()
	}

	backoff := m.cfg.RetryInitial
	var lastErr error

	for try := 0; try < m.cfg.MaxRetries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				m.record(key, StatusPending, attempts)
				return Outcome{Attempts: attempts}, fmt.Errorf("delivery to %s interrupted: %w", dest.Name(), ctx.Err())
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * m.cfg.RetryMultiplier)
			if backoff > m.cfg.RetryMax {
				backoff = m.cfg.RetryMax
			}
		}

		attempts++
		latency, err := m.attempt(ctx, ev, table, dest)
		telemetry.DeliverySeconds.With(dest.Name()).Observe(latency.Seconds())

		if err == nil {
			telemetry.DeliveryAttemptsTotal.With(dest.Name(), "ok").Inc()
			m.record(key, StatusDelivered, attempts)
			m.filter.Add(keyHash)
			return Outcome{Success: true, Attempts: attempts, Latency: latency}, nil
		}

		lastErr = err
		telemetry.DeliveryAttemptsTotal.With(dest.Name(), "error").Inc()
		log.Warn().
			Err(err).
			Str("key", key).
			Str("destination", dest.Name()).
			Int("attempt", attempts).
			Msg("Delivery attempt failed")

		if ctx.Err() != nil {
			m.record(key, StatusPending, attempts)
			return Outcome{Attempts: attempts}, fmt.Errorf("delivery to %s interrupted: %w", dest.Name(), ctx.Err())
		}
	}

	telemetry.DeliveryFailedTotal.Inc()
	m.record(key, StatusFailed, attempts)
	return Outcome{Attempts: attempts}, &Error{
		Destination: dest.Name(),
		Key:         key,
		Attempts:    attempts,
		Err:         lastErr,
	}
}

// attempt makes one transport call under the per-attempt deadline. A panic
// in a destination is contained and reported as an attempt failure.
func (m *Manager) attempt(ctx context.Context, ev *event.ChangeEvent, table string, dest Destination) (latency time.Duration, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		latency = time.Since(start)
		if r := recover(); r != nil {
			err = fmt.Errorf("destination %s panicked: %v", dest.Name(), r)
		}
	}()

	err = dest.Deliver(attemptCtx, ev, table)
	return
}

// record writes the ledger entry for the key. Ledger write failures are
// logged, not propagated: the delivery outcome already happened and hiding
// it behind a bookkeeping error would force a spurious retry.
func (m *Manager) record(key string, status Status, attempts int) {
	err := m.ledger.Put(Record{
		Key:         key,
		Status:      status,
		Attempts:    attempts,
		LastAttempt: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Str("status", status.String()).Msg("Failed to write delivery ledger record")
		return
	}
	telemetry.LedgerEntries.Set(float64(m.ledger.Len()))
}

// Status returns the ledger record for an event/destination pair.
func (m *Manager) Status(ev *event.ChangeEvent, destination string) (Record, bool, error) {
	if ev == nil {
		return Record{}, false, fmt.Errorf("event is required")
	}
	return m.ledger.Get(ev.DeliveryKey(destination))
}

// LedgerLen returns the current ledger entry count.
func (m *Manager) LedgerLen() int {
	return m.ledger.Len()
}

// Close closes the underlying ledger.
func (m *Manager) Close() error {
	return m.ledger.Close()
}
