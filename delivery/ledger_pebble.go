package delivery

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/encoding"
)

// Key prefix for Pebble storage
const prefixLedger = "/ledger/" // /ledger/{deliveryKey}

// Pebble configuration constants
const (
	ledgerMemTableSize                = 16 << 20 // 16MB
	ledgerMemTableStopWritesThreshold = 4
	ledgerL0CompactionThreshold       = 2
	ledgerL0StopWritesThreshold       = 12
)

// minSweepInterval bounds how often the TTL sweeper runs.
const minSweepInterval = time.Second

// PebbleLedger is a durable LedgerStore. It survives restarts, which is
// what makes exactly-once hold across a crash between delivery and offset
// acknowledgement. Expired entries are removed by a background sweeper.
type PebbleLedger struct {
	db   *pebble.DB
	path string
	ttl  time.Duration

	count  atomic.Int64
	mu     sync.Mutex // serializes Put/Delete count accounting
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewPebbleLedger creates or opens a Pebble-backed delivery ledger under
// dataDir. ttl <= 0 disables expiry and the sweeper.
func NewPebbleLedger(dataDir string, ttl time.Duration) (*PebbleLedger, error) {
	ledgerPath := filepath.Join(dataDir, "delivery_ledger")

	opts := &pebble.Options{
		MemTableSize:                ledgerMemTableSize,
		MemTableStopWritesThreshold: ledgerMemTableStopWritesThreshold,
		L0CompactionThreshold:       ledgerL0CompactionThreshold,
		L0StopWritesThreshold:       ledgerL0StopWritesThreshold,
	}

	db, err := pebble.Open(ledgerPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open delivery ledger at %s: %w", ledgerPath, err)
	}

	l := &PebbleLedger{
		db:     db,
		path:   ledgerPath,
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}

	if err := l.loadCount(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to scan delivery ledger: %w", err)
	}

	if ttl > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}

	return l, nil
}

// loadCount scans the ledger prefix once at open to seed the entry counter.
func (l *PebbleLedger) loadCount() error {
	prefix := []byte(prefixLedger)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var count int64
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	l.count.Store(count)
	if count > 0 {
		log.Info().Int64("entries", count).Msg("Loaded delivery ledger")
	}
	return nil
}

func ledgerKey(key string) []byte {
	return []byte(prefixLedger + key)
}

func (l *PebbleLedger) Get(key string) (Record, bool, error) {
	if l.closed.Load() {
		return Record{}, false, fmt.Errorf("delivery ledger is closed")
	}

	val, closer, err := l.db.Get(ledgerKey(key))
	if err == pebble.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()

	var rec Record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("corrupted ledger record for %s: %w", key, err)
	}
	return rec, true, nil
}

func (l *PebbleLedger) Put(rec Record) error {
	if l.closed.Load() {
		return fmt.Errorf("delivery ledger is closed")
	}

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, existed, err := l.Get(rec.Key)
	if err != nil {
		return err
	}
	if err := l.db.Set(ledgerKey(rec.Key), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write ledger record: %w", err)
	}
	if !existed {
		l.count.Add(1)
	}
	return nil
}

func (l *PebbleLedger) Delete(key string) error {
	if l.closed.Load() {
		return fmt.Errorf("delivery ledger is closed")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, existed, err := l.Get(key)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if err := l.db.Delete(ledgerKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete ledger record: %w", err)
	}
	l.count.Add(-1)
	return nil
}

func (l *PebbleLedger) Range(fn func(Record) bool) error {
	if l.closed.Load() {
		return fmt.Errorf("delivery ledger is closed")
	}

	prefix := []byte(prefixLedger)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var rec Record
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted ledger record")
			continue
		}
		if !fn(rec) {
			break
		}
	}
	return iter.Error()
}

func (l *PebbleLedger) Len() int {
	return int(l.count.Load())
}

func (l *PebbleLedger) sweepLoop() {
	defer l.wg.Done()

	interval := l.ttl / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep deletes records whose last attempt fell out of the TTL window.
func (l *PebbleLedger) sweep() {
	cutoff := time.Now().Add(-l.ttl).UnixMilli()

	var stale []string
	err := l.Range(func(rec Record) bool {
		if rec.LastAttempt < cutoff {
			stale = append(stale, rec.Key)
		}
		return true
	})
	if err != nil {
		log.Warn().Err(err).Msg("Delivery ledger sweep scan failed")
		return
	}

	for _, key := range stale {
		if err := l.Delete(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to sweep ledger record")
		}
	}

	if len(stale) > 0 {
		log.Debug().Int("expired", len(stale)).Msg("Swept expired delivery ledger records")
	}
}

// Close stops the sweeper and closes the database.
func (l *PebbleLedger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("delivery ledger already closed")
	}
	close(l.stopCh)
	l.wg.Wait()
	return l.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
