// Package delivery wraps raw destination publishes with an idempotency
// ledger keyed by (event offset, destination name), guaranteeing at most one
// effective publish per key despite retries and duplicate redelivery from
// the source.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/sluicedb/sluice/event"
)

// Status of a ledger entry
type Status uint8

const (
	StatusPending   Status = 0
	StatusDelivered Status = 1
	StatusFailed    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Record is one delivery ledger entry. A Delivered record is never
// re-published; its attempt count is replayed on duplicate calls.
type Record struct {
	Key         string `msgpack:"k"`
	Status      Status `msgpack:"s"`
	Attempts    int    `msgpack:"a"`
	LastAttempt int64  `msgpack:"t"` // unix ms
}

// LedgerStore is the persistence contract for delivery records. Retention
// is the store's responsibility: entries must be evicted eventually, an
// unbounded ledger is a memory leak.
type LedgerStore interface {
	// Get returns the record for the key if present.
	Get(key string) (Record, bool, error)
	// Put inserts or replaces the record for rec.Key.
	Put(rec Record) error
	// Delete removes the record for the key if present.
	Delete(key string) error
	// Range iterates all records until fn returns false.
	Range(fn func(Record) bool) error
	// Len returns the current entry count.
	Len() int
	// Close releases store resources.
	Close() error
}

// Destination is a named sink for change events. Implementations may block
// on I/O; Deliver must honor ctx cancellation.
type Destination interface {
	// Name returns the unique destination name.
	Name() string
	// Deliver publishes an event for the given table.
	Deliver(ctx context.Context, ev *event.ChangeEvent, table string) error
	// Close releases any resources held by the destination.
	Close() error
}

// Outcome describes one Deliver call.
type Outcome struct {
	Success   bool
	Duplicate bool          // Short-circuited by the ledger, no transport call made
	Attempts  int           // Total attempts recorded for the key
	Latency   time.Duration // Last transport attempt latency (zero for duplicates)
}

// Error is returned when a delivery exhausts its retry budget. The failure
// is recorded in the ledger and surfaced, never swallowed.
type Error struct {
	Destination string
	Key         string
	Attempts    int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts (key %s): %v",
		e.Destination, e.Attempts, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
