// Package event defines the change event model shared by every stage of the
// delivery pipeline. A ChangeEvent is one captured row mutation; its offset is
// strictly increasing per (source, table) and is the basis for ordering and
// idempotency keys.
package event

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Operation types for change events
type Operation uint8

const (
	OpInsert Operation = 0
	OpUpdate Operation = 1
	OpDelete Operation = 2
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("unknown(%d)", uint8(o))
}

// ParseOperation converts a config/wire string to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "insert", "INSERT":
		return OpInsert, nil
	case "update", "UPDATE":
		return OpUpdate, nil
	case "delete", "DELETE":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown operation: %q", s)
}

// ChangeEvent represents a single captured row mutation.
type ChangeEvent struct {
	Source    string            `msgpack:"src"`              // Capture source identifier
	Table     string            `msgpack:"tbl"`              // Table name
	Operation Operation         `msgpack:"op"`               // insert/update/delete
	Offset    uint64            `msgpack:"off"`              // Monotonic per (source, table)
	TxnID     string            `msgpack:"txn,omitempty"`    // Source transaction id, if any
	Timestamp int64             `msgpack:"ts"`               // Capture timestamp (unix ms)
	Before    map[string]any    `msgpack:"before,omitempty"` // Old values
	After     map[string]any    `msgpack:"after,omitempty"`  // New values
	Metadata  map[string]string `msgpack:"meta,omitempty"`
}

// ID returns the stable identifier of the event within the whole system.
// Offsets are only unique per (source, table), so both are part of the id.
func (e *ChangeEvent) ID() string {
	return fmt.Sprintf("%s.%s:%016x", e.Source, e.Table, e.Offset)
}

// DeliveryKey returns the idempotency key identifying one logical delivery
// obligation of this event to the named destination.
func (e *ChangeEvent) DeliveryKey(destination string) string {
	return fmt.Sprintf("%s.%s:%016x->%s", e.Source, e.Table, e.Offset, destination)
}

// DeliveryKeyHash returns the xxhash of the delivery key, used by the
// fast-path duplicate filter.
func (e *ChangeEvent) DeliveryKeyHash(destination string) uint64 {
	return KeyHash(e.DeliveryKey(destination))
}

// KeyHash hashes an already-formatted delivery key.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}
