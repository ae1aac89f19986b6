package delivery

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryLedger is an in-process LedgerStore backed by an expiring LRU.
// Retention is enforced by both the entry cap and the TTL; eviction of a
// Delivered record re-opens the key to redelivery, so the cap and TTL must
// cover the source's redelivery window.
type MemoryLedger struct {
	lru *expirable.LRU[string, Record]
}

// NewMemoryLedger creates a memory ledger holding at most maxEntries records
// for at most ttl each. ttl <= 0 disables time-based expiry.
func NewMemoryLedger(maxEntries int, ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		lru: expirable.NewLRU[string, Record](maxEntries, nil, ttl),
	}
}

func (l *MemoryLedger) Get(key string) (Record, bool, error) {
	rec, ok := l.lru.Get(key)
	return rec, ok, nil
}

func (l *MemoryLedger) Put(rec Record) error {
	l.lru.Add(rec.Key, rec)
	return nil
}

func (l *MemoryLedger) Delete(key string) error {
	l.lru.Remove(key)
	return nil
}

func (l *MemoryLedger) Range(fn func(Record) bool) error {
	for _, rec := range l.lru.Values() {
		if !fn(rec) {
			break
		}
	}
	return nil
}

func (l *MemoryLedger) Len() int {
	return l.lru.Len()
}

func (l *MemoryLedger) Close() error {
	return nil
}
