package delivery

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/sluicedb/sluice/telemetry"
)

const (
	// Cuckoo filter configuration
	// capacity = bucketSize × numBuckets = 4 × 250000 = 1M entries
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 250000
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// dedupFilter is the fast path in front of the delivery ledger.
//
//   - Filter MISS = key definitely never delivered, skip the ledger read
//   - Filter HIT  = maybe delivered, consult the ledger
//
// The filter only ever grows within a process; ledger-side eviction just
// turns a hit into a ledger miss, which is correct. If an insert is ever
// rejected (filter saturated) the fast path is disabled so that every
// delivery consults the ledger.
type dedupFilter struct {
	mu        sync.RWMutex
	filter    *cuckoo.Filter
	saturated bool
}

func newDedupFilter() *dedupFilter {
	cf := cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
		cuckooNumBuckets, cuckoo.TableTypePacked)
	return &dedupFilter{filter: cf}
}

// MaybeSeen returns true if the hash MIGHT have been delivered (consult the
// ledger). Returns false only when the key definitely was not.
func (f *dedupFilter) MaybeSeen(keyHash uint64) bool {
	f.mu.RLock()
	if f.saturated {
		f.mu.RUnlock()
		return true
	}
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, keyHash)
	result := f.filter.Contain(buf)
	hashBufPool.Put(buf)
	f.mu.RUnlock()
	return result
}

// Add records a delivered key hash.
func (f *dedupFilter) Add(keyHash uint64) {
	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, keyHash)
	ok := f.filter.Add(buf)
	hashBufPool.Put(buf)
	if !ok {
		f.saturated = true
	}
	size := f.filter.Size()
	f.mu.Unlock()

	telemetry.LedgerFilterSize.Set(float64(size))
}

// Size returns current number of entries in the filter.
func (f *dedupFilter) Size() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Size()
}
