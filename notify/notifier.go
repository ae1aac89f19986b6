// Package notify fans routing outcomes out to in-process subscribers, e.g.
// offset checkpointers or admin streaming endpoints. Sends are non-blocking:
// a slow subscriber loses signals instead of stalling the pipeline.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/sluicedb/sluice/routing"
)

// defaultSignalBufferSize is the buffer size for route signal channels.
// Sized to handle typical burst rates while keeping memory low.
const defaultSignalBufferSize = 16

// RouteSignal announces one completed route call.
type RouteSignal struct {
	Source       string
	Table        string
	Offset       uint64
	AllDelivered bool
	Result       *routing.RouteResult
}

// Filter narrows which route signals a subscriber receives.
type Filter struct {
	Sources []string // nil or empty = all sources
	Tables  []string // nil or empty = all tables
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan RouteSignal
	closed atomic.Bool
}

func (s *subscription) matches(source, table string) bool {
	if !containsOrEmpty(s.filter.Sources, source) {
		return false
	}
	return containsOrEmpty(s.filter.Tables, table)
}

func containsOrEmpty(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for route signals.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a route notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a route signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(sig RouteSignal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(sig.Source, sig.Table) {
			continue
		}

		// Non-blocking send, drop if buffer full
		select {
		case sub.ch <- sig:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and
// cancel function. The channel is buffered; subscribers that cannot keep up
// lose signals silently. The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan RouteSignal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan RouteSignal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
