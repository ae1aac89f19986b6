// Package txgroup accumulates change events belonging to one source-side
// transaction so they can be handed downstream as a single atomic unit.
// A transaction is Open until committed or aborted; both are terminal and
// freeze the member list. Abandoned open transactions are reclaimed by a
// background reaper and reported, never treated as committed.
package txgroup

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/telemetry"
)

// State of a transaction
type State uint8

const (
	StateOpen State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// InvalidStateError is returned when an operation requires a transaction
// state it is not in, e.g. appending to a committed transaction.
type InvalidStateError struct {
	TxnID string
	State State
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("transaction %s is %s, cannot %s", e.TxnID, e.State, e.Op)
}

// NotFoundError is returned by control-plane operations referencing an
// unknown transaction id.
type NotFoundError struct {
	TxnID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction not found: %s", e.TxnID)
}

// Transaction is the accumulator for one source transaction.
type Transaction struct {
	ID     string
	Source string

	mu           sync.Mutex
	state        State
	events       []event.ChangeEvent
	startedAt    time.Time
	lastActivity time.Time
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Events returns the member list in append (offset) order. For a terminal
// transaction the underlying slice is frozen; for an open one a copy is
// returned so callers never observe a concurrent append.
func (t *Transaction) Events() []event.ChangeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return t.events
	}
	out := make([]event.ChangeEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the member count.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Manager owns the transaction-id -> transaction map and the reaper that
// reclaims abandoned open transactions.
type Manager struct {
	txns         *xsync.MapOf[string, *Transaction]
	retention    time.Duration
	reapInterval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewManager creates a transactional grouping manager. retention is the
// window after which an open transaction with no activity is reclaimed.
func NewManager(retention, reapInterval time.Duration) *Manager {
	return &Manager{
		txns:         xsync.NewMapOf[string, *Transaction](),
		retention:    retention,
		reapInterval: reapInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the abandoned-transaction reaper.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.reapLoop()
}

// Stop stops the reaper and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// StartTransaction opens a transaction for the given id, or returns the
// existing open one. Control-plane path: empty ids fail fast.
func (m *Manager) StartTransaction(id, source string) (*Transaction, error) {
	if id == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	now := time.Now()
	txn, loaded := m.txns.LoadOrCompute(id, func() *Transaction {
		return &Transaction{
			ID:           id,
			Source:       source,
			state:        StateOpen,
			startedAt:    now,
			lastActivity: now,
		}
	})
	if !loaded {
		telemetry.TxnActive.Inc()
	}
	return txn, nil
}

// AddEvent appends an event to the transaction, creating it on first
// reference. Ingestion path: nil events and empty ids are recorded as
// no-ops. Appending to a terminal transaction is a state error and the
// frozen member list is left untouched.
func (m *Manager) AddEvent(id string, ev *event.ChangeEvent) error {
	if id == "" || ev == nil {
		log.Debug().Str("txn", id).Msg("Ignoring malformed transactional event")
		return nil
	}

	txn, err := m.StartTransaction(id, ev.Source)
	if err != nil {
		return err
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.state != StateOpen {
		return &InvalidStateError{TxnID: id, State: txn.state, Op: "append"}
	}
	txn.events = append(txn.events, *ev)
	txn.lastActivity = time.Now()
	return nil
}

// Commit freezes the transaction, removes it from the manager, and returns
// it for atomic downstream handling.
func (m *Manager) Commit(id string) (*Transaction, error) {
	return m.finish(id, StateCommitted, "commit")
}

// Abort discards the transaction's members and frees the slot.
func (m *Manager) Abort(id string) error {
	_, err := m.finish(id, StateAborted, "abort")
	return err
}

func (m *Manager) finish(id string, terminal State, op string) (*Transaction, error) {
	if id == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	txn, ok := m.txns.Load(id)
	if !ok {
		return nil, &NotFoundError{TxnID: id}
	}

	txn.mu.Lock()
	if txn.state != StateOpen {
		state := txn.state
		txn.mu.Unlock()
		return nil, &InvalidStateError{TxnID: id, State: state, Op: op}
	}
	txn.state = terminal
	if terminal == StateAborted {
		txn.events = nil
	}
	members := len(txn.events)
	txn.mu.Unlock()

	m.txns.Delete(id)
	telemetry.TxnActive.Dec()
	telemetry.TxnTotal.With(terminal.String()).Inc()

	log.Debug().
		Str("txn", id).
		Str("result", terminal.String()).
		Int("events", members).
		Msg("Transaction finished")

	return txn, nil
}

// Get returns the transaction for the id if it is still tracked.
func (m *Manager) Get(id string) (*Transaction, bool) {
	return m.txns.Load(id)
}

// Count returns the number of tracked (open) transactions.
func (m *Manager) Count() int {
	return m.txns.Size()
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap reclaims open transactions with no activity inside the retention
// window. They are aborted and logged as incomplete.
func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.retention)

	var stale []string
	m.txns.Range(func(id string, txn *Transaction) bool {
		txn.mu.Lock()
		abandoned := txn.state == StateOpen && txn.lastActivity.Before(cutoff)
		txn.mu.Unlock()
		if abandoned {
			stale = append(stale, id)
		}
		return true
	})

	for _, id := range stale {
		txn, ok := m.txns.Load(id)
		if !ok {
			continue
		}
		txn.mu.Lock()
		// Recheck under the lock: a commit may have won the race.
		if txn.state != StateOpen || !txn.lastActivity.Before(cutoff) {
			txn.mu.Unlock()
			continue
		}
		txn.state = StateAborted
		members := len(txn.events)
		txn.events = nil
		txn.mu.Unlock()

		m.txns.Delete(id)
		telemetry.TxnActive.Dec()
		telemetry.TxnTotal.With("abandoned").Inc()

		log.Warn().
			Str("txn", id).
			Str("source", txn.Source).
			Int("events", members).
			Dur("retention", m.retention).
			Msg("Reclaimed abandoned open transaction")
	}
}
