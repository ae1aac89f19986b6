package txgroup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/event"
)

func txnEvent(table string, offset uint64) *event.ChangeEvent {
	return &event.ChangeEvent{
		Source:    "pg1",
		Table:     table,
		Operation: event.OpUpdate,
		Offset:    offset,
		TxnID:     "tx-1",
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestCommit_FreezesMembers(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	_, err := m.StartTransaction("tx-1", "pg1")
	require.NoError(t, err)
	require.NoError(t, m.AddEvent("tx-1", txnEvent("orders", 1)))
	require.NoError(t, m.AddEvent("tx-1", txnEvent("orders", 2)))

	txn, err := m.Commit("tx-1")
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, txn.State())
	require.Len(t, txn.Events(), 2)

	// The slot was freed on commit, so a later event for the same id opens a
	// fresh transaction; the committed member list stays frozen regardless.
	require.NoError(t, m.AddEvent("tx-1", txnEvent("orders", 3)))
	events := txn.Events()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Offset)
	assert.Equal(t, uint64(2), events[1].Offset)
}

func TestCommit_RemovesSlot(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	_, err := m.StartTransaction("tx-1", "pg1")
	require.NoError(t, err)
	_, err = m.Commit("tx-1")
	require.NoError(t, err)

	_, ok := m.Get("tx-1")
	assert.False(t, ok)
	assert.Zero(t, m.Count())
}

func TestAddEvent_AfterTerminalState(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	txn, err := m.StartTransaction("tx-1", "pg1")
	require.NoError(t, err)
	require.NoError(t, m.AddEvent("tx-1", txnEvent("orders", 1)))

	// Freeze the transaction directly while keeping its slot occupied to
	// exercise the state check itself.
	txn.mu.Lock()
	txn.state = StateCommitted
	txn.mu.Unlock()

	err = m.AddEvent("tx-1", txnEvent("orders", 2))
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "tx-1", ise.TxnID)
	assert.Equal(t, StateCommitted, ise.State)
	assert.Len(t, txn.Events(), 1)
}

func TestAbort_DiscardsMembers(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	require.NoError(t, m.AddEvent("tx-1", txnEvent("orders", 1)))
	require.NoError(t, m.Abort("tx-1"))

	_, ok := m.Get("tx-1")
	assert.False(t, ok)
}

func TestCommit_UnknownID(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	_, err := m.Commit("nope")
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, "nope", nfe.TxnID)
}

func TestDoubleCommit(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	_, err := m.StartTransaction("tx-1", "pg1")
	require.NoError(t, err)
	_, err = m.Commit("tx-1")
	require.NoError(t, err)

	// Slot is gone, so a second commit reports not-found.
	_, err = m.Commit("tx-1")
	var nfe *NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestAddEvent_ImplicitStart(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	require.NoError(t, m.AddEvent("tx-9", txnEvent("orders", 1)))

	txn, ok := m.Get("tx-9")
	require.True(t, ok)
	assert.Equal(t, StateOpen, txn.State())
	assert.Equal(t, "pg1", txn.Source)
}

func TestAddEvent_DefensiveIngestion(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	assert.NoError(t, m.AddEvent("", txnEvent("orders", 1)))
	assert.NoError(t, m.AddEvent("tx-1", nil))
	assert.Zero(t, m.Count())
}

func TestStartTransaction_EmptyID(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	_, err := m.StartTransaction("", "pg1")
	assert.Error(t, err)
}

func TestReap_AbandonedTransactions(t *testing.T) {
	m := NewManager(20*time.Millisecond, 10*time.Millisecond)
	m.Start()
	defer m.Stop()

	require.NoError(t, m.AddEvent("tx-old", txnEvent("orders", 1)))

	assert.Eventually(t, func() bool {
		_, ok := m.Get("tx-old")
		return !ok
	}, time.Second, 5*time.Millisecond, "abandoned open transaction must be reclaimed")
}

func TestReap_DoesNotTouchActiveTransactions(t *testing.T) {
	m := NewManager(time.Hour, 10*time.Millisecond)
	m.Start()
	defer m.Stop()

	require.NoError(t, m.AddEvent("tx-live", txnEvent("orders", 1)))
	time.Sleep(50 * time.Millisecond)

	_, ok := m.Get("tx-live")
	assert.True(t, ok)
}

func TestConcurrentAppends_PreserveOrderPerGoroutine(t *testing.T) {
	m := NewManager(time.Minute, time.Minute)

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("tx-%d", w)
			for i := 0; i < perWorker; i++ {
				ev := txnEvent("orders", uint64(i))
				ev.TxnID = id
				require.NoError(t, m.AddEvent(id, ev))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers, m.Count())
	for w := 0; w < workers; w++ {
		txn, err := m.Commit(fmt.Sprintf("tx-%d", w))
		require.NoError(t, err)
		events := txn.Events()
		require.Len(t, events, perWorker)
		for i, ev := range events {
			assert.Equal(t, uint64(i), ev.Offset)
		}
	}
}
