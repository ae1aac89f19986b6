package pipeline

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/detector"
	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/routing"
	"github.com/sluicedb/sluice/sink"
	"github.com/sluicedb/sluice/source"
	"github.com/sluicedb/sluice/txgroup"
)

type harness struct {
	src    *source.ChannelSource
	mock   *sink.MockDestination
	runner *Runner
}

func newHarness(t *testing.T, det *detector.Detector, txg *txgroup.Manager, hub *notify.Hub) *harness {
	t.Helper()

	mgr, err := delivery.NewManager(delivery.NewMemoryLedger(4096, time.Minute), delivery.Config{
		MaxRetries:      2,
		RetryInitial:    time.Millisecond,
		RetryMax:        5 * time.Millisecond,
		RetryMultiplier: 2,
		AttemptTimeout:  time.Second,
	})
	require.NoError(t, err)

	engine, err := routing.NewEngine(mgr)
	require.NoError(t, err)
	mock := sink.NewMockDestination("mock")
	require.NoError(t, engine.RegisterDestination(mock))
	require.NoError(t, engine.SetRules([]routing.Rule{
		{Name: "all", Tables: []string{"*"}, Destinations: []string{"mock"}},
	}))

	src := source.NewChannelSource("pg1", 64)
	runner, err := NewRunner(Config{
		Source:   src,
		Detector: det,
		TxGroup:  txg,
		Engine:   engine,
		Hub:      hub,
	})
	require.NoError(t, err)
	require.NoError(t, runner.Start())
	t.Cleanup(func() {
		runner.Stop()
		engine.Dispose()
		src.Close()
	})

	return &harness{src: src, mock: mock, runner: runner}
}

func pipelineEvent(table string, offset uint64) *event.ChangeEvent {
	return &event.ChangeEvent{
		Table:     table,
		Operation: event.OpInsert,
		Offset:    offset,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestRunner_RoutesAndAcks(t *testing.T) {
	h := newHarness(t, nil, nil, nil)

	require.NoError(t, h.src.Publish(pipelineEvent("orders", 1)))
	require.NoError(t, h.src.Publish(pipelineEvent("orders", 2)))

	assert.Eventually(t, func() bool {
		return len(h.mock.Events()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		off, ok := h.src.AckedOffset("orders")
		return ok && off == 2
	}, 2*time.Second, 5*time.Millisecond, "delivered offsets must be acknowledged")
}

func TestRunner_BulkBatchRoutesAsSingleEvent(t *testing.T) {
	det, err := detector.New(detector.Config{
		MinRowCount:  3,
		MaxBatchSize: 3,
		BatchTimeout: time.Minute,
	})
	require.NoError(t, err)
	h := newHarness(t, det, nil, nil)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, h.src.Publish(pipelineEvent("orders", i)))
	}

	assert.Eventually(t, func() bool {
		return len(h.mock.Events()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := h.mock.Events()[0]
	assert.Equal(t, "true", got.Metadata[MetaBulk])
	assert.Equal(t, "3", got.Metadata[MetaAffectedRows])
	assert.Equal(t, uint64(1), got.Offset)

	assert.Eventually(t, func() bool {
		off, ok := h.src.AckedOffset("orders")
		return ok && off == 3
	}, 2*time.Second, 5*time.Millisecond, "bulk ack covers the member range")
}

func TestRunner_BelowMinimumPassThroughRoutesIndividually(t *testing.T) {
	det, err := detector.New(detector.Config{
		MinRowCount:  5,
		MaxBatchSize: 100,
		BatchTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	h := newHarness(t, det, nil, nil)

	require.NoError(t, h.src.Publish(pipelineEvent("orders", 1)))
	require.NoError(t, h.src.Publish(pipelineEvent("orders", 2)))

	assert.Eventually(t, func() bool {
		events := h.mock.Events()
		return len(events) == 2 && events[0].Metadata[MetaBulk] == ""
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_CommittedTransactionRoutesMembers(t *testing.T) {
	txg := txgroup.NewManager(time.Minute, time.Minute)
	h := newHarness(t, nil, txg, nil)

	for i := uint64(1); i <= 3; i++ {
		ev := pipelineEvent("orders", i)
		ev.TxnID = "tx-1"
		require.NoError(t, h.src.Publish(ev))
	}

	// Grouped events must not route before the commit marker.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.mock.Events())

	commit := &event.ChangeEvent{TxnID: "tx-1", Metadata: map[string]string{MetaTxnMarker: "commit"}}
	require.NoError(t, h.src.Publish(commit))

	assert.Eventually(t, func() bool {
		return len(h.mock.Events()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	for i, got := range h.mock.Events() {
		assert.Equal(t, uint64(i+1), got.Offset, "members route in offset order")
	}
}

func TestRunner_AbortedTransactionRoutesNothing(t *testing.T) {
	txg := txgroup.NewManager(time.Minute, time.Minute)
	h := newHarness(t, nil, txg, nil)

	ev := pipelineEvent("orders", 1)
	ev.TxnID = "tx-1"
	require.NoError(t, h.src.Publish(ev))

	abort := &event.ChangeEvent{TxnID: "tx-1", Metadata: map[string]string{MetaTxnMarker: "abort"}}
	require.NoError(t, h.src.Publish(abort))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.mock.Events())
	assert.Zero(t, txg.Count())
}

func TestRunner_StopDrainsOpenBatches(t *testing.T) {
	det, err := detector.New(detector.Config{
		MinRowCount:  2,
		MaxBatchSize: 100,
		BatchTimeout: time.Minute,
	})
	require.NoError(t, err)
	h := newHarness(t, det, nil, nil)

	require.NoError(t, h.src.Publish(pipelineEvent("orders", 1)))
	require.NoError(t, h.src.Publish(pipelineEvent("orders", 2)))

	assert.Eventually(t, func() bool {
		return det.OpenBatches() == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.runner.Stop()
	require.Len(t, h.mock.Events(), 1, "drain must flush the open batch")
	assert.Equal(t, "true", h.mock.Events()[0].Metadata[MetaBulk])
}

func TestRunner_SignalsHub(t *testing.T) {
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(notify.Filter{Tables: []string{"orders"}})
	defer cancel()

	h := newHarness(t, nil, nil, hub)
	require.NoError(t, h.src.Publish(pipelineEvent("orders", 9)))

	select {
	case sig := <-ch:
		assert.Equal(t, uint64(9), sig.Offset)
		assert.True(t, sig.AllDelivered)
		require.NotNil(t, sig.Result)
		assert.Equal(t, []string{"all"}, sig.Result.MatchedRules)
	case <-time.After(2 * time.Second):
		t.Fatal("no route signal received")
	}
}

func TestRunner_FailedDeliveryDoesNotAck(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.mock.FailNext(10) // Exceeds the 2-attempt retry budget

	require.NoError(t, h.src.Publish(pipelineEvent("orders", 1)))

	time.Sleep(200 * time.Millisecond)
	_, ok := h.src.AckedOffset("orders")
	assert.False(t, ok, "failed delivery must not acknowledge the offset")
}

func TestRunner_Validation(t *testing.T) {
	_, err := NewRunner(Config{})
	assert.Error(t, err)

	src := source.NewChannelSource("pg1", 1)
	defer src.Close()
	_, err = NewRunner(Config{Source: src})
	assert.Error(t, err)
}

func TestRunner_ProcessDirect(t *testing.T) {
	// Embedded hosts can push events without the pull loop.
	h := newHarness(t, nil, nil, nil)

	for i := 1; i <= 3; i++ {
		ev := pipelineEvent("users", uint64(i))
		ev.Source = "pg1"
		h.runner.Process(context.Background(), ev)
	}

	events := h.mock.Events()
	require.Len(t, events, 3)
	for i, got := range events {
		assert.Equal(t, strconv.Itoa(i+1), strconv.FormatUint(got.Offset, 10))
	}
}
