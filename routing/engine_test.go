package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/event"
)

// stubDestination records nothing; delivery is stubbed at the Deliverer.
type stubDestination struct {
	name   string
	mu     sync.Mutex
	closed bool
}

func (d *stubDestination) Name() string { return d.name }

func (d *stubDestination) Deliver(ctx context.Context, ev *event.ChangeEvent, table string) error {
	return nil
}

func (d *stubDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *stubDestination) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// stubDeliverer succeeds unless the destination name is listed in fail.
type stubDeliverer struct {
	mu        sync.Mutex
	delivered map[string][]string // destination -> event ids
	fail      map[string]bool
	slow      time.Duration
}

func newStubDeliverer() *stubDeliverer {
	return &stubDeliverer{
		delivered: make(map[string][]string),
		fail:      make(map[string]bool),
	}
}

func (s *stubDeliverer) Deliver(ctx context.Context, ev *event.ChangeEvent, table string, dest delivery.Destination) (delivery.Outcome, error) {
	if s.slow > 0 {
		time.Sleep(s.slow)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[dest.Name()] {
		return delivery.Outcome{Attempts: 1}, &delivery.Error{
			Destination: dest.Name(),
			Key:         ev.DeliveryKey(dest.Name()),
			Attempts:    1,
			Err:         fmt.Errorf("boom"),
		}
	}
	s.delivered[dest.Name()] = append(s.delivered[dest.Name()], ev.ID())
	return delivery.Outcome{Success: true, Attempts: 1}, nil
}

func (s *stubDeliverer) deliveredTo(dest string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered[dest]...)
}

func routeEvent(table string, op event.Operation, offset uint64) *event.ChangeEvent {
	return &event.ChangeEvent{
		Source:    "pg1",
		Table:     table,
		Operation: op,
		Offset:    offset,
		Timestamp: time.Now().UnixMilli(),
	}
}

func newTestEngine(t *testing.T, deliverer Deliverer, destNames ...string) *Engine {
	t.Helper()
	e, err := NewEngine(deliverer)
	require.NoError(t, err)
	for _, name := range destNames {
		require.NoError(t, e.RegisterDestination(&stubDestination{name: name}))
	}
	return e
}

func TestRoute_MatchingRuleFansOut(t *testing.T) {
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics", "search")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "users-all", Tables: []string{"users"}, Destinations: []string{"analytics", "search"}},
	}))

	res, err := e.Route(context.Background(), routeEvent("users", event.OpInsert, 1))
	require.NoError(t, err)
	assert.True(t, res.AllDelivered)
	assert.Equal(t, []string{"users-all"}, res.MatchedRules)
	require.Len(t, res.Results, 2)
	assert.Len(t, d.deliveredTo("analytics"), 1)
	assert.Len(t, d.deliveredTo("search"), 1)
}

func TestRoute_OperationFilter(t *testing.T) {
	// Rule scoped to inserts on users tables must not route an update.
	d := newStubDeliverer()
	e := newTestEngine(t, d, "api")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "user-inserts", Tables: []string{"users*"}, Operations: []event.Operation{event.OpInsert}, Destinations: []string{"api"}},
	}))

	res, err := e.Route(context.Background(), routeEvent("users", event.OpInsert, 1))
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)

	res, err = e.Route(context.Background(), routeEvent("users", event.OpUpdate, 2))
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.True(t, res.AllDelivered)
}

func TestRoute_NoMatchingRule(t *testing.T) {
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "orders", Tables: []string{"orders"}, Destinations: []string{"analytics"}},
	}))

	res, err := e.Route(context.Background(), routeEvent("sessions", event.OpInsert, 1))
	require.NoError(t, err)
	assert.Empty(t, res.MatchedRules)
	assert.Empty(t, res.Results)
	assert.True(t, res.AllDelivered)
	assert.Empty(t, d.deliveredTo("analytics"))
}

func TestRoute_OverlappingRulesDeduplicateDestinations(t *testing.T) {
	// Two rules both targeting analytics: one delivery, not two, and the
	// destination order follows first occurrence across matching rules.
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics", "audit")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "all-tables", Tables: []string{"*"}, Destinations: []string{"analytics"}},
		{Name: "orders-audit", Tables: []string{"orders"}, Destinations: []string{"audit", "analytics"}},
	}))

	res, err := e.Route(context.Background(), routeEvent("orders", event.OpInsert, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"all-tables", "orders-audit"}, res.MatchedRules)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "analytics", res.Results[0].Destination)
	assert.Equal(t, "audit", res.Results[1].Destination)
	assert.Len(t, d.deliveredTo("analytics"), 1)
}

func TestRoute_PartialFailureIsolation(t *testing.T) {
	// One failing destination never blocks the other one.
	d := newStubDeliverer()
	d.fail["search"] = true
	e := newTestEngine(t, d, "analytics", "search")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "users", Tables: []string{"users"}, Destinations: []string{"analytics", "search"}},
	}))

	res, err := e.Route(context.Background(), routeEvent("users", event.OpInsert, 1))
	require.NoError(t, err)
	assert.False(t, res.AllDelivered)
	require.Len(t, res.Results, 2)

	byDest := make(map[string]DestinationResult)
	for _, dr := range res.Results {
		byDest[dr.Destination] = dr
	}
	assert.True(t, byDest["analytics"].Success)
	assert.False(t, byDest["search"].Success)
	assert.Error(t, byDest["search"].Err)
	assert.Len(t, d.deliveredTo("analytics"), 1)
}

func TestRoute_UnknownDestination(t *testing.T) {
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "users", Tables: []string{"users"}, Destinations: []string{"analytics", "ghost"}},
	}))

	res, err := e.Route(context.Background(), routeEvent("users", event.OpInsert, 1))
	require.NoError(t, err)
	assert.False(t, res.AllDelivered)

	var ghost DestinationResult
	for _, dr := range res.Results {
		if dr.Destination == "ghost" {
			ghost = dr
		}
	}
	require.Error(t, ghost.Err)
	assert.Contains(t, ghost.Err.Error(), "destination not found: ghost")
}

func TestSetRules_InvalidRuleKeepsPrevious(t *testing.T) {
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "users", Tables: []string{"users"}, Destinations: []string{"analytics"}},
	}))

	err := e.SetRules([]Rule{{Name: "bad", Tables: []string{"["}, Destinations: []string{"analytics"}}})
	require.Error(t, err)
	assert.Equal(t, []string{"users"}, e.Rules(), "failed update must keep the active rule set")

	err = e.SetRules([]Rule{{Name: "", Tables: []string{"x"}, Destinations: []string{"analytics"}}})
	assert.Error(t, err)

	err = e.SetRules([]Rule{{Name: "no-dest", Tables: []string{"x"}}})
	assert.Error(t, err)
}

func TestAddRemoveRule(t *testing.T) {
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics", "audit")
	require.NoError(t, e.AddRule(Rule{Name: "users", Tables: []string{"users"}, Destinations: []string{"analytics"}}))
	require.NoError(t, e.AddRule(Rule{Name: "audit", Tables: []string{"*"}, Destinations: []string{"audit"}}))
	assert.Equal(t, []string{"users", "audit"}, e.Rules())

	err := e.AddRule(Rule{Name: "users", Tables: []string{"x"}, Destinations: []string{"analytics"}})
	assert.Error(t, err, "rule names are unique")

	res, err := e.Route(context.Background(), routeEvent("users", event.OpInsert, 1))
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)

	require.NoError(t, e.RemoveRule("users"))
	assert.Equal(t, []string{"audit"}, e.Rules())
	assert.Error(t, e.RemoveRule("users"))

	res, err = e.Route(context.Background(), routeEvent("users", event.OpInsert, 2))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "audit", res.Results[0].Destination)
}

func TestRegisterDestination_Duplicate(t *testing.T) {
	e := newTestEngine(t, newStubDeliverer(), "analytics")
	err := e.RegisterDestination(&stubDestination{name: "analytics"})
	assert.Error(t, err)
}

func TestRouteBatch_PreservesOrder(t *testing.T) {
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "orders", Tables: []string{"orders"}, Destinations: []string{"analytics"}},
	}))

	events := []*event.ChangeEvent{
		routeEvent("orders", event.OpInsert, 1),
		routeEvent("orders", event.OpInsert, 2),
		routeEvent("orders", event.OpInsert, 3),
	}
	results, err := e.RouteBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	ids := d.deliveredTo("analytics")
	require.Len(t, ids, 3)
	assert.Equal(t, events[0].ID(), ids[0])
	assert.Equal(t, events[1].ID(), ids[1])
	assert.Equal(t, events[2].ID(), ids[2])
}

func TestStats_CountOutcomes(t *testing.T) {
	d := newStubDeliverer()
	d.fail["search"] = true
	e := newTestEngine(t, d, "analytics", "search")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "users", Tables: []string{"users"}, Destinations: []string{"analytics", "search"}},
	}))

	for i := uint64(1); i <= 3; i++ {
		_, err := e.Route(context.Background(), routeEvent("users", event.OpInsert, i))
		require.NoError(t, err)
	}

	byDest := make(map[string]DestinationStats)
	for _, s := range e.Stats() {
		byDest[s.Destination] = s
	}
	assert.Equal(t, int64(3), byDest["analytics"].Delivered)
	assert.Equal(t, int64(3), byDest["search"].Failed)

	got, ok := e.StatsFor("analytics")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Delivered)
	_, ok = e.StatsFor("ghost")
	assert.False(t, ok)

	overall := e.Overall()
	assert.Equal(t, 2, overall.Destinations)
	assert.Equal(t, int64(3), overall.Delivered)
	assert.Equal(t, int64(3), overall.Failed)
}

func TestDispose_ClosesDestinationsAndRejectsOperations(t *testing.T) {
	dest := &stubDestination{name: "analytics"}
	e, err := NewEngine(newStubDeliverer())
	require.NoError(t, err)
	require.NoError(t, e.RegisterDestination(dest))

	require.NoError(t, e.Dispose())
	assert.True(t, dest.isClosed())

	_, err = e.Route(context.Background(), routeEvent("users", event.OpInsert, 1))
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, e.SetRules(nil), ErrDisposed)
	assert.ErrorIs(t, e.RegisterDestination(&stubDestination{name: "x"}), ErrDisposed)
	_, err = e.RouteBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDisposed)

	assert.NoError(t, e.Dispose(), "dispose is idempotent")
}

func TestRoute_ConcurrentWithRuleSwap(t *testing.T) {
	d := newStubDeliverer()
	e := newTestEngine(t, d, "analytics", "audit")
	require.NoError(t, e.SetRules([]Rule{
		{Name: "a", Tables: []string{"*"}, Destinations: []string{"analytics"}},
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		rules := [][]Rule{
			{{Name: "a", Tables: []string{"*"}, Destinations: []string{"analytics"}}},
			{{Name: "b", Tables: []string{"*"}, Destinations: []string{"audit"}}},
		}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				require.NoError(t, e.SetRules(rules[i%2]))
			}
		}
	}()

	for i := uint64(0); i < 200; i++ {
		res, err := e.Route(context.Background(), routeEvent("orders", event.OpInsert, i))
		require.NoError(t, err)
		require.Len(t, res.MatchedRules, 1, "route must observe a complete rule set")
	}
	close(stop)
	wg.Wait()
}
