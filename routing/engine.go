// Package routing evaluates configured rules against change events and fans
// each event out to every matching destination. Destinations are isolated
// from each other: one failing sink never blocks or fails delivery to the
// others.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/telemetry"
)

// ErrDisposed is returned by every operation on a disposed engine.
var ErrDisposed = errors.New("routing engine is disposed")

// Deliverer performs the per-destination exactly-once delivery. Satisfied by
// *delivery.Manager.
type Deliverer interface {
	Deliver(ctx context.Context, ev *event.ChangeEvent, table string, dest delivery.Destination) (delivery.Outcome, error)
}

// DestinationResult is the outcome of routing one event to one destination.
type DestinationResult struct {
	Destination string
	Success     bool
	Duplicate   bool
	Attempts    int
	Latency     time.Duration
	Err         error
}

// RouteResult aggregates the fanout of one event. Success reports that the
// routing itself ran to completion; per-destination failures live in
// Results and never abort the remaining destinations.
type RouteResult struct {
	EventID      string
	MatchedRules []string
	Results      []DestinationResult
	AllDelivered bool
	Duration     time.Duration
}

// destinationStats carries per-destination routing counters.
type destinationStats struct {
	delivered  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// DestinationStats is a point-in-time snapshot of one destination's counters.
type DestinationStats struct {
	Destination string `json:"destination"`
	Delivered   int64  `json:"delivered"`
	Duplicates  int64  `json:"duplicates"`
	Failed      int64  `json:"failed"`
}

// OverallStats aggregates routing counters across all destinations.
type OverallStats struct {
	Destinations int   `json:"destinations"`
	Delivered    int64 `json:"delivered"`
	Duplicates   int64 `json:"duplicates"`
	Failed       int64 `json:"failed"`
}

// Engine is the change routing engine.
//
// The rule set is swapped atomically so Route never observes a half-updated
// configuration. Destination registration and routing are safe for
// concurrent use.
type Engine struct {
	rules        atomic.Pointer[[]compiledRule]
	rulesMu      sync.Mutex // Serializes rule-set writers; readers are lock-free
	destinations *xsync.MapOf[string, delivery.Destination]
	stats        *xsync.MapOf[string, *destinationStats]
	deliverer    Deliverer
	disposed     atomic.Bool
}

// NewEngine creates a routing engine with an empty rule set.
func NewEngine(deliverer Deliverer) (*Engine, error) {
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	e := &Engine{
		destinations: xsync.NewMapOf[string, delivery.Destination](),
		stats:        xsync.NewMapOf[string, *destinationStats](),
		deliverer:    deliverer,
	}
	empty := make([]compiledRule, 0)
	e.rules.Store(&empty)
	return e, nil
}

// RegisterDestination adds a destination under its name. Registering a name
// twice is a configuration error.
func (e *Engine) RegisterDestination(dest delivery.Destination) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	if dest == nil || dest.Name() == "" {
		return fmt.Errorf("destination with a non-empty name is required")
	}
	if _, loaded := e.destinations.LoadOrStore(dest.Name(), dest); loaded {
		return fmt.Errorf("destination already registered: %s", dest.Name())
	}
	log.Info().Str("destination", dest.Name()).Msg("Registered destination")
	return nil
}

// UnregisterDestination removes and closes a destination.
func (e *Engine) UnregisterDestination(name string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	dest, ok := e.destinations.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("destination not found: %s", name)
	}
	return dest.Close()
}

// SetRules compiles and atomically installs a new rule set. On error the
// previous rule set stays active.
func (e *Engine) SetRules(rules []Rule) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	e.rulesMu.Lock()
	e.rules.Store(&compiled)
	e.rulesMu.Unlock()
	log.Info().Int("rules", len(compiled)).Msg("Installed routing rules")
	return nil
}

// AddRule compiles and appends one rule to the active set. Rule names are
// unique.
func (e *Engine) AddRule(rule Rule) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	compiled, err := compileRules([]Rule{rule})
	if err != nil {
		return err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	current := *e.rules.Load()
	for i := range current {
		if current[i].name == rule.Name {
			return fmt.Errorf("rule already exists: %s", rule.Name)
		}
	}
	next := make([]compiledRule, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, compiled[0])
	e.rules.Store(&next)
	log.Info().Str("rule", rule.Name).Msg("Added routing rule")
	return nil
}

// RemoveRule removes a rule by name from the active set.
func (e *Engine) RemoveRule(name string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	current := *e.rules.Load()
	next := make([]compiledRule, 0, len(current))
	for i := range current {
		if current[i].name != name {
			next = append(next, current[i])
		}
	}
	if len(next) == len(current) {
		return fmt.Errorf("rule not found: %s", name)
	}
	e.rules.Store(&next)
	log.Info().Str("rule", name).Msg("Removed routing rule")
	return nil
}

// Rules returns the names of the active rules in evaluation order.
func (e *Engine) Rules() []string {
	compiled := *e.rules.Load()
	names := make([]string, 0, len(compiled))
	for i := range compiled {
		names = append(names, compiled[i].name)
	}
	return names
}

// match returns matched rule names and the ordered union of their
// destinations. A destination targeted by several rules appears once, at
// its first occurrence.
func (e *Engine) match(ev *event.ChangeEvent) (ruleNames, destinations []string) {
	compiled := *e.rules.Load()
	seen := make(map[string]struct{})
	for i := range compiled {
		if !compiled[i].matches(ev) {
			continue
		}
		ruleNames = append(ruleNames, compiled[i].name)
		for _, name := range compiled[i].destinations {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			destinations = append(destinations, name)
		}
	}
	return ruleNames, destinations
}

// Route fans one event out to every destination selected by the active rule
// set. Destinations are attempted concurrently and independently; the
// returned result always covers all of them. An event matching no rule
// routes to nothing and is still a successful route.
func (e *Engine) Route(ctx context.Context, ev *event.ChangeEvent) (*RouteResult, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	if ev == nil {
		return nil, fmt.Errorf("event is required")
	}

	start := time.Now()
	ruleNames, destNames := e.match(ev)

	result := &RouteResult{
		EventID:      ev.ID(),
		MatchedRules: ruleNames,
		AllDelivered: true,
	}

	if len(destNames) == 0 {
		result.Duration = time.Since(start)
		telemetry.RoutesTotal.With("unmatched").Inc()
		log.Debug().Str("event", result.EventID).Str("table", ev.Table).Msg("Event matched no routing rule")
		return result, nil
	}

	futures := make([]*future.Future[DestinationResult], 0, len(destNames))
	for _, name := range destNames {
		name := name
		p := future.NewPromise[DestinationResult]()
		futures = append(futures, p.Future())

		go func() {
			dr := DestinationResult{Destination: name}

			dest, ok := e.destinations.Load(name)
			if !ok {
				dr.Err = fmt.Errorf("destination not found: %s", name)
				p.Set(dr, nil)
				return
			}

			out, err := e.deliverer.Deliver(ctx, ev, ev.Table, dest)
			dr.Success = out.Success
			dr.Duplicate = out.Duplicate
			dr.Attempts = out.Attempts
			dr.Latency = out.Latency
			dr.Err = err
			p.Set(dr, nil)
		}()
	}

	for _, fut := range futures {
		dr, _ := fut.Get()
		result.Results = append(result.Results, dr)
		e.account(&dr)
		if !dr.Success {
			result.AllDelivered = false
		}
	}

	result.Duration = time.Since(start)
	telemetry.RouteSeconds.Observe(result.Duration.Seconds())
	if result.AllDelivered {
		telemetry.RoutesTotal.With("ok").Inc()
	} else {
		telemetry.RoutesTotal.With("partial").Inc()
	}
	return result, nil
}

// RouteBatch routes events sequentially, preserving their order towards
// every destination. The per-event fanout inside each Route call is still
// concurrent.
func (e *Engine) RouteBatch(ctx context.Context, events []*event.ChangeEvent) ([]*RouteResult, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}

	results := make([]*RouteResult, 0, len(events))
	for _, ev := range events {
		res, err := e.Route(ctx, ev)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) account(dr *DestinationResult) {
	stats, _ := e.stats.LoadOrCompute(dr.Destination, func() *destinationStats {
		return &destinationStats{}
	})
	switch {
	case dr.Duplicate:
		stats.duplicates.Add(1)
	case dr.Success:
		stats.delivered.Add(1)
	default:
		stats.failed.Add(1)
		telemetry.DestinationErrorsTotal.With(dr.Destination).Inc()
		log.Warn().
			Err(dr.Err).
			Str("destination", dr.Destination).
			Msg("Destination delivery failed during routing")
	}
}

// StatsFor returns the routing counters for one destination.
func (e *Engine) StatsFor(name string) (DestinationStats, bool) {
	s, ok := e.stats.Load(name)
	if !ok {
		return DestinationStats{}, false
	}
	return DestinationStats{
		Destination: name,
		Delivered:   s.delivered.Load(),
		Duplicates:  s.duplicates.Load(),
		Failed:      s.failed.Load(),
	}, true
}

// Overall returns counters aggregated across all destinations.
func (e *Engine) Overall() OverallStats {
	var out OverallStats
	e.stats.Range(func(_ string, s *destinationStats) bool {
		out.Destinations++
		out.Delivered += s.delivered.Load()
		out.Duplicates += s.duplicates.Load()
		out.Failed += s.failed.Load()
		return true
	})
	return out
}

// Stats returns per-destination routing counters.
func (e *Engine) Stats() []DestinationStats {
	var out []DestinationStats
	e.stats.Range(func(name string, s *destinationStats) bool {
		out = append(out, DestinationStats{
			Destination: name,
			Delivered:   s.delivered.Load(),
			Duplicates:  s.duplicates.Load(),
			Failed:      s.failed.Load(),
		})
		return true
	})
	return out
}

// Destinations returns the registered destination names.
func (e *Engine) Destinations() []string {
	var out []string
	e.destinations.Range(func(name string, _ delivery.Destination) bool {
		out = append(out, name)
		return true
	})
	return out
}

// Dispose closes every registered destination and rejects all further
// operations. Dispose is idempotent.
func (e *Engine) Dispose() error {
	if !e.disposed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	e.destinations.Range(func(name string, dest delivery.Destination) bool {
		if err := dest.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing destination %s: %w", name, err))
		}
		e.destinations.Delete(name)
		return true
	})
	log.Info().Msg("Routing engine disposed")
	return errors.Join(errs...)
}
