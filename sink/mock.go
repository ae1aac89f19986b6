package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/event"
)

func init() {
	Register("mock", func(config cfg.SinkConfiguration) (delivery.Destination, error) {
		return NewMockDestination(config.Name), nil
	})
}

// MockDestination records delivered events in memory. Used in tests and for
// dry-running rule configurations.
type MockDestination struct {
	name string

	mu       sync.Mutex
	events   []event.ChangeEvent
	tables   []string
	failNext int
	closed   bool
}

func NewMockDestination(name string) *MockDestination {
	return &MockDestination{name: name}
}

func (m *MockDestination) Name() string { return m.name }

func (m *MockDestination) Deliver(ctx context.Context, ev *event.ChangeEvent, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock sink %s is closed", m.name)
	}
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("mock sink %s: injected failure", m.name)
	}
	m.events = append(m.events, *ev)
	m.tables = append(m.tables, table)
	return nil
}

func (m *MockDestination) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailNext makes the next n Deliver calls fail.
func (m *MockDestination) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Events returns a copy of the delivered events.
func (m *MockDestination) Events() []event.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event.ChangeEvent(nil), m.events...)
}

// Tables returns the table name passed with each delivery.
func (m *MockDestination) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tables...)
}

// IsClosed reports whether Close was called.
func (m *MockDestination) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
