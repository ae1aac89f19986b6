// Package source defines the contract between capture adapters and the
// pipeline. Concrete adapters (logical replication, binlog tailing, CDC
// table polling) live outside this module; the pipeline only needs a pull
// interface with acknowledged-offset tracking so a restarted source can
// resume and redeliver safely.
package source

import (
	"context"
	"errors"
	"sync"

	"github.com/sluicedb/sluice/event"
)

// ErrClosed is returned once a source is closed and drained.
var ErrClosed = errors.New("source is closed")

// Source is a stream of captured change events. Next blocks until an event
// is available, ctx is done, or the source is closed. Events may be
// redelivered after a restart; consumers must tolerate replays at or below
// the acknowledged offset.
type Source interface {
	// Name returns the capture source identifier stamped on its events.
	Name() string
	// Next returns the next captured event.
	Next(ctx context.Context) (*event.ChangeEvent, error)
	// Ack marks the offset for a table as fully processed. The source must
	// not redeliver offsets at or below it after a clean restart.
	Ack(table string, offset uint64)
	// Close stops capture. Buffered events remain readable until drained.
	Close() error
}

// ChannelSource is an in-process Source fed through Publish. It backs tests
// and embedded producers.
type ChannelSource struct {
	name string
	ch   chan *event.ChangeEvent
	done chan struct{}

	mu        sync.RWMutex
	acked     map[string]uint64
	closed    bool
	closeOnce sync.Once
}

// NewChannelSource creates a channel source with the given buffer capacity.
func NewChannelSource(name string, buffer int) *ChannelSource {
	return &ChannelSource{
		name:  name,
		ch:    make(chan *event.ChangeEvent, buffer),
		done:  make(chan struct{}),
		acked: make(map[string]uint64),
	}
}

func (s *ChannelSource) Name() string { return s.name }

// Publish feeds one event into the source. Blocks while the buffer is full,
// until Close unblocks it. Publish holds a read lock for the duration of the
// send so Close cannot close the channel under an in-flight send.
func (s *ChannelSource) Publish(ev *event.ChangeEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	ev.Source = s.name
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *ChannelSource) Next(ctx context.Context) (*event.ChangeEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ChannelSource) Ack(table string, offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.acked[table] {
		s.acked[table] = offset
	}
}

// AckedOffset returns the highest acknowledged offset for a table.
func (s *ChannelSource) AckedOffset(table string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.acked[table]
	return off, ok
}

func (s *ChannelSource) Close() error {
	s.closeOnce.Do(func() {
		// Unblock publishers stuck on a full buffer before taking the write
		// lock they hold the read side of.
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
