package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/encoding"
	"github.com/sluicedb/sluice/event"
)

func init() {
	Register("archive", func(config cfg.SinkConfiguration) (delivery.Destination, error) {
		if config.Path == "" {
			return nil, fmt.Errorf("archive sink requires path")
		}
		return NewArchiveDestination(config.Name, config.Path, config.CompressionLevel)
	})
}

// ArchiveDestination appends change events to a zstd-compressed file. Each
// record is a 4-byte big-endian length prefix followed by the msgpack
// payload, so the archive can be replayed record by record.
type ArchiveDestination struct {
	name string

	mu     sync.Mutex
	file   *os.File
	enc    *zstd.Encoder
	closed bool
}

// NewArchiveDestination opens (or creates) the archive file for appending.
// level maps 1-4 onto zstd speed/ratio presets; 0 picks the fastest.
func NewArchiveDestination(name, path string, level int) (*ArchiveDestination, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(archiveLevelToZstd(level)))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}

	return &ArchiveDestination{name: name, file: file, enc: enc}, nil
}

func (a *ArchiveDestination) Name() string { return a.name }

// Deliver appends one framed event record to the archive.
func (a *ArchiveDestination) Deliver(ctx context.Context, ev *event.ChangeEvent, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := encoding.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(payload)))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("archive sink %s is closed", a.name)
	}
	if _, err := a.enc.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := a.enc.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// Flush forces buffered frames onto disk without closing the stream.
func (a *ArchiveDestination) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("archive sink %s is closed", a.name)
	}
	return a.enc.Flush()
}

// Close flushes the compressed stream and closes the file.
func (a *ArchiveDestination) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if err := a.enc.Close(); err != nil {
		a.file.Close()
		return fmt.Errorf("failed to close zstd stream: %w", err)
	}
	return a.file.Close()
}

// archiveLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func archiveLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
