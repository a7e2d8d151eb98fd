// Package record captures a lobby's game traffic for later replay. Events
// are length-prefixed and zstd-compressed on the way to disk; a capture is
// only readable after Close flushes the compressor.
package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// EventType tags each recorded command.
type EventType uint8

const (
	// EventGameCommand is a subcommand fanned out inside the game itself.
	EventGameCommand EventType = iota
	// EventSpectatorGameCommand is a subcommand forwarded to watchers.
	EventSpectatorGameCommand
)

// Event is one captured command.
type Event struct {
	Type      EventType
	Command   uint16
	Flag      uint32
	Data      []byte
	Timestamp int64 // unix microseconds
}

// Recorder appends events to a compressed stream.
type Recorder struct {
	mu         sync.Mutex
	enc        *zstd.Encoder
	closer     io.Closer
	inProgress bool
	now        func() time.Time
}

// New wraps w in a compressed event stream. Close flushes the stream and
// then closes w.
func New(w io.WriteCloser) (*Recorder, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("creating capture compressor: %w", err)
	}
	return &Recorder{enc: enc, closer: w, now: time.Now}, nil
}

// SetBattleInProgress marks the capture active. The router consults this to
// decide whether watcher fan-out is unconditional.
func (r *Recorder) SetBattleInProgress(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress = v
}

// BattleInProgress reports whether the capture is active.
func (r *Recorder) BattleInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}

// AddCommand appends one event.
func (r *Recorder) AddCommand(t EventType, command uint16, flag uint32, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return fmt.Errorf("recorder is closed")
	}

	var hdr [19]byte
	hdr[0] = byte(t)
	binary.LittleEndian.PutUint16(hdr[1:3], command)
	binary.LittleEndian.PutUint32(hdr[3:7], flag)
	binary.LittleEndian.PutUint64(hdr[7:15], uint64(r.now().UnixMicro()))
	binary.LittleEndian.PutUint32(hdr[15:19], uint32(len(data)))
	if _, err := r.enc.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing capture header: %w", err)
	}
	if _, err := r.enc.Write(data); err != nil {
		return fmt.Errorf("writing capture data: %w", err)
	}
	return nil
}

// Close flushes the compressor and closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return nil
	}
	if err := r.enc.Close(); err != nil {
		return fmt.Errorf("flushing capture: %w", err)
	}
	r.enc = nil
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ReadAll decodes a full capture stream, for replay tooling and tests.
func ReadAll(rd io.Reader) ([]Event, error) {
	dec, err := zstd.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("opening capture: %w", err)
	}
	defer dec.Close()

	var events []Event
	var hdr [19]byte
	for {
		if _, err := io.ReadFull(dec, hdr[:]); err != nil {
			if err == io.EOF {
				return events, nil
			}
			return nil, fmt.Errorf("reading capture header: %w", err)
		}
		ev := Event{
			Type:      EventType(hdr[0]),
			Command:   binary.LittleEndian.Uint16(hdr[1:3]),
			Flag:      binary.LittleEndian.Uint32(hdr[3:7]),
			Timestamp: int64(binary.LittleEndian.Uint64(hdr[7:15])),
		}
		n := binary.LittleEndian.Uint32(hdr[15:19])
		ev.Data = make([]byte, n)
		if _, err := io.ReadFull(dec, ev.Data); err != nil {
			return nil, fmt.Errorf("reading capture data: %w", err)
		}
		events = append(events, ev)
	}
}
