package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/subproc/internal/cliutil"
	"github.com/Paintersrp/subproc/internal/tui"
)

// Mux queues subprocess events for a slower consumer through a bounded
// channel. Send never blocks on output records: when the buffer is full the
// record is dropped and counted per stream, and a synthesized warning
// carrying the count is delivered ahead of that stream's next record. State
// changes, exceptions and EOF notices are never dropped.
type Mux struct {
	out chan tui.Event

	mu     sync.Mutex
	drops  map[string]int
	closed bool
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan tui.Event, size),
		drops: make(map[string]int),
	}
}

// Output exposes the queued event channel. It is closed by Close.
func (m *Mux) Output() <-chan tui.Event {
	return m.out
}

// Send queues evt. Events sent after Close are discarded. Send and Close
// must be called from the same goroutine.
func (m *Mux) Send(evt tui.Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	evt = normalize(evt)
	if evt.Kind != tui.EventOutput {
		m.flushPending(evt.Stream, true)
		m.out <- evt
		return
	}
	if !m.flushPending(evt.Stream, false) || !m.trySend(evt) {
		m.recordDrop(evt.Stream, 1)
	}
}

// Close emits any pending drop notices and closes the output channel.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.drops
	m.drops = make(map[string]int)
	m.mu.Unlock()

	for stream, count := range pending {
		m.out <- synthesizeDropEvent(stream, count)
	}
	close(m.out)
}

// Dropped reports how many records are currently counted as dropped for
// stream and not yet announced.
func (m *Mux) Dropped(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops[stream]
}

func (m *Mux) flushPending(stream string, block bool) bool {
	count := m.takeDrops(stream)
	if count == 0 {
		return true
	}
	meta := synthesizeDropEvent(stream, count)
	if block {
		m.out <- meta
		return true
	}
	if m.trySend(meta) {
		return true
	}
	m.recordDrop(stream, count)
	return false
}

func (m *Mux) takeDrops(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[stream]
	delete(m.drops, stream)
	return count
}

func (m *Mux) recordDrop(stream string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[stream] += count
}

func (m *Mux) trySend(evt tui.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt tui.Event) tui.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Kind == tui.EventOutput && evt.Record.Stream == "" {
		evt.Record.Stream = evt.Stream
	}
	return evt
}

func synthesizeDropEvent(stream string, count int) tui.Event {
	now := time.Now()
	return tui.Event{
		Kind:      tui.EventOutput,
		Timestamp: now,
		Stream:    stream,
		Record: cliutil.OutputRecord{
			Timestamp: now,
			Stream:    stream,
			Level:     "warn",
			Message:   fmt.Sprintf("dropped=%d", count),
		},
	}
}
