package logmux

import (
	"testing"
	"time"

	"github.com/Paintersrp/subproc/internal/cliutil"
	"github.com/Paintersrp/subproc/internal/tui"
)

func line(stream, msg string) tui.Event {
	return tui.Event{
		Kind:   tui.EventOutput,
		Stream: stream,
		Record: cliutil.OutputRecord{Message: msg, Level: "info"},
	}
}

func drain(m *Mux) []tui.Event {
	var events []tui.Event
	for evt := range m.Output() {
		events = append(events, evt)
	}
	return events
}

func TestMuxPreservesOrder(t *testing.T) {
	mux := New(4)
	mux.Send(line("stdout", "one"))
	mux.Send(line("stderr", "two"))
	mux.Send(tui.Event{Kind: tui.EventState, State: "Exited"})
	go mux.Close()

	events := drain(mux)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Record.Message != "one" || events[1].Record.Message != "two" || events[2].State != "Exited" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Record.Stream != "stdout" || events[0].Timestamp.IsZero() {
		t.Fatalf("expected normalized record, got %+v", events[0])
	}
}

func TestMuxEmitsDropMetaEvents(t *testing.T) {
	mux := New(1)
	mux.Send(line("stdout", "line-1"))
	mux.Send(line("stdout", "line-2"))
	mux.Send(line("stdout", "line-3"))
	if got := mux.Dropped("stdout"); got != 2 {
		t.Fatalf("expected 2 dropped records, got %d", got)
	}

	go mux.Close()
	events := drain(mux)
	if len(events) != 2 {
		t.Fatalf("expected 2 events (1 record + 1 meta), got %d", len(events))
	}
	if events[0].Record.Message != "line-1" {
		t.Fatalf("expected first event to be the original record, got %q", events[0].Record.Message)
	}

	meta := events[1]
	if meta.Stream != "stdout" || meta.Record.Message != "dropped=2" || meta.Record.Level != "warn" {
		t.Fatalf("unexpected meta event %+v", meta)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
}

func TestMuxAnnouncesDropsBeforeNextRecord(t *testing.T) {
	mux := New(1)
	mux.Send(line("stdout", "a"))
	mux.Send(line("stdout", "b"))

	if evt := <-mux.Output(); evt.Record.Message != "a" {
		t.Fatalf("unexpected first event %+v", evt)
	}
	mux.Send(line("stdout", "c"))
	if evt := <-mux.Output(); evt.Record.Message != "dropped=1" {
		t.Fatalf("expected drop notice, got %+v", evt)
	}
	// c was dropped while the notice held the only slot.
	if got := mux.Dropped("stdout"); got != 1 {
		t.Fatalf("expected c to be counted, got %d", got)
	}
}

func TestMuxNeverDropsControlEvents(t *testing.T) {
	mux := New(1)
	mux.Send(line("stdout", "fill"))
	mux.Send(line("stdout", "dropped"))

	done := make(chan struct{})
	go func() {
		mux.Send(tui.Event{Kind: tui.EventClosed, Stream: "stdout"})
		mux.Close()
		close(done)
	}()

	events := drain(mux)
	<-done
	if len(events) != 3 {
		t.Fatalf("expected record, notice and EOF, got %+v", events)
	}
	if events[1].Record.Message != "dropped=1" || events[2].Kind != tui.EventClosed {
		t.Fatalf("unexpected order %+v", events)
	}

	mux.Send(line("stdout", "late"))
}
