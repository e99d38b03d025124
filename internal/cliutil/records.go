package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// OutputRecord is one line of child output ready for JSON encoding.
type OutputRecord struct {
	Timestamp  time.Time `json:"ts"`
	Subprocess string    `json:"subprocess"`
	PID        int       `json:"pid"`
	Stream     string    `json:"stream"`
	Level      string    `json:"level"`
	Message    string    `json:"msg"`
	Partial    bool      `json:"partial,omitempty"`
}

// ExitRecord is the final record emitted once a subprocess completes.
type ExitRecord struct {
	Timestamp  time.Time `json:"ts"`
	Subprocess string    `json:"subprocess"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	State      string    `json:"state"`
	ExitCode   int       `json:"exit_code"`
	Signal     int       `json:"signal,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// NewOutputRecord builds a record for a line read from stream. The trailing
// newline is stripped and a line without one is flagged as partial. The
// message is passed through redact, which may be nil.
func NewOutputRecord(id string, pid int, stream string, line []byte, redact *Redactor) OutputRecord {
	msg := string(line)
	partial := !strings.HasSuffix(msg, "\n")
	msg = strings.TrimSuffix(strings.TrimSuffix(msg, "\n"), "\r")
	level := inferLogLevel(msg)
	if level == "" {
		level = "info"
	}
	return OutputRecord{
		Timestamp:  time.Now(),
		Subprocess: id,
		PID:        pid,
		Stream:     stream,
		Level:      level,
		Message:    redact.Redact(msg),
		Partial:    partial,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// Encode writes v as one JSON line, reporting failures to stderr.
func Encode(enc *json.Encoder, stderr io.Writer, v any) {
	if enc == nil {
		return
	}
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "error: encode record: %v\n", err)
	}
}
