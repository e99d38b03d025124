package api

import (
	stdcontext "context"
	"errors"
	"time"
)

var (
	ErrNotStarted    = errors.New("subprocess not started")
	ErrNotRunning    = errors.New("subprocess not running")
	ErrUnknownSignal = errors.New("unknown signal")
)

// StreamReport describes one stream of the subprocess.
type StreamReport struct {
	Name        string `json:"name"`
	Direction   string `json:"direction"`
	Buffered    int    `json:"buffered"`
	ReadClosed  bool   `json:"read_closed"`
	WriteClosed bool   `json:"write_closed"`
	BytesRead   int64  `json:"bytes_read"`
}

// StatusReport is a point-in-time snapshot of a supervised subprocess.
type StatusReport struct {
	ID          string         `json:"id"`
	PID         int            `json:"pid"`
	Command     string         `json:"command"`
	State       string         `json:"state"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Signal      int            `json:"signal,omitempty"`
	TimedOut    bool           `json:"timed_out"`
	Completed   bool           `json:"completed"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
	Streams     []StreamReport `json:"streams"`
}

// SignalResult captures the outcome of a signal request.
type SignalResult struct {
	Signal string    `json:"signal"`
	PID    int       `json:"pid"`
	SentAt time.Time `json:"sent_at"`
}

// Controller exposes subprocess operations required by control servers.
// Implementations must be safe for concurrent use.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Signal(stdcontext.Context, string) (*SignalResult, error)
}
