package subprocess

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a malformed descriptor, option or stream
	// operation. Spawn failures caused by bad options also match
	// unix.EINVAL.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSpawn is matched by every *SpawnError.
	ErrSpawn = errors.New("spawn failed")
	// ErrRuntimeIO is matched by every *StreamError.
	ErrRuntimeIO = errors.New("stream i/o failed")
	// ErrExitTimeout is delivered through OnException when a child outlives
	// its exit timeout.
	ErrExitTimeout = errors.New("exit timeout exceeded")
	// ErrNotRunning is returned when signalling a subprocess that has been
	// reaped or destroyed.
	ErrNotRunning = errors.New("subprocess not running")
)

// SpawnError describes a failure to start a child. Err carries the
// underlying OS error so callers can match errno values such as ENOENT.
type SpawnError struct {
	Op   string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("spawn %s: %s: %v", e.Path, e.Op, e.Err)
	}
	return fmt.Sprintf("spawn: %s: %v", e.Op, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }

// StreamError describes a read or write failure on a stream after spawn.
type StreamError struct {
	Stream string
	Op     string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *StreamError) Unwrap() []error { return []error{ErrRuntimeIO, e.Err} }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
