package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/subproc/internal/api"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

// ControlAPI exposes the running subprocess to the HTTP control plane.
// Status is served from a snapshot refreshed on the reactor goroutine;
// signals are marshalled onto it with Post.
type ControlAPI struct {
	snapshot atomic.Pointer[api.StatusReport]
	post     func(func())
	signal   func(unix.Signal) error
	done     <-chan struct{}
}

// NewControlAPI wires a controller to a reactor's Post and a signal function
// that must only be called on the reactor goroutine. done is closed once the
// reactor stops running.
func NewControlAPI(post func(func()), signal func(unix.Signal) error, done <-chan struct{}) *ControlAPI {
	if post == nil || signal == nil {
		return nil
	}
	return &ControlAPI{post: post, signal: signal, done: done}
}

// Status returns the latest snapshot.
func (c *ControlAPI) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	report := c.snapshot.Load()
	if report == nil {
		return nil, api.ErrNotStarted
	}
	out := *report
	out.Streams = append([]api.StreamReport(nil), report.Streams...)
	out.GeneratedAt = time.Now()
	return &out, nil
}

// Signal delivers the named signal to the subprocess group.
func (c *ControlAPI) Signal(ctx stdcontext.Context, name string) (*api.SignalResult, error) {
	sig, err := parseSignal(name)
	if err != nil {
		return nil, err
	}
	if c.snapshot.Load() == nil {
		return nil, api.ErrNotStarted
	}
	if ctx == nil {
		ctx = stdcontext.Background()
	}

	result := make(chan error, 1)
	c.post(func() { result <- c.signal(sig) })

	select {
	case err = <-result:
	case <-c.done:
		return nil, fmt.Errorf("%w: reactor stopped", api.ErrNotRunning)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if errors.Is(err, subprocess.ErrNotRunning) {
		return nil, fmt.Errorf("%w: %v", api.ErrNotRunning, err)
	}
	if err != nil {
		return nil, err
	}
	pid := 0
	if report := c.snapshot.Load(); report != nil {
		pid = report.PID
	}
	return &api.SignalResult{Signal: unix.SignalName(sig), PID: pid, SentAt: time.Now()}, nil
}

func (c *ControlAPI) publish(report *api.StatusReport) {
	c.snapshot.Store(report)
}

// parseSignal accepts TERM, SIGTERM, sigterm or 15.
func parseSignal(name string) (unix.Signal, error) {
	name = strings.TrimSpace(name)
	if n, err := strconv.Atoi(name); err == nil {
		sig := unix.Signal(n)
		if n <= 0 || unix.SignalName(sig) == "" {
			return 0, fmt.Errorf("%w: %s", api.ErrUnknownSignal, name)
		}
		return sig, nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("%w: %s", api.ErrUnknownSignal, name)
	}
	return sig, nil
}

// statusReport snapshots p. It must run on the reactor goroutine.
func statusReport(p *subprocess.Subprocess, bytesRead map[string]int64) *api.StatusReport {
	report := &api.StatusReport{
		ID:          p.ID(),
		PID:         p.PID(),
		Command:     p.Command().String(),
		State:       p.State().String(),
		TimedOut:    p.TimedOut(),
		Completed:   p.Completed(),
		StartedAt:   p.StartTime(),
		GeneratedAt: time.Now(),
	}
	if p.State().Terminal() {
		if code := p.ExitCode(); code >= 0 {
			report.ExitCode = &code
		}
		report.Signal = int(p.Signal())
		ended := p.EndTime()
		report.EndedAt = &ended
	}
	for _, name := range p.Streams() {
		dir, err := p.StreamDirection(name)
		if err != nil {
			continue
		}
		sr := api.StreamReport{Name: name, Direction: dir.String(), BytesRead: bytesRead[name]}
		if n, err := p.Buffered(name); err == nil {
			sr.Buffered = n
		}
		if closed, err := p.ReadClosed(name); err == nil {
			sr.ReadClosed = closed
		}
		if closed, err := p.WriteClosed(name); err == nil {
			sr.WriteClosed = closed
		}
		report.Streams = append(report.Streams, sr)
	}
	return report
}

var _ api.Controller = (*ControlAPI)(nil)
