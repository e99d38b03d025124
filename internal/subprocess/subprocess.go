//go:build linux

package subprocess

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/subproc/internal/metrics"
	"github.com/Paintersrp/subproc/internal/reactor"
)

var newline = []byte{'\n'}

// Subprocess is a spawned child and the parent side of its streams. It is
// driven entirely by the reactor it was created with and, like the reactor,
// must only be used from the loop goroutine.
type Subprocess struct {
	id      string
	loop    reactor.Loop
	cmd     *Command
	handler Handler
	log     zerolog.Logger

	pid     int
	state   State
	status  unix.WaitStatus
	reaped  bool
	forced  bool
	started time.Time
	ended   time.Time

	streams map[string]*stream
	order   []string

	child      reactor.Watcher
	timeout    reactor.Watcher
	grace      reactor.Watcher
	timedOut   bool
	completed  bool
	destroyed  bool
	depth      int
	destroyReq bool
}

// ID is a unique identifier attached to every log record of the subprocess.
func (p *Subprocess) ID() string { return p.id }

func (p *Subprocess) PID() int { return p.pid }

func (p *Subprocess) State() State { return p.state }

// Command returns a copy of the descriptor the child was spawned from.
func (p *Subprocess) Command() *Command { return p.cmd.clone() }

// WaitStatus is the raw status collected when the child was reaped.
func (p *Subprocess) WaitStatus() unix.WaitStatus { return p.status }

// ExitCode is the child's exit status, or -1 if it has not exited normally.
func (p *Subprocess) ExitCode() int {
	if !p.reaped || !p.status.Exited() {
		return -1
	}
	return p.status.ExitStatus()
}

// Signal is the signal that terminated the child, or 0.
func (p *Subprocess) Signal() unix.Signal {
	if !p.reaped || !p.status.Signaled() {
		return 0
	}
	return p.status.Signal()
}

// TimedOut reports whether the exit timeout fired.
func (p *Subprocess) TimedOut() bool { return p.timedOut }

// Completed reports whether OnCompletion has been delivered.
func (p *Subprocess) Completed() bool { return p.completed }

// StartTime is when the child was forked.
func (p *Subprocess) StartTime() time.Time { return p.started }

// EndTime is when the child was reaped, or the zero time.
func (p *Subprocess) EndTime() time.Time { return p.ended }

// Streams returns the stream names: stdin, stdout, stderr, then channels.
func (p *Subprocess) Streams() []string {
	return append([]string(nil), p.order...)
}

// Kill sends sig to the child's process group. The subprocess ends in
// StateFailed once reaped.
func (p *Subprocess) Kill(sig unix.Signal) error {
	if p.destroyed || p.reaped || p.pid <= 0 {
		return ErrNotRunning
	}
	p.forced = true
	return p.signalGroup(sig)
}

func (p *Subprocess) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	return nil
}

// Destroy releases every descriptor and watcher owned by the subprocess.
// It does not signal the child. Called from a handler, the teardown is
// deferred until the outermost handler returns. Destroy is idempotent.
func (p *Subprocess) Destroy() {
	if p.destroyed {
		return
	}
	if p.depth > 0 {
		p.destroyReq = true
		return
	}
	p.destroyed = true
	if !p.reaped {
		metrics.ObserveDetach()
	}
	p.stopTimers()
	if p.child != nil {
		p.child.Stop()
		p.child = nil
	}
	for _, name := range p.order {
		s := p.streams[name]
		if len(s.queue) > 0 {
			p.log.Debug().Str("stream", name).Int("bytes", len(s.queue)).Msg("discarding queued input on destroy")
		}
		s.queue = nil
		s.writeClosed = true
		s.writeDone = true
		if err := s.release(); err != nil {
			p.log.Debug().Err(err).Str("stream", name).Msg("close stream")
		}
	}
}

// dispatch runs fn as a handler context. Destroy requests made inside it
// take effect when the outermost context unwinds.
func (p *Subprocess) dispatch(fn func()) {
	if p.destroyed {
		return
	}
	p.depth++
	fn()
	p.depth--
	if p.depth == 0 && p.destroyReq {
		p.destroyReq = false
		p.Destroy()
	}
}

func (p *Subprocess) onReady(s *stream) reactor.FDFunc {
	return func(ready reactor.Events) {
		p.dispatch(func() {
			if ready&reactor.Writable != 0 {
				p.handleWritable(s)
			}
			if ready&reactor.Readable != 0 && !p.destroyReq {
				p.handleReadable(s)
			}
		})
	}
}

func (p *Subprocess) handleReadable(s *stream) {
	if s.fd < 0 || s.eof {
		return
	}
	n, err := s.fill()
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		serr := &StreamError{Stream: s.name, Op: "read", Err: err}
		p.log.Error().Err(serr).Str("stream", s.name).Msg("stream read failed")
		p.markEOF(s)
		p.handler.OnException(p, serr)
		p.handler.OnOutput(p, s.name)
		p.maybeComplete()
		return
	case n == 0:
		p.markEOF(s)
		p.handler.OnOutput(p, s.name)
		p.maybeComplete()
		return
	}

	metrics.AddStreamBytes(s.name, "read", n)
	if !s.cfg.lineBuffer {
		p.handler.OnOutput(p, s.name)
		return
	}
	for i := bytes.Count(s.chunk[:n], newline); i > 0; i-- {
		if p.destroyReq {
			return
		}
		p.handler.OnOutput(p, s.name)
	}
}

func (p *Subprocess) handleWritable(s *stream) {
	if s.fd < 0 || s.writeDone {
		return
	}
	if len(s.queue) > 0 {
		n, err := s.flush()
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return
		case err != nil:
			serr := &StreamError{Stream: s.name, Op: "write", Err: err}
			p.log.Error().Err(serr).Str("stream", s.name).Msg("stream write failed")
			if cerr := s.finishWrite(); cerr != nil {
				p.log.Debug().Err(cerr).Str("stream", s.name).Msg("close stream")
			}
			p.update(s)
			p.handler.OnException(p, serr)
			return
		}
		metrics.AddStreamBytes(s.name, "write", n)
	}
	if len(s.queue) == 0 && s.writeClosed {
		if err := s.finishWrite(); err != nil {
			p.log.Debug().Err(err).Str("stream", s.name).Msg("close stream")
		}
	}
	p.update(s)
}

func (p *Subprocess) markEOF(s *stream) {
	s.eof = true
	p.update(s)
}

// update reconciles the stream's watcher with its state and releases the
// descriptor once both directions are finished.
func (p *Subprocess) update(s *stream) {
	if s.terminal() {
		if err := s.release(); err != nil {
			p.log.Debug().Err(err).Str("stream", s.name).Msg("close stream")
		}
		return
	}
	if s.watcher == nil {
		return
	}
	if err := s.watcher.SetEvents(s.interest()); err != nil {
		p.log.Warn().Err(err).Str("stream", s.name).Msg("update stream interest")
	}
}

func (p *Subprocess) onChildExit(status unix.WaitStatus, err error) {
	p.dispatch(func() {
		p.child = nil
		p.reaped = true
		p.status = status
		p.ended = time.Now()
		p.stopTimers()

		next := StateExited
		if p.forced || err != nil {
			next = StateFailed
		}
		ev := p.log.Info()
		if err != nil {
			ev = p.log.Error().Err(err)
		}
		ev.Str("state", next.String()).
			Int("exit_code", p.ExitCode()).
			Int("signal", int(p.Signal())).
			Dur("runtime", p.ended.Sub(p.started)).
			Msg("subprocess reaped")
		metrics.ObserveExit(next.String(), p.ended.Sub(p.started))

		// Nobody can read input any more.
		for _, name := range p.order {
			s := p.streams[name]
			if s.dir != DirIn || s.writeDone {
				continue
			}
			if len(s.queue) > 0 {
				p.log.Warn().Str("stream", name).Int("bytes", len(s.queue)).Msg("dropping unwritten input")
			}
			if cerr := s.finishWrite(); cerr != nil {
				p.log.Debug().Err(cerr).Str("stream", name).Msg("close stream")
			}
			p.update(s)
		}

		p.state = next
		p.notifyState(next)
		p.maybeComplete()
	})
}

func (p *Subprocess) notifyState(state State) {
	if sh, ok := p.handler.(StateHandler); ok {
		sh.OnStateChange(p, state)
	}
}

// maybeComplete delivers OnCompletion once the child is reaped and all
// readable streams are at EOF. Remaining descriptors are released first so
// the loop can go idle.
func (p *Subprocess) maybeComplete() {
	if p.completed || !p.state.Terminal() || p.destroyReq {
		return
	}
	for _, name := range p.order {
		s := p.streams[name]
		if s.dir.readable() && !s.eof {
			return
		}
	}
	p.completed = true
	for _, name := range p.order {
		s := p.streams[name]
		s.queue = nil
		s.writeClosed = true
		s.writeDone = true
		if err := s.release(); err != nil {
			p.log.Debug().Err(err).Str("stream", name).Msg("close stream")
		}
	}
	p.log.Debug().Msg("subprocess complete")
	p.handler.OnCompletion(p)
}

func (p *Subprocess) armTimeout() {
	d := p.cmd.exitTimeout
	if d <= 0 {
		return
	}
	p.timeout = p.loop.AfterFunc(d, func() {
		p.dispatch(func() {
			p.timeout = nil
			if p.reaped {
				return
			}
			p.timedOut = true
			p.forced = true
			grace := p.cmd.KillGrace()
			p.log.Warn().Dur("timeout", d).Dur("kill_grace", grace).Msg("exit timeout exceeded, terminating")
			metrics.IncExitTimeout()
			if err := p.signalGroup(unix.SIGTERM); err != nil {
				p.log.Warn().Err(err).Msg("terminate subprocess")
			}
			p.grace = p.loop.AfterFunc(grace, func() {
				p.dispatch(func() {
					p.grace = nil
					if p.reaped {
						return
					}
					if err := p.signalGroup(unix.SIGKILL); err != nil {
						p.log.Warn().Err(err).Msg("kill subprocess")
					}
				})
			})
			p.handler.OnException(p, fmt.Errorf("%w after %s", ErrExitTimeout, d))
		})
	})
}

func (p *Subprocess) stopTimers() {
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
}
