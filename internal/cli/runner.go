package cli

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	apihttp "github.com/Paintersrp/subproc/internal/api/http"
	"github.com/Paintersrp/subproc/internal/cliutil"
	"github.com/Paintersrp/subproc/internal/logmux"
	"github.com/Paintersrp/subproc/internal/reactor"
	"github.com/Paintersrp/subproc/internal/subprocess"
	"github.com/Paintersrp/subproc/internal/tui"
)

// maxLine bounds how much unterminated output is held before it is emitted
// as a partial line.
const maxLine = 64 * 1024

// runner drives one subprocess on a reactor and renders its output. All
// handler methods run on the reactor goroutine.
type runner struct {
	log    zerolog.Logger
	stdout io.Writer
	stderr io.Writer
	enc    *json.Encoder
	events *logmux.Mux
	redact *cliutil.Redactor

	loop    *reactor.Reactor
	proc    *subprocess.Subprocess
	control *ControlAPI
	done    chan struct{}

	pending   map[string][]byte
	bytesRead map[string]int64
	closed    map[string]bool
	stopping  bool
	escalate  reactor.Watcher
}

type runnerConfig struct {
	Logger zerolog.Logger
	Stdout io.Writer
	Stderr io.Writer
	JSON   bool
	Events *logmux.Mux
}

func newRunner(cfg runnerConfig) (*runner, error) {
	loop, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("create reactor: %w", err)
	}
	r := &runner{
		log:       cfg.Logger,
		stdout:    cfg.Stdout,
		stderr:    cfg.Stderr,
		events:    cfg.Events,
		loop:      loop,
		done:      make(chan struct{}),
		pending:   make(map[string][]byte),
		bytesRead: make(map[string]int64),
		closed:    make(map[string]bool),
	}
	if cfg.JSON {
		r.enc = json.NewEncoder(cfg.Stdout)
	}
	r.control = NewControlAPI(loop.Post, r.signal, r.done)
	return r, nil
}

// serveControl starts the status and metrics server. The returned function
// shuts it down and reports any serve error.
func (r *runner) serveControl(ctx stdcontext.Context, addr string) (func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server, err := apihttp.NewServer(apihttp.Config{Addr: addr, Controller: r.control, Listener: ln})
	if err != nil {
		ln.Close()
		return nil, err
	}
	serverCtx, cancel := stdcontext.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()
	r.log.Info().Str("addr", server.Addr()).Msg("control API listening")
	return func() error {
		cancel()
		return <-errCh
	}, nil
}

// run spawns cmd, feeds input to its stdin and runs the reactor until the
// subprocess completes. Cancelling ctx forwards a termination to the child.
func (r *runner) run(ctx stdcontext.Context, cmd *subprocess.Command, input runInput) (*subprocess.Subprocess, error) {
	defer r.loop.Close()

	r.redact = cliutil.NewRedactor(cmd.Env())
	p, err := subprocess.Exec(r.loop, cmd, r, subprocess.WithLogger(r.log))
	if err != nil {
		close(r.done)
		return nil, err
	}
	r.proc = p
	r.publish()
	r.feed(p, input)

	go func() {
		select {
		case <-ctx.Done():
			r.loop.Post(r.terminate)
		case <-r.done:
		}
	}()

	err = r.loop.Run()
	close(r.done)
	if err != nil {
		return p, fmt.Errorf("reactor: %w", err)
	}
	if !p.Completed() {
		return p, errors.New("reactor stopped before the subprocess completed")
	}
	return p, nil
}

// runInput is what gets written to the child's stdin. Data is queued at
// once; Reader is pumped from a goroutine. With neither, stdin is closed
// immediately.
type runInput struct {
	Data   []byte
	Reader io.Reader
}

func (r *runner) feed(p *subprocess.Subprocess, in runInput) {
	if len(in.Data) > 0 {
		if _, err := p.Write(subprocess.StreamStdin, in.Data); err != nil {
			r.log.Warn().Err(err).Msg("write stdin")
		}
	}
	if in.Reader == nil {
		r.closeStdin()
		return
	}
	input := in.Reader
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := input.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				r.loop.Post(func() {
					if _, werr := r.proc.Write(subprocess.StreamStdin, chunk); werr != nil {
						r.log.Debug().Err(werr).Msg("write stdin")
					}
				})
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.log.Warn().Err(err).Msg("read input")
				}
				r.loop.Post(r.closeStdin)
				return
			}
		}
	}()
}

func (r *runner) closeStdin() {
	if err := r.proc.Close(subprocess.StreamStdin); err != nil {
		r.log.Debug().Err(err).Msg("close stdin")
	}
}

// terminate sends SIGTERM and escalates to SIGKILL after the kill grace.
func (r *runner) terminate() {
	p := r.proc
	if p == nil || p.State() != subprocess.StateRunning || r.stopping {
		return
	}
	r.stopping = true
	r.log.Info().Int("pid", p.PID()).Msg("forwarding termination")
	if err := p.Kill(unix.SIGTERM); err != nil {
		r.log.Warn().Err(err).Msg("terminate subprocess")
		return
	}
	r.escalate = r.loop.AfterFunc(p.Command().KillGrace(), func() {
		r.escalate = nil
		if p.State() == subprocess.StateRunning {
			_ = p.Kill(unix.SIGKILL)
		}
	})
}

// stopEscalation cancels a pending SIGKILL once the child has been reaped,
// so the pending timer does not keep the loop alive.
func (r *runner) stopEscalation() {
	if r.escalate != nil {
		r.escalate.Stop()
		r.escalate = nil
	}
}

func (r *runner) signal(sig unix.Signal) error {
	if r.proc == nil {
		return subprocess.ErrNotRunning
	}
	return r.proc.Kill(sig)
}

func (r *runner) publish() {
	r.control.publish(statusReport(r.proc, r.bytesRead))
}

func (r *runner) OnOutput(p *subprocess.Subprocess, stream string) {
	defer r.publish()
	data, err := p.Read(stream, -1)
	if err != nil {
		r.log.Warn().Err(err).Str("stream", stream).Msg("read stream")
		return
	}
	r.bytesRead[stream] += int64(len(data))
	buf := append(r.pending[stream], data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		r.emit(p, stream, buf[:i+1])
		buf = buf[i+1:]
	}
	eof, _ := p.ReadClosed(stream)
	if len(buf) > 0 && (eof || len(buf) >= maxLine) {
		r.emit(p, stream, buf)
		buf = nil
	}
	if len(buf) == 0 {
		delete(r.pending, stream)
	} else {
		r.pending[stream] = append([]byte(nil), buf...)
	}
	if eof && !r.closed[stream] {
		r.closed[stream] = true
		r.send(tui.Event{Kind: tui.EventClosed, Stream: stream})
	}
}

func (r *runner) emit(p *subprocess.Subprocess, stream string, line []byte) {
	switch {
	case r.events != nil:
		dir, _ := p.StreamDirection(stream)
		r.send(tui.Event{
			Kind:      tui.EventOutput,
			Stream:    stream,
			Direction: dir.String(),
			Record:    cliutil.NewOutputRecord(p.ID(), p.PID(), stream, line, r.redact),
		})
	case r.enc != nil:
		cliutil.Encode(r.enc, r.stderr, cliutil.NewOutputRecord(p.ID(), p.PID(), stream, line, r.redact))
	case stream == subprocess.StreamStdout:
		_, _ = r.stdout.Write(line)
	case stream == subprocess.StreamStderr:
		_, _ = r.stderr.Write(line)
	default:
		text := string(line)
		if !bytes.HasSuffix(line, []byte{'\n'}) {
			text += "\n"
		}
		fmt.Fprintf(r.stdout, "[%s] %s", stream, text)
	}
}

func (r *runner) OnStateChange(p *subprocess.Subprocess, state subprocess.State) {
	if state.Terminal() {
		r.stopEscalation()
	}
	r.log.Debug().Str("state", state.String()).Int("pid", p.PID()).Msg("state change")
	r.send(tui.Event{Kind: tui.EventState, State: state.String()})
	r.publish()
}

func (r *runner) OnException(p *subprocess.Subprocess, err error) {
	r.log.Warn().Err(err).Int("pid", p.PID()).Msg("subprocess exception")
	r.send(tui.Event{Kind: tui.EventException, Message: "exception", Err: err})
	r.publish()
}

func (r *runner) OnCompletion(p *subprocess.Subprocess) {
	r.stopEscalation()
	r.publish()
	duration := p.EndTime().Sub(p.StartTime())
	if r.enc != nil {
		cliutil.Encode(r.enc, r.stderr, cliutil.ExitRecord{
			Timestamp:  time.Now(),
			Subprocess: p.ID(),
			PID:        p.PID(),
			Command:    r.redact.Redact(p.Command().String()),
			State:      p.State().String(),
			ExitCode:   p.ExitCode(),
			Signal:     int(p.Signal()),
			TimedOut:   p.TimedOut(),
			DurationMS: duration.Milliseconds(),
		})
	}
	msg := fmt.Sprintf("exit code %d", p.ExitCode())
	if sig := p.Signal(); sig != 0 {
		msg = "killed by " + unix.SignalName(sig)
	}
	r.send(tui.Event{Kind: tui.EventState, State: p.State().String(), Message: msg})
	r.log.Info().
		Str("state", p.State().String()).
		Int("exit_code", p.ExitCode()).
		Dur("duration", duration).
		Msg("subprocess complete")
}

func (r *runner) send(evt tui.Event) {
	if r.events == nil {
		return
	}
	evt.Timestamp = time.Now()
	r.events.Send(evt)
}
