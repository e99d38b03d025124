//go:build linux

package subprocess

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/subproc/internal/reactor"
)

type recorder struct {
	t           *testing.T
	data        map[string]*bytes.Buffer
	outputs     map[string]int
	completions int
	exceptions  []error
	states      []State
	raw         bool
	onOutput    func(p *Subprocess, stream string)
	onState     func(p *Subprocess, state State)
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{t: t, data: make(map[string]*bytes.Buffer), outputs: make(map[string]int), raw: true}
}

func (r *recorder) OnOutput(p *Subprocess, stream string) {
	r.outputs[stream]++
	if r.onOutput != nil {
		r.onOutput(p, stream)
		return
	}
	if !r.raw {
		return
	}
	data, err := p.Read(stream, -1)
	if err != nil {
		r.t.Errorf("read %s: %v", stream, err)
		return
	}
	r.buffer(stream).Write(data)
}

func (r *recorder) OnCompletion(p *Subprocess) { r.completions++ }

func (r *recorder) OnException(p *Subprocess, err error) { r.exceptions = append(r.exceptions, err) }

func (r *recorder) OnStateChange(p *Subprocess, state State) {
	r.states = append(r.states, state)
	if r.onState != nil {
		r.onState(p, state)
	}
}

func (r *recorder) buffer(stream string) *bytes.Buffer {
	b, ok := r.data[stream]
	if !ok {
		b = &bytes.Buffer{}
		r.data[stream] = b
	}
	return b
}

func (r *recorder) output(stream string) string {
	return r.buffer(stream).String()
}

func newLoop(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func runLoop(t *testing.T, r *reactor.Reactor) {
	t.Helper()
	guard := time.AfterFunc(10*time.Second, func() {
		r.Stop()
	})
	defer guard.Stop()
	start := time.Now()
	if err := r.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) >= 10*time.Second {
		t.Fatalf("reactor did not go idle")
	}
}

func command(t *testing.T, argv ...string) *Command {
	t.Helper()
	cmd, err := NewCommand(argv, nil)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	return cmd
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot inspect /proc/self/fd: %v", err)
	}
	return len(entries)
}

func TestExecCatRoundTrip(t *testing.T) {
	loop := newLoop(t)
	rec := newRecorder(t)
	p, err := Exec(loop, command(t, "cat"), rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if p.State() != StateRunning {
		t.Fatalf("state after Exec = %s", p.State())
	}
	if _, err := p.Write(StreamStdin, []byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := p.Write(StreamStdin, []byte("world\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Close(StreamStdin); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(StreamStdin); err != nil {
		t.Fatalf("second close: %v", err)
	}
	runLoop(t, loop)

	if got := rec.output(StreamStdout); got != "hello\nworld\n" {
		t.Fatalf("stdout = %q", got)
	}
	if p.State() != StateExited || p.ExitCode() != 0 || p.Signal() != 0 {
		t.Fatalf("state=%s exit=%d signal=%d", p.State(), p.ExitCode(), p.Signal())
	}
	if rec.completions != 1 {
		t.Fatalf("completions = %d", rec.completions)
	}
	if len(rec.exceptions) != 0 {
		t.Fatalf("unexpected exceptions %v", rec.exceptions)
	}
	if closed, _ := p.ReadClosed(StreamStdout); !closed {
		t.Fatalf("stdout not at EOF")
	}
	p.Destroy()
	p.Destroy()
}

func TestNoHandlerCallsBeforeExecReturns(t *testing.T) {
	loop := newLoop(t)
	returned := false
	rec := newRecorder(t)
	rec.onState = func(p *Subprocess, state State) {
		if !returned {
			t.Errorf("state change %s delivered inside Exec", state)
		}
	}
	if _, err := Exec(loop, command(t, "true"), rec); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	returned = true
	runLoop(t, loop)
	if len(rec.states) != 2 || rec.states[0] != StateRunning || rec.states[1] != StateExited {
		t.Fatalf("unexpected state sequence %v", rec.states)
	}
}

func TestTrueWithAllBufsizes(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "true")
	if err := cmd.AddChannel("TEST_CHANNEL"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	for _, key := range []string{"stdin_BUFSIZE", "stdout_BUFSIZE", "stderr_BUFSIZE", "TEST_CHANNEL_BUFSIZE"} {
		if err := cmd.SetOpt(key, "1024"); err != nil {
			t.Fatalf("SetOpt(%s): %v", key, err)
		}
	}
	rec := newRecorder(t)
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if p.State() != StateExited || p.ExitCode() != 0 {
		t.Fatalf("state=%s exit=%d", p.State(), p.ExitCode())
	}
	if rec.completions != 1 {
		t.Fatalf("completions = %d", rec.completions)
	}
	if rec.outputs[StreamStdout] != 1 || rec.outputs[StreamStderr] != 1 {
		t.Fatalf("expected one EOF callback per stream, got %v", rec.outputs)
	}
}

func TestInvalidBufsizeFailsSpawn(t *testing.T) {
	loop := newLoop(t)
	warm, err := Exec(loop, command(t, "true"), nil)
	if err != nil {
		t.Fatalf("warm-up Exec: %v", err)
	}
	runLoop(t, loop)
	warm.Destroy()

	before := openFDs(t)
	cmd := command(t, "true")
	if err := cmd.SetOpt("stdout_BUFSIZE", "ABCD"); err != nil {
		t.Fatalf("SetOpt: %v", err)
	}
	_, err = Exec(loop, cmd, nil)
	if err == nil {
		t.Fatalf("expected spawn error")
	}
	if !errors.Is(err, unix.EINVAL) || !errors.Is(err, ErrInvalidArgument) || !errors.Is(err, ErrSpawn) {
		t.Fatalf("unexpected error %v", err)
	}
	var serr *SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SpawnError, got %T", err)
	}
	if after := openFDs(t); after != before {
		t.Fatalf("descriptor count changed from %d to %d", before, after)
	}
}

func TestExecFailureAfterPipesLeaksNothing(t *testing.T) {
	loop := newLoop(t)
	warm, err := Exec(loop, command(t, "true"), nil)
	if err != nil {
		t.Fatalf("warm-up Exec: %v", err)
	}
	runLoop(t, loop)
	warm.Destroy()

	before := openFDs(t)
	for i := 0; i < 3; i++ {
		cmd := command(t, "/bin/true")
		cmd.SetDir(filepath.Join(t.TempDir(), "nonexistent"))
		if err := cmd.AddChannel("CH"); err != nil {
			t.Fatalf("AddChannel: %v", err)
		}
		_, err := Exec(loop, cmd, nil)
		var serr *SpawnError
		if !errors.As(err, &serr) || serr.Op != "exec" || !errors.Is(err, unix.ENOENT) {
			t.Fatalf("expected exec-stage ENOENT, got %v", err)
		}
	}
	if after := openFDs(t); after != before {
		t.Fatalf("descriptor count changed from %d to %d", before, after)
	}
}

func TestMissingExecutable(t *testing.T) {
	loop := newLoop(t)
	for _, name := range []string{"/nonexistent/subproc-test", "subproc-test-no-such-command"} {
		_, err := Exec(loop, command(t, name), nil)
		if !errors.Is(err, unix.ENOENT) || !errors.Is(err, ErrSpawn) {
			t.Fatalf("Exec(%s): expected ENOENT spawn error, got %v", name, err)
		}
	}
}

func TestExecNilArguments(t *testing.T) {
	if _, err := Exec(nil, command(t, "true"), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil loop, got %v", err)
	}
	if _, err := Exec(newLoop(t), nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil command, got %v", err)
	}
}

func TestNoDescriptorLeak(t *testing.T) {
	loop := newLoop(t)
	warm, err := Exec(loop, command(t, "true"), nil)
	if err != nil {
		t.Fatalf("warm-up Exec: %v", err)
	}
	runLoop(t, loop)
	warm.Destroy()

	before := openFDs(t)
	for i := 0; i < 5; i++ {
		cmd := command(t, "sh", "-c", `echo out; echo err >&2; cat <&"$CH" >&"$CH"`)
		if err := cmd.AddChannel("CH"); err != nil {
			t.Fatalf("AddChannel: %v", err)
		}
		rec := newRecorder(t)
		p, err := Exec(loop, cmd, rec)
		if err != nil {
			t.Fatalf("Exec: %v", err)
		}
		if _, err := p.Write("CH", []byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := p.Close("CH"); err != nil {
			t.Fatalf("close: %v", err)
		}
		runLoop(t, loop)
		if rec.completions != 1 {
			t.Fatalf("iteration %d: completions = %d", i, rec.completions)
		}
		p.Destroy()
	}
	if after := openFDs(t); after != before {
		t.Fatalf("descriptor count changed from %d to %d", before, after)
	}
}

func TestLineBufferDeliversEachLineOnce(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `printf 'one\ntwo\nthree\n'; printf 'four\n'`)
	if err := cmd.SetOpt("stdout_LINE_BUFFER", "true"); err != nil {
		t.Fatalf("SetOpt: %v", err)
	}
	var lines []string
	rec := newRecorder(t)
	rec.onOutput = func(p *Subprocess, stream string) {
		line, ok, err := p.ReadTrimmedLine(stream)
		if err != nil {
			t.Errorf("read line: %v", err)
			return
		}
		if ok {
			lines = append(lines, line)
			return
		}
		if closed, _ := p.ReadClosed(stream); !closed {
			t.Errorf("%s callback without a complete line", stream)
		}
	}
	if _, err := Exec(loop, cmd, rec); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if got := strings.Join(lines, ","); got != "one,two,three,four" {
		t.Fatalf("lines = %q", got)
	}
	if rec.completions != 1 {
		t.Fatalf("completions = %d", rec.completions)
	}
}

func TestMultipleLinesRaw(t *testing.T) {
	loop := newLoop(t)
	rec := newRecorder(t)
	var got strings.Builder
	rec.onOutput = func(p *Subprocess, stream string) {
		for {
			line, err := p.ReadLine(stream)
			if err != nil {
				t.Errorf("read line: %v", err)
				return
			}
			if len(line) == 0 {
				return
			}
			if stream == StreamStdout {
				got.Write(line)
			}
		}
	}
	p, err := Exec(loop, command(t, "sh", "-c", `for i in 1 2 3 4 5; do echo "line $i"; done`), rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	want := "line 1\nline 2\nline 3\nline 4\nline 5\n"
	if got.String() != want {
		t.Fatalf("stdout = %q, want %q", got.String(), want)
	}
	if n, _ := p.Buffered(StreamStdout); n != 0 {
		t.Fatalf("%d bytes left in buffer", n)
	}
}

func TestSmallBufsizeIsByteExact(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `printf 'hello world\n'`)
	if err := cmd.SetOpt("stdout_BUFSIZE", "1"); err != nil {
		t.Fatalf("SetOpt: %v", err)
	}
	rec := newRecorder(t)
	if _, err := Exec(loop, cmd, rec); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if got := rec.output(StreamStdout); got != "hello world\n" {
		t.Fatalf("stdout = %q", got)
	}
	// One callback per byte plus the EOF callback.
	if rec.outputs[StreamStdout] != len("hello world\n")+1 {
		t.Fatalf("stdout callbacks = %d", rec.outputs[StreamStdout])
	}
}

func TestEOFNewline(t *testing.T) {
	for _, tc := range []struct {
		opt  string
		want string
	}{
		{"", "partial"},
		{"true", "partial\n"},
	} {
		loop := newLoop(t)
		cmd := command(t, "sh", "-c", `printf partial`)
		if tc.opt != "" {
			_ = cmd.SetOpt("stdout_EOF_NEWLINE", tc.opt)
		}
		var got []byte
		rec := newRecorder(t)
		rec.onOutput = func(p *Subprocess, stream string) {
			if stream != StreamStdout {
				return
			}
			line, _ := p.ReadLine(stream)
			closed, _ := p.ReadClosed(stream)
			if !closed && len(line) != 0 {
				t.Errorf("partial line returned before EOF: %q", line)
			}
			got = append(got, line...)
		}
		if _, err := Exec(loop, cmd, rec); err != nil {
			t.Fatalf("Exec: %v", err)
		}
		runLoop(t, loop)
		if string(got) != tc.want {
			t.Fatalf("EOF_NEWLINE=%q: got %q, want %q", tc.opt, got, tc.want)
		}
	}
}

func TestChannelToStdout(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `read line <&"$TEST_CHANNEL"; echo "$line"`)
	if err := cmd.AddChannel("TEST_CHANNEL"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	rec := newRecorder(t)
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if v, ok := p.Command().GetEnv("TEST_CHANNEL"); ok {
		t.Fatalf("descriptor variable leaked into the descriptor copy: %q", v)
	}
	if _, err := p.Write("TEST_CHANNEL", []byte("foobar")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Close("TEST_CHANNEL"); err != nil {
		t.Fatalf("close: %v", err)
	}
	runLoop(t, loop)
	if got := rec.output(StreamStdout); got != "foobar\n" {
		t.Fatalf("stdout = %q", got)
	}
	if rec.completions != 1 {
		t.Fatalf("completions = %d", rec.completions)
	}
	if closed, _ := p.WriteClosed("TEST_CHANNEL"); !closed {
		t.Fatalf("channel write side not closed")
	}
}

func TestChannelEcho(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `cat <&"$TEST_CHANNEL" >&"$TEST_CHANNEL"`)
	if err := cmd.AddChannel("TEST_CHANNEL"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	rec := newRecorder(t)
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	_, _ = p.Write("TEST_CHANNEL", []byte("ping\n"))
	_, _ = p.Write("TEST_CHANNEL", []byte("pong\n"))
	_ = p.Close("TEST_CHANNEL")
	if _, err := p.Write("TEST_CHANNEL", []byte("late")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument writing after close, got %v", err)
	}
	runLoop(t, loop)
	if got := rec.output("TEST_CHANNEL"); got != "ping\npong\n" {
		t.Fatalf("channel = %q", got)
	}
	if p.State() != StateExited || p.ExitCode() != 0 {
		t.Fatalf("state=%s exit=%d", p.State(), p.ExitCode())
	}
}

func TestOutputChannel(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `echo hi >&"$LOG_FD"`)
	if err := cmd.AddOutputChannel("LOG_FD"); err != nil {
		t.Fatalf("AddOutputChannel: %v", err)
	}
	rec := newRecorder(t)
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if _, err := p.Write("LOG_FD", []byte("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument writing an output channel, got %v", err)
	}
	if err := p.Close("LOG_FD"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument closing an output channel, got %v", err)
	}
	runLoop(t, loop)
	if got := rec.output("LOG_FD"); got != "hi\n" {
		t.Fatalf("channel = %q", got)
	}
	if got := strings.Join(p.Streams(), ","); got != "stdin,stdout,stderr,LOG_FD" {
		t.Fatalf("streams = %q", got)
	}
}

func TestCloseBeforeChildFinishesDeliversEverything(t *testing.T) {
	loop := newLoop(t)
	rec := newRecorder(t)
	p, err := Exec(loop, command(t, "cat"), rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	if _, err := p.Write(StreamStdin, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Close(StreamStdin); err != nil {
		t.Fatalf("close: %v", err)
	}
	runLoop(t, loop)
	if !bytes.Equal(rec.buffer(StreamStdout).Bytes(), payload) {
		t.Fatalf("stdout mismatch: got %d bytes, want %d", rec.buffer(StreamStdout).Len(), len(payload))
	}
	if closed, _ := p.WriteClosed(StreamStdin); !closed {
		t.Fatalf("stdin not closed")
	}
}

func TestStreamOperationErrors(t *testing.T) {
	loop := newLoop(t)
	p, err := Exec(loop, command(t, "true"), nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	defer func() {
		runLoop(t, loop)
		p.Destroy()
	}()
	if _, err := p.Read("nope", -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Read unknown: %v", err)
	}
	if _, err := p.Read(StreamStdin, -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Read stdin: %v", err)
	}
	if _, err := p.ReadLine(StreamStdin); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ReadLine stdin: %v", err)
	}
	if _, err := p.Write(StreamStdout, []byte("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Write stdout: %v", err)
	}
	if err := p.Close(StreamStderr); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Close stderr: %v", err)
	}
	if _, err := p.ReadClosed("nope"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ReadClosed unknown: %v", err)
	}
	data, err := p.Read(StreamStdout, 10)
	if err != nil || len(data) != 0 {
		t.Fatalf("Read on empty buffer: %q, %v", data, err)
	}
}

func TestEnvironmentAndWorkingDirectory(t *testing.T) {
	loop := newLoop(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	cmd, err := NewCommand([]string{"/bin/sh", "-c", `echo "$FOO:$(pwd)"`}, []string{"FOO=bar", "PATH=" + os.Getenv("PATH")})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	cmd.SetDir(dir)
	rec := newRecorder(t)
	if _, err := Exec(loop, cmd, rec); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if got := rec.output(StreamStdout); got != "bar:"+dir+"\n" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestCommandIsFrozenAtExec(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `echo "$FROZEN"`)
	_ = cmd.SetEnv("FROZEN", "before")
	rec := newRecorder(t)
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	_ = cmd.SetEnv("FROZEN", "after")
	_ = cmd.AddChannel("LATE")
	runLoop(t, loop)
	if got := rec.output(StreamStdout); got != "before\n" {
		t.Fatalf("stdout = %q", got)
	}
	if v, _ := p.Command().GetEnv("FROZEN"); v != "before" {
		t.Fatalf("snapshot env = %q", v)
	}
	if len(p.Command().Channels()) != 0 {
		t.Fatalf("snapshot gained channel")
	}
}

func TestRlimitApplied(t *testing.T) {
	loop := newLoop(t)
	for i := 0; i < 10; i++ {
		cmd := command(t, "sh", "-c", "ulimit -n; ulimit -Hn")
		if err := cmd.SetRlimit("nofile", Rlimit{Cur: 64, Max: 128}); err != nil {
			t.Fatalf("SetRlimit: %v", err)
		}
		if err := cmd.AddChannel("CH"); err != nil {
			t.Fatalf("AddChannel: %v", err)
		}
		rec := newRecorder(t)
		p, err := Exec(loop, cmd, rec)
		if err != nil {
			t.Fatalf("Exec: %v", err)
		}
		_ = p.Close("CH")
		runLoop(t, loop)
		if got := rec.output(StreamStdout); got != "64\n128\n" {
			t.Fatalf("iteration %d: ulimit output %q, stderr %q", i, got, rec.output(StreamStderr))
		}
		if p.State() != StateExited || p.ExitCode() != 0 {
			t.Fatalf("iteration %d: state=%s exit=%d", i, p.State(), p.ExitCode())
		}
		p.Destroy()
	}
}

func TestRlimitKeepsChannelDescriptors(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `echo "$CH" >&"$CH"; ulimit -c`)
	if err := cmd.AddOutputChannel("CH"); err != nil {
		t.Fatalf("AddOutputChannel: %v", err)
	}
	if err := cmd.SetRlimit("core", Rlimit{Cur: 0, Max: 0}); err != nil {
		t.Fatalf("SetRlimit: %v", err)
	}
	rec := newRecorder(t)
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if got := rec.output("CH"); got != "3\n" {
		t.Fatalf("channel output %q", got)
	}
	if got := rec.output(StreamStdout); got != "0\n" {
		t.Fatalf("ulimit -c = %q", got)
	}
	if p.ExitCode() != 0 {
		t.Fatalf("exit code %d, stderr %q", p.ExitCode(), rec.output(StreamStderr))
	}
}

func TestLookupUsesCommandPathAndDir(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.Mkdir(bin, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	script := []byte("#!/bin/sh\necho tool ran\n")
	if err := os.WriteFile(filepath.Join(bin, "subproc-tool"), script, 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}

	loop := newLoop(t)
	cases := []struct {
		name string
		cmd  func() *Command
	}{
		{name: "relative to dir", cmd: func() *Command {
			cmd := command(t, "./bin/subproc-tool")
			cmd.SetDir(dir)
			return cmd
		}},
		{name: "command PATH", cmd: func() *Command {
			cmd := command(t, "subproc-tool")
			if err := cmd.SetEnv("PATH", bin+":/bin:/usr/bin"); err != nil {
				t.Fatalf("SetEnv: %v", err)
			}
			return cmd
		}},
		{name: "relative PATH entry", cmd: func() *Command {
			cmd := command(t, "subproc-tool")
			cmd.SetDir(dir)
			if err := cmd.SetEnv("PATH", "bin:/bin:/usr/bin"); err != nil {
				t.Fatalf("SetEnv: %v", err)
			}
			return cmd
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := newRecorder(t)
			p, err := Exec(loop, tc.cmd(), rec)
			if err != nil {
				t.Fatalf("Exec: %v", err)
			}
			runLoop(t, loop)
			if got := rec.output(StreamStdout); got != "tool ran\n" {
				t.Fatalf("stdout %q, stderr %q", got, rec.output(StreamStderr))
			}
			p.Destroy()
		})
	}

	cmd := command(t, "subproc-tool")
	if err := cmd.SetEnv("PATH", "/bin:/usr/bin"); err != nil {
		t.Fatalf("SetEnv: %v", err)
	}
	if _, err := Exec(loop, cmd, nil); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected ENOENT outside the command PATH, got %v", err)
	}
}

func TestExitTimeout(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sleep", "10")
	_ = cmd.SetExitTimeout(100 * time.Millisecond)
	_ = cmd.SetKillGrace(500 * time.Millisecond)
	rec := newRecorder(t)
	start := time.Now()
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if len(rec.exceptions) != 1 || !errors.Is(rec.exceptions[0], ErrExitTimeout) {
		t.Fatalf("exceptions = %v", rec.exceptions)
	}
	if p.State() != StateFailed || !p.TimedOut() {
		t.Fatalf("state=%s timedOut=%v", p.State(), p.TimedOut())
	}
	if p.Signal() != unix.SIGTERM {
		t.Fatalf("signal = %v", p.Signal())
	}
	if rec.completions != 1 {
		t.Fatalf("completions = %d", rec.completions)
	}
}

func TestExitTimeoutEscalatesToKill(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `trap '' TERM; echo ready; while :; do sleep 1; done`)
	_ = cmd.SetExitTimeout(100 * time.Millisecond)
	_ = cmd.SetKillGrace(100 * time.Millisecond)
	rec := newRecorder(t)
	p, err := Exec(loop, cmd, rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if p.State() != StateFailed || p.Signal() != unix.SIGKILL {
		t.Fatalf("state=%s signal=%v", p.State(), p.Signal())
	}
}

func TestKillMarksFailed(t *testing.T) {
	loop := newLoop(t)
	rec := newRecorder(t)
	rec.onState = func(p *Subprocess, state State) {
		if state == StateRunning {
			if err := p.Kill(unix.SIGKILL); err != nil {
				t.Errorf("kill: %v", err)
			}
		}
	}
	p, err := Exec(loop, command(t, "sleep", "10"), rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if p.State() != StateFailed || p.Signal() != unix.SIGKILL || p.ExitCode() != -1 {
		t.Fatalf("state=%s signal=%v exit=%d", p.State(), p.Signal(), p.ExitCode())
	}
	if err := p.Kill(unix.SIGTERM); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after reap, got %v", err)
	}
}

func TestExternalSignalIsExited(t *testing.T) {
	loop := newLoop(t)
	rec := newRecorder(t)
	p, err := Exec(loop, command(t, "sh", "-c", `kill -TERM $$`), rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if p.State() != StateExited || p.Signal() != unix.SIGTERM {
		t.Fatalf("state=%s signal=%v", p.State(), p.Signal())
	}
}

func TestNonZeroExit(t *testing.T) {
	loop := newLoop(t)
	rec := newRecorder(t)
	p, err := Exec(loop, command(t, "sh", "-c", `echo boom >&2; exit 3`), rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if p.State() != StateExited || p.ExitCode() != 3 {
		t.Fatalf("state=%s exit=%d", p.State(), p.ExitCode())
	}
	if got := rec.output(StreamStderr); got != "boom\n" {
		t.Fatalf("stderr = %q", got)
	}
}

func TestDestroyInsideCallbackIsDeferred(t *testing.T) {
	loop := newLoop(t)
	warm, err := Exec(loop, command(t, "true"), nil)
	if err != nil {
		t.Fatalf("warm-up Exec: %v", err)
	}
	runLoop(t, loop)
	warm.Destroy()
	before := openFDs(t)

	rec := newRecorder(t)
	var seen string
	rec.onOutput = func(p *Subprocess, stream string) {
		if stream != StreamStdout {
			return
		}
		p.Destroy()
		data, err := p.Read(stream, -1)
		if err != nil {
			t.Errorf("read after deferred destroy: %v", err)
		}
		seen += string(data)
	}
	if _, err := Exec(loop, command(t, "sh", "-c", `echo first; sleep 0.2; echo second`), rec); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if seen != "first\n" {
		t.Fatalf("seen = %q", seen)
	}
	if rec.completions != 0 {
		t.Fatalf("completion delivered after destroy")
	}
	if after := openFDs(t); after != before {
		t.Fatalf("descriptor count changed from %d to %d", before, after)
	}
}

func TestStdinClosedWhenChildExits(t *testing.T) {
	loop := newLoop(t)
	rec := newRecorder(t)
	p, err := Exec(loop, command(t, "true"), rec)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if closed, _ := p.WriteClosed(StreamStdin); !closed {
		t.Fatalf("stdin left open after reap")
	}
	if _, err := p.Write(StreamStdin, []byte("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestHandlerFuncsRouting(t *testing.T) {
	loop := newLoop(t)
	cmd := command(t, "sh", "-c", `echo o; echo e >&2; echo c >&"$CH"`)
	_ = cmd.AddOutputChannel("CH")
	got := map[string]string{}
	drain := func(p *Subprocess, stream string) {
		data, _ := p.Read(stream, -1)
		got[stream] += string(data)
	}
	completed := 0
	h := HandlerFuncs{
		Stdout:     drain,
		Stderr:     drain,
		Channel:    drain,
		Completion: func(*Subprocess) { completed++ },
	}
	if _, err := Exec(loop, cmd, h); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	runLoop(t, loop)
	if got[StreamStdout] != "o\n" || got[StreamStderr] != "e\n" || got["CH"] != "c\n" {
		t.Fatalf("unexpected routing %v", got)
	}
	if completed != 1 {
		t.Fatalf("completions = %d", completed)
	}
}
