//go:build linux

package subprocess

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/subproc/internal/metrics"
	"github.com/Paintersrp/subproc/internal/reactor"
)

// defaultPath is searched when the command's environment has no PATH, as
// execvp(3) does.
const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// Exec spawns cmd and registers its streams and termination with loop.
//
// The child runs in its own process group with stdin, stdout and stderr
// connected to pipes and every channel connected at descriptor 3 onwards.
// On success the subprocess is Running; no handler method is called before
// Exec returns. On failure every descriptor created is closed and the error
// is a *SpawnError, or matches ErrInvalidArgument for nil arguments.
func Exec(loop reactor.Loop, cmd *Command, h Handler, opts ...Option) (*Subprocess, error) {
	if loop == nil {
		return nil, invalidf("nil reactor")
	}
	if cmd == nil {
		return nil, invalidf("nil command")
	}
	o := execOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if h == nil {
		h = HandlerFuncs{}
	}

	p, err := spawn(loop, cmd.clone(), h, o)
	metrics.ObserveSpawn(err)
	if err != nil {
		o.logger.Debug().Err(err).Str("command", cmd.String()).Msg("spawn failed")
		return nil, err
	}
	return p, nil
}

func spawn(loop reactor.Loop, cmd *Command, h Handler, o execOptions) (*Subprocess, error) {
	configs, err := cmd.streamConfigs()
	if err != nil {
		return nil, &SpawnError{Op: "configure", Err: err}
	}

	pathEnv, ok := cmd.GetEnv("PATH")
	if !ok {
		pathEnv = defaultPath
	}
	path, err := lookPath(cmd.argv[0], cmd.dir, pathEnv)
	if err != nil {
		return nil, &SpawnError{Op: "lookup", Path: cmd.argv[0], Err: err}
	}
	execPath, argv := path, cmd.argv
	if len(cmd.rlimits) > 0 {
		argv, err = rlimitArgv(path, cmd.argv, cmd.rlimits)
		if err != nil {
			return nil, &SpawnError{Op: "rlimit", Path: path, Err: err}
		}
		execPath = reexec.Self()
	}

	id := uuid.NewString()
	p := &Subprocess{
		id:      id,
		loop:    loop,
		cmd:     cmd,
		handler: h,
		state:   StateInit,
		streams: make(map[string]*stream),
		log:     o.logger.With().Str("subprocess", id).Logger(),
	}

	var fds descriptors
	files, env, err := p.createStreams(configs, &fds)
	if err != nil {
		fds.closeAll()
		return nil, &SpawnError{Op: "create streams", Path: path, Err: err}
	}

	attr := &syscall.ProcAttr{
		Dir:   cmd.dir,
		Env:   env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	}
	pid, err := syscall.ForkExec(execPath, argv, attr)
	fds.closeChild()
	if err != nil {
		fds.closeParent()
		return nil, &SpawnError{Op: "exec", Path: path, Err: err}
	}
	p.pid = pid
	p.started = time.Now()
	p.log = p.log.With().Int("pid", pid).Logger()

	if err := p.register(); err != nil {
		p.abort()
		return nil, &SpawnError{Op: "register", Path: path, Err: err}
	}

	p.state = StateRunning
	p.armTimeout()
	p.log.Debug().Str("command", cmd.String()).Msg("subprocess started")
	return p, nil
}

// descriptors tracks every fd created while building the child's streams so
// failures can unwind them.
type descriptors struct {
	parent []int
	child  []int
}

func (d *descriptors) closeChild() {
	for _, fd := range d.child {
		_ = unix.Close(fd)
	}
	d.child = nil
}

func (d *descriptors) closeParent() {
	for _, fd := range d.parent {
		_ = unix.Close(fd)
	}
	d.parent = nil
}

func (d *descriptors) closeAll() {
	d.closeChild()
	d.closeParent()
}

// createStreams builds one stream per standard stream and channel and returns
// the child descriptor table and environment.
func (p *Subprocess) createStreams(configs map[string]streamConfig, fds *descriptors) ([]uintptr, []string, error) {
	type spec struct {
		name string
		dir  Direction
	}
	specs := []spec{
		{StreamStdin, DirIn},
		{StreamStdout, DirOut},
		{StreamStderr, DirOut},
	}
	for _, ch := range p.cmd.channels {
		specs = append(specs, spec{ch.name, ch.dir})
	}

	env := p.cmd.Env()
	files := make([]uintptr, 0, len(specs))
	for i, sp := range specs {
		var parent, child int
		socket := false
		switch sp.dir {
		case DirIn:
			var pair [2]int
			if err := unix.Pipe2(pair[:], unix.O_CLOEXEC); err != nil {
				return nil, nil, fmt.Errorf("%s: pipe: %w", sp.name, err)
			}
			child, parent = pair[0], pair[1]
		case DirOut:
			var pair [2]int
			if err := unix.Pipe2(pair[:], unix.O_CLOEXEC); err != nil {
				return nil, nil, fmt.Errorf("%s: pipe: %w", sp.name, err)
			}
			parent, child = pair[0], pair[1]
		case DirBidi:
			pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: socketpair: %w", sp.name, err)
			}
			parent, child = pair[0], pair[1]
			socket = true
		}
		fds.parent = append(fds.parent, parent)
		fds.child = append(fds.child, child)
		if err := unix.SetNonblock(parent, true); err != nil {
			return nil, nil, fmt.Errorf("%s: set nonblocking: %w", sp.name, err)
		}

		files = append(files, uintptr(child))
		if i > 2 {
			env = append(env, sp.name+"="+strconv.Itoa(i))
		}
		p.streams[sp.name] = newStream(sp.name, sp.dir, parent, socket, configs[sp.name])
		p.order = append(p.order, sp.name)
	}
	return files, env, nil
}

// register hooks every stream and the child into the reactor. The child
// watcher is registered last so that a failure before it leaves the child
// unclaimed for abort to reap.
func (p *Subprocess) register() error {
	for _, name := range p.order {
		s := p.streams[name]
		w, err := p.loop.WatchFD(s.fd, s.interest(), p.onReady(s))
		if err != nil {
			return fmt.Errorf("watch %s: %w", name, err)
		}
		s.watcher = w
	}
	// Queued ahead of any reap notification so Running is always observed
	// before a terminal state.
	p.loop.Post(func() {
		p.dispatch(func() { p.notifyState(StateRunning) })
	})
	child, err := p.loop.WatchChild(p.pid, p.onChildExit)
	if err != nil {
		return fmt.Errorf("watch child: %w", err)
	}
	p.child = child
	return nil
}

// abort tears down a child that was forked but cannot be supervised.
func (p *Subprocess) abort() {
	_ = unix.Kill(-p.pid, unix.SIGKILL)
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(p.pid, &status, 0, nil)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	p.destroyed = true
	for _, s := range p.streams {
		_ = s.release()
	}
}

// lookPath resolves file the way the child would see it: against the
// command's PATH, with relative results and relative paths taken from dir
// (or the current directory when dir is empty).
func lookPath(file, dir, pathEnv string) (string, error) {
	base, err := baseDir(dir)
	if err != nil {
		return "", err
	}
	if strings.Contains(file, "/") {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		if err := executable(path); err != nil {
			return "", err
		}
		return path, nil
	}
	var denied error
	for _, entry := range filepath.SplitList(pathEnv) {
		if entry == "" {
			entry = "."
		}
		path := filepath.Join(entry, file)
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		err := executable(path)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, unix.EACCES) && denied == nil {
			denied = err
		}
	}
	if denied != nil {
		return "", denied
	}
	return "", unix.ENOENT
}

func baseDir(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, dir), nil
}

func executable(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return unix.EACCES
	}
	return unix.Access(path, unix.X_OK)
}
