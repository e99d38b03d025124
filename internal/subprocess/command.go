package subprocess

import (
	"os"
	"sort"
	"strings"
	"time"
)

// Standard stream names.
const (
	StreamStdin  = "stdin"
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Option key suffixes. A key is formed by prefixing one with a stream
// name, for example "stdout_BUFSIZE".
const (
	OptBufSize    = "_BUFSIZE"
	OptLineBuffer = "_LINE_BUFFER"
	OptEOFNewline = "_EOF_NEWLINE"
)

// DefaultBufSize is the read chunk size used when no BUFSIZE option is set.
const DefaultBufSize = 64 * 1024

// DefaultKillGrace is the delay between SIGTERM and SIGKILL when an exit
// timeout fires.
const DefaultKillGrace = 2 * time.Second

var optSuffixes = []string{OptBufSize, OptLineBuffer, OptEOFNewline}

var rlimitNames = map[string]bool{
	"as": true, "core": true, "cpu": true, "data": true, "fsize": true,
	"memlock": true, "nofile": true, "nproc": true, "stack": true,
}

// Rlimit is a soft/hard resource limit pair.
type Rlimit struct {
	Cur uint64
	Max uint64
}

type channelSpec struct {
	name string
	dir  Direction
}

// Command describes a child to spawn. It is not safe for concurrent use.
// Exec takes a private copy, so a Command may be reused or modified once
// Exec returns.
type Command struct {
	argv        []string
	env         map[string]string
	dir         string
	channels    []channelSpec
	opts        map[string]string
	rlimits     map[string]Rlimit
	exitTimeout time.Duration
	killGrace   time.Duration
}

// NewCommand builds a descriptor for argv. A nil env inherits the current
// process environment; a non-nil empty env starts the child with none.
// Entries are KEY=VALUE and later entries override earlier ones.
func NewCommand(argv []string, env []string) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, invalidf("argv must not be empty")
	}
	c := &Command{
		argv:    append([]string(nil), argv...),
		env:     make(map[string]string),
		opts:    make(map[string]string),
		rlimits: make(map[string]Rlimit),
	}
	if env == nil {
		env = os.Environ()
	}
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, invalidf("malformed environment entry %q", kv)
		}
		c.env[name] = value
	}
	return c, nil
}

// Argv returns a copy of the argument vector.
func (c *Command) Argv() []string {
	return append([]string(nil), c.argv...)
}

// Env returns the environment as sorted KEY=VALUE entries.
func (c *Command) Env() []string {
	out := make([]string, 0, len(c.env))
	for k, v := range c.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c *Command) GetEnv(name string) (string, bool) {
	v, ok := c.env[name]
	return v, ok
}

func (c *Command) SetEnv(name, value string) error {
	if !validName(name) {
		return invalidf("invalid environment variable name %q", name)
	}
	c.env[name] = value
	return nil
}

func (c *Command) UnsetEnv(name string) {
	delete(c.env, name)
}

// Dir returns the working directory, or "" to inherit the caller's.
func (c *Command) Dir() string { return c.dir }

func (c *Command) SetDir(dir string) { c.dir = dir }

// AddChannel adds a bidirectional channel. The child finds its end through
// the environment variable of the same name.
func (c *Command) AddChannel(name string) error {
	return c.addChannel(name, DirBidi)
}

// AddOutputChannel adds a channel the child can only write to.
func (c *Command) AddOutputChannel(name string) error {
	return c.addChannel(name, DirOut)
}

func (c *Command) addChannel(name string, dir Direction) error {
	if !validName(name) {
		return invalidf("invalid channel name %q", name)
	}
	if isStdStream(name) {
		return invalidf("channel name %q collides with a standard stream", name)
	}
	for _, ch := range c.channels {
		if ch.name == name {
			return invalidf("duplicate channel %q", name)
		}
	}
	c.channels = append(c.channels, channelSpec{name: name, dir: dir})
	return nil
}

// Channels returns the channel names in the order their child descriptors
// are assigned, starting at fd 3.
func (c *Command) Channels() []string {
	out := make([]string, len(c.channels))
	for i, ch := range c.channels {
		out[i] = ch.name
	}
	return out
}

// SetOpt sets a per-stream option. Only the key shape is checked here;
// values and stream names are validated when the command is spawned.
func (c *Command) SetOpt(key, value string) error {
	if _, _, ok := splitOptKey(key); !ok {
		return invalidf("unrecognized option %q", key)
	}
	c.opts[key] = value
	return nil
}

func (c *Command) Opt(key string) (string, bool) {
	v, ok := c.opts[key]
	return v, ok
}

// SetRlimit sets a resource limit installed in the child before the program
// starts. name is
// one of as, core, cpu, data, fsize, memlock, nofile, nproc or stack.
func (c *Command) SetRlimit(name string, limit Rlimit) error {
	if !rlimitNames[name] {
		return invalidf("unknown resource limit %q", name)
	}
	if limit.Cur > limit.Max {
		return invalidf("%s soft limit exceeds hard limit", name)
	}
	c.rlimits[name] = limit
	return nil
}

// SetExitTimeout bounds the child's lifetime. Zero disables the timeout.
func (c *Command) SetExitTimeout(d time.Duration) error {
	if d < 0 {
		return invalidf("negative exit timeout %s", d)
	}
	c.exitTimeout = d
	return nil
}

func (c *Command) ExitTimeout() time.Duration { return c.exitTimeout }

// SetKillGrace sets the delay between SIGTERM and SIGKILL after an exit
// timeout. Zero selects DefaultKillGrace.
func (c *Command) SetKillGrace(d time.Duration) error {
	if d < 0 {
		return invalidf("negative kill grace %s", d)
	}
	c.killGrace = d
	return nil
}

func (c *Command) KillGrace() time.Duration {
	if c.killGrace == 0 {
		return DefaultKillGrace
	}
	return c.killGrace
}

// String renders argv as a shell-quoted command line.
func (c *Command) String() string {
	parts := make([]string, len(c.argv))
	for i, arg := range c.argv {
		parts[i] = shellQuote(arg)
	}
	return strings.Join(parts, " ")
}

func (c *Command) clone() *Command {
	cp := &Command{
		argv:        append([]string(nil), c.argv...),
		env:         make(map[string]string, len(c.env)),
		dir:         c.dir,
		channels:    append([]channelSpec(nil), c.channels...),
		opts:        make(map[string]string, len(c.opts)),
		rlimits:     make(map[string]Rlimit, len(c.rlimits)),
		exitTimeout: c.exitTimeout,
		killGrace:   c.killGrace,
	}
	for k, v := range c.env {
		cp.env[k] = v
	}
	for k, v := range c.opts {
		cp.opts[k] = v
	}
	for k, v := range c.rlimits {
		cp.rlimits[k] = v
	}
	return cp
}

func splitOptKey(key string) (stream, suffix string, ok bool) {
	for _, s := range optSuffixes {
		if strings.HasSuffix(key, s) && len(key) > len(s) {
			return strings.TrimSuffix(key, s), s, true
		}
	}
	return "", "", false
}

func isStdStream(name string) bool {
	return name == StreamStdin || name == StreamStdout || name == StreamStderr
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "=\x00")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
