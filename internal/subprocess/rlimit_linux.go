//go:build linux

package subprocess

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"
)

// rlimitExecName is the argv[0] under which the binary re-executes itself to
// install resource limits before exec'ing the real program.
const rlimitExecName = "subproc-rlimit-exec"

var rlimitResources = map[string]int{
	"as":      unix.RLIMIT_AS,
	"core":    unix.RLIMIT_CORE,
	"cpu":     unix.RLIMIT_CPU,
	"data":    unix.RLIMIT_DATA,
	"fsize":   unix.RLIMIT_FSIZE,
	"memlock": unix.RLIMIT_MEMLOCK,
	"nofile":  unix.RLIMIT_NOFILE,
	"nproc":   unix.RLIMIT_NPROC,
	"stack":   unix.RLIMIT_STACK,
}

func init() {
	reexec.Register(rlimitExecName, rlimitExec)
}

// Init runs the resource limit helper when the current process was started
// as one and reports whether it did. Programs that spawn commands with
// resource limits must call it first thing in main and return when it
// reports true; test binaries do the same from TestMain.
func Init() bool {
	return reexec.Init()
}

// rlimitArgv wraps path and argv so the child sets limits on itself and then
// execs path. The limit list travels as one argument of resource:cur:max
// triples.
func rlimitArgv(path string, argv []string, limits map[string]Rlimit) ([]string, error) {
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]string, 0, len(names))
	for _, name := range names {
		resource, ok := rlimitResources[name]
		if !ok {
			return nil, fmt.Errorf("unknown resource limit %q: %w", name, unix.EINVAL)
		}
		lim := limits[name]
		specs = append(specs, fmt.Sprintf("%d:%d:%d", resource, lim.Cur, lim.Max))
	}
	out := make([]string, 0, len(argv)+3)
	out = append(out, rlimitExecName, strings.Join(specs, ","), path)
	return append(out, argv...), nil
}

func parseRlimitSpecs(arg string) (map[int]syscall.Rlimit, error) {
	limits := make(map[int]syscall.Rlimit)
	for _, spec := range strings.Split(arg, ",") {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed limit %q", spec)
		}
		resource, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed limit %q: %w", spec, err)
		}
		cur, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed limit %q: %w", spec, err)
		}
		max, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed limit %q: %w", spec, err)
		}
		limits[resource] = syscall.Rlimit{Cur: cur, Max: max}
	}
	return limits, nil
}

// rlimitExec runs in the forked child. The descriptor table, environment,
// working directory and process group are already those of the command;
// only the limits are left to install.
func rlimitExec() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "subproc: rlimit helper: missing arguments")
		os.Exit(127)
	}
	limits, err := parseRlimitSpecs(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "subproc: rlimit helper: %v\n", err)
		os.Exit(127)
	}
	for resource, lim := range limits {
		// syscall.Setrlimit, not unix: it also stops syscall.Exec from
		// restoring the runtime's original RLIMIT_NOFILE.
		if err := syscall.Setrlimit(resource, &lim); err != nil {
			fmt.Fprintf(os.Stderr, "subproc: setrlimit %d: %v\n", resource, err)
			os.Exit(127)
		}
	}
	err = syscall.Exec(os.Args[2], os.Args[3:], os.Environ())
	fmt.Fprintf(os.Stderr, "subproc: exec %s: %v\n", os.Args[2], err)
	os.Exit(127)
}
