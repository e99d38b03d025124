package subprocess

// State is the lifecycle state of a subprocess.
type State int

const (
	StateInit State = iota
	StateRunning
	// StateExited means the child terminated on its own or was killed by a
	// signal the engine did not send.
	StateExited
	// StateFailed means the engine terminated the child, either through
	// Kill or because the exit timeout expired.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StateExited:
		return "Exited"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the child has been reaped.
func (s State) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// Direction describes which side of a stream the parent uses.
type Direction int

const (
	// DirOut streams carry data from the child to the parent.
	DirOut Direction = iota + 1
	// DirIn streams carry data from the parent to the child.
	DirIn
	// DirBidi streams are socketpairs usable both ways.
	DirBidi
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	case DirBidi:
		return "bidi"
	default:
		return "unknown"
	}
}

func (d Direction) readable() bool { return d == DirOut || d == DirBidi }

func (d Direction) writable() bool { return d == DirIn || d == DirBidi }
