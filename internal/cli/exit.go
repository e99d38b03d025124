package cli

import (
	"fmt"

	"github.com/Paintersrp/subproc/internal/subprocess"
)

// ExitError carries the exit code of the child to the process exit status.
type ExitError struct {
	Code  int
	State subprocess.State
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("subprocess %s with code %d", e.State, e.Code)
}

// exitStatus maps a reaped subprocess to a shell-style exit code.
func exitStatus(p *subprocess.Subprocess) int {
	if sig := p.Signal(); sig != 0 {
		return 128 + int(sig)
	}
	if code := p.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
