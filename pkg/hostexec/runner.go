// Package hostexec runs administrative commands on the local host or on a
// remote host and waits for them to complete.
//
// Commands are black boxes: a Runner returns the complete stdout of a command
// that exited zero, or an *ExitError carrying the captured diagnostics.
package hostexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// LocalHost is the host name reported by runners that execute on this machine.
const LocalHost = "localhost"

// ErrHostNotFound is returned when no execution endpoint exists for a remote host.
var ErrHostNotFound = errors.New("no execution endpoint for host")

// Runner executes one command to completion.
type Runner interface {
	// Run executes name with args and returns its stdout.
	// A non-zero exit is reported as *ExitError.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Host names the machine the commands execute on.
	Host() string
}

// ExitError describes a command that could not be run or exited non-zero.
type ExitError struct {
	Err      error
	Host     string
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q on %s failed", e.Command, e.Host)
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, " with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := e.Output(); out != "" {
		fmt.Fprintf(&b, ", output: %s", out)
	}
	return b.String()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Output returns the captured diagnostics, stderr first.
func (e *ExitError) Output() string {
	stderr := strings.TrimSpace(e.Stderr)
	stdout := strings.TrimSpace(e.Stdout)
	switch {
	case stderr != "" && stdout != "":
		return stderr + "\n" + stdout
	case stderr != "":
		return stderr
	default:
		return stdout
	}
}

// commandLine renders a command for logs and errors.
func commandLine(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// withPrefix prepends a privilege prefix such as ["sudo"] to a command.
func withPrefix(prefix []string, name string, args []string) (string, []string) {
	if len(prefix) == 0 {
		return name, args
	}
	full := make([]string, 0, len(prefix)+len(args))
	full = append(full, prefix[1:]...)
	full = append(full, name)
	full = append(full, args...)
	return prefix[0], full
}
