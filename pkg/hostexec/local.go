package hostexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"k8s.io/klog/v2"
)

// Local runs commands on this machine, optionally behind a privilege prefix.
type Local struct {
	// Prefix is prepended to every command, e.g. []string{"sudo", "-n"}.
	Prefix []string
}

// NewLocal creates a Local runner with the given privilege prefix.
func NewLocal(prefix ...string) *Local {
	return &Local{Prefix: prefix}
}

// Host implements Runner.
func (l *Local) Host() string {
	return LocalHost
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	bin, argv := withPrefix(l.Prefix, name, args)
	line := commandLine(bin, argv)
	klog.V(4).Infof("Running: %s", line)

	//nolint:gosec // administrative commands are built by this module, not taken from user input
	cmd := exec.CommandContext(ctx, bin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitErr := &ExitError{
			Err:     err,
			Host:    LocalHost,
			Command: line,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitErr.ExitCode = ee.ExitCode()
		}
		klog.V(4).Infof("Command failed: %v", exitErr)
		return stdout.Bytes(), exitErr
	}
	return stdout.Bytes(), nil
}
