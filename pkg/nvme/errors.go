package nvme

import (
	"errors"
	"fmt"

	"github.com/fenio/tns-nvmf/pkg/target"
)

// Static errors for NVMe-oF operations.
var (
	// ErrInvalidAddress is returned for malformed target locators.
	ErrInvalidAddress = target.ErrInvalidAddress
	// ErrConnectionFailed wraps every external command that exited non-zero.
	ErrConnectionFailed = errors.New("nvme command failed")
	// ErrNotDiscovered is returned when a subsystem is absent from the discovery log.
	ErrNotDiscovered = errors.New("subsystem not found in discovery log")
	// ErrDeviceNotFound is returned when no device matches a target.
	ErrDeviceNotFound = errors.New("NVMe device not found")
	// ErrAmbiguousDevice is returned when more than one device or controller matches a target.
	ErrAmbiguousDevice = errors.New("NVMe device mapping is not one-to-one")
	// ErrInvalidControllerName is returned when a name does not look like nvme<N>[n<M>].
	ErrInvalidControllerName = errors.New("invalid NVMe controller name")
	// ErrMalformedOutput is returned when structured nvme-cli output cannot be parsed.
	ErrMalformedOutput = errors.New("malformed nvme-cli output")
)

// commandFailed wraps a runner error as ErrConnectionFailed, keeping the
// underlying *hostexec.ExitError reachable through errors.As.
func commandFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, op, err)
}
