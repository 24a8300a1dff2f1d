// Package target parses and formats NVMe-oF target locators.
//
// A locator has the form scheme://host:port/subsystemNqn, for example
// nvmf://192.168.1.5:4420/nqn.2019-05.io.openebs:nexus-1. The scheme is not
// interpreted; the path (without its leading slash) is the exact subsystem NQN.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultScheme is used by Address.String.
const DefaultScheme = "nvmf"

// ErrInvalidAddress is returned when a locator lacks a host, a valid TCP port or a subsystem NQN.
var ErrInvalidAddress = errors.New("invalid NVMe-oF target address")

// Address identifies one subsystem behind one fabric portal.
type Address struct {
	Host        string `json:"host"        yaml:"host"`
	SubsystemID string `json:"subsystemId" yaml:"subsystemId"`
	Port        int    `json:"port"        yaml:"port"`
}

// Parse parses a target locator into an Address.
func Parse(locator string) (Address, error) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, locator, err)
	}
	if u.Host == "" {
		return Address{}, fmt.Errorf("%w: %q: missing host", ErrInvalidAddress, locator)
	}

	portStr := u.Port()
	if portStr == "" {
		return Address{}, fmt.Errorf("%w: %q: missing port", ErrInvalidAddress, locator)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidAddress, locator, portStr)
	}

	addr := Address{
		Host:        u.Hostname(),
		Port:        port,
		SubsystemID: strings.TrimPrefix(u.Path, "/"),
	}
	if err := addr.Validate(); err != nil {
		return Address{}, fmt.Errorf("%q: %w", locator, err)
	}
	return addr, nil
}

// Validate checks the Address invariants.
func (a Address) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, a.Port)
	}
	if a.SubsystemID == "" {
		return fmt.Errorf("%w: missing subsystem NQN", ErrInvalidAddress)
	}
	return nil
}

// Format renders the Address as a locator with the given scheme.
func (a Address) Format(scheme string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(a.Port)),
		Path:   "/" + a.SubsystemID,
	}
	return u.String()
}

// String renders the Address with DefaultScheme.
func (a Address) String() string {
	return a.Format(DefaultScheme)
}

// PortString returns the port as nvme-cli expects it for -s / trsvcid.
func (a Address) PortString() string {
	return strconv.Itoa(a.Port)
}

// hostNQNPrefix is the UUID-based host NQN form defined by the NVMe base specification.
const hostNQNPrefix = "nqn.2014-08.org.nvmexpress:uuid:"

// GenerateHostNQN returns a new random UUID-based host NQN, equivalent to nvme gen-hostnqn.
func GenerateHostNQN() string {
	return hostNQNPrefix + uuid.NewString()
}

// IsHostNQN reports whether s looks like a UUID-based host NQN.
func IsHostNQN(s string) bool {
	rest, ok := strings.CutPrefix(s, hostNQNPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
