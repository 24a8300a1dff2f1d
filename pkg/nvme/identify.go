package nvme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fenio/tns-nvmf/pkg/metrics"
)

// NamespaceIdentity holds the stable identifiers reported by id-ns.
// An empty field was not reported.
type NamespaceIdentity struct {
	NGUID string `json:"nguid,omitempty" yaml:"nguid,omitempty"`
	EUI64 string `json:"eui64,omitempty" yaml:"eui64,omitempty"`
}

// namespaceIdentityKeys are the id-ns fields that identify a namespace.
var namespaceIdentityKeys = map[string]bool{
	"nguid": true,
	"eui64": true,
}

// IdentifyNamespace runs `nvme id-ns` on devicePath and extracts nguid and eui64.
func (c *Client) IdentifyNamespace(ctx context.Context, devicePath string) (NamespaceIdentity, error) {
	timer := c.observe(metrics.OpIdentifyNamespace)
	out, err := c.nvme(ctx, "id-ns", devicePath)
	if err != nil {
		timer.ObserveError()
		return NamespaceIdentity{}, err
	}
	id, err := ParseNamespaceIdentity(string(out))
	timer.Observe(err)
	return id, err
}

// ParseNamespaceIdentity parses the text form of `nvme id-ns`.
// Lines are "key : value"; only nguid and eui64 are read and everything else
// is ignored. Values are returned as printed. A recognized key whose line is
// not a single "key : value" pair, or that appears twice, is an error.
func ParseNamespaceIdentity(text string) (NamespaceIdentity, error) {
	var id NamespaceIdentity
	seen := map[string]bool{}

	for lineNo, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !found {
			if fields := strings.Fields(line); len(fields) > 0 {
				key = fields[0]
			}
		}
		if !namespaceIdentityKeys[key] {
			continue
		}
		value = strings.TrimSpace(value)
		if !found || value == "" || strings.Contains(value, ":") || len(strings.Fields(value)) != 1 {
			return NamespaceIdentity{}, fmt.Errorf("%w: id-ns line %d: %q", ErrMalformedOutput, lineNo+1, line)
		}
		if seen[key] {
			return NamespaceIdentity{}, fmt.Errorf("%w: id-ns line %d: duplicate %s", ErrMalformedOutput, lineNo+1, key)
		}
		seen[key] = true

		switch key {
		case "nguid":
			id.NGUID = value
		case "eui64":
			id.EUI64 = value
		}
	}
	return id, nil
}

// Optional NVM command support bits of id-ctrl ONCS.
const (
	ONCSCompare           = 0x01
	ONCSWriteUncorrect    = 0x02
	ONCSDatasetManagement = 0x04
	ONCSWriteZeroes       = 0x08
	ONCSReservations      = 0x20
)

// ControllerIdentity is the subset of `nvme id-ctrl -o json` used by callers.
// Raw keeps the full document.
type ControllerIdentity struct {
	SerialNumber string          `json:"sn"     yaml:"serialNumber"`
	ModelNumber  string          `json:"mn"     yaml:"modelNumber"`
	Firmware     string          `json:"fr"     yaml:"firmware"`
	SubsystemNQN string          `json:"subnqn" yaml:"subsystemNqn"`
	Raw          json.RawMessage `json:"-"      yaml:"-"`
	VendorID     uint64          `json:"vid"    yaml:"vendorId"`
	Cntlid       uint64          `json:"cntlid" yaml:"cntlid"`
	ONCS         uint64          `json:"oncs"   yaml:"oncs"`
}

// Supports reports whether all ONCS bits in mask are set.
func (id *ControllerIdentity) Supports(mask uint64) bool {
	return id.ONCS&mask == mask
}

// IdentifyController runs `nvme id-ctrl -o json` on a controller or namespace device.
func (c *Client) IdentifyController(ctx context.Context, device string) (*ControllerIdentity, error) {
	timer := c.observe(metrics.OpIdentifyController)
	out, err := c.nvme(ctx, "id-ctrl", device, "-o", "json")
	if err != nil {
		timer.ObserveError()
		return nil, err
	}
	id, err := ParseControllerIdentity(out)
	timer.Observe(err)
	return id, err
}

// ParseControllerIdentity parses `nvme id-ctrl -o json` output.
func ParseControllerIdentity(data []byte) (*ControllerIdentity, error) {
	var id ControllerIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("%w: id-ctrl: %w", ErrMalformedOutput, err)
	}
	id.SerialNumber = strings.TrimSpace(id.SerialNumber)
	id.ModelNumber = strings.TrimSpace(id.ModelNumber)
	id.Firmware = strings.TrimSpace(id.Firmware)
	id.Raw = append(json.RawMessage(nil), data...)
	return &id, nil
}

// Path states reported by list-subsys.
const (
	PathStateLive       = "live"
	PathStateConnecting = "connecting"
	PathStateResetting  = "resetting"
	PathStateDeleting   = "deleting"
)

// Subsystem is one entry of `nvme list-subsys`.
type Subsystem struct {
	Name     string `json:"name"               yaml:"name"`
	NQN      string `json:"nqn"                yaml:"nqn"`
	IOPolicy string `json:"ioPolicy,omitempty" yaml:"ioPolicy,omitempty"`
	Paths    []Path `json:"paths"              yaml:"paths"`
}

// Path is one controller path of a subsystem.
type Path struct {
	Name      string `json:"name"               yaml:"name"`
	Transport string `json:"transport"          yaml:"transport"`
	Address   string `json:"address"            yaml:"address"`
	State     string `json:"state"              yaml:"state"`
	ANAState  string `json:"anaState,omitempty" yaml:"anaState,omitempty"`
}

// PathsInState returns the names of the subsystem's paths in state.
func (s Subsystem) PathsInState(state string) []string {
	var names []string
	for _, p := range s.Paths {
		if p.State == state {
			names = append(names, p.Name)
		}
	}
	return names
}

// ListSubsystems runs `nvme list-subsys <device> -o json`. An empty device lists every subsystem.
func (c *Client) ListSubsystems(ctx context.Context, device string) ([]Subsystem, error) {
	timer := c.observe(metrics.OpListSubsystems)
	args := []string{"list-subsys"}
	if device != "" {
		args = append(args, device)
	}
	out, err := c.nvme(ctx, append(args, "-o", "json")...)
	if err != nil {
		timer.ObserveError()
		return nil, err
	}
	subs, err := ParseSubsystems(out)
	timer.Observe(err)
	return subs, err
}

type rawSubsysList struct {
	Subsystems []rawSubsystem `json:"Subsystems"`
}

type rawSubsystem struct {
	Name     string    `json:"Name"`
	NQN      string    `json:"NQN"`
	IOPolicy string    `json:"IOPolicy"`
	Paths    []rawPath `json:"Paths"`
}

type rawPath struct {
	Name      string `json:"Name"`
	Transport string `json:"Transport"`
	Address   string `json:"Address"`
	State     string `json:"State"`
	ANAState  string `json:"ANAState"`
}

// ParseSubsystems parses `nvme list-subsys -o json`. nvme-cli 1.x prints an
// object with Subsystems; 2.x prints an array of per-host objects.
func ParseSubsystems(data []byte) ([]Subsystem, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Subsystem{}, nil
	}

	var hosts []rawSubsysList
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &hosts); err != nil {
			return nil, fmt.Errorf("%w: list-subsys: %w", ErrMalformedOutput, err)
		}
	} else {
		var single rawSubsysList
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("%w: list-subsys: %w", ErrMalformedOutput, err)
		}
		hosts = []rawSubsysList{single}
	}

	subs := []Subsystem{}
	for _, host := range hosts {
		for _, rs := range host.Subsystems {
			paths := make([]Path, 0, len(rs.Paths))
			for _, rp := range rs.Paths {
				paths = append(paths, Path(rp))
			}
			// Older nvme-cli prints a subsystem's paths as a separate
			// nameless object right after it.
			if rs.Name == "" && rs.NQN == "" && len(subs) > 0 {
				last := &subs[len(subs)-1]
				last.Paths = append(last.Paths, paths...)
				continue
			}
			subs = append(subs, Subsystem{Name: rs.Name, NQN: rs.NQN, IOPolicy: rs.IOPolicy, Paths: paths})
		}
	}
	return subs, nil
}
