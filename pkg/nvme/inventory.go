package nvme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fenio/tns-nvmf/pkg/hostexec"
	"github.com/fenio/tns-nvmf/pkg/metrics"
	"k8s.io/klog/v2"
)

// Device is one connected subsystem as the initiator exposes it.
// Records are derived from a single inventory query and go stale as soon as
// fabric state changes.
type Device struct {
	Subsystem    string       `json:"subsystem,omitempty"  yaml:"subsystem,omitempty"`
	SubsystemNQN string       `json:"subsystemNqn"         yaml:"subsystemNqn"`
	HostNQN      string       `json:"hostNqn,omitempty"    yaml:"hostNqn,omitempty"`
	Controllers  []Controller `json:"controllers"          yaml:"controllers"`
	// Namespaces lists subsystem-level (multipath head) namespaces.
	Namespaces []Namespace `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
}

// Controller is one initiator-to-subsystem connection.
type Controller struct {
	Name         string      `json:"name"                   yaml:"name"`
	Transport    string      `json:"transport,omitempty"    yaml:"transport,omitempty"`
	Address      string      `json:"address"                yaml:"address"`
	SerialNumber string      `json:"serialNumber,omitempty" yaml:"serialNumber,omitempty"`
	ModelNumber  string      `json:"modelNumber,omitempty"  yaml:"modelNumber,omitempty"`
	Firmware     string      `json:"firmware,omitempty"     yaml:"firmware,omitempty"`
	Namespaces   []Namespace `json:"namespaces,omitempty"   yaml:"namespaces,omitempty"`
	Cntlid       uint64      `json:"cntlid"                 yaml:"cntlid"`
}

// Namespace is a block device node exposed for a namespace.
type Namespace struct {
	Name         string `json:"name"                   yaml:"name"`
	NSID         uint64 `json:"nsid"                   yaml:"nsid"`
	UsedBytes    uint64 `json:"usedBytes,omitempty"    yaml:"usedBytes,omitempty"`
	PhysicalSize uint64 `json:"physicalSize,omitempty" yaml:"physicalSize,omitempty"`
	SectorSize   uint64 `json:"sectorSize,omitempty"   yaml:"sectorSize,omitempty"`
}

// Path returns the /dev path of the namespace.
func (n Namespace) Path() string {
	return "/dev/" + n.Name
}

// AddressField returns the value of key in the controller's transport address,
// e.g. "traddr" in "traddr=10.0.0.1,trsvcid=4420".
func (c Controller) AddressField(key string) (string, bool) {
	for _, token := range addressTokens(c.Address) {
		k, v, ok := strings.Cut(token, "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Serves reports whether the controller's address carries exactly
// traddr=<host> and trsvcid=<port>.
func (c Controller) Serves(host string, port int) bool {
	traddr, ok := c.AddressField("traddr")
	if !ok || traddr != host {
		return false
	}
	trsvcid, ok := c.AddressField("trsvcid")
	return ok && trsvcid == strconv.Itoa(port)
}

// addressTokens splits a sysfs/nvme-cli address on commas and whitespace.
func addressTokens(address string) []string {
	return strings.FieldsFunc(address, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Totals counts subsystems and controllers in an inventory.
func Totals(devices []Device) (subsystems, controllers int) {
	for i := range devices {
		controllers += len(devices[i].Controllers)
	}
	return len(devices), controllers
}

// ListDevices queries the host's current inventory.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	timer := c.observe(metrics.OpListDevices)
	devices, err := c.inventory.ListDevices(ctx)
	timer.Observe(err)
	if err != nil {
		return nil, err
	}
	subsystems, controllers := Totals(devices)
	metrics.SetInventory(c.Host(), subsystems, controllers)
	klog.V(4).Infof("Inventory on %s: %d subsystem(s), %d controller(s)", c.Host(), subsystems, controllers)
	return devices, nil
}

// CLIInventory lists devices with `nvme list -v -o json`.
type CLIInventory struct {
	runner hostexec.Runner
}

// NewCLIInventory creates an nvme-cli backed Lister.
func NewCLIInventory(runner hostexec.Runner) *CLIInventory {
	return &CLIInventory{runner: runner}
}

// ListDevices implements Lister.
func (i *CLIInventory) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := i.runner.Run(ctx, nvmeCLI, "list", "-v", "-o", "json")
	if err != nil {
		return nil, commandFailed("nvme list", err)
	}
	return ParseDeviceList(out)
}

// rawList mirrors `nvme list -v -o json`. nvme-cli 1.x emits subsystems
// directly under Devices; 2.x groups them per host under Subsystems.
type rawList struct {
	Devices []rawDevice `json:"Devices"`
}

type rawDevice struct {
	HostNQN      string          `json:"HostNQN"`
	Subsystem    string          `json:"Subsystem"`
	SubsystemNQN string          `json:"SubsystemNQN"`
	Controllers  []rawController `json:"Controllers"`
	Namespaces   []rawNamespace  `json:"Namespaces"`
	Subsystems   []rawDevice     `json:"Subsystems"`
}

type rawController struct {
	Controller   string         `json:"Controller"`
	Transport    string         `json:"Transport"`
	Address      string         `json:"Address"`
	SerialNumber string         `json:"SerialNumber"`
	ModelNumber  string         `json:"ModelNumber"`
	Firmware     string         `json:"Firmware"`
	Namespaces   []rawNamespace `json:"Namespaces"`
	Cntlid       flexUint       `json:"Cntlid"`
}

type rawNamespace struct {
	NameSpace    string   `json:"NameSpace"`
	NSID         flexUint `json:"NSID"`
	UsedBytes    flexUint `json:"UsedBytes"`
	PhysicalSize flexUint `json:"PhysicalSize"`
	SectorSize   flexUint `json:"SectorSize"`
}

// ParseDeviceList parses `nvme list -v -o json` output. Empty output means no devices.
func ParseDeviceList(data []byte) ([]Device, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Device{}, nil
	}

	var raw rawList
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: nvme list: %w", ErrMalformedOutput, err)
	}

	devices := make([]Device, 0, len(raw.Devices))
	for _, entry := range raw.Devices {
		if len(entry.Subsystems) > 0 {
			for _, sub := range entry.Subsystems {
				devices = append(devices, convertDevice(sub, entry.HostNQN))
			}
			continue
		}
		if entry.SubsystemNQN == "" {
			continue
		}
		devices = append(devices, convertDevice(entry, entry.HostNQN))
	}
	return devices, nil
}

func convertDevice(raw rawDevice, hostNQN string) Device {
	dev := Device{
		Subsystem:    raw.Subsystem,
		SubsystemNQN: strings.TrimSpace(raw.SubsystemNQN),
		HostNQN:      hostNQN,
		Controllers:  make([]Controller, 0, len(raw.Controllers)),
		Namespaces:   convertNamespaces(raw.Namespaces),
	}
	for _, rc := range raw.Controllers {
		dev.Controllers = append(dev.Controllers, Controller{
			Name:         rc.Controller,
			Transport:    rc.Transport,
			Address:      strings.TrimSpace(rc.Address),
			SerialNumber: strings.TrimSpace(rc.SerialNumber),
			ModelNumber:  strings.TrimSpace(rc.ModelNumber),
			Firmware:     strings.TrimSpace(rc.Firmware),
			Cntlid:       uint64(rc.Cntlid),
			Namespaces:   convertNamespaces(rc.Namespaces),
		})
	}
	return dev
}

func convertNamespaces(raw []rawNamespace) []Namespace {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Namespace, 0, len(raw))
	for _, rn := range raw {
		out = append(out, Namespace{
			Name:         rn.NameSpace,
			NSID:         uint64(rn.NSID),
			UsedBytes:    uint64(rn.UsedBytes),
			PhysicalSize: uint64(rn.PhysicalSize),
			SectorSize:   uint64(rn.SectorSize),
		})
	}
	return out
}

// flexUint decodes numbers that nvme-cli versions emit either bare or quoted,
// in decimal or 0x-prefixed hex.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric field %s: %w", data, err)
	}
	*f = flexUint(v)
	return nil
}
