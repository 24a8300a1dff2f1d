package nvme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/fenio/tns-nvmf/pkg/metrics"
	"github.com/fenio/tns-nvmf/pkg/target"
	"k8s.io/klog/v2"
)

// DiscoveryEntry is one record of a discovery log page.
type DiscoveryEntry struct {
	Transport     string `json:"transport"     yaml:"transport"`
	AddressFamily string `json:"addressFamily" yaml:"addressFamily"`
	Address       string `json:"address"       yaml:"address"`
	ServiceID     string `json:"serviceId"     yaml:"serviceId"`
	SubNQN        string `json:"subnqn"        yaml:"subnqn"`
	SubType       string `json:"subtype"       yaml:"subtype"`
	PortID        uint64 `json:"portId"        yaml:"portId"`
}

type rawDiscovery struct {
	Device  string               `json:"device"`
	Records []rawDiscoveryRecord `json:"records"`
}

type rawDiscoveryRecord struct {
	TrType  string   `json:"trtype"`
	AdrFam  string   `json:"adrfam"`
	TrAddr  string   `json:"traddr"`
	TrSvcID string   `json:"trsvcid"`
	SubNQN  string   `json:"subnqn"`
	SubType string   `json:"subtype"`
	PortID  flexUint `json:"portid"`
}

// DiscoveryLog returns the discovery log page of the discovery controller at host:port.
func (c *Client) DiscoveryLog(ctx context.Context, host string, port int) ([]DiscoveryEntry, error) {
	timer := c.observe(metrics.OpDiscover)
	entries, err := c.discoveryLog(ctx, host, port)
	timer.Observe(err)
	return entries, err
}

func (c *Client) discoveryLog(ctx context.Context, host string, port int) ([]DiscoveryEntry, error) {
	args := append([]string{"discover"}, c.fabricArgs(host, port)...)
	out, err := c.nvme(ctx, append(args, "-o", "json")...)
	if err != nil {
		return nil, err
	}
	return ParseDiscoveryLog(out)
}

// Discover checks that addr's subsystem is advertised by the discovery
// controller at addr's host and port.
func (c *Client) Discover(ctx context.Context, addr target.Address) error {
	timer := c.observe(metrics.OpDiscover)
	err := c.discover(ctx, addr)
	timer.Observe(err)
	return err
}

func (c *Client) discover(ctx context.Context, addr target.Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	entries, err := c.discoveryLog(ctx, addr.Host, addr.Port)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.SubNQN == addr.SubsystemID {
			klog.V(4).Infof("Discovered %s via %s:%s", addr.SubsystemID, e.Address, e.ServiceID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s at %s:%d (%d entries)", ErrNotDiscovered, addr.SubsystemID, addr.Host, addr.Port, len(entries))
}

// ParseDiscoveryLog parses `nvme discover -o json`. Empty output is an empty log.
func ParseDiscoveryLog(data []byte) ([]DiscoveryEntry, error) {
	trimmed := bytes.TrimSpace(data)
	entries := []DiscoveryEntry{}
	if len(trimmed) == 0 {
		return entries, nil
	}
	var raw rawDiscovery
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: discover: %w", ErrMalformedOutput, err)
	}
	for _, r := range raw.Records {
		entries = append(entries, DiscoveryEntry{
			Transport:     r.TrType,
			AddressFamily: r.AdrFam,
			Address:       r.TrAddr,
			ServiceID:     r.TrSvcID,
			SubNQN:        r.SubNQN,
			SubType:       r.SubType,
			PortID:        uint64(r.PortID),
		})
	}
	return entries, nil
}
