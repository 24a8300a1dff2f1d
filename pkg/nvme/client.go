// Package nvme manages NVMe-oF/TCP connections on an initiator host.
//
// A Client issues nvme-cli commands through a hostexec.Runner, so the same
// code drives the local host or a remote node. The kernel's device tree is
// the only source of truth: every resolution queries the inventory afresh and
// nothing is cached between calls.
//
// Callers must serialize operations that target the same subsystem or
// controller. Operations on different targets are independent.
package nvme

import (
	"context"
	"time"

	"github.com/fenio/tns-nvmf/pkg/hostexec"
	"github.com/fenio/tns-nvmf/pkg/metrics"
	"k8s.io/klog/v2"
)

// Defaults used when no Option overrides them.
const (
	DefaultTransport   = "tcp"
	DefaultSettleDelay = 1 * time.Second
	DefaultSysfsRoot   = "/sys/class/nvme"

	nvmeCLI = "nvme"
)

// Lister returns the current device inventory of a host.
type Lister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Client runs NVMe-oF operations against one host.
type Client struct {
	runner      hostexec.Runner
	inventory   Lister
	sleep       func(ctx context.Context, d time.Duration) error
	transport   string
	sysfsRoot   string
	settleDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the fabric transport passed as -t (default tcp).
func WithTransport(transport string) Option {
	return func(c *Client) {
		if transport != "" {
			c.transport = transport
		}
	}
}

// WithSettleDelay sets the wait between a connect and the first inventory query.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Client) {
		c.settleDelay = d
	}
}

// WithSysfsRoot sets the directory holding per-controller sysfs entries.
func WithSysfsRoot(root string) Option {
	return func(c *Client) {
		if root != "" {
			c.sysfsRoot = root
		}
	}
}

// WithInventory replaces the nvme-cli inventory with another Lister, such as SysfsInventory.
func WithInventory(l Lister) Option {
	return func(c *Client) {
		if l != nil {
			c.inventory = l
		}
	}
}

// NewClient creates a Client bound to runner.
func NewClient(runner hostexec.Runner, opts ...Option) *Client {
	c := &Client{
		runner:      runner,
		sleep:       sleepContext,
		transport:   DefaultTransport,
		sysfsRoot:   DefaultSysfsRoot,
		settleDelay: DefaultSettleDelay,
	}
	c.inventory = &CLIInventory{runner: runner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host names the host this client operates on.
func (c *Client) Host() string {
	return c.runner.Host()
}

// nvme runs one nvme-cli subcommand and wraps failures as ErrConnectionFailed.
func (c *Client) nvme(ctx context.Context, args ...string) ([]byte, error) {
	out, err := c.runner.Run(ctx, nvmeCLI, args...)
	if err != nil {
		return out, commandFailed("nvme "+args[0], err)
	}
	return out, nil
}

// observe starts a metrics timer for op on this client's host.
func (c *Client) observe(op string) *metrics.OperationTimer {
	return metrics.NewOperationTimer(c.runner.Host(), op)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	klog.V(5).Infof("Waiting %v for device state to settle", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
