package nvme

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fenio/tns-nvmf/pkg/metrics"
	"github.com/fenio/tns-nvmf/pkg/target"
	"k8s.io/klog/v2"
)

// Defaults for bounded connects.
const (
	DefaultReconnectDelay  = 10 * time.Second
	DefaultCtrlLossTimeout = 600 * time.Second
)

// ConnectOptions bound how long the kernel keeps retrying a lost controller.
// Values are handed to nvme-cli as whole seconds without validation.
type ConnectOptions struct {
	// HostNQN overrides the host NQN (-q). Empty uses the host default.
	HostNQN string `json:"hostNqn,omitempty" yaml:"hostNQN,omitempty"`
	// ReconnectDelay is the wait between reconnect attempts (-c).
	ReconnectDelay time.Duration `json:"reconnectDelay" yaml:"reconnectDelay"`
	// CtrlLossTimeout is how long to keep reconnecting before giving up (-l).
	CtrlLossTimeout time.Duration `json:"ctrlLossTimeout" yaml:"ctrlLossTimeout"`
	// KeepAliveTimeout sets -k when positive.
	KeepAliveTimeout time.Duration `json:"keepAliveTimeout,omitempty" yaml:"keepAliveTimeout,omitempty"`
	// SettleDelay overrides the client's settle delay when positive.
	SettleDelay time.Duration `json:"settleDelay,omitempty" yaml:"settleDelay,omitempty"`
}

// DefaultConnectOptions returns the bounded-connect defaults.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		ReconnectDelay:  DefaultReconnectDelay,
		CtrlLossTimeout: DefaultCtrlLossTimeout,
	}
}

func (o ConnectOptions) args() []string {
	args := []string{
		"-c", seconds(o.ReconnectDelay),
		"-l", seconds(o.CtrlLossTimeout),
	}
	if o.KeepAliveTimeout > 0 {
		args = append(args, "-k", seconds(o.KeepAliveTimeout))
	}
	if o.HostNQN != "" {
		args = append(args, "-q", o.HostNQN)
	}
	return args
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

// fabricArgs returns the transport, address and service id arguments shared by
// connect, connect-all and discover.
func (c *Client) fabricArgs(host string, port int) []string {
	return []string{"-t", c.transport, "-a", host, "-s", strconv.Itoa(port)}
}

// ConnectAll connects every subsystem the discovery controller at host:port
// advertises. No devices are resolved.
func (c *Client) ConnectAll(ctx context.Context, host string, port int) error {
	timer := c.observe(metrics.OpConnectAll)
	klog.V(4).Infof("Connecting all subsystems at %s:%d from %s", host, port, c.Host())
	args := append([]string{"connect-all"}, c.fabricArgs(host, port)...)
	_, err := c.nvme(ctx, args...)
	timer.Observe(err)
	return err
}

// Connect attaches addr's subsystem and returns the device path of its namespace.
func (c *Client) Connect(ctx context.Context, addr target.Address) (string, error) {
	timer := c.observe(metrics.OpConnect)
	path, err := c.connect(ctx, addr, nil, c.settleDelay)
	timer.Observe(err)
	return path, err
}

// ConnectWithOptions is Connect with the kernel reconnect behavior bounded by opts.
func (c *Client) ConnectWithOptions(ctx context.Context, addr target.Address, opts ConnectOptions) (string, error) {
	timer := c.observe(metrics.OpConnect)
	settle := c.settleDelay
	if opts.SettleDelay > 0 {
		settle = opts.SettleDelay
	}
	path, err := c.connect(ctx, addr, opts.args(), settle)
	timer.Observe(err)
	return path, err
}

func (c *Client) connect(ctx context.Context, addr target.Address, extra []string, settle time.Duration) (string, error) {
	if err := addr.Validate(); err != nil {
		return "", err
	}

	args := append([]string{"connect"}, c.fabricArgs(addr.Host, addr.Port)...)
	args = append(args, "-n", addr.SubsystemID)
	args = append(args, extra...)

	klog.V(4).Infof("Connecting %s from %s", addr, c.Host())
	if _, err := c.nvme(ctx, args...); err != nil {
		return "", err
	}

	if err := c.sleep(ctx, settle); err != nil {
		return "", err
	}

	path, err := c.resolveDevicePath(ctx, addr)
	if err != nil {
		klog.Warningf("Connected %s on %s but could not map it to a device: %v", addr, c.Host(), err)
		// Only a broken target-to-device mapping is ambiguous; inventory
		// failures keep their own classification.
		if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrAmbiguousDevice) {
			return "", fmt.Errorf("%w: connected %s: %w", ErrAmbiguousDevice, addr, err)
		}
		return "", err
	}
	klog.V(4).Infof("Connected %s as %s on %s", addr, path, c.Host())
	return path, nil
}

// Disconnect detaches every controller of addr's subsystem. Disconnecting a
// subsystem that is not connected reports whatever nvme-cli reports.
func (c *Client) Disconnect(ctx context.Context, addr target.Address) error {
	timer := c.observe(metrics.OpDisconnect)
	if err := addr.Validate(); err != nil {
		timer.ObserveError()
		return err
	}
	klog.V(4).Infof("Disconnecting %s from %s", addr.SubsystemID, c.Host())
	_, err := c.nvme(ctx, "disconnect", "-n", addr.SubsystemID)
	timer.Observe(err)
	return err
}

// DisconnectController detaches a single controller by name, e.g. "nvme3".
func (c *Client) DisconnectController(ctx context.Context, name string) error {
	timer := c.observe(metrics.OpDisconnectController)
	klog.V(4).Infof("Disconnecting controller %s on %s", name, c.Host())
	_, err := c.nvme(ctx, "disconnect", "-d", name)
	timer.Observe(err)
	return err
}

// DisconnectAll detaches every fabric controller on the host.
func (c *Client) DisconnectAll(ctx context.Context) error {
	timer := c.observe(metrics.OpDisconnectAll)
	klog.V(4).Infof("Disconnecting all fabric controllers on %s", c.Host())
	_, err := c.nvme(ctx, "disconnect-all")
	timer.Observe(err)
	return err
}
