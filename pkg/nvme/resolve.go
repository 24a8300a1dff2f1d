package nvme

import (
	"context"
	"fmt"

	"github.com/fenio/tns-nvmf/pkg/metrics"
	"github.com/fenio/tns-nvmf/pkg/target"
	"k8s.io/klog/v2"
)

// ResolveDevicePath returns the /dev path of the namespace serving addr.
// Exactly one device must carry addr.SubsystemID; the path is taken from the
// first controller's first namespace, or from the subsystem's multipath head
// namespace when controllers list none.
func (c *Client) ResolveDevicePath(ctx context.Context, addr target.Address) (string, error) {
	timer := c.observe(metrics.OpResolveDevice)
	path, err := c.resolveDevicePath(ctx, addr)
	timer.Observe(err)
	return path, err
}

func (c *Client) resolveDevicePath(ctx context.Context, addr target.Address) (string, error) {
	if err := addr.Validate(); err != nil {
		return "", err
	}
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	dev, err := SelectDevice(devices, addr.SubsystemID)
	if err != nil {
		return "", err
	}
	ns, err := FirstNamespace(dev)
	if err != nil {
		return "", err
	}
	klog.V(4).Infof("Resolved %s to %s on %s", addr, ns.Path(), c.Host())
	return ns.Path(), nil
}

// ResolveController returns the name of the controller that connects addr's
// subsystem through addr's host and port.
func (c *Client) ResolveController(ctx context.Context, addr target.Address) (string, error) {
	timer := c.observe(metrics.OpResolveController)
	name, err := c.resolveController(ctx, addr)
	timer.Observe(err)
	return name, err
}

func (c *Client) resolveController(ctx context.Context, addr target.Address) (string, error) {
	if err := addr.Validate(); err != nil {
		return "", err
	}
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	dev, err := SelectDevice(devices, addr.SubsystemID)
	if err != nil {
		return "", err
	}
	ctrl, err := SelectController(dev, addr.Host, addr.Port)
	if err != nil {
		return "", err
	}
	klog.V(4).Infof("Resolved %s to controller %s on %s", addr, ctrl.Name, c.Host())
	return ctrl.Name, nil
}

// SelectDevice returns the single device whose subsystem NQN equals nqn.
// More than one match means two subsystems share an NQN, which is a
// provisioning defect, so it fails instead of picking one.
func SelectDevice(devices []Device, nqn string) (*Device, error) {
	var matches []*Device
	for i := range devices {
		if devices[i].SubsystemNQN == nqn {
			matches = append(matches, &devices[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no device for subsystem %s", ErrDeviceNotFound, nqn)
	case 1:
		return matches[0], nil
	default:
		klog.Errorf("Found %d devices with subsystem NQN %s", len(matches), nqn)
		return nil, fmt.Errorf("%w: %d devices share subsystem %s", ErrAmbiguousDevice, len(matches), nqn)
	}
}

// SelectController returns the single controller of dev connected through host:port.
func SelectController(dev *Device, host string, port int) (*Controller, error) {
	var matches []*Controller
	for i := range dev.Controllers {
		if dev.Controllers[i].Serves(host, port) {
			matches = append(matches, &dev.Controllers[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no controller of %s at traddr=%s trsvcid=%d", ErrDeviceNotFound, dev.SubsystemNQN, host, port)
	case 1:
		return matches[0], nil
	default:
		klog.Errorf("Found %d controllers of %s at traddr=%s trsvcid=%d", len(matches), dev.SubsystemNQN, host, port)
		return nil, fmt.Errorf("%w: %d controllers of %s at traddr=%s trsvcid=%d", ErrAmbiguousDevice, len(matches), dev.SubsystemNQN, host, port)
	}
}

// FirstNamespace returns the namespace used as the device's client-facing path.
func FirstNamespace(dev *Device) (*Namespace, error) {
	if len(dev.Controllers) > 0 && len(dev.Controllers[0].Namespaces) > 0 {
		return &dev.Controllers[0].Namespaces[0], nil
	}
	if len(dev.Namespaces) > 0 {
		return &dev.Namespaces[0], nil
	}
	return nil, fmt.Errorf("%w: subsystem %s exposes no namespace", ErrDeviceNotFound, dev.SubsystemNQN)
}
