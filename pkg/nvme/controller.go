package nvme

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fenio/tns-nvmf/pkg/metrics"
	"k8s.io/klog/v2"
)

// controllerNameRe matches a controller or namespace device name with an
// optional /dev/ prefix. Group 2 is the controller.
var controllerNameRe = regexp.MustCompile(`^(/dev/)?(nvme\d+)(n\d+)?$`)

// ControllerName returns the controller that owns a device, e.g.
// "/dev/nvme3n1" and "nvme3" both yield "nvme3".
func ControllerName(device string) (string, error) {
	m := controllerNameRe.FindStringSubmatch(strings.TrimSpace(device))
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidControllerName, device)
	}
	return m[2], nil
}

// ForceRemoveController asks the kernel to delete the controller owning
// device by writing to its sysfs delete_controller attribute. The write runs
// through the client's runner so it gets the same privileges and host as any
// nvme-cli command.
func (c *Client) ForceRemoveController(ctx context.Context, device string) error {
	timer := c.observe(metrics.OpForceRemoveController)
	ctrl, err := ControllerName(device)
	if err != nil {
		timer.ObserveError()
		return err
	}

	attr := path.Join(c.sysfsRoot, ctrl, "delete_controller")
	klog.V(4).Infof("Force removing controller %s on %s via %s", ctrl, c.Host(), attr)
	// The path travels as a positional parameter so the shell never parses it.
	if _, err := c.runner.Run(ctx, "sh", "-c", `echo 1 > "$1"`, "sh", attr); err != nil {
		err = commandFailed("delete_controller "+ctrl, err)
		timer.ObserveError()
		return err
	}
	timer.ObserveSuccess()
	return nil
}
