package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/fenio/tns-nvmf/pkg/mount"
	"github.com/fenio/tns-nvmf/pkg/nvme"
	"github.com/fenio/tns-nvmf/pkg/target"
)

// DeviceInfo is a connected subsystem with the mounts of its namespaces.
type DeviceInfo struct {
	nvme.Device `yaml:",inline"`
	Mounts      map[string][]string `json:"mounts,omitempty" yaml:"mounts,omitempty"`
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var noMounts bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connected subsystems, controllers and devices",
		Long: `List every connected NVMe subsystem with its controllers, namespace devices
and where those devices are mounted.

Examples:
  # Table view of this host
  tns-nvmf list

  # YAML view of a Kubernetes node
  tns-nvmf --host worker-1 list -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, !noMounts)
		},
	}
	cmd.Flags().BoolVar(&noMounts, "no-mounts", false, "Skip looking up mount points")
	return cmd
}

func runList(ctx context.Context, opts *globalOptions, withMounts bool) error {
	s, err := opts.newSession(ctx)
	if err != nil {
		return err
	}

	devices, err := spin("Reading inventory on "+s.client.Host()+"...", func() ([]nvme.Device, error) {
		return s.client.ListDevices(ctx)
	})
	if err != nil {
		return err
	}

	var mounts map[string][]string
	if withMounts {
		mounts, err = mount.Table(ctx, s.runner)
		if err != nil {
			klog.Warningf("Could not read mounts on %s: %v", s.client.Host(), err)
		}
	}

	infos := buildDeviceInfos(devices, mounts)
	handled, err := writeStructured(opts.output, infos)
	if err != nil || handled {
		return err
	}

	if len(infos) == 0 {
		printStepf(colorMuted, iconWarning, "No NVMe-oF subsystems connected on %s", s.client.Host())
		return nil
	}
	renderDevices(infos)
	return nil
}

// buildDeviceInfos attaches mount points to every namespace device.
func buildDeviceInfos(devices []nvme.Device, mounts map[string][]string) []DeviceInfo {
	infos := make([]DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		info := DeviceInfo{Device: dev}
		for _, ns := range deviceNamespaces(dev) {
			if targets := mounts[ns.Path()]; len(targets) > 0 {
				if info.Mounts == nil {
					info.Mounts = map[string][]string{}
				}
				info.Mounts[ns.Path()] = targets
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// deviceNamespaces returns the head namespaces and every controller's namespaces.
func deviceNamespaces(dev nvme.Device) []nvme.Namespace {
	all := append([]nvme.Namespace(nil), dev.Namespaces...)
	for _, c := range dev.Controllers {
		all = append(all, c.Namespaces...)
	}
	return all
}

func renderDevices(infos []DeviceInfo) {
	t := newStyledTable()
	t.AppendHeader([]interface{}{"Subsystem NQN", "Controller", "Transport", "Address", "Device", "Size", "Mounted on"})
	for _, info := range infos {
		namespaces := deviceNamespaces(info.Device)
		nsCol := make([]string, 0, len(namespaces))
		sizeCol := make([]string, 0, len(namespaces))
		var mountCol []string
		for _, ns := range namespaces {
			nsCol = append(nsCol, ns.Path())
			sizeCol = append(sizeCol, formatBytes(ns.PhysicalSize))
			mountCol = append(mountCol, info.Mounts[ns.Path()]...)
		}

		for i, c := range info.Controllers {
			nqn, dev, size, mounted := "", "", "", ""
			if i == 0 {
				nqn = colorHeader.Sprint(info.SubsystemNQN)
				dev = orDash(strings.Join(nsCol, "\n"))
				size = strings.Join(sizeCol, "\n")
				mounted = orDash(strings.Join(mountCol, "\n"))
			}
			t.AppendRow([]interface{}{nqn, c.Name, c.Transport, c.Address, dev, size, mounted})
		}
	}
	t.Render()
}

func newResolveCmd(opts *globalOptions) *cobra.Command {
	var controller bool

	cmd := &cobra.Command{
		Use:   "resolve <target>",
		Short: "Print the device (or controller) a connected target maps to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			var result string
			if controller {
				result, err = s.client.ResolveController(cmd.Context(), addr)
			} else {
				result, err = s.client.ResolveDevicePath(cmd.Context(), addr)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&controller, "controller", false, "Resolve the controller serving the target's host and port")
	return cmd
}

func newIDNSCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "id-ns <device>",
		Short: "Show the NGUID and EUI-64 of a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			id, err := s.client.IdentifyNamespace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			handled, err := writeStructured(opts.output, id)
			if err != nil || handled {
				return err
			}
			t := newStyledTable()
			t.AppendHeader([]interface{}{"Device", "NGUID", "EUI64"})
			t.AppendRow([]interface{}{args[0], orDash(id.NGUID), orDash(id.EUI64)})
			t.Render()
			return nil
		},
	}
}

func newIDCtrlCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "id-ctrl <device>",
		Short: "Show controller identity and reservation support",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			id, err := s.client.IdentifyController(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			handled, err := writeStructured(opts.output, id)
			if err != nil || handled {
				return err
			}
			t := newStyledTable()
			t.AppendHeader([]interface{}{"Field", "Value"})
			t.AppendRow([]interface{}{"Subsystem NQN", id.SubsystemNQN})
			t.AppendRow([]interface{}{"Model", id.ModelNumber})
			t.AppendRow([]interface{}{"Serial", id.SerialNumber})
			t.AppendRow([]interface{}{"Firmware", id.Firmware})
			t.AppendRow([]interface{}{"Controller ID", id.Cntlid})
			t.AppendRow([]interface{}{"Reservations", supportBadge(id.Supports(nvme.ONCSReservations))})
			t.AppendRow([]interface{}{"Write Zeroes", supportBadge(id.Supports(nvme.ONCSWriteZeroes))})
			t.AppendRow([]interface{}{"Dataset Management", supportBadge(id.Supports(nvme.ONCSDatasetManagement))})
			t.Render()
			return nil
		},
	}
}

func supportBadge(ok bool) string {
	if ok {
		return colorSuccess.Sprint("supported")
	}
	return colorMuted.Sprint("no")
}

func newListSubsysCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list-subsys [device]",
		Short: "Show the controller paths of subsystems",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device := ""
			if len(args) == 1 {
				device = args[0]
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			subs, err := s.client.ListSubsystems(cmd.Context(), device)
			if err != nil {
				return err
			}
			handled, err := writeStructured(opts.output, subs)
			if err != nil || handled {
				return err
			}
			t := newStyledTable()
			t.AppendHeader([]interface{}{"Subsystem", "NQN", "Path", "Transport", "Address", "State", "ANA"})
			for _, sub := range subs {
				for i, p := range sub.Paths {
					name, nqn := "", ""
					if i == 0 {
						name, nqn = sub.Name, sub.NQN
					}
					t.AppendRow([]interface{}{name, nqn, p.Name, p.Transport, p.Address, stateBadge(p.State), orDash(p.ANAState)})
				}
			}
			t.Render()
			return nil
		},
	}
}
