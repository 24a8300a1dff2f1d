package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenio/tns-nvmf/pkg/nvme"
	"github.com/fenio/tns-nvmf/pkg/target"
)

// ConnectResult is the outcome of connecting one target.
type ConnectResult struct {
	Target string `json:"target"          yaml:"target"`
	Device string `json:"device,omitempty" yaml:"device,omitempty"`
	Error  string `json:"error,omitempty"  yaml:"error,omitempty"`
}

// parseTargets parses every locator or fails on the first bad one.
func parseTargets(locators []string) ([]target.Address, error) {
	addrs := make([]target.Address, 0, len(locators))
	for _, l := range locators {
		addr, err := target.Parse(l)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

//nolint:govet // field alignment not critical for flag struct
type connectFlags struct {
	reconnectDelay   time.Duration
	ctrlLossTimeout  time.Duration
	keepAliveTimeout time.Duration
	hostNQN          string
	parallel         int
	bounded          bool
}

func newConnectCmd(opts *globalOptions) *cobra.Command {
	flags := &connectFlags{}

	cmd := &cobra.Command{
		Use:   "connect <target>...",
		Short: "Connect subsystems and print their block devices",
		Long: `Connect one or more NVMe-oF/TCP subsystems and print the block device each
one maps to.

Targets of the same subsystem are connected one after another; different
subsystems are connected in parallel.

A bounded connect limits how long the kernel keeps reconnecting a lost
controller. It is used when --bounded or any of the bounding flags is given;
unset values come from the configuration file.

Examples:
  # Connect a single subsystem
  tns-nvmf connect nvmf://10.0.0.5:4420/nqn.2011-06.com.truenas:uuid:pvc-1

  # Connect through two portals with a short loss timeout
  tns-nvmf connect --ctrl-loss-tmo 60s \
    nvmf://10.0.0.5:4420/nqn.2011-06.com.truenas:uuid:pvc-1 \
    nvmf://10.0.1.5:4420/nqn.2011-06.com.truenas:uuid:pvc-1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bounded := flags.bounded
			for _, name := range []string{"reconnect-delay", "ctrl-loss-tmo", "keep-alive-tmo", "hostnqn"} {
				if cmd.Flags().Changed(name) {
					bounded = true
				}
			}
			return runConnect(cmd.Context(), opts, flags, cmd, args, bounded)
		},
	}

	cmd.Flags().BoolVar(&flags.bounded, "bounded", false, "Bound reconnect behavior with the configured defaults")
	cmd.Flags().DurationVar(&flags.reconnectDelay, "reconnect-delay", 0, "Delay between reconnect attempts (-c)")
	cmd.Flags().DurationVar(&flags.ctrlLossTimeout, "ctrl-loss-tmo", 0, "Give up reconnecting after this long (-l)")
	cmd.Flags().DurationVar(&flags.keepAliveTimeout, "keep-alive-tmo", 0, "Keep-alive timeout (-k)")
	cmd.Flags().StringVar(&flags.hostNQN, "hostnqn", "", "Host NQN to connect as (-q)")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 4, "Maximum subsystems connected at once")

	return cmd
}

func runConnect(ctx context.Context, opts *globalOptions, flags *connectFlags, cmd *cobra.Command, locators []string, bounded bool) error {
	addrs, err := parseTargets(locators)
	if err != nil {
		return err
	}

	s, err := opts.newSession(ctx)
	if err != nil {
		return err
	}

	var connectOpts *nvme.ConnectOptions
	if bounded {
		o := s.cfg.ConnectOptions()
		if cmd.Flags().Changed("reconnect-delay") {
			o.ReconnectDelay = flags.reconnectDelay
		}
		if cmd.Flags().Changed("ctrl-loss-tmo") {
			o.CtrlLossTimeout = flags.ctrlLossTimeout
		}
		if cmd.Flags().Changed("keep-alive-tmo") {
			o.KeepAliveTimeout = flags.keepAliveTimeout
		}
		if flags.hostNQN != "" {
			o.HostNQN = flags.hostNQN
		}
		connectOpts = &o
	}

	results, _ := spin(fmt.Sprintf("Connecting %d target(s) on %s...", len(addrs), s.client.Host()),
		func() ([]nvme.Result[string], error) {
			return s.client.ConnectMany(ctx, addrs, flags.parallel, connectOpts), nil
		})

	return outputConnectResults(addrs, results, opts.output)
}

func outputConnectResults(addrs []target.Address, results []nvme.Result[string], format string) error {
	out := make([]ConnectResult, len(results))
	failed := false
	for i, r := range results {
		out[i] = ConnectResult{Target: addrs[i].String(), Device: r.Value}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			failed = true
		}
	}

	handled, err := writeStructured(format, out)
	if err != nil {
		return err
	}
	if !handled {
		for _, r := range out {
			if r.Error != "" {
				printStepf(colorError, iconError, "%s: %s", r.Target, r.Error)
				continue
			}
			printStepf(colorSuccess, iconOK, "%s -> %s", r.Target, r.Device)
		}
	}
	if failed {
		return errOperationsFailed
	}
	return nil
}

func newConnectAllCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect-all <host> <port>",
		Short: "Connect every subsystem a discovery controller advertises",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			err = s.client.ConnectAll(cmd.Context(), args[0], port)
			printResult(err, "Connected all subsystems at %s:%d", args[0], port)
			return err
		},
	}
}

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover <target>",
		Short: "Show the discovery log of a target's portal",
		Long: `Query the discovery controller at the target's host and port, print its
discovery log and check that the target's subsystem is advertised.

Examples:
  tns-nvmf discover nvmf://10.0.0.5:4420/nqn.2011-06.com.truenas:uuid:pvc-1
  tns-nvmf discover -o json nvmf://10.0.0.5:8009/nqn.2014-08.org.nvmexpress.discovery`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := s.client.DiscoveryLog(cmd.Context(), addr.Host, addr.Port)
			if err != nil {
				return err
			}
			handled, err := writeStructured(opts.output, entries)
			if err != nil {
				return err
			}
			if !handled {
				renderDiscovery(entries, addr.SubsystemID)
			}
			for _, e := range entries {
				if e.SubNQN == addr.SubsystemID {
					return nil
				}
			}
			return fmt.Errorf("%w: %s", nvme.ErrNotDiscovered, addr.SubsystemID)
		},
	}
}

func renderDiscovery(entries []nvme.DiscoveryEntry, want string) {
	t := newStyledTable()
	t.AppendHeader([]interface{}{"Subsystem NQN", "Type", "Transport", "Address", "Service", "Port"})
	for _, e := range entries {
		nqn := e.SubNQN
		if nqn == want {
			nqn = colorSuccess.Sprint(nqn)
		}
		t.AppendRow([]interface{}{nqn, e.SubType, e.Transport, e.Address, e.ServiceID, e.PortID})
	}
	t.Render()
}

func newDisconnectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <target>...",
		Short: "Disconnect every controller of the targets' subsystems",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, err := parseTargets(args)
			if err != nil {
				return err
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			failed := false
			for _, addr := range addrs {
				err := s.client.Disconnect(cmd.Context(), addr)
				printResult(err, "Disconnected %s", addr.SubsystemID)
				failed = failed || err != nil
			}
			if failed {
				return errOperationsFailed
			}
			return nil
		},
	}
}

func newDisconnectControllerCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect-controller <controller>",
		Short: "Disconnect a single controller, e.g. nvme3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			err = s.client.DisconnectController(cmd.Context(), args[0])
			printResult(err, "Disconnected controller %s", args[0])
			return err
		},
	}
}

func newDisconnectAllCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect-all",
		Short: "Disconnect every fabric controller on the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			err = s.client.DisconnectAll(cmd.Context())
			printResult(err, "Disconnected all controllers on %s", s.client.Host())
			return err
		},
	}
}
