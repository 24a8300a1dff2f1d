// Package main implements tns-nvmf, a command line tool for NVMe-oF/TCP
// connections and persistent reservations.
//
// Usage:
//
//	tns-nvmf connect nvmf://10.0.0.5:4420/nqn.2011-06.com.truenas:uuid:pvc-1
//	tns-nvmf list                          # Connected subsystems and their devices
//	tns-nvmf --host worker-1 list          # Same, on a Kubernetes node through the agent pod
//	tns-nvmf resv report /dev/nvme0n1      # Persistent reservation status
//	tns-nvmf exporter                      # Serve Prometheus metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fenio/tns-nvmf/pkg/config"
	"github.com/fenio/tns-nvmf/pkg/hostexec"
	"github.com/fenio/tns-nvmf/pkg/nvme"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Build information (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

// Static errors for the CLI.
var (
	errUnknownOutputFormat = errors.New("unknown output format")
	errOperationsFailed    = errors.New("one or more operations failed")
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	host       string
	kubeconfig string
	output     string
	klogFlags  *flag.FlagSet
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tns-nvmf",
		Short: "Manage NVMe-oF/TCP connections and reservations",
		Long: `tns-nvmf connects NVMe-oF/TCP subsystems, maps them to local block devices,
manages persistent reservation keys and tears connections down.

Targets are written as nvmf://host:port/subsystem-nqn.

Commands run on the local host through nvme-cli (with the configured privilege
prefix), or on a Kubernetes node with --host, through the privileged agent pod
scheduled on that node.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
	}

	opts.klogFlags = flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(opts.klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(opts.klogFlags)

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.host, "host", "", "Kubernetes node to operate on (default: this host)")
	rootCmd.PersistentFlags().StringVar(&opts.kubeconfig, "kubeconfig", "", "Path to kubeconfig for --host (default: config remote.kubeconfig, then in-cluster)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputFormatTable, "Output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging (equivalent to -v=4)")

	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newConnectAllCmd(opts))
	rootCmd.AddCommand(newDiscoverCmd(opts))
	rootCmd.AddCommand(newDisconnectCmd(opts))
	rootCmd.AddCommand(newDisconnectControllerCmd(opts))
	rootCmd.AddCommand(newDisconnectAllCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newResolveCmd(opts))
	rootCmd.AddCommand(newIDNSCmd(opts))
	rootCmd.AddCommand(newIDCtrlCmd(opts))
	rootCmd.AddCommand(newListSubsysCmd(opts))
	rootCmd.AddCommand(newResvCmd(opts))
	rootCmd.AddCommand(newForceRemoveCmd(opts))
	rootCmd.AddCommand(newGenHostNQNCmd())
	rootCmd.AddCommand(newExporterCmd(opts))

	return rootCmd
}

// setupLogging maps --debug and DEBUG_NVMF to klog verbosity 4.
func (o *globalOptions) setupLogging() error {
	if o.debug || os.Getenv("DEBUG_NVMF") == "true" || os.Getenv("DEBUG_NVMF") == "1" {
		if err := o.klogFlags.Set("v", "4"); err != nil {
			klog.Warningf("Failed to set verbosity level: %v", err)
		}
	}
	return nil
}

// loadConfig reads the configuration file and applies flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.kubeconfig != "" {
		cfg.Remote.Kubeconfig = o.kubeconfig
	}
	return cfg, nil
}

// isLocal reports whether commands run on this host.
func (o *globalOptions) isLocal() bool {
	return o.host == "" || o.host == hostexec.LocalHost
}

// newRunner builds the command runner for the selected host.
func (o *globalOptions) newRunner(cfg *config.Config) (hostexec.Runner, error) {
	if o.isLocal() {
		return hostexec.NewLocal(cfg.PrivilegePrefix...), nil
	}
	runner, err := hostexec.NewPodFromKubeconfig(cfg.Remote.Kubeconfig, o.host, cfg.PodOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to reach host %s: %w", o.host, err)
	}
	return runner, nil
}

// session bundles what a command needs to run operations.
type session struct {
	cfg    *config.Config
	runner hostexec.Runner
	client *nvme.Client
}

// newSession loads configuration and builds the client for the selected host.
func (o *globalOptions) newSession(_ context.Context) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if !o.isLocal() && cfg.Inventory == config.InventorySysfs {
		klog.Warningf("sysfs inventory only reads this host; listing %s with nvme-cli", o.host)
	}
	runner, err := o.newRunner(cfg)
	if err != nil {
		return nil, err
	}
	klog.V(4).Infof("Operating on %s (transport %s)", runner.Host(), cfg.Transport)
	return &session{
		cfg:    cfg,
		runner: runner,
		client: nvme.NewClient(runner, cfg.ClientOptions(o.isLocal())...),
	}, nil
}
