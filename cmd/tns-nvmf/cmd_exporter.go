package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/fenio/tns-nvmf/pkg/config"
	"github.com/fenio/tns-nvmf/pkg/hostexec"
	"github.com/fenio/tns-nvmf/pkg/metrics"
	"github.com/fenio/tns-nvmf/pkg/nvme"
)

func newExporterCmd(opts *globalOptions) *cobra.Command {
	var (
		addr     string
		interval time.Duration
		hosts    []string
	)

	cmd := &cobra.Command{
		Use:   "exporter",
		Short: "Serve Prometheus metrics for NVMe-oF inventory",
		Long: `Serve Prometheus metrics on /metrics and refresh the subsystem and controller
gauges of one or more hosts periodically.

Examples:
  # Export this host
  tns-nvmf exporter --addr :9120

  # Export three Kubernetes nodes through their agent pods
  tns-nvmf exporter --hosts worker-1,worker-2,worker-3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Metrics.Addr = addr
			}
			if cmd.Flags().Changed("interval") {
				cfg.Metrics.Interval = interval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if len(hosts) == 0 {
				hosts = []string{opts.host}
			}
			return runExporter(cmd.Context(), opts, cfg, hosts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: config metrics.addr)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Inventory refresh interval (default: config metrics.interval)")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Hosts to export (default: --host)")
	return cmd
}

func runExporter(ctx context.Context, opts *globalOptions, cfg *config.Config, hosts []string) error {
	clients := make([]*nvme.Client, 0, len(hosts))
	for _, host := range hosts {
		hostOpts := *opts
		hostOpts.host = host
		runner, err := hostOpts.newRunner(cfg)
		if err != nil {
			return err
		}
		clients = append(clients, nvme.NewClient(runner, cfg.ClientOptions(hostOpts.isLocal())...))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		klog.Infof("Serving metrics on %s/metrics for %d host(s)", cfg.Metrics.Addr, len(clients))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	//nolint:contextcheck // Shutdown intentionally uses a fresh context once gctx is done
	g.Go(func() error {
		<-gctx.Done()
		klog.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("Server shutdown error: %v", err)
		}
		return nil
	})

	for _, client := range clients {
		g.Go(func() error {
			wait.UntilWithContext(gctx, func(ctx context.Context) {
				refreshInventory(ctx, client)
			}, cfg.Metrics.Interval)
			return nil
		})
	}

	return g.Wait()
}

// refreshInventory updates a host's inventory gauges, dropping them when the
// host cannot be queried so stale counts are not exported.
func refreshInventory(ctx context.Context, client *nvme.Client) {
	if _, err := client.ListDevices(ctx); err != nil {
		if errors.Is(err, hostexec.ErrHostNotFound) {
			klog.Warningf("No agent pod for %s: %v", client.Host(), err)
		} else {
			klog.Errorf("Inventory refresh on %s failed: %v", client.Host(), err)
		}
		metrics.DeleteInventory(client.Host())
	}
}
