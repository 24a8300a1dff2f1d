// Package config loads tns-nvmf settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fenio/tns-nvmf/pkg/hostexec"
	"github.com/fenio/tns-nvmf/pkg/nvme"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "/etc/tns-nvmf/config.yaml"

// Inventory sources.
const (
	InventoryCLI   = "cli"
	InventorySysfs = "sysfs"
)

// ErrInvalidConfig is returned for settings that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every tunable of the CLI and exporter.
type Config struct {
	Transport       string        `yaml:"transport"`
	Inventory       string        `yaml:"inventory"`
	SysfsRoot       string        `yaml:"sysfsRoot"`
	PrivilegePrefix []string      `yaml:"privilegePrefix"`
	Remote          RemoteConfig  `yaml:"remote"`
	Metrics         MetricsConfig `yaml:"metrics"`
	Connect         ConnectConfig `yaml:"connect"`
	SettleDelay     time.Duration `yaml:"settleDelay"`
}

// ConnectConfig holds the bounded-connect parameters.
type ConnectConfig struct {
	HostNQN          string        `yaml:"hostNQN"`
	ReconnectDelay   time.Duration `yaml:"reconnectDelay"`
	CtrlLossTimeout  time.Duration `yaml:"ctrlLossTimeout"`
	KeepAliveTimeout time.Duration `yaml:"keepAliveTimeout"`
}

// RemoteConfig locates the agent pods used to run commands on other nodes.
type RemoteConfig struct {
	Kubeconfig    string   `yaml:"kubeconfig"`
	Namespace     string   `yaml:"namespace"`
	LabelSelector string   `yaml:"labelSelector"`
	Container     string   `yaml:"container"`
	Prefix        []string `yaml:"prefix"`
}

// MetricsConfig configures the exporter.
type MetricsConfig struct {
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport:       nvme.DefaultTransport,
		Inventory:       InventoryCLI,
		SysfsRoot:       nvme.DefaultSysfsRoot,
		PrivilegePrefix: []string{"sudo"},
		SettleDelay:     nvme.DefaultSettleDelay,
		Connect: ConnectConfig{
			ReconnectDelay:  nvme.DefaultReconnectDelay,
			CtrlLossTimeout: nvme.DefaultCtrlLossTimeout,
		},
		Remote: RemoteConfig{
			Namespace:     hostexec.DefaultAgentNamespace,
			LabelSelector: hostexec.DefaultAgentSelector,
			Prefix:        []string{"nsenter", "--target", "1", "--mount", "--net", "--"},
		},
		Metrics: MetricsConfig{
			Addr:     ":8080",
			Interval: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	//nolint:gosec // Config path comes from the operator
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
// Bounded-connect values are passed to nvme-cli as given.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport) == "" {
		return fmt.Errorf("%w: transport must not be empty", ErrInvalidConfig)
	}
	switch c.Inventory {
	case InventoryCLI, InventorySysfs:
	default:
		return fmt.Errorf("%w: inventory must be %q or %q, got %q", ErrInvalidConfig, InventoryCLI, InventorySysfs, c.Inventory)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: settleDelay must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Metrics.Addr) == "" {
		return fmt.Errorf("%w: metrics.addr must not be empty", ErrInvalidConfig)
	}
	if c.Metrics.Interval <= 0 {
		return fmt.Errorf("%w: metrics.interval must be positive", ErrInvalidConfig)
	}
	if c.Connect.HostNQN != "" && !strings.HasPrefix(c.Connect.HostNQN, "nqn.") {
		return fmt.Errorf("%w: connect.hostNQN %q is not an NQN", ErrInvalidConfig, c.Connect.HostNQN)
	}
	return nil
}

// ConnectOptions returns the bounded-connect options.
func (c *Config) ConnectOptions() nvme.ConnectOptions {
	return nvme.ConnectOptions{
		HostNQN:          c.Connect.HostNQN,
		ReconnectDelay:   c.Connect.ReconnectDelay,
		CtrlLossTimeout:  c.Connect.CtrlLossTimeout,
		KeepAliveTimeout: c.Connect.KeepAliveTimeout,
	}
}

// ClientOptions returns the nvme.Client options for these settings.
// The sysfs inventory only applies to the local host.
func (c *Config) ClientOptions(local bool) []nvme.Option {
	opts := []nvme.Option{
		nvme.WithTransport(c.Transport),
		nvme.WithSettleDelay(c.SettleDelay),
		nvme.WithSysfsRoot(c.SysfsRoot),
	}
	if local && c.Inventory == InventorySysfs {
		opts = append(opts, nvme.WithInventory(&nvme.SysfsInventory{Root: c.SysfsRoot}))
	}
	return opts
}

// PodOptions returns the remote runner options.
func (c *Config) PodOptions() hostexec.PodOptions {
	return hostexec.PodOptions{
		Namespace:     c.Remote.Namespace,
		LabelSelector: c.Remote.LabelSelector,
		Container:     c.Remote.Container,
		Prefix:        c.Remote.Prefix,
	}
}
