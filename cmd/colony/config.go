package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cuemby/colony/pkg/types"
	"gopkg.in/yaml.v3"
)

// MembershipConfig configures the heartbeat transport of a daemon
type MembershipConfig struct {
	// Listen is the gRPC bind address for heartbeats and messages
	Listen string `yaml:"listen"`
	// Advertise is the endpoint peers dial; defaults to the bound address
	Advertise         string        `yaml:"advertise,omitempty"`
	Seeds             []string      `yaml:"seeds,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval,omitempty"`
	FailureTimeout    time.Duration `yaml:"failureTimeout,omitempty"`
}

// StoreConfig selects where the cluster configuration lives
type StoreConfig struct {
	// Type is "file" or "bolt"
	Type string `yaml:"type"`
	// Path is the YAML file for the file store
	Path string `yaml:"path,omitempty"`
	// DataDir holds colony.db for the bolt store
	DataDir string `yaml:"dataDir,omitempty"`
}

// RedisConfig enables the Redis event sink when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// MasterConfig is the optional YAML file of `colony master`
type MasterConfig struct {
	Host       string           `yaml:"host"`
	Membership MembershipConfig `yaml:"membership"`
	Store      StoreConfig      `yaml:"store"`
	// Catalog is the service catalogue used for auto-configured nodes
	Catalog string `yaml:"catalog,omitempty"`

	AutoConfig           bool `yaml:"autoConfig"`
	AutoUnconfigure      bool `yaml:"autoUnconfigure"`
	UnconfigureOnStartup bool `yaml:"unconfigureOnStartup"`

	ViewPollInterval time.Duration `yaml:"viewPollInterval,omitempty"`
	ViewMaxWait      time.Duration `yaml:"viewMaxWait,omitempty"`

	APIAddr     string `yaml:"apiAddr"`
	APIReadOnly bool   `yaml:"apiReadOnly,omitempty"`

	MetricsInterval time.Duration `yaml:"metricsInterval,omitempty"`
	Redis           RedisConfig   `yaml:"redis,omitempty"`
}

// AgentConfig is the optional YAML file of `colony agent`
type AgentConfig struct {
	Host       string           `yaml:"host"`
	Membership MembershipConfig `yaml:"membership"`

	MaxRestarts  int           `yaml:"maxRestarts,omitempty"`
	RestartWait  time.Duration `yaml:"restartWait,omitempty"`
	ShutdownWait time.Duration `yaml:"shutdownWait,omitempty"`
	MinUptime    time.Duration `yaml:"minUptime,omitempty"`

	HealthReportInterval time.Duration `yaml:"healthReportInterval,omitempty"`
	HostStatsInterval    time.Duration `yaml:"hostStatsInterval,omitempty"`

	StatusAddr     string `yaml:"statusAddr"`
	StatusReadOnly bool   `yaml:"statusReadOnly,omitempty"`
}

func defaultHost() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// DefaultMasterConfig returns the settings used when no file is given
func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Host: defaultHost(),
		Membership: MembershipConfig{
			Listen:            "0.0.0.0:7946",
			HeartbeatInterval: time.Second,
			FailureTimeout:    5 * time.Second,
		},
		Store: StoreConfig{
			Type: "file",
			Path: "./colony.yaml",
		},
		AutoConfig:       true,
		AutoUnconfigure:  true,
		ViewPollInterval: time.Second,
		ViewMaxWait:      30 * time.Second,
		APIAddr:          "127.0.0.1:7070",
		MetricsInterval:  15 * time.Second,
		Redis: RedisConfig{
			Channel: "colony:events",
		},
	}
}

// DefaultAgentConfig returns the settings used when no file is given
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Host: defaultHost(),
		Membership: MembershipConfig{
			Listen:            "0.0.0.0:7947",
			HeartbeatInterval: time.Second,
			FailureTimeout:    5 * time.Second,
		},
		MaxRestarts:          3,
		RestartWait:          2 * time.Second,
		ShutdownWait:         5 * time.Second,
		HealthReportInterval: 10 * time.Second,
		HostStatsInterval:    15 * time.Second,
		StatusAddr:           "127.0.0.1:7071",
	}
}

// LoadMasterConfig overlays the YAML file at path on the defaults. An empty
// path returns the defaults. Callers validate once flags are applied.
func LoadMasterConfig(path string) (MasterConfig, error) {
	cfg := DefaultMasterConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAgentConfig overlays the YAML file at path on the defaults
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks a master configuration
func (c MasterConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Membership.Listen == "" {
		return fmt.Errorf("membership listen address is required")
	}
	switch c.Store.Type {
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the file store")
		}
	case "bolt":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store dataDir is required for the bolt store")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.ViewMaxWait < 0 || c.ViewPollInterval < 0 {
		return fmt.Errorf("view wait durations must not be negative")
	}
	return nil
}

// Validate checks an agent configuration
func (c AgentConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Membership.Listen == "" {
		return fmt.Errorf("membership listen address is required")
	}
	if len(c.Membership.Seeds) == 0 {
		return fmt.Errorf("at least one membership seed is required")
	}
	if c.MaxRestarts < 1 {
		return fmt.Errorf("maxRestarts must be at least 1")
	}
	if c.HealthReportInterval <= 0 || c.HostStatsInterval <= 0 {
		return fmt.Errorf("report intervals must be positive")
	}
	return nil
}

// self builds the member address. Without an advertised endpoint a
// wildcard listen address is advertised under the host name.
func (m MembershipConfig) self(host string, kind types.NodeKind) types.Address {
	addr := types.Address{Host: host, Kind: kind, Endpoint: m.Advertise}
	if addr.Endpoint != "" {
		return addr
	}

	bindHost, port, err := net.SplitHostPort(m.Listen)
	if err != nil || port == "0" {
		return addr
	}
	switch bindHost {
	case "", "0.0.0.0", "::":
		addr.Endpoint = net.JoinHostPort(host, port)
	default:
		addr.Endpoint = m.Listen
	}
	return addr
}
