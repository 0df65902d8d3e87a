// Package config loads node and meta-data service settings from an optional
// YAML file followed by environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable used by the replication core and the binaries.
type Config struct {
	// NodeID uniquely identifies this node in shard meta-data.
	NodeID string `yaml:"node_id"`
	// Listen is the local HTTP listen address.
	Listen string `yaml:"listen"`
	// Addr is the public base URL other nodes use to reach this node.
	Addr string `yaml:"addr"`
	// MetaAddr is the base URL of the meta-data service.
	MetaAddr string `yaml:"meta_addr"`
	// MetaPath is the bolt database file used by the meta-data service.
	MetaPath string `yaml:"meta_path"`

	LogLevel string `yaml:"log_level"`

	// NumShards is the size of the key to shard routing table.
	NumShards int `yaml:"num_shards"`

	Replication Replication `yaml:"replication"`
	Health      Health      `yaml:"health"`
}

// Replication tunes lease handling and recovery.
type Replication struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	// OutstandingWindow bounds how far a home node may run ahead of the
	// slowest writeable replica; recovery windows are derived from it.
	OutstandingWindow  uint64        `yaml:"outstanding_window"`
	MaxRecoveryOps     int           `yaml:"max_recovery_ops"`
	CursorPageSize     int           `yaml:"cursor_page_size"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout"`
	SwitchBackTimeout  time.Duration `yaml:"switch_back_timeout"`
	RecoveryRetryDelay time.Duration `yaml:"recovery_retry_delay"`
	RenewRetryDelay    time.Duration `yaml:"renew_retry_delay"`
	// ReleaseLeaseOnShutdown clears the home node on graceful shutdown so a
	// peer can take over without waiting for the lease to expire.
	ReleaseLeaseOnShutdown bool `yaml:"release_lease_on_shutdown"`
}

// Health tunes the peer liveness detector.
type Health struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Listen:    ":8081",
		Addr:      "http://127.0.0.1:8081",
		MetaAddr:  "http://127.0.0.1:8080",
		MetaPath:  "meta.db",
		LogLevel:  "info",
		NumShards: 4,
		Replication: Replication{
			LeaseDuration:          10 * time.Second,
			OutstandingWindow:      1000,
			MaxRecoveryOps:         8,
			CursorPageSize:         64,
			RPCTimeout:             2 * time.Second,
			SwitchBackTimeout:      30 * time.Second,
			RecoveryRetryDelay:     time.Second,
			RenewRetryDelay:        500 * time.Millisecond,
			ReleaseLeaseOnShutdown: true,
		},
		Health: Health{
			Interval:    2 * time.Second,
			Timeout:     time.Second,
			MaxFailures: 3,
		},
	}
}

// Load builds a Config from defaults, then the YAML file at path (if path is
// non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.NodeID = getenv("NODE_ID", c.NodeID)
	c.Listen = getenv("NODE_LISTEN", c.Listen)
	c.Addr = getenv("NODE_ADDR", c.Addr)
	c.MetaAddr = getenv("META_ADDR", c.MetaAddr)
	c.MetaPath = getenv("META_PATH", c.MetaPath)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.NumShards, err = getenvInt("NUM_SHARDS", c.NumShards); err != nil {
		return err
	}
	if c.Replication.LeaseDuration, err = getenvDuration("LEASE_DURATION", c.Replication.LeaseDuration); err != nil {
		return err
	}
	window, err := getenvInt("OUTSTANDING_WINDOW", int(c.Replication.OutstandingWindow))
	if err != nil {
		return err
	}
	c.Replication.OutstandingWindow = uint64(window)
	if c.Replication.RPCTimeout, err = getenvDuration("RPC_TIMEOUT", c.Replication.RPCTimeout); err != nil {
		return err
	}
	if c.Replication.SwitchBackTimeout, err = getenvDuration("SWITCH_BACK_TIMEOUT", c.Replication.SwitchBackTimeout); err != nil {
		return err
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	r := c.Replication
	switch {
	case c.NumShards <= 0:
		return errors.New("num_shards must be positive")
	case r.LeaseDuration <= 0:
		return errors.New("replication.lease_duration must be positive")
	case r.OutstandingWindow == 0:
		return errors.New("replication.outstanding_window must be positive")
	case r.MaxRecoveryOps <= 0:
		return errors.New("replication.max_recovery_ops must be positive")
	case r.CursorPageSize <= 0:
		return errors.New("replication.cursor_page_size must be positive")
	case r.RPCTimeout <= 0:
		return errors.New("replication.rpc_timeout must be positive")
	case r.SwitchBackTimeout <= 0:
		return errors.New("replication.switch_back_timeout must be positive")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("env %s: %w", k, err)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("env %s: %w", k, err)
	}
	return d, nil
}
