// Package config loads a replica's boot parameters from YAML with
// environment-variable overrides, mirroring the teacher's nested-struct
// plus applyEnvOverrides idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is everything a replica needs to boot.
type Config struct {
	Replica ReplicaConfig `yaml:"replica"`
	Grid    GridConfig    `yaml:"grid"`
	Storage StorageConfig `yaml:"storage"`
	Network NetworkConfig `yaml:"network"`
	Redis   RedisConfig   `yaml:"redis"`
	Status  StatusConfig  `yaml:"status"`
}

// ReplicaConfig identifies this process within the roster and the BFT
// parameters it runs under.
type ReplicaConfig struct {
	Self       string `yaml:"self"`
	RosterPath string `yaml:"roster_path"`
	ListenAddr string `yaml:"listen_addr"`
	// F is the assumed upper bound on byzantine replicas (spec.md's "f").
	F int `yaml:"f"`
}

// GridConfig carries the location-certification parameters: grid size and
// the line-collusion bound proofs must clear.
type GridConfig struct {
	Edge  int `yaml:"edge"`
	FLine int `yaml:"f_line"`
}

// StorageConfig points at the snapshot file each replica persists to.
type StorageConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

// NetworkConfig configures the replica-to-replica TCP transport and the
// proof-of-work difficulty imposed on client requests.
type NetworkConfig struct {
	Replicas       map[string]string `yaml:"replicas"` // replica id -> host:port
	DialTimeoutMs  int               `yaml:"dial_timeout_ms"`
	RetryBackoffMs int               `yaml:"retry_backoff_ms"`
	PowDifficulty  int               `yaml:"pow_difficulty"`
}

// RedisConfig enables the optional secondary gossip transport.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StatusConfig configures the ambient HTTP observability surface.
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads path and applies environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Replica.Self = getEnv("LOCUSCERT_SELF", c.Replica.Self)
	c.Replica.RosterPath = getEnv("LOCUSCERT_ROSTER_PATH", c.Replica.RosterPath)
	c.Replica.ListenAddr = getEnv("LOCUSCERT_LISTEN_ADDR", c.Replica.ListenAddr)
	if v := getEnvInt("LOCUSCERT_F", -1); v >= 0 {
		c.Replica.F = v
	}

	if v := getEnvInt("LOCUSCERT_GRID_EDGE", 0); v > 0 {
		c.Grid.Edge = v
	}
	if v := getEnvInt("LOCUSCERT_F_LINE", -1); v >= 0 {
		c.Grid.FLine = v
	}

	c.Storage.SnapshotPath = getEnv("LOCUSCERT_SNAPSHOT_PATH", c.Storage.SnapshotPath)

	if v := getEnvInt("LOCUSCERT_DIAL_TIMEOUT_MS", 0); v > 0 {
		c.Network.DialTimeoutMs = v
	}
	if v := getEnvInt("LOCUSCERT_RETRY_BACKOFF_MS", 0); v > 0 {
		c.Network.RetryBackoffMs = v
	}
	if v := getEnvInt("LOCUSCERT_POW_DIFFICULTY", -1); v >= 0 {
		c.Network.PowDifficulty = v
	}

	c.Redis.Enabled = getEnvBool("LOCUSCERT_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("LOCUSCERT_REDIS_ADDR", c.Redis.Addr)

	c.Status.ListenAddr = getEnv("LOCUSCERT_STATUS_ADDR", c.Status.ListenAddr)
}

// DialTimeout and RetryBackoff convert the millisecond config fields to
// time.Duration for callers.
func (n NetworkConfig) DialTimeout() time.Duration {
	return time.Duration(n.DialTimeoutMs) * time.Millisecond
}

func (n NetworkConfig) RetryBackoff() time.Duration {
	return time.Duration(n.RetryBackoffMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
