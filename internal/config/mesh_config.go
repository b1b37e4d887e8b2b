// Package config loads and validates a mesh node's YAML configuration
// file, following the teacher's nested-struct-with-yaml-tags shape and
// pointer-bool-accessor convention for optional flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MeshCurrentConfigVersion is the latest mesh node configuration schema version.
const MeshCurrentConfigVersion = 1

// ErrConfigVersionTooNew is returned when a config file has a version
// newer than what this binary supports.
var ErrConfigVersionTooNew = errors.New("config version too new")

// checkConfigFilePermissions returns an error if a config file grants
// any group or world permission bit (mode&0077 != 0). Config files
// reference the sealed identity keystore path and signaling endpoint.
// A file that cannot be stat'ed passes here; the caller's read reports it.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Config is the root configuration for a mesh node.
type Config struct {
	Version   int                 `yaml:"version,omitempty"`
	Mesh      MeshNodeConfig      `yaml:"mesh"`
	Gossip    MeshGossipConfig    `yaml:"gossip,omitempty"`
	DHT       MeshDHTConfig       `yaml:"dht,omitempty"`
	Crypto    MeshCryptoConfig    `yaml:"crypto"`
	Signaling MeshSignalingConfig `yaml:"signaling"`
	Telemetry TelemetryConfig     `yaml:"telemetry,omitempty"`
}

// TelemetryConfig controls optional Prometheus metrics and audit logging.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// AuditConfig controls structured audit logging of admission decisions.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MeshNodeConfig carries ConnectionManager/PeerDiscovery tuning. Isolated-mode
// retry/timeout bumps are not exposed here: they're fixed constants in
// mesh.ConnectionConfig (spec §3), not per-node tunables.
type MeshNodeConfig struct {
	MaxPeers          int           `yaml:"max_peers"`
	MaxAttempts       int           `yaml:"max_attempts,omitempty"`
	RetryDelay        time.Duration `yaml:"retry_delay,omitempty"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty"`
	AutoDiscovery     *bool         `yaml:"auto_discovery,omitempty"`
	BootstrapPeers    []string      `yaml:"bootstrap_peers,omitempty"`
}

// IsAutoDiscoveryEnabled defaults to true when unset, matching the
// teacher's pointer-bool accessor convention.
func (m *MeshNodeConfig) IsAutoDiscoveryEnabled() bool {
	if m.AutoDiscovery == nil {
		return true
	}
	return *m.AutoDiscovery
}

// MeshGossipConfig carries GossipManager tuning.
type MeshGossipConfig struct {
	MaxTTL          int           `yaml:"max_ttl,omitempty"`
	Expiry          time.Duration `yaml:"expiry,omitempty"`
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`
}

// MeshDHTConfig carries DHT tuning.
type MeshDHTConfig struct {
	ReplicationFactor int           `yaml:"replication_factor,omitempty"`
	EntryTTL          time.Duration `yaml:"entry_ttl,omitempty"`
	SweepInterval     time.Duration `yaml:"sweep_interval,omitempty"`
	QueryTimeout      time.Duration `yaml:"query_timeout,omitempty"`
}

// MeshCryptoConfig points at the node's sealed identity keystore.
type MeshCryptoConfig struct {
	KeyFile         string `yaml:"key_file"`
	AuthorizedPeers string `yaml:"authorized_peers,omitempty"` // optional allowlist file, empty = allow all
}

// MeshSignalingConfig carries the external signaling relay endpoint.
type MeshSignalingConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay,omitempty"`
}

// DefaultConfig returns the mesh node's baseline tuning, mirroring the
// spec's own defaults (ConnectionConfig/GossipConfig/DHTConfig).
func DefaultConfig() *Config {
	return &Config{
		Version: MeshCurrentConfigVersion,
		Mesh: MeshNodeConfig{
			MaxPeers:          6,
			MaxAttempts:       3,
			RetryDelay:        500 * time.Millisecond,
			ConnectionTimeout: 45 * time.Second,
		},
		Gossip: MeshGossipConfig{
			MaxTTL:          10,
			Expiry:          5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		DHT: MeshDHTConfig{
			ReplicationFactor: 3,
			EntryTTL:          24 * time.Hour,
			SweepInterval:     5 * time.Minute,
			QueryTimeout:      5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{ListenAddress: "127.0.0.1:9091"},
		},
	}
}

// LoadConfig loads mesh node configuration from a YAML file, applying
// DefaultConfig for any zero-valued tuning field left unset and
// defaulting an unset Version to MeshCurrentConfigVersion.
func LoadConfig(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = MeshCurrentConfigVersion
	}
	if cfg.Version > MeshCurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d", ErrConfigVersionTooNew, cfg.Version, MeshCurrentConfigVersion)
	}
	return cfg, nil
}
