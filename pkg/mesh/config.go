package mesh

import "time"

// ConnectionConfig tunes ConnectionManager per spec §3.
type ConnectionConfig struct {
	MaxPeers          int
	MaxAttempts       int           // default 3, 5 when isolated
	RetryDelay        time.Duration // default 500ms, 200ms when isolated
	ConnectionTimeout time.Duration // default 45s data-only, 60s with media, +15s when isolated
	WithMedia         bool
	EvictionEnabled   bool
}

// DefaultConnectionConfig returns the spec's baseline tuning.
func DefaultConnectionConfig(maxPeers int) ConnectionConfig {
	return ConnectionConfig{
		MaxPeers:          maxPeers,
		MaxAttempts:       3,
		RetryDelay:        500 * time.Millisecond,
		ConnectionTimeout: 45 * time.Second,
		EvictionEnabled:   true,
	}
}

func (c ConnectionConfig) isolatedMaxAttempts() int { return 5 }
func (c ConnectionConfig) isolatedRetryDelay() time.Duration { return 200 * time.Millisecond }
func (c ConnectionConfig) timeoutFor(isolated bool) time.Duration {
	d := c.ConnectionTimeout
	if c.WithMedia {
		d = 60 * time.Second
	}
	if isolated {
		d += 15 * time.Second
	}
	return d
}

// DiscoveryConfig tunes PeerDiscovery per spec §3.
type DiscoveryConfig struct {
	AutoDiscovery   bool
	EvictionEnabled bool
	XorRouting      bool
	MinPeers        int
	MaxPeers        int
	StaleAfter      time.Duration // default 5m
}

// DefaultDiscoveryConfig returns the spec's baseline tuning.
func DefaultDiscoveryConfig(maxPeers int) DiscoveryConfig {
	return DiscoveryConfig{
		AutoDiscovery: true,
		XorRouting:    true,
		MaxPeers:      maxPeers,
		StaleAfter:    5 * time.Minute,
	}
}

// GossipConfig tunes GossipManager per spec §3.
type GossipConfig struct {
	MaxTTL          int           // default 10, raisable to ~40 for multi-hub meshes
	Expiry          time.Duration // default 5m
	CleanupInterval time.Duration // default 1m
	NetworkName     string
}

// DefaultGossipConfig returns the spec's baseline tuning.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		MaxTTL:          10,
		Expiry:          5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// DHTConfig tunes the DHT per spec §3/§4.6.
type DHTConfig struct {
	ReplicationFactor int           // default 3
	EntryTTL          time.Duration // default 24h
	SweepInterval     time.Duration // default 5m
	QueryTimeout      time.Duration // default 5s per spec §4.6 get
}

// DefaultDHTConfig returns the spec's baseline tuning.
func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		ReplicationFactor: 3,
		EntryTTL:          24 * time.Hour,
		SweepInterval:     5 * time.Minute,
		QueryTimeout:      5 * time.Second,
	}
}
