// Package reputation provides sovereign per-peer interaction history
// for a mesh node. Each node collects its own local data; there is no
// gossip of reputation scores and no centralization. This is Layer 0
// data collection consumed by the connection manager's eviction policy.
package reputation

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shurlinet/shurli/pkg/mesh"
)

// PeerRecord holds interaction history for a single peer.
type PeerRecord struct {
	PeerID          string    `json:"peer_id"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	ConnectionCount int       `json:"connection_count"`
	FailureCount    int       `json:"failure_count"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
}

// Score is a goodness measure in [0,1] derived from the success/failure
// ratio, used to break eviction ties between peers at comparable XOR
// distance.
func (r *PeerRecord) Score() float64 {
	total := r.ConnectionCount + r.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(r.ConnectionCount) / float64(total)
}

// PeerHistory manages the local interaction history file for mesh peers.
type PeerHistory struct {
	mu      sync.RWMutex
	path    string
	records map[mesh.PeerId]*PeerRecord
}

// NewPeerHistory creates or loads a peer history from the given file path.
func NewPeerHistory(path string) *PeerHistory {
	h := &PeerHistory{
		path:    path,
		records: make(map[mesh.PeerId]*PeerRecord),
	}
	_ = h.Load() // best-effort load
	return h
}

// RecordSuccess updates connection count, last_seen, and running
// average latency for peer after a successful connection.
func (h *PeerHistory) RecordSuccess(peer mesh.PeerId, latencyMs float64, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.getOrCreate(peer, now)
	r.LastSeen = now
	r.ConnectionCount++
	if latencyMs > 0 {
		r.AvgLatencyMs += (latencyMs - r.AvgLatencyMs) / float64(r.ConnectionCount)
	}
}

// RecordFailure records a failed connection attempt to peer.
func (h *PeerHistory) RecordFailure(peer mesh.PeerId, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.getOrCreate(peer, now)
	r.LastSeen = now
	r.FailureCount++
}

func (h *PeerHistory) getOrCreate(peer mesh.PeerId, now time.Time) *PeerRecord {
	r, ok := h.records[peer]
	if !ok {
		r = &PeerRecord{PeerID: peer.String(), FirstSeen: now}
		h.records[peer] = r
	}
	return r
}

// Get returns a copy of the record for peer, or nil if untracked.
func (h *PeerHistory) Get(peer mesh.PeerId) *PeerRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[peer]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Score returns peer's reputation score, 0.5 (neutral) if untracked.
func (h *PeerHistory) Score(peer mesh.PeerId) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[peer]
	if !ok {
		return 0.5
	}
	return r.Score()
}

// Count returns the number of peers tracked.
func (h *PeerHistory) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Load reads the history file from disk.
func (h *PeerHistory) Load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read reputation history: %w", err)
	}

	var raw map[string]*PeerRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse reputation history: %w", err)
	}

	records := make(map[mesh.PeerId]*PeerRecord, len(raw))
	for idStr, r := range raw {
		id, err := mesh.ParsePeerId(idStr)
		if err != nil {
			continue // skip unparsable entries rather than fail the whole load
		}
		records[id] = r
	}

	h.mu.Lock()
	h.records = records
	h.mu.Unlock()
	return nil
}

// Save writes the history file to disk atomically.
func (h *PeerHistory) Save() error {
	h.mu.RLock()
	raw := make(map[string]*PeerRecord, len(h.records))
	for id, r := range h.records {
		raw[id.String()] = r
	}
	h.mu.RUnlock()

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reputation history: %w", err)
	}

	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
