package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shurlinet/shurli/pkg/mesh"
)

// MeshGate is an optional allowlist of authorized PeerIds consulted by
// SignalingHandler before admission, layered above the capacity/eviction
// rules. An empty gate (the zero value, or one loaded from no file)
// allows every peer, so this feature is additive and off by default.
type MeshGate struct {
	mu        sync.RWMutex
	allowed   map[mesh.PeerId]bool
	allowList bool // true once at least one peer has been loaded/added
}

// NewMeshGate returns a gate that allows every peer until Add/Load
// populates an allowlist.
func NewMeshGate() *MeshGate {
	return &MeshGate{allowed: make(map[mesh.PeerId]bool)}
}

// Add authorizes peer.
func (g *MeshGate) Add(peer mesh.PeerId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[peer] = true
	g.allowList = true
}

// IsAuthorized reports whether peer may be admitted. With no peers
// ever added, every peer is authorized (allow-all default).
func (g *MeshGate) IsAuthorized(peer mesh.PeerId) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.allowList {
		return true
	}
	return g.allowed[peer]
}

// LoadAuthorizedPeers loads a MeshGate from a file of hex-encoded
// PeerIds, one per line, '#' comments and blank lines ignored.
func LoadAuthorizedPeers(path string) (*MeshGate, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open authorized peers file: %w", err)
	}
	defer file.Close()

	g := NewMeshGate()
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		id, err := mesh.ParsePeerId(line)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id at line %d: %s (error: %w)", lineNum, line, err)
		}
		g.Add(id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading authorized peers file: %w", err)
	}
	return g, nil
}
