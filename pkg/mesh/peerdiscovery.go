package mesh

import (
	"sort"
	"sync"
	"time"
)

// PeerEntry is one row of the discovery table (spec §4.3).
type PeerEntry struct {
	ID       PeerId
	LastSeen time.Time
	Source   string // "signaling", "bootstrap", "manual"
}

// Connector is the capability PeerDiscovery uses to drive admission
// decisions without importing ConnectionManager directly.
type Connector interface {
	ConnectToPeer(target PeerId) error
	PeerCount() int
	ConnectedCount() int
	ClearAttemptState(id PeerId)
}

// PeerDiscovery maintains the set of known peers ordered by XOR
// distance from self, and drives connection attempts toward the
// closest unconnected peers (spec §4.3).
type PeerDiscovery struct {
	self PeerId
	cfg  DiscoveryConfig
	clk  Clock
	conn Connector

	mu      sync.Mutex
	entries map[PeerId]*PeerEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPeerDiscovery constructs a PeerDiscovery. Start begins the
// periodic stale sweep and, if AutoDiscovery is set, the connect loop.
func NewPeerDiscovery(self PeerId, cfg DiscoveryConfig, clk Clock, conn Connector) *PeerDiscovery {
	return &PeerDiscovery{
		self:    self,
		cfg:     cfg,
		clk:     clk,
		conn:    conn,
		entries: make(map[PeerId]*PeerEntry),
		stopCh:  make(chan struct{}),
	}
}

// Start begins background maintenance.
func (d *PeerDiscovery) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop halts background maintenance.
func (d *PeerDiscovery) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *PeerDiscovery) run() {
	defer d.wg.Done()
	ticker := d.clk.Ticker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepStale()
			if d.cfg.AutoDiscovery {
				d.maintainConnections()
			}
		}
	}
}

// Add records or refreshes a peer sighting (spec §4.3 add_peer). If
// AutoDiscovery decides this side should initiate toward an
// under-capacity node, it calls into the Connector immediately.
func (d *PeerDiscovery) Add(id PeerId, source string) {
	if id == d.self {
		return
	}
	d.mu.Lock()
	e, exists := d.entries[id]
	if !exists {
		e = &PeerEntry{ID: id, Source: source}
		d.entries[id] = e
	}
	e.LastSeen = d.clk.Now()
	d.mu.Unlock()

	if !d.cfg.AutoDiscovery {
		return
	}
	if d.conn.PeerCount() >= d.cfg.MaxPeers {
		return
	}
	if !ShouldInitiate(d.self, id) {
		return
	}
	_ = d.conn.ConnectToPeer(id)
}

// Remove drops a peer from the table (spec §4.3).
func (d *PeerDiscovery) Remove(id PeerId) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}

// Count returns the number of known peers.
func (d *PeerDiscovery) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// ClosestTo returns up to n known peers ordered by ascending XOR
// distance from target (spec §4.3 find_closest_peers / §8 XOR
// ordering invariant).
func (d *PeerDiscovery) ClosestTo(target PeerId, n int) []PeerId {
	d.mu.Lock()
	ids := make([]PeerId, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		return CloserTo(target, ids[i], ids[j])
	})
	if n >= 0 && n < len(ids) {
		ids = ids[:n]
	}
	return ids
}

// NextHopTowards picks the single known peer closest to target,
// excluding exclude, for XOR-routed gossip delivery (spec §4.5).
func (d *PeerDiscovery) NextHopTowards(target PeerId, exclude PeerId) (PeerId, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best PeerId
	found := false
	for id := range d.entries {
		if id == exclude {
			continue
		}
		if !found || CloserTo(target, id, best) {
			best = id
			found = true
		}
	}
	return best, found
}

// sweepStale drops entries not refreshed within StaleAfter (spec §4.3).
func (d *PeerDiscovery) sweepStale() {
	cutoff := d.clk.Now().Add(-d.cfg.StaleAfter)
	d.mu.Lock()
	for id, e := range d.entries {
		if e.LastSeen.Before(cutoff) {
			delete(d.entries, id)
		}
	}
	d.mu.Unlock()
}

// maintainConnections drives toward MinPeers by connecting to the
// closest known peers not yet connected, and implements the isolation
// override: when the node has zero connected peers, it attempts the
// closest candidates regardless of the should_initiate ordering (spec
// §4.2/§4.3 isolation recovery, scenario S2).
func (d *PeerDiscovery) maintainConnections() {
	connected := d.conn.ConnectedCount()
	if connected >= d.cfg.MinPeers && connected > 0 {
		return
	}

	isolated := connected == 0
	closest := d.ClosestTo(d.self, d.cfg.MaxPeers)
	for _, id := range closest {
		if d.conn.PeerCount() >= d.cfg.MaxPeers {
			return
		}
		if !isolated && !ShouldInitiate(d.self, id) {
			continue
		}
		if isolated {
			d.conn.ClearAttemptState(id)
		}
		_ = d.conn.ConnectToPeer(id)
	}
}
