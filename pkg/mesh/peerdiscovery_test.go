package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeConnector struct {
	mu          sync.Mutex
	connectedTo []PeerId
	peerCount   int
	connCount   int
	cleared     []PeerId
}

func (c *fakeConnector) ConnectToPeer(target PeerId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedTo = append(c.connectedTo, target)
	return nil
}
func (c *fakeConnector) PeerCount() int      { c.mu.Lock(); defer c.mu.Unlock(); return c.peerCount }
func (c *fakeConnector) ConnectedCount() int { c.mu.Lock(); defer c.mu.Unlock(); return c.connCount }
func (c *fakeConnector) ClearAttemptState(id PeerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, id)
}

func TestPeerDiscovery_AddIgnoresSelf(t *testing.T) {
	self := idWith(0x01)
	conn := &fakeConnector{}
	d := NewPeerDiscovery(self, DefaultDiscoveryConfig(10), clock.NewMock(), conn)
	d.Add(self, "manual")
	if d.Count() != 0 {
		t.Fatalf("expected self to be ignored, got count %d", d.Count())
	}
}

func TestPeerDiscovery_AddInitiatesWhenShouldInitiate(t *testing.T) {
	self := idWith(0x01)
	other := idWith(0x00) // self(0x01) < other? Less: self.Less(other) false since 0x01>0x00 -> other.Less(self) true -> ShouldInitiate(self,other)=target.Less(self) = other.Less(self) = true
	conn := &fakeConnector{peerCount: 0}
	cfg := DefaultDiscoveryConfig(10)
	d := NewPeerDiscovery(self, cfg, clock.NewMock(), conn)

	d.Add(other, "signaling")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.connectedTo) != 1 || conn.connectedTo[0] != other {
		t.Fatalf("expected an initiated connection to %s, got %v", other, conn.connectedTo)
	}
}

func TestPeerDiscovery_AddDoesNotInitiateWhenNotElected(t *testing.T) {
	self := idWith(0x00)
	other := idWith(0x01) // ShouldInitiate(self, other) = other.Less(self) = false
	conn := &fakeConnector{}
	d := NewPeerDiscovery(self, DefaultDiscoveryConfig(10), clock.NewMock(), conn)

	d.Add(other, "signaling")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.connectedTo) != 0 {
		t.Fatalf("expected no connection attempt, got %v", conn.connectedTo)
	}
}

func TestPeerDiscovery_AddRespectsMaxPeers(t *testing.T) {
	self := idWith(0x01)
	other := idWith(0x00)
	conn := &fakeConnector{peerCount: 10}
	cfg := DefaultDiscoveryConfig(10)
	d := NewPeerDiscovery(self, cfg, clock.NewMock(), conn)

	d.Add(other, "signaling")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.connectedTo) != 0 {
		t.Fatal("expected no connection attempt at capacity")
	}
}

func TestPeerDiscovery_ClosestToOrdersByXorDistance(t *testing.T) {
	self := idWith(0x00)
	conn := &fakeConnector{}
	d := NewPeerDiscovery(self, DefaultDiscoveryConfig(10), clock.NewMock(), conn)

	far := idWith(0xf0)
	near := idWith(0x01)
	mid := idWith(0x10)
	d.Add(far, "manual")
	d.Add(near, "manual")
	d.Add(mid, "manual")

	closest := d.ClosestTo(self, 2)
	if len(closest) != 2 || closest[0] != near || closest[1] != mid {
		t.Fatalf("unexpected order: %v", closest)
	}
}

func TestPeerDiscovery_NextHopTowardsExcludesGivenPeer(t *testing.T) {
	self := idWith(0x00)
	conn := &fakeConnector{}
	d := NewPeerDiscovery(self, DefaultDiscoveryConfig(10), clock.NewMock(), conn)

	near := idWith(0x01)
	mid := idWith(0x10)
	d.Add(near, "manual")
	d.Add(mid, "manual")

	hop, ok := d.NextHopTowards(self, near)
	if !ok || hop != mid {
		t.Fatalf("expected next hop %s, got %s (ok=%v)", mid, hop, ok)
	}
}

func TestPeerDiscovery_SweepStaleRemovesOldEntries(t *testing.T) {
	self := idWith(0x00)
	conn := &fakeConnector{}
	clk := clock.NewMock()
	cfg := DefaultDiscoveryConfig(10)
	cfg.StaleAfter = time.Minute
	cfg.AutoDiscovery = false
	d := NewPeerDiscovery(self, cfg, clk, conn)

	stale := idWith(0x01)
	d.Add(stale, "manual")
	clk.Add(2 * time.Minute)
	d.sweepStale()

	if d.Count() != 0 {
		t.Fatalf("expected stale entry to be swept, count=%d", d.Count())
	}
}

func TestPeerDiscovery_MaintainConnectionsIsolationOverride(t *testing.T) {
	self := idWith(0x00)
	conn := &fakeConnector{connCount: 0, peerCount: 0}
	cfg := DefaultDiscoveryConfig(10)
	cfg.MinPeers = 1
	cfg.AutoDiscovery = false // prevent Add from also initiating; we call maintainConnections directly
	d := NewPeerDiscovery(self, cfg, clock.NewMock(), conn)

	// candidate that would NOT normally be initiated toward (self is smaller)
	candidate := idWith(0x01)
	d.Add(candidate, "manual")

	d.maintainConnections()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.connectedTo) != 1 || conn.connectedTo[0] != candidate {
		t.Fatalf("expected isolation override to connect regardless of election, got %v", conn.connectedTo)
	}
	if len(conn.cleared) != 1 || conn.cleared[0] != candidate {
		t.Fatalf("expected attempt state cleared for isolated candidate, got %v", conn.cleared)
	}
}
