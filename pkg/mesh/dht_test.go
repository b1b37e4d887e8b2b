package mesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeDiscovery struct {
	closest []PeerId
}

func (f fakeDiscovery) ClosestTo(target PeerId, n int) []PeerId {
	if n >= len(f.closest) {
		return f.closest
	}
	return f.closest[:n]
}

func TestHashDHTKey_Deterministic(t *testing.T) {
	a := HashDHTKey("foo")
	b := HashDHTKey("foo")
	if a != b {
		t.Fatal("HashDHTKey is not deterministic")
	}
	if HashDHTKey("foo") == HashDHTKey("bar") {
		t.Fatal("distinct keys hashed to the same ring position")
	}
}

func TestDHT_PutStoresLocallyWhenSelfIsHolder(t *testing.T) {
	self := idWith(0x01)
	reg := newFakeRegistry()
	clk := clock.NewMock()
	disc := fakeDiscovery{closest: []PeerId{self}}

	d := NewDHT(self, DefaultDHTConfig(), clk, reg, disc)
	if err := d.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	value, found, err := d.get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(value) != "v" {
		t.Fatalf("expected local hit, got found=%v value=%q", found, value)
	}
}

func TestDHT_PutReplicatesToOtherHolders(t *testing.T) {
	self := idWith(0x01)
	peer := idWith(0x02)
	reg := newFakeRegistry(peer)
	clk := clock.NewMock()
	disc := fakeDiscovery{closest: []PeerId{self, peer}}

	d := NewDHT(self, DefaultDHTConfig(), clk, reg, disc)
	if err := d.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if reg.countSent(peer) != 1 {
		t.Fatalf("expected one replication frame sent to peer, got %d", reg.countSent(peer))
	}
}

func TestDHT_GetMissesWithNoHolders(t *testing.T) {
	self := idWith(0x01)
	reg := newFakeRegistry()
	clk := clock.NewMock()
	disc := fakeDiscovery{closest: nil}

	d := NewDHT(self, DefaultDHTConfig(), clk, reg, disc)
	_, found, err := d.get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected a miss with no replica holders")
	}
}

func TestDHT_HandleFrame_PutStoresLocally(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	reg := newFakeRegistry()
	clk := clock.NewMock()
	disc := fakeDiscovery{}

	d := NewDHT(self, DefaultDHTConfig(), clk, reg, disc)
	payload := dhtPutPayload{Key: "remote-key", Value: []byte("remote-value"), Requester: from}
	data, err := json.Marshal(dhtFrame{Op: dhtOpPut, Put: &payload})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	d.HandleFrame(from, data)

	value, found, err := d.get(context.Background(), "remote-key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(value) != "remote-value" {
		t.Fatalf("expected stored value, got found=%v value=%q", found, value)
	}
}

func TestDHT_HandleFrame_GetRepliesWhenPresent(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	reg := newFakeRegistry(from)
	clk := clock.NewMock()
	disc := fakeDiscovery{}

	d := NewDHT(self, DefaultDHTConfig(), clk, reg, disc)
	d.storeLocal("k", []byte("v"))

	req := dhtGetPayload{Key: "k", QueryID: "q1", Requester: from}
	data, err := json.Marshal(dhtFrame{Op: dhtOpGet, Get: &req})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	d.HandleFrame(from, data)

	if reg.countSent(from) != 1 {
		t.Fatalf("expected a get-reply frame sent back, got %d", reg.countSent(from))
	}
}

func TestDHT_SweepExpiredRemovesStaleEntries(t *testing.T) {
	self := idWith(0x01)
	reg := newFakeRegistry()
	clk := clock.NewMock()
	disc := fakeDiscovery{}
	cfg := DefaultDHTConfig()
	cfg.EntryTTL = time.Minute

	d := NewDHT(self, cfg, clk, reg, disc)
	d.storeLocal("k", []byte("v"))
	clk.Add(2 * time.Minute)
	d.sweepExpired()

	d.mu.Lock()
	_, ok := d.store["k"]
	d.mu.Unlock()
	if ok {
		t.Fatal("expected expired entry to be swept")
	}
}

func TestDHT_DeliverReplyResolvesPendingQuery(t *testing.T) {
	self := idWith(0x01)
	reg := newFakeRegistry()
	clk := clock.NewMock()
	disc := fakeDiscovery{}

	d := NewDHT(self, DefaultDHTConfig(), clk, reg, disc)
	pq := &pendingQuery{resultCh: make(chan dhtGetReplyPayload, 1)}
	d.mu.Lock()
	d.pending["q1"] = pq
	d.mu.Unlock()

	d.deliverReply(dhtGetReplyPayload{Key: "k", QueryID: "q1", Value: []byte("v"), Found: true})

	select {
	case reply := <-pq.resultCh:
		if !reply.Found || string(reply.Value) != "v" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	default:
		t.Fatal("expected a reply delivered to the pending query channel")
	}
}
