package mesh

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

type fakeSignalingTransport struct {
	mu  sync.Mutex
	out []SignalingMessage
}

func (f *fakeSignalingTransport) Send(msg SignalingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, msg)
	return nil
}

func (f *fakeSignalingTransport) last() (SignalingMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return SignalingMessage{}, false
	}
	return f.out[len(f.out)-1], true
}

func (f *fakeSignalingTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type fakeGate struct {
	mu       sync.Mutex
	allowed  map[PeerId]bool
}

func newFakeGate() *fakeGate { return &fakeGate{allowed: make(map[PeerId]bool)} }

func (g *fakeGate) IsAuthorized(peer PeerId) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed[peer]
}

func newTestSignalingHandler(t *testing.T, self PeerId) (*SignalingHandler, *ConnectionManager, *PeerDiscovery, *fakeSignalingTransport) {
	t.Helper()
	clk := clock.NewMock()
	var created []*fakeConn
	cm := NewConnectionManager(self, DefaultConnectionConfig(6), fakeTransportFactory(&created), clk)
	conn := &fakeConnector{}
	disc := NewPeerDiscovery(self, DefaultDiscoveryConfig(6), clk, conn)
	h := NewSignalingHandler(self, cm, disc, clk)
	transport := &fakeSignalingTransport{}
	h.SetTransport(transport)
	cm.SetSignalingOut(h)
	return h, cm, disc, transport
}

func wrapMessage(t *testing.T, typ SignalingMessageType, from, to PeerId, payload any) SignalingMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return SignalingMessage{Type: typ, From: from, To: to, Timestamp: time.Now(), Data: raw}
}

func TestSignalingHandler_HandleOffer_AdmitsAndRepliesWithAnswer(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	h, cm, disc, transport := newTestSignalingHandler(t, self)

	msg := wrapMessage(t, SignalingOffer, from, self, sdpPayload{SDP: fakeOfferSDP()})
	h.HandleMessage(msg)

	out, ok := transport.last()
	if !ok || out.Type != SignalingAnswer {
		t.Fatalf("expected an answer sent back, got %+v (ok=%v)", out, ok)
	}
	if cm.PeerCount() != 1 {
		t.Fatalf("expected peer admitted, count=%d", cm.PeerCount())
	}
	if disc.Count() != 1 {
		t.Fatalf("expected offering peer added to discovery, count=%d", disc.Count())
	}
}

func TestSignalingHandler_HandleOffer_RejectedByAdmissionGate(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	h, cm, _, transport := newTestSignalingHandler(t, self)
	gate := newFakeGate() // default: nothing authorized
	h.SetAdmissionGate(gate)

	msg := wrapMessage(t, SignalingOffer, from, self, sdpPayload{SDP: fakeOfferSDP()})
	h.HandleMessage(msg)

	out, ok := transport.last()
	if !ok || out.Type != SignalingConnectionRejected {
		t.Fatalf("expected a connection-rejected reply, got %+v (ok=%v)", out, ok)
	}
	if cm.PeerCount() != 0 {
		t.Fatalf("expected no peer admitted when gate rejects, count=%d", cm.PeerCount())
	}
}

func TestSignalingHandler_HandleOffer_AllowedByAdmissionGate(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	h, cm, _, transport := newTestSignalingHandler(t, self)
	gate := newFakeGate()
	gate.allowed[from] = true
	h.SetAdmissionGate(gate)

	msg := wrapMessage(t, SignalingOffer, from, self, sdpPayload{SDP: fakeOfferSDP()})
	h.HandleMessage(msg)

	out, ok := transport.last()
	if !ok || out.Type != SignalingAnswer {
		t.Fatalf("expected an answer for an authorized peer, got %+v (ok=%v)", out, ok)
	}
	if cm.PeerCount() != 1 {
		t.Fatalf("expected peer admitted, count=%d", cm.PeerCount())
	}
}

func TestSignalingHandler_HandleMessage_IgnoresMisdirectedMessages(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	other := idWith(0x03)
	h, cm, _, _ := newTestSignalingHandler(t, self)

	msg := wrapMessage(t, SignalingOffer, from, other, sdpPayload{SDP: fakeOfferSDP()})
	h.HandleMessage(msg)

	if cm.PeerCount() != 0 {
		t.Fatalf("expected message addressed to another peer to be ignored, count=%d", cm.PeerCount())
	}
}

func TestSignalingHandler_HandleMessage_BroadcastAddressedToAnyone(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	h, cm, _, _ := newTestSignalingHandler(t, self)

	msg := wrapMessage(t, SignalingOffer, from, PeerId{}, sdpPayload{SDP: fakeOfferSDP()})
	h.HandleMessage(msg)

	if cm.PeerCount() != 1 {
		t.Fatalf("expected a zero-value To to be treated as addressed to self, count=%d", cm.PeerCount())
	}
}

func TestSignalingHandler_HandleAnswer_RoutesToExistingLink(t *testing.T) {
	self := idWith(0x01)
	target := idWith(0x02)
	h, cm, _, _ := newTestSignalingHandler(t, self)

	if err := cm.ConnectToPeer(target); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}

	msg := wrapMessage(t, SignalingAnswer, target, self, sdpPayload{SDP: fakeAnswerSDP()})
	h.HandleMessage(msg)

	cm.mu.Lock()
	link := cm.peers[target]
	cm.mu.Unlock()
	if link.State() != LinkOpen {
		t.Fatalf("expected link to reach Open after routed answer, got %s", link.State())
	}
}

func TestSignalingHandler_HandleIce_MalformedPayloadDropped(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	h, _, _, _ := newTestSignalingHandler(t, self)

	msg := SignalingMessage{Type: SignalingIceCandidate, From: from, To: self, Data: json.RawMessage("not json")}
	h.HandleMessage(msg) // must not panic
}

func TestSignalingHandler_HandleAnnounce_AddsToDiscovery(t *testing.T) {
	self := idWith(0x01)
	announced := idWith(0x02)
	h, _, disc, _ := newTestSignalingHandler(t, self)

	msg := wrapMessage(t, SignalingPeerAnnounce, announced, PeerId{}, announcePayload{PeerID: announced})
	h.HandleMessage(msg)

	if disc.Count() != 1 {
		t.Fatalf("expected announced peer added to discovery, count=%d", disc.Count())
	}
}

func TestSignalingHandler_AnnouncePresence_SendsOwnID(t *testing.T) {
	self := idWith(0x01)
	h, _, _, transport := newTestSignalingHandler(t, self)

	if err := h.AnnouncePresence(); err != nil {
		t.Fatalf("AnnouncePresence: %v", err)
	}
	out, ok := transport.last()
	if !ok || out.Type != SignalingPeerAnnounce {
		t.Fatalf("expected a peer-announce message, got %+v (ok=%v)", out, ok)
	}

	var p announcePayload
	if err := json.Unmarshal(out.Data, &p); err != nil {
		t.Fatalf("unmarshal announce payload: %v", err)
	}
	if p.PeerID != self {
		t.Fatalf("expected announce to carry self id, got %s", p.PeerID)
	}
}

func TestSignalingHandler_SendWithoutTransportFails(t *testing.T) {
	self := idWith(0x01)
	cm := NewConnectionManager(self, DefaultConnectionConfig(6), fakeTransportFactory(&[]*fakeConn{}), clock.NewMock())
	disc := NewPeerDiscovery(self, DefaultDiscoveryConfig(6), clock.NewMock(), &fakeConnector{})
	h := NewSignalingHandler(self, cm, disc, clock.NewMock())

	if err := h.SendOffer(idWith(0x02), webrtc.SessionDescription{}); err == nil {
		t.Fatal("expected error sending without a configured transport")
	}
}
