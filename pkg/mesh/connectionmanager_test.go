package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

type fakeSignalingOut struct {
	mu                    sync.Mutex
	offers                []PeerId
	answers               []PeerId
	iceSent               []PeerId
	renegOffers           []PeerId
	renegAnswers          []PeerId
	rejected              []PeerId
}

func (s *fakeSignalingOut) SendOffer(to PeerId, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, to)
	return nil
}
func (s *fakeSignalingOut) SendAnswer(to PeerId, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, to)
	return nil
}
func (s *fakeSignalingOut) SendIceCandidate(to PeerId, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iceSent = append(s.iceSent, to)
	return nil
}
func (s *fakeSignalingOut) SendRenegotiationOffer(to PeerId, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renegOffers = append(s.renegOffers, to)
	return nil
}
func (s *fakeSignalingOut) SendRenegotiationAnswer(to PeerId, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renegAnswers = append(s.renegAnswers, to)
	return nil
}
func (s *fakeSignalingOut) SendConnectionRejected(to PeerId, reason string, currentCount, maxPeers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, to)
	return nil
}

func (s *fakeSignalingOut) count(f func(*fakeSignalingOut) []PeerId) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(f(s))
}

func (s *fakeSignalingOut) first(f func(*fakeSignalingOut) []PeerId) PeerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := f(s)
	if len(list) == 0 {
		return PeerId{}
	}
	return list[0]
}

type fakeCMEviction struct {
	victim PeerId
	ok     bool
}

func (e *fakeCMEviction) SelectVictim(self, incoming PeerId, connected []PeerId) (PeerId, bool) {
	return e.victim, e.ok
}

type fakeKeyExchanger struct {
	mu      sync.Mutex
	has     map[PeerId]bool
	started []PeerId
}

func newFakeKeyExchanger() *fakeKeyExchanger {
	return &fakeKeyExchanger{has: make(map[PeerId]bool)}
}
func (k *fakeKeyExchanger) HasKeysFor(peer PeerId) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.has[peer]
}
func (k *fakeKeyExchanger) StartKeyExchange(peer PeerId) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.started = append(k.started, peer)
}

func (k *fakeKeyExchanger) startedCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.started)
}

func newTestConnectionManager(t *testing.T, self PeerId, cfg ConnectionConfig) (*ConnectionManager, *[]*fakeConn, *fakeSignalingOut) {
	t.Helper()
	var created []*fakeConn
	cm := NewConnectionManager(self, cfg, fakeTransportFactory(&created), clock.NewMock())
	out := &fakeSignalingOut{}
	cm.SetSignalingOut(out)
	return cm, &created, out
}

// driveToChannelOpen completes the initiator-side handshake for the
// most recently created fakeConn and waits for ConnectionManager's
// event-consumer goroutine to observe ChannelOpen.
func driveToChannelOpen(t *testing.T, cm *ConnectionManager, target PeerId, conn *fakeConn) {
	t.Helper()
	if err := cm.HandleAnswer(target, fakeAnswerSDP()); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	conn.dc.open()
	waitUntil(t, 2*time.Second, func() bool {
		for _, id := range cm.OpenPeers() {
			if id == target {
				return true
			}
		}
		return false
	})
}

func TestConnectionManager_ConnectToPeer_SendsOfferAndReachesChannelOpen(t *testing.T) {
	self := idWith(0x01)
	target := idWith(0x02)
	cm, created, out := newTestConnectionManager(t, self, DefaultConnectionConfig(6))
	ke := newFakeKeyExchanger()
	cm.SetKeyExchanger(ke)

	if err := cm.ConnectToPeer(target); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	if out.count(func(s *fakeSignalingOut) []PeerId { return s.offers }) != 1 {
		t.Fatalf("expected one offer sent, got %v", out.offers)
	}

	conn := (*created)[0]
	driveToChannelOpen(t, cm, target, conn)

	waitUntil(t, 2*time.Second, func() bool {
		return ke.startedCount() == 1
	})
}

func TestConnectionManager_ConnectToPeer_NoOpWhenAlreadyAttempting(t *testing.T) {
	self := idWith(0x01)
	target := idWith(0x02)
	cm, created, _ := newTestConnectionManager(t, self, DefaultConnectionConfig(6))

	if err := cm.ConnectToPeer(target); err != nil {
		t.Fatalf("first ConnectToPeer: %v", err)
	}
	if err := cm.ConnectToPeer(target); err != nil {
		t.Fatalf("second ConnectToPeer: %v", err)
	}
	if len(*created) != 1 {
		t.Fatalf("expected exactly one link created, got %d", len(*created))
	}
}

func TestConnectionManager_ConnectToPeer_NoOpAtCapacity(t *testing.T) {
	self := idWith(0x01)
	cfg := DefaultConnectionConfig(0) // MaxPeers=0 means never admit
	cm, created, _ := newTestConnectionManager(t, self, cfg)

	if err := cm.ConnectToPeer(idWith(0x02)); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	if len(*created) != 0 {
		t.Fatalf("expected no link created at zero capacity, got %d", len(*created))
	}
}

func TestConnectionManager_HandleIncomingOffer_AdmitsUnderCapacity(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	cm, _, _ := newTestConnectionManager(t, self, DefaultConnectionConfig(6))

	answer, err := cm.HandleIncomingOffer(from, fakeOfferSDP())
	if err != nil {
		t.Fatalf("HandleIncomingOffer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected answer, got %s", answer.Type)
	}
	if cm.PeerCount() != 1 {
		t.Fatalf("expected peer admitted, count=%d", cm.PeerCount())
	}
}

func TestConnectionManager_HandleIncomingOffer_RejectsBadSDP(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	cm, _, _ := newTestConnectionManager(t, self, DefaultConnectionConfig(6))

	bad := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	if _, err := cm.HandleIncomingOffer(from, bad); err == nil {
		t.Fatal("expected validation error for non-offer SDP type")
	}

	tooShort := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if _, err := cm.HandleIncomingOffer(from, tooShort); err == nil {
		t.Fatal("expected validation error for too-short SDP")
	}
}

// TestConnectionManager_HandleIncomingOffer_RejectsAtCapacityNoEviction
// exercises spec §4.2's capacity-enforcement invariant: with eviction
// disabled and the connection already at MaxPeers, a new offer is
// rejected over signaling rather than silently admitted.
func TestConnectionManager_HandleIncomingOffer_RejectsAtCapacityNoEviction(t *testing.T) {
	self := idWith(0x01)
	existing := idWith(0x02)
	incoming := idWith(0x03)

	cfg := DefaultConnectionConfig(1)
	cfg.EvictionEnabled = false
	cm, _, out := newTestConnectionManager(t, self, cfg)

	if _, err := cm.HandleIncomingOffer(existing, fakeOfferSDP()); err != nil {
		t.Fatalf("admit first peer: %v", err)
	}
	cm.mu.Lock()
	existingLink := cm.peers[existing]
	cm.mu.Unlock()
	existingLink.mu.Lock()
	existingLink.state = LinkChannelOpen
	existingLink.dataChannelReady = true
	existingLink.mu.Unlock()

	_, err := cm.HandleIncomingOffer(incoming, fakeOfferSDP())
	if err == nil {
		t.Fatal("expected capacity rejection for second offer")
	}
	if out.count(func(s *fakeSignalingOut) []PeerId { return s.rejected }) != 1 {
		t.Fatalf("expected a connection-rejected message sent, got %v", out.rejected)
	}
}

// TestConnectionManager_HandleIncomingOffer_EvictsWhenEnabled exercises
// the eviction path of spec §4.2's admission rules: a worse existing
// peer is disconnected to make room for the incoming one.
func TestConnectionManager_HandleIncomingOffer_EvictsWhenEnabled(t *testing.T) {
	self := idWith(0x01)
	existing := idWith(0x02)
	incoming := idWith(0x03)

	cfg := DefaultConnectionConfig(1)
	cfg.EvictionEnabled = true
	cm, _, _ := newTestConnectionManager(t, self, cfg)
	cm.SetEvictionPolicy(&fakeCMEviction{victim: existing, ok: true})

	if _, err := cm.HandleIncomingOffer(existing, fakeOfferSDP()); err != nil {
		t.Fatalf("admit first peer: %v", err)
	}
	cm.mu.Lock()
	existingLink := cm.peers[existing]
	cm.mu.Unlock()
	existingLink.mu.Lock()
	existingLink.state = LinkChannelOpen
	existingLink.dataChannelReady = true
	existingLink.mu.Unlock()

	if _, err := cm.HandleIncomingOffer(incoming, fakeOfferSDP()); err != nil {
		t.Fatalf("expected incoming peer admitted after eviction, got %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		cm.mu.Lock()
		defer cm.mu.Unlock()
		_, stillThere := cm.peers[existing]
		return !stillThere
	})
}

// TestConnectionManager_ResolveRace_AcceptsIncomingOverStuckOffer
// exercises scenario S2 / spec §4.2's simultaneous-initiation rule: our
// own offer is stuck (Offered) and self (0x01) is not the elected
// initiator toward 0x02, so we close our link and answer their offer
// on a fresh responder link.
func TestConnectionManager_ResolveRace_AcceptsIncomingOverStuckOffer(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	cm, created, _ := newTestConnectionManager(t, self, DefaultConnectionConfig(6))

	if err := cm.ConnectToPeer(from); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	ourConn := (*created)[0]

	answer, err := cm.HandleIncomingOffer(from, fakeOfferSDP())
	if err != nil {
		t.Fatalf("HandleIncomingOffer (race): %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected an answer from race resolution, got %s", answer.Type)
	}
	ourConn.mu.Lock()
	closed := ourConn.closed
	ourConn.mu.Unlock()
	if !closed {
		t.Fatal("expected the losing side's link to be closed")
	}
	if len(*created) != 2 {
		t.Fatalf("expected a fresh responder link created, got %d links", len(*created))
	}
}

func TestConnectionManager_ResolveRace_OfferOnOpenLinkIsRenegotiation(t *testing.T) {
	self := idWith(0x01)
	from := idWith(0x02)
	cm, _, _ := newTestConnectionManager(t, self, DefaultConnectionConfig(6))

	if _, err := cm.HandleIncomingOffer(from, fakeOfferSDP()); err != nil {
		t.Fatalf("admit: %v", err)
	}
	cm.mu.Lock()
	link := cm.peers[from]
	cm.mu.Unlock()
	link.mu.Lock()
	link.state = LinkOpen
	link.mu.Unlock()

	answer, err := cm.HandleIncomingOffer(from, fakeOfferSDP())
	if err != nil {
		t.Fatalf("expected renegotiation offer to succeed, got %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("expected answer, got %s", answer.Type)
	}
	if link.State() != LinkOpen {
		t.Fatalf("expected renegotiation to preserve Open state, got %s", link.State())
	}
}

// TestConnectionManager_SweepStuckLinks_ForceRecovers exercises
// scenario S6 / spec §4.2's stuck-connection monitor.
func TestConnectionManager_SweepStuckLinks_ForceRecovers(t *testing.T) {
	self := idWith(0x01)
	target := idWith(0x02)
	mockClk := clock.NewMock()
	var created []*fakeConn
	cm := NewConnectionManager(self, DefaultConnectionConfig(6), fakeTransportFactory(&created), mockClk)
	out := &fakeSignalingOut{}
	cm.SetSignalingOut(out)

	if err := cm.ConnectToPeer(target); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	mockClk.Add(stuckThreshold + time.Second)

	cm.sweepStuckLinks()

	waitUntil(t, 2*time.Second, func() bool {
		return out.count(func(s *fakeSignalingOut) []PeerId { return s.offers }) == 2
	})
	if len(created) != 2 {
		t.Fatalf("expected a fresh link for the recovered attempt, got %d", len(created))
	}
	created[0].mu.Lock()
	closed := created[0].closed
	created[0].mu.Unlock()
	if !closed {
		t.Fatal("expected the wedged link to be closed")
	}
}

// TestConnectionManager_RenegotiationSerialization exercises spec
// §4.2's renegotiation queue: only one renegotiation is in flight at a
// time, even when two peers both need one.
func TestConnectionManager_RenegotiationSerialization(t *testing.T) {
	self := idWith(0x01)
	peerA := idWith(0x02)
	peerB := idWith(0x03)
	cm, _, out := newTestConnectionManager(t, self, DefaultConnectionConfig(6))

	for _, p := range []PeerId{peerA, peerB} {
		if _, err := cm.HandleIncomingOffer(p, fakeOfferSDP()); err != nil {
			t.Fatalf("admit %s: %v", p, err)
		}
		cm.mu.Lock()
		link := cm.peers[p]
		cm.mu.Unlock()
		link.mu.Lock()
		link.state = LinkChannelOpen
		link.dataChannelReady = true
		link.mu.Unlock()
	}

	cm.enqueueRenegotiation(peerA)
	cm.enqueueRenegotiation(peerB)

	waitUntil(t, 2*time.Second, func() bool {
		return out.count(func(s *fakeSignalingOut) []PeerId { return s.renegOffers }) == 1
	})
	cm.mu.Lock()
	active := cm.activeRenegotiation
	queued := len(cm.renegQueueOrder)
	cm.mu.Unlock()
	if !active {
		t.Fatal("expected a renegotiation to be active")
	}
	if queued != 1 {
		t.Fatalf("expected the second peer's renegotiation still queued, got %d", queued)
	}

	inFlight := out.first(func(s *fakeSignalingOut) []PeerId { return s.renegOffers })
	if err := cm.HandleRenegotiationAnswer(inFlight, fakeAnswerSDP()); err != nil {
		t.Fatalf("HandleRenegotiationAnswer: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return out.count(func(s *fakeSignalingOut) []PeerId { return s.renegOffers }) == 2
	})
}

func TestConnectionManager_DisconnectAll_ClosesEveryLink(t *testing.T) {
	self := idWith(0x01)
	cm, created, _ := newTestConnectionManager(t, self, DefaultConnectionConfig(6))
	for _, target := range []PeerId{idWith(0x02), idWith(0x03)} {
		if err := cm.ConnectToPeer(target); err != nil {
			t.Fatalf("ConnectToPeer %s: %v", target, err)
		}
	}
	cm.DisconnectAll("test teardown")
	if cm.PeerCount() != 0 {
		t.Fatalf("expected all peers removed, got %d", cm.PeerCount())
	}
	for _, c := range *created {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			t.Fatal("expected every link closed")
		}
	}
}
