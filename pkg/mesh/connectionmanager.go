package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalingOut is the capability interface ConnectionManager uses to
// push offer/answer/ICE/rejection messages out over the external
// signaling channel (spec §6.1/§6.2). SignalingHandler implements it.
type SignalingOut interface {
	SendOffer(to PeerId, sdp webrtc.SessionDescription) error
	SendAnswer(to PeerId, sdp webrtc.SessionDescription) error
	SendIceCandidate(to PeerId, c webrtc.ICECandidateInit) error
	SendRenegotiationOffer(to PeerId, sdp webrtc.SessionDescription) error
	SendRenegotiationAnswer(to PeerId, sdp webrtc.SessionDescription) error
	SendConnectionRejected(to PeerId, reason string, currentCount, maxPeers int) error
}

// EvictionPolicy picks a victim to close when admission would
// otherwise exceed capacity (spec §4.2 admission/rejection).
type EvictionPolicy interface {
	// SelectVictim returns a connected peer whose XOR distance from
	// self is greater than the incoming peer's, preferring the worse
	// peer by whatever secondary signal the policy uses (e.g.
	// reputation). ok is false if no peer qualifies.
	SelectVictim(self, incoming PeerId, connected []PeerId) (victim PeerId, ok bool)
}

// KeyExchanger is notified when a data channel opens so it can kick
// off a key exchange if keys for the peer are not yet held (spec
// §4.2 "Key-exchange trigger").
type KeyExchanger interface {
	HasKeysFor(peer PeerId) bool
	StartKeyExchange(peer PeerId)
}

// FrameHandler processes one decoded frame type (spec §9 "tagged
// variants" dispatch). Registered per FrameType on ConnectionManager.
type FrameHandler interface {
	HandleFrame(from PeerId, data json.RawMessage)
}

// ConnectionManager owns the set of PeerLinks: admission, retries,
// timeouts, eviction, renegotiation serialization, incoming-message
// routing (spec §4.2).
type ConnectionManager struct {
	selfID  PeerId
	cfg     ConnectionConfig
	factory TransportFactory
	clk     Clock

	signalOut    SignalingOut
	eviction     EvictionPolicy
	keyExchanger KeyExchanger
	metrics      *Metrics

	mu                 sync.Mutex
	peers              map[PeerId]*PeerLink
	connectionAttempts map[PeerId]int
	lastAttemptAt      map[PeerId]time.Time
	attemptTimers      map[PeerId]*Timer
	disconnecting      map[PeerId]bool
	cleaningUp         map[PeerId]bool
	isolated           bool

	activeRenegotiation bool
	renegQueueOrder     []PeerId
	renegQueued         map[PeerId]bool

	handlers map[FrameType]FrameHandler

	status chan StatusEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConnectionManager constructs a ConnectionManager. Start must be
// called to begin background timers.
func NewConnectionManager(self PeerId, cfg ConnectionConfig, factory TransportFactory, clk Clock) *ConnectionManager {
	return &ConnectionManager{
		selfID:             self,
		cfg:                cfg,
		factory:            factory,
		clk:                clk,
		peers:              make(map[PeerId]*PeerLink),
		connectionAttempts: make(map[PeerId]int),
		lastAttemptAt:      make(map[PeerId]time.Time),
		attemptTimers:      make(map[PeerId]*Timer),
		disconnecting:      make(map[PeerId]bool),
		cleaningUp:         make(map[PeerId]bool),
		renegQueued:        make(map[PeerId]bool),
		handlers:           make(map[FrameType]FrameHandler),
		status:             make(chan StatusEvent, 64),
		stopCh:             make(chan struct{}),
	}
}

// SetSignalingOut wires the outbound signaling capability.
func (cm *ConnectionManager) SetSignalingOut(s SignalingOut) { cm.signalOut = s }

// SetEvictionPolicy wires the eviction capability (nil disables eviction).
func (cm *ConnectionManager) SetEvictionPolicy(p EvictionPolicy) { cm.eviction = p }

// SetKeyExchanger wires the key-exchange trigger capability.
func (cm *ConnectionManager) SetKeyExchanger(k KeyExchanger) { cm.keyExchanger = k }

// SetMetrics wires optional Prometheus instrumentation.
func (cm *ConnectionManager) SetMetrics(m *Metrics) { cm.metrics = m }

// RegisterHandler binds a FrameHandler to a frame type. Filtered
// frame types (spec §4.2/§6.3) may still be registered for internal
// processing, but HandleIncomingMessage never surfaces them beyond
// their handler.
func (cm *ConnectionManager) RegisterHandler(t FrameType, h FrameHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[t] = h
}

// Status returns the channel of user-visible status transitions (spec §7).
func (cm *ConnectionManager) Status() <-chan StatusEvent { return cm.status }

func (cm *ConnectionManager) emitStatus(level StatusLevel, msg string) {
	select {
	case cm.status <- StatusEvent{Level: level, Message: msg}:
	default:
	}
}

// Start begins the periodic maintenance timers (spec §5 Timers).
func (cm *ConnectionManager) Start() {
	cm.wg.Add(3)
	go cm.runEvery(30*time.Second, cm.sweepStale)
	go cm.runEvery(3*time.Second, cm.sweepStuckLinks)
	go cm.runEvery(10*time.Second, cm.isolationCheck)
}

// Stop cancels all background timers and closes every link.
func (cm *ConnectionManager) Stop() {
	close(cm.stopCh)
	cm.wg.Wait()
	cm.DisconnectAll("shutdown")
}

func (cm *ConnectionManager) runEvery(d time.Duration, fn func()) {
	defer cm.wg.Done()
	ticker := cm.clk.Ticker(d)
	defer ticker.Stop()
	for {
		select {
		case <-cm.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// PeerCount returns the number of PeerLinks tracked (connected or not).
func (cm *ConnectionManager) PeerCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.peers)
}

// ConnectedCount returns peers whose link has reached ChannelOpen.
func (cm *ConnectionManager) ConnectedCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := 0
	for _, l := range cm.peers {
		if l.State() == LinkChannelOpen {
			n++
		}
	}
	return n
}

// OpenPeers returns a snapshot of peers with an open data channel,
// satisfying spec §5's "readers must snapshot before iterating".
func (cm *ConnectionManager) OpenPeers() []PeerId {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]PeerId, 0, len(cm.peers))
	for id, l := range cm.peers {
		if l.State() == LinkChannelOpen {
			out = append(out, id)
		}
	}
	return out
}

// SendToPeer writes raw bytes to one peer's data channel, implementing
// the PeerRegistry capability Gossip/DHT use for propagation.
func (cm *ConnectionManager) SendToPeer(id PeerId, data []byte) error {
	cm.mu.Lock()
	link, ok := cm.peers[id]
	cm.mu.Unlock()
	if !ok {
		return newErr(KindValidationError, id, ErrUnknownPeer)
	}
	return link.Send(data)
}

// CanAcceptMorePeers reports whether admission is allowed: connected
// count and total peer count must both be under MaxPeers (spec §4.2).
func (cm *ConnectionManager) CanAcceptMorePeers() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.canAcceptMoreLocked()
}

func (cm *ConnectionManager) canAcceptMoreLocked() bool {
	if cm.cfg.MaxPeers <= 0 {
		return false
	}
	connected := 0
	for _, l := range cm.peers {
		if l.State() == LinkChannelOpen {
			connected++
		}
	}
	return connected < cm.cfg.MaxPeers && len(cm.peers) < cm.cfg.MaxPeers
}

func (cm *ConnectionManager) isolatedLocked() bool {
	connected := 0
	for _, l := range cm.peers {
		if l.State() == LinkChannelOpen {
			connected++
		}
	}
	return connected == 0
}

func (cm *ConnectionManager) maxAttempts(isolated bool) int {
	if isolated {
		return cm.cfg.isolatedMaxAttempts()
	}
	return cm.cfg.MaxAttempts
}

func (cm *ConnectionManager) retryDelay(isolated bool) time.Duration {
	if isolated {
		return cm.cfg.isolatedRetryDelay()
	}
	return cm.cfg.RetryDelay
}

// ConnectToPeer creates an outgoing PeerLink and drives the offer
// flow. No-op if the peer is already present or already attempting,
// or if capacity is exhausted (spec §4.2). The caller (PeerDiscovery,
// the isolation monitor, or race-resolution) is responsible for
// deciding whether this side should initiate.
func (cm *ConnectionManager) ConnectToPeer(target PeerId) error {
	cm.mu.Lock()
	if _, exists := cm.peers[target]; exists {
		cm.mu.Unlock()
		return nil
	}
	if !cm.canAcceptMoreLocked() {
		cm.mu.Unlock()
		return nil
	}
	isolated := cm.isolatedLocked()
	if last, ok := cm.lastAttemptAt[target]; ok {
		if cm.clk.Now().Sub(last) < cm.retryDelay(isolated) {
			cm.mu.Unlock()
			return nil
		}
	}
	if cm.connectionAttempts[target] >= cm.maxAttempts(isolated) {
		cm.mu.Unlock()
		return nil
	}
	cm.lastAttemptAt[target] = cm.clk.Now()
	cm.mu.Unlock()

	link, err := NewPeerLink(target, true, cm.factory, cm.clk)
	if err != nil {
		cm.recordAttemptFailure(target, isolated)
		return err
	}

	cm.mu.Lock()
	cm.peers[target] = link
	cm.mu.Unlock()

	cm.watchLink(link)
	cm.startAttemptTimeout(target, isolated)

	offer, err := link.CreateOffer(context.Background())
	if err != nil {
		cm.teardownFailedAttempt(target, isolated)
		if cm.metrics != nil {
			cm.metrics.ConnectionAttemptsTotal.WithLabelValues("failure").Inc()
		}
		return err
	}
	if cm.signalOut != nil {
		if err := cm.signalOut.SendOffer(target, offer); err != nil {
			slog.Warn("connectionmanager: failed to send offer", "peer", shortID(target), "error", err)
		}
	}
	if cm.metrics != nil {
		cm.metrics.ConnectionAttemptsTotal.WithLabelValues("offered").Inc()
	}
	cm.emitStatus(StatusInfo, fmt.Sprintf("offer sent to %s", shortID(target)))
	return nil
}

func (cm *ConnectionManager) startAttemptTimeout(target PeerId, isolated bool) {
	timeout := cm.cfg.timeoutFor(isolated)
	timer := cm.clk.AfterFunc(timeout, func() {
		cm.mu.Lock()
		link, ok := cm.peers[target]
		cm.mu.Unlock()
		if !ok || link.State() == LinkChannelOpen {
			return
		}
		cm.teardownFailedAttempt(target, isolated)
	})
	cm.mu.Lock()
	cm.attemptTimers[target] = timer
	cm.mu.Unlock()
}

func (cm *ConnectionManager) clearAttemptTimer(target PeerId) {
	cm.mu.Lock()
	if t, ok := cm.attemptTimers[target]; ok {
		t.Stop()
		delete(cm.attemptTimers, target)
	}
	cm.mu.Unlock()
}

// recordAttemptFailure bumps attempt count without a link existing yet.
func (cm *ConnectionManager) recordAttemptFailure(target PeerId, isolated bool) {
	cm.mu.Lock()
	cm.connectionAttempts[target]++
	attempts := cm.connectionAttempts[target]
	if attempts >= cm.maxAttempts(isolated) {
		delete(cm.connectionAttempts, target)
	}
	cm.mu.Unlock()
}

// teardownFailedAttempt implements the per-attempt timeout handling of
// spec §4.2: increment attempts; if attempts >= max, drop the peer
// entirely (discovery removes it); else clear for retry later.
func (cm *ConnectionManager) teardownFailedAttempt(target PeerId, isolated bool) {
	cm.clearAttemptTimer(target)

	cm.mu.Lock()
	link, ok := cm.peers[target]
	if ok {
		delete(cm.peers, target)
	}
	cm.connectionAttempts[target]++
	attempts := cm.connectionAttempts[target]
	exhausted := attempts >= cm.maxAttempts(isolated)
	if exhausted {
		delete(cm.connectionAttempts, target)
	}
	cm.mu.Unlock()

	if ok {
		_ = link.Close()
	}
	if exhausted {
		cm.emitStatus(StatusWarning, fmt.Sprintf("giving up on %s after max attempts", shortID(target)))
	}
}

// watchLink spawns the per-link event consumer goroutine.
func (cm *ConnectionManager) watchLink(link *PeerLink) {
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for ev := range link.Events() {
			cm.handleLinkEvent(link, ev)
			if ev.Kind == EventDisconnected {
				return
			}
		}
	}()
}

func (cm *ConnectionManager) handleLinkEvent(link *PeerLink, ev LinkEvent) {
	switch ev.Kind {
	case EventIceCandidate:
		if cm.signalOut != nil && ev.Candidate != nil {
			if err := cm.signalOut.SendIceCandidate(link.ID(), *ev.Candidate); err != nil {
				slog.Debug("connectionmanager: failed to send ICE candidate", "peer", shortID(link.ID()), "error", err)
			}
		}
	case EventConnected:
		cm.emitStatus(StatusInfo, fmt.Sprintf("connected to %s", shortID(link.ID())))
	case EventDataChannelOpen:
		cm.clearAttemptTimer(link.ID())
		cm.mu.Lock()
		delete(cm.connectionAttempts, link.ID())
		cm.mu.Unlock()
		cm.emitStatus(StatusInfo, fmt.Sprintf("data channel open with %s", shortID(link.ID())))
		if cm.metrics != nil {
			cm.metrics.PeerLinkTransitionsTotal.WithLabelValues("channel_open").Inc()
			cm.metrics.ConnectedPeers.Set(float64(cm.ConnectedCount()))
		}
		if cm.keyExchanger != nil && !cm.keyExchanger.HasKeysFor(link.ID()) {
			go cm.keyExchanger.StartKeyExchange(link.ID())
		}
	case EventMessage:
		cm.HandleIncomingMessage(ev.Message, link.ID())
	case EventRenegotiationNeeded:
		cm.enqueueRenegotiation(link.ID())
	case EventDisconnected:
		cm.onLinkTerminal(link, ev.Reason)
	}
}

func (cm *ConnectionManager) onLinkTerminal(link *PeerLink, reason string) {
	cm.mu.Lock()
	if cm.cleaningUp[link.ID()] {
		cm.mu.Unlock()
		return
	}
	cm.cleaningUp[link.ID()] = true
	cm.mu.Unlock()

	cm.clearAttemptTimer(link.ID())
	cm.emitStatus(StatusWarning, fmt.Sprintf("disconnected from %s: %s", shortID(link.ID()), reason))
	if cm.metrics != nil {
		cm.metrics.PeerLinkTransitionsTotal.WithLabelValues("disconnected").Inc()
		cm.metrics.ConnectedPeers.Set(float64(cm.ConnectedCount()))
	}

	cm.mu.Lock()
	delete(cm.cleaningUp, link.ID())
	cm.mu.Unlock()
}

// HandleIncomingMessage dispatches by tagged union (spec §6.2/§6.3).
// Filtered types are processed internally by their registered handler
// (if any) and never surfaced further.
func (cm *ConnectionManager) HandleIncomingMessage(data []byte, from PeerId) {
	frame, err := decodeFrame(data)
	if err != nil {
		slog.Debug("connectionmanager: dropping malformed frame", "peer", shortID(from), "error", err)
		return
	}

	cm.mu.Lock()
	h, ok := cm.handlers[frame.Type]
	cm.mu.Unlock()

	if !ok {
		if !filteredFrameTypes[frame.Type] {
			slog.Debug("connectionmanager: no handler for frame type", "type", frame.Type)
		}
		return
	}
	h.HandleFrame(from, frame.Data)
}

// --- Admission (spec §4.2) ---

// validateOfferSDP mirrors spec §6.2: type must match, sdp non-empty
// with at least 10 characters and containing "v=0".
func validateOfferSDP(sdp webrtc.SessionDescription) error {
	if sdp.Type != webrtc.SDPTypeOffer {
		return newErr(KindValidationError, PeerId{}, fmt.Errorf("%w: sdp type %s is not offer", ErrValidation, sdp.Type))
	}
	if len(sdp.SDP) < 10 {
		return newErr(KindValidationError, PeerId{}, fmt.Errorf("%w: sdp too short", ErrValidation))
	}
	if !containsV0(sdp.SDP) {
		return newErr(KindValidationError, PeerId{}, fmt.Errorf("%w: sdp missing v=0", ErrValidation))
	}
	return nil
}

func containsV0(sdp string) bool {
	for i := 0; i+3 <= len(sdp); i++ {
		if sdp[i] == 'v' && sdp[i+1] == '=' && sdp[i+2] == '0' {
			return true
		}
	}
	return false
}

// HandleIncomingOffer implements the admission/rejection and race
// resolution rules of spec §4.2, returning the answer SDP to send
// back, or an error if the offer is rejected or invalid. Called by
// SignalingHandler on a validated incoming offer.
func (cm *ConnectionManager) HandleIncomingOffer(from PeerId, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := validateOfferSDP(sdp); err != nil {
		return webrtc.SessionDescription{}, err
	}

	cm.mu.Lock()
	existing, hasExisting := cm.peers[from]
	cm.mu.Unlock()

	if hasExisting {
		return cm.resolveRace(from, existing, sdp)
	}

	if !cm.CanAcceptMorePeers() {
		if cm.cfg.EvictionEnabled && cm.eviction != nil {
			if victimID, ok := cm.eviction.SelectVictim(cm.selfID, from, cm.OpenPeers()); ok {
				cm.DisconnectPeer(victimID, "evicted for incoming peer")
				if cm.metrics != nil {
					cm.metrics.EvictionsTotal.WithLabelValues("capacity").Inc()
				}
			} else {
				cm.sweepStale()
			}
		} else {
			cm.sweepStale()
		}
		if !cm.CanAcceptMorePeers() {
			if cm.signalOut != nil {
				_ = cm.signalOut.SendConnectionRejected(from, "max_peers_reached", cm.ConnectedCount(), cm.cfg.MaxPeers)
			}
			return webrtc.SessionDescription{}, newErr(KindCapacityExceeded, from, ErrCapacityExceeded)
		}
	}

	return cm.createResponderLink(from, sdp)
}

func (cm *ConnectionManager) createResponderLink(from PeerId, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	link, err := NewPeerLink(from, false, cm.factory, cm.clk)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := link.HandleOffer(context.Background(), sdp)
	if err != nil {
		_ = link.Close()
		return webrtc.SessionDescription{}, err
	}

	cm.mu.Lock()
	cm.peers[from] = link
	cm.mu.Unlock()

	cm.watchLink(link)
	cm.startAttemptTimeout(from, cm.isolatedLocked())
	cm.emitStatus(StatusInfo, fmt.Sprintf("accepted offer from %s", shortID(from)))
	return answer, nil
}

// resolveRace implements spec §4.2's simultaneous-initiation rules.
func (cm *ConnectionManager) resolveRace(from PeerId, existing *PeerLink, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	weInitiate := ShouldInitiate(cm.selfID, from)

	switch {
	case existing.State() == LinkOffered && weInitiate:
		// We should initiate and are stuck waiting for our own
		// answer: accept theirs, close ours, create a responder link.
		_ = existing.Close()
		cm.mu.Lock()
		delete(cm.peers, from)
		cm.mu.Unlock()
		return cm.createResponderLink(from, sdp)
	case existing.State() == LinkOffered && !weInitiate:
		// We should not have initiated but did: back down.
		_ = existing.Close()
		cm.mu.Lock()
		delete(cm.peers, from)
		cm.mu.Unlock()
		return cm.createResponderLink(from, sdp)
	case existing.State() == LinkOpen || existing.State() == LinkChannelOpen:
		// Not a race at all: an offer on an already-open link is a
		// renegotiation (e.g. the peer adding media), not a fresh
		// handshake attempt.
		return existing.HandleRenegotiationOffer(context.Background(), sdp)
	default:
		// Ignore the duplicate offer.
		return webrtc.SessionDescription{}, newErr(KindInvalidState, from, fmt.Errorf("%w: duplicate offer ignored", ErrInvalidState))
	}
}

// HandleIncomingRenegotiationOffer applies a renegotiation offer to an
// already-connected peer's link and returns the answer to send back
// (spec §4.1/§4.2 Renegotiation). Unlike HandleIncomingOffer this
// performs no admission/capacity checks since the peer is already
// admitted.
func (cm *ConnectionManager) HandleIncomingRenegotiationOffer(from PeerId, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	cm.mu.Lock()
	link, ok := cm.peers[from]
	cm.mu.Unlock()
	if !ok {
		return webrtc.SessionDescription{}, newErr(KindValidationError, from, ErrUnknownPeer)
	}
	return link.HandleRenegotiationOffer(context.Background(), sdp)
}

// HandleAnswer routes an answer to the existing link (spec §4.4).
func (cm *ConnectionManager) HandleAnswer(from PeerId, sdp webrtc.SessionDescription) error {
	cm.mu.Lock()
	link, ok := cm.peers[from]
	cm.mu.Unlock()
	if !ok {
		return newErr(KindValidationError, from, ErrUnknownPeer)
	}
	return link.HandleAnswer(context.Background(), sdp)
}

// HandleIce routes a candidate to the peer's link, which buffers it
// until the remote description is set. Candidates for a peer with no
// link are not buffered: HandleIce returns ErrUnknownPeer and the
// candidate is dropped.
func (cm *ConnectionManager) HandleIce(from PeerId, candidate webrtc.ICECandidateInit) error {
	cm.mu.Lock()
	link, ok := cm.peers[from]
	cm.mu.Unlock()
	if !ok {
		return newErr(KindValidationError, from, ErrUnknownPeer)
	}
	return link.HandleIce(candidate)
}

// DisconnectPeer closes one peer's link (spec §4.2).
func (cm *ConnectionManager) DisconnectPeer(id PeerId, reason string) {
	cm.mu.Lock()
	if cm.disconnecting[id] {
		cm.mu.Unlock()
		return
	}
	cm.disconnecting[id] = true
	link, ok := cm.peers[id]
	if ok {
		delete(cm.peers, id)
	}
	cm.mu.Unlock()

	cm.clearAttemptTimer(id)
	if ok {
		_ = link.Close()
		cm.emitStatus(StatusInfo, fmt.Sprintf("disconnected %s: %s", shortID(id), reason))
	}

	cm.mu.Lock()
	delete(cm.disconnecting, id)
	cm.mu.Unlock()
}

// DisconnectAll closes every peer link.
func (cm *ConnectionManager) DisconnectAll(reason string) {
	cm.mu.Lock()
	ids := make([]PeerId, 0, len(cm.peers))
	for id := range cm.peers {
		ids = append(ids, id)
	}
	cm.mu.Unlock()
	for _, id := range ids {
		cm.DisconnectPeer(id, reason)
	}
}

// RemovePeer drops a peer entirely without a graceful close (used
// after a link has already transitioned to Closed).
func (cm *ConnectionManager) RemovePeer(id PeerId) {
	cm.mu.Lock()
	delete(cm.peers, id)
	delete(cm.connectionAttempts, id)
	delete(cm.lastAttemptAt, id)
	cm.mu.Unlock()
}

// --- Periodic maintenance (spec §4.2/§5) ---

// sweepStale removes peers Disconnected for >5s or in
// {Connecting,Failed,Closed} for >60s. PeerLink does not track a
// disconnected-since timestamp directly, so Closed and Failed links
// are removed on the first sweep that sees them, with no age threshold;
// everything else is left to the stuck-link and attempt-timeout monitors.
func (cm *ConnectionManager) sweepStale() {
	cm.mu.Lock()
	var toRemove []PeerId
	for id, link := range cm.peers {
		switch link.State() {
		case LinkClosed, LinkFailed:
			toRemove = append(toRemove, id)
		}
	}
	cm.mu.Unlock()

	for _, id := range toRemove {
		cm.RemovePeer(id)
	}
}

// sweepStuckLinks force-recovers any link wedged in Offered for more
// than stuckThreshold (spec §4.1 Recovery, §4.2 stuck-connection
// monitor, scenario S6).
func (cm *ConnectionManager) sweepStuckLinks() {
	cm.mu.Lock()
	var stuck []PeerId
	for id, link := range cm.peers {
		if link.State() == LinkOffered && link.OfferAge() > stuckThreshold {
			stuck = append(stuck, id)
		}
	}
	cm.mu.Unlock()

	for _, id := range stuck {
		cm.forceRecovery(id)
	}
}

// forceRecovery closes the wedged link and restarts the offer flow
// from scratch, preserving the ability for the caller to reconfigure
// media before offering again (spec §4.1 Recovery, §4.2).
func (cm *ConnectionManager) forceRecovery(target PeerId) {
	cm.mu.Lock()
	old, ok := cm.peers[target]
	if ok {
		delete(cm.peers, target)
	}
	delete(cm.lastAttemptAt, target) // bypass cooldown for immediate retry
	cm.mu.Unlock()

	if ok {
		_ = old.Close()
	}
	cm.emitStatus(StatusWarning, fmt.Sprintf("recovering stuck link to %s", shortID(target)))
	if cm.metrics != nil {
		cm.metrics.StuckLinkRecoveriesTotal.Inc()
	}
	_ = cm.ConnectToPeer(target)
}

// isolationCheck records in cm.isolated whether the connected count is
// 0; nothing reads that field, as ConnectToPeer and the attempt timeout
// call isolatedLocked directly. Reconnects while isolated are made by
// PeerDiscovery.maintainConnections, which tries up to MaxPeers of the
// closest known peers back to back, with no stagger between attempts.
func (cm *ConnectionManager) isolationCheck() {
	cm.mu.Lock()
	cm.isolated = cm.isolatedLocked()
	cm.mu.Unlock()
}

// ClearAttemptState wipes attempt/cooldown bookkeeping for a peer,
// used by PeerDiscovery.maintainConnections while isolated before
// restarting attempts to the closest discovered peers (spec §4.2).
func (cm *ConnectionManager) ClearAttemptState(id PeerId) {
	cm.mu.Lock()
	delete(cm.connectionAttempts, id)
	delete(cm.lastAttemptAt, id)
	cm.mu.Unlock()
}

// --- Renegotiation serialization (spec §4.2) ---

func (cm *ConnectionManager) enqueueRenegotiation(peer PeerId) {
	cm.mu.Lock()
	if cm.renegQueued[peer] {
		cm.mu.Unlock()
		return
	}
	cm.renegQueued[peer] = true
	cm.renegQueueOrder = append(cm.renegQueueOrder, peer)
	cm.mu.Unlock()
	cm.pumpRenegotiation()
}

func (cm *ConnectionManager) pumpRenegotiation() {
	cm.mu.Lock()
	if cm.activeRenegotiation || len(cm.renegQueueOrder) == 0 {
		cm.mu.Unlock()
		return
	}
	peer := cm.renegQueueOrder[0]
	cm.renegQueueOrder = cm.renegQueueOrder[1:]
	delete(cm.renegQueued, peer)
	link, ok := cm.peers[peer]
	cm.mu.Unlock()

	if !ok || !(link.State() == LinkOpen || link.State() == LinkChannelOpen) {
		cm.pumpRenegotiation() // proceed to the next queued item
		return
	}

	cm.mu.Lock()
	cm.activeRenegotiation = true
	cm.mu.Unlock()

	offer, err := link.CreateOffer(context.Background())
	if err != nil {
		cm.completeRenegotiation()
		return
	}
	if cm.signalOut != nil {
		if err := cm.signalOut.SendRenegotiationOffer(peer, offer); err != nil {
			slog.Warn("connectionmanager: failed to send renegotiation offer", "peer", shortID(peer), "error", err)
			cm.completeRenegotiation()
		}
	}
}

// HandleRenegotiationAnswer completes the in-flight renegotiation and
// dequeues the next one.
func (cm *ConnectionManager) HandleRenegotiationAnswer(from PeerId, sdp webrtc.SessionDescription) error {
	cm.mu.Lock()
	link, ok := cm.peers[from]
	cm.mu.Unlock()
	if !ok {
		return newErr(KindValidationError, from, ErrUnknownPeer)
	}
	err := link.HandleAnswer(context.Background(), sdp)
	cm.completeRenegotiation()
	return err
}

func (cm *ConnectionManager) completeRenegotiation() {
	cm.mu.Lock()
	cm.activeRenegotiation = false
	cm.mu.Unlock()
	cm.pumpRenegotiation()
}
