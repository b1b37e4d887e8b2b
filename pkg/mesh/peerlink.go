package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// LinkState is the PeerLink handshake state, per spec §3/§4.1.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkOffered  // local offer set (have-local-offer)
	LinkAnswered // responder produced an answer
	LinkOpen     // signaling stable, data channel not yet open
	LinkChannelOpen
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "New"
	case LinkConnecting:
		return "Connecting"
	case LinkOffered:
		return "Offered"
	case LinkAnswered:
		return "Answered"
	case LinkOpen:
		return "Open"
	case LinkChannelOpen:
		return "ChannelOpen"
	case LinkFailed:
		return "Failed"
	case LinkClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// stuckThreshold is how long a link may remain in LinkOffered before
// ConnectionManager's stuck-link monitor considers it wedged (spec §4.1
// Recovery, §4.2 stuck-connection monitor).
const stuckThreshold = 10 * time.Second

// disconnectDebounce is how long a Disconnected transport state must
// persist before PeerLink emits Disconnected, so brief drops during
// renegotiation are survived (spec §4.1 Failure semantics).
const disconnectDebounce = 3 * time.Second

// PeerLink is one WebRTC peer: SDP/ICE handshake, data channel,
// optional media tracks, recovery (spec §4.1).
type PeerLink struct {
	id          PeerId
	isInitiator bool
	createdAt   time.Time
	clk         Clock

	conn RTCConn

	mu                   sync.Mutex
	state                LinkState
	offeredAt            time.Time
	dataChannelReady     bool
	remoteDescriptionSet bool
	pendingIce           []webrtc.ICECandidateInit
	dc                   DataChannel

	allowRemoteStreamEmission bool
	localStreamID             string
	localTrackIDs             map[string]bool

	connectedEmitted bool
	terminalEmitted  bool
	disconnectTimer  *time.Timer

	events chan LinkEvent
}

// NewPeerLink creates a PeerLink, pre-allocating one audio and one
// video transceiver in sendrecv direction so later media addition does
// not reorder SDP m-lines (spec §4.1 create()).
func NewPeerLink(id PeerId, initiator bool, factory TransportFactory, clk Clock) (*PeerLink, error) {
	conn, err := factory()
	if err != nil {
		return nil, newErr(KindTransportError, id, err)
	}

	l := &PeerLink{
		id:             id,
		isInitiator:    initiator,
		createdAt:      clk.Now(),
		clk:            clk,
		conn:           conn,
		state:          LinkNew,
		localTrackIDs:  make(map[string]bool),
		events:         make(chan LinkEvent, 64),
	}

	if _, err := conn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		return nil, newErr(KindTransportError, id, fmt.Errorf("add audio transceiver: %w", err))
	}
	if _, err := conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		return nil, newErr(KindTransportError, id, fmt.Errorf("add video transceiver: %w", err))
	}

	l.wireHandlers()

	if initiator {
		dc, err := conn.CreateDataChannel("mesh", nil)
		if err != nil {
			return nil, newErr(KindTransportError, id, fmt.Errorf("create data channel: %w", err))
		}
		l.attachDataChannel(dc)
	} else {
		conn.OnDataChannel(func(dc DataChannel) {
			l.attachDataChannel(dc)
		})
	}

	return l, nil
}

func (l *PeerLink) wireHandlers() {
	l.conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		l.emit(LinkEvent{Kind: EventIceCandidate, Peer: l.id, Candidate: &init})
	})

	l.conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		l.handleRemoteTrack(track, receiver)
	})

	l.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.handleConnectionStateChange(state)
	})

	l.conn.OnSignalingStateChange(func(state webrtc.SignalingState) {
		slog.Debug("peerlink: signaling state changed", "peer", shortID(l.id), "state", state.String())
	})

	l.conn.OnNegotiationNeeded(func() {
		l.emit(LinkEvent{Kind: EventRenegotiationNeeded, Peer: l.id})
	})
}

func (l *PeerLink) attachDataChannel(dc DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.dataChannelReady = true
		l.state = LinkChannelOpen
		l.mu.Unlock()
		l.emit(LinkEvent{Kind: EventDataChannelOpen, Peer: l.id})
	})
	dc.OnClose(func() {
		l.scheduleDisconnect("data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.emit(LinkEvent{Kind: EventMessage, Peer: l.id, Message: msg.Data})
	})
	dc.OnError(func(err error) {
		slog.Warn("peerlink: data channel error", "peer", shortID(l.id), "error", err)
	})
}

// handleRemoteTrack implements stream loopback prevention (spec §4.1):
// a remote track is dropped if its stream id equals our local stream id
// or its track id is one of our local track ids. The receiving
// transceiver's direction and any local-origin mark are not checked.
// While remote stream emission is locked, tracks are dropped, not buffered.
func (l *PeerLink) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.mu.Lock()
	localStreamID := l.localStreamID
	isLocalTrack := l.localTrackIDs[track.ID()]
	allow := l.allowRemoteStreamEmission
	l.mu.Unlock()

	if localStreamID != "" && track.StreamID() == localStreamID {
		slog.Debug("peerlink: dropped track with local stream id", "peer", shortID(l.id))
		return
	}
	if isLocalTrack {
		slog.Debug("peerlink: dropped track with local track id", "peer", shortID(l.id))
		return
	}
	_ = receiver // the receiving transceiver's direction is not exposed by RTCConn, so it is not checked.

	if !allow {
		slog.Debug("peerlink: dropping remote stream (emission locked)", "peer", shortID(l.id))
		return
	}

	l.emit(LinkEvent{
		Kind: EventRemoteStream,
		Peer: l.id,
		Stream: &RemoteStream{
			Track:  track,
			Origin: "remote",
			Source: l.id,
		},
	})
}

func (l *PeerLink) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	slog.Debug("peerlink: connection state changed", "peer", shortID(l.id), "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		if l.disconnectTimer != nil {
			l.disconnectTimer.Stop()
			l.disconnectTimer = nil
		}
		already := l.connectedEmitted
		l.connectedEmitted = true
		l.mu.Unlock()
		if !already {
			l.emit(LinkEvent{Kind: EventConnected, Peer: l.id})
		}
	case webrtc.PeerConnectionStateDisconnected:
		l.scheduleDisconnect("connection disconnected")
	case webrtc.PeerConnectionStateFailed:
		l.terminal("connection failed")
	case webrtc.PeerConnectionStateClosed:
		l.terminal("connection closed")
	}
}

// scheduleDisconnect debounces transient disconnects for 3s (spec
// §4.1 Failure semantics) so brief drops during renegotiation don't
// surface as a terminal event.
func (l *PeerLink) scheduleDisconnect(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disconnectTimer != nil {
		return
	}
	l.disconnectTimer = time.AfterFunc(disconnectDebounce, func() {
		l.terminal(reason)
	})
}

// terminal emits at most one terminal event per PeerLink (spec
// invariant: "emits Connected exactly once, then at most one terminal
// event").
func (l *PeerLink) terminal(reason string) {
	l.mu.Lock()
	if l.terminalEmitted {
		l.mu.Unlock()
		return
	}
	l.terminalEmitted = true
	l.state = LinkClosed
	l.mu.Unlock()
	l.emit(LinkEvent{Kind: EventDisconnected, Peer: l.id, Reason: reason})
}

func (l *PeerLink) emit(ev LinkEvent) {
	select {
	case l.events <- ev:
	default:
		slog.Warn("peerlink: event channel full, dropping event", "peer", shortID(l.id), "kind", ev.Kind.String())
	}
}

// Events returns the typed event channel consumers subscribe to at
// construction time (spec §9 "Event emitters → typed channels").
func (l *PeerLink) Events() <-chan LinkEvent { return l.events }

// ID returns the remote peer identity this link represents.
func (l *PeerLink) ID() PeerId { return l.id }

// IsInitiator reports whether this end created the offer.
func (l *PeerLink) IsInitiator() bool { return l.isInitiator }

// State returns the current handshake state.
func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OfferAge returns how long the link has been in LinkOffered, used by
// ConnectionManager's stuck-link monitor (spec §4.2).
func (l *PeerLink) OfferAge() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkOffered {
		return 0
	}
	return l.clk.Now().Sub(l.offeredAt)
}

// CreateOffer produces an SDP offer, records the local description,
// and returns it (spec §4.1). Fails with TransportError if the
// underlying stack rejects.
func (l *PeerLink) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := l.conn.CreateOffer(nil)
	if err != nil {
		return offer, newErr(KindTransportError, l.id, err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return offer, newErr(KindTransportError, l.id, err)
	}
	l.mu.Lock()
	l.state = LinkOffered
	l.offeredAt = l.clk.Now()
	l.mu.Unlock()
	return offer, nil
}

// HandleOffer is only valid in state New; sets the remote description,
// flushes pending ICE, and creates+returns an answer (spec §4.1).
func (l *PeerLink) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	if l.state != LinkNew {
		state := l.state
		l.mu.Unlock()
		return webrtc.SessionDescription{}, newErr(KindInvalidState, l.id, fmt.Errorf("%w: handle_offer in state %s", ErrInvalidState, state))
	}
	l.mu.Unlock()

	if err := l.conn.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, newErr(KindTransportError, l.id, err)
	}
	l.markRemoteDescriptionSet()
	if err := l.flushPendingIce(); err != nil {
		slog.Warn("peerlink: flushing buffered ICE failed", "peer", shortID(l.id), "error", err)
	}

	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		return answer, newErr(KindTransportError, l.id, err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return answer, newErr(KindTransportError, l.id, err)
	}

	l.mu.Lock()
	l.state = LinkAnswered
	l.mu.Unlock()
	// The responder reaches signaling-stable as soon as the local
	// answer is set; spec §4.1's state diagram shows Answered flowing
	// straight into Stable with no separate trigger.
	l.mu.Lock()
	l.state = LinkOpen
	l.mu.Unlock()

	return answer, nil
}

// HandleAnswer is only valid in state Offered; if already Open (or
// later), it is a no-op success (spec §4.1).
func (l *PeerLink) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	l.mu.Lock()
	state := l.state
	if state == LinkOpen || state == LinkChannelOpen {
		l.mu.Unlock()
		return nil
	}
	if state != LinkOffered {
		l.mu.Unlock()
		return newErr(KindInvalidState, l.id, fmt.Errorf("%w: handle_answer in state %s", ErrInvalidState, state))
	}
	l.mu.Unlock()

	if err := l.conn.SetRemoteDescription(answer); err != nil {
		return newErr(KindTransportError, l.id, err)
	}
	l.markRemoteDescriptionSet()
	if err := l.flushPendingIce(); err != nil {
		slog.Warn("peerlink: flushing buffered ICE failed", "peer", shortID(l.id), "error", err)
	}

	l.mu.Lock()
	l.state = LinkOpen
	l.mu.Unlock()
	return nil
}

// HandleRenegotiationOffer applies an offer arriving on an already
// established link (state Open or ChannelOpen) without resetting any
// data-channel state, and returns the answer to send back (spec §4.1
// Renegotiation).
func (l *PeerLink) HandleRenegotiationOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state != LinkOpen && state != LinkChannelOpen {
		return webrtc.SessionDescription{}, newErr(KindInvalidState, l.id, fmt.Errorf("%w: renegotiation offer in state %s", ErrInvalidState, state))
	}

	if err := l.conn.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, newErr(KindTransportError, l.id, err)
	}
	l.markRemoteDescriptionSet()
	if err := l.flushPendingIce(); err != nil {
		slog.Warn("peerlink: flushing buffered ICE failed", "peer", shortID(l.id), "error", err)
	}

	answer, err := l.conn.CreateAnswer(nil)
	if err != nil {
		return answer, newErr(KindTransportError, l.id, err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return answer, newErr(KindTransportError, l.id, err)
	}
	return answer, nil
}

func (l *PeerLink) markRemoteDescriptionSet() {
	l.mu.Lock()
	l.remoteDescriptionSet = true
	l.mu.Unlock()
}

// HandleIce buffers the candidate if the remote description is not
// yet set, else applies it immediately. ICE failures are logged, not
// propagated (spec §4.1).
func (l *PeerLink) HandleIce(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteDescriptionSet {
		l.pendingIce = append(l.pendingIce, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.conn.AddICECandidate(candidate); err != nil {
		slog.Debug("peerlink: ICE candidate rejected", "peer", shortID(l.id), "error", err)
	}
	return nil
}

// flushPendingIce applies buffered candidates in arrival order. Must
// be called after remoteDescriptionSet becomes true; this is the
// happens-before barrier spec §5 requires.
func (l *PeerLink) flushPendingIce() error {
	l.mu.Lock()
	pending := l.pendingIce
	l.pendingIce = nil
	l.mu.Unlock()

	var firstErr error
	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			slog.Debug("peerlink: buffered ICE candidate rejected", "peer", shortID(l.id), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SetLocalStream records the local stream id and track ids used for
// loopback filtering and emits EventRenegotiationNeeded (spec §4.1). It
// does not attach or replace tracks on the transceivers. Passing
// streamID="" and no trackIDs clears both (no stream configured).
func (l *PeerLink) SetLocalStream(streamID string, trackIDs []string) {
	l.mu.Lock()
	l.localStreamID = streamID
	l.localTrackIDs = make(map[string]bool, len(trackIDs))
	for _, t := range trackIDs {
		l.localTrackIDs[t] = true
	}
	l.mu.Unlock()
	l.emit(LinkEvent{Kind: EventRenegotiationNeeded, Peer: l.id})
}

// AllowRemoteStreamEmission unlocks RemoteStream event emission, which
// defaults to false (spec §3).
func (l *PeerLink) AllowRemoteStreamEmission(allow bool) {
	l.mu.Lock()
	l.allowRemoteStreamEmission = allow
	l.mu.Unlock()
}

// Send succeeds only if the data channel is open (spec §4.1).
func (l *PeerLink) Send(data []byte) error {
	l.mu.Lock()
	dc := l.dc
	ready := l.dataChannelReady
	l.mu.Unlock()

	if !ready || dc == nil {
		return newErr(KindInvalidState, l.id, fmt.Errorf("%w: data channel not open", ErrInvalidState))
	}
	if err := dc.Send(data); err != nil {
		return newErr(KindTransportError, l.id, err)
	}
	return nil
}

// Close tears down the underlying transport and cancels any pending
// ICE, releasing transceivers (spec §5 Cancellation).
func (l *PeerLink) Close() error {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = LinkClosed
	l.pendingIce = nil
	if l.disconnectTimer != nil {
		l.disconnectTimer.Stop()
		l.disconnectTimer = nil
	}
	l.mu.Unlock()
	return l.conn.Close()
}

func shortID(id PeerId) string {
	s := id.String()
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
