package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalingMessageType discriminates the wire messages exchanged over
// the external signaling channel (spec §6.1/§6.2).
type SignalingMessageType string

const (
	SignalingOffer               SignalingMessageType = "offer"
	SignalingAnswer              SignalingMessageType = "answer"
	SignalingIceCandidate        SignalingMessageType = "ice-candidate"
	SignalingRenegotiationOffer  SignalingMessageType = "renegotiation-offer"
	SignalingRenegotiationAnswer SignalingMessageType = "renegotiation-answer"
	SignalingConnectionRejected  SignalingMessageType = "connection-rejected"
	SignalingPeerAnnounce        SignalingMessageType = "peer-announce"
)

// SignalingMessage is the envelope every message on the signaling
// transport is wrapped in (spec §6.1).
type SignalingMessage struct {
	Type      SignalingMessageType `json:"type"`
	From      PeerId               `json:"from"`
	To        PeerId               `json:"to"`
	Timestamp time.Time            `json:"timestamp"`
	Data      json.RawMessage      `json:"data,omitempty"`
}

type sdpPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type icePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type rejectPayload struct {
	Reason       string `json:"reason"`
	CurrentCount int    `json:"current_count"`
	MaxPeers     int    `json:"max_peers"`
}

type announcePayload struct {
	PeerID PeerId `json:"peer_id"`
}

// SignalingTransport is the capability interface an external
// signaling channel implements (spec §6.1). wsrelay.Transport
// satisfies this against a real websocket connection; tests use an
// in-memory fake.
type SignalingTransport interface {
	Send(msg SignalingMessage) error
}

// AdmissionGate is an optional capability consulted before an inbound
// offer is admitted, layered above the capacity/eviction rules of
// ConnectionManager (satisfied by *auth.MeshGate). Nil means allow all.
type AdmissionGate interface {
	IsAuthorized(peer PeerId) bool
}

// SignalingHandler translates inbound SignalingMessages into
// ConnectionManager/PeerLink calls, and implements SignalingOut to
// push outbound ones, per spec §6.1.
type SignalingHandler struct {
	self      PeerId
	conn      *ConnectionManager
	discovery *PeerDiscovery
	transport SignalingTransport
	gate      AdmissionGate
	clk       Clock
}

// NewSignalingHandler constructs a SignalingHandler bound to a
// ConnectionManager and PeerDiscovery. SetTransport must be called
// before any outbound message can be sent.
func NewSignalingHandler(self PeerId, conn *ConnectionManager, discovery *PeerDiscovery, clk Clock) *SignalingHandler {
	return &SignalingHandler{self: self, conn: conn, discovery: discovery, clk: clk}
}

// SetTransport wires the outbound transport.
func (h *SignalingHandler) SetTransport(t SignalingTransport) { h.transport = t }

// SetAdmissionGate wires an optional authorized-peer allowlist,
// consulted before any inbound offer reaches admission/capacity
// checks (SPEC_FULL's authorized-peer gating supplement).
func (h *SignalingHandler) SetAdmissionGate(g AdmissionGate) { h.gate = g }

func (h *SignalingHandler) send(to PeerId, t SignalingMessageType, payload any) error {
	if h.transport == nil {
		return newErr(KindTransportError, to, fmt.Errorf("%w: no signaling transport configured", ErrTransportError))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return newErr(KindValidationError, to, err)
	}
	msg := SignalingMessage{
		Type:      t,
		From:      h.self,
		To:        to,
		Timestamp: h.clk.Now(),
		Data:      raw,
	}
	return h.transport.Send(msg)
}

// SendOffer implements SignalingOut.
func (h *SignalingHandler) SendOffer(to PeerId, sdp webrtc.SessionDescription) error {
	return h.send(to, SignalingOffer, sdpPayload{SDP: sdp})
}

// SendAnswer implements SignalingOut.
func (h *SignalingHandler) SendAnswer(to PeerId, sdp webrtc.SessionDescription) error {
	return h.send(to, SignalingAnswer, sdpPayload{SDP: sdp})
}

// SendIceCandidate implements SignalingOut.
func (h *SignalingHandler) SendIceCandidate(to PeerId, c webrtc.ICECandidateInit) error {
	return h.send(to, SignalingIceCandidate, icePayload{Candidate: c})
}

// SendRenegotiationOffer implements SignalingOut.
func (h *SignalingHandler) SendRenegotiationOffer(to PeerId, sdp webrtc.SessionDescription) error {
	return h.send(to, SignalingRenegotiationOffer, sdpPayload{SDP: sdp})
}

// SendRenegotiationAnswer implements SignalingOut.
func (h *SignalingHandler) SendRenegotiationAnswer(to PeerId, sdp webrtc.SessionDescription) error {
	return h.send(to, SignalingRenegotiationAnswer, sdpPayload{SDP: sdp})
}

// SendConnectionRejected implements SignalingOut.
func (h *SignalingHandler) SendConnectionRejected(to PeerId, reason string, currentCount, maxPeers int) error {
	return h.send(to, SignalingConnectionRejected, rejectPayload{Reason: reason, CurrentCount: currentCount, MaxPeers: maxPeers})
}

// AnnouncePresence tells the signaling server/peers about self; Node.Start
// calls it once (spec §4.3 discovery seeding via the signaling channel).
func (h *SignalingHandler) AnnouncePresence() error {
	return h.send(PeerId{}, SignalingPeerAnnounce, announcePayload{PeerID: h.self})
}

// HandleMessage is the single entry point a SignalingTransport calls
// on every inbound SignalingMessage (spec §6.1/§6.2). Messages addressed
// to another peer are dropped silently; malformed ones are dropped with
// a debug log, never a panic.
func (h *SignalingHandler) HandleMessage(msg SignalingMessage) {
	if !msg.To.IsZero() && msg.To != h.self {
		return
	}

	switch msg.Type {
	case SignalingOffer:
		h.handleOffer(msg)
	case SignalingAnswer:
		h.handleAnswer(msg)
	case SignalingIceCandidate:
		h.handleIce(msg)
	case SignalingRenegotiationOffer:
		h.handleRenegotiationOffer(msg)
	case SignalingRenegotiationAnswer:
		h.handleRenegotiationAnswer(msg)
	case SignalingConnectionRejected:
		h.handleRejected(msg)
	case SignalingPeerAnnounce:
		h.handleAnnounce(msg)
	default:
		slog.Debug("signaling: unknown message type", "type", msg.Type)
	}
}

func (h *SignalingHandler) handleOffer(msg SignalingMessage) {
	var p sdpPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		slog.Debug("signaling: malformed offer", "from", shortID(msg.From), "error", err)
		return
	}
	if h.gate != nil && !h.gate.IsAuthorized(msg.From) {
		slog.Info("signaling: offer rejected by admission gate", "from", shortID(msg.From))
		_ = h.SendConnectionRejected(msg.From, "not authorized", h.conn.ConnectedCount(), 0)
		return
	}
	h.discovery.Add(msg.From, "signaling")
	answer, err := h.conn.HandleIncomingOffer(msg.From, p.SDP)
	if err != nil {
		slog.Debug("signaling: offer rejected", "from", shortID(msg.From), "error", err)
		return
	}
	if err := h.SendAnswer(msg.From, answer); err != nil {
		slog.Warn("signaling: failed to send answer", "to", shortID(msg.From), "error", err)
	}
}

func (h *SignalingHandler) handleAnswer(msg SignalingMessage) {
	var p sdpPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		slog.Debug("signaling: malformed answer", "from", shortID(msg.From), "error", err)
		return
	}
	if err := h.conn.HandleAnswer(msg.From, p.SDP); err != nil {
		slog.Debug("signaling: failed to apply answer", "from", shortID(msg.From), "error", err)
	}
}

func (h *SignalingHandler) handleIce(msg SignalingMessage) {
	var p icePayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		slog.Debug("signaling: malformed ICE candidate", "from", shortID(msg.From), "error", err)
		return
	}
	if err := h.conn.HandleIce(msg.From, p.Candidate); err != nil {
		slog.Debug("signaling: failed to apply ICE candidate", "from", shortID(msg.From), "error", err)
	}
}

func (h *SignalingHandler) handleRenegotiationOffer(msg SignalingMessage) {
	var p sdpPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		slog.Debug("signaling: malformed renegotiation offer", "from", shortID(msg.From), "error", err)
		return
	}
	answer, err := h.conn.HandleIncomingRenegotiationOffer(msg.From, p.SDP)
	if err != nil {
		slog.Debug("signaling: renegotiation offer rejected", "from", shortID(msg.From), "error", err)
		return
	}
	if err := h.SendRenegotiationAnswer(msg.From, answer); err != nil {
		slog.Warn("signaling: failed to send renegotiation answer", "to", shortID(msg.From), "error", err)
	}
}

func (h *SignalingHandler) handleRenegotiationAnswer(msg SignalingMessage) {
	var p sdpPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		slog.Debug("signaling: malformed renegotiation answer", "from", shortID(msg.From), "error", err)
		return
	}
	if err := h.conn.HandleRenegotiationAnswer(msg.From, p.SDP); err != nil {
		slog.Debug("signaling: failed to apply renegotiation answer", "from", shortID(msg.From), "error", err)
	}
}

func (h *SignalingHandler) handleRejected(msg SignalingMessage) {
	var p rejectPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return
	}
	slog.Info("signaling: connection rejected", "from", shortID(msg.From), "reason", p.Reason, "current", p.CurrentCount, "max", p.MaxPeers)
}

func (h *SignalingHandler) handleAnnounce(msg SignalingMessage) {
	var p announcePayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return
	}
	h.discovery.Add(p.PeerID, "signaling")
}
