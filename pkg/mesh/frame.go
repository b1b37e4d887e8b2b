package mesh

import "encoding/json"

// FrameType is the top-level discriminator of a mesh data-channel frame
// (spec §6.3). Sum types with exhaustive dispatch, per spec §9's
// "Polymorphic message dispatch → tagged variants" design note.
type FrameType string

const (
	FrameGossip                  FrameType = "gossip"
	FrameDHT                     FrameType = "dht"
	FrameEviction                FrameType = "eviction"
	FrameSignaling               FrameType = "signaling"
	FrameKeyExchange             FrameType = "key-exchange"
	FrameSignalingRelay          FrameType = "signaling-relay"
	FramePeerAnnounceRelay       FrameType = "peer-announce-relay"
	FrameBootstrapKeepalive      FrameType = "bootstrap-keepalive"
	FrameClientPeerAnnouncement  FrameType = "client-peer-announcement"
	FrameCrossBootstrapSignaling FrameType = "cross-bootstrap-signaling"
	FrameRenegotiationOffer      FrameType = "renegotiation-offer"
	FrameRenegotiationAnswer     FrameType = "renegotiation-answer"
	FrameBinary                  FrameType = "binary"
)

// filteredFrameTypes are processed internally by ConnectionManager but
// never surfaced to the application (spec §4.2, §6.3).
var filteredFrameTypes = map[FrameType]bool{
	FrameSignalingRelay:          true,
	FramePeerAnnounceRelay:       true,
	FrameBootstrapKeepalive:      true,
	FrameClientPeerAnnouncement:  true,
	FrameCrossBootstrapSignaling: true,
}

// Frame is the envelope every peer-to-peer message is wrapped in.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// BinaryFrame carries opaque application bytes (spec §6.3).
type BinaryFrame struct {
	Data []byte `json:"data"`
	Size int    `json:"size"`
}

// EvictionFrame notifies a peer it is being evicted, or requests
// eviction info (spec §4.2 admission/rejection flow).
type EvictionFrame struct {
	Reason string `json:"reason"`
}

func encodeFrame(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: t, Data: raw})
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	return f, nil
}
