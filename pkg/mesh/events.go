package mesh

import "github.com/pion/webrtc/v4"

// LinkEventKind enumerates the events a PeerLink emits, per spec §4.1.
type LinkEventKind int

const (
	EventIceCandidate LinkEventKind = iota
	EventConnected
	EventDataChannelOpen
	EventMessage
	EventRemoteStream
	EventRenegotiationNeeded
	EventDisconnected
)

func (k LinkEventKind) String() string {
	switch k {
	case EventIceCandidate:
		return "ice-candidate"
	case EventConnected:
		return "connected"
	case EventDataChannelOpen:
		return "data-channel-open"
	case EventMessage:
		return "message"
	case EventRemoteStream:
		return "remote-stream"
	case EventRenegotiationNeeded:
		return "renegotiation-needed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// LinkEvent is emitted on a PeerLink's typed event channel. Only the
// fields relevant to Kind are populated.
type LinkEvent struct {
	Kind      LinkEventKind
	Peer      PeerId
	Candidate *webrtc.ICECandidateInit
	Message   []byte
	Stream    *RemoteStream
	Reason    string
}

// RemoteStream describes a track accepted after loopback-prevention
// checks (spec §4.1 "Stream loopback prevention").
type RemoteStream struct {
	Track  *webrtc.TrackRemote
	Origin string // always "remote" once accepted
	Source PeerId
}

// StatusLevel classifies a status-change event per spec §7
// ("user-visible behavior").
type StatusLevel int

const (
	StatusInfo StatusLevel = iota
	StatusWarning
	StatusError
)

// StatusEvent carries a short, human-readable description of a
// significant transition, with short peer-id prefixes per spec §7.
type StatusEvent struct {
	Level   StatusLevel
	Message string
}
