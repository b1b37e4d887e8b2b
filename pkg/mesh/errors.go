package mesh

import "errors"

// Kind classifies a mesh error per spec §7. Callers match on kind with
// errors.Is against the package-level sentinels below, the same way
// teacher code checks errors.Is(err, ErrServiceNotFound).
type Kind int

const (
	// KindInvalidState: operation attempted in the wrong handshake
	// state. Callers typically tolerate this (e.g. answer when already
	// stable).
	KindInvalidState Kind = iota
	// KindTransportError: underlying WebRTC failure; fatal for the link.
	KindTransportError
	// KindTimeoutError: attempt, step, ICE, or query exceeded its
	// budget; recoverable by retry or force-recovery.
	KindTimeoutError
	// KindCapacityExceeded: surfaced as connection-rejected on the wire.
	KindCapacityExceeded
	// KindValidationError: malformed SDP, ICE, or gossip; frame dropped.
	KindValidationError
	// KindReplayDetected: duplicate nonce; frame dropped.
	KindReplayDetected
	// KindCryptoError: encryption/decryption failure; frame dropped.
	KindCryptoError
	// KindRouteUnreachable: directed gossip send with no neighbour and
	// TTL exhausted; silently dropped.
	KindRouteUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid_state"
	case KindTransportError:
		return "transport_error"
	case KindTimeoutError:
		return "timeout_error"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindValidationError:
		return "validation_error"
	case KindReplayDetected:
		return "replay_detected"
	case KindCryptoError:
		return "crypto_error"
	case KindRouteUnreachable:
		return "route_unreachable"
	default:
		return "unknown"
	}
}

// MeshError is the error type carrying a Kind plus a wrapped cause.
type MeshError struct {
	Kind Kind
	Peer PeerId
	Err  error
}

func (e *MeshError) Error() string {
	if e.Peer.IsZero() {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + " (peer " + e.Peer.String()[:8] + "): " + e.Err.Error()
}

func (e *MeshError) Unwrap() error { return e.Err }

func newErr(kind Kind, peer PeerId, err error) *MeshError {
	return &MeshError{Kind: kind, Peer: peer, Err: err}
}

// Sentinel causes wrapped by MeshError.Err for simple cases, so plain
// errors.Is(err, ErrInvalidState) works without unwrapping a *MeshError
// by hand.
var (
	ErrInvalidState     = errors.New("invalid handshake state")
	ErrTransportError   = errors.New("transport error")
	ErrTimeout          = errors.New("timed out")
	ErrCapacityExceeded = errors.New("max peers reached")
	ErrValidation       = errors.New("validation failed")
	ErrReplayDetected   = errors.New("replay detected")
	ErrCryptoError      = errors.New("crypto operation failed")
	ErrRouteUnreachable = errors.New("no route to target")

	ErrUnknownPeer     = errors.New("unknown peer")
	ErrAlreadyAttached = errors.New("peer already present or attempting")
	ErrLinkClosed      = errors.New("peer link closed")
)
