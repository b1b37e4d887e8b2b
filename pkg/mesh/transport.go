package mesh

import (
	"github.com/pion/webrtc/v4"
)

// DataChannel is the capability interface PeerLink needs from an
// ordered, reliable data channel (spec §6.1). *webrtc.DataChannel
// satisfies it structurally.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnError(f func(err error))
	ReadyState() webrtc.DataChannelState
}

// RTCConn is the capability interface PeerLink needs from the
// underlying WebRTC stack (spec §6.1's Transport contract). It is
// implemented by pionConn (wrapping *webrtc.PeerConnection) in
// production and by a fake in tests, so handshake logic in PeerLink
// never depends on a concrete transport.
type RTCConn interface {
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	CreateDataChannel(label string, opts *webrtc.DataChannelInit) (DataChannel, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, opts ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)

	OnICECandidate(f func(candidate *webrtc.ICECandidate))
	OnDataChannel(f func(dc DataChannel))
	OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	OnSignalingStateChange(f func(state webrtc.SignalingState))
	OnNegotiationNeeded(f func())

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// TransportFactory constructs a new RTCConn, mirroring spec §6.1's
// Transport.new_connection(config). Production code supplies
// NewPionTransportFactory; tests supply a fake.
type TransportFactory func() (RTCConn, error)

// pionConn adapts *webrtc.PeerConnection to RTCConn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

// NewPionTransportFactory returns a TransportFactory backed by
// pion/webrtc, configured with the given ICE servers.
func NewPionTransportFactory(iceServers []webrtc.ICEServer) TransportFactory {
	return func() (RTCConn, error) {
		cfg := webrtc.Configuration{ICEServers: iceServers}
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, newErr(KindTransportError, PeerId{}, err)
		}
		return &pionConn{pc: pc}, nil
	}
}

func (p *pionConn) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(opts)
}

func (p *pionConn) CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(opts)
}

func (p *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionConn) CreateDataChannel(label string, opts *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, opts)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionConn) AddTransceiverFromKind(kind webrtc.RTPCodecType, opts ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return p.pc.AddTransceiverFromKind(kind, opts...)
}

func (p *pionConn) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *pionConn) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *pionConn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f(track, receiver)
	})
}

func (p *pionConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionConn) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	p.pc.OnSignalingStateChange(f)
}

func (p *pionConn) OnNegotiationNeeded(f func()) {
	p.pc.OnNegotiationNeeded(f)
}

func (p *pionConn) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }
func (p *pionConn) ConnectionState() webrtc.PeerConnectionState { return p.pc.ConnectionState() }
func (p *pionConn) Close() error { return p.pc.Close() }
