package mesh

import (
	"log/slog"
)

// NodeConfig bundles the per-component tuning used to construct a Node.
type NodeConfig struct {
	Connection ConnectionConfig
	Discovery  DiscoveryConfig
	Gossip     GossipConfig
	DHT        DHTConfig
}

// Node wires ConnectionManager, PeerDiscovery, SignalingHandler,
// GossipManager, DHT, and CryptoManager into one running mesh
// participant, performing the frame-type dispatch of spec §6.3 and
// the startup/shutdown sequencing of spec §2.
type Node struct {
	Self PeerId

	Connection *ConnectionManager
	Discovery  *PeerDiscovery
	Signaling  *SignalingHandler
	Gossip     *GossipManager
	DHT        *DHT
	Crypto     *CryptoManager
	Metrics    *Metrics

	clk Clock
}

// NewNode constructs a fully-wired Node. keys is the node's long-lived
// identity (spec §4.7/§6.4); factory produces new WebRTC
// PeerConnections (spec §4.1).
func NewNode(keys *KeyPair, cfg NodeConfig, factory TransportFactory, clk Clock, metrics *Metrics) *Node {
	self := keys.PeerID()

	conn := NewConnectionManager(self, cfg.Connection, factory, clk)
	discovery := NewPeerDiscovery(self, cfg.Discovery, clk, conn)
	signaling := NewSignalingHandler(self, conn, discovery, clk)
	gossip := NewGossipManager(self, cfg.Gossip, clk, conn, discovery)
	d := NewDHT(self, cfg.DHT, clk, conn, discovery)
	crypto := NewCryptoManager(keys, conn, clk)

	conn.SetSignalingOut(signaling)
	conn.SetEvictionPolicy(DefaultEvictionPolicy())
	conn.SetKeyExchanger(crypto)
	conn.RegisterHandler(FrameGossip, gossip)
	conn.RegisterHandler(FrameDHT, d)
	conn.RegisterHandler(FrameKeyExchange, crypto)

	if metrics != nil {
		conn.SetMetrics(metrics)
		gossip.SetMetrics(metrics)
		d.SetMetrics(metrics)
		crypto.SetMetrics(metrics)
	}

	return &Node{
		Self:       self,
		Connection: conn,
		Discovery:  discovery,
		Signaling:  signaling,
		Gossip:     gossip,
		DHT:        d,
		Crypto:     crypto,
		Metrics:    metrics,
		clk:        clk,
	}
}

// Start begins all background loops: connection maintenance,
// discovery sweeps, gossip cleanup, and the DHT TTL sweep (spec §5).
func (n *Node) Start() {
	n.Connection.Start()
	n.Discovery.Start()
	n.Gossip.Start()
	n.DHT.Start()
	if err := n.Signaling.AnnouncePresence(); err != nil {
		slog.Debug("node: initial presence announcement failed", "error", err)
	}
}

// Stop halts all background loops and closes every peer link (spec §5
// Cancellation).
func (n *Node) Stop() {
	n.DHT.Stop()
	n.Gossip.Stop()
	n.Discovery.Stop()
	n.Connection.Stop()
}

// Seed records a peer learned out-of-band (e.g. a bootstrap address
// from config) in discovery, which attempts to connect only when
// auto-discovery is on, peer count is under MaxPeers, and this side is
// the elected initiator (spec §4.3).
func (n *Node) Seed(id PeerId) {
	n.Discovery.Add(id, "bootstrap")
}

// UseReputationEviction swaps in the reputation-aware eviction policy
// (SPEC_FULL's peer-reputation supplement) in place of the pure
// XOR-distance default.
func (n *Node) UseReputationEviction(scorer ReputationScorer) {
	n.Connection.SetEvictionPolicy(NewReputationEvictionPolicy(scorer))
}

// UseAdmissionGate wires an optional authorized-peer allowlist into
// the signaling layer (SPEC_FULL's authorized-peer gating supplement).
func (n *Node) UseAdmissionGate(gate AdmissionGate) {
	n.Signaling.SetAdmissionGate(gate)
}
