package mesh

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair is the node's long-lived identity: an ed25519 signing
// keypair (identity, derives the PeerId) and an X25519 box keypair
// used for per-peer/group authenticated encryption (spec §4.7).
type KeyPair struct {
	SignPub  ed25519.PublicKey
	SignPriv ed25519.PrivateKey
	BoxPub   *[32]byte
	BoxPriv  *[32]byte
}

// GenerateKeyPair creates a fresh identity. Production code normally
// loads one from the keystore instead (spec §6.4).
func GenerateKeyPair() (*KeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, newErr(KindCryptoError, PeerId{}, err)
	}
	boxPub, boxPriv, err := box.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, newErr(KindCryptoError, PeerId{}, err)
	}
	return &KeyPair{SignPub: signPub, SignPriv: signPriv, BoxPub: boxPub, BoxPriv: boxPriv}, nil
}

// PeerID derives this keypair's PeerId from its signing public key.
func (k *KeyPair) PeerID() PeerId { return PeerIdFromPublicKey(k.SignPub) }

// keyExchangePayload carries the public halves of a peer's identity,
// signed so a man-in-the-middle on the signaling channel cannot
// substitute its own box key (spec §4.7 key exchange).
type keyExchangePayload struct {
	SignPub   []byte `json:"sign_pub"`
	BoxPub    []byte `json:"box_pub"`
	Signature []byte `json:"signature"`
}

// encryptedEnvelope wraps ciphertext for one peer or a group (spec
// §4.7). Nonce is 24 bytes (nacl/box), unique per message; replay
// defense rejects any nonce seen before from the same sender.
type encryptedEnvelope struct {
	Sender     PeerId `json:"sender"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	GroupID    string `json:"group_id,omitempty"`
}

type peerKeyMaterial struct {
	signPub   ed25519.PublicKey
	boxPub    *[32]byte
	seenNonce map[[24]byte]time.Time
}

// groupKey holds each group member's box public key. There is no shared
// symmetric key: EncryptForGroup seals a separate box for each member.
type groupKey struct {
	memberBoxPub map[PeerId]*[32]byte
}

// CryptoManager performs per-peer and group end-to-end encryption,
// signing, and nonce-based replay detection (spec §4.7).
type CryptoManager struct {
	self *KeyPair
	reg  PeerRegistry
	clk  Clock

	mu      sync.Mutex
	peers   map[PeerId]*peerKeyMaterial
	groups  map[string]*groupKey
	metrics *Metrics

	onKeysEstablished func(PeerId)
}

// SetMetrics wires optional Prometheus instrumentation.
func (c *CryptoManager) SetMetrics(m *Metrics) { c.metrics = m }

// NewCryptoManager constructs a CryptoManager bound to a long-lived
// identity keypair.
func NewCryptoManager(self *KeyPair, reg PeerRegistry, clk Clock) *CryptoManager {
	return &CryptoManager{
		self:   self,
		reg:    reg,
		clk:    clk,
		peers:  make(map[PeerId]*peerKeyMaterial),
		groups: make(map[string]*groupKey),
	}
}

// OnKeysEstablished registers a callback fired once a peer's key
// material has been verified and stored.
func (c *CryptoManager) OnKeysEstablished(f func(PeerId)) { c.onKeysEstablished = f }

// HasKeysFor implements KeyExchanger.
func (c *CryptoManager) HasKeysFor(peer PeerId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[peer]
	return ok
}

// StartKeyExchange implements KeyExchanger: sends our signed public
// key material to peer over the mesh data channel (spec §4.7).
func (c *CryptoManager) StartKeyExchange(peer PeerId) {
	sig := ed25519.Sign(c.self.SignPriv, c.self.BoxPub[:])
	payload := keyExchangePayload{
		SignPub:   c.self.SignPub,
		BoxPub:    c.self.BoxPub[:],
		Signature: sig,
	}
	frame, err := encodeFrame(FrameKeyExchange, keyExchangeFrame{Op: keyExchangeOpHello, Hello: &payload})
	if err != nil {
		slog.Warn("crypto: failed to encode key exchange hello", "error", err)
		return
	}
	if err := c.reg.SendToPeer(peer, frame); err != nil {
		slog.Debug("crypto: failed to send key exchange hello", "peer", shortID(peer), "error", err)
	}
}

type keyExchangeOp string

const (
	keyExchangeOpHello keyExchangeOp = "hello"
)

type keyExchangeFrame struct {
	Op    keyExchangeOp       `json:"op"`
	Hello *keyExchangePayload `json:"hello,omitempty"`
}

// HandleFrame implements FrameHandler for FrameKeyExchange frames,
// carrying key material over the mesh data channel itself (as opposed
// to the external signaling channel, which only ever carries SDP/ICE).
func (c *CryptoManager) HandleFrame(from PeerId, data json.RawMessage) {
	var f keyExchangeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Debug("crypto: malformed key exchange frame", "from", shortID(from), "error", err)
		return
	}
	if f.Op != keyExchangeOpHello || f.Hello == nil {
		return
	}
	c.handleHello(from, *f.Hello)
}

func (c *CryptoManager) handleHello(from PeerId, p keyExchangePayload) {
	signPub := ed25519.PublicKey(p.SignPub)
	if PeerIdFromPublicKey(signPub) != from {
		slog.Warn("crypto: key exchange signing key does not match sender identity", "peer", shortID(from))
		return
	}
	if !ed25519.Verify(signPub, p.BoxPub, p.Signature) {
		slog.Warn("crypto: key exchange signature verification failed", "peer", shortID(from))
		return
	}
	var boxPub [32]byte
	copy(boxPub[:], p.BoxPub)

	c.mu.Lock()
	_, already := c.peers[from]
	c.peers[from] = &peerKeyMaterial{signPub: signPub, boxPub: &boxPub, seenNonce: make(map[[24]byte]time.Time)}
	c.mu.Unlock()

	if !already {
		if c.metrics != nil {
			c.metrics.CryptoKeyExchangesTotal.Inc()
		}
		if c.onKeysEstablished != nil {
			c.onKeysEstablished(from)
		}
	}
}

func randomNonce() (*[24]byte, error) {
	var nonce [24]byte
	if _, err := cryptorand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return &nonce, nil
}

// EncryptFor seals plaintext for exactly one peer using authenticated
// box encryption (X25519 + XSalsa20-Poly1305), returning the wire
// envelope bytes ready to embed in a frame (spec §4.7).
func (c *CryptoManager) EncryptFor(peer PeerId, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	pk, ok := c.peers[peer]
	c.mu.Unlock()
	if !ok {
		return nil, newErr(KindCryptoError, peer, fmt.Errorf("%w: no key material for peer", ErrCryptoError))
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, newErr(KindCryptoError, peer, err)
	}
	sealed := box.Seal(nil, plaintext, nonce, pk.boxPub, c.self.BoxPriv)
	env := encryptedEnvelope{Sender: c.self.PeerID(), Nonce: nonce[:], Ciphertext: sealed}
	return json.Marshal(env)
}

// DecryptFrom opens a one-to-one envelope, rejecting replayed nonces
// (spec §4.7 replay defense).
func (c *CryptoManager) DecryptFrom(peer PeerId, envelope []byte) ([]byte, error) {
	var env encryptedEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, newErr(KindValidationError, peer, err)
	}
	if env.Sender != peer {
		return nil, newErr(KindValidationError, peer, fmt.Errorf("%w: envelope sender mismatch", ErrValidation))
	}
	if len(env.Nonce) != 24 {
		return nil, newErr(KindValidationError, peer, fmt.Errorf("%w: bad nonce length", ErrValidation))
	}
	var nonce [24]byte
	copy(nonce[:], env.Nonce)

	c.mu.Lock()
	pk, ok := c.peers[peer]
	if !ok {
		c.mu.Unlock()
		return nil, newErr(KindCryptoError, peer, fmt.Errorf("%w: no key material for peer", ErrCryptoError))
	}
	if _, seen := pk.seenNonce[nonce]; seen {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CryptoReplaysDetected.Inc()
		}
		return nil, newErr(KindReplayDetected, peer, ErrReplayDetected)
	}
	pk.seenNonce[nonce] = c.clk.Now()
	c.mu.Unlock()

	plain, okOpen := box.Open(nil, env.Ciphertext, &nonce, pk.boxPub, c.self.BoxPriv)
	if !okOpen {
		if c.metrics != nil {
			c.metrics.CryptoFailuresTotal.WithLabelValues("open").Inc()
		}
		return nil, newErr(KindCryptoError, peer, fmt.Errorf("%w: box open failed", ErrCryptoError))
	}
	return plain, nil
}

// CreateGroup registers a set of member box public keys under a group
// id, derived from each member's already-established key material
// (spec §4.7 group encryption). All members must have completed key
// exchange first.
func (c *CryptoManager) CreateGroup(groupID string, members []PeerId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	mk := make(map[PeerId]*[32]byte, len(members))
	for _, m := range members {
		pk, ok := c.peers[m]
		if !ok {
			return newErr(KindCryptoError, m, fmt.Errorf("%w: no key material for group member", ErrCryptoError))
		}
		mk[m] = pk.boxPub
	}
	c.groups[groupID] = &groupKey{memberBoxPub: mk}
	return nil
}

// EncryptForGroup seals plaintext once per member using that member's
// box key, since nacl/box has no native multi-recipient primitive;
// each ciphertext is addressed by recipient so fan-out happens at the
// GossipManager layer (spec §4.7 group encryption).
func (c *CryptoManager) EncryptForGroup(groupID string, plaintext []byte) (map[PeerId][]byte, error) {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	c.mu.Unlock()
	if !ok {
		return nil, newErr(KindCryptoError, PeerId{}, fmt.Errorf("%w: unknown group %s", ErrCryptoError, groupID))
	}

	out := make(map[PeerId][]byte, len(g.memberBoxPub))
	for member, boxPub := range g.memberBoxPub {
		nonce, err := randomNonce()
		if err != nil {
			return nil, newErr(KindCryptoError, member, err)
		}
		sealed := box.Seal(nil, plaintext, nonce, boxPub, c.self.BoxPriv)
		env := encryptedEnvelope{Sender: c.self.PeerID(), Nonce: nonce[:], Ciphertext: sealed, GroupID: groupID}
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, newErr(KindCryptoError, member, err)
		}
		out[member] = raw
	}
	return out, nil
}

// DecryptGroupFrom opens a group envelope using the sender's
// established box key, with the same replay defense as one-to-one
// messages (spec §4.7).
func (c *CryptoManager) DecryptGroupFrom(sender PeerId, envelope []byte) ([]byte, error) {
	return c.DecryptFrom(sender, envelope)
}

// Sign produces a detached ed25519 signature over data, used for
// application-level authenticity on top of the encryption layer (spec
// §4.7 signing).
func (c *CryptoManager) Sign(data []byte) []byte {
	return ed25519.Sign(c.self.SignPriv, data)
}

// Verify checks a detached signature against a known peer's signing
// key.
func (c *CryptoManager) Verify(peer PeerId, data, sig []byte) bool {
	c.mu.Lock()
	pk, ok := c.peers[peer]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return ed25519.Verify(pk.signPub, data, sig)
}
