package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PeerRegistry is the capability GossipManager and the DHT use to
// enumerate and write to open peer links, without depending on
// ConnectionManager directly (spec §9 leaf-first capability design).
type PeerRegistry interface {
	OpenPeers() []PeerId
	SendToPeer(id PeerId, data []byte) error
}

// Router supplies XOR-nearest-neighbour routing for directed gossip
// (spec §4.5's "direct" delivery mode).
type Router interface {
	NextHopTowards(target PeerId, exclude PeerId) (PeerId, bool)
}

// GossipPayload is the application-visible envelope inside a gossip
// frame (spec §4.5).
type GossipPayload struct {
	MessageID string          `json:"message_id"`
	Origin    PeerId          `json:"origin"`
	Target    *PeerId         `json:"target,omitempty"` // nil for broadcast
	TTL       int             `json:"ttl"`
	Topic     string          `json:"topic,omitempty"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

// GossipMessage is the decoded, application-facing delivery (spec §4.5).
type GossipMessage struct {
	Origin PeerId
	Topic  string
	Body   []byte
}

// GossipManager implements epidemic broadcast with dedup, TTL decay,
// and XOR-routed direct delivery (spec §4.5).
type GossipManager struct {
	self PeerId
	cfg  GossipConfig
	clk  Clock
	reg  PeerRegistry
	rt   Router

	mu      sync.Mutex
	seen    map[string]time.Time // messageID -> first-seen time
	metrics *Metrics

	onDeliver func(GossipMessage)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGossipManager constructs a GossipManager.
func NewGossipManager(self PeerId, cfg GossipConfig, clk Clock, reg PeerRegistry, rt Router) *GossipManager {
	return &GossipManager{
		self:   self,
		cfg:    cfg,
		clk:    clk,
		reg:    reg,
		rt:     rt,
		seen:   make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
}

// OnDeliver registers the callback invoked for every newly-seen
// message addressed to this node or broadcast (spec §4.5 delivery).
func (g *GossipManager) OnDeliver(f func(GossipMessage)) { g.onDeliver = f }

// SetMetrics wires optional Prometheus instrumentation.
func (g *GossipManager) SetMetrics(m *Metrics) { g.metrics = m }

// Start begins the periodic dedup-table cleanup sweep (spec §5).
func (g *GossipManager) Start() {
	g.wg.Add(1)
	go g.runCleanup()
}

// Stop halts the cleanup sweep.
func (g *GossipManager) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *GossipManager) runCleanup() {
	defer g.wg.Done()
	ticker := g.clk.Ticker(g.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.cleanup()
		}
	}
}

func (g *GossipManager) cleanup() {
	cutoff := g.clk.Now().Add(-g.cfg.Expiry)
	g.mu.Lock()
	for id, t := range g.seen {
		if t.Before(cutoff) {
			delete(g.seen, id)
		}
	}
	g.mu.Unlock()
}

// newMessageID derives a dedup key by hashing origin, the current clock
// time in nanoseconds, and the body with sha256, keeping the first 32
// hex characters. Identical bodies from one origin get distinct IDs only
// when the clock reading differs (spec §4.5).
func newMessageID(origin PeerId, clk Clock, body []byte) string {
	h := sha256.New()
	h.Write(origin[:])
	nowBytes := []byte(fmt.Sprintf("%d", clk.Now().UnixNano()))
	h.Write(nowBytes)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Broadcast floods topic/body to every open peer (spec §4.5 mode
// "broadcast"). TTL starts at cfg.MaxTTL.
func (g *GossipManager) Broadcast(topic string, body []byte) error {
	return g.publish(nil, topic, body)
}

// SendDirect routes topic/body toward target via the XOR-nearest
// known neighbour, decrementing TTL each hop (spec §4.5 mode
// "direct"). Returns ErrRouteUnreachable if no neighbour is known.
func (g *GossipManager) SendDirect(target PeerId, topic string, body []byte) error {
	return g.publish(&target, topic, body)
}

func (g *GossipManager) publish(target *PeerId, topic string, body []byte) error {
	payload := GossipPayload{
		MessageID: newMessageID(g.self, g.clk, body),
		Origin:    g.self,
		Target:    target,
		TTL:       g.cfg.MaxTTL,
		Topic:     topic,
		Body:      body,
		CreatedAt: g.clk.Now(),
	}

	g.markSeen(payload.MessageID)

	if target != nil {
		if g.metrics != nil {
			g.metrics.GossipSentTotal.WithLabelValues("direct").Inc()
		}
		return g.forwardDirect(payload, PeerId{})
	}
	if g.metrics != nil {
		g.metrics.GossipSentTotal.WithLabelValues("broadcast").Inc()
	}
	g.floodBroadcast(payload, PeerId{})
	return nil
}

func (g *GossipManager) markSeen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[id]; ok {
		return false
	}
	g.seen[id] = g.clk.Now()
	return true
}

// HandleFrame implements FrameHandler, receiving a decoded gossip
// frame from ConnectionManager (spec §6.3 dispatch).
func (g *GossipManager) HandleFrame(from PeerId, data json.RawMessage) {
	var payload GossipPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Debug("gossip: malformed frame", "from", shortID(from), "error", err)
		return
	}
	g.handleIncoming(payload, from)
}

func (g *GossipManager) handleIncoming(payload GossipPayload, from PeerId) {
	fresh := g.markSeen(payload.MessageID)
	if !fresh {
		if g.metrics != nil {
			g.metrics.GossipDuplicatesTotal.Inc()
		}
		return // at-most-once delivery: already processed this message
	}

	if payload.Target == nil {
		if g.onDeliver != nil {
			g.onDeliver(GossipMessage{Origin: payload.Origin, Topic: payload.Topic, Body: payload.Body})
			if g.metrics != nil {
				g.metrics.GossipDeliveredTotal.WithLabelValues(payload.Topic).Inc()
			}
		}
		if payload.TTL > 1 {
			payload.TTL--
			g.floodBroadcast(payload, from)
		}
		return
	}

	if *payload.Target == g.self {
		if g.onDeliver != nil {
			g.onDeliver(GossipMessage{Origin: payload.Origin, Topic: payload.Topic, Body: payload.Body})
			if g.metrics != nil {
				g.metrics.GossipDeliveredTotal.WithLabelValues(payload.Topic).Inc()
			}
		}
		return
	}

	if payload.TTL <= 1 {
		slog.Debug("gossip: dropping directed message, ttl exhausted", "target", shortID(*payload.Target))
		if g.metrics != nil {
			g.metrics.GossipDroppedTotal.WithLabelValues("ttl_exhausted").Inc()
		}
		return
	}
	payload.TTL--
	if err := g.forwardDirect(payload, from); err != nil {
		slog.Debug("gossip: directed forward failed", "target", shortID(*payload.Target), "error", err)
	}
}

func (g *GossipManager) floodBroadcast(payload GossipPayload, exclude PeerId) {
	frame, err := encodeFrame(FrameGossip, payload)
	if err != nil {
		slog.Warn("gossip: failed to encode frame", "error", err)
		return
	}
	for _, peer := range g.reg.OpenPeers() {
		if peer == exclude {
			continue
		}
		if err := g.reg.SendToPeer(peer, frame); err != nil {
			slog.Debug("gossip: send to peer failed", "peer", shortID(peer), "error", err)
		}
	}
}

// forwardDirect routes payload one hop closer to its target using the
// XOR-nearest known neighbour (spec §4.5).
func (g *GossipManager) forwardDirect(payload GossipPayload, exclude PeerId) error {
	if payload.Target == nil {
		return newErr(KindValidationError, PeerId{}, fmt.Errorf("%w: direct message with no target", ErrValidation))
	}
	next, ok := g.rt.NextHopTowards(*payload.Target, exclude)
	if !ok {
		return newErr(KindRouteUnreachable, *payload.Target, ErrRouteUnreachable)
	}
	frame, err := encodeFrame(FrameGossip, payload)
	if err != nil {
		return newErr(KindValidationError, *payload.Target, err)
	}
	return g.reg.SendToPeer(next, frame)
}
