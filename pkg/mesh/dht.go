package mesh

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DHTKey is a 160-bit ring position, derived by hashing the
// application-supplied string key (spec §4.6).
type DHTKey PeerId

// HashDHTKey derives a ring position from an arbitrary string key.
func HashDHTKey(key string) DHTKey {
	sum := sha256.Sum256([]byte(key))
	var k DHTKey
	copy(k[:], sum[:idLen])
	return k
}

func (k DHTKey) peerID() PeerId { return PeerId(k) }

type dhtEntry struct {
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// dhtPutPayload/dhtGetPayload/dhtGetReplyPayload are the wire bodies
// carried inside FrameDHT (spec §4.6/§6.3).
type dhtPutPayload struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	TTL       int64  `json:"ttl_seconds"`
	Replica   bool   `json:"replica"`
	Requester PeerId `json:"requester"`
}

type dhtGetPayload struct {
	Key       string `json:"key"`
	QueryID   string `json:"query_id"`
	Requester PeerId `json:"requester"`
}

type dhtGetReplyPayload struct {
	Key     string `json:"key"`
	QueryID string `json:"query_id"`
	Value   []byte `json:"value"`
	Found   bool   `json:"found"`
}

type pendingQuery struct {
	resultCh chan dhtGetReplyPayload
}

// DHT implements a from-scratch consistent-hash ring keyed by PeerId:
// put replicates to the ReplicationFactor closest known peers to a
// key's hash, get queries them and returns the first hit (spec §4.6).
type DHT struct {
	self PeerId
	cfg  DHTConfig
	clk  Clock
	reg  PeerRegistry
	disc interface {
		ClosestTo(target PeerId, n int) []PeerId
	}

	mu       sync.Mutex
	store    map[string]dhtEntry
	pending  map[string]*pendingQuery
	queryCtr uint64
	metrics  *Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDHT constructs a DHT.
func NewDHT(self PeerId, cfg DHTConfig, clk Clock, reg PeerRegistry, disc interface {
	ClosestTo(target PeerId, n int) []PeerId
}) *DHT {
	return &DHT{
		self:    self,
		cfg:     cfg,
		clk:     clk,
		reg:     reg,
		disc:    disc,
		store:   make(map[string]dhtEntry),
		pending: make(map[string]*pendingQuery),
		stopCh:  make(chan struct{}),
	}
}

// SetMetrics wires optional Prometheus instrumentation.
func (d *DHT) SetMetrics(m *Metrics) { d.metrics = m }

// Start begins the periodic TTL sweep (spec §5).
func (d *DHT) Start() {
	d.wg.Add(1)
	go d.runSweep()
}

// Stop halts the sweep.
func (d *DHT) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *DHT) runSweep() {
	defer d.wg.Done()
	ticker := d.clk.Ticker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepExpired()
		}
	}
}

func (d *DHT) sweepExpired() {
	now := d.clk.Now()
	d.mu.Lock()
	expired := 0
	for k, e := range d.store {
		if now.After(e.ExpiresAt) {
			delete(d.store, k)
			expired++
		}
	}
	d.mu.Unlock()
	if d.metrics != nil && expired > 0 {
		d.metrics.DHTEntriesExpired.Add(float64(expired))
	}
}

// replicaHolders returns the ReplicationFactor known peers closest to
// key's ring position, per spec §4.6's replication rule.
func (d *DHT) replicaHolders(key DHTKey) []PeerId {
	return d.disc.ClosestTo(key.peerID(), d.cfg.ReplicationFactor)
}

// Put stores value locally if self is among the replica holders or no
// holders are known, and replicates to the other replica holders over
// the mesh (spec §4.6).
func (d *DHT) Put(key string, value []byte) error {
	k := HashDHTKey(key)
	holders := d.replicaHolders(k)

	selfIsHolder := false
	for _, h := range holders {
		if h == d.self {
			selfIsHolder = true
			break
		}
	}
	if selfIsHolder || len(holders) == 0 {
		d.storeLocal(key, value)
	}

	payload := dhtPutPayload{Key: key, Value: value, TTL: int64(d.cfg.EntryTTL / time.Second), Replica: true, Requester: d.self}
	frame, err := encodeFrame(FrameDHT, dhtFrame{Op: dhtOpPut, Put: &payload})
	if err != nil {
		return newErr(KindValidationError, PeerId{}, err)
	}
	for _, h := range holders {
		if h == d.self {
			continue
		}
		if err := d.reg.SendToPeer(h, frame); err != nil {
			slog.Debug("dht: replication send failed", "peer", shortID(h), "error", err)
		}
	}
	if d.metrics != nil {
		d.metrics.DHTPutTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

func (d *DHT) storeLocal(key string, value []byte) {
	now := d.clk.Now()
	d.mu.Lock()
	d.store[key] = dhtEntry{Value: value, StoredAt: now, ExpiresAt: now.Add(d.cfg.EntryTTL)}
	d.mu.Unlock()
}

// Get queries the replica holders closest to key and returns the
// first value found, waiting up to cfg.QueryTimeout (spec §4.6).
func (d *DHT) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := d.clk.Now()
	value, found, err := d.get(ctx, key)
	if d.metrics != nil {
		d.metrics.DHTGetDuration.Observe(d.clk.Now().Sub(start).Seconds())
		result := "miss"
		if err != nil {
			result = "error"
		} else if found {
			result = "hit"
		}
		d.metrics.DHTGetTotal.WithLabelValues(result).Inc()
	}
	return value, found, err
}

func (d *DHT) get(ctx context.Context, key string) ([]byte, bool, error) {
	k := HashDHTKey(key)

	d.mu.Lock()
	if e, ok := d.store[key]; ok && d.clk.Now().Before(e.ExpiresAt) {
		d.mu.Unlock()
		return e.Value, true, nil
	}
	d.mu.Unlock()

	holders := d.replicaHolders(k)
	if len(holders) == 0 {
		return nil, false, nil
	}

	d.mu.Lock()
	d.queryCtr++
	queryID := fmt.Sprintf("%s-%d", d.self.String()[:8], d.queryCtr)
	pq := &pendingQuery{resultCh: make(chan dhtGetReplyPayload, len(holders))}
	d.pending[queryID] = pq
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, queryID)
		d.mu.Unlock()
	}()

	payload := dhtGetPayload{Key: key, QueryID: queryID, Requester: d.self}
	frame, err := encodeFrame(FrameDHT, dhtFrame{Op: dhtOpGet, Get: &payload})
	if err != nil {
		return nil, false, newErr(KindValidationError, PeerId{}, err)
	}
	for _, h := range holders {
		if h == d.self {
			continue
		}
		if err := d.reg.SendToPeer(h, frame); err != nil {
			slog.Debug("dht: query send failed", "peer", shortID(h), "error", err)
		}
	}

	timeout := d.clk.Timer(d.cfg.QueryTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false, newErr(KindTimeoutError, PeerId{}, ctx.Err())
		case <-timeout.C:
			return nil, false, nil
		case reply := <-pq.resultCh:
			if reply.Found {
				return reply.Value, true, nil
			}
		}
	}
}

// dhtOp discriminates the DHT frame payload.
type dhtOp string

const (
	dhtOpPut      dhtOp = "put"
	dhtOpGet      dhtOp = "get"
	dhtOpGetReply dhtOp = "get-reply"
)

type dhtFrame struct {
	Op       dhtOp               `json:"op"`
	Put      *dhtPutPayload      `json:"put,omitempty"`
	Get      *dhtGetPayload      `json:"get,omitempty"`
	GetReply *dhtGetReplyPayload `json:"get_reply,omitempty"`
}

// HandleFrame implements FrameHandler for FrameDHT (spec §6.3).
func (d *DHT) HandleFrame(from PeerId, data json.RawMessage) {
	var f dhtFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Debug("dht: malformed frame", "from", shortID(from), "error", err)
		return
	}
	switch f.Op {
	case dhtOpPut:
		if f.Put != nil {
			d.storeLocal(f.Put.Key, f.Put.Value)
		}
	case dhtOpGet:
		if f.Get != nil {
			d.replyToGet(from, *f.Get)
		}
	case dhtOpGetReply:
		if f.GetReply != nil {
			d.deliverReply(*f.GetReply)
		}
	}
}

func (d *DHT) replyToGet(from PeerId, req dhtGetPayload) {
	d.mu.Lock()
	e, ok := d.store[req.Key]
	valid := ok && d.clk.Now().Before(e.ExpiresAt)
	d.mu.Unlock()

	reply := dhtGetReplyPayload{Key: req.Key, QueryID: req.QueryID, Found: valid}
	if valid {
		reply.Value = e.Value
	}
	frame, err := encodeFrame(FrameDHT, dhtFrame{Op: dhtOpGetReply, GetReply: &reply})
	if err != nil {
		return
	}
	if err := d.reg.SendToPeer(from, frame); err != nil {
		slog.Debug("dht: get-reply send failed", "peer", shortID(from), "error", err)
	}
}

func (d *DHT) deliverReply(reply dhtGetReplyPayload) {
	d.mu.Lock()
	pq, ok := d.pending[reply.QueryID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pq.resultCh <- reply:
	default:
	}
}
