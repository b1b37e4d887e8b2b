// Package wsrelay is a reference implementation of mesh.SignalingTransport
// over a websocket connection to a relay server. It is not part of the
// mesh package's tested core contract (spec §6.1 leaves the transport
// unspecified) but makes the node runnable end-to-end.
package wsrelay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shurlinet/shurli/pkg/mesh"
)

// Transport dials a relay's websocket endpoint and exchanges JSON-framed
// mesh.SignalingMessage values, redialing after a fixed reconnectDelay on drop.
type Transport struct {
	endpoint       string
	reconnectDelay time.Duration
	onMessage      func(mesh.SignalingMessage)

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// New constructs a Transport. Call Connect to start the read loop
// before any Send; onMessage is invoked for every inbound message
// (normally mesh.SignalingHandler.HandleMessage).
func New(endpoint string, reconnectDelay time.Duration, onMessage func(mesh.SignalingMessage)) *Transport {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Transport{endpoint: endpoint, reconnectDelay: reconnectDelay, onMessage: onMessage}
}

// Connect dials the relay and starts the background read/reconnect
// loop. It returns once the first dial succeeds or fails.
func (t *Transport) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("wsrelay: dial %s: %w", t.endpoint, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop()
	return nil
}

// Close shuts down the transport and stops reconnecting.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send implements mesh.SignalingTransport.
func (t *Transport) Send(msg mesh.SignalingMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsrelay: not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsrelay: marshal message: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("wsrelay: read failed, reconnecting", "error", err)
			t.reconnect()
			continue
		}

		var msg mesh.SignalingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("wsrelay: malformed message", "error", err)
			continue
		}
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()

	for {
		time.Sleep(t.reconnectDelay)
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.Dial(t.endpoint, nil)
		if err != nil {
			slog.Warn("wsrelay: reconnect failed", "error", err)
			continue
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		return
	}
}
