package host

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/victorarias/taskhost/internal/protocol"
)

// wsClient is one event subscriber.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	missed int // consecutive events dropped because send was full
}

// BroadcastListener is called for each broadcast event (for testing)
type BroadcastListener func(event *protocol.WebSocketEvent)

// wsHub fans task events out to subscribers. A subscriber that misses
// maxMissed events in a row is dropped.
type wsHub struct {
	mu                sync.Mutex
	clients           map[*wsClient]struct{}
	closed            bool
	logf              func(format string, args ...interface{})
	broadcastListener BroadcastListener
}

const maxMissed = 3

func newWSHub() *wsHub {
	return &wsHub{
		clients: make(map[*wsClient]struct{}),
		logf:    func(format string, args ...interface{}) {},
	}
}

// add registers c. It returns false once the hub is closed.
func (h *wsHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove unregisters c and closes its send queue.
func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// deliver queues data for one client without blocking.
func (h *wsHub) deliver(c *wsClient, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeAll drops every subscriber and refuses new ones.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends an event to all connected clients
func (h *wsHub) Broadcast(event *protocol.WebSocketEvent) {
	if h.broadcastListener != nil {
		h.broadcastListener(event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logf("WebSocket broadcast marshal error: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
			c.missed = 0
		default:
			c.missed++
			if c.missed >= maxMissed {
				h.logf("WebSocket client too slow (%d missed), disconnecting", c.missed)
				delete(h.clients, c)
				close(c.send)
			}
		}
	}
}

// ClientCount returns number of connected clients
func (h *wsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SetBroadcastListener observes every event, for tests and embedders.
func (h *Host) SetBroadcastListener(l BroadcastListener) {
	h.wsHub.broadcastListener = l
}

// handleWS streams task events. Text messages from the client are control
// requests and get a Response back on the same connection.
func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"127.0.0.1:*", "localhost:*"},
	})
	if err != nil {
		h.logger.Warnf("WebSocket accept error: %v", err)
		return
	}

	conn.SetReadLimit(maxRequest)

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	if !h.wsHub.add(client) {
		conn.Close(websocket.StatusGoingAway, "host stopping")
		return
	}
	h.logger.Debugf("WebSocket client connected (%d total)", h.wsHub.ClientCount())

	h.sendInitialState(client)

	done := make(chan struct{})
	go h.wsPingLoop(client, done)
	go h.wsWritePump(client)
	h.wsReadPump(client)
	close(done)
}

func (h *Host) sendInitialState(client *wsClient) {
	event := &protocol.WebSocketEvent{
		Event:           protocol.EventInitialState,
		ProtocolVersion: protocol.Ptr(protocol.ProtocolVersion),
		Tasks:           h.store.List(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.wsHub.deliver(client, data)
}

func (h *Host) wsWritePump(client *wsClient) {
	defer client.conn.Close(websocket.StatusNormalClosure, "")

	for message := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// wsPingLoop sends periodic pings to detect dead clients
func (h *Host) wsPingLoop(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				h.logger.Debugf("WebSocket ping failed: %v", err)
				client.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (h *Host) wsReadPump(client *wsClient) {
	defer func() {
		h.wsHub.remove(client)
		client.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := client.conn.Read(h.ctx)
		if err != nil {
			h.logger.Debugf("WebSocket read error: %v", err)
			return
		}
		// Requests can block (ending tasks), so they run off the read loop.
		go func() {
			resp, err := json.Marshal(h.dispatch(data))
			if err != nil {
				return
			}
			h.wsHub.deliver(client, resp)
		}()
	}
}
