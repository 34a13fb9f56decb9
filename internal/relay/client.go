package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection tuning. The send queue absorbs fan-out bursts; a
// subscriber that stays behind for a full queue is evicted rather than
// allowed to stall the room.
const (
	sendQueueDepth = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWindow     = 30 * time.Second
)

// Close codes beyond the standard WebSocket set.
const (
	CloseAuthTimeout  = 4001 // no identity or valid token inside the auth window
	CloseAuthRejected = 4403 // credentials refused; clients must not retry
)

// Identity is a subscriber's self-declared display metadata.
type Identity struct {
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
	Color       string `json:"color,omitempty"`
}

// PeerInfo is one entry in a peers-list response.
type PeerInfo struct {
	ClientID    string `json:"client_id"`
	PublicKey   string `json:"public_key,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Color       string `json:"color,omitempty"`
	Source      string `json:"source"` // "websocket" or "mesh"
}

type outFrame struct {
	msgType int
	data    []byte
}

// client is one WebSocket subscriber. Reads and writes run on separate
// pumps; everything the server sends goes through the send queue.
type client struct {
	id       uint64
	clientID string // uuid, shared in peer lists
	conn     *websocket.Conn
	remote   string
	server   *Server

	primary string // path room ID

	send chan outFrame

	mu       sync.Mutex
	identity *Identity
	authed   bool
	rooms    map[string]*room

	joinOnce  sync.Once // path room subscription happens exactly once
	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) peerInfo() PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := PeerInfo{ClientID: c.clientID, Source: "websocket"}
	if c.identity != nil {
		info.PublicKey = c.identity.PublicKey
		info.DisplayName = c.identity.DisplayName
		info.Color = c.identity.Color
	}
	return info
}

func (c *client) setIdentity(id Identity) {
	c.mu.Lock()
	c.identity = &id
	c.authed = true
	c.mu.Unlock()
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) markAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

// trackRoom records membership; joinedRooms snapshots it for teardown.
func (c *client) trackRoom(rm *room) {
	c.mu.Lock()
	c.rooms[rm.id] = rm
	c.mu.Unlock()
}

func (c *client) untrackRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *client) joinedRooms() []*room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*room, 0, len(c.rooms))
	for _, rm := range c.rooms {
		out = append(out, rm)
	}
	return out
}

func (c *client) roomFor(topic string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[topic]
}

// enqueue hands a frame to the write pump. A full queue means the
// consumer is not keeping up with fan-out; it is evicted with 1013 so
// the rest of the room stays healthy.
func (c *client) enqueue(f outFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		if c.server.metrics != nil {
			c.server.metrics.SlowConsumersTotal.Inc()
		}
		slog.Warn("relay: evicting slow consumer", "client", c.clientID, "room", c.primary)
		go c.closeWith(websocket.CloseTryAgainLater, "slow_consumer")
		return false
	}
}

func (c *client) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("relay: marshal failed", "error", err)
		return false
	}
	return c.enqueue(outFrame{msgType: websocket.TextMessage, data: data})
}

// closeWith sends a close frame with the given code and tears the
// connection down. Idempotent; only the first code wins.
func (c *client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
		c.server.dropClient(c)
	})
}

// writePump owns all writes to the socket: queued frames plus the
// keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.msgType, f.data); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "write_error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "heartbeat_failure")
				return
			}
		}
	}
}

// readPump consumes the socket until error or close.
func (c *client) readPump() {
	defer c.closeWith(websocket.CloseNormalClosure, "")

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("relay: client read error", "client", c.clientID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage:
			c.server.handleControl(c, data)
		case websocket.BinaryMessage:
			c.server.handleBinary(c, data)
		}
	}
}
