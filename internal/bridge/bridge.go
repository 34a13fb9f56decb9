package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"github.com/nightjar-net/nightjar/internal/lifecycle"
	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

// RoomState is the lifecycle state of one room's relay attachment.
type RoomState string

const (
	StateIdle       RoomState = "idle"
	StatePending    RoomState = "pending"
	StateConnected  RoomState = "connected"
	StateBackingOff RoomState = "backing_off"
	StateGaveUp     RoomState = "gave_up"
)

// CloseAuthRejected is the do-not-retry close code: the server refused
// our credentials and retrying with the same ones cannot succeed.
const CloseAuthRejected = 4403

// DefaultConnectTimeout bounds a single WebSocket dial.
const DefaultConnectTimeout = 10 * time.Second

var (
	ErrRoomExists   = errors.New("room already attached")
	ErrRoomUnknown  = errors.New("room not attached")
	ErrBridgeClosed = errors.New("bridge closed")
)

// Identity is the self-declared display metadata announced to the relay.
type Identity struct {
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
	Color       string `json:"color,omitempty"`
}

// RoomOptions configure one room attachment.
type RoomOptions struct {
	AuthToken string    // appended as ?auth=<token> when set
	Identity  *Identity // sent as the first control message when set
}

// Options configure a Bridge.
type Options struct {
	// ServerURL is the relay base URL, e.g. "wss://relay.example.org".
	ServerURL string

	// SOCKSProxy, when set, routes every dial through this SOCKS5
	// address (host:port). Used when traffic must stay inside an
	// anonymity overlay.
	SOCKSProxy string

	ConnectTimeout time.Duration // default DefaultConnectTimeout

	Metrics *meshnet.Metrics // nil = disabled
}

// Bridge maintains one persistent relay attachment per room. Lifecycle
// is explicit: New -> Connect(room)... -> Close. A closed bridge cannot
// be reused.
type Bridge struct {
	opts Options

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// room is the per-room connection state machine. One runLoop goroutine
// owns the connection; the loop structure makes stacked reconnect
// timers impossible.
type room struct {
	bridge *Bridge
	name   string
	doc    Doc
	aware  Awareness
	opts   RoomOptions

	mu       sync.Mutex
	state    RoomState
	attempts int
	nextTry  time.Time
	conn     *websocket.Conn
	unbinds  []func()
	cancel   context.CancelFunc

	writeMu sync.Mutex

	done chan struct{}
}

// New creates a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if _, err := url.Parse(opts.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Bridge{
		opts:  opts,
		rooms: make(map[string]*room),
	}, nil
}

// Connect attaches a room and starts its connection loop. The CRDT doc
// and awareness handles stay bound until Disconnect.
func (b *Bridge) Connect(name string, doc Doc, aware Awareness, opts RoomOptions) error {
	if name == "" {
		return fmt.Errorf("room name cannot be empty")
	}
	if doc == nil {
		return fmt.Errorf("doc handle cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if _, ok := b.rooms[name]; ok {
		b.mu.Unlock()
		return ErrRoomExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &room{
		bridge: b,
		name:   name,
		doc:    doc,
		aware:  aware,
		opts:   opts,
		state:  StatePending,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.rooms[name] = r
	b.mu.Unlock()

	go r.runLoop(ctx)
	return nil
}

// Disconnect cleanly detaches a room: cancels any pending reconnect,
// clears backoff counters, unbinds the doc/awareness listeners and
// closes the connection with a normal close code.
func (b *Bridge) Disconnect(name string) error {
	b.mu.Lock()
	r, ok := b.rooms[name]
	if ok {
		delete(b.rooms, name)
	}
	b.mu.Unlock()
	if !ok {
		return ErrRoomUnknown
	}

	r.cancel()
	<-r.done
	return nil
}

// Reconnect restarts a room that has given up. No-op in other states.
func (b *Bridge) Reconnect(name string) error {
	b.mu.Lock()
	r, ok := b.rooms[name]
	b.mu.Unlock()
	if !ok {
		return ErrRoomUnknown
	}

	r.mu.Lock()
	if r.state != StateGaveUp {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	// Replace the room entry: the old loop has exited.
	doc, aware, opts := r.doc, r.aware, r.opts
	b.mu.Lock()
	delete(b.rooms, name)
	b.mu.Unlock()
	return b.Connect(name, doc, aware, opts)
}

// State reports a room's current lifecycle state.
func (b *Bridge) State(name string) RoomState {
	b.mu.Lock()
	r, ok := b.rooms[name]
	b.mu.Unlock()
	if !ok {
		return StateIdle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts reports a room's consecutive failure count.
func (b *Bridge) Attempts(name string) int {
	b.mu.Lock()
	r, ok := b.rooms[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Close detaches every room concurrently. The bridge is disposed
// afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	rooms := make([]*room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.rooms = make(map[string]*room)
	b.mu.Unlock()

	var g errgroup.Group
	for _, r := range rooms {
		g.Go(func() error {
			r.cancel()
			<-r.done
			return nil
		})
	}
	_ = g.Wait()
}

// roomURL builds ws(s)://host/<room>[?auth=token].
func (b *Bridge) roomURL(r *room) string {
	u := b.opts.ServerURL + "/" + url.PathEscape(r.name)
	if r.opts.AuthToken != "" {
		u += "?auth=" + url.QueryEscape(r.opts.AuthToken)
	}
	return u
}

// dialer builds the WebSocket dialer, routed through SOCKS when set.
func (b *Bridge) dialer() (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: b.opts.ConnectTimeout,
	}
	if b.opts.SOCKSProxy != "" {
		socks, err := proxy.SOCKS5("tcp", b.opts.SOCKSProxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("SOCKS proxy setup failed: %w", err)
		}
		d.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socks.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socks.Dial(network, addr)
		}
	}
	return d, nil
}

// --- connection loop ------------------------------------------------------

func (r *room) setState(s RoomState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *room) runLoop(ctx context.Context) {
	defer close(r.done)
	defer r.teardown()

	for {
		r.setState(StatePending)

		terminal := r.connectOnce(ctx)
		if terminal {
			return
		}

		r.mu.Lock()
		attempts := r.attempts
		r.mu.Unlock()

		if attempts >= lifecycle.MaxRetries {
			slog.Warn("bridge: giving up", "room", r.name, "attempts", attempts)
			r.setState(StateGaveUp)
			r.noteReconnect("gave_up")
			return
		}

		delay := lifecycle.Backoff(attempts - 1)
		r.mu.Lock()
		r.nextTry = time.Now().Add(delay)
		r.mu.Unlock()
		r.setState(StateBackingOff)
		slog.Info("bridge: backing off", "room", r.name, "attempt", attempts, "delay", delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce performs one dial + session. It returns true when the
// loop must stop (clean disconnect or terminal auth rejection).
func (r *room) connectOnce(ctx context.Context) (terminal bool) {
	d, err := r.bridge.dialer()
	if err != nil {
		// Misconfigured proxy cannot heal by retrying.
		slog.Error("bridge: dialer setup failed", "room", r.name, "error", err)
		r.setState(StateGaveUp)
		return true
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, r.bridge.opts.ConnectTimeout)
	conn, resp, err := d.DialContext(dialCtx, r.bridge.roomURL(r), nil)
	dialCancel()
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if resp != nil && resp.StatusCode == 403 {
			// HTTP-level rejection before upgrade: same terminal
			// semantics as close code 4403.
			slog.Warn("bridge: auth rejected during handshake", "room", r.name)
			r.clearAttempts()
			r.setState(StateGaveUp)
			r.noteReconnect("auth_rejected")
			return true
		}
		r.bumpAttempts()
		r.noteReconnect("failure")
		slog.Debug("bridge: dial failed", "room", r.name, "error", err)
		return false
	}

	r.mu.Lock()
	r.conn = conn
	r.attempts = 0
	r.state = StateConnected
	r.mu.Unlock()
	r.noteReconnect("success")
	slog.Info("bridge: connected", "room", r.name)

	conn.SetReadLimit(MaxSyncFrameBytes + 16)

	terminal = r.session(ctx, conn)

	r.unbindListeners()
	conn.Close()
	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
	return terminal
}

// session runs the open connection: initial sync + awareness push,
// local event subscriptions, then the read loop. Returns true when the
// close was terminal.
func (r *room) session(ctx context.Context, conn *websocket.Conn) bool {
	if r.opts.Identity != nil {
		if err := r.sendJSON(map[string]any{
			"type":         "identity",
			"public_key":   r.opts.Identity.PublicKey,
			"display_name": r.opts.Identity.DisplayName,
			"color":        r.opts.Identity.Color,
		}); err != nil {
			r.bumpAttempts()
			return false
		}
	}

	// Step 1: offer our state vector so the relay side can diff.
	if err := r.sendBinary(EncodeOuter(OuterSync, r.doc.StateVectorMessage())); err != nil {
		r.bumpAttempts()
		return false
	}

	// Announce local presence for the self client.
	if r.aware != nil {
		if state := r.aware.LocalState(); state != nil {
			if err := r.sendBinary(EncodeAwareness(state)); err != nil {
				r.bumpAttempts()
				return false
			}
		}
	}

	// Forward local CRDT updates, skipping anything that itself came
	// from the relay.
	unbindDoc := r.doc.OnUpdate(func(update []byte, origin string) {
		if origin == OriginRelay {
			return
		}
		if err := r.sendBinary(EncodeSync(SyncUpdate, update)); err != nil {
			slog.Debug("bridge: update send failed", "room", r.name, "error", err)
		}
	})
	r.mu.Lock()
	r.unbinds = append(r.unbinds, unbindDoc)
	r.mu.Unlock()

	if r.aware != nil {
		unbindAware := r.aware.OnChange(func(payload []byte, origin string) {
			if origin == OriginRelay {
				return
			}
			if err := r.sendBinary(EncodeAwareness(payload)); err != nil {
				slog.Debug("bridge: awareness send failed", "room", r.name, "error", err)
			}
		})
		r.mu.Lock()
		r.unbinds = append(r.unbinds, unbindAware)
		r.mu.Unlock()
	}

	// Unblock the read loop when the room is cancelled.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			r.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"),
				time.Now().Add(time.Second))
			r.writeMu.Unlock()
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true // clean local disconnect
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case CloseAuthRejected:
					slog.Warn("bridge: auth rejected", "room", r.name)
					r.clearAttempts()
					r.setState(StateGaveUp)
					r.noteReconnect("auth_rejected")
					return true
				case websocket.CloseNormalClosure:
					return true
				}
			}
			r.bumpAttempts()
			r.noteReconnect("failure")
			slog.Debug("bridge: connection lost", "room", r.name, "error", err)
			return false
		}

		if msgType == websocket.BinaryMessage {
			r.handleFrame(data)
		}
		// Text frames (peers-list and friends) are informational here.
	}
}

// handleFrame processes one inbound binary frame.
func (r *room) handleFrame(data []byte) {
	tag, body, err := DecodeOuter(data)
	if err != nil {
		slog.Debug("bridge: dropped malformed frame", "room", r.name, "error", err)
		return
	}

	switch tag {
	case OuterSync:
		if len(body) > MaxSyncFrameBytes {
			slog.Warn("bridge: rejected oversized sync frame", "room", r.name, "bytes", len(body))
			return
		}
		reply, err := r.doc.ReadSyncMessage(body)
		if err != nil {
			slog.Debug("bridge: sync reader error", "room", r.name, "error", err)
			return
		}
		if reply != nil {
			if err := r.sendBinary(EncodeOuter(OuterSync, reply)); err != nil {
				slog.Debug("bridge: sync reply send failed", "room", r.name, "error", err)
			}
		}
	case OuterAwareness:
		if r.aware == nil {
			return
		}
		if err := r.aware.Apply(body, OriginRelay); err != nil {
			// Malformed awareness never kills the connection.
			slog.Debug("bridge: dropped malformed awareness", "room", r.name, "error", err)
		}
	default:
		slog.Debug("bridge: unknown outer tag", "room", r.name, "tag", tag)
	}
}

// --- plumbing -------------------------------------------------------------

func (r *room) sendBinary(frame []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrRoomUnknown
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (r *room) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrRoomUnknown
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (r *room) bumpAttempts() {
	r.mu.Lock()
	r.attempts++
	r.mu.Unlock()
}

func (r *room) clearAttempts() {
	r.mu.Lock()
	r.attempts = 0
	r.nextTry = time.Time{}
	r.mu.Unlock()
}

// unbindListeners releases exactly the handlers bound during this
// session, so listeners never leak across reconnects.
func (r *room) unbindListeners() {
	r.mu.Lock()
	unbinds := r.unbinds
	r.unbinds = nil
	r.mu.Unlock()
	for _, fn := range unbinds {
		fn()
	}
}

func (r *room) teardown() {
	r.unbindListeners()
	r.mu.Lock()
	if r.state != StateGaveUp {
		r.state = StateIdle
	}
	r.attempts = 0
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
}

func (r *room) noteReconnect(result string) {
	if r.bridge.opts.Metrics != nil {
		r.bridge.opts.Metrics.BridgeReconnectsTotal.WithLabelValues(result).Inc()
	}
}
