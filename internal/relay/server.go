// Package relay implements the signaling/relay server: a WebSocket
// acceptor fanning opaque CRDT sync and awareness frames out to room
// subscribers, bridged to the wider relay mesh for cross-relay
// propagation, with optional host-mode persistence.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nightjar-net/nightjar/internal/bridge"
	"github.com/nightjar-net/nightjar/internal/lifecycle"
	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

// Mode selects the server's posture.
type Mode string

const (
	// ModeHost accepts clients, persists sync payloads and joins the mesh.
	ModeHost Mode = "host"
	// ModeRelay accepts clients and joins the mesh without persisting.
	ModeRelay Mode = "relay"
	// ModePrivate accepts only authenticated clients and stays off the mesh.
	ModePrivate Mode = "private"
)

// Mesh handoff frame types carried between relays as raw mesh messages.
const (
	msgSyncHandoff      = "sync-message"
	msgAwarenessHandoff = "awareness-update"
)

// handoffMsg is the cross-relay envelope: the full binary frame,
// addressed by workspace topic hash so the room name never crosses the
// mesh in the clear.
type handoffMsg struct {
	Type      string `json:"type"`
	TopicHash string `json:"topicHash"`
	FromNode  string `json:"fromNode"`
	Data      []byte `json:"data"`
}

// Config configures a relay server.
type Config struct {
	Mode            Mode
	Addr            string // HTTP listen address, e.g. ":8787"
	PublicURL       string // wss endpoint announced to the mesh
	MaxPeersPerRoom int
	Rooms           map[string]RoomConfig
	StorePath       string // host mode update log; empty disables persistence

	Mesh    meshnet.ParticipantConfig
	Metrics *meshnet.Metrics
}

// Server is the long-running relay process.
type Server struct {
	cfg       Config
	metrics   *meshnet.Metrics
	registry  *registry
	mesh      *meshnet.Participant // nil in private mode
	suspender *lifecycle.Suspender
	store     *Store // nil unless persisting

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	nextID atomic.Uint64

	mu        sync.Mutex
	clients   map[uint64]*client
	limiters  map[string]*rate.Limiter // join attempts per remote IP
	started   bool
	startedAt time.Time
	addr      string // bound listen address, set by Start

	wg sync.WaitGroup
}

// New validates cfg and builds a server. Start must be called to begin
// accepting connections.
func New(cfg Config) (*Server, error) {
	switch cfg.Mode {
	case ModeHost, ModeRelay, ModePrivate:
	default:
		return nil, fmt.Errorf("unknown server mode %q", cfg.Mode)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	s := &Server{
		cfg:       cfg,
		metrics:   cfg.Metrics,
		registry:  newRegistry(cfg.Rooms, cfg.MaxPeersPerRoom, cfg.Metrics),
		suspender: lifecycle.NewSuspender(),
		clients:   make(map[uint64]*client),
		limiters:  make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser editors connect from arbitrary origins; rooms
			// carry their own admission policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	if cfg.Mode != ModePrivate {
		meshCfg := cfg.Mesh
		meshCfg.Enabled = true
		meshCfg.RelayMode = true
		meshCfg.PublicURL = cfg.PublicURL
		meshCfg.Persist = cfg.Mode == ModeHost && cfg.StorePath != ""
		meshCfg.MaxPeers = cfg.MaxPeersPerRoom
		meshCfg.Metrics = cfg.Metrics
		p, err := meshnet.NewParticipant(meshCfg)
		if err != nil {
			return nil, fmt.Errorf("mesh participant: %w", err)
		}
		p.SetDirectHandler(s.handleMeshHandoff)
		s.mesh = p
		s.suspender.Bind(p)
	}

	return s, nil
}

// Start opens the store, joins the mesh and begins serving HTTP.
// A mesh start failure is non-fatal: clients still get direct fan-out.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.cfg.Mode == ModeHost && s.cfg.StorePath != "" {
		store, err := OpenStore(s.cfg.StorePath, s.metrics)
		if err != nil {
			return fmt.Errorf("open persistence store: %w", err)
		}
		s.store = store
	}

	if s.mesh != nil {
		if err := s.mesh.Start(ctx); err != nil {
			slog.Warn("relay: mesh start failed, continuing without mesh", "error", err)
			s.mesh = nil
		}
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/", s.handleWS)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("relay: http server failed", "error", err)
		}
	}()

	slog.Info("relay: serving", "addr", ln.Addr().String(), "mode", string(s.cfg.Mode))
	return nil
}

// Close drains the server: stop accepting, close clients, leave the
// mesh, close the store.
func (s *Server) Close(ctx context.Context) error {
	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server_shutdown")
	}

	if s.mesh != nil {
		s.mesh.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}

// Addr returns the bound listen address. Empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// SuspendMesh pauses DHT participation while client fan-out continues.
// No-op in private mode.
func (s *Server) SuspendMesh() error { return s.suspender.Suspend() }

// ResumeMesh rejoins the mesh topic and every live workspace topic.
func (s *Server) ResumeMesh() error { return s.suspender.Resume() }

// MeshStatus exposes the embedded participant's status for the status
// endpoint and CLI. Zero value when off-mesh.
func (s *Server) MeshStatus() meshnet.Status {
	if s.mesh == nil {
		return meshnet.Status{}
	}
	return s.mesh.Status()
}

// --- HTTP handlers --------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	uptime := int64(time.Since(s.startedAt).Seconds())
	s.mu.Unlock()

	meshPeers := 0
	if s.mesh != nil {
		meshPeers = s.mesh.ConnCount()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"mode":           string(s.cfg.Mode),
		"rooms":          s.registry.roomCount(),
		"mesh_peers":     meshPeers,
		"uptime_seconds": uptime,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	subscribers := len(s.clients)
	s.mu.Unlock()

	out := map[string]any{
		"mode":        string(s.cfg.Mode),
		"rooms":       s.registry.roomCount(),
		"subscribers": subscribers,
	}
	if s.mesh != nil {
		out["mesh"] = s.mesh.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// joinLimiter returns the rate limiter for a remote IP: 5 join
// attempts per second sustained, bursts of 20. Keeps credential
// guessing against gated rooms slow without touching steady traffic.
func (s *Server) joinLimiter(remoteAddr string) *rate.Limiter {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(5), 20)
		s.limiters[ip] = lim
	}
	return lim
}

// handleWS upgrades /<roomId>[?auth=...] into a subscriber connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil || roomID == "" || len(roomID) > MaxRoomIDBytes || strings.Contains(roomID, "/") {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	if !s.joinLimiter(r.RemoteAddr).Allow() {
		http.Error(w, "too many join attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("relay: upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       s.nextID.Add(1),
		clientID: uuid.NewString(),
		conn:     conn,
		remote:   r.RemoteAddr,
		server:   s,
		primary:  roomID,
		send:     make(chan outFrame, sendQueueDepth),
		rooms:    make(map[string]*room),
		done:     make(chan struct{}),
	}

	roomCfg := s.registry.configFor(roomID)
	if err := s.admit(c, roomID, roomCfg, r.URL.Query()); err != nil {
		if s.metrics != nil {
			s.metrics.AuthFailuresTotal.WithLabelValues("credentials").Inc()
		}
		slog.Info("relay: join rejected", "room", roomID, "remote", c.remote, "error", err)
		// The pumps never started; write the close frame directly.
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthRejected, "auth_token_mismatch"), deadline)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[c.id] = c
	subscribers := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(subscribers))
	}

	conn.SetReadLimit(bridge.MaxSyncFrameBytes + 16)

	// Unauthenticated connections get a hard deadline to present an
	// identity. Until it arrives the path room is not joined: no
	// fan-out, no peer list, no replay reaches the connection.
	if !c.isAuthed() {
		timer := time.AfterFunc(authWindow, func() {
			if !c.isAuthed() {
				if s.metrics != nil {
					s.metrics.AuthFailuresTotal.WithLabelValues("timeout").Inc()
				}
				c.closeWith(CloseAuthTimeout, "authentication_timeout")
			}
		})
		go func() {
			<-c.done
			timer.Stop()
		}()
	}

	go c.writePump()
	go c.readPump()

	if c.isAuthed() {
		s.completeJoin(c)
	}
}

// completeJoin subscribes an authenticated connection to its path room:
// registry entry, mesh workspace join, persisted replay, peers list.
// Runs at upgrade time for token-authed and open-room joins, or when
// the identity arrives for connections under the auth window.
func (s *Server) completeJoin(c *client) {
	c.joinOnce.Do(func() {
		rm, created, err := s.registry.join(c.primary, c)
		if err != nil {
			c.closeWith(websocket.CloseTryAgainLater, "room_full")
			return
		}
		c.trackRoom(rm)

		if created && s.mesh != nil {
			if err := s.mesh.JoinWorkspace(c.primary); err != nil {
				slog.Warn("relay: workspace join failed", "room", c.primary, "error", err)
			}
		}

		slog.Info("relay: subscriber joined", "room", c.primary, "client", c.clientID, "remote", c.remote)

		if s.store != nil {
			s.replayTo(c, c.primary)
		}
		s.sendPeersList(c, rm)
	})
}

// admit runs the room's admission policy against the join request.
func (s *Server) admit(c *client, roomID string, cfg RoomConfig, query url.Values) error {
	switch cfg.Policy {
	case AuthHMACToken:
		if err := verifyRoomToken(roomID, query.Get("auth"), cfg.Secret); err != nil {
			return err
		}
		c.markAuthed()
	case AuthOwnerGated:
		pub, err := hex.DecodeString(query.Get("pub"))
		if err != nil {
			return fmt.Errorf("bad client pubkey: %w", err)
		}
		sig, err := hex.DecodeString(query.Get("sig"))
		if err != nil {
			return fmt.Errorf("bad signature encoding: %w", err)
		}
		ts, err := strconv.ParseInt(query.Get("ts"), 10, 64)
		if err != nil {
			return fmt.Errorf("bad timestamp: %w", err)
		}
		if err := verifyOwnerGrant(roomID, cfg.OwnerKey, pub, sig, ts); err != nil {
			return err
		}
		c.setIdentity(Identity{PublicKey: query.Get("pub")})
	default:
		// Open rooms: immediate admission, except in private mode
		// where an identity must still arrive inside the auth window.
		if s.cfg.Mode != ModePrivate {
			c.markAuthed()
		}
	}
	return nil
}

// dropClient removes a departing client from every room it joined.
// Called exactly once, from closeWith.
func (s *Server) dropClient(c *client) {
	for _, rm := range c.joinedRooms() {
		if s.registry.leave(rm.id, c) {
			s.roomEmptied(rm.id)
		}
	}

	s.mu.Lock()
	delete(s.clients, c.id)
	subscribers := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(subscribers))
	}
	slog.Debug("relay: subscriber left", "client", c.clientID)
}

// --- client protocol ------------------------------------------------------

type controlProbe struct {
	Type string `json:"type"`
}

type joinTopicMsg struct {
	Topic string `json:"topic"`
}

type syncMsg struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

type awarenessMsg struct {
	Topic string `json:"topic"`
	State []byte `json:"state"`
}

type peersListMsg struct {
	Type  string     `json:"type"`
	Topic string     `json:"topic"`
	Peers []PeerInfo `json:"peers"`
}

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// handleControl processes one JSON text message from a subscriber.
func (s *Server) handleControl(c *client, data []byte) {
	if len(data) > bridge.MaxControlFrameBytes {
		slog.Warn("relay: oversized control frame dropped", "client", c.clientID, "bytes", len(data))
		return
	}

	var probe controlProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		slog.Debug("relay: malformed control frame", "client", c.clientID, "error", err)
		return
	}

	if probe.Type != "identity" && !c.isAuthed() {
		c.sendJSON(errorMsg{Type: "error", Error: "not_authenticated"})
		return
	}

	switch probe.Type {
	case "identity":
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return
		}
		c.setIdentity(id)
		s.completeJoin(c)

	case "join-topic":
		var m joinTopicMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		s.joinTopic(c, m.Topic)

	case "leave-topic":
		var m joinTopicMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		s.leaveTopic(c, m.Topic)

	case "sync":
		var m syncMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		rm := c.roomFor(m.Topic)
		if rm == nil {
			c.sendJSON(errorMsg{Type: "error", Error: "not_subscribed"})
			return
		}
		s.forwardSync(rm, bridge.EncodeOuter(bridge.OuterSync, m.Data), c)

	case "awareness":
		var m awarenessMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		rm := c.roomFor(m.Topic)
		if rm == nil {
			c.sendJSON(errorMsg{Type: "error", Error: "not_subscribed"})
			return
		}
		s.forwardAwareness(rm, bridge.EncodeAwareness(m.State), c)

	default:
		slog.Debug("relay: unknown control type", "client", c.clientID, "type", probe.Type)
	}
}

// joinTopic subscribes a connection to an additional room over the same
// socket. Secondary rooms must be open; gated rooms require their own
// connection so credentials stay scoped to the join URL.
func (s *Server) joinTopic(c *client, topic string) {
	if topic == "" {
		return
	}
	if c.roomFor(topic) != nil {
		// Already subscribed; re-send the peer list.
		s.sendPeersList(c, c.roomFor(topic))
		return
	}
	if cfg := s.registry.configFor(topic); cfg.Policy != AuthOpen {
		if s.metrics != nil {
			s.metrics.AuthFailuresTotal.WithLabelValues("gated_topic").Inc()
		}
		c.sendJSON(errorMsg{Type: "error", Error: "topic_requires_dedicated_connection"})
		return
	}

	rm, created, err := s.registry.join(topic, c)
	if err != nil {
		c.sendJSON(errorMsg{Type: "error", Error: "join_failed"})
		return
	}
	c.trackRoom(rm)

	if created && s.mesh != nil {
		if err := s.mesh.JoinWorkspace(topic); err != nil {
			slog.Warn("relay: workspace join failed", "room", topic, "error", err)
		}
	}
	if s.store != nil {
		s.replayTo(c, topic)
	}
	s.sendPeersList(c, rm)
}

func (s *Server) leaveTopic(c *client, topic string) {
	rm := c.roomFor(topic)
	if rm == nil {
		return
	}
	c.untrackRoom(topic)
	if s.registry.leave(topic, c) {
		s.roomEmptied(topic)
	}
}

// roomEmptied finishes a room deletion: leave the workspace topic and
// drop the room's persisted log so a later room of the same name starts
// from an empty history.
func (s *Server) roomEmptied(roomID string) {
	if s.mesh != nil {
		if err := s.mesh.LeaveWorkspace(roomID); err != nil {
			slog.Debug("relay: workspace leave failed", "room", roomID, "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.DeleteRoom(roomID); err != nil {
			slog.Warn("relay: room log delete failed", "room", roomID, "error", err)
		}
	}
}

// sendPeersList replies with the room's WebSocket subscribers plus the
// mesh peers known to host the same workspace. The mesh query runs off
// the read pump so a slow DHT never stalls the connection.
func (s *Server) sendPeersList(c *client, rm *room) {
	local := rm.peerInfos()

	if s.mesh == nil {
		c.sendJSON(peersListMsg{Type: "peers-list", Topic: rm.id, Peers: local})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), meshnet.PeerQueryTimeout)
		defer cancel()
		meshPeers, err := s.mesh.QueryWorkspacePeers(ctx, rm.id)
		if err != nil {
			slog.Debug("relay: mesh peer query failed", "room", rm.id, "error", err)
		}
		peers := local
		for _, mp := range meshPeers {
			peers = append(peers, PeerInfo{ClientID: mp.NodeID, Source: "mesh"})
		}
		c.sendJSON(peersListMsg{Type: "peers-list", Topic: rm.id, Peers: peers})
	}()
}

// handleBinary processes one binary frame from a subscriber. Binary
// frames always address the connection's path room.
func (s *Server) handleBinary(c *client, data []byte) {
	if !c.isAuthed() {
		return
	}
	rm := c.roomFor(c.primary)
	if rm == nil {
		return
	}

	tag, _, err := bridge.DecodeOuter(data)
	if err != nil {
		slog.Debug("relay: malformed binary frame", "client", c.clientID, "error", err)
		return
	}

	switch tag {
	case bridge.OuterSync:
		s.forwardSync(rm, data, c)
	case bridge.OuterAwareness:
		s.forwardAwareness(rm, data, c)
	default:
		slog.Debug("relay: unknown frame tag", "client", c.clientID, "tag", tag)
	}
}

// forwardSync fans a complete sync frame out to the room, persists it in
// host mode, and hands it to the mesh for cross-relay propagation.
// origin nil means the frame arrived from the mesh.
func (s *Server) forwardSync(rm *room, frame []byte, origin *client) {
	delivered := rm.broadcast(outFrame{msgType: websocket.BinaryMessage, data: frame}, origin)
	if s.metrics != nil {
		s.metrics.FramesForwardedTotal.WithLabelValues("sync").Add(float64(delivered))
		s.metrics.BytesForwardedTotal.Add(float64(delivered * len(frame)))
	}

	if s.store != nil {
		// Only incremental updates are replay-worthy; state-vector
		// exchanges are ephemeral handshake traffic.
		if _, body, err := bridge.DecodeOuter(frame); err == nil {
			if inner, _, err := bridge.DecodeInner(body); err == nil && inner == bridge.SyncUpdate {
				if err := s.store.AppendUpdate(rm.id, frame); err != nil {
					slog.Error("relay: persist failed", "room", rm.id, "error", err)
				} else if err := s.store.TrimRoom(rm.id, maxReplayUpdates); err != nil {
					slog.Debug("relay: trim failed", "room", rm.id, "error", err)
				}
			}
		}
	}

	if origin != nil {
		s.handoff(rm, msgSyncHandoff, frame)
	}
}

func (s *Server) forwardAwareness(rm *room, frame []byte, origin *client) {
	delivered := rm.broadcast(outFrame{msgType: websocket.BinaryMessage, data: frame}, origin)
	if s.metrics != nil {
		s.metrics.FramesForwardedTotal.WithLabelValues("awareness").Add(float64(delivered))
		s.metrics.BytesForwardedTotal.Add(float64(delivered * len(frame)))
	}
	if origin != nil {
		s.handoff(rm, msgAwarenessHandoff, frame)
	}
}

// handoff propagates a locally-originated frame to peer relays.
func (s *Server) handoff(rm *room, kind string, frame []byte) {
	if s.mesh == nil {
		return
	}
	payload, ok := encodeHandoff(kind, rm.topicHex, s.mesh.NodeID(), frame)
	if !ok {
		slog.Warn("relay: handoff skipped, frame exceeds mesh line limit",
			"room", rm.id, "kind", kind, "bytes", len(frame))
		return
	}
	s.mesh.Broadcast(&meshnet.Raw{Type: kind, Payload: payload})
}

// encodeHandoff marshals the cross-relay envelope. The base64 Data
// field inflates the frame by a third; an envelope over the mesh line
// limit would be written in full and then dropped unread by every
// receiving multiplexer, so it is rejected here instead.
func encodeHandoff(kind, topicHex, fromNode string, frame []byte) ([]byte, bool) {
	payload, err := json.Marshal(handoffMsg{
		Type:      kind,
		TopicHash: topicHex,
		FromNode:  fromNode,
		Data:      frame,
	})
	if err != nil || len(payload) > meshnet.MaxLineBytes {
		return nil, false
	}
	return payload, true
}

// handleMeshHandoff receives cross-relay frames from peer relays and
// fans them out to local subscribers of the matching workspace.
func (s *Server) handleMeshHandoff(fromNode string, raw *meshnet.Raw) {
	if raw.Type != msgSyncHandoff && raw.Type != msgAwarenessHandoff {
		return
	}
	var m handoffMsg
	if err := json.Unmarshal(raw.Payload, &m); err != nil {
		slog.Debug("relay: malformed handoff", "from", fromNode, "error", err)
		return
	}
	if s.mesh != nil && m.FromNode == s.mesh.NodeID() {
		return
	}
	rm := s.registry.lookupTopic(m.TopicHash)
	if rm == nil {
		return
	}
	if raw.Type == msgSyncHandoff {
		s.forwardSync(rm, m.Data, nil)
	} else {
		s.forwardAwareness(rm, m.Data, nil)
	}
}

// replayTo streams a room's persisted updates to a fresh subscriber so
// late joiners converge without waiting for a peer to resync them.
func (s *Server) replayTo(c *client, roomID string) {
	err := s.store.ReplayUpdates(roomID, func(frame []byte) error {
		if !c.enqueue(outFrame{msgType: websocket.BinaryMessage, data: frame}) {
			return fmt.Errorf("subscriber gone during replay")
		}
		return nil
	})
	if err != nil {
		slog.Debug("relay: replay aborted", "room", roomID, "client", c.clientID, "error", err)
	}
}
