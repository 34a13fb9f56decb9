package meshnet

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	// bootstrapThreshold: a freshly connected peer is asked for its
	// catalog while ours holds fewer relays than this.
	bootstrapThreshold = 10

	// maxBootstrapNodes caps how many catalog entries a single
	// bootstrap response carries.
	maxBootstrapNodes = 50

	// MaxEmbeddedNodes is the default count for TopRelays.
	MaxEmbeddedNodes = 5

	// PeerQueryTimeout bounds how long a workspace peer query collects
	// responses before returning what it has.
	PeerQueryTimeout = 3 * time.Second

	// DefaultMaxPeers is the advertised per-room subscriber capacity.
	DefaultMaxPeers = 100

	// discoverInterval is how often the mesh topic is re-scanned for
	// new relay peers.
	discoverInterval = 30 * time.Second

	// initialFlushTimeout bounds the first discovery round during Start.
	initialFlushTimeout = 5 * time.Second
)

// ParticipantConfig configures a mesh participant.
type ParticipantConfig struct {
	Enabled            bool
	NodeID             string // 64-char hex; generated when empty
	Version            string
	RelayMode          bool   // announce self as a relay on the mesh topic
	PublicURL          string // wss endpoint announced to the mesh
	Persist            bool   // host-mode: announced persist capability
	MaxPeers           int    // announced room capacity (default 100)
	AnnounceWorkspaces bool   // advertise joined workspace topics on the DHT

	Host    HostConfig
	Metrics *Metrics // nil = disabled
}

// DirectHandler receives frames whose type is unknown to the core
// dispatch table, so embedders can multiplex their own message types
// (cross-relay sync handoff, file chunks) over mesh links.
type DirectHandler func(fromNode string, raw *Raw)

// meshConn is one open mesh link.
type meshConn struct {
	peerID peer.ID
	mux    *Mux

	mu     sync.Mutex
	nodeID string // learned from the first announce/pong on this link
}

func (c *meshConn) remoteNodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

func (c *meshConn) setRemoteNodeID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodeID == "" {
		c.nodeID = id
	}
}

// topicState tracks one joined DHT topic.
type topicState struct {
	topic  Topic
	server bool // advertising as provider
	cancel context.CancelFunc
}

// Participant is a discoverable peer on the relay mesh. It maintains the
// relay catalog, announces local availability, tracks workspace topics,
// and answers peer queries. The underlying DHT client is not constructed
// until the first Start call.
type Participant struct {
	cfg       ParticipantConfig
	nodeID    string
	table     *RoutingTable
	startedAt time.Time

	mu         sync.Mutex
	started    bool
	suspended  bool
	mh         *meshHost
	discovery  *drouting.RoutingDiscovery
	conns      map[peer.ID]*meshConn
	topics     map[string]*topicState       // topic hex -> state
	ourTopics  map[string]string            // topic hex -> workspace ID
	topicPeers map[string]map[string]WorkspacePeer // topic hex -> node ID -> peer

	directHandler DirectHandler
	queries       *queryCollector

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}
}

// NewParticipant validates cfg and prepares a participant. Start must be
// called before any other operation takes effect.
func NewParticipant(cfg ParticipantConfig) (*Participant, error) {
	if cfg.NodeID == "" {
		id, err := GenerateNodeID()
		if err != nil {
			return nil, err
		}
		cfg.NodeID = id
	}
	if !ValidNodeID(cfg.NodeID) {
		return nil, fmt.Errorf("invalid node ID %q: want 64-char lowercase hex", cfg.NodeID)
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}

	return &Participant{
		cfg:        cfg,
		nodeID:     cfg.NodeID,
		table:      NewRoutingTable(cfg.NodeID),
		conns:      make(map[peer.ID]*meshConn),
		topics:     make(map[string]*topicState),
		ourTopics:  make(map[string]string),
		topicPeers: make(map[string]map[string]WorkspacePeer),
		queries:    newQueryCollector(),
		stopped:    make(chan struct{}),
	}, nil
}

// NodeID returns this participant's mesh node ID.
func (p *Participant) NodeID() string { return p.nodeID }

// SetDirectHandler installs the handler for unknown frame types. Must be
// called before Start.
func (p *Participant) SetDirectHandler(h DirectHandler) {
	p.mu.Lock()
	p.directHandler = h
	p.mu.Unlock()
}

// Start joins the mesh. In relay mode with a public URL the participant
// announces itself on the mesh topic; it always listens for discoveries.
// Blocks until the first discovery round has flushed (bounded).
func (p *Participant) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		slog.Info("mesh: disabled by config")
		return nil
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.startedAt = time.Now()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	mh, err := newMeshHost(ctx, p.cfg.Host)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.mh = mh
	p.discovery = drouting.NewRoutingDiscovery(mh.kdht)
	p.mu.Unlock()

	mh.host.SetStreamHandler(MeshProtocolID, p.handleInboundStream)

	announcing := p.announcing()
	if err := p.joinTopic(MeshTopic(), announcing); err != nil {
		mh.Close()
		return err
	}

	// Await the initial flush: one bounded discovery round so callers
	// observe a populated mesh immediately after Start where possible.
	flushCtx, flushCancel := context.WithTimeout(ctx, initialFlushTimeout)
	p.discoverRound(flushCtx, MeshTopic())
	flushCancel()

	if announcing {
		p.wg.Add(1)
		go p.announceLoop()
	}

	p.wg.Add(1)
	go p.discoverLoop()

	slog.Info("mesh: participant started",
		"node", shortID(p.nodeID),
		"peer", shortID(mh.host.ID().String()),
		"announcing", announcing)
	return nil
}

// announcing reports whether this node advertises itself as a relay.
func (p *Participant) announcing() bool {
	return p.cfg.RelayMode && p.cfg.PublicURL != ""
}

// Stop leaves every topic, destroys the DHT client and closes all mesh
// links. Idempotent; the Stopped channel closes once cleanup completes.
func (p *Participant) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	mh := p.mh
	for hexTopic, ts := range p.topics {
		ts.cancel()
		delete(p.topics, hexTopic)
	}
	conns := make([]*meshConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	cancel()
	for _, c := range conns {
		c.mux.Close()
	}
	if mh != nil {
		mh.Close()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.conns = make(map[peer.ID]*meshConn)
	p.mu.Unlock()

	close(p.stopped)
	slog.Info("mesh: participant stopped", "node", shortID(p.nodeID))
}

// Stopped is closed once Stop has finished all cleanup.
func (p *Participant) Stopped() <-chan struct{} { return p.stopped }

// --- topic membership -----------------------------------------------------

// joinTopic joins a DHT topic: always in client mode (periodic FindPeers
// happens in discoverLoop for the mesh topic and on demand for
// workspaces), in server mode (Advertise loop) iff asServer.
func (p *Participant) joinTopic(t Topic, asServer bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mh == nil {
		return ErrNotStarted
	}
	if _, ok := p.topics[t.Hex()]; ok {
		return nil // idempotent
	}

	topicCtx, topicCancel := context.WithCancel(p.ctx)
	ts := &topicState{topic: t, server: asServer, cancel: topicCancel}
	p.topics[t.Hex()] = ts

	if asServer {
		// dutil.Advertise re-announces before the provider record TTL
		// lapses, for the lifetime of topicCtx.
		dutil.Advertise(topicCtx, p.discovery, t.Namespace())
	}
	return nil
}

func (p *Participant) leaveTopic(t Topic) {
	p.mu.Lock()
	ts, ok := p.topics[t.Hex()]
	if ok {
		delete(p.topics, t.Hex())
	}
	p.mu.Unlock()
	if ok {
		ts.cancel()
	}
}

// JoinWorkspace joins the per-room rendezvous topic. Idempotent.
func (p *Participant) JoinWorkspace(id string) error {
	t, err := WorkspaceTopic(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.ourTopics[t.Hex()] = id
	p.mu.Unlock()

	return p.joinTopic(t, p.cfg.AnnounceWorkspaces)
}

// LeaveWorkspace leaves the per-room topic and forgets it. Idempotent.
func (p *Participant) LeaveWorkspace(id string) error {
	t, err := WorkspaceTopic(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.ourTopics, t.Hex())
	p.mu.Unlock()

	p.leaveTopic(t)
	return nil
}

// hostsTopic reports whether this node has joined hexTopic as a workspace.
func (p *Participant) hostsTopic(hexTopic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ourTopics[hexTopic]
	return ok
}

// --- suspend/resume -------------------------------------------------------

// Suspend pauses DHT activity: every joined topic is left so advertise
// loops stop and discovery goes quiet, while the workspace set is
// retained for Resume. Open mesh links are not touched. Idempotent and a
// no-op before Start.
func (p *Participant) Suspend() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.suspended {
		return nil
	}
	for hexTopic, ts := range p.topics {
		ts.cancel()
		delete(p.topics, hexTopic)
	}
	p.suspended = true
	slog.Info("mesh: suspended", "node", shortID(p.nodeID))
	return nil
}

// Resume rejoins the mesh topic and every workspace that was joined
// before the suspension. Idempotent; a no-op when not suspended.
func (p *Participant) Resume() error {
	p.mu.Lock()
	if !p.started || !p.suspended {
		p.mu.Unlock()
		return nil
	}
	p.suspended = false
	ids := make([]string, 0, len(p.ourTopics))
	for _, id := range p.ourTopics {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	if err := p.joinTopic(MeshTopic(), p.announcing()); err != nil {
		return err
	}
	for _, id := range ids {
		t, err := WorkspaceTopic(id)
		if err != nil {
			continue
		}
		if err := p.joinTopic(t, p.cfg.AnnounceWorkspaces); err != nil {
			return err
		}
	}
	slog.Info("mesh: resumed", "node", shortID(p.nodeID), "workspaces", len(ids))
	return nil
}

func (p *Participant) isSuspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// --- connection management ------------------------------------------------

func (p *Participant) handleInboundStream(s network.Stream) {
	p.addConn(s.Conn().RemotePeer(), s)
}

// addConn wraps a stream in a mux and registers the link. The new link
// immediately receives our announce (if announcing) and, while our
// catalog is thin, a bootstrap request.
func (p *Participant) addConn(remote peer.ID, s network.Stream) {
	conn := &meshConn{peerID: remote}
	conn.mux = NewMux(s, MuxConfig{
		NodeID:  p.nodeID,
		Metrics: p.cfg.Metrics,
		Handler: func(msg Message) { p.handleMessage(conn, msg) },
		OnClose: func(reason string, err error) { p.removeConn(conn, reason, err) },
	})

	p.mu.Lock()
	if old, ok := p.conns[remote]; ok {
		// Keep one link per peer; the newer stream wins.
		go old.mux.Close()
	}
	p.conns[remote] = conn
	total := len(p.conns)
	p.mu.Unlock()

	conn.mux.Start()
	p.setConnGauge(total)
	slog.Debug("mesh: link open", "peer", shortID(remote.String()), "links", total)

	if p.announcing() {
		_ = conn.mux.Send(p.buildAnnounce())
	}
	if p.table.Len() < bootstrapThreshold {
		_ = conn.mux.Send(&BootstrapRequest{NodeID: p.nodeID})
	}
}

func (p *Participant) removeConn(conn *meshConn, reason string, err error) {
	p.mu.Lock()
	if cur, ok := p.conns[conn.peerID]; ok && cur == conn {
		delete(p.conns, conn.peerID)
	}
	total := len(p.conns)
	p.mu.Unlock()

	p.setConnGauge(total)
	if err != nil {
		slog.Debug("mesh: link closed", "peer", shortID(conn.peerID.String()), "reason", reason, "error", err)
	} else {
		slog.Debug("mesh: link closed", "peer", shortID(conn.peerID.String()), "reason", reason)
	}
}

func (p *Participant) setConnGauge(n int) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.MeshConnections.Set(float64(n))
	}
}

// openConns returns a snapshot of all open mesh links.
func (p *Participant) openConns() []*meshConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*meshConn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends msg to every open mesh link and returns how many
// links accepted the frame.
func (p *Participant) Broadcast(msg Message) int {
	sent := 0
	for _, c := range p.openConns() {
		if err := c.mux.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// ConnCount returns the number of open mesh links.
func (p *Participant) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// --- discovery ------------------------------------------------------------

// discoverLoop periodically rescans the mesh topic for relay peers and
// prunes stale catalog entries.
func (p *Participant) discoverLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(discoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.isSuspended() {
				continue
			}
			roundCtx, cancel := context.WithTimeout(p.ctx, discoverInterval/2)
			p.discoverRound(roundCtx, MeshTopic())
			cancel()

			if n := p.table.PruneStale(); n > 0 {
				slog.Debug("mesh: pruned stale relays", "count", n)
			}
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.CatalogSize.Set(float64(p.table.Len()))
			}
		}
	}
}

// discoverRound runs one FindPeers pass over a topic namespace and opens
// mesh links to newly found peers.
func (p *Participant) discoverRound(ctx context.Context, t Topic) {
	p.mu.Lock()
	disc := p.discovery
	mh := p.mh
	p.mu.Unlock()
	if disc == nil || mh == nil {
		return
	}

	peers, err := disc.FindPeers(ctx, t.Namespace())
	if err != nil {
		slog.Debug("mesh: discovery failed", "topic", t.Hex()[:12], "error", err)
		return
	}

	for ai := range peers {
		if ai.ID == mh.host.ID() || len(ai.Addrs) == 0 {
			continue
		}
		p.mu.Lock()
		_, known := p.conns[ai.ID]
		p.mu.Unlock()
		if known {
			continue
		}
		p.dialMeshPeer(ctx, ai)
	}
}

func (p *Participant) dialMeshPeer(ctx context.Context, ai peer.AddrInfo) {
	p.mu.Lock()
	mh := p.mh
	p.mu.Unlock()
	if mh == nil {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := mh.host.Connect(dialCtx, ai); err != nil {
		slog.Debug("mesh: dial failed", "peer", shortID(ai.ID.String()), "error", err)
		return
	}
	s, err := mh.host.NewStream(dialCtx, ai.ID, MeshProtocolID)
	if err != nil {
		slog.Debug("mesh: stream open failed", "peer", shortID(ai.ID.String()), "error", err)
		return
	}
	p.addConn(ai.ID, s)
}

// --- announcements --------------------------------------------------------

func (p *Participant) buildAnnounce() *RelayAnnounce {
	p.mu.Lock()
	workspaces := len(p.ourTopics)
	p.mu.Unlock()

	return &RelayAnnounce{
		NodeID:  p.nodeID,
		Version: p.cfg.Version,
		Capabilities: Capabilities{
			Relay:    true,
			Persist:  p.cfg.Persist,
			MaxPeers: p.cfg.MaxPeers,
		},
		Endpoints:      map[string]string{"wss": p.cfg.PublicURL},
		WorkspaceCount: workspaces,
		Uptime:         int64(time.Since(p.startedAt).Seconds()),
		Timestamp:      time.Now().UnixMilli(),
	}
}

// announceLoop broadcasts our relay announcement every announce interval.
func (p *Participant) announceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(RelayAnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.isSuspended() {
				continue
			}
			n := p.Broadcast(p.buildAnnounce())
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.AnnouncesSentTotal.Inc()
			}
			slog.Debug("mesh: announced", "links", n)
		}
	}
}

// --- message handling -----------------------------------------------------

func (p *Participant) handleMessage(conn *meshConn, msg Message) {
	switch m := msg.(type) {
	case *RelayAnnounce:
		p.handleRelayAnnounce(conn, m)
	case *BootstrapRequest:
		p.handleBootstrapRequest(conn, m)
	case *BootstrapResponse:
		p.handleBootstrapResponse(m)
	case *WorkspaceQuery:
		p.handleWorkspaceQuery(conn, m)
	case *WorkspaceResponse:
		p.handleWorkspaceResponse(m)
	case *Raw:
		p.mu.Lock()
		h := p.directHandler
		p.mu.Unlock()
		if h != nil {
			h(conn.remoteNodeID(), m)
		}
	}
}

func (p *Participant) handleRelayAnnounce(conn *meshConn, m *RelayAnnounce) {
	if m.NodeID == "" || len(m.Endpoints) == 0 || m.NodeID == p.nodeID {
		return
	}
	conn.setRemoteNodeID(m.NodeID)

	p.table.Upsert(RelayEntry{
		NodeID:         m.NodeID,
		Endpoints:      m.Endpoints,
		Capabilities:   m.Capabilities,
		WorkspaceCount: m.WorkspaceCount,
		UptimeSeconds:  m.Uptime,
		Version:        m.Version,
	})
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CatalogSize.Set(float64(p.table.Len()))
	}
}

func (p *Participant) handleBootstrapRequest(conn *meshConn, m *BootstrapRequest) {
	if m.NodeID != "" {
		conn.setRemoteNodeID(m.NodeID)
	}

	resp := &BootstrapResponse{}
	if p.announcing() {
		// Self first: a single well-known relay can seed a mesh.
		resp.Nodes = append(resp.Nodes, BootstrapNode{
			NodeID:    p.nodeID,
			Endpoints: map[string]string{"wss": p.cfg.PublicURL},
			Capabilities: Capabilities{
				Relay:    true,
				Persist:  p.cfg.Persist,
				MaxPeers: p.cfg.MaxPeers,
			},
		})
	}
	for _, e := range p.table.Snapshot() {
		if len(resp.Nodes) >= maxBootstrapNodes {
			break
		}
		if e.NodeID == m.NodeID {
			continue
		}
		resp.Nodes = append(resp.Nodes, BootstrapNode{
			NodeID:       e.NodeID,
			Endpoints:    e.Endpoints,
			Capabilities: e.Capabilities,
		})
	}
	_ = conn.mux.Send(resp)
}

func (p *Participant) handleBootstrapResponse(m *BootstrapResponse) {
	for _, n := range m.Nodes {
		if n.NodeID == p.nodeID {
			continue
		}
		p.table.Upsert(RelayEntry{
			NodeID:       n.NodeID,
			Endpoints:    n.Endpoints,
			Capabilities: n.Capabilities,
		})
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CatalogSize.Set(float64(p.table.Len()))
	}
}

func (p *Participant) handleWorkspaceQuery(conn *meshConn, m *WorkspaceQuery) {
	if m.RequesterID != "" {
		conn.setRemoteNodeID(m.RequesterID)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.WorkspaceQueriesTotal.WithLabelValues("served").Inc()
	}

	_ = conn.mux.Send(p.buildWorkspaceResponse(m.TopicHash, m.RequesterID))
}

// buildWorkspaceResponse assembles the peers for one topic query. A
// node hosting the topic always lists itself; the reachable endpoint is
// attached only when the node announces publicly, so non-announcing
// hosts are still countable without being dialable.
func (p *Participant) buildWorkspaceResponse(topicHash, requesterID string) *WorkspaceResponse {
	resp := &WorkspaceResponse{TopicHash: topicHash}
	if p.hostsTopic(topicHash) {
		self := WorkspacePeer{NodeID: p.nodeID, LastSeen: time.Now().UnixMilli()}
		if p.announcing() {
			self.Endpoints = map[string]string{"wss": p.cfg.PublicURL}
		}
		resp.Peers = append(resp.Peers, self)
	}

	p.mu.Lock()
	for _, wp := range p.topicPeers[topicHash] {
		if wp.NodeID == requesterID {
			continue
		}
		resp.Peers = append(resp.Peers, wp)
	}
	p.mu.Unlock()

	return resp
}

func (p *Participant) handleWorkspaceResponse(m *WorkspaceResponse) {
	now := time.Now()
	p.mu.Lock()
	set, ok := p.topicPeers[m.TopicHash]
	if !ok {
		set = make(map[string]WorkspacePeer)
		p.topicPeers[m.TopicHash] = set
	}
	for _, wp := range m.Peers {
		if wp.NodeID == "" || wp.NodeID == p.nodeID {
			continue
		}
		if wp.LastSeen == 0 {
			wp.LastSeen = now.UnixMilli()
		}
		set[wp.NodeID] = wp
	}
	p.mu.Unlock()

	// Peers carrying endpoints also enrich the relay catalog.
	for _, wp := range m.Peers {
		if wp.NodeID == "" || wp.NodeID == p.nodeID || len(wp.Endpoints) == 0 {
			continue
		}
		p.table.Upsert(RelayEntry{
			NodeID:    wp.NodeID,
			Endpoints: wp.Endpoints,
			LastSeen:  time.UnixMilli(wp.LastSeen),
		})
	}

	p.queries.deliver(m)
}

// --- public queries -------------------------------------------------------

// QueryWorkspacePeers broadcasts a workspace query to every open mesh
// link and collects responses for up to PeerQueryTimeout, deduplicated
// by node ID. Returns immediately empty when no links are open.
func (p *Participant) QueryWorkspacePeers(ctx context.Context, id string) ([]WorkspacePeer, error) {
	t, err := WorkspaceTopic(id)
	if err != nil {
		return nil, err
	}

	conns := p.openConns()
	if len(conns) == 0 {
		return nil, nil
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.WorkspaceQueriesTotal.WithLabelValues("sent").Inc()
	}

	waiter := p.queries.register(t.Hex())
	defer p.queries.unregister(t.Hex(), waiter)

	query := &WorkspaceQuery{TopicHash: t.Hex(), RequesterID: p.nodeID}
	for _, c := range conns {
		_ = c.mux.Send(query)
	}

	queryCtx, cancel := context.WithTimeout(ctx, PeerQueryTimeout)
	defer cancel()

	seen := make(map[string]WorkspacePeer)
	for {
		select {
		case <-queryCtx.Done():
			return collectPeers(seen), nil
		case resp := <-waiter:
			for _, wp := range resp.Peers {
				if wp.NodeID == "" || wp.NodeID == p.nodeID {
					continue
				}
				seen[wp.NodeID] = wp
			}
		}
	}
}

func collectPeers(seen map[string]WorkspacePeer) []WorkspacePeer {
	out := make([]WorkspacePeer, 0, len(seen))
	for _, wp := range seen {
		out = append(out, wp)
	}
	return out
}

// TopRelays returns self (when announcing) followed by the most recently
// seen catalog relays with a wss endpoint, truncated to n. n <= 0 selects
// the default of MaxEmbeddedNodes.
func (p *Participant) TopRelays(n int) []RelayEntry {
	if n <= 0 {
		n = MaxEmbeddedNodes
	}

	var out []RelayEntry
	if p.announcing() {
		out = append(out, RelayEntry{
			NodeID:    p.nodeID,
			Endpoints: map[string]string{"wss": p.cfg.PublicURL},
			Capabilities: Capabilities{
				Relay:    true,
				Persist:  p.cfg.Persist,
				MaxPeers: p.cfg.MaxPeers,
			},
			LastSeen: time.Now(),
		})
	}
	for _, e := range p.table.TopRelays(n) {
		if len(out) >= n {
			break
		}
		out = append(out, e)
	}
	return out
}

// Status is a point-in-time snapshot for health and status surfaces.
type Status struct {
	NodeID        string `json:"node_id"`
	Started       bool   `json:"started"`
	Announcing    bool   `json:"announcing"`
	CatalogSize   int    `json:"catalog_size"`
	MeshLinks     int    `json:"mesh_links"`
	Workspaces    int    `json:"workspaces"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
	GoVersion     string `json:"go_version,omitempty"`
}

// Status returns current counts and timestamps.
func (p *Participant) Status() Status {
	p.mu.Lock()
	started := p.started
	links := len(p.conns)
	workspaces := len(p.ourTopics)
	p.mu.Unlock()

	var uptime int64
	if started {
		uptime = int64(time.Since(p.startedAt).Seconds())
	}

	return Status{
		NodeID:        p.nodeID,
		Started:       started,
		Announcing:    p.announcing(),
		CatalogSize:   p.table.Len(),
		MeshLinks:     links,
		Workspaces:    workspaces,
		UptimeSeconds: uptime,
		Version:       p.cfg.Version,
		GoVersion:     goVersion(),
	}
}

func goVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		return bi.GoVersion
	}
	return ""
}
