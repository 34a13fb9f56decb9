package relay

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

// MaxRoomIDBytes caps room identifiers. Longer IDs are rejected at the
// door rather than truncated.
const MaxRoomIDBytes = 256

// RoomConfig is the admission policy for one room. Rooms not present in
// the server configuration default to the open policy.
type RoomConfig struct {
	Policy   AuthPolicy
	Secret   []byte            // hmac_token rooms
	OwnerKey ed25519.PublicKey // owner_gated rooms
}

// room is one live fan-out group. It exists only while it has
// subscribers; the registry deletes it the moment the last one leaves.
type room struct {
	id        string
	topicHex  string // workspace topic hash, for cross-relay routing
	cfg       RoomConfig
	createdAt time.Time

	mu   sync.Mutex
	subs map[uint64]*client
}

func (r *room) addSubscriber(c *client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[c.id] = c
	return len(r.subs)
}

func (r *room) removeSubscriber(c *client) (remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, c.id)
	return len(r.subs)
}

func (r *room) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// snapshot returns the current subscribers. Fan-out iterates the
// snapshot so a slow consumer eviction mid-loop cannot deadlock the
// room lock.
func (r *room) snapshot() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.subs))
	for _, c := range r.subs {
		out = append(out, c)
	}
	return out
}

// peerInfos lists subscriber identities for peers-list responses.
func (r *room) peerInfos() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.subs))
	for _, c := range r.subs {
		out = append(out, c.peerInfo())
	}
	return out
}

// broadcast fans a prepared frame out to every subscriber except the
// originator. Each delivery is best-effort concurrent: enqueue failures
// evict only the affected subscriber.
func (r *room) broadcast(frame outFrame, except *client) (delivered int) {
	for _, c := range r.snapshot() {
		if except != nil && c.id == except.id {
			continue
		}
		if c.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

// registry owns the room table. Rooms are created on first join and
// deleted when the last subscriber leaves; recreation is idempotent.
type registry struct {
	maxPeers int
	metrics  *meshnet.Metrics

	mu      sync.RWMutex
	rooms   map[string]*room
	byTopic map[string]*room      // workspace topic hex -> room
	presets map[string]RoomConfig // configured admission policies
}

func newRegistry(presets map[string]RoomConfig, maxPeers int, metrics *meshnet.Metrics) *registry {
	if maxPeers <= 0 {
		maxPeers = meshnet.DefaultMaxPeers
	}
	if presets == nil {
		presets = make(map[string]RoomConfig)
	}
	return &registry{
		maxPeers: maxPeers,
		metrics:  metrics,
		rooms:    make(map[string]*room),
		byTopic:  make(map[string]*room),
		presets:  presets,
	}
}

// configFor returns the admission policy for a room ID.
func (g *registry) configFor(roomID string) RoomConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if cfg, ok := g.presets[roomID]; ok {
		return cfg
	}
	return RoomConfig{Policy: AuthOpen}
}

// join adds a subscriber to a room, creating the room when absent.
// Returns created=true when this join brought the room into existence,
// which is the caller's cue to join the workspace topic on the mesh.
func (g *registry) join(roomID string, c *client) (rm *room, created bool, err error) {
	if roomID == "" || len(roomID) > MaxRoomIDBytes {
		return nil, false, fmt.Errorf("invalid room ID length %d", len(roomID))
	}

	g.mu.Lock()
	rm, ok := g.rooms[roomID]
	if !ok {
		topic, terr := meshnet.WorkspaceTopic(roomID)
		if terr != nil {
			g.mu.Unlock()
			return nil, false, terr
		}
		rm = &room{
			id:        roomID,
			topicHex:  topic.Hex(),
			cfg:       g.configForLocked(roomID),
			createdAt: time.Now(),
			subs:      make(map[uint64]*client),
		}
		g.rooms[roomID] = rm
		g.byTopic[rm.topicHex] = rm
		created = true
		if g.metrics != nil {
			g.metrics.RoomsActive.Set(float64(len(g.rooms)))
		}
	}
	g.mu.Unlock()

	if n := rm.addSubscriber(c); n > g.maxPeers {
		rm.removeSubscriber(c)
		return nil, false, fmt.Errorf("room %q is full (%d peers)", roomID, g.maxPeers)
	}
	return rm, created, nil
}

func (g *registry) configForLocked(roomID string) RoomConfig {
	if cfg, ok := g.presets[roomID]; ok {
		return cfg
	}
	return RoomConfig{Policy: AuthOpen}
}

// leave removes a subscriber. When the room empties it is deleted and
// emptied=true is returned so the caller can leave the mesh topic.
func (g *registry) leave(roomID string, c *client) (emptied bool) {
	g.mu.Lock()
	rm, ok := g.rooms[roomID]
	g.mu.Unlock()
	if !ok {
		return false
	}

	if rm.removeSubscriber(c) > 0 {
		return false
	}

	g.mu.Lock()
	// Re-check under the registry lock: a concurrent join may have
	// repopulated the room between the two critical sections.
	if cur, ok := g.rooms[roomID]; ok && cur == rm && rm.subscriberCount() == 0 {
		delete(g.rooms, roomID)
		delete(g.byTopic, rm.topicHex)
		emptied = true
		if g.metrics != nil {
			g.metrics.RoomsActive.Set(float64(len(g.rooms)))
		}
	}
	g.mu.Unlock()
	return emptied
}

// lookup returns a live room, or nil.
func (g *registry) lookup(roomID string) *room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[roomID]
}

// lookupTopic resolves a workspace topic hash to its live room.
func (g *registry) lookupTopic(topicHex string) *room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byTopic[topicHex]
}

func (g *registry) roomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}
