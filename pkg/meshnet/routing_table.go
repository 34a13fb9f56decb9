package meshnet

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// MaxRoutingTableSize bounds the relay catalog. Overflow evicts the
	// least-recently-seen entry.
	MaxRoutingTableSize = 100

	// RelayAnnounceInterval is how often an announcing relay broadcasts
	// itself to the mesh. Entries older than twice this are stale.
	RelayAnnounceInterval = 60 * time.Second
)

// RelayEntry is one known relay in the catalog. Mutable; LastSeen is
// refreshed on every announcement from that node.
type RelayEntry struct {
	NodeID         string
	Endpoints      map[string]string
	Capabilities   Capabilities
	WorkspaceCount int
	UptimeSeconds  int64
	Version        string
	LastSeen       time.Time
}

// RoutingTable is the bounded relay catalog. Mutated only by its owning
// participant; external reads return snapshots.
type RoutingTable struct {
	selfID string

	mu      sync.RWMutex
	entries map[string]*RelayEntry
	now     func() time.Time
}

// NewRoutingTable creates an empty catalog. selfID is never stored.
func NewRoutingTable(selfID string) *RoutingTable {
	return &RoutingTable{
		selfID:  selfID,
		entries: make(map[string]*RelayEntry),
		now:     time.Now,
	}
}

// Upsert inserts or refreshes an entry and returns true if it was
// accepted. Entries for self or with an empty node ID are rejected.
// On overflow the least-recently-seen entry is evicted first.
func (rt *RoutingTable) Upsert(e RelayEntry) bool {
	if e.NodeID == "" || e.NodeID == rt.selfID {
		return false
	}
	if e.LastSeen.IsZero() {
		e.LastSeen = rt.now()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if existing, ok := rt.entries[e.NodeID]; ok {
		existing.Endpoints = e.Endpoints
		existing.Capabilities = e.Capabilities
		existing.WorkspaceCount = e.WorkspaceCount
		existing.UptimeSeconds = e.UptimeSeconds
		existing.Version = e.Version
		existing.LastSeen = e.LastSeen
		return true
	}

	if len(rt.entries) >= MaxRoutingTableSize {
		rt.evictOldestLocked()
	}

	stored := e
	rt.entries[e.NodeID] = &stored
	return true
}

// evictOldestLocked removes the single least-recently-seen entry.
func (rt *RoutingTable) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range rt.entries {
		if oldestID == "" || e.LastSeen.Before(oldest) {
			oldestID = id
			oldest = e.LastSeen
		}
	}
	if oldestID != "" {
		delete(rt.entries, oldestID)
		slog.Debug("routing table: evicted LRU entry", "node", shortID(oldestID))
	}
}

// Remove deletes an entry if present.
func (rt *RoutingTable) Remove(nodeID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.entries, nodeID)
}

// Get returns a copy of the entry for nodeID.
func (rt *RoutingTable) Get(nodeID string) (RelayEntry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	e, ok := rt.entries[nodeID]
	if !ok {
		return RelayEntry{}, false
	}
	return *e, true
}

// Len returns the current entry count.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.entries)
}

// Snapshot returns copies of all entries in unspecified order.
func (rt *RoutingTable) Snapshot() []RelayEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]RelayEntry, 0, len(rt.entries))
	for _, e := range rt.entries {
		out = append(out, *e)
	}
	return out
}

// TopRelays returns up to n catalog entries that expose a wss endpoint,
// most recently seen first.
func (rt *RoutingTable) TopRelays(n int) []RelayEntry {
	rt.mu.RLock()
	candidates := make([]RelayEntry, 0, len(rt.entries))
	for _, e := range rt.entries {
		if e.Endpoints["wss"] != "" {
			candidates = append(candidates, *e)
		}
	}
	rt.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastSeen.After(candidates[j].LastSeen)
	})
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// PruneStale evicts entries not seen for twice the announce interval and
// returns how many were removed.
func (rt *RoutingTable) PruneStale() int {
	cutoff := rt.now().Add(-2 * RelayAnnounceInterval)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for id, e := range rt.entries {
		if e.LastSeen.Before(cutoff) {
			delete(rt.entries, id)
			removed++
		}
	}
	return removed
}

// shortID truncates a node or peer ID for log output.
func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
