package meshnet

import (
	"fmt"
	"testing"
	"time"
)

func testEntry(id string, lastSeen time.Time) RelayEntry {
	return RelayEntry{
		NodeID:    id,
		Endpoints: map[string]string{"wss": "wss://" + id + ".example.org"},
		LastSeen:  lastSeen,
	}
}

func TestRoutingTableRejectsSelfAndEmpty(t *testing.T) {
	rt := NewRoutingTable("self-node")
	if rt.Upsert(testEntry("self-node", time.Now())) {
		t.Fatal("self entry must be rejected")
	}
	if rt.Upsert(testEntry("", time.Now())) {
		t.Fatal("empty node ID must be rejected")
	}
	if rt.Len() != 0 {
		t.Fatalf("table should be empty, has %d", rt.Len())
	}
}

func TestRoutingTableUpsertRefreshes(t *testing.T) {
	rt := NewRoutingTable("self")
	base := time.Now()

	rt.Upsert(testEntry("node-a", base))
	e := testEntry("node-a", base.Add(time.Minute))
	e.WorkspaceCount = 7
	rt.Upsert(e)

	if rt.Len() != 1 {
		t.Fatalf("refresh created a duplicate: len=%d", rt.Len())
	}
	got, ok := rt.Get("node-a")
	if !ok {
		t.Fatal("entry missing after refresh")
	}
	if got.WorkspaceCount != 7 || !got.LastSeen.Equal(base.Add(time.Minute)) {
		t.Fatalf("refresh did not update fields: %+v", got)
	}
}

func TestRoutingTableLRUEviction(t *testing.T) {
	rt := NewRoutingTable("self")
	base := time.Now()

	for i := 0; i < MaxRoutingTableSize; i++ {
		rt.Upsert(testEntry(fmt.Sprintf("node-%03d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if rt.Len() != MaxRoutingTableSize {
		t.Fatalf("len = %d, want %d", rt.Len(), MaxRoutingTableSize)
	}

	// The 101st entry evicts exactly the least-recently-seen one.
	rt.Upsert(testEntry("node-new", base.Add(time.Hour)))
	if rt.Len() != MaxRoutingTableSize {
		t.Fatalf("overflow grew the table: len=%d", rt.Len())
	}
	if _, ok := rt.Get("node-000"); ok {
		t.Fatal("oldest entry survived the eviction")
	}
	if _, ok := rt.Get("node-001"); !ok {
		t.Fatal("second-oldest entry was wrongly evicted")
	}
}

func TestRoutingTableCatalogTrimming(t *testing.T) {
	rt := NewRoutingTable("self")
	base := time.Now()

	// 120 announcements with strictly increasing last-seen.
	for i := 0; i < 120; i++ {
		rt.Upsert(testEntry(fmt.Sprintf("node-%03d", i), base.Add(time.Duration(i)*time.Second)))
	}

	if rt.Len() != MaxRoutingTableSize {
		t.Fatalf("len = %d, want %d", rt.Len(), MaxRoutingTableSize)
	}
	// Exactly the 20 oldest are gone.
	for i := 0; i < 20; i++ {
		if _, ok := rt.Get(fmt.Sprintf("node-%03d", i)); ok {
			t.Fatalf("node-%03d should have been evicted", i)
		}
	}
	for i := 20; i < 120; i++ {
		if _, ok := rt.Get(fmt.Sprintf("node-%03d", i)); !ok {
			t.Fatalf("node-%03d should have survived", i)
		}
	}
}

func TestTopRelaysFilterAndOrder(t *testing.T) {
	rt := NewRoutingTable("self")
	base := time.Now()

	rt.Upsert(testEntry("node-old", base))
	rt.Upsert(testEntry("node-mid", base.Add(time.Minute)))
	rt.Upsert(testEntry("node-new", base.Add(2*time.Minute)))

	noWSS := RelayEntry{NodeID: "node-nowss", Endpoints: map[string]string{}, LastSeen: base.Add(time.Hour)}
	rt.Upsert(noWSS)

	top := rt.TopRelays(2)
	if len(top) != 2 {
		t.Fatalf("len = %d, want 2", len(top))
	}
	if top[0].NodeID != "node-new" || top[1].NodeID != "node-mid" {
		t.Fatalf("order = %s, %s", top[0].NodeID, top[1].NodeID)
	}
	for _, e := range top {
		if e.Endpoints["wss"] == "" {
			t.Fatal("entry without wss endpoint leaked into TopRelays")
		}
	}
}

func TestPruneStale(t *testing.T) {
	rt := NewRoutingTable("self")
	now := time.Now()
	rt.now = func() time.Time { return now }

	rt.Upsert(testEntry("node-fresh", now.Add(-RelayAnnounceInterval)))
	rt.Upsert(testEntry("node-stale", now.Add(-3*RelayAnnounceInterval)))

	if removed := rt.PruneStale(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := rt.Get("node-fresh"); !ok {
		t.Fatal("fresh entry was pruned")
	}
	if _, ok := rt.Get("node-stale"); ok {
		t.Fatal("stale entry survived")
	}
}

func TestRemove(t *testing.T) {
	rt := NewRoutingTable("self")
	rt.Upsert(testEntry("node-a", time.Now()))
	rt.Remove("node-a")
	rt.Remove("node-a") // idempotent
	if rt.Len() != 0 {
		t.Fatalf("len = %d after remove", rt.Len())
	}
}
