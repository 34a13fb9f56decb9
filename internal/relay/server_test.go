package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nightjar-net/nightjar/internal/bridge"
	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

// startServer boots a private-mode server on a loopback port. Private
// mode keeps the mesh participant out of the picture so these tests
// exercise the WebSocket surface in isolation.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Mode == "" {
		cfg.Mode = ModePrivate
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.MaxPeersPerRoom == 0 {
		cfg.MaxPeersPerRoom = 10
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return srv
}

func dialRoom(t *testing.T, srv *Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendIdentity(t *testing.T, conn *websocket.Conn, name string) {
	t.Helper()
	err := conn.WriteJSON(map[string]string{
		"type":         "identity",
		"public_key":   "pk-" + name,
		"display_name": name,
	})
	if err != nil {
		t.Fatalf("send identity: %v", err)
	}
}

// nextBinary reads until a binary frame arrives, skipping control JSON
// like peers-list messages.
func nextBinary(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for binary frame: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			return data
		}
	}
}

// nextText reads until a text frame of the given type arrives.
func nextText(t *testing.T, conn *websocket.Conn, wantType string, timeout time.Duration) map[string]json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q message: %v", wantType, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("malformed text frame %q: %v", data, err)
		}
		var typ string
		_ = json.Unmarshal(m["type"], &typ)
		if typ == wantType {
			return m
		}
	}
}

func expectNoBinary(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return // timeout: nothing leaked through
		}
		if msgType == websocket.BinaryMessage {
			t.Fatalf("unexpected binary frame: %x", data)
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("connection ended without close frame: %v", err)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d (%s), want %d", ce.Code, ce.Text, code)
		}
		return
	}
}

func TestServerHealthz(t *testing.T) {
	srv := startServer(t, Config{})

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) || !strings.Contains(string(body), "private") {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestServerRejectsInvalidRoomPath(t *testing.T) {
	srv := startServer(t, Config{})

	for _, path := range []string{"/", "/" + strings.Repeat("x", MaxRoomIDBytes+1)} {
		resp, err := http.Get("http://" + srv.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("GET %s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestHMACRoomRejectsBadToken(t *testing.T) {
	srv := startServer(t, Config{
		Rooms: map[string]RoomConfig{
			"gated": {Policy: AuthHMACToken, Secret: []byte("room-secret")},
		},
	})

	conn := dialRoom(t, srv, "/gated?auth=bogus")
	expectClose(t, conn, CloseAuthRejected)

	if srv.registry.roomCount() != 0 {
		t.Fatal("rejected join created a room")
	}
}

func TestHMACRoomFanOut(t *testing.T) {
	secret := []byte("room-secret")
	srv := startServer(t, Config{
		Rooms: map[string]RoomConfig{
			"gated": {Policy: AuthHMACToken, Secret: secret},
		},
	})

	path := "/gated?auth=" + RoomToken("gated", secret)
	a := dialRoom(t, srv, path)
	b := dialRoom(t, srv, path)

	// Both are token-authed; peers-list arrives first.
	nextText(t, a, "peers-list", 3*time.Second)
	nextText(t, b, "peers-list", 3*time.Second)

	frame := bridge.EncodeOuter(bridge.OuterSync, []byte("crdt-diff"))
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	if got := nextBinary(t, b, 3*time.Second); !bytes.Equal(got, frame) {
		t.Fatalf("peer got %x, want %x", got, frame)
	}
	expectNoBinary(t, a, 300*time.Millisecond)
}

func TestPrivateModeGatesSendersOnIdentity(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/notes")
	b := dialRoom(t, srv, "/notes")
	sendIdentity(t, b, "bob")
	nextText(t, b, "peers-list", 3*time.Second)

	// Sent before a authenticates; must never reach b. Frames on one
	// connection are processed in order, so a leak would arrive ahead
	// of the post-identity frame below.
	early := bridge.EncodeOuter(bridge.OuterSync, []byte("early"))
	if err := a.WriteMessage(websocket.BinaryMessage, early); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	sendIdentity(t, a, "alice")
	frame := bridge.EncodeOuter(bridge.OuterSync, []byte("after-identity"))
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	if got := nextBinary(t, b, 3*time.Second); !bytes.Equal(got, frame) {
		t.Fatalf("first delivered frame = %x, want %x", got, frame)
	}
}

// Receiving is gated exactly like sending: until the identity arrives,
// a private-mode connection is not subscribed and sees no room traffic,
// no peer list and no replay.
func TestPrivateModeWithholdsTrafficBeforeIdentity(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/notes")
	sendIdentity(t, a, "alice")
	nextText(t, a, "peers-list", 3*time.Second)

	b := dialRoom(t, srv, "/notes")

	// Fanned out while b is unauthenticated. The join-topic round trip
	// on a proves the server has processed it before b authenticates.
	gated := bridge.EncodeOuter(bridge.OuterSync, []byte("secret-diff"))
	if err := a.WriteMessage(websocket.BinaryMessage, gated); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	if err := a.WriteJSON(map[string]string{"type": "join-topic", "topic": "barrier"}); err != nil {
		t.Fatalf("barrier join-topic: %v", err)
	}
	for {
		m := nextText(t, a, "peers-list", 3*time.Second)
		var topic string
		_ = json.Unmarshal(m["topic"], &topic)
		if topic == "barrier" {
			break
		}
	}

	sendIdentity(t, b, "bob")

	// The first thing b ever receives must be its own peers-list; a
	// queued pre-auth frame would land ahead of it.
	_ = b.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if msgType != websocket.TextMessage || !bytes.Contains(data, []byte("peers-list")) {
		t.Fatalf("pre-auth traffic reached subscriber: type=%d data=%q", msgType, data)
	}

	frame := bridge.EncodeOuter(bridge.OuterSync, []byte("post-auth-diff"))
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	if got := nextBinary(t, b, 3*time.Second); !bytes.Equal(got, frame) {
		t.Fatalf("authenticated subscriber got %x, want %x", got, frame)
	}
}

func TestRoomFullClosesWithTryAgainLater(t *testing.T) {
	srv := startServer(t, Config{MaxPeersPerRoom: 1})

	first := dialRoom(t, srv, "/notes")
	sendIdentity(t, first, "alice")
	nextText(t, first, "peers-list", 3*time.Second)

	second := dialRoom(t, srv, "/notes")
	sendIdentity(t, second, "bob")
	expectClose(t, second, websocket.CloseTryAgainLater)
}

func TestRoomDeletedAfterLastDisconnect(t *testing.T) {
	srv := startServer(t, Config{})

	conn := dialRoom(t, srv, "/notes")
	sendIdentity(t, conn, "alice")
	nextText(t, conn, "peers-list", 3*time.Second)
	if srv.registry.roomCount() != 1 {
		t.Fatalf("room count = %d after join", srv.registry.roomCount())
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.registry.roomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room still registered after last subscriber left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJSONSyncWrappedForSubscribers(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/notes")
	b := dialRoom(t, srv, "/notes")
	sendIdentity(t, a, "alice")
	sendIdentity(t, b, "bob")
	nextText(t, b, "peers-list", 3*time.Second)

	payload := []byte("json-carried-diff")
	err := a.WriteJSON(map[string]any{"type": "sync", "topic": "notes", "data": payload})
	if err != nil {
		t.Fatalf("send json sync: %v", err)
	}

	want := bridge.EncodeOuter(bridge.OuterSync, payload)
	if got := nextBinary(t, b, 3*time.Second); !bytes.Equal(got, want) {
		t.Fatalf("peer got %x, want %x", got, want)
	}
}

func TestJoinTopicSubscribesSecondaryRoom(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/primary")
	sendIdentity(t, a, "alice")
	if err := a.WriteJSON(map[string]string{"type": "join-topic", "topic": "secondary"}); err != nil {
		t.Fatalf("join-topic: %v", err)
	}
	for {
		m := nextText(t, a, "peers-list", 3*time.Second)
		var topic string
		_ = json.Unmarshal(m["topic"], &topic)
		if topic == "secondary" {
			break
		}
	}

	// A writer joining "secondary" directly reaches the multiplexed
	// subscriber.
	b := dialRoom(t, srv, "/secondary")
	sendIdentity(t, b, "bob")
	frame := bridge.EncodeOuter(bridge.OuterAwareness, []byte("cursor"))
	if err := b.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	if got := nextBinary(t, a, 3*time.Second); !bytes.Equal(got, frame) {
		t.Fatalf("multiplexed subscriber got %x, want %x", got, frame)
	}
}

func TestJoinTopicRefusesGatedRooms(t *testing.T) {
	srv := startServer(t, Config{
		Rooms: map[string]RoomConfig{
			"gated": {Policy: AuthHMACToken, Secret: []byte("s")},
		},
	})

	a := dialRoom(t, srv, "/primary")
	sendIdentity(t, a, "alice")
	if err := a.WriteJSON(map[string]string{"type": "join-topic", "topic": "gated"}); err != nil {
		t.Fatalf("join-topic: %v", err)
	}

	m := nextText(t, a, "error", 3*time.Second)
	var msg string
	_ = json.Unmarshal(m["error"], &msg)
	if msg != "topic_requires_dedicated_connection" {
		t.Fatalf("error = %q", msg)
	}
	if srv.registry.lookup("gated") != nil {
		t.Fatal("refused join-topic still created the room")
	}
}

func TestControlBeforeIdentityRejected(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/notes")
	if err := a.WriteJSON(map[string]string{"type": "join-topic", "topic": "other"}); err != nil {
		t.Fatalf("join-topic: %v", err)
	}
	m := nextText(t, a, "error", 3*time.Second)
	var msg string
	_ = json.Unmarshal(m["error"], &msg)
	if msg != "not_authenticated" {
		t.Fatalf("error = %q", msg)
	}
}

func TestPeersListIncludesIdentity(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/notes")
	sendIdentity(t, a, "alice")

	// Control frames are processed in order per connection; a join-topic
	// round trip proves the identity message has been applied.
	if err := a.WriteJSON(map[string]string{"type": "join-topic", "topic": "barrier"}); err != nil {
		t.Fatalf("barrier join-topic: %v", err)
	}
	for {
		m := nextText(t, a, "peers-list", 3*time.Second)
		var topic string
		_ = json.Unmarshal(m["topic"], &topic)
		if topic == "barrier" {
			break
		}
	}

	b := dialRoom(t, srv, "/notes")
	sendIdentity(t, b, "bob")
	m := nextText(t, b, "peers-list", 3*time.Second)

	var peers []PeerInfo
	if err := json.Unmarshal(m["peers"], &peers); err != nil {
		t.Fatalf("peers field: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}
	found := false
	for _, p := range peers {
		if p.DisplayName == "alice" && p.Source == "websocket" {
			found = true
		}
	}
	if !found {
		t.Fatalf("alice missing from peers list: %+v", peers)
	}
}

func TestServerStatusCountsRooms(t *testing.T) {
	srv := startServer(t, Config{})

	one := dialRoom(t, srv, "/one")
	sendIdentity(t, one, "alice")
	nextText(t, one, "peers-list", 3*time.Second)
	two := dialRoom(t, srv, "/two")
	sendIdentity(t, two, "bob")
	nextText(t, two, "peers-list", 3*time.Second)

	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Mode        string `json:"mode"`
		Rooms       int    `json:"rooms"`
		Subscribers int    `json:"subscribers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if out.Mode != "private" || out.Rooms != 2 || out.Subscribers != 2 {
		t.Fatalf("status = %+v", out)
	}
}

func TestServerRejectsUnknownMode(t *testing.T) {
	if _, err := New(Config{Mode: "bridge", Addr: ":0"}); err == nil {
		t.Fatal("unknown mode accepted")
	}
	if _, err := New(Config{Mode: ModePrivate}); err == nil {
		t.Fatal("missing listen address accepted")
	}
}

func TestMeshHandoffReachesLocalRoom(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/notes")
	sendIdentity(t, a, "alice")
	nextText(t, a, "peers-list", 3*time.Second)
	rm := srv.registry.lookup("notes")
	if rm == nil {
		t.Fatal("room missing")
	}

	frame := bridge.EncodeOuter(bridge.OuterSync, []byte("remote-diff"))
	payload, _ := json.Marshal(handoffMsg{
		Type:      msgSyncHandoff,
		TopicHash: rm.topicHex,
		FromNode:  "peer-relay",
		Data:      frame,
	})
	srv.handleMeshHandoff("peer-relay", &meshnet.Raw{Type: msgSyncHandoff, Payload: payload})

	if got := nextBinary(t, a, 3*time.Second); !bytes.Equal(got, frame) {
		t.Fatalf("handoff delivered %x, want %x", got, frame)
	}

	// A handoff for a workspace with no local room is a no-op.
	srv.handleMeshHandoff("peer-relay",
		&meshnet.Raw{Type: msgSyncHandoff, Payload: mustMarshalHandoff(t, "feedbeef", frame)})
	expectNoBinary(t, a, 300*time.Millisecond)
}

func mustMarshalHandoff(t *testing.T, topicHex string, frame []byte) []byte {
	t.Helper()
	payload, err := json.Marshal(handoffMsg{
		Type:      msgSyncHandoff,
		TopicHash: topicHex,
		FromNode:  "peer-relay",
		Data:      frame,
	})
	if err != nil {
		t.Fatalf("marshal handoff: %v", err)
	}
	return payload
}

// startHostServer boots a host-mode server with persistence. The mesh
// key path points into a missing directory, so the mesh start fails and
// the server runs off-mesh; Start treats that as non-fatal.
func startHostServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	return startServer(t, Config{
		Mode:      ModeHost,
		StorePath: filepath.Join(dir, "updates.db"),
		Mesh: meshnet.ParticipantConfig{
			Host: meshnet.HostConfig{KeyFile: filepath.Join(dir, "missing", "mesh.key")},
		},
	})
}

func TestHostModeReplaysAndPurgesRoomLog(t *testing.T) {
	srv := startHostServer(t)
	if srv.store == nil {
		t.Fatal("host mode did not open the store")
	}

	a := dialRoom(t, srv, "/notes")
	nextText(t, a, "peers-list", 3*time.Second)

	// State-vector exchanges are handshake traffic and must not be
	// replayed; only the incremental update lands in the log.
	sv := bridge.EncodeSync(bridge.SyncStateVector, []byte("sv"))
	if err := a.WriteMessage(websocket.BinaryMessage, sv); err != nil {
		t.Fatalf("send state vector: %v", err)
	}
	update := bridge.EncodeSync(bridge.SyncUpdate, []byte("persisted-diff"))
	if err := a.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatalf("send update: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(collectUpdates(t, srv.store, "notes")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stored %d updates, want just the incremental one",
				len(collectUpdates(t, srv.store, "notes")))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := collectUpdates(t, srv.store, "notes")[0]; !bytes.Equal(got, update) {
		t.Fatalf("stored frame = %x, want %x", got, update)
	}

	// A late joiner converges from the log before any peer resyncs it.
	b := dialRoom(t, srv, "/notes")
	if got := nextBinary(t, b, 3*time.Second); !bytes.Equal(got, update) {
		t.Fatalf("replayed %x, want %x", got, update)
	}

	// Last subscriber out deletes the room and its log with it.
	a.Close()
	b.Close()
	deadline = time.Now().Add(3 * time.Second)
	for srv.registry.roomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room still registered after last subscriber left")
		}
		time.Sleep(10 * time.Millisecond)
	}
	deadline = time.Now().Add(3 * time.Second)
	for len(collectUpdates(t, srv.store, "notes")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room log survived room deletion")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A recreated room starts from an empty history: the fresh joiner's
	// first message is its peers-list, not stale replay.
	fresh := dialRoom(t, srv, "/notes")
	_ = fresh.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := fresh.ReadMessage()
	if err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("stale history replayed into recreated room: %x", data)
	}
}

func TestHandoffEnvelopeRespectsMeshLineLimit(t *testing.T) {
	frame := bridge.EncodeSync(bridge.SyncUpdate, []byte("small-diff"))
	payload, ok := encodeHandoff(msgSyncHandoff, "deadbeef", "node-1", frame)
	if !ok {
		t.Fatal("small frame rejected")
	}
	var m handoffMsg
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if m.TopicHash != "deadbeef" || m.FromNode != "node-1" || !bytes.Equal(m.Data, frame) {
		t.Fatalf("envelope = %+v", m)
	}

	// Base64 inflates the data by a third: a frame well under the line
	// limit still produces an envelope over it, which every receiving
	// peer would silently discard.
	big := bridge.EncodeSync(bridge.SyncUpdate, make([]byte, 900<<10))
	if _, ok := encodeHandoff(msgSyncHandoff, "deadbeef", "node-1", big); ok {
		t.Fatal("oversized envelope accepted")
	}
}

func TestOversizedControlFrameIgnored(t *testing.T) {
	srv := startServer(t, Config{})

	a := dialRoom(t, srv, "/notes")
	b := dialRoom(t, srv, "/notes")
	sendIdentity(t, a, "alice")
	sendIdentity(t, b, "bob")
	nextText(t, b, "peers-list", 3*time.Second)

	huge := fmt.Sprintf(`{"type":"sync","topic":"notes","data":"%s"}`,
		strings.Repeat("A", bridge.MaxControlFrameBytes+1))
	if err := a.WriteMessage(websocket.TextMessage, []byte(huge)); err != nil {
		t.Fatalf("send oversized control: %v", err)
	}

	// The connection survives and the oversized frame is never fanned
	// out: the next well-formed frame is the first binary b sees.
	frame := bridge.EncodeOuter(bridge.OuterSync, []byte("ok"))
	if err := a.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	if got := nextBinary(t, b, 3*time.Second); !bytes.Equal(got, frame) {
		t.Fatalf("got %x, want %x", got, frame)
	}
}
