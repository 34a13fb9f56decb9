package meshnet

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeMessageDispatch(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
	}{
		{"announce", `{"type":"relay-announce","nodeId":"abc","endpoints":{"wss":"wss://r.example.org"}}`, MsgRelayAnnounce},
		{"bootstrapRequest", `{"type":"bootstrap-request","nodeId":"abc"}`, MsgBootstrapRequest},
		{"bootstrapResponse", `{"type":"bootstrap-response","nodes":[]}`, MsgBootstrapResponse},
		{"workspaceQuery", `{"type":"workspace-query","topicHash":"ff","requesterId":"abc"}`, MsgWorkspaceQuery},
		{"workspaceResponse", `{"type":"workspace-response","topicHash":"ff","peers":[]}`, MsgWorkspaceResponse},
		{"ping", `{"type":"ping","timestamp":1}`, MsgPing},
		{"pong", `{"type":"pong","nodeId":"abc","timestamp":1}`, MsgPong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tc.line))
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if msg.MsgType() != tc.want {
				t.Fatalf("MsgType = %q, want %q", msg.MsgType(), tc.want)
			}
			if _, isRaw := msg.(*Raw); isRaw {
				t.Fatal("known type decoded as Raw")
			}
		})
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	line := `{"type":"sync-message","topicHash":"ff","data":"AAEC"}`
	msg, err := DecodeMessage([]byte(line))
	if err != nil {
		t.Fatalf("unknown type must not be an error: %v", err)
	}
	raw, ok := msg.(*Raw)
	if !ok {
		t.Fatalf("unknown type decoded as %T, want *Raw", msg)
	}
	if raw.Type != "sync-message" {
		t.Fatalf("Raw.Type = %q", raw.Type)
	}
	if string(raw.Payload) != line {
		t.Fatal("Raw must carry the full original line")
	}
}

func TestDecodeMessageMalformed(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"nodeId":"abc"}`, // missing type
		`{"type":"ping","timestamp":"not-a-number"}`,
	} {
		if _, err := DecodeMessage([]byte(line)); err == nil {
			t.Errorf("DecodeMessage(%q) succeeded, want error", line)
		}
	}
}

func TestEncodeMessageFillsType(t *testing.T) {
	line, err := EncodeMessage(&WorkspaceQuery{TopicHash: "ff", RequesterID: "abc"})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if probe.Type != MsgWorkspaceQuery {
		t.Fatalf("encoded type = %q, want %q", probe.Type, MsgWorkspaceQuery)
	}
	if strings.ContainsRune(string(line), '\n') {
		t.Fatal("encoded line must not contain a newline")
	}
}

func TestEncodeMessageRoundTrip(t *testing.T) {
	orig := &RelayAnnounce{
		NodeID:  strings.Repeat("a", 64),
		Version: "0.3.0",
		Capabilities: Capabilities{
			Relay:    true,
			Persist:  true,
			MaxPeers: 100,
		},
		Endpoints:      map[string]string{"wss": "wss://relay.example.org"},
		WorkspaceCount: 3,
		Uptime:         120,
		Timestamp:      1700000000000,
	}

	line, err := EncodeMessage(orig)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	decoded, err := DecodeMessage(line)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	got, ok := decoded.(*RelayAnnounce)
	if !ok {
		t.Fatalf("decoded as %T", decoded)
	}
	if got.NodeID != orig.NodeID || got.Endpoints["wss"] != orig.Endpoints["wss"] ||
		got.Capabilities.MaxPeers != orig.Capabilities.MaxPeers {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeRawPassesPayloadThrough(t *testing.T) {
	payload := []byte(`{"type":"awareness-update","topicHash":"ff","data":"AA=="}`)
	line, err := EncodeMessage(&Raw{Type: "awareness-update", Payload: payload})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if string(line) != string(payload) {
		t.Fatal("Raw payload must pass through unmodified")
	}
}
