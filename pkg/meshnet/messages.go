package meshnet

import (
	"encoding/json"
	"fmt"
)

// Wire message type tags. The mesh protocol is newline-delimited JSON;
// every object carries a "type" and type-specific fields.
const (
	MsgRelayAnnounce     = "relay-announce"
	MsgBootstrapRequest  = "bootstrap-request"
	MsgBootstrapResponse = "bootstrap-response"
	MsgWorkspaceQuery    = "workspace-query"
	MsgWorkspaceResponse = "workspace-response"
	MsgPing              = "ping"
	MsgPong              = "pong"
)

// Message is a decoded mesh wire frame.
type Message interface {
	MsgType() string
}

// Capabilities advertises what a relay can do for the mesh.
type Capabilities struct {
	Relay    bool `json:"relay"`
	Persist  bool `json:"persist"`
	MaxPeers int  `json:"maxPeers"`
}

// RelayAnnounce is broadcast periodically by every announcing relay.
type RelayAnnounce struct {
	Type           string            `json:"type"`
	NodeID         string            `json:"nodeId"`
	Version        string            `json:"version"`
	Capabilities   Capabilities      `json:"capabilities"`
	Endpoints      map[string]string `json:"endpoints"`
	WorkspaceCount int               `json:"workspaceCount"`
	Uptime         int64             `json:"uptime"`
	Timestamp      int64             `json:"timestamp"`
}

func (m *RelayAnnounce) MsgType() string { return MsgRelayAnnounce }

// BootstrapRequest asks a newly connected peer for its relay catalog.
type BootstrapRequest struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

func (m *BootstrapRequest) MsgType() string { return MsgBootstrapRequest }

// BootstrapNode is one catalog entry in a bootstrap response.
type BootstrapNode struct {
	NodeID       string            `json:"nodeId"`
	Endpoints    map[string]string `json:"endpoints"`
	Capabilities Capabilities      `json:"capabilities"`
}

// BootstrapResponse carries up to maxBootstrapNodes catalog entries.
type BootstrapResponse struct {
	Type  string          `json:"type"`
	Nodes []BootstrapNode `json:"nodes"`
}

func (m *BootstrapResponse) MsgType() string { return MsgBootstrapResponse }

// WorkspaceQuery asks every open mesh link who is on a workspace topic.
type WorkspaceQuery struct {
	Type        string `json:"type"`
	TopicHash   string `json:"topicHash"`
	RequesterID string `json:"requesterId"`
}

func (m *WorkspaceQuery) MsgType() string { return MsgWorkspaceQuery }

// WorkspacePeer is one known peer of a workspace topic.
type WorkspacePeer struct {
	NodeID    string            `json:"nodeId"`
	Endpoints map[string]string `json:"endpoints"`
	LastSeen  int64             `json:"lastSeen"`
}

// WorkspaceResponse answers a WorkspaceQuery.
type WorkspaceResponse struct {
	Type      string          `json:"type"`
	TopicHash string          `json:"topicHash"`
	Peers     []WorkspacePeer `json:"peers"`
}

func (m *WorkspaceResponse) MsgType() string { return MsgWorkspaceResponse }

// Ping is the heartbeat probe. Never deduplicated.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (m *Ping) MsgType() string { return MsgPing }

// Pong answers a Ping. Never deduplicated.
type Pong struct {
	Type      string `json:"type"`
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (m *Pong) MsgType() string { return MsgPong }

// Raw is the extensibility escape hatch: unknown types decode into Raw
// and surface as direct messages so higher layers can multiplex new
// frame types without touching the core dispatch table.
type Raw struct {
	Type    string
	Payload json.RawMessage
}

func (m *Raw) MsgType() string { return m.Type }

type typeProbe struct {
	Type string `json:"type"`
}

// DecodeMessage parses one wire line into its concrete variant.
// Unknown types are returned as *Raw, never as an error.
func DecodeMessage(line []byte) (Message, error) {
	var probe typeProbe
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}

	var msg Message
	switch probe.Type {
	case MsgRelayAnnounce:
		msg = &RelayAnnounce{}
	case MsgBootstrapRequest:
		msg = &BootstrapRequest{}
	case MsgBootstrapResponse:
		msg = &BootstrapResponse{}
	case MsgWorkspaceQuery:
		msg = &WorkspaceQuery{}
	case MsgWorkspaceResponse:
		msg = &WorkspaceResponse{}
	case MsgPing:
		msg = &Ping{}
	case MsgPong:
		msg = &Pong{}
	default:
		return &Raw{Type: probe.Type, Payload: append(json.RawMessage(nil), line...)}, nil
	}

	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", probe.Type, err)
	}
	return msg, nil
}

// EncodeMessage marshals a message to one wire line (no trailing newline).
// The type tag is filled from the variant so callers cannot mislabel frames.
func EncodeMessage(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *RelayAnnounce:
		m.Type = MsgRelayAnnounce
	case *BootstrapRequest:
		m.Type = MsgBootstrapRequest
	case *BootstrapResponse:
		m.Type = MsgBootstrapResponse
	case *WorkspaceQuery:
		m.Type = MsgWorkspaceQuery
	case *WorkspaceResponse:
		m.Type = MsgWorkspaceResponse
	case *Ping:
		m.Type = MsgPing
	case *Pong:
		m.Type = MsgPong
	case *Raw:
		return m.Payload, nil
	}
	return json.Marshal(msg)
}
