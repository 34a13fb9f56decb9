// Package config defines the nightjar configuration schema and its
// YAML loader. Environment variables override file values for the
// deploy-time knobs (mode, public URL, room capacity).
package config

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// ServerConfig is the top-level configuration for a nightjar server.
type ServerConfig struct {
	Version int `yaml:"version,omitempty"`

	// Mode is one of host, relay, private. Default host.
	Mode string `yaml:"mode,omitempty"`

	// ListenAddress is the HTTP/WebSocket listen address, e.g. ":8787".
	ListenAddress string `yaml:"listen_address"`

	// PublicURL is the wss endpoint announced to the mesh. Required to
	// announce as a relay; a server without one still joins the mesh as
	// a listener.
	PublicURL string `yaml:"public_url,omitempty"`

	// MaxPeersPerRoom caps subscribers per room. Default 100.
	MaxPeersPerRoom int `yaml:"max_peers_per_room,omitempty"`

	// StorePath is the host-mode update log location. Empty disables
	// persistence even in host mode.
	StorePath string `yaml:"store_path,omitempty"`

	Identity IdentityConfig        `yaml:"identity"`
	Mesh     MeshConfig            `yaml:"mesh,omitempty"`
	Rooms    map[string]RoomConfig `yaml:"rooms,omitempty"`
	Log      LogConfig             `yaml:"log,omitempty"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// MeshConfig holds DHT mesh participation configuration.
type MeshConfig struct {
	// NodeID is the 64-char hex mesh identity. Generated when empty.
	NodeID string `yaml:"node_id,omitempty"`

	// ListenAddresses are libp2p multiaddrs for the mesh host.
	ListenAddresses []string `yaml:"listen_addresses,omitempty"`

	// BootstrapPeers are multiaddrs of known mesh members. An empty
	// list is valid: the node waits to be discovered instead.
	BootstrapPeers []string `yaml:"bootstrap_peers,omitempty"`

	// AnnounceWorkspaces advertises joined workspace topics on the DHT
	// so peers can find this relay per-room, at the cost of revealing
	// topic hashes to DHT neighbors.
	AnnounceWorkspaces bool `yaml:"announce_workspaces,omitempty"`
}

// RoomConfig declares a room's admission policy. Rooms absent from the
// map are open.
type RoomConfig struct {
	// Policy is one of open, hmac_token, owner_gated. Default open.
	Policy string `yaml:"policy"`

	// Secret is the hmac_token shared secret.
	Secret string `yaml:"secret,omitempty"`

	// OwnerKey is the hex Ed25519 public key gating an owner_gated room.
	OwnerKey string `yaml:"owner_key,omitempty"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `yaml:"level,omitempty"`
}
