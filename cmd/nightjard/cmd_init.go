package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

const sampleConfig = `# nightjard configuration
version: 1

# Server mode: host (persist + mesh), relay (mesh only), private (no mesh)
mode: host

listen_address: ":8787"

# Announced to the mesh so other relays can hand clients to this one.
# Leave empty to join the mesh as a listener without announcing.
#public_url: "wss://relay.example.org"

max_peers_per_room: 100

# Host-mode update log. Comment out to disable persistence.
store_path: "nightjar.db"

identity:
  key_file: "nightjar.key"

mesh:
  # Multiaddrs of known mesh members. An empty list is valid: this node
  # waits to be discovered instead of dialing out.
  bootstrap_peers: []
  # Advertise joined workspace topics on the DHT (reveals topic hashes
  # to DHT neighbors).
  announce_workspaces: false

# Rooms not listed here are open.
#rooms:
#  standup-notes:
#    policy: hmac_token
#    secret: "change-me"

log:
  level: info
`

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", ".", "directory for config and identity key")
	_ = fs.Parse(args)

	if err := os.MkdirAll(*dir, 0700); err != nil {
		log.Fatalf("Failed to create %s: %v", *dir, err)
	}

	configPath := filepath.Join(*dir, "nightjar.yaml")
	if _, err := os.Stat(configPath); err == nil {
		log.Fatalf("Refusing to overwrite existing %s", configPath)
	}
	if err := os.WriteFile(configPath, []byte(sampleConfig), 0600); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}

	keyPath := filepath.Join(*dir, "nightjar.key")
	if _, err := meshnet.LoadOrCreateIdentity(keyPath); err != nil {
		log.Fatalf("Failed to create identity key: %v", err)
	}
	peerID, err := meshnet.PeerIDFromKeyFile(keyPath)
	if err != nil {
		log.Fatalf("Failed to derive peer ID: %v", err)
	}

	fmt.Printf("Config:   %s\n", configPath)
	fmt.Printf("Identity: %s\n", keyPath)
	fmt.Printf("Peer ID:  %s\n", peerID)
	fmt.Println()
	fmt.Println("Edit the config, then start the server with: nightjard serve")
}
