package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/nightjar-net/nightjar/internal/relay"
	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8787", "base URL of the running server")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*baseURL + "/status")
	if err != nil {
		log.Fatalf("Server unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Status request failed: HTTP %d", resp.StatusCode)
	}

	var status struct {
		Mode        string          `json:"mode"`
		Rooms       int             `json:"rooms"`
		Subscribers int             `json:"subscribers"`
		Mesh        *meshnet.Status `json:"mesh"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		log.Fatalf("Malformed status response: %v", err)
	}

	fmt.Printf("Mode:        %s\n", status.Mode)
	fmt.Printf("Rooms:       %d\n", status.Rooms)
	fmt.Printf("Subscribers: %d\n", status.Subscribers)
	if status.Mesh != nil && status.Mesh.NodeID != "" {
		fmt.Println()
		fmt.Printf("Mesh node:   %s\n", status.Mesh.NodeID)
		fmt.Printf("Mesh links:  %d\n", status.Mesh.MeshLinks)
		fmt.Printf("Catalog:     %d relays\n", status.Mesh.CatalogSize)
		fmt.Printf("Workspaces:  %d\n", status.Mesh.Workspaces)
		fmt.Printf("Uptime:      %ds\n", status.Mesh.UptimeSeconds)
	}
}

// runToken prints the join token for an hmac_token room, for handing to
// invited collaborators.
func runToken(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: nightjard token <room-id> <secret>")
		os.Exit(1)
	}
	fmt.Println(relay.RoomToken(args[0], []byte(args[1])))
}
