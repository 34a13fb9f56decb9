// nightjard is the relay mesh daemon: a WebSocket relay server for
// collaborative workspaces that discovers peer relays over a DHT and
// propagates sync traffic across the mesh.
package main

import (
	"fmt"
	"os"
	"runtime"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func printUsage() {
	fmt.Println("Usage: nightjard [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve [--config <path>]      Start the relay server (default)")
	fmt.Println("  init [--dir <path>]          Create a config file and identity key")
	fmt.Println("  status [--url <base-url>]    Query a running server's status")
	fmt.Println("  token <room-id> <secret>     Derive the join token for an hmac_token room")
	fmt.Println("  version                      Print version information")
	fmt.Println("  help                         Show this help message")
}

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version":
		fmt.Printf("nightjard %s (%s) built %s\n", version, commit, buildDate)
		fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	case "serve":
		runServe(args)
	case "init":
		runInit(args)
	case "status":
		runStatus(args)
	case "token":
		runToken(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}
