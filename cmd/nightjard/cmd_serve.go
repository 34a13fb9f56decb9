package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/nightjar-net/nightjar/internal/config"
	"github.com/nightjar-net/nightjar/internal/lifecycle"
	"github.com/nightjar-net/nightjar/internal/relay"
	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args)

	path, err := config.FindConfigFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to locate config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(path))

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))
	slog.Info("nightjard starting", "version", version, "mode", cfg.Mode, "config", path)

	srvCfg, err := buildServerConfig(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	srv, err := relay.New(srvCfg)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	shutdown := lifecycle.NewShutdowner(lifecycle.DefaultGracePeriod)
	shutdown.Register(func(ctx context.Context) error {
		return srv.Close(ctx)
	})
	<-shutdown.Watch()
	slog.Info("nightjard stopped")
}

// buildServerConfig maps the file schema onto the runtime config.
func buildServerConfig(cfg *config.ServerConfig) (relay.Config, error) {
	rooms := make(map[string]relay.RoomConfig, len(cfg.Rooms))
	for id, rc := range cfg.Rooms {
		out := relay.RoomConfig{Policy: relay.AuthPolicy(rc.Policy)}
		switch rc.Policy {
		case "", "open":
			out.Policy = relay.AuthOpen
		case "hmac_token":
			out.Secret = []byte(rc.Secret)
		case "owner_gated":
			key, err := hex.DecodeString(rc.OwnerKey)
			if err != nil {
				return relay.Config{}, err
			}
			out.OwnerKey = ed25519.PublicKey(key)
		}
		rooms[id] = out
	}

	metrics := meshnet.NewMetrics(version, runtime.Version())

	storePath := ""
	if cfg.Mode == "host" {
		storePath = cfg.StorePath
	}

	return relay.Config{
		Mode:            relay.Mode(cfg.Mode),
		Addr:            cfg.ListenAddress,
		PublicURL:       cfg.PublicURL,
		MaxPeersPerRoom: cfg.MaxPeersPerRoom,
		Rooms:           rooms,
		StorePath:       storePath,
		Mesh: meshnet.ParticipantConfig{
			NodeID:             cfg.Mesh.NodeID,
			Version:            version,
			AnnounceWorkspaces: cfg.Mesh.AnnounceWorkspaces,
			Host: meshnet.HostConfig{
				KeyFile:         cfg.Identity.KeyFile,
				ListenAddresses: cfg.Mesh.ListenAddresses,
				BootstrapPeers:  cfg.Mesh.BootstrapPeers,
				UserAgent:       "nightjar/" + version,
			},
		},
		Metrics: metrics,
	}, nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
