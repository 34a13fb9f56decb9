package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment overrides. These win over file values so the same config
// file can serve several deployment shapes.
const (
	EnvMode            = "NIGHTJAR_MODE"
	EnvPublicURL       = "PUBLIC_URL"
	EnvMaxPeersPerRoom = "MAX_PEERS_PER_ROOM"
	EnvConfigPath      = "NIGHTJAR_CONFIG"
)

// checkConfigFilePermissions rejects group/world-readable config files.
// Configs may carry room secrets.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads, overrides and validates a server configuration.
func Load(path string) (*ServerConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was added
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade nightjard", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	ApplyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnvOverrides replaces file values with environment values where set.
func ApplyEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv(EnvMode); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv(EnvPublicURL); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv(EnvMaxPeersPerRoom); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPeersPerRoom = n
		}
	}
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *ServerConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "host"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8787"
	}
	if cfg.MaxPeersPerRoom == 0 {
		cfg.MaxPeersPerRoom = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks invariants the server cannot start without.
func Validate(cfg *ServerConfig) error {
	switch cfg.Mode {
	case "host", "relay", "private":
	default:
		return fmt.Errorf("mode must be one of host, relay, private (got %q)", cfg.Mode)
	}
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if cfg.MaxPeersPerRoom < 1 {
		return fmt.Errorf("max_peers_per_room must be positive")
	}
	if cfg.PublicURL != "" && !strings.HasPrefix(cfg.PublicURL, "wss://") && !strings.HasPrefix(cfg.PublicURL, "ws://") {
		return fmt.Errorf("public_url must be a ws:// or wss:// URL")
	}

	for id, room := range cfg.Rooms {
		if id == "" || len(id) > 256 {
			return fmt.Errorf("invalid room ID %q: length must be 1..256", id)
		}
		switch room.Policy {
		case "", "open":
		case "hmac_token":
			if room.Secret == "" {
				return fmt.Errorf("room %q: hmac_token policy requires a secret", id)
			}
		case "owner_gated":
			key, err := hex.DecodeString(room.OwnerKey)
			if err != nil || len(key) != ed25519.PublicKeySize {
				return fmt.Errorf("room %q: owner_gated policy requires a %d-byte hex owner_key", id, ed25519.PublicKeySize)
			}
		default:
			return fmt.Errorf("room %q: unknown policy %q", id, room.Policy)
		}
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	return nil
}

// FindConfigFile searches for a nightjar config file in standard locations.
// Search order: explicitPath (if given), $NIGHTJAR_CONFIG, ./nightjar.yaml,
// ~/.config/nightjar/config.yaml, /etc/nightjar/config.yaml
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath == "" {
		explicitPath = os.Getenv(EnvConfigPath)
	}
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{
		"nightjar.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "nightjar", "config.yaml"))
	}

	searchPaths = append(searchPaths, filepath.Join("/etc", "nightjar", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'nightjard init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths makes relative file paths relative to the config
// file's directory, so configs in ~/.config/nightjar/ can reference the
// key file and store with short paths.
func ResolveConfigPaths(cfg *ServerConfig, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if cfg.StorePath != "" && !filepath.IsAbs(cfg.StorePath) {
		cfg.StorePath = filepath.Join(configDir, cfg.StorePath)
	}
}

// DefaultConfigDir returns the default nightjar config directory
// (~/.config/nightjar).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "nightjar"), nil
}
