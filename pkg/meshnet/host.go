package meshnet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"
)

// DHTProtocolPrefix isolates the nightjar Kademlia DHT from the public
// IPFS Amino DHT, giving the mesh its own routing table at
// /nightjar/kad/1.0.0.
const DHTProtocolPrefix = "/nightjar"

// MeshProtocolID is the libp2p stream protocol mesh links speak.
const MeshProtocolID = "/nightjar/mesh/1.0.0"

// HostConfig configures the libp2p host backing a mesh participant.
type HostConfig struct {
	KeyFile         string   // identity key path; empty = ephemeral key
	ListenAddresses []string // multiaddrs; empty = dynamic TCP+QUIC
	BootstrapPeers  []string // seed peer multiaddrs; empty is valid (see config docs)
	UserAgent       string   // identify user agent, e.g. "nightjar/0.3.0"
}

// meshHost bundles the libp2p host with its DHT client. Construction is
// deferred until the participant's first Start: the DHT is expensive to
// instantiate and many embedders (private mode) never need it.
type meshHost struct {
	host host.Host
	kdht *dht.IpfsDHT
}

// newMeshHost builds the host and DHT.
// Transport order follows proven practice: QUIC first (fewer RTTs,
// native multiplexing), TCP as universal fallback, WebSocket last for
// restrictive networks.
func newMeshHost(ctx context.Context, cfg HostConfig) (*meshHost, error) {
	hostOpts := []libp2p.Option{
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(ws.New),
		libp2p.DisableMetrics(),
	}

	if cfg.KeyFile != "" {
		priv, err := LoadOrCreateIdentity(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(priv))
	}

	if cfg.UserAgent != "" {
		hostOpts = append(hostOpts, libp2p.UserAgent(cfg.UserAgent))
	}

	if len(cfg.ListenAddresses) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(cfg.ListenAddresses...))
	} else {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
			"/ip6/::/tcp/0",
			"/ip6/::/udp/0/quic-v1",
		))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kdht, err := dht.New(ctx, h,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(DHTProtocolPrefix),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	if err := kdht.Bootstrap(ctx); err != nil {
		kdht.Close()
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	connectBootstrapPeers(ctx, h, cfg.BootstrapPeers)

	return &meshHost{host: h, kdht: kdht}, nil
}

// connectBootstrapPeers dials each configured seed peer. Failures are
// logged, not fatal: a node with no reachable seeds still serves local
// clients and meshes when someone dials it.
func connectBootstrapPeers(ctx context.Context, h host.Host, addrs []string) {
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			slog.Warn("mesh: invalid bootstrap addr", "addr", s, "error", err)
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			slog.Warn("mesh: bootstrap addr missing peer ID", "addr", s, "error", err)
			continue
		}
		if err := h.Connect(ctx, *ai); err != nil {
			slog.Warn("mesh: bootstrap dial failed", "peer", shortID(ai.ID.String()), "error", err)
			continue
		}
		slog.Info("mesh: connected to bootstrap peer", "peer", shortID(ai.ID.String()))
	}
}

// Close tears down the DHT and the host, which closes every peer
// connection and stream.
func (mh *meshHost) Close() error {
	if err := mh.kdht.Close(); err != nil {
		slog.Warn("mesh: DHT close error", "error", err)
	}
	return mh.host.Close()
}
