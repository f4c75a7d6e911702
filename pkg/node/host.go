package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/config"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/libp2p/go-libp2p"
	libp2ppubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Host is the libp2p host and GossipSub router of a node, plus the loop
// that keeps it connected to its bootstrap peers.
type Host struct {
	host.Host
	PubSub *libp2ppubsub.PubSub

	bootstrapPeers []string
	logger         *logging.ColoredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHost starts the libp2p host described by cfg.Node and
// cfg.Discovery and joins GossipSub.
func NewHost(cfg *config.Config, logger *logging.ColoredLogger) (*Host, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.ComponentInfo(logging.ComponentLibP2P, "Starting LibP2P host")

	listenAddrs, err := cfg.ParseMultiaddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to parse listen addresses: %w", err)
	}

	identity, err := loadOrCreateIdentity(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(identity),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.DefaultMuxers,
	}

	// For localhost/development, disable NAT services
	if isLocalOnly(cfg.Node.ListenAddresses) {
		logger.ComponentInfo(logging.ComponentLibP2P, "Localhost detected - disabling NAT services")
	} else {
		opts = append(opts,
			libp2p.EnableNATService(),
			libp2p.NATPortMap(),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps, err := libp2ppubsub.NewGossipSub(ctx, h,
		libp2ppubsub.WithPeerExchange(true),
		libp2ppubsub.WithFloodPublish(true),
	)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	n := &Host{
		Host:           h,
		PubSub:         ps,
		bootstrapPeers: cfg.Discovery.BootstrapPeers,
		logger:         logger,
		cancel:         cancel,
	}

	// Add peers to peerstore
	for _, peerAddr := range n.bootstrapPeers {
		if ma, err := multiaddr.NewMultiaddr(peerAddr); err == nil {
			if peerInfo, err := peer.AddrInfoFromP2pAddr(ma); err == nil {
				h.Peerstore().AddAddrs(peerInfo.ID, peerInfo.Addrs, time.Hour*24)
			}
		}
	}

	if err := n.connectToPeers(ctx); err != nil {
		logger.ComponentWarn(logging.ComponentNode, "Failed to connect to peers", zap.Error(err))
	}
	if len(n.bootstrapPeers) > 0 {
		n.wg.Add(1)
		go n.peerReconnectionLoop(ctx)
	}

	var addrs []string
	for _, addr := range h.Addrs() {
		addrs = append(addrs, addr.String())
	}
	logger.ComponentInfo(logging.ComponentLibP2P, "LibP2P host started",
		zap.String("peer_id", h.ID().String()),
		zap.Strings("listen_addrs", addrs))
	return n, nil
}

// PeerCount returns the number of connected peers.
func (n *Host) PeerCount() int {
	return len(n.Network().Peers())
}

// Close stops the reconnection loop and closes the host.
func (n *Host) Close() error {
	n.cancel()
	n.wg.Wait()
	return n.Host.Close()
}

func (n *Host) peerReconnectionLoop(ctx context.Context) {
	defer n.wg.Done()
	interval := 5 * time.Second

	for {
		wait := 30 * time.Second
		if !n.hasBootstrapConnections() {
			if err := n.connectToPeers(ctx); err != nil {
				wait = addJitter(interval)
				interval = calculateNextBackoff(interval)
			} else {
				interval = 5 * time.Second
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectToPeers dials every bootstrap peer and fails only when none could
// be reached.
func (n *Host) connectToPeers(ctx context.Context) error {
	if len(n.bootstrapPeers) == 0 {
		return nil
	}
	var lastErr error
	connected := 0
	for _, peerAddr := range n.bootstrapPeers {
		if err := n.connectToPeerAddr(ctx, peerAddr); err != nil {
			lastErr = err
			n.logger.ComponentDebug(logging.ComponentLibP2P, "Failed to connect to bootstrap peer",
				zap.String("addr", peerAddr), zap.Error(err))
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("no bootstrap peer reachable: %w", lastErr)
	}
	return nil
}

func (n *Host) connectToPeerAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	peerInfo, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}
	if peerInfo.ID == n.ID() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return n.Connect(ctx, *peerInfo)
}

func (n *Host) hasBootstrapConnections() bool {
	if len(n.bootstrapPeers) == 0 {
		return false
	}
	connectedPeers := n.Network().Peers()
	if len(connectedPeers) == 0 {
		return false
	}

	bootstrapIDs := make(map[peer.ID]bool)
	for _, addr := range n.bootstrapPeers {
		if ma, err := multiaddr.NewMultiaddr(addr); err == nil {
			if info, err := peer.AddrInfoFromP2pAddr(ma); err == nil {
				bootstrapIDs[info.ID] = true
			}
		}
	}

	for _, p := range connectedPeers {
		if bootstrapIDs[p] {
			return true
		}
	}
	return false
}
