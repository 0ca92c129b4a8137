package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

// DiscoveryNamespace is the rendezvous string validators advertise under.
const DiscoveryNamespace = "shieldrelay/validators"

// Node is one libp2p participant: a relayer querying validators, or a
// validator answering verify streams.
type Node struct {
	Host        host.Host
	PingService *ping.PingService
	dht         *dht.IpfsDHT
	discovery   *routing.RoutingDiscovery
}

// NewNode creates a libp2p host listening on the given TCP port.
func NewNode(ctx context.Context, port int) (*Node, error) {
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create multiaddr: %v", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(addr),
		libp2p.EnableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %v", err)
	}

	ps := ping.NewPingService(h)

	log.Info().Str("id", h.ID().String()).Msg("Node started")
	for _, a := range h.Addrs() {
		log.Info().Msgf("Listening on %s/p2p/%s", a, h.ID().String())
	}

	return &Node{
		Host:        h,
		PingService: ps,
	}, nil
}

// EnableDiscovery bootstraps a Kademlia DHT over the given bootstrap peers
// and advertises this node under the validator rendezvous namespace.
func (n *Node) EnableDiscovery(ctx context.Context, bootstrapPeers []string) error {
	kad, err := dht.New(ctx, n.Host)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %v", err)
	}
	if err := kad.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %v", err)
	}

	for _, addr := range bootstrapPeers {
		if err := n.Connect(ctx, addr); err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("Failed to connect to bootstrap peer")
		}
	}

	n.dht = kad
	n.discovery = routing.NewRoutingDiscovery(kad)
	if _, err := n.discovery.Advertise(ctx, DiscoveryNamespace); err != nil {
		log.Warn().Err(err).Msg("Failed to advertise on DHT")
	}
	return nil
}

// DiscoverValidators finds peers advertising under the validator namespace
// and connects to them. Returns the multiaddrs of peers reached before the
// deadline.
func (n *Node) DiscoverValidators(ctx context.Context, wait time.Duration) ([]string, error) {
	if n.discovery == nil {
		return nil, fmt.Errorf("discovery not enabled")
	}
	findCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	peerCh, err := n.discovery.FindPeers(findCtx, DiscoveryNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to find peers: %v", err)
	}

	var found []string
	for info := range peerCh {
		if info.ID == n.Host.ID() || len(info.Addrs) == 0 {
			continue
		}
		if err := n.Host.Connect(findCtx, info); err != nil {
			log.Debug().Err(err).Str("peer", info.ID.String()).Msg("Failed to connect to discovered peer")
			continue
		}
		found = append(found, fmt.Sprintf("%s/p2p/%s", info.Addrs[0], info.ID.String()))
		log.Info().Str("peer", info.ID.String()).Msg("Discovered validator")
	}
	return found, nil
}

// Connect connects to a peer by multiaddr.
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addr, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %v", err)
	}

	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("failed to get peer info: %v", err)
	}

	if err := n.Host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to peer: %v", err)
	}

	log.Info().Str("peer", info.ID.String()).Msg("Connected to peer")
	return nil
}

// Disconnect from a peer
func (n *Node) Disconnect(ctx context.Context, peerID peer.ID) error {
	if err := n.Host.Network().ClosePeer(peerID); err != nil {
		return fmt.Errorf("failed to disconnect from peer: %v", err)
	}
	return nil
}

// GetPeers returns a list of connected peers
func (n *Node) GetPeers() []peer.ID {
	return n.Host.Network().Peers()
}

// Close shuts down the node
func (n *Node) Close() error {
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close DHT")
		}
	}
	return n.Host.Close()
}
