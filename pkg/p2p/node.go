// Package p2p carries the channel protocol over libp2p streams and finds
// channel servers through a Kademlia DHT rendezvous.
package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-channels/pkg/network"
)

const (
	// ProtocolID identifies channel protocol streams
	ProtocolID = protocol.ID("/zentalk/channels/1.0.0")

	// DefaultRendezvous is the DHT namespace servers advertise under
	DefaultRendezvous = "zentalk-channels"
)

var ErrNoBootstrapPeers = errors.New("failed to connect to any bootstrap peers")

// Config configures a libp2p node
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	Rendezvous     string

	// PrivateKey is the peer identity. Ed25519 is generated when nil.
	PrivateKey p2pcrypto.PrivKey

	Logger zerolog.Logger
}

// Node is a libp2p host with a DHT used for server discovery
type Node struct {
	host       host.Host
	dht        *dht.IpfsDHT
	discovery  *drouting.RoutingDiscovery
	rendezvous string
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	bootstrapped bool
}

// NewNode starts a libp2p host and its DHT
func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = p2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.BootstrapPeers())
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	rendezvous := cfg.Rendezvous
	if rendezvous == "" {
		rendezvous = DefaultRendezvous
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:       h,
		dht:        kad,
		discovery:  drouting.NewRoutingDiscovery(kad),
		rendezvous: rendezvous,
		log:        cfg.Logger.With().Str("peer", h.ID().String()).Logger(),
		ctx:        nodeCtx,
		cancel:     cancel,
	}

	if len(cfg.BootstrapPeers) > 0 {
		if err := n.Bootstrap(cfg.BootstrapPeers); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.log.Info().Strs("addrs", n.AddrStrings()).Msg("libp2p node started")
	return n, nil
}

// ID returns the node's peer ID
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// AddrInfo returns what a peer needs to dial this node
func (n *Node) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
}

// AddrStrings returns the listen addresses with the /p2p component
func (n *Node) AddrStrings() []string {
	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, len(full))
	for i, a := range full {
		out[i] = a.String()
	}
	return out
}

// Bootstrap connects to the given peers and bootstraps the DHT
func (n *Node) Bootstrap(peers []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.bootstrapped {
		return nil
	}

	var connected int
	for _, s := range peers {
		if err := n.Connect(n.ctx, s); err != nil {
			n.log.Warn().Err(err).Str("peer", s).Msg("bootstrap peer unreachable")
			continue
		}
		connected++
	}
	if connected == 0 {
		return ErrNoBootstrapPeers
	}

	if err := n.dht.Bootstrap(n.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	n.bootstrapped = true
	n.log.Info().Int("peers", connected).Msg("DHT bootstrapped")
	return nil
}

// Connect connects to a peer given its full multiaddr
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer info: %w", err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	return nil
}

// Serve hands every inbound channel protocol stream to srv
func (n *Node) Serve(srv *network.Server) {
	n.host.SetStreamHandler(ProtocolID, func(s lpnet.Stream) {
		remote := s.Conn().RemoteMultiaddr().String() + "/p2p/" + s.Conn().RemotePeer().String()
		srv.ServeConn(s, remote)
	})
}

// Dial opens a channel protocol stream to id and starts the client handshake
func (n *Node) Dial(ctx context.Context, c *network.Client, id peer.ID) (*network.RemoteServer, error) {
	s, err := n.host.NewStream(ctx, id, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return c.ConnectConn(s, id.String())
}

// Advertise announces this node under the rendezvous namespace until the
// node closes
func (n *Node) Advertise() {
	dutil.Advertise(n.ctx, n.discovery, n.rendezvous)
}

// FindServers returns up to limit peers advertising the rendezvous
// namespace, excluding this node
func (n *Node) FindServers(ctx context.Context, limit int) ([]peer.AddrInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found, err := n.discovery.FindPeers(ctx, n.rendezvous)
	if err != nil {
		return nil, fmt.Errorf("failed to find peers: %w", err)
	}

	var out []peer.AddrInfo
	for info := range found {
		if info.ID == n.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		out = append(out, info)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close shuts down the DHT and the host
func (n *Node) Close() error {
	n.cancel()
	n.host.RemoveStreamHandler(ProtocolID)

	var errs []error
	if err := n.dht.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close DHT: %w", err))
	}
	if err := n.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close host: %w", err))
	}
	return errors.Join(errs...)
}

// LoadOrCreateIdentity reads a libp2p private key from path, creating an
// Ed25519 key there when the file does not exist
func LoadOrCreateIdentity(path string) (p2pcrypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return p2pcrypto.UnmarshalPrivateKey(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}
