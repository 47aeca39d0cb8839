package network

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/events"
	"github.com/ZentaChain/zentalk-channels/pkg/metrics"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

// DefaultHandshakeTimeout bounds the time from accept or dial to READY
const DefaultHandshakeTimeout = 10 * time.Second

var (
	ErrServerClosed      = errors.New("server closed")
	ErrChannelExists     = errors.New("channel already exists")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrInvalidChannel    = errors.New("invalid channel name")
	ErrClientNotFound    = errors.New("client not found")
	ErrBroadcastCanceled = errors.New("broadcast cancelled")
)

// ChannelStore persists the channel registry across restarts
type ChannelStore interface {
	SaveChannel(name string, published bool) error
	DeleteChannel(name string) error
	ListChannels() (map[string]bool, error)
}

// ServerConfig configures a channel server
type ServerConfig struct {
	// Addr is the TCP listen address used by Start
	Addr string

	// Key is the RSA key offered to clients. Generated when nil.
	Key *rsa.PrivateKey

	// Algorithm is the symmetric cipher clients must use toward the server
	Algorithm string

	// AccessKey gates the handshake when non-empty
	AccessKey []byte

	HandshakeTimeout time.Duration
	MaxFrameSize     int

	// WriteTimeout bounds each frame write. A peer that stops reading
	// is dropped once it expires.
	WriteTimeout time.Duration

	Logger zerolog.Logger
	Events *events.Bus
}

// DefaultServerConfig returns defaults for every field but Key
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":4653",
		Algorithm:        crypto.AlgAES,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxFrameSize:     DefaultMaxFrameSize,
		WriteTimeout:     DefaultWriteTimeout,
		Logger:           zerolog.Nop(),
	}
}

// Server accepts client connections, runs the server half of the
// handshake and multiplexes named channels between connected clients.
//
// Every connection is served by its own goroutine which reads frames in
// order and runs handlers inline. A slow event handler therefore delays
// only the connection that triggered it.
type Server struct {
	cfg    ServerConfig
	hs     *session.ServerHandshake
	log    zerolog.Logger
	events *events.Bus

	listener net.Listener
	store    ChannelStore

	mu       sync.RWMutex
	pending  map[uuid.UUID]*RemoteClient
	clients  map[uuid.UUID]*RemoteClient
	channels map[string]*Channel
	closed   bool

	wg        sync.WaitGroup
	startTime time.Time
}

// ServerStats is a point-in-time view of the server
type ServerStats struct {
	Uptime          time.Duration `json:"uptime"`
	PendingClients  int           `json:"pending_clients"`
	ConnectedClient int           `json:"connected_clients"`
	Channels        int           `json:"channels"`
	AccessKey       bool          `json:"access_key"`
	KeyFingerprint  string        `json:"key_fingerprint"`
}

// NewServer creates a server. It does not listen until Start or Serve.
func NewServer(cfg ServerConfig) (*Server, error) {
	def := DefaultServerConfig()
	if cfg.Algorithm == "" {
		cfg.Algorithm = def.Algorithm
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Events == nil {
		cfg.Events = events.New()
	}

	if cfg.Key == nil {
		key, err := crypto.GenerateRSAKeyPair(0)
		if err != nil {
			return nil, err
		}
		cfg.Key = key
	}

	hs, err := session.NewServerHandshake(cfg.Key, cfg.Algorithm, cfg.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare handshake: %w", err)
	}

	return &Server{
		cfg:       cfg,
		hs:        hs,
		log:       cfg.Logger,
		events:    cfg.Events,
		pending:   make(map[uuid.UUID]*RemoteClient),
		clients:   make(map[uuid.UUID]*RemoteClient),
		channels:  make(map[string]*Channel),
		startTime: time.Now(),
	}, nil
}

// Events returns the bus server events are emitted on
func (s *Server) Events() *events.Bus {
	return s.events
}

// AttachChannelStore restores persisted channels and records later changes
func (s *Server) AttachChannelStore(store ChannelStore) error {
	saved, err := store.ListChannels()
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}

	s.mu.Lock()
	s.store = store
	for name, published := range saved {
		key := channelKey(name)
		if _, ok := s.channels[key]; ok {
			continue
		}
		ch := newChannel(s, name)
		ch.published = published
		s.channels[key] = ch
	}
	count := len(s.channels)
	s.mu.Unlock()

	metrics.SetChannels(count)
	s.log.Info().Int("channels", len(saved)).Msg("channel registry restored")
	return nil
}

// Start listens on cfg.Addr and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info().
		Str("addr", listener.Addr().String()).
		Str("key", s.hs.PublicKeyFingerprint()).
		Bool("access_key", s.hs.RequiresAccessKey()).
		Msg("channel server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(listener)
	}()
	return nil
}

// Serve accepts connections on l until it fails or the server stops
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return s.acceptLoop(l)
}

// Addr returns the listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			s.log.Error().Err(err).Msg("accept failed")
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn, conn.RemoteAddr().String())
		}()
	}
}

// Stop closes the listener, disconnects every client and waits for
// connection goroutines to finish
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	all := make([]*RemoteClient, 0, len(s.pending)+len(s.clients))
	for _, rc := range s.pending {
		all = append(all, rc)
	}
	for _, rc := range s.clients {
		all = append(all, rc)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, rc := range all {
		_ = rc.Disconnect("server shutting down")
	}

	s.wg.Wait()
	s.log.Info().Msg("channel server stopped")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// channelKey folds a name to its registry identity
func channelKey(name string) string {
	return strings.ToLower(name)
}

// CreateChannel registers a new channel. Names are unique ignoring case.
func (s *Server) CreateChannel(name string) (*Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidChannel
	}

	s.mu.Lock()
	key := channelKey(name)
	if _, exists := s.channels[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	ch := newChannel(s, name)
	s.channels[key] = ch
	count := len(s.channels)
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.SaveChannel(name, false); err != nil {
			s.log.Warn().Err(err).Str("channel", name).Msg("failed to persist channel")
		}
	}

	metrics.SetChannels(count)
	s.log.Info().Str("channel", name).Msg("channel created")
	return ch, nil
}

// Channel looks up a channel by name, ignoring case
func (s *Server) Channel(name string) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channelKey(name)]
}

// Channels returns every channel sorted by name
func (s *Server) Channels() []*Channel {
	s.mu.RLock()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return channelKey(out[i].name) < channelKey(out[j].name)
	})
	return out
}

// CloseChannel removes a channel, drops its members and announces
// CHANNEL_CLOSE to every connected client
func (s *Server) CloseChannel(name string) error {
	s.mu.Lock()
	key := channelKey(name)
	ch, ok := s.channels[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	delete(s.channels, key)
	count := len(s.channels)
	store := s.store
	s.mu.Unlock()

	ch.clear()

	notice, err := protocol.NewBuilder().WriteUTF(ch.name).BuildOp(protocol.OpChannelClose)
	if err != nil {
		return err
	}
	for _, rc := range s.Clients() {
		if err := rc.push(notice); err != nil {
			rc.log.Debug().Err(err).Msg("failed to announce channel close")
		}
	}

	if store != nil {
		if err := store.DeleteChannel(ch.name); err != nil {
			s.log.Warn().Err(err).Str("channel", ch.name).Msg("failed to delete persisted channel")
		}
	}

	metrics.SetChannels(count)
	s.log.Info().Str("channel", ch.name).Msg("channel closed")
	return nil
}

// Clients returns connected clients, oldest first
func (s *Server) Clients() []*RemoteClient {
	s.mu.RLock()
	out := make([]*RemoteClient, 0, len(s.clients))
	for _, rc := range s.clients {
		out = append(out, rc)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Client returns a connected client by connection identity
func (s *Server) Client(id string) *RemoteClient {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[uid]
}

// IsConnected reports whether rc completed the handshake and is registered
func (s *Server) IsConnected(rc *RemoteClient) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[rc.id]
	return ok
}

// Broadcast writes msg to every connected client unless a broadcast
// handler cancels it
func (s *Server) Broadcast(msg *protocol.Message) error {
	if s.events.Emit(&Broadcast{Message: msg}) {
		return ErrBroadcastCanceled
	}

	var failed int
	for _, rc := range s.Clients() {
		if err := rc.push(msg); err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.log.Debug().Int("failed", failed).Msg("broadcast partially delivered")
	}
	return nil
}

// Stats returns current server statistics
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServerStats{
		Uptime:          time.Since(s.startTime),
		PendingClients:  len(s.pending),
		ConnectedClient: len(s.clients),
		Channels:        len(s.channels),
		AccessKey:       s.hs.RequiresAccessKey(),
		KeyFingerprint:  s.hs.PublicKeyFingerprint(),
	}
}

// ServeConn runs the server protocol over one stream and returns when it
// closes. Any reliable ordered stream works, such as a TCP connection or
// a libp2p stream.
func (s *Server) ServeConn(rwc io.ReadWriteCloser, remote string) {
	if s.isClosed() {
		rwc.Close()
		return
	}

	conn := NewConn(rwc, remote, s.cfg.MaxFrameSize)
	conn.SetWriteTimeout(s.cfg.WriteTimeout)
	rc, err := s.newRemoteClient(conn)
	if err != nil {
		s.log.Error().Err(err).Str("remote", remote).Msg("failed to create session")
		rwc.Close()
		return
	}
	rc.serve()
}

func (s *Server) channelStore() ChannelStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}
