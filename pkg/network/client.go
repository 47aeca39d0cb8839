package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/events"
	"github.com/ZentaChain/zentalk-channels/pkg/metrics"
	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

const roleClient = "client"

var (
	ErrNotReady         = errors.New("connection not ready")
	ErrConnectCancelled = errors.New("connect cancelled")
	ErrDisconnected     = errors.New("disconnected by server")
)

// ClientConfig configures outbound connections
type ClientConfig struct {
	// Algorithm is the symmetric cipher the server must use toward us
	Algorithm string

	// AccessKey is presented when a server demands one
	AccessKey []byte

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     int

	// WriteTimeout bounds each frame write. A peer that stops reading
	// is dropped once it expires.
	WriteTimeout time.Duration

	Logger zerolog.Logger
	Events *events.Bus
}

// DefaultClientConfig returns client defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Algorithm:        crypto.AlgAES,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxFrameSize:     DefaultMaxFrameSize,
		WriteTimeout:     DefaultWriteTimeout,
		Logger:           zerolog.Nop(),
	}
}

// Client opens connections to channel servers
type Client struct {
	cfg    ClientConfig
	log    zerolog.Logger
	events *events.Bus

	mu       sync.Mutex
	servers  map[*RemoteServer]struct{}
	bridging bool
}

// NewClient creates a client. Zero config fields take their defaults.
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.Algorithm == "" {
		cfg.Algorithm = def.Algorithm
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
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

	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		events:  cfg.Events,
		servers: make(map[*RemoteServer]struct{}),
	}
}

// Events returns the bus client events are emitted on
func (c *Client) Events() *events.Bus {
	return c.events
}

// SupportsBridging reports the bridging flag chosen by pre-connect handlers.
// Bridging itself is not implemented.
func (c *Client) SupportsBridging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridging
}

// Connect dials addr over TCP and starts the handshake. It returns once
// the connection is open; use WaitReady to wait for the handshake.
func (c *Client) Connect(ctx context.Context, addr string) (*RemoteServer, error) {
	opts := &ConnectOptions{}
	if c.events.Emit(&PreConnect{Addr: addr, Options: opts}) {
		return nil, ErrConnectCancelled
	}
	c.mu.Lock()
	c.bridging = opts.Bridge
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return c.ConnectConn(conn, addr)
}

// ConnectConn runs the client protocol over an established stream
func (c *Client) ConnectConn(rwc io.ReadWriteCloser, addr string) (*RemoteServer, error) {
	conn := NewConn(rwc, addr, c.cfg.MaxFrameSize)
	conn.SetWriteTimeout(c.cfg.WriteTimeout)

	sess, err := session.New(conn, session.WithAlgorithm(c.cfg.Algorithm))
	if err != nil {
		rwc.Close()
		return nil, err
	}

	rs := &RemoteServer{
		client:    c,
		conn:      conn,
		sess:      sess,
		hs:        &session.ClientHandshake{Session: sess, AccessKey: c.cfg.AccessKey},
		log:       c.log.With().Str("server", addr).Logger(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		available: make(map[string]string),
		joinable:  make(map[string]string),
		joined:    make(map[string]*VirtualChannel),
		waiters:   make(map[string][]chan struct{}),
	}

	if err := rs.hs.Start(); err != nil {
		rwc.Close()
		return nil, err
	}

	c.mu.Lock()
	c.servers[rs] = struct{}{}
	c.mu.Unlock()

	rs.timer = timeoutHandshake(sess, c.cfg.HandshakeTimeout, func() {
		metrics.RecordHandshake(roleClient, metrics.ResultTimeout)
		rs.setErr(session.ErrHandshakeTimeout)
	})

	go rs.readLoop()
	return rs, nil
}

// Servers returns the open connections
func (c *Client) Servers() []*RemoteServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*RemoteServer, 0, len(c.servers))
	for rs := range c.servers {
		out = append(out, rs)
	}
	return out
}

// Close closes every open connection
func (c *Client) Close() error {
	var errs []error
	for _, rs := range c.Servers() {
		if err := rs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) forget(rs *RemoteServer) {
	c.mu.Lock()
	delete(c.servers, rs)
	c.mu.Unlock()
}
