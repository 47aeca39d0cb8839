// Package config loads channeld and channelctl settings from TOML files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/logging"
)

var ErrInvalidConfig = errors.New("invalid config")

// ChannelSpec is a channel created at startup
type ChannelSpec struct {
	Name    string
	Publish bool
}

// P2P configures the optional libp2p transport
type P2P struct {
	Enabled        bool
	ListenAddrs    []string
	BootstrapPeers []string
	IdentityFile   string
	Rendezvous     string
}

// Retry bounds client reconnection
type Retry struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

// Server is the channeld configuration
type Server struct {
	Listen           string
	AccessKey        string
	KeyFile          string
	Algorithm        string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameSize     int
	ChannelDB        string
	AdminListen      string
	AdminToken       string
	Channels         []ChannelSpec
	P2P              P2P
	Log              logging.Options
}

// Client is the channelctl configuration
type Client struct {
	Server           string
	AccessKey        string
	Algorithm        string
	HandshakeTimeout time.Duration
	Retry            Retry
	P2P              P2P
	Log              logging.Options
}

// DefaultServer returns server defaults
func DefaultServer() Server {
	return Server{
		Listen:           "0.0.0.0:4653",
		KeyFile:          "channeld.pem",
		Algorithm:        crypto.AlgAES,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxFrameSize:     8 << 20,
		Log:              logging.Options{Level: "info", Format: logging.FormatConsole},
	}
}

// DefaultClient returns client defaults
func DefaultClient() Client {
	return Client{
		Server:           "127.0.0.1:4653",
		Algorithm:        crypto.AlgAES,
		HandshakeTimeout: 10 * time.Second,
		Retry: Retry{
			Attempts: 5,
			Min:      500 * time.Millisecond,
			Max:      30 * time.Second,
		},
		Log: logging.Options{Level: "info", Format: logging.FormatConsole},
	}
}

type logFile struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	NoColor bool   `toml:"no_color"`
}

type p2pFile struct {
	Enabled      bool     `toml:"enabled"`
	Listen       []string `toml:"listen"`
	Bootstrap    []string `toml:"bootstrap"`
	IdentityFile string   `toml:"identity_file"`
	Rendezvous   string   `toml:"rendezvous"`
}

type serverFile struct {
	Listen           string `toml:"listen"`
	AccessKey        string `toml:"access_key"`
	KeyFile          string `toml:"key_file"`
	Algorithm        string `toml:"algorithm"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	MaxFrameSize     int    `toml:"max_frame_size"`
	ChannelDB        string `toml:"channel_db"`
	Admin            struct {
		Listen string `toml:"listen"`
		Token  string `toml:"token"`
	} `toml:"admin"`
	Channels []struct {
		Name    string `toml:"name"`
		Publish bool   `toml:"publish"`
	} `toml:"channels"`
	P2P p2pFile `toml:"p2p"`
	Log logFile `toml:"log"`
}

type clientFile struct {
	Server           string `toml:"server"`
	AccessKey        string `toml:"access_key"`
	Algorithm        string `toml:"algorithm"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	Retry            struct {
		Attempts int    `toml:"attempts"`
		Min      string `toml:"min"`
		Max      string `toml:"max"`
	} `toml:"retry"`
	P2P p2pFile `toml:"p2p"`
	Log logFile `toml:"log"`
}

// LoadServer reads path over DefaultServer. An empty path yields defaults.
// Logging environment overrides win over the file.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path == "" {
		cfg.Log = logging.FromEnv(cfg.Log)
		return cfg, cfg.Validate()
	}

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("access_key") {
		cfg.AccessKey = raw.AccessKey
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("algorithm") {
		cfg.Algorithm = strings.TrimSpace(raw.Algorithm)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return Server{}, err
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parseDuration("write_timeout", raw.WriteTimeout)
		if err != nil {
			return Server{}, err
		}
		cfg.WriteTimeout = d
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("channel_db") {
		cfg.ChannelDB = strings.TrimSpace(raw.ChannelDB)
	}
	if meta.IsDefined("admin", "listen") {
		cfg.AdminListen = strings.TrimSpace(raw.Admin.Listen)
	}
	if meta.IsDefined("admin", "token") {
		cfg.AdminToken = raw.Admin.Token
	}
	for _, ch := range raw.Channels {
		cfg.Channels = append(cfg.Channels, ChannelSpec{Name: strings.TrimSpace(ch.Name), Publish: ch.Publish})
	}
	cfg.P2P = applyP2P(cfg.P2P, meta, raw.P2P)
	cfg.Log = logging.FromEnv(applyLog(cfg.Log, meta, raw.Log))

	return cfg, cfg.Validate()
}

// LoadClient reads path over DefaultClient. An empty path yields defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if path == "" {
		cfg.Log = logging.FromEnv(cfg.Log)
		return cfg, cfg.Validate()
	}

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("access_key") {
		cfg.AccessKey = raw.AccessKey
	}
	if meta.IsDefined("algorithm") {
		cfg.Algorithm = strings.TrimSpace(raw.Algorithm)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return Client{}, err
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("retry", "attempts") {
		cfg.Retry.Attempts = raw.Retry.Attempts
	}
	if meta.IsDefined("retry", "min") {
		d, err := parseDuration("retry.min", raw.Retry.Min)
		if err != nil {
			return Client{}, err
		}
		cfg.Retry.Min = d
	}
	if meta.IsDefined("retry", "max") {
		d, err := parseDuration("retry.max", raw.Retry.Max)
		if err != nil {
			return Client{}, err
		}
		cfg.Retry.Max = d
	}
	cfg.P2P = applyP2P(cfg.P2P, meta, raw.P2P)
	cfg.Log = logging.FromEnv(applyLog(cfg.Log, meta, raw.Log))

	return cfg, cfg.Validate()
}

func applyP2P(p P2P, meta toml.MetaData, raw p2pFile) P2P {
	if meta.IsDefined("p2p", "enabled") {
		p.Enabled = raw.Enabled
	}
	if meta.IsDefined("p2p", "listen") {
		p.ListenAddrs = normalize(raw.Listen)
	}
	if meta.IsDefined("p2p", "bootstrap") {
		p.BootstrapPeers = normalize(raw.Bootstrap)
	}
	if meta.IsDefined("p2p", "identity_file") {
		p.IdentityFile = strings.TrimSpace(raw.IdentityFile)
	}
	if meta.IsDefined("p2p", "rendezvous") {
		p.Rendezvous = strings.TrimSpace(raw.Rendezvous)
	}
	return p
}

func applyLog(o logging.Options, meta toml.MetaData, raw logFile) logging.Options {
	if meta.IsDefined("log", "level") {
		o.Level = strings.TrimSpace(raw.Level)
	}
	if meta.IsDefined("log", "format") {
		o.Format = strings.TrimSpace(raw.Format)
	}
	if meta.IsDefined("log", "no_color") {
		o.NoColor = raw.NoColor
	}
	return o
}

// Validate checks the server settings
func (c Server) Validate() error {
	if _, err := ResolveListen(c.Listen); err != nil {
		return err
	}
	if _, err := crypto.Lookup(c.Algorithm); err != nil {
		return fmt.Errorf("%w: algorithm: %v", ErrInvalidConfig, err)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake_timeout must be positive", ErrInvalidConfig)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("%w: max_frame_size must be positive", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("%w: channel without name", ErrInvalidConfig)
		}
		key := strings.ToLower(ch.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate channel %q", ErrInvalidConfig, ch.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Validate checks the client settings
func (c Client) Validate() error {
	if c.Server == "" && !c.P2P.Enabled {
		return fmt.Errorf("%w: server is required", ErrInvalidConfig)
	}
	if _, err := crypto.Lookup(c.Algorithm); err != nil {
		return fmt.Errorf("%w: algorithm: %v", ErrInvalidConfig, err)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake_timeout must be positive", ErrInvalidConfig)
	}
	if c.Retry.Min > c.Retry.Max {
		return fmt.Errorf("%w: retry.min exceeds retry.max", ErrInvalidConfig)
	}
	return nil
}

// ResolveListen accepts host:port or a TCP multiaddr such as
// /ip4/0.0.0.0/tcp/4653 and returns the host:port form
func ResolveListen(listen string) (string, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return "", fmt.Errorf("%w: listen is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(listen, "/") {
		return listen, nil
	}

	ma, err := multiaddr.NewMultiaddr(listen)
	if err != nil {
		return "", fmt.Errorf("%w: listen: %v", ErrInvalidConfig, err)
	}
	addr, err := manet.ToNetAddr(ma)
	if err != nil {
		return "", fmt.Errorf("%w: listen: %v", ErrInvalidConfig, err)
	}
	if addr.Network() != "tcp" {
		return "", fmt.Errorf("%w: listen must be tcp, got %s", ErrInvalidConfig, addr.Network())
	}
	return addr.String(), nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
