package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, DefaultServer().Listen, cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Empty(t, cfg.AccessKey)
}

func TestLoadServer(t *testing.T) {
	path := writeFile(t, `
listen = "/ip4/127.0.0.1/tcp/7000"
access_key = "secret"
key_file = "server.pem"
algorithm = "chacha20"
handshake_timeout = "3s"
write_timeout = "2s"
channel_db = "channels.db"

[admin]
listen = "127.0.0.1:8080"

[[channels]]
name = "lobby"
publish = true

[[channels]]
name = " news "

[p2p]
enabled = true
listen = ["/ip4/0.0.0.0/tcp/4001", " "]
rendezvous = "test-net"

[log]
level = "debug"
format = "json"
`)

	cfg, err := LoadServer(path)
	require.NoError(t, err)

	assert.Equal(t, "/ip4/127.0.0.1/tcp/7000", cfg.Listen)
	assert.Equal(t, "secret", cfg.AccessKey)
	assert.Equal(t, "server.pem", cfg.KeyFile)
	assert.Equal(t, "chacha20", cfg.Algorithm)
	assert.Equal(t, 3*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 8<<20, cfg.MaxFrameSize)
	assert.Equal(t, "channels.db", cfg.ChannelDB)
	assert.Equal(t, "127.0.0.1:8080", cfg.AdminListen)
	assert.Equal(t, []ChannelSpec{{Name: "lobby", Publish: true}, {Name: "news"}}, cfg.Channels)
	assert.True(t, cfg.P2P.Enabled)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, cfg.P2P.ListenAddrs)
	assert.Equal(t, "test-net", cfg.P2P.Rendezvous)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadServerRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", `handshake_timeout = "soon"`},
		{"zero timeout", `handshake_timeout = "0s"`},
		{"zero write timeout", `write_timeout = "0s"`},
		{"unknown algorithm", `algorithm = "ROT13"`},
		{"udp multiaddr", `listen = "/ip4/127.0.0.1/udp/7000"`},
		{"duplicate channel", "[[channels]]\nname = \"a\"\n[[channels]]\nname = \"A\""},
		{"unnamed channel", "[[channels]]\npublish = true"},
		{"not toml", `listen = `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServer(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadClient(t *testing.T) {
	path := writeFile(t, `
server = "10.0.0.1:4653"
access_key = "K"

[retry]
attempts = 2
min = "100ms"
max = "1s"
`)

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4653", cfg.Server)
	assert.Equal(t, "K", cfg.AccessKey)
	assert.Equal(t, "AES", cfg.Algorithm)
	assert.Equal(t, Retry{Attempts: 2, Min: 100 * time.Millisecond, Max: time.Second}, cfg.Retry)
}

func TestLoadClientRetryOrder(t *testing.T) {
	_, err := LoadClient(writeFile(t, "[retry]\nmin = \"2s\"\nmax = \"1s\""))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLogEnvironmentWins(t *testing.T) {
	t.Setenv("ZENTALK_LOG_LEVEL", "warn")

	cfg, err := LoadClient(writeFile(t, "[log]\nlevel = \"debug\""))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestResolveListen(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0.0.0.0:4653", want: "0.0.0.0:4653"},
		{in: "/ip4/127.0.0.1/tcp/7000", want: "127.0.0.1:7000"},
		{in: "/ip6/::1/tcp/7000", want: "[::1]:7000"},
		{in: "", wantErr: true},
		{in: "/not/a/multiaddr", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ResolveListen(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
