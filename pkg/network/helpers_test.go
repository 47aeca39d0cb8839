package network

import (
	"context"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

const testTimeout = 5 * time.Second

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func serverKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, err := crypto.GenerateRSAKeyPair(0)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	if cfg.Key == nil {
		cfg.Key = serverKey(t)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func newClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	c := NewClient(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

// connect dials srv and waits for the handshake
func connect(t *testing.T, c *Client, srv *Server) *RemoteServer {
	t.Helper()
	ctx := testContext(t)
	rs, err := c.Connect(ctx, srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, rs.WaitReady(ctx))
	return rs
}

func appMessage(t *testing.T, id int64, text string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewBuilder().WriteUTF(text).Build(id)
	require.NoError(t, err)
	return msg
}

func waitConnected(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(srv.Clients()) == n }, testTimeout, 10*time.Millisecond)
}
