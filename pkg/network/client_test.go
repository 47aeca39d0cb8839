package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-channels/pkg/events"
	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

// silentListener accepts connections and never greets
func silentListener(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return l
}

func TestClientHandshakeTimeout(t *testing.T) {
	l := silentListener(t)
	c := newClient(t, ClientConfig{HandshakeTimeout: 200 * time.Millisecond})

	ctx := testContext(t)
	rs, err := c.Connect(ctx, l.Addr().String())
	require.NoError(t, err)

	err = rs.WaitReady(ctx)
	assert.ErrorIs(t, err, session.ErrHandshakeTimeout)
	assert.ErrorIs(t, err, session.ErrSecurity)
}

func TestPreConnect(t *testing.T) {
	srv := startServer(t, ServerConfig{})

	t.Run("bridge flag", func(t *testing.T) {
		c := newClient(t, ClientConfig{})
		events.On(c.Events(), func(e *PreConnect) {
			assert.Equal(t, srv.Addr().String(), e.Addr)
			e.Options.Bridge = true
		})

		connect(t, c, srv)
		assert.True(t, c.SupportsBridging())
	})

	t.Run("cancelled", func(t *testing.T) {
		c := newClient(t, ClientConfig{})
		events.On(c.Events(), func(e *PreConnect) { e.SetCancelled(true) })

		_, err := c.Connect(testContext(t), srv.Addr().String())
		assert.ErrorIs(t, err, ErrConnectCancelled)
		assert.False(t, c.SupportsBridging())
	})
}

func TestPostConnect(t *testing.T) {
	srv := startServer(t, ServerConfig{})
	c := newClient(t, ClientConfig{})

	done := make(chan *RemoteServer, 1)
	events.On(c.Events(), func(e *PostConnect) { done <- e.Server })

	rs := connect(t, c, srv)
	select {
	case got := <-done:
		assert.Same(t, rs, got)
	case <-testContext(t).Done():
		t.Fatal("post-connect not emitted")
	}
}

func TestLeaveBeforeReady(t *testing.T) {
	l := silentListener(t)
	c := newClient(t, ClientConfig{})

	rs, err := c.Connect(testContext(t), l.Addr().String())
	require.NoError(t, err)
	assert.ErrorIs(t, rs.LeaveChannel("c"), ErrNotReady)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(session.ErrAccessDenied))
	assert.True(t, isPermanent(session.ErrAccessKeyRequired))
	assert.True(t, isPermanent(ErrConnectCancelled))
	assert.False(t, isPermanent(session.ErrHandshakeTimeout))
	assert.False(t, isPermanent(fmt.Errorf("dial: %w", session.ErrHandshakeTimeout)))
	assert.False(t, isPermanent(ErrDisconnected))
}

func TestClientAlgorithms(t *testing.T) {
	srv := startServer(t, ServerConfig{Algorithm: "CHACHA20"})
	_, err := srv.CreateChannel("c")
	require.NoError(t, err)

	rs := connect(t, newClient(t, ClientConfig{Algorithm: "AES"}), srv)
	assert.Equal(t, "CHACHA20", rs.sess.RemoteAlgorithm())

	_, err = rs.JoinChannel(testContext(t), "c")
	require.NoError(t, err)
}

func TestDialWithRetry(t *testing.T) {
	retry := RetryConfig{MaxAttempts: 2, MinInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond}

	t.Run("connects", func(t *testing.T) {
		srv := startServer(t, ServerConfig{})
		rs, err := newClient(t, ClientConfig{}).DialWithRetry(testContext(t), srv.Addr().String(), retry)
		require.NoError(t, err)
		assert.True(t, rs.IsReady())
	})

	t.Run("security errors are not retried", func(t *testing.T) {
		srv := startServer(t, ServerConfig{AccessKey: []byte("K")})
		c := newClient(t, ClientConfig{AccessKey: []byte("nope")})

		var attempts int
		events.On(c.Events(), func(*PreConnect) { attempts++ })

		_, err := c.DialWithRetry(testContext(t), srv.Addr().String(), retry)
		assert.ErrorIs(t, err, session.ErrAccessDenied)
		assert.Equal(t, 1, attempts)
	})

	t.Run("handshake timeouts are retried", func(t *testing.T) {
		l := silentListener(t)
		c := newClient(t, ClientConfig{HandshakeTimeout: 100 * time.Millisecond})

		var attempts int
		events.On(c.Events(), func(*PreConnect) { attempts++ })

		_, err := c.DialWithRetry(testContext(t), l.Addr().String(), retry)
		assert.ErrorIs(t, err, session.ErrHandshakeTimeout)
		assert.Equal(t, 2, attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		l.Close()

		c := newClient(t, ClientConfig{})
		var attempts int
		events.On(c.Events(), func(*PreConnect) { attempts++ })

		_, err = c.DialWithRetry(context.Background(), addr, retry)
		assert.Error(t, err)
		assert.Equal(t, 2, attempts)
	})
}
