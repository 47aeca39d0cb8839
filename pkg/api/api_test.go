package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-channels/pkg/events"
	"github.com/ZentaChain/zentalk-channels/pkg/network"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *network.Server) {
	t.Helper()
	ncfg := network.DefaultServerConfig()
	ncfg.Addr = "127.0.0.1:0"
	ncfg.Logger = zerolog.Nop()
	srv, err := network.NewServer(ncfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	api := NewServer(srv, cfg, zerolog.Nop())
	t.Cleanup(func() { api.Stop() })
	return api, srv
}

func do(t *testing.T, s *Server, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func connectClient(t *testing.T, srv *network.Server) *network.RemoteServer {
	t.Helper()
	cfg := network.DefaultClientConfig()
	cfg.Logger = zerolog.Nop()
	c := network.NewClient(cfg)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := c.Connect(ctx, srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, rs.WaitReady(ctx))
	require.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, 5*time.Second, 10*time.Millisecond)
	return rs
}

func TestHealth(t *testing.T) {
	api, _ := newTestServer(t, DefaultConfig())

	w := do(t, api, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestChannelLifecycle(t *testing.T) {
	api, srv := newTestServer(t, DefaultConfig())

	t.Run("Create", func(t *testing.T) {
		w := do(t, api, "POST", "/api/v1/channels", CreateChannelRequest{Name: "lobby", Publish: true})
		assert.Equal(t, http.StatusCreated, w.Code)
		require.NotNil(t, srv.Channel("LOBBY"))
		assert.True(t, srv.Channel("lobby").IsPublished())
	})

	t.Run("Conflict", func(t *testing.T) {
		w := do(t, api, "POST", "/api/v1/channels", CreateChannelRequest{Name: "Lobby"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Invalid", func(t *testing.T) {
		w := do(t, api, "POST", "/api/v1/channels", CreateChannelRequest{Name: "   "})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("List", func(t *testing.T) {
		w := do(t, api, "GET", "/api/v1/channels", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Success bool          `json:"success"`
			Data    []ChannelInfo `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "lobby", resp.Data[0].Name)
		assert.True(t, resp.Data[0].Published)
	})

	t.Run("Get", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, api, "GET", "/api/v1/channels/lobby", nil).Code)
		assert.Equal(t, http.StatusNotFound, do(t, api, "GET", "/api/v1/channels/missing", nil).Code)
	})

	t.Run("Close", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, api, "DELETE", "/api/v1/channels/lobby", nil).Code)
		assert.Nil(t, srv.Channel("lobby"))
		assert.Equal(t, http.StatusNotFound, do(t, api, "DELETE", "/api/v1/channels/lobby", nil).Code)
	})
}

func TestPublishExistingChannel(t *testing.T) {
	api, srv := newTestServer(t, DefaultConfig())
	_, err := srv.CreateChannel("news")
	require.NoError(t, err)

	w := do(t, api, "POST", "/api/v1/channels/news/publish", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, srv.Channel("news").IsPublished())

	assert.Equal(t, http.StatusNotFound, do(t, api, "POST", "/api/v1/channels/other/publish", nil).Code)
}

func TestClientsAndDisconnect(t *testing.T) {
	api, srv := newTestServer(t, DefaultConfig())
	rs := connectClient(t, srv)

	w := do(t, api, "GET", "/api/v1/clients", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []ClientInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, rs.ID(), resp.Data[0].PeerID)

	assert.Equal(t, http.StatusNotFound, do(t, api, "DELETE", "/api/v1/clients/not-a-uuid", nil).Code)

	w = do(t, api, "DELETE", "/api/v1/clients/"+resp.Data[0].ID+"?reason=maintenance", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case <-rs.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.ErrorIs(t, rs.Err(), network.ErrDisconnected)
	assert.Contains(t, rs.Err().Error(), "maintenance")
}

func TestChannelMessage(t *testing.T) {
	api, srv := newTestServer(t, DefaultConfig())
	_, err := srv.CreateChannel("lobby")
	require.NoError(t, err)

	w := do(t, api, "POST", "/api/v1/channels/lobby/messages", MessageRequest{ID: 1000, Text: "hello"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, api, "POST", "/api/v1/channels/lobby/messages", MessageRequest{ID: 5, Text: "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, api, "POST", "/api/v1/channels/missing/messages", MessageRequest{ID: 1000})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBroadcast(t *testing.T) {
	api, srv := newTestServer(t, DefaultConfig())

	w := do(t, api, "POST", "/api/v1/broadcast", MessageRequest{ID: 1001, Text: "notice"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	events.On(srv.Events(), func(e *network.Broadcast) { e.SetCancelled(true) })
	w = do(t, api, "POST", "/api/v1/broadcast", MessageRequest{ID: 1001, Text: "notice"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStats(t *testing.T) {
	api, srv := newTestServer(t, DefaultConfig())
	_, err := srv.CreateChannel("a")
	require.NoError(t, err)

	w := do(t, api, "GET", "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Channels)
	assert.False(t, stats.AccessKey)
	assert.NotEmpty(t, stats.KeyFingerprint)
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := newTestServer(t, DefaultConfig())
	w := do(t, api, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuthToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "s3cret"
	api, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, do(t, api, "GET", "/api/v1/stats", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, api, "GET", "/api/v1/stats", nil, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, api, "GET", "/api/v1/stats", nil, "X-API-Key", "s3cret").Code)

	// health stays open
	assert.Equal(t, http.StatusOK, do(t, api, "GET", "/health", nil).Code)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 2
	api, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, do(t, api, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, api, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, api, "GET", "/health", nil).Code)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)
	defer rl.Close()

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("1.2.3.4"))
}
