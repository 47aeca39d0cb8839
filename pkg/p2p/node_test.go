package p2p

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-channels/pkg/events"
	"github.com/ZentaChain/zentalk-channels/pkg/network"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(context.Background(), Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNodeAddrs(t *testing.T) {
	n := newTestNode(t)

	assert.NotEmpty(t, n.ID().String())
	addrs := n.AddrStrings()
	require.NotEmpty(t, addrs)
	assert.Contains(t, addrs[0], "/p2p/"+n.ID().String())
}

func TestChannelsOverStream(t *testing.T) {
	serverNode := newTestNode(t)
	clientNode := newTestNode(t)

	srv, err := network.NewServer(network.ServerConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	_, err = srv.CreateChannel("lobby")
	require.NoError(t, err)
	serverNode.Serve(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, clientNode.Host().Connect(ctx, serverNode.AddrInfo()))

	client := network.NewClient(network.ClientConfig{})
	t.Cleanup(func() { client.Close() })

	received := make(chan *protocol.Message, 1)
	events.On(client.Events(), func(e *network.ChannelReceive) {
		received <- e.Message
	})

	rs, err := clientNode.Dial(ctx, client, serverNode.ID())
	require.NoError(t, err)
	require.NoError(t, rs.WaitReady(ctx))

	vc, err := rs.JoinChannel(ctx, "lobby")
	require.NoError(t, err)

	msg, err := protocol.NewBuilder().WriteUTF("over libp2p").Build(1000)
	require.NoError(t, err)
	require.NoError(t, vc.Write(msg))

	select {
	case got := <-received:
		text, ok := got.Reader().ReadUTF()
		assert.True(t, ok)
		assert.Equal(t, "over libp2p", text)
	case <-ctx.Done():
		t.Fatal("channel message was not echoed")
	}
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	assert.True(t, first.Equals(second))
}
