package session

import (
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func serverKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = crypto.GenerateRSAKeyPair(0)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

type handshakePair struct {
	server   *ServerHandshake
	ss       *Session
	toClient *recorder
	client   *ClientHandshake
	cs       *Session
	toServer *recorder
}

func newPair(t *testing.T, serverAccess, clientAccess []byte, clientAlg string) *handshakePair {
	t.Helper()
	server, err := NewServerHandshake(serverKey(t), crypto.AlgAES, serverAccess)
	require.NoError(t, err)

	p := &handshakePair{server: server, toClient: &recorder{}, toServer: &recorder{}}
	p.ss, err = server.NewSession(p.toClient)
	require.NoError(t, err)
	p.cs, err = New(p.toServer, WithAlgorithm(clientAlg))
	require.NoError(t, err)
	p.client = &ClientHandshake{Session: p.cs, AccessKey: clientAccess}

	require.NoError(t, p.client.Start())
	require.NoError(t, server.Greet(p.ss))
	return p
}

// openReply decrypts the last server frame on the client
func (p *handshakePair) openReply(t *testing.T) *protocol.Message {
	t.Helper()
	wrapper := p.toClient.last()
	require.True(t, wrapper.Is(protocol.OpEncoded), "server reply must be encoded")
	inner, err := p.cs.Open(wrapper)
	require.NoError(t, err)
	return inner
}

func TestHandshakeWithoutAccessKey(t *testing.T) {
	p := newPair(t, nil, nil, crypto.AlgChaCha20)

	greeting := p.toClient.last()
	assert.True(t, greeting.Is(protocol.OpKeyExchange))
	require.NoError(t, p.client.HandleKeyExchange(greeting))
	assert.Equal(t, StateKeySent, p.cs.State())

	require.NoError(t, p.cs.Push(appMessage(t, 1000)))

	needsKey, err := p.server.HandleKeyExchange(p.ss, p.toServer.last())
	require.NoError(t, err)
	assert.False(t, needsKey)
	assert.True(t, p.ss.IsReady())
	assert.Equal(t, p.cs.ID(), p.ss.PeerID())
	assert.Equal(t, p.cs.LocalSecret(), p.ss.RemoteSecret())
	assert.Equal(t, crypto.AlgChaCha20, p.ss.RemoteAlgorithm())

	ready, err := p.client.HandleReply(p.openReply(t))
	require.NoError(t, err)
	assert.True(t, ready)
	assert.True(t, p.cs.IsReady())
	assert.Equal(t, p.ss.LocalSecret(), p.cs.RemoteSecret())

	queued := p.toServer.last()
	inner, err := p.ss.Open(queued)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), inner.TypeID(), "queued message flushed under the server secret")
}

func TestHandshakeWithAccessKey(t *testing.T) {
	p := newPair(t, []byte("K"), []byte("K"), crypto.AlgAES)

	require.NoError(t, p.client.HandleKeyExchange(p.toClient.last()))

	needsKey, err := p.server.HandleKeyExchange(p.ss, p.toServer.last())
	require.NoError(t, err)
	assert.True(t, needsKey)
	assert.False(t, p.ss.IsReady())
	assert.Equal(t, StateAwaitingAccessChallenge, p.ss.State())

	challenge := p.openReply(t)
	assert.Equal(t, 1, challenge.Count(protocol.TypeBool))
	assert.Zero(t, challenge.Count(protocol.TypeBytes), "server secret withheld until the key is proven")

	ready, err := p.client.HandleReply(challenge)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, StateAwaitingAccessChallenge, p.cs.State())

	proof := p.toServer.last()
	assert.True(t, proof.Is(protocol.OpAccessKey), "access key travels outside an encoded envelope")

	require.NoError(t, p.server.HandleAccessKey(p.ss, proof))
	assert.True(t, p.ss.IsReady())

	ready, err = p.client.HandleReply(p.openReply(t))
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestHandshakeWrongAccessKey(t *testing.T) {
	p := newPair(t, []byte("K"), []byte("wrong"), crypto.AlgAES)

	require.NoError(t, p.client.HandleKeyExchange(p.toClient.last()))
	_, err := p.server.HandleKeyExchange(p.ss, p.toServer.last())
	require.NoError(t, err)

	_, err = p.client.HandleReply(p.openReply(t))
	require.NoError(t, err)

	err = p.server.HandleAccessKey(p.ss, p.toServer.last())
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, err, ErrSecurity)
	assert.False(t, p.ss.IsReady())
}

func TestHandshakeAccessKeyMissing(t *testing.T) {
	p := newPair(t, []byte("K"), nil, crypto.AlgAES)

	require.NoError(t, p.client.HandleKeyExchange(p.toClient.last()))
	_, err := p.server.HandleKeyExchange(p.ss, p.toServer.last())
	require.NoError(t, err)

	_, err = p.client.HandleReply(p.openReply(t))
	assert.ErrorIs(t, err, ErrAccessKeyRequired)
	assert.False(t, p.cs.IsReady())
}

func TestDuplicateGreetingIgnored(t *testing.T) {
	p := newPair(t, nil, nil, crypto.AlgAES)
	greeting := p.toClient.last()

	require.NoError(t, p.client.HandleKeyExchange(greeting))
	sent := len(p.toServer.messages())

	require.NoError(t, p.client.HandleKeyExchange(greeting))
	assert.Len(t, p.toServer.messages(), sent)
}

func TestMalformedGreeting(t *testing.T) {
	p := newPair(t, nil, nil, crypto.AlgAES)

	empty, err := protocol.Empty(protocol.OpKeyExchange.ID())
	require.NoError(t, err)
	assert.ErrorIs(t, p.client.HandleKeyExchange(empty), ErrBadHandshake)

	wrongAlg, err := protocol.NewBuilder().WriteBytes([]byte{1}).WriteUTF("DSA").BuildOp(protocol.OpKeyExchange)
	require.NoError(t, err)
	assert.ErrorIs(t, p.client.HandleKeyExchange(wrongAlg), crypto.ErrUnsupportedAlgorithm)
}

func TestServerRejectsSecondKeyExchange(t *testing.T) {
	p := newPair(t, nil, nil, crypto.AlgAES)
	require.NoError(t, p.client.HandleKeyExchange(p.toClient.last()))

	exchange := p.toServer.last()
	_, err := p.server.HandleKeyExchange(p.ss, exchange)
	require.NoError(t, err)

	_, err = p.server.HandleKeyExchange(p.ss, exchange)
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestServerHandshakeAccessKeyNotRetained(t *testing.T) {
	server, err := NewServerHandshake(serverKey(t), "", []byte("secret-key"))
	require.NoError(t, err)

	assert.True(t, server.RequiresAccessKey())
	assert.NotContains(t, string(server.sealedAccessKey), "secret-key")
	assert.Len(t, server.PublicKeyFingerprint(), 16)
}
