package network

import (
	"github.com/ZentaChain/zentalk-channels/pkg/events"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

// Event kinds emitted by clients and servers
const (
	KindPreConnect         events.Kind = "pre-connect"
	KindPostConnect        events.Kind = "post-connect"
	KindMessageReceive     events.Kind = "message-receive"
	KindMessageEmit        events.Kind = "message-emit"
	KindChannelReceive     events.Kind = "channel-receive"
	KindChannelDiscover    events.Kind = "channel-discover"
	KindChannelJoin        events.Kind = "channel-join"
	KindChannelLeave       events.Kind = "channel-leave"
	KindClientPreConnect   events.Kind = "client-pre-connect"
	KindClientConnected    events.Kind = "client-connected"
	KindClientDisconnected events.Kind = "client-disconnected"
	KindBroadcast          events.Kind = "broadcast"
)

// Peer is the far end of a connection, seen from either side
type Peer interface {
	ID() string
	RemoteAddr() string
	Write(msg *protocol.Message) error
}

// ConnectOptions is handed to pre-connect handlers, which may change it
// before the connection is dialed
type ConnectOptions struct {
	// Bridge requests client-to-client bridging. Bridging is not
	// implemented; the flag is only recorded.
	Bridge bool
}

// PreConnect is emitted by a client before dialing. Cancelling aborts the dial.
type PreConnect struct {
	events.Cancel
	Addr    string
	Options *ConnectOptions
}

func (*PreConnect) Kind() events.Kind { return KindPreConnect }

// PostConnect is emitted by a client once the handshake completed
type PostConnect struct {
	Server *RemoteServer
}

func (*PostConnect) Kind() events.Kind { return KindPostConnect }

// MessageReceive carries an application message received from a peer
type MessageReceive struct {
	Peer    Peer
	Message *protocol.Message
}

func (*MessageReceive) Kind() events.Kind { return KindMessageReceive }

// MessageEmit is emitted before an application message is written.
// Cancelling drops the message.
type MessageEmit struct {
	events.Cancel
	Peer    Peer
	Message *protocol.Message
}

func (*MessageEmit) Kind() events.Kind { return KindMessageEmit }

// ChannelReceive carries a message forwarded on a joined channel
type ChannelReceive struct {
	Channel *VirtualChannel
	Message *protocol.Message
}

func (*ChannelReceive) Kind() events.Kind { return KindChannelReceive }

// ChannelDiscover is emitted before the server answers DISCOVER. Handlers
// may remove names from Channels; removed names are not offered.
type ChannelDiscover struct {
	Client   *RemoteClient
	Channels []string
}

func (*ChannelDiscover) Kind() events.Kind { return KindChannelDiscover }

// ChannelJoin is emitted when a client asks to join. Cancelling refuses it.
type ChannelJoin struct {
	events.Cancel
	Client  *RemoteClient
	Channel *Channel
}

func (*ChannelJoin) Kind() events.Kind { return KindChannelJoin }

// ChannelLeave is emitted when a client leaves a channel or disconnects
type ChannelLeave struct {
	Client  *RemoteClient
	Channel *Channel
}

func (*ChannelLeave) Kind() events.Kind { return KindChannelLeave }

// ClientPreConnect is emitted when a connection is accepted, before the
// handshake starts. Cancelling closes it.
type ClientPreConnect struct {
	events.Cancel
	Client *RemoteClient
}

func (*ClientPreConnect) Kind() events.Kind { return KindClientPreConnect }

// ClientConnected is emitted once a client completed the handshake
type ClientConnected struct {
	Client *RemoteClient
}

func (*ClientConnected) Kind() events.Kind { return KindClientConnected }

// ClientDisconnected is emitted when a connected client goes away
type ClientDisconnected struct {
	Client *RemoteClient
	Err    error
}

func (*ClientDisconnected) Kind() events.Kind { return KindClientDisconnected }

// Broadcast is emitted before a server-wide broadcast. Cancelling drops it.
type Broadcast struct {
	events.Cancel
	Message *protocol.Message
}

func (*Broadcast) Kind() events.Kind { return KindBroadcast }
