package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-channels/pkg/metrics"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

// RemoteServer is the client's view of one server connection
type RemoteServer struct {
	client *Client
	conn   *Conn
	sess   *session.Session
	hs     *session.ClientHandshake
	log    zerolog.Logger
	timer  *time.Timer

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error

	mu        sync.Mutex
	available map[string]string
	joinable  map[string]string
	joined    map[string]*VirtualChannel
	waiters   map[string][]chan struct{}
}

// ID returns this side's connection identifier as sent in KEY_EXCHANGE
func (rs *RemoteServer) ID() string {
	return FormatPeerID(rs.sess.ID())
}

// RemoteAddr returns the server address
func (rs *RemoteServer) RemoteAddr() string {
	return rs.conn.RemoteAddr()
}

// IsReady reports whether the handshake completed
func (rs *RemoteServer) IsReady() bool {
	return rs.sess.IsReady()
}

// WaitReady blocks until the handshake completes, the connection fails or
// ctx ends
func (rs *RemoteServer) WaitReady(ctx context.Context) error {
	select {
	case <-rs.ready:
		return nil
	case <-rs.done:
		if err := rs.Err(); err != nil {
			return err
		}
		return session.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection ends
func (rs *RemoteServer) Done() <-chan struct{} {
	return rs.done
}

// Err returns the error that ended the connection, if any
func (rs *RemoteServer) Err() error {
	rs.errMu.Lock()
	defer rs.errMu.Unlock()
	return rs.err
}

func (rs *RemoteServer) setErr(err error) {
	rs.errMu.Lock()
	if rs.err == nil {
		rs.err = err
	}
	rs.errMu.Unlock()
}

// Write sends an application message, queued until the connection is
// ready. Message-emit handlers may cancel it.
func (rs *RemoteServer) Write(msg *protocol.Message) error {
	if rs.client.events.Emit(&MessageEmit{Peer: rs, Message: msg}) {
		return ErrWriteCancelled
	}
	return rs.sess.Push(msg)
}

// Discover asks the server for channels this connection can join
func (rs *RemoteServer) Discover() error {
	msg, err := protocol.Empty(protocol.OpDiscover.ID())
	if err != nil {
		return err
	}
	return rs.sess.Push(msg)
}

// AvailableChannels returns the channels the server announced with CHANNEL_OPEN
func (rs *RemoteServer) AvailableChannels() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return sortedValues(rs.available)
}

// JoinableChannels returns the channels offered in DISCOVER replies
func (rs *RemoteServer) JoinableChannels() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return sortedValues(rs.joinable)
}

// JoinedChannels returns the channels this connection joined
func (rs *RemoteServer) JoinedChannels() []*VirtualChannel {
	rs.mu.Lock()
	out := make([]*VirtualChannel, 0, len(rs.joined))
	for _, vc := range rs.joined {
		out = append(out, vc)
	}
	rs.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return channelKey(out[i].name) < channelKey(out[j].name) })
	return out
}

// Channel returns a joined channel, or nil
func (rs *RemoteServer) Channel(name string) *VirtualChannel {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.joined[channelKey(name)]
}

// JoinChannel requests membership and waits for the acknowledgment. The
// request is queued when the connection is not ready yet. Joining again is
// acknowledged as well. Unknown or refused channels are never
// acknowledged, so ctx should carry a deadline.
func (rs *RemoteServer) JoinChannel(ctx context.Context, name string) (*VirtualChannel, error) {
	key := channelKey(name)

	rs.mu.Lock()
	wait := make(chan struct{})
	rs.waiters[key] = append(rs.waiters[key], wait)
	rs.mu.Unlock()

	req, err := protocol.NewBuilder().WriteUTF(name).BuildOp(protocol.OpChannelJoin)
	if err == nil {
		err = rs.sess.Push(req)
	}
	if err != nil {
		rs.dropWaiter(key, wait)
		return nil, err
	}

	select {
	case <-wait:
		return rs.Channel(name), nil
	case <-rs.done:
		rs.dropWaiter(key, wait)
		return nil, session.ErrClosed
	case <-ctx.Done():
		rs.dropWaiter(key, wait)
		return nil, ctx.Err()
	}
}

func (rs *RemoteServer) dropWaiter(key string, wait chan struct{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	list := rs.waiters[key]
	for i, w := range list {
		if w == wait {
			rs.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(rs.waiters[key]) == 0 {
		delete(rs.waiters, key)
	}
}

// LeaveChannel leaves a joined channel. The server sends no acknowledgment,
// so the channel is forgotten locally right away.
func (rs *RemoteServer) LeaveChannel(name string) error {
	if !rs.sess.IsReady() {
		return ErrNotReady
	}

	req, err := protocol.NewBuilder().WriteUTF(name).BuildOp(protocol.OpChannelLeave)
	if err != nil {
		return err
	}
	if err := rs.sess.Push(req); err != nil {
		return err
	}

	rs.mu.Lock()
	delete(rs.joined, channelKey(name))
	rs.mu.Unlock()
	return nil
}

// Close sends DISCONNECTION and closes the connection
func (rs *RemoteServer) Close() error {
	return rs.sess.Close("client closing")
}

func (rs *RemoteServer) readLoop() {
	defer rs.finish()

	for {
		frame, err := rs.conn.ReadFrame()
		if err != nil {
			if !rs.sess.Closed() && !isClosedErr(err) {
				rs.setErr(err)
			}
			return
		}

		msg, err := protocol.DecodeFrame(frame)
		if err != nil {
			if handshakeFrame(frame, rs.sess.IsReady()) {
				rs.fail(fmt.Errorf("%w: malformed handshake frame: %v", session.ErrSecurity, err))
				return
			}
			metrics.RecordDropped("codec")
			rs.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		metrics.RecordFrame(metrics.In, msg.TypeID())

		if err := rs.dispatch(msg); err != nil {
			rs.fail(err)
			return
		}
	}
}

func (rs *RemoteServer) finish() {
	rs.timer.Stop()
	_ = rs.sess.Abort()
	rs.client.forget(rs)

	rs.mu.Lock()
	rs.joined = make(map[string]*VirtualChannel)
	rs.mu.Unlock()

	in, out := rs.conn.Traffic()
	ev := rs.log.Info()
	if err := rs.Err(); err != nil {
		ev = rs.log.Warn().Err(err)
	}
	ev.Str("in", sizestr.ToString(in)).
		Str("out", sizestr.ToString(out)).
		Msg("connection closed")

	close(rs.done)
}

// fail records err and closes the connection. A server-initiated
// disconnect needs no notice back.
func (rs *RemoteServer) fail(err error) {
	rs.setErr(err)
	if errors.Is(err, ErrDisconnected) || errors.Is(err, session.ErrAccessDenied) {
		_ = rs.sess.Abort()
		return
	}
	if !rs.sess.IsReady() {
		metrics.RecordHandshake(roleClient, metrics.ResultError)
	}
	rs.log.Warn().Err(err).Msg("closing connection")
	_ = rs.sess.Close("handshake failed")
}

func (rs *RemoteServer) dispatch(msg *protocol.Message) error {
	switch {
	case msg.Is(protocol.OpKeyExchange):
		return rs.hs.HandleKeyExchange(msg)

	case msg.Is(protocol.OpDisconnection):
		return rs.disconnected(msg)

	case msg.Is(protocol.OpEncoded):
		inner, err := rs.sess.Open(msg)
		if err != nil {
			if !rs.sess.IsReady() {
				return err
			}
			metrics.RecordDropped("decrypt")
			rs.log.Debug().Err(err).Msg("dropping undecryptable frame")
			return nil
		}
		return rs.handle(inner)
	}

	metrics.RecordDropped("plain")
	return nil
}

// disconnected turns a DISCONNECTION notice into the error ending the loop
func (rs *RemoteServer) disconnected(msg *protocol.Message) error {
	reason, _ := msg.Reader().ReadUTF()
	if rs.sess.State() == session.StateAwaitingAccessChallenge {
		metrics.RecordHandshake(roleClient, metrics.ResultDenied)
		return fmt.Errorf("%w: %s", session.ErrAccessDenied, reason)
	}
	return fmt.Errorf("%w: %s", ErrDisconnected, reason)
}

func (rs *RemoteServer) handle(msg *protocol.Message) error {
	op, isOp := msg.Opcode()
	if !isOp {
		rs.client.events.Emit(&MessageReceive{Peer: rs, Message: msg})
		return nil
	}

	switch op {
	case protocol.OpKeyExchange:
		ready, err := rs.hs.HandleReply(msg)
		if err != nil {
			return err
		}
		if ready {
			rs.onReady()
		}

	case protocol.OpDiscover:
		names := msg.Reader().UTFs()
		rs.mu.Lock()
		for _, name := range names {
			rs.joinable[channelKey(name)] = name
		}
		rs.mu.Unlock()

	case protocol.OpChannelOpen:
		if name, ok := msg.Reader().ReadUTF(); ok {
			rs.mu.Lock()
			rs.available[channelKey(name)] = name
			rs.mu.Unlock()
		}

	case protocol.OpChannelClose:
		if name, ok := msg.Reader().ReadUTF(); ok {
			key := channelKey(name)
			rs.mu.Lock()
			delete(rs.available, key)
			delete(rs.joinable, key)
			delete(rs.joined, key)
			rs.mu.Unlock()
		}

	case protocol.OpChannelJoin:
		if name, ok := msg.Reader().ReadUTF(); ok {
			rs.joinedAck(name)
		}

	case protocol.OpChannelMessage:
		rs.channelMessage(msg)

	case protocol.OpDisconnection:
		return rs.disconnected(msg)

	default:
		metrics.RecordDropped("unexpected")
	}
	return nil
}

// onReady runs once the queue drained. DISCOVER goes out before waiters
// are released so it precedes anything they send.
func (rs *RemoteServer) onReady() {
	rs.timer.Stop()
	metrics.RecordHandshake(roleClient, metrics.ResultOK)
	rs.log.Info().Str("alg", rs.sess.RemoteAlgorithm()).Msg("connected")

	if err := rs.Discover(); err != nil {
		rs.log.Debug().Err(err).Msg("failed to send discover")
	}
	rs.readyOnce.Do(func() { close(rs.ready) })
	rs.client.events.Emit(&PostConnect{Server: rs})
}

func (rs *RemoteServer) joinedAck(name string) {
	key := channelKey(name)

	rs.mu.Lock()
	if _, ok := rs.joined[key]; !ok {
		rs.joined[key] = &VirtualChannel{server: rs, name: name}
	}
	waiting := rs.waiters[key]
	delete(rs.waiters, key)
	rs.mu.Unlock()

	for _, w := range waiting {
		close(w)
	}
}

func (rs *RemoteServer) channelMessage(msg *protocol.Message) {
	r := msg.Reader()
	name, okName := r.ReadUTF()
	id, okID := r.ReadInt64()
	body, okBody := r.ReadBytes()
	if !okName || !okID || !okBody {
		metrics.RecordDropped("codec")
		return
	}

	vc := rs.Channel(name)
	if vc == nil {
		metrics.RecordDropped("not-member")
		return
	}

	inner, err := protocol.Decode(id, body)
	if err != nil {
		metrics.RecordDropped("codec")
		return
	}
	rs.client.events.Emit(&ChannelReceive{Channel: vc, Message: inner})
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// VirtualChannel is a joined channel seen from the client
type VirtualChannel struct {
	server *RemoteServer
	name   string
}

// Name returns the channel name as acknowledged by the server
func (vc *VirtualChannel) Name() string {
	return vc.name
}

// Server returns the connection the channel belongs to
func (vc *VirtualChannel) Server() *RemoteServer {
	return vc.server
}

// Write sends msg on the channel. It is queued while the connection is
// not ready.
func (vc *VirtualChannel) Write(msg *protocol.Message) error {
	if vc.server.client.events.Emit(&MessageEmit{Peer: vc.server, Message: msg}) {
		return ErrWriteCancelled
	}
	envelope, err := channelEnvelope(vc.name, msg)
	if err != nil {
		return err
	}
	return vc.server.sess.Push(envelope)
}

// Leave leaves the channel
func (vc *VirtualChannel) Leave() error {
	return vc.server.LeaveChannel(vc.name)
}
