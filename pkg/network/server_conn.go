package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jpillora/sizestr"

	"github.com/ZentaChain/zentalk-channels/pkg/metrics"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

const roleServer = "server"

// errPeerLeft ends a read loop after the peer sent DISCONNECTION
var errPeerLeft = errors.New("peer disconnected")

// serve runs one connection from accept to close
func (rc *RemoteClient) serve() {
	s := rc.server

	if s.events.Emit(&ClientPreConnect{Client: rc}) {
		rc.log.Debug().Msg("connection refused by handler")
		_ = rc.sess.Abort()
		return
	}

	s.mu.Lock()
	s.pending[rc.id] = rc
	s.mu.Unlock()

	rc.timer = timeoutHandshake(rc.sess, s.cfg.HandshakeTimeout, func() {
		metrics.RecordHandshake(roleServer, metrics.ResultTimeout)
		rc.log.Warn().Dur("timeout", s.cfg.HandshakeTimeout).Msg("handshake timed out")
	})
	defer rc.timer.Stop()

	err := s.hs.Greet(rc.sess)
	if err == nil {
		err = rc.readLoop()
	}
	s.removeClient(rc, err)
}

func (rc *RemoteClient) readLoop() error {
	for {
		frame, err := rc.conn.ReadFrame()
		if err != nil {
			if rc.sess.Closed() || isClosedErr(err) {
				return nil
			}
			return err
		}

		msg, err := protocol.DecodeFrame(frame)
		if err != nil {
			if handshakeFrame(frame, rc.sess.IsReady()) {
				rc.fail(fmt.Errorf("%w: malformed handshake frame: %v", session.ErrSecurity, err))
				return err
			}
			metrics.RecordDropped("codec")
			rc.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		metrics.RecordFrame(metrics.In, msg.TypeID())

		if err := rc.dispatch(msg); err != nil {
			if errors.Is(err, errPeerLeft) {
				return nil
			}
			return err
		}
	}
}

// handshakeFrame reports whether a malformed frame must end the connection
func handshakeFrame(frame []byte, ready bool) bool {
	id, err := protocol.PeekTypeID(frame)
	if err != nil {
		return !ready
	}
	switch protocol.Opcode(id) {
	case protocol.OpKeyExchange, protocol.OpAccessKey:
		return true
	case protocol.OpEncoded:
		return !ready
	}
	return false
}

// fail closes the connection with a reason derived from err
func (rc *RemoteClient) fail(err error) {
	reason := "protocol error"
	switch {
	case errors.Is(err, session.ErrAccessDenied):
		reason = "access denied"
	case errors.Is(err, session.ErrAccessKeyRequired):
		reason = "access key required"
	case errors.Is(err, session.ErrHandshakeTimeout):
		reason = "handshake timeout"
	case errors.Is(err, session.ErrSecurity):
		reason = "handshake failed"
	}
	rc.log.Warn().Err(err).Str("reason", reason).Msg("closing connection")
	_ = rc.sess.Close(reason)
}

func (rc *RemoteClient) dispatch(msg *protocol.Message) error {
	s := rc.server

	switch {
	case msg.Is(protocol.OpKeyExchange):
		needsKey, err := s.hs.HandleKeyExchange(rc.sess, msg)
		if err != nil {
			metrics.RecordHandshake(roleServer, metrics.ResultError)
			rc.fail(err)
			return err
		}
		if !needsKey {
			rc.promote()
		}
		return nil

	case msg.Is(protocol.OpAccessKey):
		if err := s.hs.HandleAccessKey(rc.sess, msg); err != nil {
			result := metrics.ResultError
			if errors.Is(err, session.ErrAccessDenied) {
				result = metrics.ResultDenied
			}
			metrics.RecordHandshake(roleServer, result)
			rc.fail(err)
			return err
		}
		rc.promote()
		return nil

	case msg.Is(protocol.OpDisconnection):
		return errPeerLeft

	case msg.Is(protocol.OpEncoded):
		if !rc.sess.IsReady() {
			metrics.RecordDropped("not-ready")
			return nil
		}
		inner, err := rc.sess.Open(msg)
		if err != nil {
			metrics.RecordDropped("decrypt")
			rc.log.Debug().Err(err).Msg("dropping undecryptable frame")
			return nil
		}
		return rc.handle(inner)
	}

	// Ready clients seal everything, so plain traffic is not trusted
	metrics.RecordDropped("plain")
	return nil
}

// handle processes a decrypted message from a ready client
func (rc *RemoteClient) handle(msg *protocol.Message) error {
	op, isOp := msg.Opcode()
	if !isOp {
		rc.server.events.Emit(&MessageReceive{Peer: rc, Message: msg})
		return nil
	}

	switch op {
	case protocol.OpDiscover:
		rc.handleDiscover()
	case protocol.OpChannelJoin:
		rc.handleJoin(msg)
	case protocol.OpChannelLeave:
		rc.handleLeave(msg)
	case protocol.OpChannelMessage:
		rc.handleChannelMessage(msg)
	case protocol.OpDisconnection:
		return errPeerLeft
	default:
		metrics.RecordDropped("unexpected")
		rc.log.Debug().Stringer("op", op).Msg("ignoring unexpected opcode")
	}
	return nil
}

// promote moves a client that completed the handshake to the connected set
func (rc *RemoteClient) promote() {
	s := rc.server
	rc.timer.Stop()

	s.mu.Lock()
	delete(s.pending, rc.id)
	s.clients[rc.id] = rc
	n := len(s.clients)
	s.mu.Unlock()

	metrics.SetConnectedClients(n)
	metrics.RecordHandshake(roleServer, metrics.ResultOK)
	rc.log.Info().Int64("peer", rc.sess.PeerID()).Msg("client connected")

	s.events.Emit(&ClientConnected{Client: rc})
}

func (rc *RemoteClient) handleDiscover() {
	s := rc.server

	var names []string
	for _, ch := range s.Channels() {
		if !ch.IsMember(rc) {
			names = append(names, ch.Name())
		}
	}
	if len(names) == 0 {
		return
	}

	event := &ChannelDiscover{Client: rc, Channels: append([]string(nil), names...)}
	s.events.Emit(event)

	allowed := make(map[string]struct{}, len(event.Channels))
	for _, name := range event.Channels {
		allowed[channelKey(name)] = struct{}{}
	}

	b := protocol.NewBuilder()
	var offered int
	for _, name := range names {
		if _, ok := allowed[channelKey(name)]; ok {
			b.WriteUTF(name)
			offered++
		}
	}
	if offered == 0 {
		return
	}

	reply, err := b.BuildOp(protocol.OpDiscover)
	if err != nil {
		rc.log.Error().Err(err).Msg("failed to build discover reply")
		return
	}
	if err := rc.push(reply); err != nil {
		rc.log.Debug().Err(err).Msg("failed to send discover reply")
	}
}

func (rc *RemoteClient) handleJoin(msg *protocol.Message) {
	s := rc.server

	name, ok := msg.Reader().ReadUTF()
	if !ok {
		metrics.RecordDropped("codec")
		return
	}
	ch := s.Channel(name)
	if ch == nil {
		return
	}

	if !ch.IsMember(rc) {
		if s.events.Emit(&ChannelJoin{Client: rc, Channel: ch}) {
			rc.log.Debug().Str("channel", ch.Name()).Msg("join refused by handler")
			return
		}
		if ch.add(rc) {
			rc.log.Debug().Str("channel", ch.Name()).Msg("client joined channel")
		}
	}

	ack, err := protocol.NewBuilder().WriteUTF(ch.Name()).BuildOp(protocol.OpChannelJoin)
	if err != nil {
		return
	}
	if err := rc.push(ack); err != nil {
		rc.log.Debug().Err(err).Msg("failed to acknowledge join")
	}
}

func (rc *RemoteClient) handleLeave(msg *protocol.Message) {
	s := rc.server

	name, ok := msg.Reader().ReadUTF()
	if !ok {
		metrics.RecordDropped("codec")
		return
	}
	ch := s.Channel(name)
	if ch == nil || !ch.IsMember(rc) {
		return
	}

	s.events.Emit(&ChannelLeave{Client: rc, Channel: ch})
	ch.remove(rc)
	rc.log.Debug().Str("channel", ch.Name()).Msg("client left channel")
}

func (rc *RemoteClient) handleChannelMessage(msg *protocol.Message) {
	r := msg.Reader()
	name, okName := r.ReadUTF()
	_, okID := r.ReadInt64()
	_, okBody := r.ReadBytes()
	if !okName || !okID || !okBody {
		metrics.RecordDropped("codec")
		return
	}

	ch := rc.server.Channel(name)
	if ch == nil || !ch.IsMember(rc) {
		metrics.RecordDropped("not-member")
		return
	}

	ch.forward(msg)
}

// removeClient forgets rc, drops its memberships and closes the connection
func (s *Server) removeClient(rc *RemoteClient, cause error) {
	s.mu.Lock()
	_, connected := s.clients[rc.id]
	delete(s.pending, rc.id)
	delete(s.clients, rc.id)
	n := len(s.clients)
	s.mu.Unlock()

	for _, ch := range s.Channels() {
		if ch.remove(rc) {
			s.events.Emit(&ChannelLeave{Client: rc, Channel: ch})
		}
	}

	_ = rc.sess.Abort()

	in, out := rc.conn.Traffic()
	ev := rc.log.Info()
	if cause != nil {
		ev = rc.log.Warn().Err(cause)
	}
	ev.Str("in", sizestr.ToString(in)).
		Str("out", sizestr.ToString(out)).
		Bool("connected", connected).
		Msg("connection closed")

	if connected {
		metrics.SetConnectedClients(n)
		s.events.Emit(&ClientDisconnected{Client: rc, Err: cause})
	}
}

// isClosedErr reports whether err only says the stream went away
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
