package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
	"github.com/ZentaChain/zentalk-channels/pkg/session"
)

// ErrWriteCancelled is returned when a message-emit handler drops a write
var ErrWriteCancelled = errors.New("write cancelled")

// RemoteClient is the server's view of one client connection
type RemoteClient struct {
	id          uuid.UUID
	server      *Server
	conn        *Conn
	sess        *session.Session
	log         zerolog.Logger
	connectedAt time.Time

	timer *time.Timer
}

func (s *Server) newRemoteClient(conn *Conn) (*RemoteClient, error) {
	sess, err := s.hs.NewSession(conn)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	return &RemoteClient{
		id:          id,
		server:      s,
		conn:        conn,
		sess:        sess,
		connectedAt: time.Now(),
		log: s.log.With().
			Str("client", id.String()).
			Str("remote", conn.RemoteAddr()).
			Logger(),
	}, nil
}

// ID returns the server-assigned connection identity
func (rc *RemoteClient) ID() string {
	return rc.id.String()
}

// PeerID returns the identifier the client announced in its key exchange
func (rc *RemoteClient) PeerID() int64 {
	return rc.sess.PeerID()
}

// RemoteAddr returns the client address
func (rc *RemoteClient) RemoteAddr() string {
	return rc.conn.RemoteAddr()
}

// ConnectedAt returns when the connection was accepted
func (rc *RemoteClient) ConnectedAt() time.Time {
	return rc.connectedAt
}

// IsReady reports whether the handshake completed
func (rc *RemoteClient) IsReady() bool {
	return rc.sess.IsReady()
}

// Write sends an application message once the client is ready. Message-emit
// handlers may cancel it.
func (rc *RemoteClient) Write(msg *protocol.Message) error {
	if rc.server.events.Emit(&MessageEmit{Peer: rc, Message: msg}) {
		return ErrWriteCancelled
	}
	return rc.push(msg)
}

func (rc *RemoteClient) push(msg *protocol.Message) error {
	return rc.sess.Push(msg)
}

// Channels returns the names of the channels the client joined
func (rc *RemoteClient) Channels() []string {
	var names []string
	for _, ch := range rc.server.Channels() {
		if ch.IsMember(rc) {
			names = append(names, ch.Name())
		}
	}
	return names
}

// FormatPeerID renders a session id the way RemoteServer.ID does
func FormatPeerID(id int64) string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Disconnect sends DISCONNECTION{reason} and closes the connection
func (rc *RemoteClient) Disconnect(reason string) error {
	return rc.sess.Close(reason)
}
