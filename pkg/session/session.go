// Package session holds per-connection handshake state, secrets and the
// readiness queue that gates traffic until key establishment completes.
package session

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

// Transport writes whole frames for one connection
type Transport interface {
	WriteMessage(msg *protocol.Message) error
	Close() error
}

// Session is one logical connection: its identity, secrets, handshake
// state and the FIFO of messages pushed before it became ready.
//
// Outbound traffic is sealed under the remote secret once one is known;
// inbound ENCODED envelopes are always opened with the local secret.
type Session struct {
	id          int64
	transport   Transport
	localSecret []byte
	localAlg    string

	mu           sync.Mutex
	state        State
	ready        bool
	closed       bool
	queue        []*protocol.Message
	remoteSecret []byte
	remoteAlg    string
	peerID       int64
}

// Option configures a new Session
type Option func(*Session)

// WithSecret reuses an existing local secret instead of generating one.
// Servers share their secret across every client session.
func WithSecret(secret []byte, algorithm string) Option {
	return func(s *Session) {
		s.localSecret = bytes.Clone(secret)
		if algorithm != "" {
			s.localAlg = algorithm
		}
	}
}

// WithAlgorithm selects the local symmetric algorithm
func WithAlgorithm(algorithm string) Option {
	return func(s *Session) {
		if algorithm != "" {
			s.localAlg = algorithm
		}
	}
}

// WithID fixes the session identifier
func WithID(id int64) Option {
	return func(s *Session) {
		s.id = id
	}
}

// New creates a session over t. A random identifier and local secret are
// generated unless supplied through options.
func New(t Transport, opts ...Option) (*Session, error) {
	s := &Session{
		transport: t,
		localAlg:  crypto.AlgAES,
		state:     StateInit,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := crypto.Lookup(s.localAlg); err != nil {
		return nil, err
	}

	if s.id == 0 {
		id, err := randomID()
		if err != nil {
			return nil, err
		}
		s.id = id
	}

	if s.localSecret == nil {
		secret, err := crypto.GenerateSymmetricKey()
		if err != nil {
			return nil, err
		}
		s.localSecret = secret
	}

	return s, nil
}

func randomID() (int64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate session id: %w", err)
		}
		if id := int64(binary.BigEndian.Uint64(buf[:])); id != 0 {
			return id, nil
		}
	}
}

// ID returns the random identifier of this side of the connection
func (s *Session) ID() int64 {
	return s.id
}

// LocalAlgorithm returns the algorithm peers must use toward us
func (s *Session) LocalAlgorithm() string {
	return s.localAlg
}

// LocalSecret returns a copy of the local symmetric secret
func (s *Session) LocalSecret() []byte {
	return bytes.Clone(s.localSecret)
}

// PeerID returns the identifier the peer announced, or 0
func (s *Session) PeerID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// SetPeerID records the identifier the peer announced
func (s *Session) SetPeerID(id int64) {
	s.mu.Lock()
	s.peerID = id
	s.mu.Unlock()
}

// SetRemote records the peer secret used to seal outbound traffic
func (s *Session) SetRemote(secret []byte, algorithm string) {
	s.mu.Lock()
	s.remoteSecret = bytes.Clone(secret)
	s.remoteAlg = algorithm
	s.mu.Unlock()
}

// RemoteSecret returns a copy of the peer secret, or nil before it is known
func (s *Session) RemoteSecret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.remoteSecret)
}

// RemoteAlgorithm returns the algorithm the peer announced
func (s *Session) RemoteAlgorithm() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAlg
}

// State returns the current handshake state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the handshake to next
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(next)
}

func (s *Session) advanceLocked(next State) error {
	if !s.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.state = next
	return nil
}

// IsReady reports whether the handshake has completed
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Closed reports whether Close or Abort was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending returns the number of queued messages
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Push writes msg if the session is ready and queues it otherwise
func (s *Session) Push(msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.ready {
		s.queue = append(s.queue, msg)
		return nil
	}
	return s.writeLocked(msg)
}

// WriteDirect writes msg immediately, bypassing the readiness queue.
// Handshake frames use it before the session is ready.
func (s *Session) WriteDirect(msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.writeLocked(msg)
}

func (s *Session) writeLocked(msg *protocol.Message) error {
	if s.remoteSecret != nil {
		sealed, err := Seal(msg, s.remoteSecret, s.remoteAlg)
		if err != nil {
			return err
		}
		msg = sealed
	}
	return s.transport.WriteMessage(msg)
}

// MarkReady completes the handshake and drains the queue in FIFO order.
// Both happen under the lock Push takes, so no message pushed afterwards
// can overtake a queued one. Calling it twice is an error.
func (s *Session) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.ready {
		return ErrAlreadyReady
	}
	if err := s.advanceLocked(StateReady); err != nil {
		return err
	}
	s.ready = true

	queued := s.queue
	s.queue = nil
	for i, msg := range queued {
		if err := s.writeLocked(msg); err != nil {
			return fmt.Errorf("failed to flush queued message %d of %d: %w", i+1, len(queued), err)
		}
	}
	return nil
}

// Reject marks the handshake as failed
func (s *Session) Reject() {
	s.mu.Lock()
	s.state = StateRejected
	s.ready = false
	s.mu.Unlock()
}

// Open decrypts an inbound ENCODED envelope with the local secret
func (s *Session) Open(wrapper *protocol.Message) (*protocol.Message, error) {
	return Open(wrapper, s.localSecret, s.localAlg)
}

// Close sends a best-effort DISCONNECTION carrying reason, then closes the
// transport. Queued messages are discarded.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	b := protocol.NewBuilder()
	if reason != "" {
		b.WriteUTF(reason)
	}
	if notice, err := b.BuildOp(protocol.OpDisconnection); err == nil {
		_ = s.writeLocked(notice)
	}

	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	return s.transport.Close()
}

// Abort closes the transport without notifying the peer
func (s *Session) Abort() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	return s.transport.Close()
}
