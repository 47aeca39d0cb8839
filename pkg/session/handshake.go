package session

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

// ClientHandshake drives the client half of key establishment:
//
//	server KEY_EXCHANGE{pubkey, "RSA"}           -> reply KEY_EXCHANGE{id, wrapped secret, alg}
//	ENCODED(KEY_EXCHANGE{true})                  -> send ACCESS_KEY{id, sealed access key}
//	ENCODED(KEY_EXCHANGE{alg, secret, false})    -> ready, queue drained
type ClientHandshake struct {
	Session *Session

	// AccessKey is presented when the server demands one. Nil means none.
	AccessKey []byte
}

// Start moves a fresh session to wait for the server greeting. The
// server speaks first, so nothing is sent.
func (h *ClientHandshake) Start() error {
	return h.Session.Advance(StateAwaitingServerPubkey)
}

// HandleKeyExchange answers the server's plain KEY_EXCHANGE greeting.
// Greetings received after the first are ignored.
func (h *ClientHandshake) HandleKeyExchange(msg *protocol.Message) error {
	if h.Session.State() != StateAwaitingServerPubkey {
		return nil
	}

	r := msg.Reader()
	der, ok := r.ReadBytes()
	algorithm, okAlg := r.ReadUTF()
	if !ok || !okAlg {
		return ErrBadHandshake
	}
	if algorithm != crypto.AlgRSA {
		return fmt.Errorf("%w: server key algorithm %q", crypto.ErrUnsupportedAlgorithm, algorithm)
	}

	serverKey, err := crypto.ImportPublicKeyDER(der)
	if err != nil {
		return err
	}

	wrapped, err := crypto.WrapKey(h.Session.LocalSecret(), serverKey)
	if err != nil {
		return err
	}

	reply, err := protocol.NewBuilder().
		WriteInt64(h.Session.ID()).
		WriteBytes(wrapped).
		WriteUTF(h.Session.LocalAlgorithm()).
		BuildOp(protocol.OpKeyExchange)
	if err != nil {
		return err
	}

	if err := h.Session.WriteDirect(reply); err != nil {
		return err
	}
	return h.Session.Advance(StateKeySent)
}

// HandleReply processes the decrypted KEY_EXCHANGE the server sends after
// receiving our secret. It reports true once the session became ready;
// the caller then issues DISCOVER.
func (h *ClientHandshake) HandleReply(inner *protocol.Message) (bool, error) {
	state := h.Session.State()
	if state != StateKeySent && state != StateAwaitingAccessChallenge {
		return false, nil
	}

	r := inner.Reader()
	if required, _ := r.ReadBool(); required {
		if state == StateAwaitingAccessChallenge {
			return false, fmt.Errorf("%w: access key requested twice", ErrBadHandshake)
		}
		return false, h.sendAccessKey()
	}

	algorithm, ok := r.ReadUTF()
	secret, okSecret := r.ReadBytes()
	if !ok || !okSecret {
		return false, ErrBadHandshake
	}
	c, err := crypto.Lookup(algorithm)
	if err != nil {
		return false, err
	}
	if len(secret) != c.KeySize() {
		return false, fmt.Errorf("%w: server secret is %d bytes", crypto.ErrInvalidKey, len(secret))
	}

	h.Session.SetRemote(secret, c.Name())
	if err := h.Session.MarkReady(); err != nil {
		return false, err
	}
	return true, nil
}

func (h *ClientHandshake) sendAccessKey() error {
	if h.AccessKey == nil {
		return ErrAccessKeyRequired
	}

	proof, err := crypto.Encrypt(h.Session.LocalAlgorithm(), h.AccessKey, h.Session.LocalSecret())
	if err != nil {
		return err
	}

	msg, err := protocol.NewBuilder().
		WriteInt64(h.Session.ID()).
		WriteBytes(proof).
		BuildOp(protocol.OpAccessKey)
	if err != nil {
		return err
	}

	// No remote secret is known yet, so this leaves unwrapped.
	if err := h.Session.WriteDirect(msg); err != nil {
		return err
	}
	return h.Session.Advance(StateAwaitingAccessChallenge)
}

// ServerHandshake holds the server-wide key material shared by every
// client session.
type ServerHandshake struct {
	key       *rsa.PrivateKey
	publicDER []byte
	secret    []byte
	algorithm string

	// sealedAccessKey is the access key under AES-DET with the server
	// secret. The clear key is not retained.
	sealedAccessKey []byte
}

// NewServerHandshake prepares server key material. An empty accessKey
// disables the access key gate.
func NewServerHandshake(key *rsa.PrivateKey, algorithm string, accessKey []byte) (*ServerHandshake, error) {
	if algorithm == "" {
		algorithm = crypto.AlgAES
	}
	c, err := crypto.Lookup(algorithm)
	if err != nil {
		return nil, err
	}

	der, err := crypto.ExportPublicKeyDER(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}

	h := &ServerHandshake{
		key:       key,
		publicDER: der,
		secret:    secret,
		algorithm: c.Name(),
	}

	if len(accessKey) > 0 {
		h.sealedAccessKey, err = crypto.Encrypt(crypto.AlgAESDeterministic, accessKey, secret)
		if err != nil {
			return nil, err
		}
	}

	return h, nil
}

// RequiresAccessKey reports whether clients must prove an access key
func (h *ServerHandshake) RequiresAccessKey() bool {
	return h.sealedAccessKey != nil
}

// PublicKeyFingerprint identifies the server key in logs
func (h *ServerHandshake) PublicKeyFingerprint() string {
	return crypto.Fingerprint(h.publicDER)
}

// NewSession creates the server side session for a fresh connection
func (h *ServerHandshake) NewSession(t Transport) (*Session, error) {
	return New(t, WithSecret(h.secret, h.algorithm))
}

// Greet sends the plain KEY_EXCHANGE{public key, "RSA"} that opens the
// handshake
func (h *ServerHandshake) Greet(s *Session) error {
	msg, err := protocol.NewBuilder().
		WriteBytes(h.publicDER).
		WriteUTF(crypto.AlgRSA).
		BuildOp(protocol.OpKeyExchange)
	if err != nil {
		return err
	}
	if err := s.WriteDirect(msg); err != nil {
		return err
	}
	return s.Advance(StateKeySent)
}

// HandleKeyExchange unwraps the client secret and replies under it. It
// reports true when the client must still pass the access key check;
// otherwise the session is ready on return.
func (h *ServerHandshake) HandleKeyExchange(s *Session, msg *protocol.Message) (bool, error) {
	if s.State() != StateKeySent || s.RemoteSecret() != nil {
		return false, fmt.Errorf("%w: unexpected key exchange in %s", ErrBadHandshake, s.State())
	}

	r := msg.Reader()
	clientID, okID := r.ReadInt64()
	wrapped, okKey := r.ReadBytes()
	algorithm, okAlg := r.ReadUTF()
	if !okID || !okKey || !okAlg {
		return false, ErrBadHandshake
	}

	clientSecret, err := crypto.UnwrapKey(wrapped, h.key, algorithm)
	if err != nil {
		return false, err
	}
	c, _ := crypto.Lookup(algorithm)

	s.SetPeerID(clientID)
	s.SetRemote(clientSecret, c.Name())

	if h.RequiresAccessKey() {
		challenge, err := protocol.NewBuilder().WriteBool(true).BuildOp(protocol.OpKeyExchange)
		if err != nil {
			return false, err
		}
		if err := s.WriteDirect(challenge); err != nil {
			return false, err
		}
		return true, s.Advance(StateAwaitingAccessChallenge)
	}

	return false, h.accept(s)
}

// HandleAccessKey verifies an ACCESS_KEY proof. The proof is opened with
// the client secret, resealed under the server secret and compared with
// the stored ciphertext, so the clear key is never compared. On success
// the session is ready on return.
func (h *ServerHandshake) HandleAccessKey(s *Session, msg *protocol.Message) error {
	if s.State() != StateAwaitingAccessChallenge {
		return fmt.Errorf("%w: unexpected access key in %s", ErrBadHandshake, s.State())
	}

	r := msg.Reader()
	if _, ok := r.ReadInt64(); !ok {
		return ErrBadHandshake
	}
	proof, ok := r.ReadBytes()
	if !ok {
		return ErrBadHandshake
	}

	plain, err := crypto.Decrypt(s.RemoteAlgorithm(), proof, s.RemoteSecret())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	resealed, err := crypto.Encrypt(crypto.AlgAESDeterministic, plain, h.secret)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(resealed, h.sealedAccessKey) != 1 {
		return ErrAccessDenied
	}

	return h.accept(s)
}

// accept sends the server secret and releases the session queue
func (h *ServerHandshake) accept(s *Session) error {
	reply, err := protocol.NewBuilder().
		WriteUTF(h.algorithm).
		WriteBytes(h.secret).
		WriteBool(false).
		BuildOp(protocol.OpKeyExchange)
	if err != nil {
		return err
	}
	if err := s.WriteDirect(reply); err != nil {
		return err
	}
	return s.MarkReady()
}
