package session

import (
	"fmt"

	"github.com/ZentaChain/zentalk-channels/pkg/crypto"
	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

// Seal wraps inner in an ENCODED envelope:
// {INT64 inner type id, BYTES ciphertext of inner payload, UTF algorithm}
func Seal(inner *protocol.Message, key []byte, algorithm string) (*protocol.Message, error) {
	if inner.Is(protocol.OpEncoded) {
		return inner, nil
	}

	ciphertext, err := crypto.Encrypt(algorithm, inner.Payload(), key)
	if err != nil {
		return nil, err
	}

	return protocol.NewBuilder().
		WriteInt64(inner.TypeID()).
		WriteBytes(ciphertext).
		WriteUTF(algorithm).
		BuildOp(protocol.OpEncoded)
}

// Open decrypts an ENCODED envelope with key. fallback names the
// algorithm when the envelope does not carry one.
func Open(wrapper *protocol.Message, key []byte, fallback string) (*protocol.Message, error) {
	if !wrapper.Is(protocol.OpEncoded) {
		return nil, fmt.Errorf("%w: %s is not an encoded envelope", ErrProtocolViolation, protocol.Opcode(wrapper.TypeID()))
	}

	r := wrapper.Reader()
	innerID, ok := r.ReadInt64()
	if !ok {
		return nil, fmt.Errorf("%w: encoded envelope without inner id", protocol.ErrCodec)
	}
	if innerID == protocol.OpEncoded.ID() {
		return nil, fmt.Errorf("%w: nested encoded envelope", ErrProtocolViolation)
	}

	ciphertext, ok := r.ReadBytes()
	if !ok {
		return nil, fmt.Errorf("%w: encoded envelope without body", protocol.ErrCodec)
	}

	algorithm, ok := r.ReadUTF()
	if !ok || algorithm == "" {
		algorithm = fallback
	}

	plaintext, err := crypto.Decrypt(algorithm, ciphertext, key)
	if err != nil {
		return nil, err
	}

	return protocol.Decode(innerID, plaintext)
}
