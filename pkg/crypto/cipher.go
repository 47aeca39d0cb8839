package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm names exchanged during the handshake
const (
	AlgRSA              = "RSA"
	AlgAES              = "AES"
	AlgAESDeterministic = "AES-DET"
	AlgChaCha20         = "CHACHA20"
)

// SymmetricKeySize is the length of generated session secrets
const SymmetricKeySize = 32

// ErrUnsupportedAlgorithm is returned for algorithm names without a cipher
var ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrCrypto)

// Cipher is a symmetric authenticated cipher selected by name. Peers may
// run different ciphers; each side opens what it receives with the
// algorithm named next to the ciphertext.
type Cipher interface {
	Name() string
	KeySize() int
	Encrypt(plaintext, key []byte) ([]byte, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

var ciphers = map[string]Cipher{
	AlgAES:              aeadCipher{name: AlgAES, newAEAD: newAESGCM},
	AlgChaCha20:         aeadCipher{name: AlgChaCha20, newAEAD: chacha20poly1305.New},
	AlgAESDeterministic: sivCipher{},
}

// Lookup returns the cipher registered under name, ignoring case
func Lookup(name string) (Cipher, error) {
	c, ok := ciphers[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return c, nil
}

// Algorithms lists the registered symmetric algorithm names
func Algorithms() []string {
	names := make([]string, 0, len(ciphers))
	for name := range ciphers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encrypt seals data under key with the named algorithm
func Encrypt(algorithm string, data, key []byte) ([]byte, error) {
	c, err := Lookup(algorithm)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(data, key)
}

// Decrypt opens data sealed by Encrypt. Empty input yields empty output.
func Decrypt(algorithm string, data, key []byte) ([]byte, error) {
	c, err := Lookup(algorithm)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(data, key)
}

// GenerateSymmetricKey returns a random 256-bit secret
func GenerateSymmetricKey() ([]byte, error) {
	key, err := GenerateNonce(SymmetricKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: generate secret: %v", ErrCrypto, err)
	}
	return key, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aeadCipher seals as nonce||ciphertext with a random nonce
type aeadCipher struct {
	name    string
	newAEAD func(key []byte) (cipher.AEAD, error)
}

func (c aeadCipher) Name() string { return c.name }
func (c aeadCipher) KeySize() int { return SymmetricKeySize }

func (c aeadCipher) Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, c.name, err)
	}

	nonce, err := GenerateNonce(aead.NonceSize())
	if err != nil {
		return nil, ErrEncryptionFailed
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c aeadCipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return []byte{}, nil
	}

	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, c.name, err)
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open([]byte{}, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// sivCipher is AES-GCM with a nonce derived from the plaintext, so equal
// inputs under one key give equal ciphertexts. It is only used where
// ciphertexts are compared, such as the access key proof.
type sivCipher struct{}

func (sivCipher) Name() string { return AlgAESDeterministic }
func (sivCipher) KeySize() int { return SymmetricKeySize }

func (sivCipher) subkeys(key []byte) (encKey, macKey []byte, err error) {
	if len(key) != SymmetricKeySize {
		return nil, nil, fmt.Errorf("%w: %s key is %d bytes", ErrInvalidKey, AlgAESDeterministic, len(key))
	}

	kdf := hkdf.New(sha256.New, key, nil, []byte("zentalk channels aes-det"))
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	if _, err := io.ReadFull(kdf, macKey); err != nil {
		return nil, nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	return encKey, macKey, nil
}

func syntheticNonce(macKey, plaintext []byte, size int) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(plaintext)
	return mac.Sum(nil)[:size]
}

func (c sivCipher) Encrypt(plaintext, key []byte) ([]byte, error) {
	encKey, macKey, err := c.subkeys(key)
	if err != nil {
		return nil, err
	}

	aead, err := newAESGCM(encKey)
	if err != nil {
		return nil, ErrEncryptionFailed
	}

	nonce := syntheticNonce(macKey, plaintext, aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c sivCipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return []byte{}, nil
	}

	encKey, macKey, err := c.subkeys(key)
	if err != nil {
		return nil, err
	}

	aead, err := newAESGCM(encKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open([]byte{}, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if !hmac.Equal(nonce, syntheticNonce(macKey, plaintext, len(nonce))) {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
