package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// DefaultRSABits is the modulus size of generated handshake keys
const DefaultRSABits = 2048

var (
	// ErrCrypto is wrapped by every cipher or key material failure
	ErrCrypto = errors.New("crypto error")

	ErrInvalidKey       = fmt.Errorf("%w: invalid key", ErrCrypto)
	ErrEncryptionFailed = fmt.Errorf("%w: encryption failed", ErrCrypto)
	ErrDecryptionFailed = fmt.Errorf("%w: decryption failed", ErrCrypto)
)

// GenerateRSAKeyPair generates a new RSA key pair. bits <= 0 selects DefaultRSABits.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate rsa key: %v", ErrCrypto, err)
	}
	return key, nil
}

// ExportPrivateKeyPEM exports private key to PEM format
func ExportPrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// ImportPrivateKeyPEM imports private key from PEM format
func ImportPrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return key, nil
}

// ExportPublicKeyDER encodes a public key as X.509 SubjectPublicKeyInfo,
// the form carried by KEY_EXCHANGE
func ExportPublicKeyDER(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return der, nil
}

// ImportPublicKeyDER parses a SubjectPublicKeyInfo RSA public key
func ImportPublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}

	return rsaPub, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadPrivateKeyFile reads and parses a PEM private key file
func LoadPrivateKeyFile(filename string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ImportPrivateKeyPEM(data)
}

// RSAEncrypt encrypts data with RSA public key using OAEP
func RSAEncrypt(data []byte, publicKey *rsa.PublicKey) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, data, nil)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return ciphertext, nil
}

// RSADecrypt decrypts data with RSA private key using OAEP
func RSADecrypt(ciphertext []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// WrapKey seals a symmetric secret for the holder of peerKey
func WrapKey(secret []byte, peerKey *rsa.PublicKey) ([]byte, error) {
	return RSAEncrypt(secret, peerKey)
}

// UnwrapKey recovers a symmetric secret and checks that its length suits
// the algorithm the peer announced
func UnwrapKey(wrapped []byte, privateKey *rsa.PrivateKey, algorithm string) ([]byte, error) {
	c, err := Lookup(algorithm)
	if err != nil {
		return nil, err
	}

	secret, err := RSADecrypt(wrapped, privateKey)
	if err != nil {
		return nil, err
	}

	if len(secret) != c.KeySize() {
		return nil, fmt.Errorf("%w: %s secret is %d bytes, want %d", ErrInvalidKey, c.Name(), len(secret), c.KeySize())
	}

	return secret, nil
}
