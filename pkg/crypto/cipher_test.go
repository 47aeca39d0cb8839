package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundtrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	payloads := map[string][]byte{
		"empty":  {},
		"short":  []byte("hello"),
		"binary": bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}

	for _, alg := range Algorithms() {
		for name, plaintext := range payloads {
			t.Run(alg+"/"+name, func(t *testing.T) {
				sealed, err := Encrypt(alg, plaintext, key)
				require.NoError(t, err)
				assert.NotEmpty(t, sealed)

				opened, err := Decrypt(alg, sealed, key)
				require.NoError(t, err)
				assert.Equal(t, plaintext, opened)
			})
		}
	}
}

func TestDecryptEmptyInput(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	for _, alg := range Algorithms() {
		out, err := Decrypt(alg, nil, key)
		assert.NoError(t, err, alg)
		assert.Empty(t, out, alg)
	}
}

// Sealed empty plaintexts open to an empty, non-nil slice, the same as
// an empty ciphertext does
func TestDecryptSealedEmptyPlaintext(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	for _, alg := range Algorithms() {
		sealed, err := Encrypt(alg, []byte{}, key)
		require.NoError(t, err, alg)

		out, err := Decrypt(alg, sealed, key)
		require.NoError(t, err, alg)
		assert.NotNil(t, out, alg)
		assert.Equal(t, []byte{}, out, alg)
	}
}

func TestRandomNonceCiphertextsDiffer(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	a, _ := Encrypt(AlgAES, []byte("same"), key)
	b, _ := Encrypt(AlgAES, []byte("same"), key)
	assert.NotEqual(t, a, b)
}

func TestDeterministicCipher(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	otherKey, _ := GenerateSymmetricKey()

	a, err := Encrypt(AlgAESDeterministic, []byte("access-key"), key)
	require.NoError(t, err)
	b, _ := Encrypt(AlgAESDeterministic, []byte("access-key"), key)
	c, _ := Encrypt(AlgAESDeterministic, []byte("access-kez"), key)
	d, _ := Encrypt(AlgAESDeterministic, []byte("access-key"), otherKey)

	assert.Equal(t, a, b, "same input and key must match")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestDecryptFailures(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	wrongKey, _ := GenerateSymmetricKey()

	for _, alg := range Algorithms() {
		t.Run(alg, func(t *testing.T) {
			sealed, err := Encrypt(alg, []byte("payload"), key)
			require.NoError(t, err)

			_, err = Decrypt(alg, sealed, wrongKey)
			assert.ErrorIs(t, err, ErrDecryptionFailed)

			tampered := bytes.Clone(sealed)
			tampered[len(tampered)-1] ^= 0x01
			_, err = Decrypt(alg, tampered, key)
			assert.ErrorIs(t, err, ErrDecryptionFailed)

			_, err = Decrypt(alg, []byte{1, 2, 3}, key)
			assert.ErrorIs(t, err, ErrCrypto)

			_, err = Encrypt(alg, []byte("x"), key[:5])
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestLookup(t *testing.T) {
	c, err := Lookup("aes")
	require.NoError(t, err)
	assert.Equal(t, AlgAES, c.Name())

	_, err = Lookup("ROT13")
	if !errors.Is(err, ErrUnsupportedAlgorithm) || !errors.Is(err, ErrCrypto) {
		t.Errorf("Lookup() error = %v, want ErrUnsupportedAlgorithm", err)
	}

	_, err = Lookup(AlgRSA)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm, "RSA is only used for key wrapping")
}

func TestMismatchedAlgorithmsInterop(t *testing.T) {
	clientKey, _ := GenerateSymmetricKey()
	serverKey, _ := GenerateSymmetricKey()

	toServer, err := Encrypt(AlgChaCha20, []byte("from client"), serverKey)
	require.NoError(t, err)
	toClient, err := Encrypt(AlgAES, []byte("from server"), clientKey)
	require.NoError(t, err)

	got, err := Decrypt(AlgChaCha20, toServer, serverKey)
	require.NoError(t, err)
	assert.Equal(t, "from client", string(got))

	got, err = Decrypt(AlgAES, toClient, clientKey)
	require.NoError(t, err)
	assert.Equal(t, "from server", string(got))
}
