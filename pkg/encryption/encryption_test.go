package encryption_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inlethq/inlet/pkg/encryption"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}

	return key
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33} {
		_, err := encryption.New(make([]byte, size))
		assert.Error(t, err, "key size %d", size)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cipher, err := encryption.New(testKey())
	require.NoError(t, err)

	for _, plaintext := range []string{"", "ya29.a0AfH6...", "refresh-token-with-ünïcode"} {
		ct, err := cipher.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := cipher.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	cipher, err := encryption.New(testKey())
	require.NoError(t, err)

	a, err := cipher.Encrypt("same plaintext")
	require.NoError(t, err)

	b, err := cipher.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	cipher, err := encryption.New(testKey())
	require.NoError(t, err)

	ct, err := cipher.Encrypt("secret")
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0x01

	_, err = cipher.Decrypt(ct)
	assert.Error(t, err)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	cipher, err := encryption.New(testKey())
	require.NoError(t, err)

	other, err := encryption.New(make([]byte, 32))
	require.NoError(t, err)

	ct, err := cipher.Encrypt("secret")
	require.NoError(t, err)

	_, err = other.Decrypt(ct)
	assert.Error(t, err)
}
