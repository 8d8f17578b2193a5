package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestSealOpenAcrossManagers(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	first, err := NewCryptoManager("secret", salt)
	require.NoError(t, err)
	sealed, err := first.Seal([]byte("certificate body"))
	require.NoError(t, err)

	second, err := NewCryptoManager("secret", salt)
	require.NoError(t, err)
	plain, err := second.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "certificate body", string(plain))

	other, err := NewCryptoManager("other", salt)
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestCryptoManagerRejectsBadInput(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	_, err = NewCryptoManager("", salt)
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = NewCryptoManager("secret", salt[:4])
	assert.Error(t, err)

	cm, err := NewCryptoManager("secret", salt)
	require.NoError(t, err)
	_, err = cm.Open([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestGenerateKeyPair(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKey, b.PublicKey)

	ab, err := curve25519.X25519(a.PrivateKey[:], b.PublicKey[:])
	require.NoError(t, err)
	ba, err := curve25519.X25519(b.PrivateKey[:], a.PublicKey[:])
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.Len(t, EncodeKey(a.PublicKey), 44)
}
