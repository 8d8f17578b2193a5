package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32
	SaltSize   = 16
	iterations = 100000
)

var (
	ErrEmptySecret        = errors.New("master secret cannot be empty")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// CryptoManager seals values stored at rest. The salt must be persisted next
// to the data so the same key can be derived on the next start.
type CryptoManager struct {
	masterKey []byte
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func NewCryptoManager(secret string, salt []byte) (*CryptoManager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if len(salt) != SaltSize {
		return nil, errors.New("invalid salt size")
	}

	key := pbkdf2.Key([]byte(secret), salt, iterations, keySize, sha256.New)

	return &CryptoManager{
		masterKey: key,
	}, nil
}

func (cm *CryptoManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(cm.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (cm *CryptoManager) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := cm.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (cm *CryptoManager) Open(data []byte) ([]byte, error) {
	gcm, err := cm.gcm()
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce := data[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, data[gcm.NonceSize():], nil)
}
