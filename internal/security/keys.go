package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"vpngate/internal/models"
)

// GenerateKeyPair returns a clamped x25519 key pair.
func GenerateKeyPair() (models.KeyPair, error) {
	var kp models.KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return kp, fmt.Errorf("read random: %w", err)
	}
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] = (kp.PrivateKey[31] & 127) | 64

	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

func EncodeKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}
