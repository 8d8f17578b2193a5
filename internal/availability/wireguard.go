package availability

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"vpngate/internal/models"
	"vpngate/internal/security"
)

const (
	wgMessageInitiation    = 1
	wgInitiationSize       = 148
	wgMAC1Offset           = 116
	wgTAI64NBase           = uint64(0x400000000000000a)
	wgEncryptedStaticSize  = 32 + chacha20poly1305.Overhead
	wgEphemeralOffset      = 8
	wgEncryptedStaticStart = wgEphemeralOffset + 32
	wgEncryptedStampStart  = wgEncryptedStaticStart + wgEncryptedStaticSize
)

var (
	wgConstruction = []byte("Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s")
	wgIdentifier   = []byte("WireGuard v1 zx2c4 Jason@zx2c4.com")
	wgLabelMAC1    = []byte("mac1----")

	errMissingServerKey = errors.New("server ip has no x25519 public key")
)

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func wgHash(parts ...[]byte) [blake2s.Size]byte {
	h := newBlake2s()
	for _, p := range parts {
		h.Write(p)
	}
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}

func wgHMAC(key []byte, parts ...[]byte) [blake2s.Size]byte {
	mac := hmac.New(newBlake2s, key)
	for _, p := range parts {
		mac.Write(p)
	}
	var out [blake2s.Size]byte
	mac.Sum(out[:0])
	return out
}

func wgKDF1(key, input []byte) [blake2s.Size]byte {
	t0 := wgHMAC(key, input)
	return wgHMAC(t0[:], []byte{0x1})
}

func wgKDF2(key, input []byte) ([blake2s.Size]byte, [blake2s.Size]byte) {
	t0 := wgHMAC(key, input)
	t1 := wgHMAC(t0[:], []byte{0x1})
	t2 := wgHMAC(t0[:], t1[:], []byte{0x2})
	return t1, t2
}

func tai64n(now time.Time) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint64(out, wgTAI64NBase+uint64(now.Unix()))
	binary.BigEndian.PutUint32(out[8:], uint32(now.Nanosecond()))
	return out
}

func seal(key [blake2s.Size]byte, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// wireGuardInitiation builds a handshake initiation message addressed to the
// responder static key. mac2 stays zero since no cookie was received.
func wireGuardInitiation(local models.KeyPair, remote [32]byte, now time.Time) ([]byte, error) {
	ephemeral, err := security.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	msg := make([]byte, wgInitiationSize)
	msg[0] = wgMessageInitiation
	if _, err := rand.Read(msg[4:8]); err != nil {
		return nil, err
	}

	chain := wgHash(wgConstruction)
	h := wgHash(chain[:], wgIdentifier)
	h = wgHash(h[:], remote[:])

	chain = wgKDF1(chain[:], ephemeral.PublicKey[:])
	copy(msg[wgEphemeralOffset:], ephemeral.PublicKey[:])
	h = wgHash(h[:], ephemeral.PublicKey[:])

	shared, err := curve25519.X25519(ephemeral.PrivateKey[:], remote[:])
	if err != nil {
		return nil, fmt.Errorf("ephemeral dh: %w", err)
	}
	chain, key := wgKDF2(chain[:], shared)
	static, err := seal(key, local.PublicKey[:], h[:])
	if err != nil {
		return nil, err
	}
	copy(msg[wgEncryptedStaticStart:], static)
	h = wgHash(h[:], static)

	shared, err = curve25519.X25519(local.PrivateKey[:], remote[:])
	if err != nil {
		return nil, fmt.Errorf("static dh: %w", err)
	}
	_, key = wgKDF2(chain[:], shared)
	stamp, err := seal(key, tai64n(now), h[:])
	if err != nil {
		return nil, err
	}
	copy(msg[wgEncryptedStampStart:], stamp)

	macKey := wgHash(wgLabelMAC1, remote[:])
	mac, err := blake2s.New128(macKey[:])
	if err != nil {
		return nil, err
	}
	mac.Write(msg[:wgMAC1Offset])
	copy(msg[wgMAC1Offset:], mac.Sum(nil))

	return msg, nil
}

func decodeServerKey(ip models.ServerIP) ([32]byte, error) {
	var key [32]byte
	if ip.X25519PublicKey == "" {
		return key, errMissingServerKey
	}
	raw, err := base64.StdEncoding.DecodeString(ip.X25519PublicKey)
	if err != nil {
		return key, fmt.Errorf("decode server key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("server key has %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func wireGuardPing(ctx context.Context, addr string, ip models.ServerIP) error {
	remote, err := decodeServerKey(ip)
	if err != nil {
		return err
	}
	local, err := security.GenerateKeyPair()
	if err != nil {
		return err
	}
	msg, err := wireGuardInitiation(local, remote, time.Now())
	if err != nil {
		return err
	}
	return exchange(ctx, "udp", addr, msg)
}
