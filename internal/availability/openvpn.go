package availability

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"vpngate/internal/models"
)

const (
	openVPNHardResetClientV2 = 7 << 3
	openVPNHMACKeyLen        = 64
)

// ParseStaticKey decodes an OpenVPN static key file or a bare hex string and
// keeps the trailing bytes used as the HMAC key.
func ParseStaticKey(s string) ([]byte, error) {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(line)
	}
	raw, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("decode static key: %w", err)
	}
	if len(raw) > openVPNHMACKeyLen {
		raw = raw[len(raw)-openVPNHMACKeyLen:]
	}
	return raw, nil
}

// openVPNHandshake builds a signed P_CONTROL_HARD_RESET_CLIENT_V2 packet.
// Stream transports get a two byte length prefix.
func openVPNHandshake(key []byte, now time.Time, stream bool) ([]byte, error) {
	sid := make([]byte, 8)
	if _, err := rand.Read(sid); err != nil {
		return nil, err
	}

	packetID := []byte{0, 0, 0, 1}
	ts := make([]byte, 4)
	binary.BigEndian.PutUint32(ts, uint32(now.Unix()))
	tail := []byte{0, 0, 0, 0, 0}

	signed := make([]byte, 0, 22)
	signed = append(signed, packetID...)
	signed = append(signed, ts...)
	signed = append(signed, openVPNHardResetClientV2)
	signed = append(signed, sid...)
	signed = append(signed, tail...)

	mac := hmac.New(sha512.New, key)
	mac.Write(signed)
	digest := mac.Sum(nil)

	packet := make([]byte, 0, 1+len(sid)+len(digest)+len(packetID)+len(ts)+len(tail))
	packet = append(packet, openVPNHardResetClientV2)
	packet = append(packet, sid...)
	packet = append(packet, digest...)
	packet = append(packet, packetID...)
	packet = append(packet, ts...)
	packet = append(packet, tail...)

	if !stream {
		return packet, nil
	}
	framed := make([]byte, 2, 2+len(packet))
	binary.BigEndian.PutUint16(framed, uint16(len(packet)))
	return append(framed, packet...), nil
}

func openVPNPing(network string, key []byte) PingFunc {
	return func(ctx context.Context, addr string, _ models.ServerIP) error {
		packet, err := openVPNHandshake(key, time.Now(), network == "tcp")
		if err != nil {
			return err
		}
		return exchange(ctx, network, addr, packet)
	}
}
