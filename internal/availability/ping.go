package availability

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"vpngate/internal/models"
)

var errNoReply = errors.New("no reply")

func defaultPing(protocol models.VPNProtocol, staticKey []byte) PingFunc {
	switch protocol {
	case models.WireGuardUDP:
		return wireGuardPing
	case models.WireGuardTCP:
		return tcpPing
	case models.WireGuardTLS:
		return tlsPing
	case models.OpenVPNUDP:
		return openVPNPing("udp", staticKey)
	case models.OpenVPNTCP:
		return openVPNPing("tcp", staticKey)
	case models.IKEv2:
		return ikePing
	default:
		return func(context.Context, string, models.ServerIP) error {
			return fmt.Errorf("no probe for %s", protocol)
		}
	}
}

func dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// exchange writes one packet and waits for any bytes back.
func exchange(ctx context.Context, network, addr string, packet []byte) error {
	conn, err := dial(ctx, network, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if n > 0 {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return errNoReply
	}
	return err
}

func tcpPing(ctx context.Context, addr string, _ models.ServerIP) error {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// tlsPing completes a TLS handshake using the server domain as SNI. The
// stealth endpoints present certificates that do not chain to system roots,
// and no data is exchanged, so only handshake completion is checked.
func tlsPing(ctx context.Context, addr string, ip models.ServerIP) error {
	d := tls.Dialer{
		Config: &tls.Config{
			ServerName:         ip.Domain,
			InsecureSkipVerify: true, //nolint:gosec // reachability probe only
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

const (
	ikeHeaderLen      = 28
	ikeExchangeSAInit = 34
	ikeFlagInitiator  = 0x08
	ikeVersion2       = 0x20
	ikeNATTPort       = "4500"
)

// ikePing sends a bare IKE_SA_INIT header. Responders answer it with an
// INVALID_SYNTAX notification, which is enough to prove reachability.
func ikePing(ctx context.Context, addr string, _ models.ServerIP) error {
	packet := make([]byte, ikeHeaderLen)
	if _, err := rand.Read(packet[:8]); err != nil {
		return err
	}
	packet[17] = ikeVersion2
	packet[18] = ikeExchangeSAInit
	packet[19] = ikeFlagInitiator
	binary.BigEndian.PutUint32(packet[24:], ikeHeaderLen)

	if strings.HasSuffix(addr, ":"+ikeNATTPort) {
		packet = append(make([]byte, 4), packet...)
	}
	return exchange(ctx, "udp", addr, packet)
}
