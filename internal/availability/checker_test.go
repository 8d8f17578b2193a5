package availability

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpngate/internal/models"
)

func localIP(protocol models.VPNProtocol, ports ...int) models.ServerIP {
	return models.ServerIP{
		ID:      "ip-1",
		EntryIP: "127.0.0.1",
		ExitIP:  "127.0.0.2",
		Domain:  "node-1.example.net",
		Status:  1,
		ProtocolEntries: map[models.VPNProtocol]*models.ProtocolEntry{
			protocol: {Ports: ports},
		},
	}
}

func portOf(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func TestCheckAvailabilityCollectsRespondingPorts(t *testing.T) {
	var calls atomic.Int32
	ping := func(_ context.Context, addr string, _ models.ServerIP) error {
		calls.Add(1)
		if addr == "127.0.0.1:443" || addr == "127.0.0.1:1194" {
			return nil
		}
		return errors.New("timeout")
	}
	c := NewChecker(models.OpenVPNUDP, WithPing(ping))

	res := c.CheckAvailability(context.Background(), localIP(models.OpenVPNUDP, 80, 443, 1194, 5060))

	assert.True(t, res.Available)
	assert.ElementsMatch(t, []int{443, 1194}, res.Ports)
	assert.EqualValues(t, 4, calls.Load())
}

func TestCheckAvailabilityOrdersByResponseTime(t *testing.T) {
	ping := func(_ context.Context, addr string, _ models.ServerIP) error {
		if addr == "127.0.0.1:80" {
			time.Sleep(150 * time.Millisecond)
		}
		return nil
	}
	c := NewChecker(models.WireGuardTCP, WithPing(ping))

	res := c.CheckAvailability(context.Background(), localIP(models.WireGuardTCP, 80, 443))

	require.True(t, res.Available)
	assert.Equal(t, []int{443, 80}, res.Ports)
}

func TestCheckAvailabilityNothingAnswers(t *testing.T) {
	ping := func(ctx context.Context, _ string, _ models.ServerIP) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := NewChecker(models.WireGuardUDP, WithPing(ping), WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := c.CheckAvailability(context.Background(), localIP(models.WireGuardUDP, 1, 2, 3))

	assert.False(t, res.Available)
	assert.Empty(t, res.Ports)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckAvailabilityUnsupportedProtocol(t *testing.T) {
	c := NewChecker(models.IKEv2, WithPing(func(context.Context, string, models.ServerIP) error {
		t.Fatal("unsupported protocol must not be probed")
		return nil
	}))

	res := c.CheckAvailability(context.Background(), localIP(models.WireGuardUDP, 51820))
	assert.False(t, res.Available)
}

func TestTCPPingAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	open := portOf(t, ln.Addr())
	c := NewChecker(models.WireGuardTCP, WithTimeout(time.Second))
	ip := localIP(models.WireGuardTCP, open)

	assert.True(t, c.Ping(context.Background(), ip, open, time.Second))

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := portOf(t, closed.Addr())
	closed.Close()
	assert.False(t, c.Ping(context.Background(), ip, closedPort, time.Second))
}

func TestOpenVPNUDPPingGetsReply(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 2048)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		received <- append([]byte(nil), buf[:n]...)
		_, _ = pc.WriteTo([]byte{0x40}, addr)
	}()

	port := portOf(t, pc.LocalAddr())
	key := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	c := NewChecker(models.OpenVPNUDP, WithOpenVPNStaticKey(key))

	assert.True(t, c.Ping(context.Background(), localIP(models.OpenVPNUDP, port), port, time.Second))

	packet := <-received
	assert.Equal(t, byte(openVPNHardResetClientV2), packet[0])
	assert.Len(t, packet, 1+8+sha512.Size+4+4+5)
}

func TestOpenVPNTCPPingSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	port := portOf(t, ln.Addr())
	c := NewChecker(models.OpenVPNTCP)
	assert.False(t, c.Ping(context.Background(), localIP(models.OpenVPNTCP, port), port, 100*time.Millisecond))
}

func TestOpenVPNHandshakeLayout(t *testing.T) {
	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i)
	}
	now := time.Unix(1700000000, 0)

	packet, err := openVPNHandshake(key, now, true)
	require.NoError(t, err)

	length := binary.BigEndian.Uint16(packet[:2])
	body := packet[2:]
	require.Equal(t, int(length), len(body))
	require.Len(t, body, 86)

	assert.Equal(t, byte(7<<3), body[0])
	sid := body[1:9]
	digest := body[9 : 9+sha512.Size]
	rest := body[9+sha512.Size:]
	assert.Equal(t, []byte{0, 0, 0, 1}, rest[:4])
	assert.Equal(t, uint32(now.Unix()), binary.BigEndian.Uint32(rest[4:8]))
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, rest[8:])

	signed := append([]byte{0, 0, 0, 1}, rest[4:8]...)
	signed = append(signed, 7<<3)
	signed = append(signed, sid...)
	signed = append(signed, 0, 0, 0, 0, 0)
	mac := hmac.New(sha512.New, key)
	mac.Write(signed)
	assert.Equal(t, mac.Sum(nil), digest)

	datagram, err := openVPNHandshake(key, now, false)
	require.NoError(t, err)
	assert.Len(t, datagram, 86)
}

func TestParseStaticKey(t *testing.T) {
	file := "#\n# 2048 bit OpenVPN static key\n#\n-----BEGIN OpenVPN Static key V1-----\n"
	for range 16 {
		file += "00112233445566778899aabbccddeeff\n"
	}
	file += "-----END OpenVPN Static key V1-----\n"

	key, err := ParseStaticKey(file)
	require.NoError(t, err)
	assert.Len(t, key, 64)
	assert.Equal(t, byte(0x00), key[0])
	assert.Equal(t, byte(0xff), key[63])

	_, err = ParseStaticKey("zz")
	assert.Error(t, err)
}

func TestFirstToRespondPort(t *testing.T) {
	ping := func(_ context.Context, addr string, _ models.ServerIP) error {
		if addr == "127.0.0.1:8443" {
			return nil
		}
		return errors.New("closed")
	}
	c := NewChecker(models.OpenVPNTCP, WithPing(ping))

	ports := FirstToRespondPort(context.Background(), c, localIP(models.OpenVPNTCP, 443, 7770, 8443))
	assert.Equal(t, []int{8443, 443, 7770}, ports)
}

func TestNewSetFollowsPriorityOrder(t *testing.T) {
	set := NewSet([]models.VPNProtocol{models.IKEv2, models.OpenVPNTCP, models.WireGuardUDP})

	var got []models.VPNProtocol
	for _, c := range set.Checkers() {
		got = append(got, c.Protocol())
	}
	assert.Equal(t, []models.VPNProtocol{models.WireGuardUDP, models.OpenVPNTCP, models.IKEv2}, got)
}
