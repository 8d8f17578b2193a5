package smartprotocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpngate/internal/availability"
	"vpngate/internal/models"
)

// scriptedChecker answers pass i with results[i], repeating the last entry.
type scriptedChecker struct {
	protocol models.VPNProtocol
	results  []availability.Result
	delay    time.Duration

	mu    sync.Mutex
	calls int
}

func (c *scriptedChecker) Protocol() models.VPNProtocol {
	return c.protocol
}

func (c *scriptedChecker) CheckAvailability(ctx context.Context, _ models.ServerIP) availability.Result {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return availability.Unavailable()
		}
	}
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	return c.results[i]
}

func (c *scriptedChecker) Ping(context.Context, models.ServerIP, int, time.Duration) bool {
	return false
}

func (c *scriptedChecker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func unavailable() availability.Result {
	return availability.Unavailable()
}

func available(ports ...int) availability.Result {
	return availability.Available(ports)
}

var serverIP = models.ServerIP{ID: "ip", EntryIP: "198.51.100.7", Domain: "ch-01.example.net", Status: 1}

func smartConfig() models.SmartProtocolConfig {
	return models.SmartProtocolConfig{
		WireGuardUDP: true,
		WireGuardTCP: true,
		WireGuardTLS: true,
		OpenVPNUDP:   true,
		OpenVPNTCP:   true,
		IKEv2:        true,
	}
}

func TestRetryPassSucceeds(t *testing.T) {
	wg := &scriptedChecker{protocol: models.WireGuardUDP, results: []availability.Result{unavailable(), available(51820)}}
	ovpn := &scriptedChecker{protocol: models.OpenVPNTCP, results: []availability.Result{unavailable(), unavailable()}}
	n := New(wg, ovpn)

	out, err := n.Negotiate(context.Background(), serverIP, models.SmartProtocol(), smartConfig())
	require.NoError(t, err)
	assert.Equal(t, models.WireGuardUDP, out.Protocol)
	assert.Equal(t, []int{51820}, out.Ports)
	assert.Equal(t, 2, out.Passes)
	assert.Equal(t, 2, wg.Calls())
	assert.Equal(t, 2, ovpn.Calls())
}

func TestAllAvailableOnSecondPass(t *testing.T) {
	var checkers []availability.Checker
	var scripted []*scriptedChecker
	for _, p := range models.AllProtocols {
		c := &scriptedChecker{protocol: p, results: []availability.Result{unavailable(), available(443)}}
		scripted = append(scripted, c)
		checkers = append(checkers, c)
	}
	n := New(checkers...)

	out, err := n.Negotiate(context.Background(), serverIP, models.SmartProtocol(), smartConfig())
	require.NoError(t, err)
	assert.Equal(t, models.WireGuardUDP, out.Protocol)
	assert.Equal(t, 2, out.Passes)
	for _, c := range scripted {
		assert.Equal(t, 2, c.Calls(), c.protocol.String())
	}
}

func TestExhaustedAfterTwoPasses(t *testing.T) {
	var scripted []*scriptedChecker
	var checkers []availability.Checker
	for _, p := range []models.VPNProtocol{models.WireGuardUDP, models.WireGuardTLS, models.OpenVPNUDP} {
		c := &scriptedChecker{protocol: p, results: []availability.Result{unavailable()}}
		scripted = append(scripted, c)
		checkers = append(checkers, c)
	}
	n := New(checkers...)

	out, err := n.Negotiate(context.Background(), serverIP, models.SmartProtocol(), smartConfig())
	require.ErrorIs(t, err, ErrExhaustedProtocols)
	assert.Equal(t, 2, out.Passes)
	for _, c := range scripted {
		assert.Equal(t, 2, c.Calls())
	}
}

func TestPriorityBreaksTies(t *testing.T) {
	ikev2 := &scriptedChecker{protocol: models.IKEv2, results: []availability.Result{available(500)}}
	ovpnTCP := &scriptedChecker{protocol: models.OpenVPNTCP, results: []availability.Result{available(443)}}
	wgTLS := &scriptedChecker{protocol: models.WireGuardTLS, results: []availability.Result{available(443)}, delay: 50 * time.Millisecond}
	n := New(ikev2, ovpnTCP, wgTLS)

	out, err := n.Negotiate(context.Background(), serverIP, models.SmartProtocol(), smartConfig())
	require.NoError(t, err)
	assert.Equal(t, models.WireGuardTLS, out.Protocol)
	assert.Equal(t, 1, out.Passes)
}

func TestCandidatesFilteredByConfigAndServer(t *testing.T) {
	ip := serverIP
	ip.ProtocolEntries = map[models.VPNProtocol]*models.ProtocolEntry{
		models.WireGuardUDP: nil,
		models.WireGuardTLS: nil,
		models.OpenVPNTCP:   {Ports: []int{8443}},
	}
	var checkers []availability.Checker
	for _, p := range models.AllProtocols {
		checkers = append(checkers, &scriptedChecker{protocol: p, results: []availability.Result{unavailable()}})
	}
	n := New(checkers...)

	smart := smartConfig().WithWireGuardTCPAndTLS(false)
	assert.Equal(t, []models.VPNProtocol{models.WireGuardUDP, models.OpenVPNTCP}, n.Candidates(ip, smart))
}

func TestNoCandidatesSkipsProbing(t *testing.T) {
	wg := &scriptedChecker{protocol: models.WireGuardUDP, results: []availability.Result{available(443)}}
	n := New(wg)

	_, err := n.Negotiate(context.Background(), serverIP, models.SmartProtocol(), models.SmartProtocolConfig{OpenVPNUDP: true})
	require.ErrorIs(t, err, ErrNoCandidates)
	assert.Zero(t, wg.Calls())
}

func TestExplicitProtocolIsNotProbed(t *testing.T) {
	ovpn := &scriptedChecker{protocol: models.OpenVPNTCP, results: []availability.Result{unavailable()}}
	n := New(ovpn)

	out, err := n.Negotiate(context.Background(), serverIP, models.ExplicitProtocol(models.OpenVPNTCP), smartConfig())
	require.NoError(t, err)
	assert.Equal(t, models.OpenVPNTCP, out.Protocol)
	assert.Equal(t, models.OpenVPNTCP.DefaultPorts(), out.Ports)
	assert.Zero(t, out.Passes)
	assert.Zero(t, ovpn.Calls())
}

func TestCancelledNegotiation(t *testing.T) {
	wg := &scriptedChecker{protocol: models.WireGuardUDP, results: []availability.Result{available(443)}, delay: time.Second}
	n := New(wg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := n.Negotiate(ctx, serverIP, models.SmartProtocol(), smartConfig())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, wg.Calls())
}
