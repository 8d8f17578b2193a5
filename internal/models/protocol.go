package models

import (
	"fmt"
	"slices"
	"strings"
)

// VPNProtocol constants are declared in priority order: WireGuard before
// OpenVPN before IKEv2, UDP before TCP before TLS.
type VPNProtocol int

const (
	WireGuardUDP VPNProtocol = iota + 1
	WireGuardTCP
	WireGuardTLS
	OpenVPNUDP
	OpenVPNTCP
	IKEv2
)

var AllProtocols = []VPNProtocol{WireGuardUDP, WireGuardTCP, WireGuardTLS, OpenVPNUDP, OpenVPNTCP, IKEv2}

var protocolNames = map[VPNProtocol]string{
	WireGuardUDP: "wireguard-udp",
	WireGuardTCP: "wireguard-tcp",
	WireGuardTLS: "wireguard-tls",
	OpenVPNUDP:   "openvpn-udp",
	OpenVPNTCP:   "openvpn-tcp",
	IKEv2:        "ikev2",
}

var defaultPorts = map[VPNProtocol][]int{
	WireGuardUDP: {443, 88, 1224, 51820, 500, 4500},
	WireGuardTCP: {443},
	WireGuardTLS: {443},
	OpenVPNUDP:   {80, 51820, 4569, 1194, 5060},
	OpenVPNTCP:   {443, 7770, 8443},
	IKEv2:        {500, 4500},
}

func (p VPNProtocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// Priority is lower for preferred protocols.
func (p VPNProtocol) Priority() int {
	return int(p)
}

func (p VPNProtocol) IsWireGuard() bool {
	return p == WireGuardUDP || p == WireGuardTCP || p == WireGuardTLS
}

func (p VPNProtocol) IsOpenVPN() bool {
	return p == OpenVPNUDP || p == OpenVPNTCP
}

// DefaultPorts returns a copy of the ports probed when a server IP carries no override.
func (p VPNProtocol) DefaultPorts() []int {
	return slices.Clone(defaultPorts[p])
}

func (p VPNProtocol) MarshalText() ([]byte, error) {
	if _, ok := protocolNames[p]; !ok {
		return nil, fmt.Errorf("unknown vpn protocol %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *VPNProtocol) UnmarshalText(text []byte) error {
	parsed, err := ParseVPNProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParseVPNProtocol(s string) (VPNProtocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown vpn protocol %q", s)
}

// SortByPriority orders protocols in place, most preferred first.
func SortByPriority(protocols []VPNProtocol) {
	slices.SortFunc(protocols, func(a, b VPNProtocol) int {
		return a.Priority() - b.Priority()
	})
}

// ConnectionProtocol is either smart negotiation or one explicit protocol.
type ConnectionProtocol struct {
	Smart    bool        `json:"smart" toml:"smart"`
	Protocol VPNProtocol `json:"protocol,omitempty" toml:"protocol,omitempty"`
}

func SmartProtocol() ConnectionProtocol {
	return ConnectionProtocol{Smart: true}
}

func ExplicitProtocol(p VPNProtocol) ConnectionProtocol {
	return ConnectionProtocol{Protocol: p}
}

func (c ConnectionProtocol) VPNProtocol() (VPNProtocol, bool) {
	if c.Smart {
		return 0, false
	}
	return c.Protocol, true
}

func (c ConnectionProtocol) String() string {
	if c.Smart {
		return "smart"
	}
	return c.Protocol.String()
}

func ParseConnectionProtocol(s string) (ConnectionProtocol, error) {
	if strings.EqualFold(strings.TrimSpace(s), "smart") {
		return SmartProtocol(), nil
	}
	p, err := ParseVPNProtocol(s)
	if err != nil {
		return ConnectionProtocol{}, err
	}
	return ExplicitProtocol(p), nil
}

// SmartProtocolConfig is the remote client config deciding which protocols
// smart negotiation may use.
type SmartProtocolConfig struct {
	WireGuardUDP bool `json:"WireGuardUDP"`
	WireGuardTCP bool `json:"WireGuardTCP"`
	WireGuardTLS bool `json:"WireGuardTLS"`
	OpenVPNUDP   bool `json:"OpenVPNUDP"`
	OpenVPNTCP   bool `json:"OpenVPNTCP"`
	IKEv2        bool `json:"IKEv2"`
}

func DefaultSmartProtocolConfig() SmartProtocolConfig {
	return SmartProtocolConfig{
		WireGuardUDP: true,
		WireGuardTCP: true,
		WireGuardTLS: true,
		OpenVPNUDP:   true,
		OpenVPNTCP:   true,
	}
}

func (c SmartProtocolConfig) Enabled(p VPNProtocol) bool {
	switch p {
	case WireGuardUDP:
		return c.WireGuardUDP
	case WireGuardTCP:
		return c.WireGuardTCP
	case WireGuardTLS:
		return c.WireGuardTLS
	case OpenVPNUDP:
		return c.OpenVPNUDP
	case OpenVPNTCP:
		return c.OpenVPNTCP
	case IKEv2:
		return c.IKEv2
	default:
		return false
	}
}

// SupportedProtocols lists enabled protocols in priority order.
func (c SmartProtocolConfig) SupportedProtocols() []VPNProtocol {
	var out []VPNProtocol
	for _, p := range AllProtocols {
		if c.Enabled(p) {
			out = append(out, p)
		}
	}
	return out
}

func (c SmartProtocolConfig) WithWireGuardTCPAndTLS(enabled bool) SmartProtocolConfig {
	c.WireGuardTCP = enabled
	c.WireGuardTLS = enabled
	return c
}
