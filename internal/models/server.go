package models

import (
	"fmt"
	"slices"
)

type Tier int

const (
	TierFree      Tier = 0
	TierBasic     Tier = 1
	TierPlus      Tier = 2
	TierVisionary Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierBasic:
		return "basic"
	case TierPlus:
		return "plus"
	case TierVisionary:
		return "visionary"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

type Feature uint32

const (
	FeatureSecureCore Feature = 1 << iota
	FeatureTor
	FeatureP2P
	FeatureStreaming
	FeatureRestricted
)

func (f Feature) Has(other Feature) bool {
	return f&other == other
}

type ServerType int

const (
	ServerTypeUnspecified ServerType = iota
	ServerTypeStandard
	ServerTypeSecureCore
	ServerTypeP2P
	ServerTypeTor
)

func (t ServerType) String() string {
	switch t {
	case ServerTypeStandard:
		return "standard"
	case ServerTypeSecureCore:
		return "secure-core"
	case ServerTypeP2P:
		return "p2p"
	case ServerTypeTor:
		return "tor"
	default:
		return "unspecified"
	}
}

type ProtocolEntry struct {
	IPv4  string `json:"ipv4,omitempty"`
	Ports []int  `json:"ports,omitempty"`
}

type ServerIP struct {
	ID              string                         `json:"id"`
	EntryIP         string                         `json:"entry_ip,omitempty"`
	ExitIP          string                         `json:"exit_ip"`
	Domain          string                         `json:"domain"`
	Status          int                            `json:"status"`
	Label           string                         `json:"label,omitempty"`
	X25519PublicKey string                         `json:"x25519_public_key,omitempty"`
	ProtocolEntries map[VPNProtocol]*ProtocolEntry `json:"protocol_entries,omitempty"`
}

func (ip ServerIP) UnderMaintenance() bool {
	return ip.Status == 0
}

func (ip ServerIP) defaultEntryIP() string {
	if ip.EntryIP != "" {
		return ip.EntryIP
	}
	return ip.ExitIP
}

// EntryIPFor resolves the address to dial for p. A nil ProtocolEntries map
// allows every protocol; a non-nil map allows only the protocols it lists.
func (ip ServerIP) EntryIPFor(p VPNProtocol) (string, bool) {
	if ip.ProtocolEntries == nil {
		return ip.defaultEntryIP(), true
	}
	entry, ok := ip.ProtocolEntries[p]
	if !ok {
		return "", false
	}
	if entry != nil && entry.IPv4 != "" {
		return entry.IPv4, true
	}
	return ip.defaultEntryIP(), true
}

func (ip ServerIP) PortsFor(p VPNProtocol) []int {
	if entry := ip.ProtocolEntries[p]; entry != nil && len(entry.Ports) > 0 {
		return slices.Clone(entry.Ports)
	}
	return p.DefaultPorts()
}

func (ip ServerIP) SupportsProtocol(p VPNProtocol) bool {
	_, ok := ip.EntryIPFor(p)
	return ok
}

func (ip ServerIP) SupportsConnectionProtocol(cp ConnectionProtocol, smart SmartProtocolConfig) bool {
	if p, ok := cp.VPNProtocol(); ok {
		return ip.SupportsProtocol(p)
	}
	for _, p := range smart.SupportedProtocols() {
		if ip.SupportsProtocol(p) {
			return true
		}
	}
	return false
}

type Location struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Server is immutable once fetched; a refresh replaces the whole catalog.
type Server struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Domain       string     `json:"domain"`
	Load         int        `json:"load"`
	EntryCountry string     `json:"entry_country"`
	ExitCountry  string     `json:"exit_country"`
	HostCountry  string     `json:"host_country,omitempty"`
	Tier         Tier       `json:"tier"`
	Score        float64    `json:"score"`
	Status       int        `json:"status"`
	Features     Feature    `json:"features"`
	City         string     `json:"city,omitempty"`
	GatewayName  string     `json:"gateway_name,omitempty"`
	Location     Location   `json:"location"`
	IPs          []ServerIP `json:"ips"`
}

func (s Server) CountryCode() string {
	return s.ExitCountry
}

func (s Server) UnderMaintenance() bool {
	return s.Status == 0
}

func (s Server) IsFree() bool {
	return s.Tier == TierFree
}

func (s Server) IsSecureCore() bool {
	return s.Features.Has(FeatureSecureCore)
}

func (s Server) IsTor() bool {
	return s.Features.Has(FeatureTor)
}

func (s Server) IsRestricted() bool {
	return s.Features.Has(FeatureRestricted)
}

func (s Server) ServerType() ServerType {
	if s.IsSecureCore() {
		return ServerTypeSecureCore
	}
	return ServerTypeStandard
}

func (s Server) SupportsProtocol(p VPNProtocol) bool {
	return slices.ContainsFunc(s.IPs, func(ip ServerIP) bool {
		return ip.SupportsProtocol(p)
	})
}

func (s Server) SupportsConnectionProtocol(cp ConnectionProtocol, smart SmartProtocolConfig) bool {
	return slices.ContainsFunc(s.IPs, func(ip ServerIP) bool {
		return ip.SupportsConnectionProtocol(cp, smart)
	})
}

// AvailableIPs are the server IPs not under maintenance.
func (s Server) AvailableIPs() []ServerIP {
	out := make([]ServerIP, 0, len(s.IPs))
	for _, ip := range s.IPs {
		if !ip.UnderMaintenance() {
			out = append(out, ip)
		}
	}
	return out
}

type GroupKind int

const (
	GroupCountry GroupKind = iota
	GroupGateway
)

// ServerGroup is recomputed from the catalog on every selection call.
type ServerGroup struct {
	Kind    GroupKind `json:"kind"`
	Key     string    `json:"key"`
	Servers []Server  `json:"servers"`
}
