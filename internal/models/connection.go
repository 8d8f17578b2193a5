package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type ConnectionKind int

const (
	ConnectFastest ConnectionKind = iota
	ConnectRandom
	ConnectCountry
	ConnectCity
	ConnectServer
	ConnectProfile
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectFastest:
		return "fastest"
	case ConnectRandom:
		return "random"
	case ConnectCountry:
		return "country"
	case ConnectCity:
		return "city"
	case ConnectServer:
		return "server"
	case ConnectProfile:
		return "profile"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type PickPolicy int

const (
	PickFastest PickPolicy = iota
	PickRandom
)

type ConnectionType struct {
	Kind        ConnectionKind `json:"kind"`
	CountryCode string         `json:"country_code,omitempty"`
	City        string         `json:"city,omitempty"`
	Pick        PickPolicy     `json:"pick"`
	Server      *Server        `json:"server,omitempty"`
	ProfileID   string         `json:"profile_id,omitempty"`
}

func Fastest() ConnectionType {
	return ConnectionType{Kind: ConnectFastest}
}

func Random() ConnectionType {
	return ConnectionType{Kind: ConnectRandom, Pick: PickRandom}
}

func Country(code string, pick PickPolicy) ConnectionType {
	return ConnectionType{Kind: ConnectCountry, CountryCode: code, Pick: pick}
}

func City(code, city string) ConnectionType {
	return ConnectionType{Kind: ConnectCity, CountryCode: code, City: city}
}

func SpecificServer(s Server) ConnectionType {
	return ConnectionType{Kind: ConnectServer, CountryCode: s.CountryCode(), Server: &s}
}

// ProfileConnection is resolved by the gateway through the profile store.
func ProfileConnection(id string) ConnectionType {
	return ConnectionType{Kind: ConnectProfile, ProfileID: id}
}

// IsSpecific reports whether the user narrowed the pick below "any server".
func (t ConnectionType) IsSpecific() bool {
	return t.Kind == ConnectCountry || t.Kind == ConnectCity || t.Kind == ConnectServer
}

func (t ConnectionType) String() string {
	switch t.Kind {
	case ConnectCountry:
		return "country:" + t.CountryCode
	case ConnectCity:
		return "city:" + t.CountryCode + "/" + t.City
	case ConnectServer:
		if t.Server != nil {
			return "server:" + t.Server.Name
		}
	case ConnectProfile:
		return "profile:" + t.ProfileID
	}
	return t.Kind.String()
}

type Trigger int

const (
	TriggerUser Trigger = iota
	TriggerAuto
	TriggerCountry
	TriggerProfile
	TriggerServer
	TriggerCity
	TriggerNewConnection
	TriggerReconnect
)

type NetShieldLevel int

const (
	NetShieldOff NetShieldLevel = iota
	NetShieldMalware
	NetShieldAdsAndMalware
)

type NATType int

const (
	NATStrict NATType = iota
	NATModerate
)

type ConnectionRequest struct {
	ServerType ServerType         `json:"server_type"`
	Type       ConnectionType     `json:"type"`
	Protocol   ConnectionProtocol `json:"protocol"`
	NetShield  NetShieldLevel     `json:"net_shield"`
	NATType    NATType            `json:"nat_type"`
	SafeMode   *bool              `json:"safe_mode,omitempty"`
	ProfileID  string             `json:"profile_id,omitempty"`
	Trigger    Trigger            `json:"trigger"`
}

func (r ConnectionRequest) WithNetShield(level NetShieldLevel) ConnectionRequest {
	r.NetShield = level
	return r
}

func (r ConnectionRequest) WithNATType(nat NATType) ConnectionRequest {
	r.NATType = nat
	return r
}

func (r ConnectionRequest) WithSafeMode(enabled bool) ConnectionRequest {
	r.SafeMode = &enabled
	return r
}

func (r ConnectionRequest) WithProtocol(p ConnectionProtocol) ConnectionRequest {
	r.Protocol = p
	return r
}

func (r ConnectionRequest) WithType(t ConnectionType) ConnectionRequest {
	r.Type = t
	return r
}

// ConnectionConfiguration is the resolved outcome of a connect. It is a value:
// the With methods return modified copies and never touch the receiver's slices.
type ConnectionConfiguration struct {
	ID        uuid.UUID      `json:"id"`
	Server    Server         `json:"server"`
	ServerIP  ServerIP       `json:"server_ip"`
	EntryIP   string         `json:"entry_ip"`
	Protocol  VPNProtocol    `json:"protocol"`
	Ports     []int          `json:"ports"`
	NetShield NetShieldLevel `json:"net_shield"`
	NATType   NATType        `json:"nat_type"`
	SafeMode  *bool          `json:"safe_mode,omitempty"`
	Intent    ConnectionType `json:"intent"`
}

func (c ConnectionConfiguration) clone() ConnectionConfiguration {
	c.Ports = slices.Clone(c.Ports)
	if c.SafeMode != nil {
		v := *c.SafeMode
		c.SafeMode = &v
	}
	return c
}

func (c ConnectionConfiguration) WithNetShield(level NetShieldLevel) ConnectionConfiguration {
	out := c.clone()
	out.NetShield = level
	return out
}

func (c ConnectionConfiguration) WithNATType(nat NATType) ConnectionConfiguration {
	out := c.clone()
	out.NATType = nat
	return out
}

func (c ConnectionConfiguration) WithSafeMode(enabled bool) ConnectionConfiguration {
	out := c.clone()
	out.SafeMode = &enabled
	return out
}

func (c ConnectionConfiguration) WithProtocol(p VPNProtocol, ports []int) ConnectionConfiguration {
	out := c.clone()
	out.Protocol = p
	out.Ports = slices.Clone(ports)
	return out
}

// WithPorts keeps the protocol and swaps the remaining port list.
func (c ConnectionConfiguration) WithPorts(ports []int) ConnectionConfiguration {
	out := c.clone()
	out.Ports = slices.Clone(ports)
	return out
}

func (c ConnectionConfiguration) WithServerIP(ip ServerIP, entryIP string) ConnectionConfiguration {
	out := c.clone()
	out.ServerIP = ip
	out.EntryIP = entryIP
	return out
}

// WithID is used for every new endpoint attempt so late tunnel events for the
// previous one can be told apart.
func (c ConnectionConfiguration) WithID(id uuid.UUID) ConnectionConfiguration {
	out := c.clone()
	out.ID = id
	return out
}

func (c ConnectionConfiguration) PreferredPort() (int, bool) {
	if len(c.Ports) == 0 {
		return 0, false
	}
	return c.Ports[0], true
}

func (c ConnectionConfiguration) Address() string {
	port, _ := c.PreferredPort()
	return fmt.Sprintf("%s:%d", c.EntryIP, port)
}

// ServerChangeItem records one completed connection for the server-change cooldown.
type ServerChangeItem struct {
	Kind ConnectionKind `json:"kind"`
	At   time.Time      `json:"at"`
}
