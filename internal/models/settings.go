package models

import "time"

// Settings is the user's local choice set. It is passed explicitly into the
// selector and the gateway instead of being read from shared state.
type Settings struct {
	SecureCore         bool               `toml:"secure_core" json:"secure_core"`
	ConnectionProtocol ConnectionProtocol `toml:"connection_protocol" json:"connection_protocol"`
	NetShield          NetShieldLevel     `toml:"net_shield" json:"net_shield"`
	NATType            NATType            `toml:"nat_type" json:"nat_type"`
	SafeMode           *bool              `toml:"safe_mode,omitempty" json:"safe_mode,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{ConnectionProtocol: SmartProtocol()}
}

func (s Settings) ServerType() ServerType {
	if s.SecureCore {
		return ServerTypeSecureCore
	}
	return ServerTypeStandard
}

// Request builds a connection request carrying the current feature values.
func (s Settings) Request(t ConnectionType, trigger Trigger) ConnectionRequest {
	return ConnectionRequest{
		ServerType: ServerTypeUnspecified,
		Type:       t,
		Protocol:   s.ConnectionProtocol,
		NetShield:  s.NetShield,
		NATType:    s.NATType,
		SafeMode:   s.SafeMode,
		Trigger:    trigger,
	}
}

type FeatureFlags struct {
	NetShield           bool `json:"NetShield"`
	SafeMode            bool `json:"SafeMode"`
	WireGuardTLS        bool `json:"WireGuardTls"`
	ShowNewFreePlan     bool `json:"ShowNewFreePlan"`
	EnforceDeprecations bool `json:"EnforceDeprecatedProtocols"`
}

type ServerChangeConfig struct {
	AttemptLimit int           `json:"ChangeServerAttemptLimit"`
	ShortDelay   time.Duration `json:"-"`
	LongDelay    time.Duration `json:"-"`
}

// ClientConfig is the remotely supplied configuration.
type ClientConfig struct {
	FeatureFlags          FeatureFlags        `json:"FeatureFlags"`
	SmartProtocol         SmartProtocolConfig `json:"SmartProtocol"`
	ServerChange          ServerChangeConfig  `json:"ServerChange"`
	DeprecatedProtocols   []VPNProtocol       `json:"DeprecatedProtocols"`
	ServerRefreshInterval time.Duration       `json:"-"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		FeatureFlags:  FeatureFlags{NetShield: true, SafeMode: true, WireGuardTLS: true},
		SmartProtocol: DefaultSmartProtocolConfig(),
		ServerChange: ServerChangeConfig{
			AttemptLimit: 3,
			ShortDelay:   90 * time.Second,
			LongDelay:    20 * time.Minute,
		},
		ServerRefreshInterval: 15 * time.Minute,
	}
}

func (c ClientConfig) IsDeprecated(p VPNProtocol) bool {
	for _, d := range c.DeprecatedProtocols {
		if d == p {
			return true
		}
	}
	return false
}
