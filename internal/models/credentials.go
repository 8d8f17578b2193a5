package models

import "time"

type Credentials struct {
	Username                 string    `json:"username"`
	Password                 string    `json:"password,omitempty"`
	AccountPlan              string    `json:"account_plan"`
	MaxTier                  Tier      `json:"max_tier"`
	MaxConnect               int       `json:"max_connect"`
	Delinquent               int       `json:"delinquent"`
	NeedConnectionAllocation bool      `json:"need_connection_allocation"`
	ExpirationTime           time.Time `json:"expiration_time"`
}

func (c Credentials) IsDelinquent() bool {
	return c.Delinquent > 2
}

type CertificateFeatures struct {
	NetShield NetShieldLevel `json:"net_shield"`
	NATType   NATType        `json:"nat_type"`
	SafeMode  bool           `json:"safe_mode"`
}

func FeaturesFromConfiguration(c ConnectionConfiguration) CertificateFeatures {
	f := CertificateFeatures{NetShield: c.NetShield, NATType: c.NATType}
	if c.SafeMode != nil {
		f.SafeMode = *c.SafeMode
	}
	return f
}

type Certificate struct {
	Certificate string              `json:"certificate"`
	ValidUntil  time.Time           `json:"valid_until"`
	RefreshTime time.Time           `json:"refresh_time"`
	Features    CertificateFeatures `json:"features"`
}

type KeyPair struct {
	PrivateKey [32]byte `json:"private_key"`
	PublicKey  [32]byte `json:"public_key"`
}

// AuthCredentials is the API session obtained at login.
type AuthCredentials struct {
	Username     string `json:"username"`
	UID          string `json:"uid"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type UserLocation struct {
	IP      string  `json:"ip"`
	Country string  `json:"country"`
	ISP     string  `json:"isp"`
	Lat     float64 `json:"lat"`
	Long    float64 `json:"long"`
}
