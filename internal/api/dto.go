package api

import (
	"time"

	log "github.com/sirupsen/logrus"

	"vpngate/internal/models"
)

type logicalsResponse struct {
	Code           int             `json:"Code"`
	LogicalServers []logicalServer `json:"LogicalServers"`
}

type logicalServer struct {
	ID           string     `json:"ID"`
	Name         string     `json:"Name"`
	EntryCountry string     `json:"EntryCountry"`
	ExitCountry  string     `json:"ExitCountry"`
	HostCountry  string     `json:"HostCountry"`
	Domain       string     `json:"Domain"`
	Tier         int        `json:"Tier"`
	Features     uint32     `json:"Features"`
	City         string     `json:"City"`
	GatewayName  string     `json:"GatewayName"`
	Status       int        `json:"Status"`
	Load         float64    `json:"Load"`
	Score        float64    `json:"Score"`
	Location     location   `json:"Location"`
	Servers      []serverIP `json:"Servers"`
}

type location struct {
	Lat  float64 `json:"Lat"`
	Long float64 `json:"Long"`
}

type serverIP struct {
	ID               string                   `json:"ID"`
	EntryIP          string                   `json:"EntryIP"`
	ExitIP           string                   `json:"ExitIP"`
	Domain           string                   `json:"Domain"`
	Status           int                      `json:"Status"`
	Label            string                   `json:"Label"`
	X25519PublicKey  string                   `json:"X25519PublicKey"`
	EntryPerProtocol map[string]protocolEntry `json:"EntryPerProtocol"`
}

type protocolEntry struct {
	IPv4  string `json:"IPv4"`
	Ports []int  `json:"Ports"`
}

// wireProtocols maps the API's per protocol keys.
var wireProtocols = map[string]models.VPNProtocol{
	"WireGuardUDP": models.WireGuardUDP,
	"WireGuardTCP": models.WireGuardTCP,
	"WireGuardTLS": models.WireGuardTLS,
	"OpenVPNUDP":   models.OpenVPNUDP,
	"OpenVPNTCP":   models.OpenVPNTCP,
	"IKEv2":        models.IKEv2,
}

func (s logicalServer) toModel() models.Server {
	out := models.Server{
		ID:           s.ID,
		Name:         s.Name,
		Domain:       s.Domain,
		Load:         int(s.Load),
		EntryCountry: s.EntryCountry,
		ExitCountry:  s.ExitCountry,
		HostCountry:  s.HostCountry,
		Tier:         models.Tier(s.Tier),
		Score:        s.Score,
		Status:       s.Status,
		Features:     models.Feature(s.Features),
		City:         s.City,
		GatewayName:  s.GatewayName,
		Location:     models.Location{Lat: s.Location.Lat, Long: s.Location.Long},
		IPs:          make([]models.ServerIP, 0, len(s.Servers)),
	}
	for _, ip := range s.Servers {
		out.IPs = append(out.IPs, ip.toModel())
	}
	return out
}

func (ip serverIP) toModel() models.ServerIP {
	out := models.ServerIP{
		ID:              ip.ID,
		EntryIP:         ip.EntryIP,
		ExitIP:          ip.ExitIP,
		Domain:          ip.Domain,
		Status:          ip.Status,
		Label:           ip.Label,
		X25519PublicKey: ip.X25519PublicKey,
	}
	if ip.EntryPerProtocol == nil {
		return out
	}

	out.ProtocolEntries = make(map[models.VPNProtocol]*models.ProtocolEntry, len(ip.EntryPerProtocol))
	for name, entry := range ip.EntryPerProtocol {
		p, ok := wireProtocols[name]
		if !ok {
			log.WithField("protocol", name).Debug("Ignoring unknown protocol entry")
			continue
		}
		out.ProtocolEntries[p] = &models.ProtocolEntry{IPv4: entry.IPv4, Ports: entry.Ports}
	}
	return out
}

type credentialsResponse struct {
	Code       int `json:"Code"`
	Delinquent int `json:"Delinquent"`
	VPN        struct {
		Name                     string `json:"Name"`
		Password                 string `json:"Password"`
		PlanName                 string `json:"PlanName"`
		MaxTier                  *int   `json:"MaxTier"`
		MaxConnect               int    `json:"MaxConnect"`
		ExpirationTime           int64  `json:"ExpirationTime"`
		NeedConnectionAllocation bool   `json:"NeedConnectionAllocation"`
	} `json:"VPN"`
}

func (r credentialsResponse) toModel() models.Credentials {
	out := models.Credentials{
		Username:                 r.VPN.Name,
		Password:                 r.VPN.Password,
		AccountPlan:              r.VPN.PlanName,
		MaxConnect:               r.VPN.MaxConnect,
		Delinquent:               r.Delinquent,
		NeedConnectionAllocation: r.VPN.NeedConnectionAllocation,
	}
	if out.AccountPlan == "" {
		out.AccountPlan = "free"
	}
	if r.VPN.MaxTier != nil {
		out.MaxTier = models.Tier(*r.VPN.MaxTier)
	} else if out.AccountPlan != "free" {
		out.MaxTier = models.TierPlus
	}
	if r.VPN.ExpirationTime > 0 {
		out.ExpirationTime = time.Unix(r.VPN.ExpirationTime, 0).UTC()
	}
	return out
}

type locationResponse struct {
	IP      string  `json:"IP"`
	Country string  `json:"Country"`
	ISP     string  `json:"ISP"`
	Lat     float64 `json:"Lat"`
	Long    float64 `json:"Long"`
}

func (r locationResponse) toModel() models.UserLocation {
	return models.UserLocation{IP: r.IP, Country: r.Country, ISP: r.ISP, Lat: r.Lat, Long: r.Long}
}

type clientConfigResponse struct {
	FeatureFlags struct {
		NetShield                  *bool `json:"NetShield"`
		SafeMode                   *bool `json:"SafeMode"`
		WireGuardTLS               *bool `json:"WireGuardTls"`
		ShowNewFreePlan            bool  `json:"ShowNewFreePlan"`
		EnforceDeprecatedProtocols bool  `json:"EnforceDeprecatedProtocols"`
	} `json:"FeatureFlags"`
	SmartProtocol *struct {
		WireGuard    bool `json:"WireGuard"`
		WireGuardTCP bool `json:"WireGuardTCP"`
		WireGuardTLS bool `json:"WireGuardTLS"`
		OpenVPN      bool `json:"OpenVPN"`
		OpenVPNTCP   bool `json:"OpenVPNTCP"`
		IKEv2        bool `json:"IKEv2"`
	} `json:"SmartProtocol"`
	ServerRefreshInterval           int      `json:"ServerRefreshInterval"`
	ChangeServerAttemptLimit        int      `json:"ChangeServerAttemptLimit"`
	ChangeServerShortDelayInSeconds int      `json:"ChangeServerShortDelayInSeconds"`
	ChangeServerLongDelayInSeconds  int      `json:"ChangeServerLongDelayInSeconds"`
	DeprecatedProtocols             []string `json:"DeprecatedProtocols"`
}

// toModel fills only what the API sent; everything else keeps the defaults.
func (r clientConfigResponse) toModel() models.ClientConfig {
	out := models.DefaultClientConfig()

	flags := r.FeatureFlags
	if flags.NetShield != nil {
		out.FeatureFlags.NetShield = *flags.NetShield
	}
	if flags.SafeMode != nil {
		out.FeatureFlags.SafeMode = *flags.SafeMode
	}
	if flags.WireGuardTLS != nil {
		out.FeatureFlags.WireGuardTLS = *flags.WireGuardTLS
	}
	out.FeatureFlags.ShowNewFreePlan = flags.ShowNewFreePlan
	out.FeatureFlags.EnforceDeprecations = flags.EnforceDeprecatedProtocols

	if sp := r.SmartProtocol; sp != nil {
		out.SmartProtocol = models.SmartProtocolConfig{
			WireGuardUDP: sp.WireGuard,
			WireGuardTCP: sp.WireGuardTCP,
			WireGuardTLS: sp.WireGuardTLS,
			OpenVPNUDP:   sp.OpenVPN,
			OpenVPNTCP:   sp.OpenVPNTCP,
			IKEv2:        sp.IKEv2,
		}
	}

	if r.ServerRefreshInterval > 0 {
		out.ServerRefreshInterval = time.Duration(r.ServerRefreshInterval) * time.Minute
	}
	if r.ChangeServerAttemptLimit > 0 {
		out.ServerChange.AttemptLimit = r.ChangeServerAttemptLimit
	}
	if r.ChangeServerShortDelayInSeconds > 0 {
		out.ServerChange.ShortDelay = time.Duration(r.ChangeServerShortDelayInSeconds) * time.Second
	}
	if r.ChangeServerLongDelayInSeconds > 0 {
		out.ServerChange.LongDelay = time.Duration(r.ChangeServerLongDelayInSeconds) * time.Second
	}

	for _, name := range r.DeprecatedProtocols {
		if p, ok := wireProtocols[name]; ok {
			out.DeprecatedProtocols = append(out.DeprecatedProtocols, p)
		}
	}
	return out
}

type certificateRequest struct {
	ClientPublicKey     string              `json:"ClientPublicKey"`
	ClientPublicKeyMode string              `json:"ClientPublicKeyMode"`
	DeviceName          string              `json:"DeviceName"`
	Mode                string              `json:"Mode"`
	Duration            string              `json:"Duration"`
	Features            certificateFeatures `json:"Features"`
}

type certificateFeatures struct {
	NetShieldLevel int  `json:"NetShieldLevel"`
	RandomNAT      bool `json:"RandomNAT"`
	SafeMode       bool `json:"SafeMode"`
}

type certificateResponse struct {
	Certificate    string `json:"Certificate"`
	ExpirationTime int64  `json:"ExpirationTime"`
	RefreshTime    int64  `json:"RefreshTime"`
}
