package selector

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"vpngate/internal/models"
)

var ErrNoServer = errors.New("no server matches the connection request")

type Reason int

const (
	ReasonProtocolNotSupported Reason = iota + 1
	ReasonUpgrade
	ReasonMaintenance
)

func (r Reason) String() string {
	switch r {
	case ReasonProtocolNotSupported:
		return "protocol not supported"
	case ReasonUpgrade:
		return "upgrade required"
	case ReasonMaintenance:
		return "under maintenance"
	default:
		return "unknown"
	}
}

// UnavailableError tells the caller which eligibility stage emptied the candidate list.
type UnavailableError struct {
	Reason  Reason
	MinTier models.Tier
}

func (e *UnavailableError) Error() string {
	if e.Reason == ReasonUpgrade {
		return fmt.Sprintf("server unavailable: %s (tier %s)", e.Reason, e.MinTier)
	}
	return "server unavailable: " + e.Reason.String()
}

type Grouper interface {
	Grouping(t models.ServerType) []models.ServerGroup
}

// Environment carries everything the selection depends on besides the request.
type Environment struct {
	UserTier    models.Tier
	Settings    models.Settings
	SmartConfig models.SmartProtocolConfig
	// Reconnecting enables the last-resort fallback for specific picks.
	Reconnecting bool
}

type Selector struct {
	groups Grouper
	intn   func(n int) int
}

func New(groups Grouper) *Selector {
	return &Selector{groups: groups, intn: rand.IntN}
}

func (s *Selector) WithRand(intn func(n int) int) *Selector {
	return &Selector{groups: s.groups, intn: intn}
}

func EffectiveServerType(req models.ConnectionRequest, settings models.Settings) models.ServerType {
	if req.ServerType != models.ServerTypeUnspecified {
		return req.ServerType
	}
	return settings.ServerType()
}

// SelectServer resolves a request to one server or an error. An explicit
// server pick is returned as is.
func (s *Selector) SelectServer(req models.ConnectionRequest, env Environment) (models.Server, error) {
	if req.Type.Kind == models.ConnectServer {
		if req.Type.Server == nil {
			return models.Server{}, ErrNoServer
		}
		return *req.Type.Server, nil
	}

	serverType := EffectiveServerType(req, env.Settings)
	base := withoutRestricted(s.candidates(req.Type, serverType))

	searched := base
	if serverType != models.ServerTypeTor {
		searched = withoutTor(base)
	}

	eligible, err := filter(searched, req.Protocol, env)
	if err == nil && len(eligible) > 0 {
		return s.pick(req.Type, eligible), nil
	}

	if env.Reconnecting && req.Type.IsSpecific() {
		if fallback, ferr := filter(base, req.Protocol, env); ferr == nil && len(fallback) > 0 {
			return s.pick(req.Type, fallback), nil
		}
	}

	if err != nil {
		return models.Server{}, err
	}
	return models.Server{}, ErrNoServer
}

// Eligible returns the servers that pass every filter, in pick order.
func (s *Selector) Eligible(req models.ConnectionRequest, env Environment) ([]models.Server, error) {
	serverType := EffectiveServerType(req, env.Settings)
	servers := withoutRestricted(s.candidates(req.Type, serverType))
	if serverType != models.ServerTypeTor {
		servers = withoutTor(servers)
	}
	return filter(servers, req.Protocol, env)
}

func (s *Selector) candidates(t models.ConnectionType, serverType models.ServerType) []models.Server {
	groups := s.groups.Grouping(serverType)

	switch t.Kind {
	case models.ConnectCountry, models.ConnectCity:
		var servers []models.Server
		for _, g := range groups {
			if !strings.EqualFold(g.Key, t.CountryCode) {
				continue
			}
			for _, srv := range g.Servers {
				if t.Kind == models.ConnectCity && !strings.EqualFold(srv.City, t.City) {
					continue
				}
				servers = append(servers, srv)
			}
		}
		slices.SortStableFunc(servers, byTierDescScoreAsc)
		return servers
	default:
		var servers []models.Server
		for _, g := range groups {
			servers = append(servers, g.Servers...)
		}
		slices.SortStableFunc(servers, byScore)
		return servers
	}
}

func (s *Selector) pick(t models.ConnectionType, servers []models.Server) models.Server {
	if t.Kind == models.ConnectRandom || (t.Kind == models.ConnectCountry && t.Pick == models.PickRandom) {
		return servers[s.intn(len(servers))]
	}
	return servers[0]
}

func byScore(a, b models.Server) int {
	switch {
	case a.Score < b.Score:
		return -1
	case a.Score > b.Score:
		return 1
	default:
		return 0
	}
}

func byTierDescScoreAsc(a, b models.Server) int {
	if a.Tier != b.Tier {
		return int(b.Tier) - int(a.Tier)
	}
	return byScore(a, b)
}

func withoutRestricted(servers []models.Server) []models.Server {
	return slices.DeleteFunc(slices.Clone(servers), models.Server.IsRestricted)
}

func withoutTor(servers []models.Server) []models.Server {
	return slices.DeleteFunc(slices.Clone(servers), models.Server.IsTor)
}
