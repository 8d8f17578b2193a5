package selector

import (
	"vpngate/internal/models"
)

// filter narrows servers in three stages: protocol support, tier, maintenance.
// Each stage sees only the survivors of the previous one, and the first stage
// that leaves nothing decides the error.
func filter(servers []models.Server, cp models.ConnectionProtocol, env Environment) ([]models.Server, error) {
	if len(servers) == 0 {
		return nil, nil
	}

	supported := keep(servers, func(s models.Server) bool {
		return s.SupportsConnectionProtocol(cp, env.SmartConfig)
	})
	if len(supported) == 0 {
		return nil, &UnavailableError{Reason: ReasonProtocolNotSupported}
	}

	allowed := keep(supported, func(s models.Server) bool {
		return s.Tier <= env.UserTier
	})
	if len(allowed) == 0 {
		return nil, &UnavailableError{Reason: ReasonUpgrade, MinTier: minTier(supported)}
	}

	online := keep(allowed, func(s models.Server) bool {
		return !s.UnderMaintenance()
	})
	if len(online) == 0 {
		return nil, &UnavailableError{Reason: ReasonMaintenance}
	}

	return online, nil
}

func keep(servers []models.Server, fn func(models.Server) bool) []models.Server {
	out := make([]models.Server, 0, len(servers))
	for _, s := range servers {
		if fn(s) {
			out = append(out, s)
		}
	}
	return out
}

func minTier(servers []models.Server) models.Tier {
	m := servers[0].Tier
	for _, s := range servers[1:] {
		if s.Tier < m {
			m = s.Tier
		}
	}
	return m
}
