package models

import "fmt"

const (
	ProfileFastestID = "default-fastest"
	ProfileRandomID  = "default-random"
)

type ProfileOffering int

const (
	OfferFastest ProfileOffering = iota
	OfferRandom
	OfferServer
)

func (o ProfileOffering) String() string {
	switch o {
	case OfferFastest:
		return "fastest"
	case OfferRandom:
		return "random"
	case OfferServer:
		return "server"
	default:
		return fmt.Sprintf("offering(%d)", int(o))
	}
}

// Profile is a saved connection choice. Fastest and random profiles may be
// scoped to a country; server profiles point at one logical server.
// A nil Protocol follows the connection protocol of the settings.
type Profile struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	ServerType  ServerType          `json:"server_type"`
	Offering    ProfileOffering     `json:"offering"`
	CountryCode string              `json:"country_code,omitempty"`
	ServerID    string              `json:"server_id,omitempty"`
	Protocol    *ConnectionProtocol `json:"protocol,omitempty"`
}

// DefaultProfiles are always present and cannot be changed.
func DefaultProfiles() []Profile {
	return []Profile{
		{ID: ProfileFastestID, Name: "Fastest", Offering: OfferFastest},
		{ID: ProfileRandomID, Name: "Random", Offering: OfferRandom},
	}
}

func IsDefaultProfile(id string) bool {
	return id == ProfileFastestID || id == ProfileRandomID
}

// ConnectionType maps the offering to a connection type. server is only
// read for server profiles.
func (p Profile) ConnectionType(server *Server) ConnectionType {
	switch p.Offering {
	case OfferRandom:
		if p.CountryCode != "" {
			return Country(p.CountryCode, PickRandom)
		}
		return Random()
	case OfferServer:
		if server != nil {
			return SpecificServer(*server)
		}
	}
	if p.CountryCode != "" {
		return Country(p.CountryCode, PickFastest)
	}
	return Fastest()
}

// Request builds the request for the profile with the feature values of settings.
func (p Profile) Request(settings Settings, server *Server, trigger Trigger) ConnectionRequest {
	req := settings.Request(p.ConnectionType(server), trigger)
	req.ServerType = p.ServerType
	if p.Protocol != nil {
		req.Protocol = *p.Protocol
	}
	req.ProfileID = p.ID
	return req
}
