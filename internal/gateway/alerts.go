package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpngate/internal/models"
	"vpngate/internal/profiles"
	"vpngate/internal/selector"
	"vpngate/internal/smartprotocol"
)

var (
	ErrSuperseded                 = errors.New("connection attempt superseded")
	ErrSpecificCountryUnavailable = errors.New("specific locations need a paid plan")
	ErrServerUnavailable          = errors.New("server has no available ip")
	ErrProtocolDeprecated         = errors.New("protocol is deprecated")
	ErrNoPreviousConnection       = errors.New("no previous connection request")
)

// CooldownError is returned while free users have to wait before changing server again.
type CooldownError struct {
	Until     time.Time
	Exhausted bool
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("server change available at %s", e.Until.Format(time.RFC3339))
}

type AlertKind int

const (
	AlertUpgradeRequired AlertKind = iota + 1
	AlertMaintenance
	AlertProtocolNotSupported
	AlertNoServer
	AlertConnectionFailed
	AlertAllCountriesUpsell
	AlertServerChangeCooldown
	AlertProtocolDeprecated
	AlertPlanDowngraded
	AlertDelinquent
)

func (k AlertKind) String() string {
	switch k {
	case AlertUpgradeRequired:
		return "upgrade-required"
	case AlertMaintenance:
		return "maintenance"
	case AlertProtocolNotSupported:
		return "protocol-not-supported"
	case AlertNoServer:
		return "no-server"
	case AlertConnectionFailed:
		return "connection-failed"
	case AlertAllCountriesUpsell:
		return "all-countries-upsell"
	case AlertServerChangeCooldown:
		return "server-change-cooldown"
	case AlertProtocolDeprecated:
		return "protocol-deprecated"
	case AlertPlanDowngraded:
		return "plan-downgraded"
	case AlertDelinquent:
		return "delinquent"
	default:
		return fmt.Sprintf("alert(%d)", int(k))
	}
}

// Alert is a semantic request for the presentation layer. Only the fields
// relevant to Kind are set.
type Alert struct {
	Kind      AlertKind
	MinTier   models.Tier
	Until     time.Time
	Exhausted bool
	From      string
	To        string
	Err       error
}

type Alerter interface {
	Alert(a Alert)
}

type AlertFunc func(a Alert)

func (f AlertFunc) Alert(a Alert) {
	f(a)
}

// alertFor maps a connect path error to its alert. The same condition always
// yields the same alert whatever triggered the connection.
func alertFor(err error) (Alert, bool) {
	if err == nil || errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
		return Alert{}, false
	}

	var (
		unavailable *selector.UnavailableError
		cooldown    *CooldownError
	)
	switch {
	case errors.As(err, &unavailable):
		switch unavailable.Reason {
		case selector.ReasonUpgrade:
			return Alert{Kind: AlertUpgradeRequired, MinTier: unavailable.MinTier}, true
		case selector.ReasonMaintenance:
			return Alert{Kind: AlertMaintenance}, true
		default:
			return Alert{Kind: AlertProtocolNotSupported}, true
		}
	case errors.As(err, &cooldown):
		return Alert{Kind: AlertServerChangeCooldown, Until: cooldown.Until, Exhausted: cooldown.Exhausted}, true
	case errors.Is(err, ErrServerUnavailable):
		return Alert{Kind: AlertMaintenance}, true
	case errors.Is(err, smartprotocol.ErrNoCandidates):
		return Alert{Kind: AlertProtocolNotSupported}, true
	case errors.Is(err, selector.ErrNoServer), errors.Is(err, profiles.ErrServerGone):
		return Alert{Kind: AlertNoServer}, true
	case errors.Is(err, ErrSpecificCountryUnavailable):
		return Alert{Kind: AlertAllCountriesUpsell}, true
	case errors.Is(err, ErrProtocolDeprecated):
		return Alert{Kind: AlertProtocolDeprecated}, true
	}
	return Alert{Kind: AlertConnectionFailed, Err: err}, true
}
