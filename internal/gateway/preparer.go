package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vpngate/internal/availability"
	"vpngate/internal/models"
	"vpngate/internal/selector"
	"vpngate/internal/smartprotocol"
)

// Preparer turns a selected server into a connection configuration: it picks
// an IP, resolves the protocol and orders the ports.
type Preparer struct {
	negotiator *smartprotocol.Negotiator
	intn       func(n int) int
	newID      func() uuid.UUID
}

func NewPreparer(negotiator *smartprotocol.Negotiator) *Preparer {
	return &Preparer{negotiator: negotiator, intn: rand.IntN, newID: uuid.New}
}

func (p *Preparer) smartConfig(cfg models.ClientConfig) models.SmartProtocolConfig {
	smart := cfg.SmartProtocol
	if !cfg.FeatureFlags.WireGuardTLS {
		smart = smart.WithWireGuardTCPAndTLS(false)
	}
	return smart
}

func (p *Preparer) Prepare(ctx context.Context, server models.Server, req models.ConnectionRequest, tier models.Tier, cfg models.ClientConfig) (models.ConnectionConfiguration, error) {
	if server.Tier > tier {
		return models.ConnectionConfiguration{}, &selector.UnavailableError{Reason: selector.ReasonUpgrade, MinTier: server.Tier}
	}

	available := server.AvailableIPs()
	if len(available) == 0 {
		return models.ConnectionConfiguration{}, fmt.Errorf("%s: %w", server.Name, ErrServerUnavailable)
	}

	smart := p.smartConfig(cfg)
	if proto, ok := req.Protocol.VPNProtocol(); ok && !cfg.FeatureFlags.WireGuardTLS &&
		(proto == models.WireGuardTCP || proto == models.WireGuardTLS) {
		return models.ConnectionConfiguration{}, fmt.Errorf("%s disabled: %w", proto, smartprotocol.ErrNoCandidates)
	}

	var supporting []models.ServerIP
	for _, ip := range available {
		if ip.SupportsConnectionProtocol(req.Protocol, smart) {
			supporting = append(supporting, ip)
		}
	}
	if len(supporting) == 0 {
		return models.ConnectionConfiguration{}, fmt.Errorf("%s on %s: %w", req.Protocol, server.Name, smartprotocol.ErrNoCandidates)
	}
	ip := supporting[p.intn(len(supporting))]

	outcome, err := p.negotiator.Negotiate(ctx, ip, req.Protocol, smart)
	if err != nil {
		return models.ConnectionConfiguration{}, err
	}

	ports := outcome.Ports
	if !req.Protocol.Smart {
		if checker, ok := p.negotiator.Checker(outcome.Protocol); ok {
			ports = availability.FirstToRespondPort(ctx, checker, ip)
		}
	}
	if len(ports) == 0 {
		return models.ConnectionConfiguration{}, fmt.Errorf("%s on %s has no ports: %w", outcome.Protocol, ip.Domain, smartprotocol.ErrExhaustedProtocols)
	}

	entry, ok := ip.EntryIPFor(outcome.Protocol)
	if !ok {
		return models.ConnectionConfiguration{}, fmt.Errorf("%s on %s: %w", outcome.Protocol, ip.Domain, smartprotocol.ErrNoCandidates)
	}

	netShield := req.NetShield
	if !cfg.FeatureFlags.NetShield {
		netShield = models.NetShieldOff
	}
	safeMode := req.SafeMode
	if !cfg.FeatureFlags.SafeMode {
		safeMode = nil
	}

	log.WithFields(log.Fields{
		"server":   server.Name,
		"ip":       ip.ID,
		"protocol": outcome.Protocol,
		"ports":    ports,
		"passes":   outcome.Passes,
	}).Debug("Connection prepared")

	return models.ConnectionConfiguration{
		ID:        p.newID(),
		Server:    server,
		ServerIP:  ip,
		EntryIP:   entry,
		Protocol:  outcome.Protocol,
		Ports:     ports,
		NetShield: netShield,
		NATType:   req.NATType,
		SafeMode:  safeMode,
		Intent:    req.Type,
	}, nil
}
