// Package smartprotocol picks the protocol and ports a server IP is reachable on.
package smartprotocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vpngate/internal/availability"
	"vpngate/internal/models"
)

const probePasses = 2

var (
	ErrNoCandidates       = errors.New("no candidate protocols for server")
	ErrExhaustedProtocols = errors.New("all candidate protocols unavailable")
)

type Outcome struct {
	Protocol models.VPNProtocol
	Ports    []int
	// Passes is the number of probing passes run, zero for an explicit protocol.
	Passes int
}

type Negotiator struct {
	checkers map[models.VPNProtocol]availability.Checker
}

func New(checkers ...availability.Checker) *Negotiator {
	n := &Negotiator{checkers: make(map[models.VPNProtocol]availability.Checker, len(checkers))}
	for _, c := range checkers {
		n.checkers[c.Protocol()] = c
	}
	return n
}

func (n *Negotiator) Checker(p models.VPNProtocol) (availability.Checker, bool) {
	c, ok := n.checkers[p]
	return c, ok
}

// Candidates lists, in priority order, the protocols that the remote config
// enables, that have a checker, and that ip declares support for.
func (n *Negotiator) Candidates(ip models.ServerIP, smart models.SmartProtocolConfig) []models.VPNProtocol {
	var out []models.VPNProtocol
	for _, p := range smart.SupportedProtocols() {
		if _, ok := n.checkers[p]; !ok {
			continue
		}
		if ip.SupportsProtocol(p) {
			out = append(out, p)
		}
	}
	return out
}

// Negotiate resolves cp for ip. An explicit protocol is returned without
// probing. Smart mode probes every candidate concurrently and, if all of them
// fail, runs exactly one more pass before giving up.
func (n *Negotiator) Negotiate(ctx context.Context, ip models.ServerIP, cp models.ConnectionProtocol, smart models.SmartProtocolConfig) (Outcome, error) {
	if p, ok := cp.VPNProtocol(); ok {
		if !ip.SupportsProtocol(p) {
			return Outcome{}, fmt.Errorf("%s on %s: %w", p, ip.Domain, ErrNoCandidates)
		}
		return Outcome{Protocol: p, Ports: ip.PortsFor(p)}, nil
	}

	candidates := n.Candidates(ip, smart)
	if len(candidates) == 0 {
		return Outcome{}, fmt.Errorf("%s: %w", ip.Domain, ErrNoCandidates)
	}

	logger := log.WithFields(log.Fields{
		"server":     ip.Domain,
		"candidates": candidates,
	})

	for pass := 1; pass <= probePasses; pass++ {
		results := n.probe(ctx, ip, candidates)
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		for _, p := range candidates {
			if res := results[p]; res.Available {
				logger.WithFields(log.Fields{
					"protocol": p,
					"ports":    res.Ports,
					"pass":     pass,
				}).Info("Smart protocol resolved")
				return Outcome{Protocol: p, Ports: res.Ports, Passes: pass}, nil
			}
		}

		logger.WithField("pass", pass).Warn("No candidate protocol available")
	}

	return Outcome{Passes: probePasses}, fmt.Errorf("%s: %w", ip.Domain, ErrExhaustedProtocols)
}

// probe runs one pass and waits for every checker to finish or time out.
func (n *Negotiator) probe(ctx context.Context, ip models.ServerIP, candidates []models.VPNProtocol) map[models.VPNProtocol]availability.Result {
	var (
		mu      sync.Mutex
		results = make(map[models.VPNProtocol]availability.Result, len(candidates))
		g       errgroup.Group
	)
	for _, p := range candidates {
		checker := n.checkers[p]
		g.Go(func() error {
			res := checker.CheckAvailability(ctx, ip)
			mu.Lock()
			results[p] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
