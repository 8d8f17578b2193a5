package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vpngate/internal/availability"
	"vpngate/internal/models"
)

// ProbeEstablisher stands in for a platform tunnel. It reports a connection
// active once its preferred endpoint answers the protocol probe and never
// carries traffic. The CLI uses it to exercise the connection flow end to end.
type ProbeEstablisher struct {
	checkers availability.Set
	timeout  time.Duration
	events   chan Event

	mu       sync.Mutex
	attempts map[uuid.UUID]context.CancelFunc
	active   uuid.UUID
}

func NewProbeEstablisher(checkers availability.Set, timeout time.Duration) *ProbeEstablisher {
	if timeout <= 0 {
		timeout = availability.DefaultTimeout
	}
	return &ProbeEstablisher{
		checkers: checkers,
		timeout:  timeout,
		events:   make(chan Event, 16),
		attempts: make(map[uuid.UUID]context.CancelFunc),
	}
}

func (p *ProbeEstablisher) Events() <-chan Event {
	return p.events
}

func (p *ProbeEstablisher) Establish(_ context.Context, cfg models.ConnectionConfiguration) error {
	port, ok := cfg.PreferredPort()
	if !ok || cfg.EntryIP == "" {
		return ErrNoEndpoint
	}
	checker, ok := p.checkers[cfg.Protocol]
	if !ok {
		return fmt.Errorf("no probe for %s", cfg.Protocol)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.attempts[cfg.ID] = cancel
	p.mu.Unlock()

	go func() {
		defer p.finish(cfg.ID)

		answered := checker.Ping(ctx, cfg.ServerIP, port, p.timeout)
		if ctx.Err() != nil {
			return
		}

		log.WithFields(log.Fields{
			"connection": cfg.ID,
			"addr":       cfg.Address(),
			"protocol":   cfg.Protocol,
			"answered":   answered,
		}).Debug("Endpoint probed")

		if !answered {
			p.events <- Event{ConnectionID: cfg.ID, Kind: Failed, Err: ErrEndpointUnreachable}
			return
		}
		p.mu.Lock()
		p.active = cfg.ID
		p.mu.Unlock()
		p.events <- Event{ConnectionID: cfg.ID, Kind: BecameActive}
	}()
	return nil
}

func (p *ProbeEstablisher) finish(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.attempts[id]; ok {
		cancel()
		delete(p.attempts, id)
	}
}

func (p *ProbeEstablisher) Cancel(id uuid.UUID) {
	p.finish(id)
}

func (p *ProbeEstablisher) TearDown(context.Context) error {
	p.mu.Lock()
	for id, cancel := range p.attempts {
		cancel()
		delete(p.attempts, id)
	}
	active := p.active
	p.active = uuid.Nil
	p.mu.Unlock()

	if active != uuid.Nil {
		p.events <- Event{ConnectionID: active, Kind: Disconnected}
	}
	return nil
}

// Check is a HealthCheck that re-probes the connected endpoint.
func (p *ProbeEstablisher) Check(ctx context.Context, cfg models.ConnectionConfiguration) error {
	port, ok := cfg.PreferredPort()
	if !ok {
		return ErrNoEndpoint
	}
	checker, ok := p.checkers[cfg.Protocol]
	if !ok {
		return fmt.Errorf("no probe for %s", cfg.Protocol)
	}
	if !checker.Ping(ctx, cfg.ServerIP, port, p.timeout) {
		return ErrEndpointUnreachable
	}
	return nil
}
