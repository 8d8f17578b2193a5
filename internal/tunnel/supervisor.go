package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vpngate/internal/models"
)

const (
	DefaultHealthInterval = 15 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	defaultMaxFailures    = 2
)

// HealthCheck returns an error when the active connection stopped answering.
type HealthCheck func(ctx context.Context, cfg models.ConnectionConfiguration) error

// Supervisor wraps an Establisher and watches the active connection. After
// consecutive failed health checks it reports Failed with ShouldReconnect set
// and stops watching until the next connection becomes active.
type Supervisor struct {
	inner       Establisher
	check       HealthCheck
	interval    time.Duration
	maxFailures int

	events chan Event

	mu      sync.Mutex
	pending map[uuid.UUID]models.ConnectionConfiguration
	cancel  context.CancelFunc
	ctx     context.Context
	stop    context.CancelFunc
}

func NewSupervisor(inner Establisher, check HealthCheck, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Supervisor{
		inner:       inner,
		check:       check,
		interval:    interval,
		maxFailures: defaultMaxFailures,
		events:      make(chan Event, 16),
		pending:     make(map[uuid.UUID]models.ConnectionConfiguration),
		ctx:         ctx,
		stop:        stop,
	}
	go s.forward()
	return s
}

func (s *Supervisor) Events() <-chan Event {
	return s.events
}

func (s *Supervisor) Establish(ctx context.Context, cfg models.ConnectionConfiguration) error {
	s.mu.Lock()
	s.pending[cfg.ID] = cfg
	s.mu.Unlock()

	if err := s.inner.Establish(ctx, cfg); err != nil {
		s.mu.Lock()
		delete(s.pending, cfg.ID)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Supervisor) Cancel(id uuid.UUID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	s.unwatch()
	s.inner.Cancel(id)
}

func (s *Supervisor) TearDown(ctx context.Context) error {
	s.unwatch()
	return s.inner.TearDown(ctx)
}

// Close stops watching and forwarding. The inner establisher is not closed.
func (s *Supervisor) Close() {
	s.unwatch()
	s.stop()
}

func (s *Supervisor) forward() {
	defer close(s.events)

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.inner.Events():
			if !ok {
				return
			}
			s.observe(ev)
			s.emit(ev)
		}
	}
}

func (s *Supervisor) observe(ev Event) {
	switch ev.Kind {
	case BecameActive:
		s.mu.Lock()
		cfg, ok := s.pending[ev.ConnectionID]
		clear(s.pending)
		s.mu.Unlock()
		if ok && s.check != nil {
			s.watch(cfg)
		}
	case Failed, Disconnected:
		s.mu.Lock()
		delete(s.pending, ev.ConnectionID)
		s.mu.Unlock()
		s.unwatch()
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) watch(cfg models.ConnectionConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	go s.monitorConnection(ctx, cfg)
}

func (s *Supervisor) unwatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Supervisor) monitorConnection(ctx context.Context, cfg models.ConnectionConfiguration) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
			err := s.check(checkCtx, cfg)
			cancel()

			if ctx.Err() != nil {
				return
			}
			if err == nil {
				failures = 0
				continue
			}

			failures++
			log.WithFields(log.Fields{
				"connection": cfg.ID,
				"server":     cfg.Server.Name,
				"failures":   failures,
				"error":      err,
			}).Warn("Connection check failed")

			if failures >= s.maxFailures {
				s.emit(Event{ConnectionID: cfg.ID, Kind: Failed, Err: err, ShouldReconnect: true})
				return
			}
		}
	}
}
