// Package gateway drives the connection state machine: it authorizes, selects,
// prepares and establishes connections and reacts to tunnel feedback.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vpngate/internal/models"
	"vpngate/internal/profiles"
	"vpngate/internal/selector"
	"vpngate/internal/smartprotocol"
	"vpngate/internal/tunnel"
)

const (
	DefaultProtocolChangeDelay = time.Second
	refreshTimeout             = 30 * time.Second
	subscriberBuffer           = 16
)

// Session is the account side of the client.
type Session interface {
	UserTier() models.Tier
	ClientConfig() models.ClientConfig
	RefreshServerInfo(ctx context.Context) error
	RefreshCredentials(ctx context.Context) (models.Credentials, error)
}

type Certificates interface {
	Start(features models.CertificateFeatures)
}

type ConnectionStore interface {
	SaveLastConnection(cfg models.ConnectionConfiguration) error
}

type SettingsSaver interface {
	Save(settings models.Settings) error
}

// Profiles resolves saved profiles into connection requests. profiles.Manager
// implements it.
type Profiles interface {
	Request(id string, settings models.Settings, trigger models.Trigger) (models.ConnectionRequest, error)
	Refresh() error
}

type Deps struct {
	Selector     *selector.Selector
	Preparer     *Preparer
	Authorizer   *Authorizer
	Tunnel       tunnel.Establisher
	Certificates Certificates
	Connections  ConnectionStore
	Settings     SettingsSaver
	Alerts       Alerter
	Profiles     Profiles
}

type Option func(*Gateway)

func WithProtocolChangeDelay(d time.Duration) Option {
	return func(g *Gateway) {
		g.protocolChangeDelay = d
	}
}

type attempt struct {
	req   models.ConnectionRequest
	cfg   models.ConnectionConfiguration
	tried map[string]bool
}

func newAttempt(req models.ConnectionRequest, cfg models.ConnectionConfiguration) *attempt {
	return &attempt{req: req, cfg: cfg, tried: map[string]bool{cfg.ServerIP.ID: true}}
}

// nextEndpoint moves to the next port of the current IP, then to the next
// untried IP of the same server. Every endpoint gets a fresh id.
func (a *attempt) nextEndpoint(newID func() uuid.UUID) (models.ConnectionConfiguration, bool) {
	if len(a.cfg.Ports) > 1 {
		return a.cfg.WithPorts(a.cfg.Ports[1:]).WithID(newID()), true
	}
	for _, ip := range a.cfg.Server.AvailableIPs() {
		if a.tried[ip.ID] {
			continue
		}
		a.tried[ip.ID] = true

		entry, ok := ip.EntryIPFor(a.cfg.Protocol)
		if !ok {
			continue
		}
		ports := ip.PortsFor(a.cfg.Protocol)
		if len(ports) == 0 {
			continue
		}
		return a.cfg.WithServerIP(ip, entry).WithPorts(ports).WithID(newID()), true
	}
	return models.ConnectionConfiguration{}, false
}

// Gateway is safe for concurrent use. Every Connect supersedes the attempt
// before it; tunnel events are matched to the current attempt by
// configuration id and dropped otherwise.
type Gateway struct {
	deps                Deps
	session             Session
	protocolChangeDelay time.Duration
	newID               func() uuid.UUID

	tunnelMu sync.Mutex

	mu       sync.Mutex
	status   models.Status
	gen      uint64
	cancel   context.CancelFunc
	attempt  *attempt
	request  *models.ConnectionRequest
	settings models.Settings

	subsMu sync.RWMutex
	subs   map[int]chan models.Status
	nextID int
}

func New(deps Deps, settings models.Settings, opts ...Option) *Gateway {
	g := &Gateway{
		deps:                deps,
		protocolChangeDelay: DefaultProtocolChangeDelay,
		newID:               uuid.New,
		settings:            settings,
		subs:                make(map[int]chan models.Status),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind attaches the session. It must be called before the gateway is used.
func (g *Gateway) Bind(session Session) {
	g.session = session
}

// Run applies tunnel events until ctx is done or the event channel closes.
// Events are handled one at a time.
func (g *Gateway) Run(ctx context.Context) {
	events := g.deps.Tunnel.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.HandleTunnelEvent(ev)
		}
	}
}

func (g *Gateway) Status() models.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Gateway) Settings() models.Settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings
}

func (g *Gateway) LastRequest() (models.ConnectionRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.request == nil {
		return models.ConnectionRequest{}, false
	}
	return *g.request, true
}

// Subscribe delivers every status change until the returned func is called.
// A subscriber that falls behind misses statuses.
func (g *Gateway) Subscribe() (<-chan models.Status, func()) {
	ch := make(chan models.Status, subscriberBuffer)

	g.subsMu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = ch
	g.subsMu.Unlock()

	return ch, func() {
		g.subsMu.Lock()
		if _, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(ch)
		}
		g.subsMu.Unlock()
	}
}

func (g *Gateway) setStatusLocked(status models.Status) {
	g.status = status

	g.subsMu.RLock()
	defer g.subsMu.RUnlock()
	for _, ch := range g.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (g *Gateway) alert(err error) {
	if a, ok := alertFor(err); ok {
		g.emit(a)
	}
}

func (g *Gateway) emit(a Alert) {
	if g.deps.Alerts == nil {
		return
	}
	log.WithField("alert", a.Kind).Debug("Raising alert")
	g.deps.Alerts.Alert(a)
}

func (g *Gateway) saveSettings(settings models.Settings) {
	if g.deps.Settings == nil {
		return
	}
	if err := g.deps.Settings.Save(settings); err != nil {
		log.WithError(err).Warn("Failed to save settings")
	}
}

func (g *Gateway) Connect(ctx context.Context, req models.ConnectionRequest, settings models.Settings) error {
	return g.connect(ctx, req, settings, nil)
}

// QuickConnect connects to the fastest server with the current settings.
func (g *Gateway) QuickConnect(ctx context.Context) error {
	settings := g.Settings()
	return g.Connect(ctx, settings.Request(models.Fastest(), models.TriggerUser), settings)
}

// ConnectProfile connects with a saved profile. The profile is resolved on
// every attempt, so retries follow later edits of it.
func (g *Gateway) ConnectProfile(ctx context.Context, id string) error {
	settings := g.Settings()
	return g.Connect(ctx, settings.Request(models.ProfileConnection(id), models.TriggerProfile), settings)
}

// Retry repeats the last request.
func (g *Gateway) Retry(ctx context.Context) error {
	req, ok := g.LastRequest()
	if !ok {
		return ErrNoPreviousConnection
	}
	return g.Connect(ctx, req, g.Settings())
}

// connect runs one attempt. A non-nil server skips authorization and selection.
func (g *Gateway) connect(ctx context.Context, req models.ConnectionRequest, settings models.Settings, server *models.Server) error {
	gen, prev, old, actx := g.begin(ctx, req, settings)
	if tornDown := g.release(ctx, prev, old); tornDown {
		g.mu.Lock()
		if gen != g.gen {
			g.mu.Unlock()
			return ErrSuperseded
		}
		g.setStatusLocked(models.Status{State: models.StatePreparingConnection})
		g.mu.Unlock()
	}

	log.WithFields(log.Fields{
		"type":     req.Type,
		"protocol": req.Protocol,
		"trigger":  req.Trigger,
	}).Info("Connecting")

	req, cfg, err := g.prepare(actx, req, settings, server, prev)
	if err != nil {
		return g.fail(gen, err)
	}

	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return ErrSuperseded
	}
	g.attempt = newAttempt(req, cfg)
	g.setStatusLocked(models.Status{State: models.StateConnecting, Config: &cfg})
	g.mu.Unlock()

	g.establish(actx, gen, cfg)
	return nil
}

// begin supersedes the current attempt. A live connection is reported as
// disconnecting until release has torn it down.
func (g *Gateway) begin(ctx context.Context, req models.ConnectionRequest, settings models.Settings) (uint64, models.State, *attempt, context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gen++
	if g.cancel != nil {
		g.cancel()
	}
	actx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	prev := g.status.State
	old := g.attempt
	g.attempt = nil
	g.request = &req
	g.settings = settings
	if prev == models.StateConnected && old != nil {
		g.setStatusLocked(models.Status{State: models.StateDisconnecting})
	} else {
		g.setStatusLocked(models.Status{State: models.StatePreparingConnection})
	}
	return g.gen, prev, old, actx
}

// release drops whatever the superseded attempt left in the tunnel layer and
// reports whether a live connection was torn down.
func (g *Gateway) release(ctx context.Context, prev models.State, old *attempt) bool {
	if old == nil {
		return false
	}
	if prev != models.StateConnected {
		g.cancelEndpoint(old.cfg.ID)
		return false
	}
	if err := g.deps.Tunnel.TearDown(ctx); err != nil {
		log.WithError(err).Warn("Failed to tear down previous connection")
	}
	return true
}

// prepare resolves req into a configuration. Profile requests come back
// resolved to the profile's location and protocol.
func (g *Gateway) prepare(ctx context.Context, req models.ConnectionRequest, settings models.Settings, server *models.Server, prev models.State) (models.ConnectionRequest, models.ConnectionConfiguration, error) {
	tier := g.session.UserTier()
	clientCfg := g.session.ClientConfig()

	if req.Type.Kind == models.ConnectProfile {
		resolved, err := g.resolveProfile(req, settings)
		if err != nil {
			return req, models.ConnectionConfiguration{}, err
		}
		req = resolved
	}

	if server == nil {
		if err := g.deps.Authorizer.Authorize(req, tier, clientCfg); err != nil {
			return req, models.ConnectionConfiguration{}, err
		}
		env := selector.Environment{
			UserTier:     tier,
			Settings:     settings,
			SmartConfig:  g.deps.Preparer.smartConfig(clientCfg),
			Reconnecting: prev == models.StatePreparingConnection || req.Trigger == models.TriggerReconnect,
		}
		selected, err := g.deps.Selector.SelectServer(req, env)
		if err != nil {
			return req, models.ConnectionConfiguration{}, err
		}
		server = &selected
	}

	cfg, err := g.deps.Preparer.Prepare(ctx, *server, req, tier, clientCfg)
	if err != nil {
		return req, models.ConnectionConfiguration{}, err
	}
	if clientCfg.FeatureFlags.EnforceDeprecations && clientCfg.IsDeprecated(cfg.Protocol) {
		return req, models.ConnectionConfiguration{}, fmt.Errorf("%s: %w", cfg.Protocol, ErrProtocolDeprecated)
	}
	return req, cfg, nil
}

func (g *Gateway) resolveProfile(req models.ConnectionRequest, settings models.Settings) (models.ConnectionRequest, error) {
	if g.deps.Profiles == nil {
		return req, fmt.Errorf("profile %s: %w", req.Type.ProfileID, profiles.ErrNotFound)
	}
	resolved, err := g.deps.Profiles.Request(req.Type.ProfileID, settings, req.Trigger)
	if err != nil {
		return req, err
	}
	log.WithFields(log.Fields{
		"profile": resolved.ProfileID,
		"type":    resolved.Type,
	}).Debug("Profile resolved")
	return resolved, nil
}

func (g *Gateway) fail(gen uint64, err error) error {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return ErrSuperseded
	}
	g.attempt = nil
	g.setStatusLocked(models.Status{State: models.StateDisconnected, Err: err})
	g.mu.Unlock()

	log.WithError(err).Warn("Connection failed")
	g.alert(err)
	return err
}

// establish hands cfg to the tunnel unless gen was superseded meanwhile.
// Establish and Cancel are serialized so a superseding attempt cannot cancel
// an endpoint before it was issued.
func (g *Gateway) establish(ctx context.Context, gen uint64, cfg models.ConnectionConfiguration) {
	g.tunnelMu.Lock()
	g.mu.Lock()
	stale := gen != g.gen
	g.mu.Unlock()
	if stale {
		g.tunnelMu.Unlock()
		log.WithField("connection", cfg.ID).Debug("Skipping superseded endpoint")
		return
	}
	err := g.deps.Tunnel.Establish(ctx, cfg)
	g.tunnelMu.Unlock()

	if err != nil {
		log.WithFields(log.Fields{
			"connection": cfg.ID,
			"addr":       cfg.Address(),
			"error":      err,
		}).Warn("Tunnel rejected configuration")
		g.endpointFailed(cfg.ID, err)
	}
}

func (g *Gateway) cancelEndpoint(id uuid.UUID) {
	g.tunnelMu.Lock()
	defer g.tunnelMu.Unlock()
	g.deps.Tunnel.Cancel(id)
}

func (g *Gateway) HandleTunnelEvent(ev tunnel.Event) {
	g.mu.Lock()
	current := g.attempt != nil && g.attempt.cfg.ID == ev.ConnectionID
	var req models.ConnectionRequest
	if current {
		req = g.attempt.req
	}
	state := g.status.State
	g.mu.Unlock()

	if !current {
		log.WithFields(log.Fields{
			"connection": ev.ConnectionID,
			"event":      ev.Kind,
		}).Debug("Dropping stale tunnel event")
		return
	}

	switch ev.Kind {
	case tunnel.BecameActive:
		g.connected(ev.ConnectionID)
	case tunnel.Failed:
		switch {
		case state == models.StateConnecting:
			g.endpointFailed(ev.ConnectionID, ev.Err)
		case state == models.StateConnected && ev.ShouldReconnect:
			log.WithError(ev.Err).Warn("Connection lost, reconnecting")
			g.reconnect(req)
		case state == models.StateConnected:
			g.lost(ev.ConnectionID, ev.Err)
		}
	case tunnel.BetterPathAvailable:
		if state == models.StateConnected {
			log.Info("Better path available, reconnecting")
			g.reconnect(req)
		}
	case tunnel.Disconnected:
		if state == models.StateConnecting {
			cause := ev.Err
			if cause == nil {
				cause = tunnel.ErrClosedBeforeActive
			}
			g.endpointFailed(ev.ConnectionID, cause)
			return
		}
		g.lost(ev.ConnectionID, nil)
	}
}

func (g *Gateway) connected(id uuid.UUID) {
	g.mu.Lock()
	a := g.attempt
	if a == nil || a.cfg.ID != id || g.status.State != models.StateConnecting {
		g.mu.Unlock()
		return
	}
	cfg := a.cfg
	profile := a.req.ProfileID
	g.setStatusLocked(models.Status{State: models.StateConnected, Config: &cfg})
	g.mu.Unlock()

	fields := log.Fields{
		"server":   cfg.Server.Name,
		"addr":     cfg.Address(),
		"protocol": cfg.Protocol,
	}
	if profile != "" {
		fields["profile"] = profile
	}
	log.WithFields(fields).Info("Connected")

	if err := g.deps.Connections.SaveLastConnection(cfg); err != nil {
		log.WithError(err).Warn("Failed to save last connection")
	}
	g.deps.Authorizer.Record(cfg.Intent.Kind, g.session.UserTier(), g.session.ClientConfig())
	if g.deps.Certificates != nil {
		g.deps.Certificates.Start(models.FeaturesFromConfiguration(cfg))
	}
}

func (g *Gateway) endpointFailed(id uuid.UUID, cause error) {
	g.mu.Lock()
	a := g.attempt
	if a == nil || a.cfg.ID != id || g.status.State != models.StateConnecting {
		g.mu.Unlock()
		return
	}

	next, ok := a.nextEndpoint(g.newID)
	if !ok {
		server := a.cfg.Server.Name
		g.attempt = nil
		err := fmt.Errorf("%s: %w (last failure: %v)", server, smartprotocol.ErrExhaustedProtocols, cause)
		g.setStatusLocked(models.Status{State: models.StateError, Err: err})
		g.mu.Unlock()

		g.cancelEndpoint(id)
		log.WithError(err).Warn("All endpoints failed")
		g.alert(err)
		return
	}
	a.cfg = next
	gen := g.gen
	g.setStatusLocked(models.Status{State: models.StateConnecting, Config: &next})
	g.mu.Unlock()

	g.cancelEndpoint(id)
	log.WithFields(log.Fields{
		"addr":  next.Address(),
		"cause": cause,
	}).Info("Trying next endpoint")
	g.establish(context.Background(), gen, next)
}

func (g *Gateway) lost(id uuid.UUID, cause error) {
	g.mu.Lock()
	a := g.attempt
	if a == nil || a.cfg.ID != id {
		g.mu.Unlock()
		return
	}
	g.attempt = nil
	g.setStatusLocked(models.Status{State: models.StateDisconnected, Err: cause})
	g.mu.Unlock()

	if cause != nil {
		log.WithError(cause).Warn("Connection dropped")
		g.alert(cause)
	}
}

// reconnect repeats req off the event loop so the teardown it causes can
// still be delivered.
func (g *Gateway) reconnect(req models.ConnectionRequest) {
	settings := g.Settings()
	req.Trigger = models.TriggerReconnect
	go func() {
		if err := g.Connect(context.Background(), req, settings); err != nil && !errors.Is(err, ErrSuperseded) {
			log.WithError(err).Warn("Reconnect failed")
		}
	}()
}

// Disconnect tears the connection down and refreshes server info in the
// background.
func (g *Gateway) Disconnect(ctx context.Context) error {
	was, err := g.disconnect(ctx)
	if was {
		go g.refreshServerInfo()
	}
	return err
}

func (g *Gateway) disconnect(ctx context.Context) (bool, error) {
	g.mu.Lock()
	prev := g.status.State
	a := g.attempt
	g.gen++
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.attempt = nil
	if prev == models.StateDisconnected && a == nil {
		g.mu.Unlock()
		return false, nil
	}
	gen := g.gen
	g.setStatusLocked(models.Status{State: models.StateDisconnecting})
	g.mu.Unlock()

	if a != nil && prev != models.StateConnected {
		g.cancelEndpoint(a.cfg.ID)
	}
	err := g.deps.Tunnel.TearDown(ctx)

	g.mu.Lock()
	if gen == g.gen {
		g.setStatusLocked(models.Status{State: models.StateDisconnected})
	}
	g.mu.Unlock()

	log.Info("Disconnected")
	return true, err
}

func (g *Gateway) refreshServerInfo() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := g.session.RefreshServerInfo(ctx); err != nil {
		log.WithError(err).Debug("Server refresh after disconnect failed")
	}
	if g.deps.Profiles == nil {
		return
	}
	if err := g.deps.Profiles.Refresh(); err != nil {
		log.WithError(err).Debug("Profile refresh after disconnect failed")
	}
}

// StopConnecting aborts an attempt that has not connected yet.
func (g *Gateway) StopConnecting(userInitiated bool) {
	g.mu.Lock()
	state := g.status.State
	if state != models.StatePreparingConnection && state != models.StateConnecting {
		g.mu.Unlock()
		return
	}
	a := g.attempt
	g.gen++
	gen := g.gen
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.attempt = nil
	g.setStatusLocked(models.Status{State: models.StateAborted})
	g.mu.Unlock()

	if a != nil {
		g.cancelEndpoint(a.cfg.ID)
	}
	log.WithField("user", userInitiated).Info("Connection attempt aborted")

	g.mu.Lock()
	if gen == g.gen {
		g.setStatusLocked(models.Status{State: models.StateDisconnected})
	}
	g.mu.Unlock()
}

// current returns a copy of the connected attempt, if any.
func (g *Gateway) current() (models.ConnectionRequest, models.ConnectionConfiguration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempt == nil || g.status.State != models.StateConnected {
		return models.ConnectionRequest{}, models.ConnectionConfiguration{}, false
	}
	return g.attempt.req, g.attempt.cfg, true
}

func withFeatures(req models.ConnectionRequest, settings models.Settings) models.ConnectionRequest {
	req.NetShield = settings.NetShield
	req.NATType = settings.NATType
	req.SafeMode = settings.SafeMode
	return req
}

func (g *Gateway) ReconnectWithNetShield(ctx context.Context, level models.NetShieldLevel) error {
	return g.reconfigure(ctx,
		func(s *models.Settings) { s.NetShield = level },
		func(c models.ConnectionConfiguration) models.ConnectionConfiguration { return c.WithNetShield(level) })
}

func (g *Gateway) ReconnectWithNATType(ctx context.Context, nat models.NATType) error {
	return g.reconfigure(ctx,
		func(s *models.Settings) { s.NATType = nat },
		func(c models.ConnectionConfiguration) models.ConnectionConfiguration { return c.WithNATType(nat) })
}

func (g *Gateway) ReconnectWithSafeMode(ctx context.Context, enabled bool) error {
	return g.reconfigure(ctx,
		func(s *models.Settings) { s.SafeMode = &enabled },
		func(c models.ConnectionConfiguration) models.ConnectionConfiguration { return c.WithSafeMode(enabled) })
}

// reconfigure stores a feature change and, when connected, re-establishes the
// same endpoint with it. Nothing is selected or negotiated again.
func (g *Gateway) reconfigure(ctx context.Context, update func(*models.Settings), change func(models.ConnectionConfiguration) models.ConnectionConfiguration) error {
	g.mu.Lock()
	update(&g.settings)
	settings := g.settings
	if g.request != nil {
		req := withFeatures(*g.request, settings)
		g.request = &req
	}
	g.mu.Unlock()

	g.saveSettings(settings)
	req, cfg, ok := g.current()
	if !ok {
		return nil
	}

	req = withFeatures(req, settings)
	cfg = change(cfg)
	if _, err := g.disconnect(ctx); err != nil {
		log.WithError(err).Warn("Failed to tear down before reconnect")
	}

	g.mu.Lock()
	g.gen++
	gen := g.gen
	cfg = cfg.WithID(g.newID())
	g.attempt = newAttempt(req, cfg)
	g.setStatusLocked(models.Status{State: models.StatePreparingConnection})
	g.setStatusLocked(models.Status{State: models.StateConnecting, Config: &cfg})
	g.mu.Unlock()

	g.establish(ctx, gen, cfg)
	return nil
}

// ReconnectWithProtocol stores the protocol and, when a connection is up or
// coming up, reconnects after a short delay with a fresh negotiation.
func (g *Gateway) ReconnectWithProtocol(ctx context.Context, cp models.ConnectionProtocol) error {
	g.mu.Lock()
	g.settings.ConnectionProtocol = cp
	settings := g.settings
	var req *models.ConnectionRequest
	if g.attempt != nil {
		r := g.attempt.req
		req = &r
	}
	state := g.status.State
	g.mu.Unlock()

	g.saveSettings(settings)
	if req == nil || (state != models.StateConnected && state != models.StateConnecting) {
		return nil
	}

	if _, err := g.disconnect(ctx); err != nil {
		log.WithError(err).Warn("Failed to tear down before protocol change")
	}
	select {
	case <-time.After(g.protocolChangeDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	next := req.WithProtocol(cp)
	next.Trigger = models.TriggerReconnect
	return g.Connect(ctx, next, settings)
}

// UserPlanChanged must be called after the session switched to the new tier.
// Leaving the free plan reloads the server list since free fetches are scoped
// to free servers. A downgrade that makes the connected server unreachable
// moves the user to the best server the new plan allows.
func (g *Gateway) UserPlanChanged(ctx context.Context, from, to models.Tier) error {
	log.WithFields(log.Fields{"from": from, "to": to}).Info("Plan changed")

	if to < models.TierPlus {
		g.mu.Lock()
		changed := g.settings.SecureCore
		g.settings.SecureCore = false
		settings := g.settings
		g.mu.Unlock()
		if changed {
			g.saveSettings(settings)
		}
	}
	if from == models.TierFree && to > from {
		go g.refreshServerInfo()
	}
	if to >= from {
		return nil
	}

	req, cfg, ok := g.current()
	if !ok || cfg.Server.Tier <= to {
		return nil
	}

	if _, err := g.disconnect(ctx); err != nil {
		log.WithError(err).Warn("Failed to tear down after downgrade")
	}
	return g.reconnectEligible(ctx, req, cfg.Server.Name, to, AlertPlanDowngraded)
}

// UserBecameDelinquent disconnects, reloads the credentials and reconnects
// within whatever tier they now allow.
func (g *Gateway) UserBecameDelinquent(ctx context.Context) error {
	req, cfg, connected := g.current()

	if _, err := g.disconnect(ctx); err != nil {
		log.WithError(err).Warn("Failed to tear down for delinquent user")
	}

	creds, err := g.session.RefreshCredentials(ctx)
	if err != nil {
		return fmt.Errorf("refresh credentials: %w", err)
	}
	if !connected {
		return nil
	}
	return g.reconnectEligible(ctx, req, cfg.Server.Name, creds.MaxTier, AlertDelinquent)
}

func (g *Gateway) reconnectEligible(ctx context.Context, req models.ConnectionRequest, from string, tier models.Tier, kind AlertKind) error {
	settings := g.Settings()

	if req.Type.Kind == models.ConnectServer {
		req = req.WithType(models.Fastest())
	}
	req.Trigger = models.TriggerReconnect

	env := selector.Environment{
		UserTier:     tier,
		Settings:     settings,
		SmartConfig:  g.deps.Preparer.smartConfig(g.session.ClientConfig()),
		Reconnecting: true,
	}
	server, err := g.deps.Selector.SelectServer(req, env)
	if err != nil && req.Type.Kind != models.ConnectFastest {
		req = req.WithType(models.Fastest())
		server, err = g.deps.Selector.SelectServer(req, env)
	}
	if err != nil {
		g.emit(Alert{Kind: kind, From: from})
		return err
	}

	g.emit(Alert{Kind: kind, From: from, To: server.Name})
	return g.connect(ctx, req, settings, &server)
}
