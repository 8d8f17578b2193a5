// Package session establishes and tears down the user session that gates
// every connection: credentials, client config and the server list.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"vpngate/internal/api"
	"vpngate/internal/catalog"
	"vpngate/internal/models"
)

const refreshTimeout = 30 * time.Second

var (
	ErrLogoutCancelled  = errors.New("logout cancelled by user")
	ErrUsernameMismatch = errors.New("active connection belongs to another account")
	ErrSessionExpired   = errors.New("session expired")
)

type Status int

const (
	NotEstablished Status = iota
	Established
)

func (s Status) String() string {
	if s == Established {
		return "established"
	}
	return "not-established"
}

type Prompt int

const (
	PromptLogoutWhileConnected Prompt = iota + 1
	PromptUsernameMismatch
)

// Properties is the remote side, implemented by api.Client.
type Properties interface {
	Properties(ctx context.Context, disconnected bool, lastKnown *models.UserLocation, scopeToTier bool) (api.Properties, error)
	RefreshServerInfo(ctx context.Context, lastKnownIP string, freeTier bool) (*api.ServerInfo, error)
	ClientCredentials(ctx context.Context) (models.Credentials, error)
}

// CredentialStore is implemented by keychain.Keychain.
type CredentialStore interface {
	Credentials() (*models.Credentials, error)
	StoreCredentials(creds models.Credentials) error
	Auth() (*models.AuthCredentials, error)
	StoreAuth(auth models.AuthCredentials) error
	Clear() error
}

// LocalData is implemented by storage.Database.
type LocalData interface {
	SaveServers(servers []models.Server) error
	LoadServers() ([]models.Server, error)
	LastConnection() (*models.ConnectionConfiguration, error)
	Wipe() error
}

type Cache interface {
	ClearCache() error
}

// Gateway is the part of gateway.Gateway the session drives.
type Gateway interface {
	Status() models.Status
	Disconnect(ctx context.Context) error
	UserPlanChanged(ctx context.Context, from, to models.Tier) error
	UserBecameDelinquent(ctx context.Context) error
}

// Profiles is implemented by profiles.Manager.
type Profiles interface {
	Refresh() error
}

// Certificates is implemented by certrefresh.Scheduler.
type Certificates interface {
	Start(features models.CertificateFeatures)
	DeleteCertificate() error
}

type Deps struct {
	API          Properties
	Keychain     CredentialStore
	Catalog      *catalog.Catalog
	Data         LocalData
	Cache        Cache
	Gateway      Gateway
	Certificates Certificates
	Profiles     Profiles
	// Confirm asks the user; nil answers yes.
	Confirm func(p Prompt) bool
}

type Option func(*Lifecycle)

func WithRefreshSpec(spec string) Option {
	return func(l *Lifecycle) {
		l.refresher = newRefresher(spec, l.refreshProperties)
	}
}

// WithClientConfigDefaults sets the config used until the API answered.
func WithClientConfigDefaults(cfg models.ClientConfig) Option {
	return func(l *Lifecycle) {
		l.defaults = cfg
		l.clientCfg = cfg
	}
}

type Lifecycle struct {
	deps      Deps
	refresher *refresher
	defaults  models.ClientConfig
	refreshes atomic.Int64

	mu        sync.RWMutex
	status    Status
	creds     *models.Credentials
	clientCfg models.ClientConfig
	location  *models.UserLocation

	subsMu sync.RWMutex
	subs   map[int]chan Status
	nextID int
}

func New(deps Deps, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		deps:      deps,
		defaults:  models.DefaultClientConfig(),
		clientCfg: models.DefaultClientConfig(),
		subs:      make(map[int]chan Status),
	}
	l.refresher = newRefresher(DefaultRefreshSpec, l.refreshProperties)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *Lifecycle) Credentials() (models.Credentials, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.creds == nil {
		return models.Credentials{}, false
	}
	return *l.creds, true
}

func (l *Lifecycle) UserTier() models.Tier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.creds == nil {
		return models.TierFree
	}
	return l.creds.MaxTier
}

func (l *Lifecycle) ClientConfig() models.ClientConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.clientCfg
}

func (l *Lifecycle) Location() *models.UserLocation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.location
}

// NextRefresh reports when the properties refresh runs next. It is false
// while no session is established.
func (l *Lifecycle) NextRefresh() (time.Time, bool) {
	return l.refresher.Next()
}

// SuccessfulRefreshes counts properties refreshes in a row without error.
func (l *Lifecycle) SuccessfulRefreshes() int64 {
	return l.refreshes.Load()
}

func (l *Lifecycle) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 4)

	l.subsMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subsMu.Unlock()

	return ch, func() {
		l.subsMu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.subsMu.Unlock()
	}
}

func (l *Lifecycle) setStatus(s Status) {
	l.mu.Lock()
	changed := l.status != s
	l.status = s
	l.mu.Unlock()
	if !changed {
		return
	}

	log.WithField("status", s).Info("Session status changed")
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (l *Lifecycle) confirm(p Prompt) bool {
	return l.deps.Confirm == nil || l.deps.Confirm(p)
}

func (l *Lifecycle) disconnected() bool {
	return l.deps.Gateway.Status().State == models.StateDisconnected
}

// AttemptSilentLogin establishes the session from stored tokens.
func (l *Lifecycle) AttemptSilentLogin(ctx context.Context) error {
	auth, err := l.deps.Keychain.Auth()
	if err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	if auth == nil {
		return api.ErrNotLoggedIn
	}
	return l.establish(ctx)
}

// FinishLogin stores the tokens of a completed login and establishes the session.
func (l *Lifecycle) FinishLogin(ctx context.Context, auth models.AuthCredentials) error {
	if err := l.deps.Keychain.StoreAuth(auth); err != nil {
		return fmt.Errorf("store auth: %w", err)
	}
	return l.establish(ctx)
}

func (l *Lifecycle) establish(ctx context.Context) error {
	previous, err := l.deps.Keychain.Credentials()
	if err != nil {
		log.WithError(err).Warn("Failed to read cached credentials")
	}
	disconnected := l.disconnected()

	props, err := l.deps.API.Properties(ctx, disconnected, l.Location(), true)
	switch {
	case err == nil:
		l.apply(props)
	case errors.Is(err, api.ErrSubuserWithoutSessions),
		errors.Is(err, api.ErrUnauthorized),
		errors.Is(err, api.ErrNotLoggedIn):
		if lerr := l.Logout(ctx, true, err); lerr != nil {
			log.WithError(lerr).Warn("Logout after failed login")
		}
		return err
	case previous != nil:
		log.WithError(err).Warn("Properties unavailable, using cached data")
		if lerr := l.useCached(*previous); lerr != nil {
			return errors.Join(err, lerr)
		}
	default:
		return fmt.Errorf("fetch properties: %w", err)
	}

	if !disconnected && previous != nil && previous.Username != l.username() {
		log.Warn("Active connection belongs to another account")
		if !l.confirm(PromptUsernameMismatch) {
			return ErrUsernameMismatch
		}
		if err := l.deps.Gateway.Disconnect(ctx); err != nil {
			log.WithError(err).Warn("Failed to disconnect other account")
		}
	}

	l.setStatus(Established)
	l.startCertificates()
	l.loadProfiles()
	if err := l.refresher.Start(); err != nil {
		return err
	}
	return nil
}

// loadProfiles failures leave the defaults usable, so they are only logged.
func (l *Lifecycle) loadProfiles() {
	if l.deps.Profiles == nil {
		return
	}
	if err := l.deps.Profiles.Refresh(); err != nil {
		log.WithError(err).Warn("Failed to load profiles")
	}
}

func (l *Lifecycle) username() string {
	creds, _ := l.Credentials()
	return creds.Username
}

func (l *Lifecycle) useCached(creds models.Credentials) error {
	servers, err := l.deps.Data.LoadServers()
	if err != nil {
		return fmt.Errorf("load cached servers: %w", err)
	}
	l.deps.Catalog.Store(servers)

	l.mu.Lock()
	l.creds = &creds
	l.mu.Unlock()
	return nil
}

// apply stores fetched properties. Free users keep the paid servers they
// already know about since their fetch is scoped to free servers.
func (l *Lifecycle) apply(props api.Properties) {
	creds := props.Credentials
	if err := l.deps.Keychain.StoreCredentials(creds); err != nil {
		log.WithError(err).Warn("Failed to store credentials")
	}

	l.mu.Lock()
	l.creds = &creds
	l.clientCfg = props.ClientConfig
	if props.Location != nil {
		l.location = props.Location
	}
	l.mu.Unlock()

	l.storeServers(props.Servers, creds.MaxTier == models.TierFree)
}

func (l *Lifecycle) storeServers(servers []models.Server, freeTier bool) {
	if freeTier {
		l.deps.Catalog.StoreKeepingStale(servers, catalog.KeepStalePaidServers)
	} else {
		l.deps.Catalog.Store(servers)
	}
	if err := l.deps.Data.SaveServers(l.deps.Catalog.Fetch()); err != nil {
		log.WithError(err).Warn("Failed to cache servers")
	}
}

func (l *Lifecycle) startCertificates() {
	if l.deps.Certificates == nil {
		return
	}

	var features models.CertificateFeatures
	if st := l.deps.Gateway.Status(); st.Config != nil {
		features = models.FeaturesFromConfiguration(*st.Config)
	} else if last, err := l.deps.Data.LastConnection(); err == nil && last != nil {
		features = models.FeaturesFromConfiguration(*last)
	}
	l.deps.Certificates.Start(features)
}

// RefreshCredentials reloads the credentials from the API.
func (l *Lifecycle) RefreshCredentials(ctx context.Context) (models.Credentials, error) {
	creds, err := l.deps.API.ClientCredentials(ctx)
	if err != nil {
		return models.Credentials{}, err
	}
	if err := l.deps.Keychain.StoreCredentials(creds); err != nil {
		log.WithError(err).Warn("Failed to store credentials")
	}

	l.mu.Lock()
	l.creds = &creds
	l.mu.Unlock()
	return creds, nil
}

// RefreshServerInfo reloads the server list when the public IP changed.
func (l *Lifecycle) RefreshServerInfo(ctx context.Context) error {
	if l.Status() != Established {
		return nil
	}

	lastIP := ""
	if loc := l.Location(); loc != nil {
		lastIP = loc.IP
	}
	freeTier := l.UserTier() == models.TierFree

	info, err := l.deps.API.RefreshServerInfo(ctx, lastIP, freeTier)
	if err != nil {
		return err
	}
	if info == nil {
		log.Debug("Public IP unchanged, keeping server list")
		return nil
	}

	if info.Location != nil {
		l.mu.Lock()
		l.location = info.Location
		l.mu.Unlock()
	}
	l.storeServers(info.Servers, freeTier)
	return nil
}

// refreshProperties is the periodic job. It reports plan changes and
// delinquency to the gateway.
func (l *Lifecycle) refreshProperties() {
	if l.Status() != Established {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	before, _ := l.Credentials()
	props, err := l.deps.API.Properties(ctx, l.disconnected(), l.Location(), true)
	if err != nil {
		l.refreshes.Store(0)
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrSubuserWithoutSessions) {
			if lerr := l.Logout(ctx, true, err); lerr != nil {
				log.WithError(lerr).Warn("Logout after refresh failed")
			}
			return
		}
		log.WithError(err).Warn("Properties refresh failed")
		return
	}

	l.apply(props)
	l.refreshes.Add(1)
	after := props.Credentials

	switch {
	case after.IsDelinquent() && !before.IsDelinquent():
		log.Warn("User became delinquent")
		if err := l.deps.Gateway.UserBecameDelinquent(ctx); err != nil {
			log.WithError(err).Warn("Delinquent reconnect failed")
		}
	case after.MaxTier != before.MaxTier:
		if err := l.deps.Gateway.UserPlanChanged(ctx, before.MaxTier, after.MaxTier); err != nil {
			log.WithError(err).Warn("Plan change reconnect failed")
		}
	}
}

// Close stops the background refresh. The session stays stored.
func (l *Lifecycle) Close() {
	l.refresher.Stop()
}

// SessionExpired is called when the API rejects the session for good.
func (l *Lifecycle) SessionExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := l.Logout(ctx, true, ErrSessionExpired); err != nil {
		log.WithError(err).Warn("Logout after expired session failed")
	}
}

// Logout tears the session down. Unless forced, the user is asked first
// when a connection is up.
func (l *Lifecycle) Logout(ctx context.Context, force bool, reason error) error {
	connected := !l.disconnected()
	if !force && connected && !l.confirm(PromptLogoutWhileConnected) {
		return ErrLogoutCancelled
	}

	l.refresher.Stop()
	if l.deps.Certificates != nil {
		if err := l.deps.Certificates.DeleteCertificate(); err != nil {
			log.WithError(err).Warn("Failed to delete certificate")
		}
	}

	l.setStatus(NotEstablished)
	if connected {
		if err := l.deps.Gateway.Disconnect(ctx); err != nil {
			log.WithError(err).Warn("Failed to disconnect on logout")
		}
	}

	var errs []error
	if err := l.deps.Keychain.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clear keychain: %w", err))
	}
	if err := l.deps.Data.Wipe(); err != nil {
		errs = append(errs, fmt.Errorf("wipe database: %w", err))
	}
	if l.deps.Cache != nil {
		if err := l.deps.Cache.ClearCache(); err != nil {
			errs = append(errs, fmt.Errorf("clear cache: %w", err))
		}
	}

	l.mu.Lock()
	l.creds = nil
	l.clientCfg = l.defaults
	l.location = nil
	l.mu.Unlock()
	l.refreshes.Store(0)
	l.loadProfiles()

	log.WithField("reason", reason).Info("Logged out")
	return errors.Join(errs...)
}
