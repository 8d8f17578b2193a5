package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vpngate/internal/api"
	"vpngate/internal/availability"
	"vpngate/internal/catalog"
	"vpngate/internal/certrefresh"
	"vpngate/internal/config"
	"vpngate/internal/gateway"
	"vpngate/internal/keychain"
	"vpngate/internal/models"
	"vpngate/internal/profiles"
	"vpngate/internal/selector"
	"vpngate/internal/session"
	"vpngate/internal/smartprotocol"
	"vpngate/internal/storage"
	"vpngate/internal/tunnel"
)

// app holds the wired client. The probe tunnel stands in for the platform
// tunnel, so connections are real handshakes that never carry traffic.
type app struct {
	storage  *storage.AppStorage
	db       *storage.Database
	catalog  *catalog.Catalog
	profiles *profiles.Manager
	selector *selector.Selector
	preparer *gateway.Preparer
	tunnel   *tunnel.Supervisor
	certs    *certrefresh.Scheduler
	gateway  *gateway.Gateway
	session  *session.Lifecycle

	stop context.CancelFunc
}

func newChecker(cfg *config.Config) (availability.Set, error) {
	protocols, err := cfg.Smart.ParsedProtocols()
	if err != nil {
		return nil, err
	}

	opts := []availability.Option{availability.WithTimeout(cfg.Smart.PingTimeout)}
	if cfg.Smart.OpenVPNStaticKey != "" {
		key, err := availability.ParseStaticKey(cfg.Smart.OpenVPNStaticKey)
		if err != nil {
			return nil, fmt.Errorf("smart.openvpn_static_key: %w", err)
		}
		opts = append(opts, availability.WithOpenVPNStaticKey(key))
	}
	return availability.NewSet(protocols, opts...), nil
}

func newApp(cfg *config.Config, confirm func(session.Prompt) bool) (*app, error) {
	appStorage, err := storage.NewAppStorage(cfg.Storage.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("prepare app storage: %w", err)
	}

	keys := keychain.New(cfg.Storage.KeychainService)
	secret, err := keys.MasterSecret()
	if err != nil {
		return nil, fmt.Errorf("read master secret: %w", err)
	}
	db, err := storage.InitDatabase(appStorage, secret)
	if err != nil {
		return nil, err
	}

	settingsStore := storage.NewSettingsStore(appStorage)
	settings, err := settingsStore.Load()
	if err != nil {
		zap.S().Warnw("unable to read settings, using defaults", "error", err)
		settings = models.DefaultSettings()
	}

	checkers, err := newChecker(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	servers := catalog.New()
	if cached, err := db.LoadServers(); err == nil {
		servers.Store(cached)
	}

	client := api.New(cfg.API.BaseURL, cfg.API.AppVersion, cfg.API.Timeout, keys)
	probe := tunnel.NewProbeEstablisher(checkers, cfg.Smart.PingTimeout)
	supervisor := tunnel.NewSupervisor(probe, probe.Check, cfg.Smart.HealthInterval)

	saved := profiles.New(db, servers)
	if err := saved.Refresh(); err != nil {
		zap.S().Warnw("unable to read profiles", "error", err)
	}

	a := &app{
		storage:  appStorage,
		db:       db,
		catalog:  servers,
		profiles: saved,
		selector: selector.New(servers),
		preparer: gateway.NewPreparer(smartprotocol.New(checkers.Checkers()...)),
		tunnel:   supervisor,
	}

	// the scheduler and the session point at each other through callbacks
	var lifecycle *session.Lifecycle
	a.certs = certrefresh.New(db, client,
		certrefresh.WithBackoff(cfg.Refresh.BackoffBase, cfg.Refresh.BackoffCap),
		certrefresh.WithCheckInterval(cfg.Refresh.CheckInterval),
		certrefresh.WithRefreshMargin(cfg.Refresh.Margin),
		certrefresh.WithSessionExpiredHandler(func() { lifecycle.SessionExpired() }),
	)

	a.gateway = gateway.New(gateway.Deps{
		Selector:     a.selector,
		Preparer:     a.preparer,
		Authorizer:   gateway.NewAuthorizer(db),
		Tunnel:       supervisor,
		Certificates: a.certs,
		Connections:  db,
		Settings:     settingsStore,
		Alerts:       gateway.AlertFunc(logAlert),
		Profiles:     saved,
	}, settings, gateway.WithProtocolChangeDelay(cfg.Gateway.ProtocolChangeDelay))

	lifecycle = session.New(session.Deps{
		API:          client,
		Keychain:     keys,
		Catalog:      servers,
		Data:         db,
		Cache:        appStorage,
		Gateway:      a.gateway,
		Certificates: a.certs,
		Profiles:     saved,
		Confirm:      confirm,
	},
		session.WithRefreshSpec(cfg.Refresh.PropertiesCron),
		session.WithClientConfigDefaults(cfg.ClientConfigDefaults()),
	)
	a.session = lifecycle
	a.gateway.Bind(lifecycle)

	ctx, stop := context.WithCancel(context.Background())
	a.stop = stop
	go a.gateway.Run(ctx)

	return a, nil
}

func logAlert(a gateway.Alert) {
	fields := []any{"kind", a.Kind.String()}
	if a.MinTier > 0 {
		fields = append(fields, "min_tier", a.MinTier.String())
	}
	if !a.Until.IsZero() {
		fields = append(fields, "until", a.Until)
	}
	if a.From != "" || a.To != "" {
		fields = append(fields, "from", a.From, "to", a.To)
	}
	if a.Err != nil {
		fields = append(fields, "error", a.Err)
	}
	zap.S().Warnw("connection alert", fields...)
}

// request builds the request for t, resolving profiles so callers outside
// the gateway see a plain location.
func (a *app) request(t models.ConnectionType, settings models.Settings) (models.ConnectionRequest, error) {
	if t.Kind == models.ConnectProfile {
		return a.profiles.Request(t.ProfileID, settings, models.TriggerProfile)
	}
	return settings.Request(t, models.TriggerUser), nil
}

// login establishes the session from stored tokens.
func (a *app) login(ctx context.Context) error {
	err := a.session.AttemptSilentLogin(ctx)
	if errors.Is(err, api.ErrNotLoggedIn) {
		return errors.New("not logged in, run `vpngate session login` first")
	}
	return err
}

func (a *app) close() {
	a.session.Close()
	a.certs.Stop()
	a.stop()
	a.tunnel.Close()
	if err := a.db.Close(); err != nil {
		zap.S().Warnw("unable to close database", "error", err)
	}
}
