package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpngate/internal/models"
)

const disconnectTimeout = 10 * time.Second

var (
	connectOpts struct {
		country    string
		city       string
		server     string
		profile    string
		random     bool
		protocol   string
		secureCore bool
	}

	connectCmd = &cobra.Command{
		Use:   "connect",
		Short: "connect and stay connected until interrupted",
		RunE:  connect,
	}
)

// connectionType turns the flags into a connection type. Without flags it is
// the fastest server.
func connectionType(a *app) (models.ConnectionType, error) {
	o := connectOpts
	switch {
	case o.profile != "":
		p, ok := a.profiles.Find(o.profile)
		if !ok {
			return models.ConnectionType{}, fmt.Errorf("unknown profile %q", o.profile)
		}
		return models.ProfileConnection(p.ID), nil
	case o.server != "":
		for _, s := range a.catalog.Fetch() {
			if strings.EqualFold(s.Name, o.server) || s.ID == o.server {
				return models.SpecificServer(s), nil
			}
		}
		return models.ConnectionType{}, fmt.Errorf("unknown server %q", o.server)
	case o.city != "":
		if o.country == "" {
			return models.ConnectionType{}, errors.New("--city needs --country")
		}
		return models.City(strings.ToUpper(o.country), o.city), nil
	case o.country != "":
		pick := models.PickFastest
		if o.random {
			pick = models.PickRandom
		}
		return models.Country(strings.ToUpper(o.country), pick), nil
	case o.random:
		return models.Random(), nil
	default:
		return models.Fastest(), nil
	}
}

func connect(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a := resolveApp(cmd)
	defer a.close()

	if err := a.login(ctx); err != nil {
		return err
	}

	settings := a.gateway.Settings()
	settings.SecureCore = connectOpts.secureCore
	if connectOpts.protocol != "" {
		cp, err := models.ParseConnectionProtocol(connectOpts.protocol)
		if err != nil {
			return err
		}
		settings.ConnectionProtocol = cp
	}

	t, err := connectionType(a)
	if err != nil {
		return err
	}

	updates, unsubscribe := a.gateway.Subscribe()
	defer unsubscribe()

	trigger := models.TriggerUser
	if t.Kind == models.ConnectProfile {
		trigger = models.TriggerProfile
	}
	req := settings.Request(t, trigger)
	zap.S().Infow("connecting", "type", t.String(), "protocol", settings.ConnectionProtocol.String())
	if err := a.gateway.Connect(ctx, req, settings); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			zap.S().Info("disconnecting")
			shutdown, done := context.WithTimeout(context.Background(), disconnectTimeout)
			defer done()
			return a.gateway.Disconnect(shutdown)
		case st := <-updates:
			logStatus(st)
			if st.State == models.StateError {
				return st.Err
			}
		}
	}
}

func logStatus(st models.Status) {
	fields := []any{"state", st.State.String()}
	if cfg := st.Config; cfg != nil {
		fields = append(fields,
			"server", cfg.Server.Name,
			"protocol", cfg.Protocol.String(),
			"endpoint", cfg.Address(),
		)
	}
	if st.Err != nil {
		fields = append(fields, "error", st.Err)
	}
	zap.S().Infow("connection status", fields...)
}

func init() {
	f := connectCmd.Flags()
	f.StringVar(&connectOpts.country, "country", "", "exit country code")
	f.StringVar(&connectOpts.city, "city", "", "city within --country")
	f.StringVar(&connectOpts.server, "server", "", "server name or id")
	f.StringVar(&connectOpts.profile, "profile", "", "saved profile name or id")
	f.BoolVar(&connectOpts.random, "random", false, "pick a random server")
	f.StringVar(&connectOpts.protocol, "protocol", "", "smart or one of wireguard-udp, wireguard-tcp, wireguard-tls, openvpn-udp, openvpn-tcp, ikev2")
	f.BoolVar(&connectOpts.secureCore, "secure-core", false, "route through a secure core server")
	rootCmd.AddCommand(connectCmd)
}
