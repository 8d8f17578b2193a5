package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpngate/internal/models"
	"vpngate/internal/selector"
)

var (
	serversOpts struct {
		serverType string
		refresh    bool
	}

	serversCmd = &cobra.Command{
		Use:   "servers",
		Short: "list the known servers grouped by country",
		RunE:  listServers,
	}

	selectCmd = &cobra.Command{
		Use:   "select",
		Short: "pick a server and negotiate a protocol without connecting",
		Long:  "select runs the same selection and preparation as connect, probing the chosen server, and prints the result.",
		RunE:  selectServer,
	}
)

var serverTypes = map[string]models.ServerType{
	"standard":    models.ServerTypeStandard,
	"secure-core": models.ServerTypeSecureCore,
	"p2p":         models.ServerTypeP2P,
	"tor":         models.ServerTypeTor,
}

func listServers(cmd *cobra.Command, _ []string) error {
	t, ok := serverTypes[serversOpts.serverType]
	if !ok {
		return fmt.Errorf("unknown server type %q", serversOpts.serverType)
	}

	a := resolveApp(cmd)
	defer a.close()

	if serversOpts.refresh || a.catalog.Len() == 0 {
		if err := a.login(cmd.Context()); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d servers, updated %s ago\n", a.catalog.Len(), a.catalog.Age().Round(time.Second))

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, group := range a.catalog.Grouping(t) {
		fmt.Fprintf(w, "%s\t%d servers\n", group.Key, len(group.Servers))
		for _, s := range group.Servers {
			state := ""
			if s.UnderMaintenance() {
				state = "maintenance"
			}
			fmt.Fprintf(w, "  %s\t%s\t%d%%\t%.2f\t%s\n", s.Name, s.Tier, s.Load, s.Score, state)
		}
	}
	return w.Flush()
}

func selectServer(cmd *cobra.Command, _ []string) error {
	a := resolveApp(cmd)
	defer a.close()

	ctx := cmd.Context()
	if err := a.login(ctx); err != nil {
		return err
	}

	settings := a.gateway.Settings()
	if connectOpts.protocol != "" {
		cp, err := models.ParseConnectionProtocol(connectOpts.protocol)
		if err != nil {
			return err
		}
		settings.ConnectionProtocol = cp
	}
	settings.SecureCore = connectOpts.secureCore

	t, err := connectionType(a)
	if err != nil {
		return err
	}
	req, err := a.request(t, settings)
	if err != nil {
		return err
	}

	tier := a.session.UserTier()
	clientCfg := a.session.ClientConfig()
	server, err := a.selector.SelectServer(req, selector.Environment{
		UserTier:    tier,
		Settings:    settings,
		SmartConfig: clientCfg.SmartProtocol,
	})
	if err != nil {
		return err
	}
	zap.S().Infow("selected server", "server", server.Name, "country", server.CountryCode(), "score", server.Score)

	probeCtx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()
	prepared, err := a.preparer.Prepare(probeCtx, server, req, tier, clientCfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "server:   %s (%s)\n", prepared.Server.Name, prepared.Server.Tier)
	fmt.Fprintf(out, "ip:       %s\n", prepared.ServerIP.ID)
	fmt.Fprintf(out, "protocol: %s\n", prepared.Protocol)
	fmt.Fprintf(out, "ports:    %s\n", strings.Trim(fmt.Sprint(prepared.Ports), "[]"))
	fmt.Fprintf(out, "endpoint: %s\n", prepared.Address())
	return nil
}

func init() {
	serversCmd.Flags().StringVar(&serversOpts.serverType, "type", "standard", "standard, secure-core, p2p or tor")
	serversCmd.Flags().BoolVar(&serversOpts.refresh, "refresh", false, "fetch the list from the api first")

	f := selectCmd.Flags()
	f.StringVar(&connectOpts.country, "country", "", "exit country code")
	f.StringVar(&connectOpts.city, "city", "", "city within --country")
	f.StringVar(&connectOpts.server, "server", "", "server name or id")
	f.StringVar(&connectOpts.profile, "profile", "", "saved profile name or id")
	f.BoolVar(&connectOpts.random, "random", false, "pick a random server")
	f.StringVar(&connectOpts.protocol, "protocol", "", "smart or an explicit protocol")
	f.BoolVar(&connectOpts.secureCore, "secure-core", false, "route through a secure core server")

	serversCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(serversCmd)
}
