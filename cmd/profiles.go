package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpngate/internal/models"
)

var (
	profileOpts struct {
		country    string
		server     string
		random     bool
		protocol   string
		secureCore bool
	}

	profilesCmd = &cobra.Command{
		Use:   "profiles",
		Short: "list the saved connection profiles",
		RunE:  listProfiles,
	}

	profileAddCmd = &cobra.Command{
		Use:   "add <name>",
		Short: "save a connection profile",
		Args:  cobra.ExactArgs(1),
		RunE:  addProfile,
	}

	profileDeleteCmd = &cobra.Command{
		Use:   "delete <name|id>",
		Short: "delete a saved profile",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteProfile,
	}
)

func listProfiles(cmd *cobra.Command, _ []string) error {
	a := resolveApp(cmd)
	defer a.close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, p := range a.profiles.All() {
		protocol := "settings"
		if p.Protocol != nil {
			protocol = p.Protocol.String()
		}
		target := p.CountryCode
		if p.Offering == models.OfferServer {
			target = p.ServerID
			if s, ok := a.catalog.Server(p.ServerID); ok {
				target = s.Name
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Offering, target, p.ServerType, protocol)
	}
	return w.Flush()
}

// profileFromFlags builds an unsaved profile. --server wins over --random.
func profileFromFlags(a *app, name string) (models.Profile, error) {
	o := profileOpts
	p := models.Profile{Name: name, CountryCode: strings.ToUpper(o.country)}
	if o.secureCore {
		p.ServerType = models.ServerTypeSecureCore
	}

	switch {
	case o.server != "":
		found := false
		for _, s := range a.catalog.Fetch() {
			if strings.EqualFold(s.Name, o.server) || s.ID == o.server {
				p.Offering = models.OfferServer
				p.ServerID = s.ID
				p.CountryCode = s.CountryCode()
				found = true
				break
			}
		}
		if !found {
			return models.Profile{}, fmt.Errorf("unknown server %q", o.server)
		}
	case o.random:
		p.Offering = models.OfferRandom
	}

	if o.protocol != "" {
		cp, err := models.ParseConnectionProtocol(o.protocol)
		if err != nil {
			return models.Profile{}, err
		}
		p.Protocol = &cp
	}
	return p, nil
}

func addProfile(cmd *cobra.Command, args []string) error {
	a := resolveApp(cmd)
	defer a.close()

	p, err := profileFromFlags(a, args[0])
	if err != nil {
		return err
	}
	saved, err := a.profiles.Create(p)
	if err != nil {
		return err
	}
	zap.S().Infow("profile saved", "id", saved.ID, "name", saved.Name, "offering", saved.Offering.String())
	return nil
}

func deleteProfile(cmd *cobra.Command, args []string) error {
	a := resolveApp(cmd)
	defer a.close()

	p, ok := a.profiles.Find(args[0])
	if !ok {
		return fmt.Errorf("unknown profile %q", args[0])
	}
	if err := a.profiles.Delete(p.ID); err != nil {
		return err
	}
	zap.S().Infow("profile deleted", "id", p.ID, "name", p.Name)
	return nil
}

func init() {
	f := profileAddCmd.Flags()
	f.StringVar(&profileOpts.country, "country", "", "limit the pick to one exit country")
	f.StringVar(&profileOpts.server, "server", "", "always use this server, by name or id")
	f.BoolVar(&profileOpts.random, "random", false, "pick a random server instead of the fastest")
	f.StringVar(&profileOpts.protocol, "protocol", "", "protocol of the profile, defaults to the settings")
	f.BoolVar(&profileOpts.secureCore, "secure-core", false, "route through a secure core server")

	profilesCmd.AddCommand(profileAddCmd, profileDeleteCmd)
	rootCmd.AddCommand(profilesCmd)
}
