package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vpngate/internal/models"
)

var (
	probeOpts struct {
		domain    string
		publicKey string
		ports     []int
		protocols []string
	}

	probeCmd = &cobra.Command{
		Use:   "probe <ip>",
		Short: "probe a vpn endpoint for every enabled protocol",
		Args:  cobra.ExactArgs(1),
		RunE:  probe,
	}
)

func probe(cmd *cobra.Command, args []string) error {
	cfg := resolveConfig()
	if len(probeOpts.protocols) > 0 {
		cfg.Smart.Protocols = probeOpts.protocols
	}
	checkers, err := newChecker(cfg)
	if err != nil {
		return err
	}

	ip := models.ServerIP{
		ID:              args[0],
		EntryIP:         args[0],
		Domain:          probeOpts.domain,
		Status:          1,
		X25519PublicKey: probeOpts.publicKey,
	}
	if len(probeOpts.ports) > 0 {
		ip.ProtocolEntries = make(map[models.VPNProtocol]*models.ProtocolEntry, len(checkers))
		for p := range checkers {
			ip.ProtocolEntries[p] = &models.ProtocolEntry{Ports: probeOpts.ports}
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, c := range checkers.Checkers() {
		res := c.CheckAvailability(cmd.Context(), ip)
		state := "unavailable"
		if res.Available {
			state = "available"
		}
		fmt.Fprintf(w, "%s\t%s\t%v\n", c.Protocol(), state, res.Ports)
	}
	return w.Flush()
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeOpts.domain, "domain", "", "server domain, used as TLS server name")
	f.StringVar(&probeOpts.publicKey, "public-key", "", "server x25519 public key, base64, for WireGuard probes")
	f.IntSliceVar(&probeOpts.ports, "port", nil, "ports to probe instead of the protocol defaults")
	f.StringSliceVar(&probeOpts.protocols, "protocol", nil, "protocols to probe, defaults to smart.protocols")
	rootCmd.AddCommand(probeCmd)
}
