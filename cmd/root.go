package cmd

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpngate/internal/config"
	logg "vpngate/pkg/logger"
)

var (
	configPath = "config.yml"
	skipConfig = false

	//go:embed version.txt
	version string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vpngate",
	Short: "VPN connection client.",
	Long:  "vpngate picks a server, negotiates a protocol and keeps the session and certificates of a VPN account fresh.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		cfg := resolveConfig()
		logger := logg.New(cfg.Logger).Desugar()
		zap.ReplaceGlobals(logger)
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// resolveConfig or exit with error
func resolveConfig() *config.Config {
	cfg, err := config.New(configPath, skipConfig)
	if err != nil {
		fmt.Printf("unable to initialize config: %s\n", err.Error())
		os.Exit(1)
	}
	return cfg
}

// resolveApp wires the client or exits with error.
func resolveApp(cmd *cobra.Command) *app {
	a, err := newApp(resolveConfig(), confirmer(cmd))
	if err != nil {
		zap.S().Errorw("unable to start", "error", err)
		os.Exit(1)
	}
	return a
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to yml config")
	rootCmd.PersistentFlags().BoolVar(&skipConfig, "skip-config", false, "skips config and uses ENV only")
	rootCmd.AddCommand(versionCmd)
}
