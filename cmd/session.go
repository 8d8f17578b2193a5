package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpngate/internal/models"
	"vpngate/internal/session"
)

var (
	loginAuth models.AuthCredentials
	forceOut  bool

	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "manage the account session",
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "store api tokens and establish the session",
		RunE:  login,
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "end the session and wipe local data",
		RunE:  logout,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "show the account behind the stored session",
		RunE:  status,
	}
)

var prompts = map[session.Prompt]string{
	session.PromptLogoutWhileConnected: "A connection is active. Log out anyway?",
	session.PromptUsernameMismatch:     "The active connection belongs to another account. Disconnect it?",
}

// confirmer asks on the command's stdin and defaults to no.
func confirmer(cmd *cobra.Command) func(session.Prompt) bool {
	return func(p session.Prompt) bool {
		fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", prompts[p])
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func login(cmd *cobra.Command, _ []string) error {
	a := resolveApp(cmd)
	defer a.close()

	if err := a.session.FinishLogin(cmd.Context(), loginAuth); err != nil {
		return err
	}

	creds, _ := a.session.Credentials()
	zap.S().Infow("logged in", "username", creds.Username, "tier", creds.MaxTier.String(), "servers", a.catalog.Len())
	return nil
}

func logout(cmd *cobra.Command, _ []string) error {
	a := resolveApp(cmd)
	defer a.close()

	return a.session.Logout(cmd.Context(), forceOut, nil)
}

func status(cmd *cobra.Command, _ []string) error {
	a := resolveApp(cmd)
	defer a.close()

	if err := a.login(cmd.Context()); err != nil {
		return err
	}

	creds, _ := a.session.Credentials()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "account:  %s\n", creds.Username)
	fmt.Fprintf(out, "plan:     %s (%s)\n", creds.AccountPlan, creds.MaxTier)
	if creds.IsDelinquent() {
		fmt.Fprintln(out, "billing:  delinquent")
	}
	if loc := a.session.Location(); loc != nil {
		fmt.Fprintf(out, "location: %s %s\n", loc.Country, loc.IP)
	}
	fmt.Fprintf(out, "servers:  %d (updated %s ago)\n", a.catalog.Len(), a.catalog.Age().Round(time.Second))
	fmt.Fprintf(out, "profiles: %d\n", len(a.profiles.All()))
	if next, ok := a.session.NextRefresh(); ok {
		fmt.Fprintf(out, "refresh:  %s\n", next.Format(time.Kitchen))
	}
	if size, err := a.storage.CacheSize(); err == nil {
		fmt.Fprintf(out, "cache:    %s (%d bytes)\n", a.storage.CachePath(), size)
	}
	return nil
}

func init() {
	loginCmd.Flags().StringVar(&loginAuth.UID, "uid", "", "api session uid")
	loginCmd.Flags().StringVar(&loginAuth.AccessToken, "access-token", "", "api access token")
	loginCmd.Flags().StringVar(&loginAuth.RefreshToken, "refresh-token", "", "api refresh token")
	loginCmd.Flags().StringVar(&loginAuth.Username, "username", "", "account name")
	_ = loginCmd.MarkFlagRequired("uid")
	_ = loginCmd.MarkFlagRequired("access-token")

	logoutCmd.Flags().BoolVar(&forceOut, "force", false, "do not ask when a connection is active")

	sessionCmd.AddCommand(loginCmd, logoutCmd, statusCmd)
	rootCmd.AddCommand(sessionCmd)
}
