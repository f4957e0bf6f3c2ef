package cmd

import (
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and revoke the current session",
	Long: `Sign out of the current session.

The refresh token is revoked at the provider best-effort; the local session
is destroyed either way.`,
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sessions.SignOut(ctx); err != nil {
		return err
	}

	printf("%s Signed out\n", text.FgGreen.Sprint("✓"))
	return nil
}
