package cmd

import (
	"errors"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"authkit/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage provider integration tokens",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provider tokens and their validity",
	RunE:  runProvidersList,
}

var providersRevokeCmd = &cobra.Command{
	Use:   "revoke <provider>",
	Short: "Revoke the token for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersRevoke,
}

var providersCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired provider tokens",
	RunE:  runProvidersCleanup,
}

func init() {
	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(providersRevokeCmd)
	providersCmd.AddCommand(providersCleanupCmd)
	rootCmd.AddCommand(providersCmd)
}

func runProvidersList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	userID, err := a.requireUser(ctx)
	if err != nil {
		return err
	}

	tokens, err := a.tokens.List(ctx, provider.Filter{UserID: userID})
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		println("No provider tokens")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "Status", "Valid", "Expires"})
	for _, token := range tokens {
		valid := text.FgRed.Sprint("no")
		if token.Status == provider.StatusActive {
			// Validation may refresh an expired-but-refreshable token.
			if result, err := a.tokens.ValidateToken(ctx, userID, token.Provider); err == nil && result.IsValid {
				valid = text.FgGreen.Sprint("yes")
			}
		}
		t.AppendRow(table.Row{
			token.Provider,
			formatStatus(token.Status),
			valid,
			formatExpiry(token.ExpiresAt),
		})
	}
	t.Render()

	return nil
}

func runProvidersRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	providerName := args[0]

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	userID, err := a.requireUser(ctx)
	if err != nil {
		return err
	}

	if _, err := a.tokens.GetTokenForProvider(ctx, userID, providerName); err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			printf("No active token for %s\n", providerName)
			return nil
		}
		return err
	}

	if err := a.tokens.RevokeToken(ctx, userID, providerName); err != nil {
		return err
	}

	printf("%s Revoked token for %s\n", text.FgGreen.Sprint("✓"), providerName)
	return nil
}

func runProvidersCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.tokens.CleanupExpiredTokens(ctx)
	if err != nil {
		return err
	}

	printf("Removed %d expired token(s)\n", removed)
	return nil
}
