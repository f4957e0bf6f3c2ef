package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"authkit/internal/provider"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and provider token status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	println("Session")
	sess, err := a.sessions.GetSession(ctx)
	if err != nil {
		printf("  %s Not signed in\n", text.FgYellow.Sprint("○"))
		return nil
	}

	printf("  %s Signed in as %s (%s)\n", text.FgGreen.Sprint("✓"), sess.User.Email, sess.User.ID)
	printf("  Token expires %s\n", formatExpiry(sess.Tokens.ExpiresAt))
	if a.cipher.FallbackActive() {
		printf("  %s Storage encryption unavailable: tokens are encoded, not encrypted\n",
			text.FgYellow.Sprint("!"))
	}

	tokens, err := a.tokens.List(ctx, provider.Filter{UserID: sess.User.ID})
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		println("\nNo provider tokens")
		return nil
	}

	println("\nProvider tokens")
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "Status", "Expires", "Updated"})
	for _, token := range tokens {
		t.AppendRow(table.Row{
			token.Provider,
			formatStatus(token.Status),
			formatExpiry(token.ExpiresAt),
			token.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	t.Render()

	return nil
}

func formatStatus(status provider.Status) string {
	switch status {
	case provider.StatusActive:
		return text.FgGreen.Sprint(string(status))
	case provider.StatusExpired:
		return text.FgYellow.Sprint(string(status))
	case provider.StatusRevoked:
		return text.FgRed.Sprint(string(status))
	default:
		return string(status)
	}
}

func formatExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return text.FgYellow.Sprint("unknown")
	}
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return text.FgRed.Sprintf("expired %s ago", formatDuration(-remaining))
	}
	return fmt.Sprintf("in %s", formatDuration(remaining))
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
