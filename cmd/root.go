package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"authkit/internal/config"
	"authkit/internal/session"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the OAuth flow failed.
	ExitCodeAuthFailed = 3
)

// Root flags.
var (
	configFile string
	quiet      bool
)

// rootCmd is the base command for the authkit CLI.
var rootCmd = &cobra.Command{
	Use:   "authkit",
	Short: "Manage OAuth sessions and provider tokens",
	Long: `authkit signs you in to the configured identity provider using the
OAuth Authorization Code flow with PKCE, keeps the session refreshed, and
manages per-provider integration tokens.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Config file (default "+config.DefaultConfigFile()+")")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"Suppress non-essential output")
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with the appropriate code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authkit version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var callbackErr *session.CallbackError
	switch {
	case errors.Is(err, session.ErrAuthRequired), errors.Is(err, session.ErrNoSession):
		os.Exit(ExitCodeAuthRequired)
	case errors.As(err, &callbackErr):
		os.Exit(ExitCodeAuthFailed)
	default:
		os.Exit(ExitCodeError)
	}
}
