package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"authkit/internal/callback"
	"authkit/internal/session"
)

var loginNoBrowser bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the configured identity provider",
	Long: `Sign in using the browser-based OAuth Authorization Code flow with PKCE.

A temporary local server receives the provider redirect; the resulting
session is stored encrypted and refreshed automatically.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false,
		"Print the authorization URL instead of opening a browser")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.sessions.IsAuthenticated(ctx) {
		user := a.sessions.CurrentUser()
		printf("%s Already signed in as %s\n", text.FgGreen.Sprint("✓"), user.Email)
		return nil
	}

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := callback.NewServer(a.cfg.Callback.Port)
	redirectURI, err := server.Start(serverCtx)
	if err != nil {
		return err
	}
	defer server.Stop()

	authURL, err := a.sessions.InitiateFlow(ctx, redirectURI, nil)
	if err != nil {
		return err
	}

	if loginNoBrowser {
		printf("Open this URL in your browser:\n\n  %s\n\n", authURL)
	} else if err := callback.OpenBrowser(authURL); err != nil {
		printf("Could not open a browser (%v).\nOpen this URL manually:\n\n  %s\n\n", err, authURL)
	}

	result, err := waitForCallback(ctx, server)
	if err != nil {
		return err
	}
	if result.Failed() {
		return &session.CallbackError{
			Stage: "authorize",
			Err:   fmt.Errorf("%s: %s", result.Error, result.ErrorDescription),
		}
	}

	sess, err := a.sessions.HandleCallback(ctx, result.Code, result.State)
	if err != nil {
		return err
	}

	printf("%s Signed in as %s\n", text.FgGreen.Sprint("✓"), sess.User.Email)
	return nil
}

// waitForCallback blocks on the browser round-trip with a spinner and an
// overall timeout.
func waitForCallback(ctx context.Context, server *callback.Server) (*callback.Result, error) {
	var s *spinner.Spinner
	if !quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for sign-in in your browser..."
		s.Start()
		defer s.Stop()
	}

	waitCtx, cancel := context.WithTimeout(ctx, callback.WaitTimeout)
	defer cancel()

	result, err := server.Wait(waitCtx)
	if err != nil {
		if s != nil {
			s.FinalMSG = text.FgRed.Sprint("Sign-in timed out") + "\n"
		}
		return nil, fmt.Errorf("waiting for authorization callback: %w", err)
	}
	return result, nil
}
