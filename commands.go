package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"riderlink/internal/session"
	"riderlink/internal/storage"
)

// openSessions opens the local store and restores the saved session.
// The returned func closes the store.
func openSessions(state *cliState) (*session.Manager, func(), error) {
	store, err := storage.NewBboltStorage(state.cfg.DBFile)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := session.NewManager(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return sessions, func() { _ = store.Close() }, nil
}

func buildLoginCmd(state *cliState) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "login [token]",
		Short: "Store the session token issued by the auth service",
		Long: `Store the session token issued by the auth service.

The token is read from the argument, or from standard input with --stdin.
Its role, user id and expiry are taken from the token claims.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args, fromStdin)
			if err != nil {
				return err
			}

			sessions, closeStore, err := openSessions(state)
			if err != nil {
				return err
			}
			defer closeStore()

			s, err := sessions.Login(token)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s (%s)\n", s.UserID, s.Role)
			fmt.Fprintf(out, "Session expires %s\n", formatExpiry(s.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the token from standard input")
	return cmd
}

func readToken(in io.Reader, args []string, fromStdin bool) (string, error) {
	switch {
	case fromStdin && len(args) > 0:
		return "", errors.New("pass the token either as an argument or with --stdin, not both")
	case fromStdin:
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(line), nil
	case len(args) == 1:
		return strings.TrimSpace(args[0]), nil
	}
	return "", errors.New("token required")
}

func buildLogoutCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, closeStore, err := openSessions(state)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := sessions.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func buildStatusCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, closeStore, err := openSessions(state)
			if err != nil {
				return err
			}
			defer closeStore()

			out := cmd.OutOrStdout()
			s := sessions.Current()
			switch {
			case s.UserID == "":
				fmt.Fprintln(out, "Not logged in")
			case !sessions.Authenticated():
				fmt.Fprintf(out, "Session for %s (%s) expired %s\n", s.UserID, s.Role, formatExpiry(s.ExpiresAt))
			default:
				fmt.Fprintf(out, "Logged in as %s (%s)\n", s.UserID, s.Role)
				fmt.Fprintf(out, "Session expires %s\n", formatExpiry(s.ExpiresAt))
			}
			fmt.Fprintf(out, "API:      %s\n", state.cfg.APIURL)
			fmt.Fprintf(out, "Realtime: %s\n", state.cfg.SocketURL)
			return nil
		},
	}
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC1123)
}
