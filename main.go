package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"riderlink/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type cliState struct {
	cfg *config.Config
}

func buildRootCmd() *cobra.Command {
	state := &cliState{}
	rootCmd := &cobra.Command{
		Use:   "riderlink",
		Short: "Rider presence and realtime sync agent",
		Long: `riderlink keeps a rider's availability flag, shipment chats and shipment
status timelines in sync with the delivery backend.

Configuration comes from environment variables (RIDERLINK_API_URL,
RIDERLINK_SOCKET_URL, RIDERLINK_DB, ...) and an optional YAML file named by
RIDERLINK_CONFIG.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			state.cfg = cfg
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()})))
			return nil
		},
	}

	rootCmd.AddCommand(
		buildLoginCmd(state),
		buildLogoutCmd(state),
		buildStatusCmd(state),
		buildWatchCmd(state),
	)
	return rootCmd
}
