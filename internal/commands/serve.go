// Package commands wires the gateway's single cobra command: parsing
// and validating CLI arguments, then running the gateway until its
// quota is met or a signal asks it to stop early.
package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sensorgateway/gateway/internal/config"
	"github.com/sensorgateway/gateway/internal/launcher"
)

// Root builds the gateway's root command: `sensor-gateway <port>
// <max_conn>`, plus flags for the tunables.
func Root() *cobra.Command {
	var cfg config.Config

	cmd := cobra.Command{
		Use:           "sensor-gateway <port> <max_conn>",
		Short:         "Accept sensor TCP sessions and fan out their measurements to storage and analysis",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ParsePositional(args); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cfg.Flags(&cmd)

	return &cmd
}

func run(ctx context.Context, cfg config.Config) error {
	gw, err := launcher.New(cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- gw.Run(runCtx) }()

	select {
	case err := <-done:
		return err
	case sig := <-sigCh:
		slog.Warn("caught signal, shutting down early", "sig", sig)
		cancel()
		return <-done
	}
}
