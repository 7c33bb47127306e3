package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/libs/config"
	"github.com/md-rashed-zaman/clinicdesk/libs/dbguard"
	"github.com/md-rashed-zaman/clinicdesk/libs/runtime"
	"github.com/spf13/cobra"
)

var errNoReconnect = errors.New("ensure after close did not open a new connection")

func probeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect, drop the connection, and verify the guard reconnects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			s, err := loadSettings()
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(s.Service, s.LogLevel)

			b, err := openBackend(s, logger, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := b.probe(ctx); err != nil {
				logger.Error("probe failed", "driver", b.driver, "target", b.target, "err", err)
				return err
			}
			logger.Info("probe passed", "driver", b.driver, "target", b.target)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall probe deadline")
	return cmd
}

// runProbe connects, pings, closes the handle to mimic an idle disconnect, then expects Ensure to reconnect.
func runProbe[H any](ctx context.Context, g *dbguard.Guard[H], ping func(context.Context, H) error, logger *slog.Logger) error {
	h, err := g.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}
	if err := ping(ctx, h); err != nil {
		return fmt.Errorf("initial ping: %w", err)
	}
	first := g.Status().Generation
	logger.Info("probe connected", "generation", first)

	if err := g.Close(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	logger.Info("probe closed connection")

	h, err = g.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := ping(ctx, h); err != nil {
		return fmt.Errorf("ping after reconnect: %w", err)
	}
	st := g.Status()
	if st.Generation <= first {
		return errNoReconnect
	}
	logger.Info("probe reconnected", "generation", st.Generation, "attempts", st.Attempts)
	return g.Close(ctx)
}
