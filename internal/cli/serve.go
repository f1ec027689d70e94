package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"postify/internal/app"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the connection supervisor and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, flagConfig)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stop(a, app.StopStartFail)
				return fmt.Errorf("start: %w", err)
			}
			// Not running under systemd is not an error.
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if ctx.Err() == nil {
					reason = app.StopFatalError
				}
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stop(a, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
