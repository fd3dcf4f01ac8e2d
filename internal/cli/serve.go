package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/querypilot/internal/server"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the command pipeline over HTTP",
		Long: `Start an HTTP API in front of the command pipeline.

Routes:
  POST /v1/commands   natural-language command
  POST /v1/validate   validate an operation request
  POST /v1/execute    run an operation request
  GET  /v1/history    session history (X-Session-ID header)
  GET  /healthz       storage liveness

The listen address defaults to QP_LISTEN.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, app *App) error {
				addr := opts.Listen
				if addr == "" {
					addr = app.Config.Listen
				}
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to listen", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", ln.Addr())
				return serve(ctx, ln, server.New(server.Config{
					Pipeline: app.Pipeline,
					Engine:   app.Engine,
					Logger:   app.Logger,
				}).Handler())
			})
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address, overrides QP_LISTEN")

	return cmd
}

// serve runs handler on ln until ctx is cancelled, then shuts down
// gracefully.
func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("server started", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
