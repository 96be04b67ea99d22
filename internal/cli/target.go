package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuramp/internal/logging"
	"github.com/wesleyorama2/vuramp/internal/target"
)

const shutdownTimeout = 5 * time.Second

type targetOptions struct {
	addr      string
	latency   time.Duration
	errorRate float64
	logLevel  string
	logFormat string
}

func newTargetCmd() *cobra.Command {
	opts := &targetOptions{}

	cmd := &cobra.Command{
		Use:   "target",
		Short: "Serve an in-memory contacts API to load test locally",
		Long: `Serve an in-memory contact-management API for the contacts workload.

  vuramp target --addr :3000 --latency 5ms
  vuramp run -c load.yaml --base-url http://localhost:3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.errorRate < 0 || opts.errorRate > 1 {
				return &ExitError{Code: 1, Err: fmt.Errorf("--error-rate must be between 0 and 1")}
			}
			log, err := logging.New(opts.logLevel, opts.logFormat)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			defer log.Sync() //nolint:errcheck

			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Serving contacts API on http://%s\n", ln.Addr())
			return serveTarget(ctx, ln, target.New(target.Options{
				Latency:   opts.latency,
				ErrorRate: opts.errorRate,
				Log:       log,
			}), log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "localhost:3000", "Listen address")
	f.DurationVar(&opts.latency, "latency", 0, "Latency added to every request")
	f.Float64Var(&opts.errorRate, "error-rate", 0, "Fraction of requests answered with 500")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", logging.FormatJSON, "Log format (json, console)")
	return cmd
}

// serveTarget serves api on ln until ctx is done, then shuts down gracefully.
func serveTarget(ctx context.Context, ln net.Listener, api *target.API, log *zap.Logger) error {
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("target listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	st := api.Stats()
	log.Info("target stopped",
		zap.Int64("requests", st.Requests),
		zap.Int64("errors", st.Errors),
		zap.Int("users", st.Users),
		zap.Int("contacts", st.Contacts),
	)
	return nil
}
