package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"
)

var (
	// serveHost overrides server.host
	serveHost string
	// servePort overrides server.port
	servePort int
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and background loops",
		Long: `Start the resilience server.

The server admits requests through the rate limiter, accepts failed
webhook events on POST /webhooks/failed, redelivers them to the configured
targets with backoff, and exposes health, metrics and admin endpoints.
SIGINT or SIGTERM triggers a graceful shutdown.`,
		Args: cobra.NoArgs,
		Example: `  resilience serve
  resilience serve --config resilience.yaml
  resilience serve --host 127.0.0.1 --port 9090`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveHost, "host", "", "host to bind to (overrides config)")
	cmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		if servePort < 1 || servePort > 65535 {
			return fmt.Errorf("invalid --port %d", servePort)
		}
		cfg.Server.Port = servePort
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		return errors.Join(err, a.shutdown.Shutdown(context.Background()))
	}

	l, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return errors.Join(fmt.Errorf("listen %s: %w", cfg.Server.Addr(), err), a.shutdown.Shutdown(context.Background()))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server listening on %s\n", l.Addr())
	printVerbose(cmd, "failover managers: %v\n", a.failover.Names())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var serveErr error
	done := make(chan struct{})
	go func() {
		serveErr = a.serve(l)
		close(done)
		cancel()
	}()

	shutdownErr := a.shutdown.WaitForSignal(runCtx)
	<-done
	fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")

	return errors.Join(serveErr, shutdownErr)
}
