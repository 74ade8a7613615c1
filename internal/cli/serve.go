package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deskgate/deskgate/pkg/gateway"
	"github.com/deskgate/deskgate/pkg/gateway/config"
)

// ServeConfig holds flags of the serve command
type ServeConfig struct {
	Local   bool
	Address string
}

// NewServeCmd creates the serve command
func NewServeCmd(flags *globalFlags) *cobra.Command {
	cfg := &ServeConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the desktop gateway HTTP API.

With --local, desktops are simulated in-process and bash actions run on this
host, which is meant for development only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.Local, "local", false, "Use the in-process desktop backend")
	cmd.Flags().StringVar(&cfg.Address, "address", "", "Listen address override, e.g. :8080")

	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, sc *ServeConfig) error {
	cfg, log, err := flags.load()
	if err != nil {
		return err
	}
	if sc.Local {
		cfg.Backend.Mode = config.BackendLocal
	}
	if sc.Address != "" {
		cfg.Server.Address = sc.Address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Auth.APIKeys) == 0 {
		log.Info("No API keys configured, every request will be rejected")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := gateway.NewApp(ctx, cfg, gateway.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error(err, "Failed to close gateway")
		}
	}()

	server, err := app.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Gateway listening", "address", server.Addr, "backend", cfg.Backend.Mode, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("Shutting down gateway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown gracefully: %w", err)
	}
	log.Info("Gateway stopped")
	return nil
}
