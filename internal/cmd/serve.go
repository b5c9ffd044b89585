package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/internal/server"
	"github.com/3leaps/benchstage/internal/server/handlers"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/catalog"
	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/submit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local HTTP API",
	Long: `Serve the staging, submission and reconciliation API over HTTP.

The API shares the staging workspace with the CLI: experiments staged over
HTTP are visible to 'benchstage stage list' and the reverse once the server
restarts.

Endpoints:
  /health, /health/live, /health/ready, /health/startup, /version
  /api/v1/algorithms
  /api/v1/experiments          GET, POST
  /api/v1/experiments/import   POST (manifest body)
  /api/v1/experiments/{id}     PATCH, DELETE
  /api/v1/experiments/submit   POST (?wait=true)
  /api/v1/outcomes             GET
  /api/v1/outcomes/{id}        GET
  /api/v1/outcomes/{id}/force-run             POST
  /api/v1/outcomes/{id}/reconcile/{result_id} GET`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host = serveHost
	}
	if cmd.Flags().Changed("port") {
		port = servePort
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named(appIdentityName())

	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	provider := catalog.NewProvider(client,
		catalog.WithLogger(logger.Named("catalog")),
		catalog.WithTTL(cfg.Catalog.TTL))

	sess, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer sess.close()

	api := handlers.NewAPI(handlers.Deps{
		Store:        sess.store,
		Catalog:      provider,
		Orchestrator: submit.New(client, cfg.SubmitterConfig(), submit.WithLogger(logger.Named("submit"))),
		Results:      client,
		Persist:      sess.workspace.Save,
		Logger:       logger,
	})

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	hm.RegisterChecker("backend", backendHealthChecker{client: client})

	srv := server.New(host, port,
		server.WithAPI(api),
		server.WithLogger(logger),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr()),
			zap.String("backend", client.BaseURL()),
			zap.Int("staged", sess.store.Len()))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server shutdown failed", err)
	}
	if err := sess.save(); err != nil {
		return err
	}
	return nil
}

func appIdentityName() string {
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		return id.BinaryName
	}
	return "benchstage"
}

// signalHealthChecker reports healthy while the process can handle signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

// algorithmLister is the part of *backend.Client the backend check uses.
type algorithmLister interface {
	Algorithms(ctx context.Context) ([]params.Algorithm, error)
}

// backendHealthChecker checks that the backend answers the catalog request.
type backendHealthChecker struct {
	client algorithmLister
}

func (c backendHealthChecker) CheckHealth(ctx context.Context) error {
	if c.client == nil {
		return errors.New("backend client not configured")
	}
	if _, err := c.client.Algorithms(ctx); err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 0 {
			return fmt.Errorf("backend unreachable: %w", err)
		}
		return fmt.Errorf("backend unhealthy: %w", err)
	}
	return nil
}
