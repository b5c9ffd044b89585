// Package cmd implements the benchstage command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/config"
	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/catalog"
	"github.com/3leaps/benchstage/pkg/staging"
)

var (
	cfgFile        string
	flagBackendURL string
	flagDataDir    string
	flagVerbose    bool
)

// versionInfo is set from main via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// appIdentity is the identity the CLI was started with.
var appIdentity *config.AppIdentity

var rootCmd = &cobra.Command{
	Use:   "benchstage",
	Short: "Stage, submit and reconcile optimization benchmark experiments",
	Long: `benchstage stages optimization experiments locally, submits them to a
benchmark backend concurrently, and reconciles cache hits against what
was asked for.

Experiments are staged in a local workspace until submitted. Submitted
batches are recorded under the data directory so individual items can be
force-run or reconciled later.

Examples:
  benchstage algorithms list
  benchstage stage add --algorithm pso --seeds 1,2,3 --param n_particles=30
  benchstage submit --output batch.jsonl
  benchstage batches status <batch_id>`,
	SilenceUsage:      true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./benchstage.yaml or user config dir)")
	rootCmd.PersistentFlags().StringVar(&flagBackendURL, "backend-url", "", "Backend API root (overrides backend.base_url)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Data directory for the workspace, queue and batch records")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build information.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the CLI identity, or nil before initialization.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	if appIdentity == nil {
		id := config.DefaultIdentity
		appIdentity = &id
		config.SetIdentity(id)
	}
	observability.InitCLILogger(appIdentity.BinaryName, flagVerbose)

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("data_dir", cfg.DataDir),
		zap.String("queue", cfg.Queue.Backend))
	return nil
}

// flagOverrides returns config overrides for persistent flags the user set.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	if f := cmd.Flags().Lookup("backend-url"); f != nil && f.Changed {
		out["backend.base_url"] = flagBackendURL
	}
	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		out["data_dir"] = flagDataDir
	}
	if flagVerbose {
		out["logging.level"] = "debug"
	}
	return out
}

// loadedConfig returns the loaded config, loading defaults when a command
// runs without the root pre-run (tests).
func loadedConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return config.Load(ctx)
}

func newBackendClient(cfg *config.Config) (*backend.Client, error) {
	bc := cfg.BackendClientConfig()
	bc.Logger = observability.CLILogger.Named("backend")
	client, err := backend.New(bc)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid backend configuration", err)
	}
	return client, nil
}

// loadCatalog fetches the algorithm catalog. A failure returns the empty
// catalog and the error so callers can decide whether it is fatal.
func loadCatalog(ctx context.Context, client *backend.Client) (catalog.Catalog, error) {
	p := catalog.NewProvider(client, catalog.WithLogger(observability.CLILogger.Named("catalog")))
	return p.Load(ctx)
}

// session is one invocation's view of the staging workspace.
type session struct {
	cfg       *config.Config
	workspace *staging.Workspace
	queue     staging.Queue
	store     *staging.Store
}

// openSession restores the staging list and merges anything queued since
// the last invocation.
func openSession(ctx context.Context, cfg *config.Config, resolver staging.Resolver) (*session, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to create data directory", err)
	}
	ws, err := staging.NewWorkspace(cfg.WorkspacePath())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid workspace path", err)
	}
	q, err := staging.OpenQueue(ctx, cfg.Queue.Backend, cfg.QueuePath())
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open staging queue", err)
	}
	store, merged, err := ws.Open(ctx, q, resolver)
	if err != nil {
		_ = staging.CloseQueue(q)
		return nil, exitError(foundry.ExitFileReadError, "Failed to open staging workspace", err)
	}
	if len(merged) > 0 {
		observability.CLILogger.Info("Merged queued experiments", zap.Int("count", len(merged)))
	}
	return &session{cfg: cfg, workspace: ws, queue: q, store: store}, nil
}

func (s *session) save() error {
	if err := s.workspace.Save(s.store.List()); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to save staging workspace", err)
	}
	return nil
}

func (s *session) close() {
	if err := staging.CloseQueue(s.queue); err != nil {
		observability.CLILogger.Warn("Failed to close staging queue", zap.Error(err))
	}
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
