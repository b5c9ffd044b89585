package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/batchregistry"
	"github.com/3leaps/benchstage/pkg/catalog"
	"github.com/3leaps/benchstage/pkg/output"
	"github.com/3leaps/benchstage/pkg/reconcile"
	"github.com/3leaps/benchstage/pkg/search"
	"github.com/3leaps/benchstage/pkg/staging"
	"github.com/3leaps/benchstage/pkg/submit"
)

var submitCmd = &cobra.Command{
	Use:   "submit [id...]",
	Short: "Submit staged experiments",
	Long: `Submit staged experiments to the backend concurrently.

With no ids every staged experiment is submitted. Submitted experiments
leave the staging list unless --keep is set. Each outcome is written as a
JSONL record as it resolves, followed by reconcile records for cache hits
and a final summary. The batch is recorded under the data directory for
'benchstage batches'.

A batch of exactly one experiment that starts a fresh run goes straight to
its container log. Use --no-follow to return as soon as the batch resolves.

Examples:
  benchstage submit
  benchstage submit --name sweep-1 --output sweep-1.jsonl
  benchstage submit 3f2a --no-follow`,
	RunE: runSubmit,
}

var (
	submitName     string
	submitOutput   string
	submitKeep     bool
	submitNoFollow bool
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitName, "name", "n", "", "Label for the batch record")
	submitCmd.Flags().StringVarP(&submitOutput, "output", "o", "", "Write JSONL records to this file (default stdout)")
	submitCmd.Flags().BoolVar(&submitKeep, "keep", false, "Keep submitted experiments staged")
	submitCmd.Flags().BoolVar(&submitNoFollow, "no-follow", false, "Do not follow the log of a single fresh run")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	// A missing catalog only skips local validation; the backend still
	// validates what it receives.
	var resolver staging.Resolver
	cat, catErr := loadCatalog(ctx, client)
	if catErr == nil {
		resolver = cat
	} else {
		observability.CLILogger.Warn("Algorithm catalog unavailable; submitting without local validation", zap.Error(catErr))
	}

	sess, err := openSession(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	defer sess.close()

	exps, err := selectStaged(sess.store, args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown experiment", err)
	}
	if len(exps) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Nothing to submit", errors.New("the staging list is empty"))
	}
	if err := validateSelected(sess.store, exps); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Staged experiments failed validation", err)
	}

	registry := batchregistry.NewStore(cfg.BatchesDir())
	rec, err := registry.Begin(submitName, client.BaseURL(), exps)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to record batch", err)
	}

	if !submitKeep {
		for _, e := range exps {
			_ = sess.store.Unstage(e.ID)
		}
		if err := sess.save(); err != nil {
			return err
		}
	}

	writer, cleanup, err := createWriter(submitOutput, rec.BatchID, client.BaseURL())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	orch := submit.New(client, cfg.SubmitterConfig(), submit.WithLogger(observability.CLILogger.Named("submit")))

	observability.CLILogger.Info("Submitting batch",
		zap.String("batch_id", rec.BatchID),
		zap.Int("experiments", len(exps)),
		zap.Int("concurrency", cfg.Submit.Concurrency))

	start := time.Now()
	items, submitErr := orch.SubmitEach(ctx, exps, func(_ int, it submit.Item) {
		writeOutcome(ctx, writer, it)
	})

	rec.Apply(items)
	writeCacheReconciles(ctx, writer, rec, cat)
	rec.Complete(time.Now())
	if err := registry.Write(rec); err != nil {
		observability.CLILogger.Error("Failed to update batch record", zap.String("batch_id", rec.BatchID), zap.Error(err))
	}

	if err := writer.WriteSummary(ctx, output.NewSummaryRecord(items, time.Since(start))); err != nil {
		observability.CLILogger.Warn("Failed to write summary record", zap.Error(err))
	}

	s := submit.Summarize(items)
	observability.CLILogger.Info("Batch submitted",
		zap.String("batch_id", rec.BatchID),
		zap.String("state", string(rec.State)),
		zap.Int("fresh", s.Fresh),
		zap.Int("cached", s.Cached),
		zap.Int("failed", s.Failed))

	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "Submission cancelled", ctx.Err())
	}

	if target, ok := followTarget(items, submitNoFollow); ok {
		if err := followContainer(ctx, client, writer, target); err != nil {
			return err
		}
	}

	if submitErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("%d of %d submission(s) failed", s.Failed, s.Total), submitErr)
	}
	return nil
}

// followTarget returns the container whose log a single fresh run goes to.
func followTarget(items []submit.Item, noFollow bool) (string, bool) {
	if noFollow {
		return "", false
	}
	return submit.DirectLogTarget(items)
}

// selectStaged returns the experiments named by ids, or the whole list.
func selectStaged(store *staging.Store, ids []string) ([]staging.Experiment, error) {
	if len(ids) == 0 {
		return store.List(), nil
	}
	out := make([]staging.Experiment, 0, len(ids))
	for _, raw := range ids {
		id, err := store.ResolveID(raw)
		if err != nil {
			return nil, err
		}
		e, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func validateSelected(store *staging.Store, exps []staging.Experiment) error {
	invalid := store.ValidateAll()
	var errs []error
	for _, e := range exps {
		if err, ok := invalid[e.ID]; ok {
			observability.CLILogger.Error("Invalid experiment",
				zap.String("id", shortID(e.ID)),
				zap.String("experiment", e.Label()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", shortID(e.ID), err))
		}
	}
	return errors.Join(errs...)
}

func writeOutcome(ctx context.Context, w *output.JSONLWriter, it submit.Item) {
	if err := w.WriteOutcome(ctx, output.NewOutcomeRecord(it)); err != nil {
		observability.CLILogger.Warn("Failed to write outcome record", zap.Error(err))
	}
	if err := it.Outcome.Err(); err != nil {
		_ = w.WriteError(ctx, &output.ErrorRecord{
			Code:         output.ErrorCode(err),
			Message:      err.Error(),
			ExperimentID: it.ID(),
		})
	}
}

// writeCacheReconciles stores the reconcile context of every cache hit on
// rec and writes one reconcile record per match.
func writeCacheReconciles(ctx context.Context, w *output.JSONLWriter, rec *batchregistry.Record, cat catalog.Catalog) {
	for i := range rec.Items {
		entry := &rec.Items[i]
		if entry.Outcome.Kind != submit.KindCached {
			continue
		}
		schema, _ := cat.Schema(entry.Experiment.AlgorithmID)
		sc := search.SubmittedContext(entry.Experiment, schema)
		entry.Context = &sc

		for _, m := range entry.Outcome.Matches {
			rows := reconcile.Reconcile(m, sc)
			if err := w.WriteReconcile(ctx, &output.ReconcileRecord{
				ResultID:     m.ResultID,
				ExperimentID: entry.Experiment.ID,
				Rows:         rows,
				Summary:      reconcile.Summarize(rows),
			}); err != nil {
				observability.CLILogger.Warn("Failed to write reconcile record", zap.Error(err))
			}
		}
	}
}

// followContainer streams a container log as JSONL log records.
func followContainer(ctx context.Context, client *backend.Client, w *output.JSONLWriter, container string) error {
	observability.CLILogger.Info("Following container log", zap.String("container", container))
	err := client.StreamLogs(ctx, container, func(ev backend.LogEvent) error {
		return w.WriteLog(ctx, &output.LogRecord{Container: container, Event: ev.Event, Line: ev.Data})
	})
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Log stream cancelled", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Log stream failed", err)
	}
	return nil
}

// createWriter creates a JSONL writer for dest. Empty or "-" is stdout.
// Returns the writer, a cleanup function, and any error.
func createWriter(dest, batchID, backendURL string) (*output.JSONLWriter, func(), error) {
	dest = strings.TrimSpace(dest)
	if dest == "" || dest == "-" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, batchID, backendURL)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, batchID, backendURL)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
