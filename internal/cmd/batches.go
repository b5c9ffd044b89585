package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/config"
	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/batchregistry"
	"github.com/3leaps/benchstage/pkg/reconcile"
	"github.com/3leaps/benchstage/pkg/search"
	"github.com/3leaps/benchstage/pkg/submit"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Manage submitted batches",
	Long: `Inspect and act on submitted batches.

Every 'benchstage submit' writes a batch record under the data directory.
Batch and experiment ids may be given as unique prefixes.`,
}

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submitted batches",
	RunE:  runBatchesList,
}

var batchesStatusCmd = &cobra.Command{
	Use:   "status <batch_id>",
	Short: "Show the outcomes of a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchesStatus,
}

var batchesForceRunCmd = &cobra.Command{
	Use:   "force-run <batch_id> <experiment_id>",
	Short: "Resubmit one experiment with the cache disabled",
	Long: `Resubmit one experiment of a batch with force_run set, so the backend
computes it again even when stored results match. Only that experiment's
outcome changes. On failure the previous outcome is kept.`,
	Args: cobra.ExactArgs(2),
	RunE: runBatchesForceRun,
}

var batchesReconcileCmd = &cobra.Command{
	Use:   "reconcile <batch_id> <experiment_id> [result_id]",
	Short: "Compare a cache hit with the submitted configuration",
	Long: `Show a stored result next to the experiment that matched it, one row
per parameter. The result defaults to the first cache match.

States:
  match        stored value satisfies what was submitted
  mismatch     stored value differs; SEARCHED shows what was submitted
  search_only  submitted or declared but not recorded in the result
  result_only  recorded only in the result`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runBatchesReconcile,
}

var batchesGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old batch records",
	Long: `Delete completed batch records older than --max-age.

Examples:
  benchstage batches gc --max-age 30d --dry-run
  benchstage batches gc --max-age 720h`,
	RunE: runBatchesGC,
}

func init() {
	rootCmd.AddCommand(batchesCmd)
	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesStatusCmd)
	batchesCmd.AddCommand(batchesForceRunCmd)
	batchesCmd.AddCommand(batchesReconcileCmd)
	batchesCmd.AddCommand(batchesGCCmd)

	batchesListCmd.Flags().Bool("json", false, "Output as JSON")
	batchesStatusCmd.Flags().Bool("json", false, "Output as JSON")
	batchesForceRunCmd.Flags().Bool("json", false, "Output as JSON")
	batchesReconcileCmd.Flags().Bool("json", false, "Output as JSON")
	batchesGCCmd.Flags().String("max-age", "168h", "Delete batches completed longer ago than this (e.g., 30d, 720h)")
	batchesGCCmd.Flags().Bool("dry-run", false, "Show how many batches would be deleted")
}

func batchStore(ctx context.Context) (*batchregistry.Store, *config.Config, error) {
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	return batchregistry.NewStore(cfg.BatchesDir()), cfg, nil
}

func loadBatch(store *batchregistry.Store, input string) (*batchregistry.Record, error) {
	id, err := store.Resolve(input)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown batch", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to read batch", err)
	}
	return rec, nil
}

// findBatchItem resolves a full experiment id or a unique prefix within rec.
func findBatchItem(rec *batchregistry.Record, input string) (batchregistry.Entry, error) {
	input = strings.TrimSpace(input)
	if e, ok := rec.Find(input); ok {
		return e, nil
	}
	var found []batchregistry.Entry
	for _, e := range rec.Items {
		if input != "" && strings.HasPrefix(e.Experiment.ID, input) {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return batchregistry.Entry{}, fmt.Errorf("%w: %s", submit.ErrNotInBatch, input)
	case 1:
		return found[0], nil
	default:
		return batchregistry.Entry{}, fmt.Errorf("experiment id prefix is ambiguous (%d matches)", len(found))
	}
}

func runBatchesList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	store, _, err := batchStore(cmd.Context())
	if err != nil {
		return err
	}

	records, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list batches", err)
	}
	if jsonOutput {
		return writeJSON(records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No batches found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "BATCH ID\tNAME\tSTATE\tCREATED\tCOMPLETED\tTOTAL\tFRESH\tCACHED\tFAILED")
	for _, r := range records {
		s := r.Summary()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			shortID(r.BatchID),
			dash(r.Name),
			r.State,
			formatOptionalTime(&r.CreatedAt),
			formatOptionalTime(r.CompletedAt),
			s.Total, s.Fresh, s.Cached, s.Failed,
		)
	}
	return nil
}

func runBatchesStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	store, _, err := batchStore(cmd.Context())
	if err != nil {
		return err
	}
	rec, err := loadBatch(store, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(rec)
	}

	fmt.Printf("Batch:     %s\n", rec.BatchID)
	if rec.Name != "" {
		fmt.Printf("Name:      %s\n", rec.Name)
	}
	fmt.Printf("State:     %s\n", rec.State)
	fmt.Printf("Backend:   %s\n", dash(rec.BackendURL))
	fmt.Printf("Created:   %s\n", formatOptionalTime(&rec.CreatedAt))
	fmt.Printf("Completed: %s\n", formatOptionalTime(rec.CompletedAt))
	s := rec.Summary()
	fmt.Printf("Outcomes:  %d total, %d fresh, %d cached, %d failed, %d pending\n",
		s.Total, s.Fresh, s.Cached, s.Failed, s.Pending)
	fmt.Println()

	printEntries(rec.Items)
	return nil
}

func printEntries(entries []batchregistry.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "EXPERIMENT\tCONFIG\tOUTCOME\tDETAIL")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			shortID(e.Experiment.ID),
			e.Experiment.Label(),
			e.Outcome.Kind,
			outcomeDetail(e.Outcome),
		)
	}
}

func outcomeDetail(o submit.Outcome) string {
	switch o.Kind {
	case submit.KindFresh:
		return dash(o.ContainerName)
	case submit.KindCached:
		ids := make([]string, 0, len(o.Matches))
		for _, m := range o.Matches {
			ids = append(ids, shortID(m.ResultID))
		}
		if len(ids) == 0 {
			return "no matches"
		}
		return strings.Join(ids, ",")
	case submit.KindFailed:
		return dash(o.Error)
	default:
		return "-"
	}
}

func runBatchesForceRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, cfg, err := batchStore(ctx)
	if err != nil {
		return err
	}
	rec, err := loadBatch(store, args[0])
	if err != nil {
		return err
	}
	entry, err := findBatchItem(rec, args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown experiment", err)
	}

	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	orch := submit.New(client, cfg.SubmitterConfig(), submit.WithLogger(observability.CLILogger.Named("submit")))

	items, err := orch.ForceRun(ctx, entry.Experiment, rec.SubmitItems())
	if err != nil {
		observability.CLILogger.Error("Force run failed",
			zap.String("batch_id", rec.BatchID),
			zap.String("experiment", shortID(entry.Experiment.ID)),
			zap.Error(err))
		if errors.Is(err, submit.ErrNotInBatch) {
			return exitError(foundry.ExitInvalidArgument, "Force run failed", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Force run failed", err)
	}

	rec.Apply(items)
	now := time.Now().UTC()
	rec.UpdatedAt = &now
	if rec.State.Terminal() {
		rec.Complete(now)
	}
	if err := store.Write(rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to update batch record", err)
	}

	updated, _ := rec.Find(entry.Experiment.ID)
	observability.CLILogger.Info("Force run submitted",
		zap.String("batch_id", rec.BatchID),
		zap.String("experiment", shortID(entry.Experiment.ID)),
		zap.String("outcome", string(updated.Outcome.Kind)))

	if jsonOutput {
		return writeJSON(updated)
	}
	printEntries([]batchregistry.Entry{updated})
	return nil
}

func runBatchesReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, cfg, err := batchStore(ctx)
	if err != nil {
		return err
	}
	rec, err := loadBatch(store, args[0])
	if err != nil {
		return err
	}
	entry, err := findBatchItem(rec, args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown experiment", err)
	}

	var client *backend.Client
	stored, err := pickMatch(entry, args[2:])
	if err != nil {
		if len(args) < 3 {
			return exitError(foundry.ExitInvalidArgument, "Nothing to reconcile", err)
		}
		// Not among the batch's matches: fetch it.
		if client, err = newBackendClient(cfg); err != nil {
			return err
		}
		if stored, err = client.Result(ctx, args[2]); err != nil {
			if backend.IsNotFound(err) {
				return exitError(foundry.ExitInvalidArgument, "Result not found", err)
			}
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch result", err)
		}
	}

	sc, err := entryContext(ctx, cfg, client, entry)
	if err != nil {
		return err
	}
	rows := reconcile.Reconcile(stored, sc)

	if jsonOutput {
		return writeJSON(map[string]any{
			"experiment_id": entry.Experiment.ID,
			"result_id":     stored.ResultID,
			"rows":          rows,
			"summary":       reconcile.Summarize(rows),
		})
	}

	fmt.Printf("Experiment: %s  %s\n", shortID(entry.Experiment.ID), entry.Experiment.Label())
	fmt.Printf("Result:     %s  %s %s\n", stored.ResultID, dash(stored.AlgorithmName), stored.AlgorithmVersion)
	fmt.Println()
	printRows(rows)
	return nil
}

// pickMatch returns the requested cache match, or the first one.
func pickMatch(entry batchregistry.Entry, resultID []string) (backend.StoredResult, error) {
	matches := entry.Outcome.Matches
	if len(resultID) == 0 {
		if len(matches) == 0 {
			return backend.StoredResult{}, fmt.Errorf("experiment %s has no cache matches (outcome %s)",
				shortID(entry.Experiment.ID), entry.Outcome.Kind)
		}
		return matches[0], nil
	}
	for _, m := range matches {
		if m.ResultID == resultID[0] || strings.HasPrefix(m.ResultID, resultID[0]) {
			return m, nil
		}
	}
	return backend.StoredResult{}, fmt.Errorf("result %s: %w", resultID[0], backend.ErrNotFound)
}

// entryContext returns the recorded reconcile context, rebuilding it from
// the catalog for records written without one.
func entryContext(ctx context.Context, cfg *config.Config, client *backend.Client, entry batchregistry.Entry) (reconcile.SearchContext, error) {
	if entry.Context != nil {
		return *entry.Context, nil
	}
	if client == nil {
		var err error
		if client, err = newBackendClient(cfg); err != nil {
			return reconcile.SearchContext{}, err
		}
	}
	cat, err := loadCatalog(ctx, client)
	if err != nil {
		observability.CLILogger.Warn("Algorithm catalog unavailable; declared-only parameters are not shown", zap.Error(err))
	}
	schema, _ := cat.Schema(entry.Experiment.AlgorithmID)
	return search.SubmittedContext(entry.Experiment, schema), nil
}

func printRows(rows []reconcile.Row) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "PARAMETER\tSTORED\tSTATE\tSEARCHED\tNOTE")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Key, dash(r.DisplayValue), r.State, dash(r.Searched), dash(r.Note))
	}
}

func runBatchesGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	maxAge, err := parseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}

	store, _, err := batchStore(cmd.Context())
	if err != nil {
		return err
	}
	n, err := store.Prune(time.Now(), maxAge, dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to prune batches", err)
	}
	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "Would delete %d batch(es)\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "Deleted %d batch(es)\n", n)
	return nil
}

// parseDuration accepts time.ParseDuration syntax plus a whole-day suffix ("30d").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) > 0 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
