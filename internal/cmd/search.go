package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/output"
	"github.com/3leaps/benchstage/pkg/reconcile"
	"github.com/3leaps/benchstage/pkg/search"
	"github.com/3leaps/benchstage/pkg/staging"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find stored results for a configuration",
	Long: `Search the backend for stored results matching a problem, an algorithm
and parameter values. Unset parameters are not constrained.

Each result is reconciled against what was searched for; MISMATCH counts
parameters whose stored value differs.

--add queues every found configuration for staging. Queued experiments are
merged into the staging list the next time it is opened.

Examples:
  benchstage search --algorithm pso --dimension 10
  benchstage search --algorithm pso --param n_particles=30 --json
  benchstage search --algorithm pso --add`,
	RunE: runSearch,
}

var (
	searchAlgorithm  string
	searchDimension  int
	searchInstanceID int
	searchParams     []string
	searchAdd        bool
	searchJSON       bool
)

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVarP(&searchAlgorithm, "algorithm", "a", "", "Algorithm name or id (required)")
	searchCmd.Flags().IntVarP(&searchDimension, "dimension", "d", search.DefaultProblem.Dimension, "Problem dimension")
	searchCmd.Flags().IntVarP(&searchInstanceID, "instance", "i", search.DefaultProblem.InstanceID, "Problem instance id")
	searchCmd.Flags().StringArrayVarP(&searchParams, "param", "p", nil, "Parameter constraint as name=value (repeatable)")
	searchCmd.Flags().BoolVar(&searchAdd, "add", false, "Queue found configurations for staging")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Emit JSONL result and reconcile records")
	_ = searchCmd.MarkFlagRequired("algorithm")
}

func runSearch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(ctx, client)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load algorithm catalog", err)
	}
	alg, err := cat.Resolve(searchAlgorithm)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown algorithm", err)
	}
	values, err := parseParamFlags(alg.Parameters, searchParams)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --param", err)
	}

	problem := search.Problem{Dimension: searchDimension, InstanceID: searchInstanceID}
	results, sc, err := search.Run(ctx, client, problem, alg, values)
	if err != nil {
		observability.CLILogger.Error("Search failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Search failed", err)
	}
	observability.CLILogger.Debug("Search completed",
		zap.String("algorithm", alg.Name),
		zap.Int("results", len(results)))

	if searchJSON {
		if err := writeSearchRecords(cmd, client, results, sc); err != nil {
			return err
		}
	} else {
		printSearchResults(results, sc)
	}

	if searchAdd && len(results) > 0 {
		return queueResults(cmd, search.StageResults(results, cat, alg))
	}
	return nil
}

func writeSearchRecords(cmd *cobra.Command, client *backend.Client, results []backend.StoredResult, sc reconcile.SearchContext) error {
	ctx := cmd.Context()
	w := output.NewJSONLWriter(os.Stdout, "", client.BaseURL())
	defer func() { _ = w.Close() }()

	for _, r := range results {
		if err := w.WriteResult(ctx, &output.ResultRecord{StoredResult: r}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		rows := reconcile.Reconcile(r, sc)
		if err := w.WriteReconcile(ctx, &output.ReconcileRecord{
			ResultID: r.ResultID,
			Rows:     rows,
			Summary:  reconcile.Summarize(rows),
		}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func printSearchResults(results []backend.StoredResult, sc reconcile.SearchContext) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No stored results match")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RESULT ID\tALGORITHM\tVERSION\tBUDGET\tBEST f[1]\tMISMATCH")
	for _, r := range results {
		best := "-"
		if v, ok := r.BestObjective(); ok {
			best = strconv.FormatFloat(v, 'g', 6, 64)
		}
		mismatches := len(reconcile.Mismatches(reconcile.Reconcile(r, sc)))
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%d\n",
			shortID(r.ResultID),
			dash(r.AlgorithmName),
			dash(r.AlgorithmVersion),
			r.ActualBudget, r.ExpectedBudget,
			best,
			mismatches,
		)
	}
}

// queueResults pushes found configurations to the staging queue.
func queueResults(cmd *cobra.Command, exps []staging.Experiment) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create data directory", err)
	}
	q, err := staging.OpenQueue(ctx, cfg.Queue.Backend, cfg.QueuePath())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open staging queue", err)
	}
	defer func() { _ = staging.CloseQueue(q) }()

	if err := q.Push(ctx, exps...); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to queue experiments", err)
	}
	observability.CLILogger.Info("Queued configurations for staging",
		zap.Int("count", len(exps)),
		zap.String("queue", cfg.Queue.Backend))
	return nil
}
