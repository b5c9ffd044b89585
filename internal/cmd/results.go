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
	"github.com/3leaps/benchstage/pkg/artifact"
	"github.com/3leaps/benchstage/pkg/backend"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect stored results",
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <result_id>",
	Short: "Show one stored result",
	Args:  cobra.ExactArgs(1),
	RunE:  runResultsShow,
}

var resultsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List your stored results",
	Long: `List the stored results owned by the configured auth token, newest
first as the backend returns them.

Examples:
  benchstage results history
  benchstage results history --limit 20 --offset 40`,
	RunE: runResultsHistory,
}

var resultsDownloadCmd = &cobra.Command{
	Use:   "download <result_id>...",
	Short: "Download result files",
	Long: `Download the CSV of one or more stored results.

--dest is a local directory or an s3://bucket/prefix/ URI. It defaults to
artifacts.destination from the config. S3 credentials follow the AWS
default chain unless artifacts.s3.* is configured.

Examples:
  benchstage results download 9c1e --dest ./results
  benchstage results download 9c1e 77ab --dest s3://bench-artifacts/runs/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResultsDownload,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsShowCmd)
	resultsCmd.AddCommand(resultsHistoryCmd)
	resultsCmd.AddCommand(resultsDownloadCmd)

	resultsShowCmd.Flags().Bool("json", false, "Output as JSON")
	resultsHistoryCmd.Flags().Int("limit", 50, "Maximum number of results")
	resultsHistoryCmd.Flags().Int("offset", 0, "Number of results to skip")
	resultsHistoryCmd.Flags().Bool("json", false, "Output as JSON")
	resultsDownloadCmd.Flags().String("dest", "", "Destination directory or s3:// URI")
}

func runResultsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	r, err := client.Result(ctx, args[0])
	if err != nil {
		if backend.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "Result not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch result", err)
	}

	if jsonOutput {
		return writeJSON(r)
	}

	fmt.Printf("Result:    %s\n", r.ResultID)
	fmt.Printf("Algorithm: %s %s\n", dash(r.AlgorithmName), r.AlgorithmVersion)
	fmt.Printf("Budget:    %d of %d\n", r.ActualBudget, r.ExpectedBudget)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARAMETER\tVALUE")
	for _, name := range r.Parameters.Names() {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", name, dash(r.Parameters[name].String()))
	}
	_ = w.Flush()

	if len(r.BestResult) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "METRIC\tBEST")
		for _, name := range r.MetricNames() {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", name, strconv.FormatFloat(r.BestResult[name], 'g', -1, 64))
		}
		_ = w.Flush()
	}
	return nil
}

func runResultsHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if limit < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 1"))
	}
	if offset < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --offset value", fmt.Errorf("offset must be >= 0"))
	}

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	results, err := client.History(ctx, limit, offset)
	if err != nil {
		observability.CLILogger.Error("Failed to fetch history", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch history", err)
	}

	if jsonOutput {
		return writeJSON(results)
	}
	if len(results) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No results found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RESULT ID\tALGORITHM\tDIM\tINSTANCE\tSEED\tBUDGET\tBEST f[1]")
	for _, r := range results {
		best := "-"
		if v, ok := r.BestObjective(); ok {
			best = strconv.FormatFloat(v, 'g', 6, 64)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			shortID(r.ResultID),
			dash(r.AlgorithmName),
			dash(r.Parameters[backend.FieldDimension].String()),
			dash(r.Parameters[backend.FieldInstanceID].String()),
			dash(r.Parameters[backend.FieldSeed].String()),
			r.ActualBudget, r.ExpectedBudget,
			best,
		)
	}
	return nil
}

func runResultsDownload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dest, _ := cmd.Flags().GetString("dest")

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	if dest == "" {
		dest = cfg.Artifacts.Destination
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	sink, err := artifact.Open(ctx, dest, cfg.ArtifactS3Config())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --dest", err)
	}

	for _, id := range args {
		loc, err := artifact.Save(ctx, client, sink, id)
		if err != nil {
			observability.CLILogger.Error("Download failed",
				zap.String("result_id", id),
				zap.Error(err))
			if backend.IsNotFound(err) {
				return exitError(foundry.ExitInvalidArgument, "Result not found", err)
			}
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "Download cancelled", err)
			}
			return exitError(foundry.ExitFileWriteError, "Download failed", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "Saved %s -> %s\n", id, loc)
	}
	return nil
}
