package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/output"
)

var logsCmd = &cobra.Command{
	Use:   "logs <container>",
	Short: "Follow a run's container log",
	Long: `Stream the log of a running computation until it finishes.

The container name is printed by 'benchstage submit' for fresh runs and
shown by 'benchstage batches status'.

Examples:
  benchstage logs opt-pso-7f3a
  benchstage logs opt-pso-7f3a --json`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().Bool("json", false, "Emit JSONL log records")
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	container := args[0]

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	if jsonOutput {
		w := output.NewJSONLWriter(os.Stdout, "", client.BaseURL())
		defer func() { _ = w.Close() }()
		return followContainer(ctx, client, w, container)
	}

	err = client.StreamLogs(ctx, container, func(ev backend.LogEvent) error {
		if ev.Finished() {
			observability.CLILogger.Info("Run finished", zap.String("container", container))
			return nil
		}
		_, werr := fmt.Fprintln(os.Stdout, ev.Data)
		return werr
	})
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Log stream cancelled", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Log stream failed", err)
	}
	return nil
}
