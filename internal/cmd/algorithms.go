package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/pkg/params"
)

var algorithmsCmd = &cobra.Command{
	Use:     "algorithms",
	Aliases: []string{"algos"},
	Short:   "Inspect the backend algorithm catalog",
}

var algorithmsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List algorithms",
	Long: `List the algorithms the backend offers.

--name filters by a glob pattern on the algorithm name.

Examples:
  benchstage algorithms list
  benchstage algorithms list --name 'cma*'
  benchstage algorithms list --json`,
	RunE: runAlgorithmsList,
}

var algorithmsShowCmd = &cobra.Command{
	Use:   "show <name|id>",
	Short: "Show an algorithm's parameter schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlgorithmsShow,
}

func init() {
	rootCmd.AddCommand(algorithmsCmd)
	algorithmsCmd.AddCommand(algorithmsListCmd)
	algorithmsCmd.AddCommand(algorithmsShowCmd)

	algorithmsListCmd.Flags().String("name", "", "Glob pattern on algorithm names")
	algorithmsListCmd.Flags().Bool("json", false, "Output as JSON")
	algorithmsShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAlgorithmsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	pattern, _ := cmd.Flags().GetString("name")
	jsonOutput, _ := cmd.Flags().GetBool("json")

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
		observability.CLILogger.Error("Failed to load algorithm catalog", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load algorithm catalog", err)
	}

	algos, err := cat.Filter(pattern)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --name pattern", err)
	}

	if jsonOutput {
		return writeJSON(algos)
	}
	if len(algos) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No algorithms found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tNAME\tPARAMETERS")
	for _, a := range algos {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\n", a.ID, a.Name, len(a.Parameters))
	}
	return nil
}

func runAlgorithmsShow(cmd *cobra.Command, args []string) error {
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
	cat, err := loadCatalog(ctx, client)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load algorithm catalog", err)
	}
	alg, err := cat.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown algorithm", err)
	}

	if jsonOutput {
		return writeJSON(alg)
	}

	fmt.Printf("Algorithm: %s (#%d)\n", alg.Name, alg.ID)
	if alg.FilePath != "" {
		fmt.Printf("Source:    %s\n", alg.FilePath)
	}
	fmt.Println()
	printSchema(alg.Parameters)
	return nil
}

func printSchema(schema params.Schema) {
	if len(schema) == 0 {
		fmt.Println("No parameters.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "PARAMETER\tTYPE\tDEFAULT\tNULLABLE")
	for _, name := range schema.Names() {
		spec := schema[name]
		def := spec.Default.String()
		if spec.Default.IsUnset() {
			def = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", name, spec.Type, def, spec.Nullable)
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
