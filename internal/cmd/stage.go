package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/benchstage/internal/observability"
	"github.com/3leaps/benchstage/pkg/catalog"
	"github.com/3leaps/benchstage/pkg/manifest"
	"github.com/3leaps/benchstage/pkg/params"
	"github.com/3leaps/benchstage/pkg/staging"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Manage the local staging list",
	Long: `Manage experiments staged for submission.

The staging list lives in the data directory and survives between
invocations. Experiments pushed to the queue (for example by
'benchstage search --add') are merged the next time the list is opened.`,
}

var stageAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Stage experiments",
	Long: `Stage one experiment, or one per seed with --seeds.

Parameters start from the algorithm's defaults; --param overrides them.

Examples:
  benchstage stage add --algorithm pso
  benchstage stage add --algorithm pso --dimension 10 --seeds 1,2,3 --param n_particles=30`,
	RunE: runStageAdd,
}

var stageListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List staged experiments",
	RunE:    runStageList,
}

var stageRmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Remove staged experiments",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStageRm,
}

var stageSetCmd = &cobra.Command{
	Use:   "set <id> <field> <value>",
	Short: "Set a positional field (dimension, instance_id, algorithm, seed)",
	Long: `Set a positional field of a staged experiment in place.

Setting the algorithm replaces the parameter map with the new algorithm's
defaults. The algorithm may be given by name or id.`,
	Args: cobra.ExactArgs(3),
	RunE: runStageSet,
}

var stageParamCmd = &cobra.Command{
	Use:   "param <id> <name> <value>",
	Short: "Set a parameter of a staged experiment",
	Long: `Set one named parameter of a staged experiment in place.

An empty value or "null" unsets the parameter.`,
	Args: cobra.ExactArgs(3),
	RunE: runStageParam,
}

var stageClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every staged experiment",
	RunE:  runStageClear,
}

var stageImportCmd = &cobra.Command{
	Use:   "import <manifest>",
	Short: "Stage experiments from a batch manifest",
	Long: `Stage every experiment of a YAML or JSON batch manifest.

The manifest is validated against the batch manifest schema and every
experiment against its algorithm before anything is staged.

Example:
  benchstage stage import sweep.yaml
  benchstage stage import sweep.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runStageImport,
}

var (
	stageAlgorithm  string
	stageDimension  int
	stageInstanceID int
	stageSeed       int
	stageSeeds      []int
	stageParams     []string
)

func init() {
	rootCmd.AddCommand(stageCmd)
	stageCmd.AddCommand(stageAddCmd)
	stageCmd.AddCommand(stageListCmd)
	stageCmd.AddCommand(stageRmCmd)
	stageCmd.AddCommand(stageSetCmd)
	stageCmd.AddCommand(stageParamCmd)
	stageCmd.AddCommand(stageClearCmd)
	stageCmd.AddCommand(stageImportCmd)

	stageAddCmd.Flags().StringVarP(&stageAlgorithm, "algorithm", "a", "", "Algorithm name or id (required)")
	stageAddCmd.Flags().IntVarP(&stageDimension, "dimension", "d", manifest.DefaultDimension, "Problem dimension")
	stageAddCmd.Flags().IntVarP(&stageInstanceID, "instance", "i", manifest.DefaultInstanceID, "Problem instance id")
	stageAddCmd.Flags().IntVar(&stageSeed, "seed", manifest.DefaultSeed, "Random seed")
	stageAddCmd.Flags().IntSliceVar(&stageSeeds, "seeds", nil, "Stage one experiment per seed (overrides --seed)")
	stageAddCmd.Flags().StringArrayVarP(&stageParams, "param", "p", nil, "Parameter as name=value (repeatable)")
	_ = stageAddCmd.MarkFlagRequired("algorithm")

	stageListCmd.Flags().Bool("json", false, "Output as JSON")
	stageImportCmd.Flags().Bool("dry-run", false, "Validate and show what would be staged")
}

func runStageAdd(cmd *cobra.Command, _ []string) error {
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
		observability.CLILogger.Error("Failed to load algorithm catalog", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load algorithm catalog", err)
	}
	alg, err := cat.Resolve(stageAlgorithm)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown algorithm", err)
	}
	values, err := parseParamFlags(alg.Parameters, stageParams)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --param", err)
	}

	dim, inst := stageDimension, stageInstanceID
	entry := manifest.Entry{
		Algorithm:  manifest.AlgorithmRef(strconv.Itoa(alg.ID)),
		Dimension:  &dim,
		InstanceID: &inst,
		Params:     values,
	}
	if len(stageSeeds) > 0 {
		entry.Seeds = stageSeeds
	} else {
		seed := stageSeed
		entry.Seed = &seed
	}
	m := &manifest.Manifest{Version: manifest.Version, Experiments: []manifest.Entry{entry}}
	m.ApplyDefaults()

	exps, err := m.Expand(cat)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid experiment", err)
	}
	return stageAll(cmd, cat, exps)
}

// stageAll appends exps to the staging list and saves it.
func stageAll(cmd *cobra.Command, cat catalog.Catalog, exps []staging.Experiment) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, cfg, cat)
	if err != nil {
		return err
	}
	defer sess.close()

	for _, e := range exps {
		staged, err := sess.store.Stage(e)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to stage experiment", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "Staged %s  %s\n", shortID(staged.ID), staged.Label())
	}
	if err := sess.save(); err != nil {
		return err
	}
	observability.CLILogger.Info("Experiments staged",
		zap.Int("added", len(exps)),
		zap.Int("staged", sess.store.Len()))
	return nil
}

func runStageList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer sess.close()

	items := sess.store.List()
	if jsonOutput {
		return writeJSON(items)
	}
	if len(items) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "Nothing staged")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tALGORITHM\tDIM\tINSTANCE\tSEED\tPARAMS")
	for _, e := range items {
		name := e.AlgorithmName
		if name == "" {
			name = fmt.Sprintf("#%d", e.AlgorithmID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			shortID(e.ID), name, e.Dimension, e.InstanceID, e.Seed, formatParams(e.Params))
	}
	return nil
}

func runStageRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer sess.close()

	for _, raw := range args {
		id, err := sess.store.ResolveID(raw)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Unknown experiment", err)
		}
		if err := sess.store.Unstage(id); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to remove experiment", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "Removed %s\n", shortID(id))
	}
	return sess.save()
}

func runStageSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	field, err := staging.ParseField(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid field", err)
	}

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}

	var (
		resolver staging.Resolver
		value    int
	)
	if field == staging.FieldAlgorithm {
		client, err := newBackendClient(cfg)
		if err != nil {
			return err
		}
		cat, err := loadCatalog(ctx, client)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load algorithm catalog", err)
		}
		alg, err := cat.Resolve(args[2])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Unknown algorithm", err)
		}
		resolver, value = cat, alg.ID
	} else {
		value, err = strconv.Atoi(strings.TrimSpace(args[2]))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid value", fmt.Errorf("%s must be an integer: %q", field, args[2]))
		}
	}

	sess, err := openSession(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	defer sess.close()

	id, err := sess.store.ResolveID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown experiment", err)
	}
	e, err := sess.store.EditField(id, field, value)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to edit experiment", err)
	}
	if err := sess.save(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Updated %s  %s\n", shortID(e.ID), e.Label())
	return nil
}

func runStageParam(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}

	// Without a catalog the raw text is stored and checked at submit time.
	var resolver staging.Resolver
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	cat, catErr := loadCatalog(ctx, client)
	if catErr == nil {
		resolver = cat
	} else {
		observability.CLILogger.Warn("Algorithm catalog unavailable; parameter is not type-checked", zap.Error(catErr))
	}

	sess, err := openSession(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	defer sess.close()

	id, err := sess.store.ResolveID(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown experiment", err)
	}
	current, err := sess.store.Get(id)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown experiment", err)
	}

	name := strings.TrimSpace(args[1])
	value := params.Str(args[2])
	if alg, ok := cat.ByID(current.AlgorithmID); ok {
		spec, declared := alg.Parameters[name]
		if !declared {
			return exitError(foundry.ExitInvalidArgument, "Unknown parameter",
				fmt.Errorf("%w: %s", staging.ErrUnknownParam, name))
		}
		if value, err = params.ParseInput(spec, args[2]); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid parameter value", fmt.Errorf("%s: %w", name, err))
		}
	}

	e, err := sess.store.EditParam(id, name, value)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to edit parameter", err)
	}
	if err := sess.save(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Updated %s  %s=%s\n", shortID(e.ID), name, e.Params[name].String())
	return nil
}

func runStageClear(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer sess.close()

	n := sess.store.Len()
	sess.store.Clear()
	if err := sess.save(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Removed %d experiment(s)\n", n)
	return nil
}

func runStageImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	m, err := manifest.Load(args[0])
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", args[0]),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

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
	exps, err := m.Expand(cat)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "Manifest %s expands to %d experiment(s):\n", dash(m.Name), len(exps))
		for _, e := range exps {
			_, _ = fmt.Fprintf(os.Stdout, "  %s  %s\n", e.Label(), formatParams(e.Params))
		}
		return nil
	}
	return stageAll(cmd, cat, exps)
}

// parseParamFlags parses name=value pairs against schema.
func parseParamFlags(schema params.Schema, raw []string) (params.Params, error) {
	out := params.Params{}
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", kv)
		}
		spec, declared := schema[name]
		if !declared {
			return nil, fmt.Errorf("%w: %s", staging.ErrUnknownParam, name)
		}
		v, err := params.ParseInput(spec, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func formatParams(p params.Params) string {
	if len(p) == 0 {
		return "-"
	}
	names := p.Names()
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := p[name]
		if v.IsUnset() {
			continue
		}
		parts = append(parts, name+"="+v.String())
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
