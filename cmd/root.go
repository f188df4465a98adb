package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CraigKelly/nutsample/diagnostics"
	"github.com/CraigKelly/nutsample/model"
	"github.com/CraigKelly/nutsample/sampler"
)

// startupParams is everything a command needs, gathered from the flags and
// the config file
type startupParams struct {
	cfgFile     string
	verbose     bool
	modelFiles  []string
	dataFile    string
	traceFile   string
	metricsAddr string
	randomSeed  int64
	chains      int
	iterations  int
	warmup      int
	parallel    int
	metric      string

	sampler sampler.Config
	policy  diagnostics.Policy

	out *log.Logger // human readable report
	log *zap.Logger // structured progress and diagnostics
}

var sp = &startupParams{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nutsample",
	Short: "Bayesian inference with the No-U-Turn Sampler",
	Long: `nutsample fits Bayesian models described in YAML.
Among other features:

  - Continuous and discrete distributions with exact gradients
  - Constrained parameters (positive, unit, bounded, simplex)
  - NUTS with step size and mass matrix adaptation
  - Convergence diagnostics (split R-hat, bulk and tail ESS, E-BFMI)
  - Model comparison with WAIC and PSIS-LOO
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return sp.setup(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sp.log != nil {
			_ = sp.log.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&sp.cfgFile, "config", "c", "", "YAML config file with sampler and diagnostics sections")
	flags.BoolVarP(&sp.verbose, "verbose", "v", false, "Verbose logging (default is much more parsimonious)")

	flags.StringArrayVarP(&sp.modelFiles, "model", "m", nil, "YAML model file to read (repeat for compare)")
	flags.StringVarP(&sp.dataFile, "data", "d", "", "YAML data file bound to the model's data columns")
	flags.StringVarP(&sp.traceFile, "trace", "t", "", "Output file (CSV draws for sample, graphviz for dot)")
	flags.StringVar(&sp.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while sampling (e.g. :8000)")

	flags.Int64VarP(&sp.randomSeed, "seed", "r", 1, "Random seed to use")
	flags.IntVar(&sp.chains, "chains", 0, "Number of chains")
	flags.IntVar(&sp.iterations, "iterations", 0, "Iterations per chain, warm-up included")
	flags.IntVar(&sp.warmup, "warmup", 0, "Warm-up iterations per chain")
	flags.IntVar(&sp.parallel, "parallel", 0, "Chains run at once (0 uses every CPU)")
	flags.StringVar(&sp.metric, "metric", "", "Mass matrix: diag or dense")

	_ = rootCmd.MarkPersistentFlagRequired("model")

	rootCmd.AddCommand(sampleCmd, compareCmd, dotCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func (sp *startupParams) setup(cmd *cobra.Command) error {
	sp.out = log.New(os.Stdout, "", 0)

	config := zap.NewProductionConfig()
	if sp.verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return errors.Wrap(err, "Could not create logger")
	}
	sp.log = logger

	cfg, err := loadConfig(sp.cfgFile)
	if err != nil {
		return err
	}
	sp.policy = cfg.Diagnostics
	sp.sampler = cfg.Sampler
	return sp.applyFlags(cmd)
}

// applyFlags lets flags given on the command line win over the config file
func (sp *startupParams) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("seed") {
		sp.sampler.Seed = sp.randomSeed
	}
	if flags.Changed("chains") {
		sp.sampler.Chains = sp.chains
	}
	if flags.Changed("iterations") {
		sp.sampler.Iterations = sp.iterations
	}
	if flags.Changed("warmup") {
		sp.sampler.Warmup = sp.warmup
	}
	if flags.Changed("parallel") {
		sp.sampler.Parallel = sp.parallel
	}
	if flags.Changed("metric") {
		sp.sampler.Metric = sampler.MetricKind(sp.metric)
	}
	return errors.Wrap(sp.sampler.Check(), "Invalid sampler settings")
}

// readModel reads the i-th --model file, binding the --data file if given
func (sp *startupParams) readModel(i int) (*model.Model, error) {
	if i >= len(sp.modelFiles) {
		return nil, errors.Errorf("Need at least %d model files", i+1)
	}
	filename := sp.modelFiles[i]
	sp.out.Printf("Reading model from %s\n", filename)
	mod, err := model.NewModelFromFile(model.YAMLReader{}, filename, sp.dataFile)
	if err != nil {
		return nil, err
	}
	sp.out.Printf("Model %s has %d parameters (%d unconstrained) and %d observations\n",
		mod.Name, len(mod.Params), mod.Dim(), mod.Observations())
	return mod, nil
}

// signalContext is cancelled on interrupt, which stops the chains between
// iterations and keeps the draws so far
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
