package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RyanBlaney/fixelcfe/analysis"
	"github.com/RyanBlaney/fixelcfe/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Error(err, "analysis failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flagCfg := analysis.DefaultConfig()
	var configFile string
	var verbose bool
	var noColor bool

	cmd := &cobra.Command{
		Use:   "fixelcfestats <fixel_dir> <subjects_file> <design_matrix> <contrast_matrix> <tracks_file> <output_dir>",
		Short: "Fixel-based whole-brain statistical analysis using connectivity-based enhancement",
		Long: `Perform whole-brain statistical inference on fixel-wise measures.

Streamline tractography defines the connectivity between fixels, which drives
both data smoothing and the enhancement of the per-fixel test statistic.
Family-wise-error corrected p-values are derived by permutation testing of
the general linear model.`,
		Args:          cobra.ExactArgs(6),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				logging.DisableColors()
			}
			if verbose {
				logging.SetLevel(logging.DebugLevel)
			}

			cfg := flagCfg
			if configFile != "" {
				loaded, err := analysis.LoadConfig(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
				applyChangedFlags(cmd, cfg, flagCfg)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return analysis.Run(ctx, cfg, analysis.Inputs{
				FixelDir:     args[0],
				SubjectsFile: args[1],
				DesignFile:   args[2],
				ContrastFile: args[3],
				TracksFile:   args[4],
				OutputDir:    args[5],
			})
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&flagCfg.DH, "dh", flagCfg.DH, "height increment of the enhancement integration")
	flags.Float64Var(&flagCfg.ExtentExponent, "cfe-e", flagCfg.ExtentExponent, "extent exponent E of the enhancement transform")
	flags.Float64Var(&flagCfg.HeightExponent, "cfe-h", flagCfg.HeightExponent, "height exponent H of the enhancement transform")
	flags.Float64Var(&flagCfg.ConnectivityExponent, "cfe-c", flagCfg.ConnectivityExponent, "connectivity exponent C applied during normalization")
	flags.IntVar(&flagCfg.NumPermutations, "nperms", flagCfg.NumPermutations, "number of permutations of the null distribution")
	flags.BoolVar(&flagCfg.Nonstationary, "nonstationary", flagCfg.Nonstationary, "adjust for nonstationarity of the enhanced statistic")
	flags.IntVar(&flagCfg.NumPermutationsNonstationary, "nperms-nonstationary", flagCfg.NumPermutationsNonstationary, "number of permutations of the nonstationarity estimation")
	flags.Float64Var(&flagCfg.SmoothFWHM, "smooth", flagCfg.SmoothFWHM, "data smoothing kernel full-width-half-max in mm (0 disables)")
	flags.Float64Var(&flagCfg.ConnectivityThreshold, "connectivity", flagCfg.ConnectivityThreshold, "connectivity threshold below which connections are ignored")
	flags.Float64Var(&flagCfg.AngleThreshold, "angle", flagCfg.AngleThreshold, "maximum streamline-to-fixel angle in degrees")
	flags.BoolVar(&flagCfg.SkipTest, "notest", flagCfg.SkipTest, "skip the permutation test; output default statistics only")
	flags.StringVar(&flagCfg.PermutationsFile, "permutations", "", "file of precomputed permutations, one per row")
	flags.StringVar(&flagCfg.PermutationsNonstationaryFile, "permutations-nonstationary", "", "file of precomputed permutations for nonstationarity estimation")
	flags.StringArrayVar(&flagCfg.ExtraColumnFiles, "column", nil, "file listing one fixel data file per subject, appended as an element-wise design column (repeatable)")
	flags.IntVar(&flagCfg.Workers, "workers", 0, "worker pool size (0 = one per CPU)")
	flags.Int64Var(&flagCfg.Seed, "seed", 0, "random seed of permutation generation")
	flags.StringVar(&configFile, "config", "", "YAML config file; explicit flags override its values")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&noColor, "no-color", false, "disable colored log output")

	return cmd
}

// applyChangedFlags re-applies flags the user set explicitly on top of a
// loaded config file
func applyChangedFlags(cmd *cobra.Command, cfg, flagCfg *analysis.Config) {
	set := map[string]func(){
		"dh":                         func() { cfg.DH = flagCfg.DH },
		"cfe-e":                      func() { cfg.ExtentExponent = flagCfg.ExtentExponent },
		"cfe-h":                      func() { cfg.HeightExponent = flagCfg.HeightExponent },
		"cfe-c":                      func() { cfg.ConnectivityExponent = flagCfg.ConnectivityExponent },
		"nperms":                     func() { cfg.NumPermutations = flagCfg.NumPermutations },
		"nonstationary":              func() { cfg.Nonstationary = flagCfg.Nonstationary },
		"nperms-nonstationary":       func() { cfg.NumPermutationsNonstationary = flagCfg.NumPermutationsNonstationary },
		"smooth":                     func() { cfg.SmoothFWHM = flagCfg.SmoothFWHM },
		"connectivity":               func() { cfg.ConnectivityThreshold = flagCfg.ConnectivityThreshold },
		"angle":                      func() { cfg.AngleThreshold = flagCfg.AngleThreshold },
		"notest":                     func() { cfg.SkipTest = flagCfg.SkipTest },
		"permutations":               func() { cfg.PermutationsFile = flagCfg.PermutationsFile },
		"permutations-nonstationary": func() { cfg.PermutationsNonstationaryFile = flagCfg.PermutationsNonstationaryFile },
		"column":                     func() { cfg.ExtraColumnFiles = flagCfg.ExtraColumnFiles },
		"workers":                    func() { cfg.Workers = flagCfg.Workers },
		"seed":                       func() { cfg.Seed = flagCfg.Seed },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}
