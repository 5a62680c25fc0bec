package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/gwas"
	"github.com/inodb/genescore/internal/score"
)

// scoringKeys maps the shared scoring flags to configuration keys.
var scoringKeys = map[string]string{
	"window":        "scoring.window",
	"maf":           "scoring.maf_cutoff",
	"merge":         "scoring.merge_distance",
	"varcutoff":     "scoring.var_cutoff",
	"method":        "scoring.method",
	"approximation": "scoring.approximation",
	"seed":          "montecarlo.seed",
}

func addScoringFlags(fs *pflag.FlagSet) {
	fs.Int64("window", 0, "Gene window extension in bases")
	fs.Float64("maf", 0, "Minimum minor allele frequency")
	fs.Int64("merge", 0, "Merge markers closer than this many bases")
	fs.Float64("varcutoff", 0, "Fraction of eigenvalue mass retained")
	fs.String("method", "", "Tail evaluation: auto, exact, approximate")
	fs.String("approximation", "", "Moment approximation: pearson, satterthwaite, saddlepoint")
	fs.Uint64("seed", 0, "Monte-Carlo seed")
}

// bindFlags copies explicitly set flags of cmd into the configuration before
// it runs. Commands share flag names, so a global viper.BindPFlag would let
// the last registered command win.
func bindFlags(cmd *cobra.Command, keys ...map[string]string) {
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		for _, m := range keys {
			for flag, key := range m {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					viper.Set(key, f.Value.String())
				}
			}
		}
	}
}

func newScoreCmd() *cobra.Command {
	var (
		study   studyFlags
		run     runFlags
		mapping mappingFlags
		weights string
	)

	cmd := &cobra.Command{
		Use:   "score <gwas>",
		Short: "Score genes for one GWAS",
		Long: `Compute LD-corrected gene p-values from marker-level summary statistics.
Each gene's chi-square sum is tested against the weighted chi-square null
given by the eigenvalues of its window's marker correlation matrix.`,
		Example: `  genescore score --panel ref/EUR --genes genes.tsv height.tsv.gz -o height.genes.tsv
  genescore score --panel ref/EUR --genes genes.tsv --gene APOE --gene TOMM40 ad.tsv
  genescore score --panel ref/EUR --genes genes.tsv --header --p-col 8 --beta-col 6 --se-col 7 gwas.txt
  genescore score --panel ref/EUR --genes genes.tsv --mapping eqtl.tsv --map-weight-col 3 --joint gwas.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPanel()
			if err != nil {
				return err
			}
			defer p.Close()

			genes, err := loadGenes(run.genes)
			if err != nil {
				return err
			}
			st, err := loadStudy(args[0], &study)
			if err != nil {
				return err
			}

			s := score.NewScorer(p, genes, st, score.NewOptions(cfg))
			s.SetLogger(logger)
			if weights != "" {
				w, err := gwas.LoadWeights(weights)
				if err != nil {
					return err
				}
				s.SetWeights(w)
			}
			if err := mapping.apply(s); err != nil {
				return err
			}
			lc, err := openLDCache(&run, p)
			if err != nil {
				return err
			}
			if lc != nil {
				s.SetCache(lc.cache)
				defer lc.save()
			}

			sink, err := newGeneSink(run.output)
			if err != nil {
				return err
			}
			ids := run.geneList(genes)
			logger.Info("scoring genes", zap.Int("genes", len(ids)), zap.Int("workers", cfg.Scoring.Workers))
			if err := s.Stream(cmd.Context(), ids, sink.add); err != nil {
				return err
			}
			db, analysis := run.resultsDB(cfg)
			return sink.finish(db, analysis)
		},
	}

	study.register(cmd.Flags())
	run.register(cmd.Flags())
	mapping.register(cmd.Flags())
	cmd.Flags().StringVar(&weights, "weights", "", "Per-marker weights file (id weight)")
	addScoringFlags(cmd.Flags())
	bindFlags(cmd, scoringKeys)
	return cmd
}
