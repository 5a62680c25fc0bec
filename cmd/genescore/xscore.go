package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/score"
)

var crossKeys = map[string]string{
	"mode":           "cross.mode",
	"sample-overlap": "cross.sample_overlap",
	"left-tail":      "cross.left_tail",
}

func newXScoreCmd() *cobra.Command {
	var (
		study studyFlags
		run   runFlags
	)

	cmd := &cobra.Command{
		Use:   "xscore <gwas-a> <gwas-b>",
		Short: "Score genes for the joint signal of two GWAS",
		Long: `Test each gene for shared (zsum, ranksum), concordant (coherence) or
relative (ratio) association across two studies. Both files must use the same
column layout. Markers whose alleles disagree between the studies are dropped.`,
		Example: `  genescore xscore --panel ref/EUR --genes genes.tsv --mode zsum --a1-col 4 --a2-col 5 ldl.tsv hdl.tsv
  genescore xscore --panel ref/EUR --genes genes.tsv --mode ratio --sample-overlap 0.2 a.tsv b.tsv`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cross, err := score.NewCrossOptions(cfg)
			if err != nil {
				return usageError{err}
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
			a, err := loadStudy(args[0], &study)
			if err != nil {
				return err
			}
			b, err := loadStudy(args[1], &study)
			if err != nil {
				return err
			}

			s, err := score.NewCrossScorer(p, genes, a, b, score.NewOptions(cfg), cross)
			if err != nil {
				return usageError{err}
			}
			s.SetLogger(logger)
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
			logger.Info("scoring genes",
				zap.String("mode", cross.Mode.String()),
				zap.Float64("sample_overlap", cross.SampleOverlap),
				zap.Bool("left_tail", cross.LeftTail),
				zap.Int("genes", len(ids)))
			if err := s.Stream(cmd.Context(), ids, sink.add); err != nil {
				return err
			}
			db, analysis := run.resultsDB(cfg)
			return sink.finish(db, analysis)
		},
	}

	study.register(cmd.Flags())
	run.register(cmd.Flags())
	addScoringFlags(cmd.Flags())
	cmd.Flags().String("mode", "", "Cross statistic: zsum, ranksum, coherence, ratio")
	cmd.Flags().Float64("sample-overlap", 0, "Correlation between the studies' statistics")
	cmd.Flags().Bool("left-tail", false, "Test the lower tail")
	bindFlags(cmd, scoringKeys, crossKeys)
	return cmd
}
