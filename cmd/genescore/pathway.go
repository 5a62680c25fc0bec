package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/pathway"
	"github.com/inodb/genescore/internal/refpanel"
	"github.com/inodb/genescore/internal/results"
	"github.com/inodb/genescore/internal/score"
)

var pathwayKeys = map[string]string{
	"mode":              "pathway.mode",
	"permutations":      "pathway.permutations",
	"min-genes":         "pathway.min_genes",
	"merge-overlapping": "pathway.merge_overlapping",
	"pathway-seed":      "pathway.seed",
}

func newPathwayCmd() *cobra.Command {
	var (
		study      studyFlags
		run        runFlags
		mapping    mappingFlags
		sets       string
		geneScores string
		fromDB     string
		geneOutput string
	)

	cmd := &cobra.Command{
		Use:   "pathway [gwas]",
		Short: "Score gene sets",
		Long: `Aggregate gene p-values into gene-set p-values. Gene scores are computed
from a GWAS file, or read from a previous run with --gene-scores (TSV) or
--from-db (analysis in the results database). Fusing overlapping members with
--merge-overlapping needs the GWAS file, since fused genes are rescored.`,
		Example: `  genescore pathway --panel ref/EUR --genes genes.tsv --sets kegg.gmt height.tsv.gz
  genescore pathway --genes genes.tsv --sets kegg.gmt --gene-scores height.genes.tsv --mode cauchy
  genescore pathway --genes genes.tsv --sets kegg.gmt --db runs.duckdb --from-db height`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := len(args)
			if geneScores != "" {
				sources++
			}
			if fromDB != "" {
				sources++
			}
			if sources != 1 {
				return usageError{fmt.Errorf("give exactly one of a GWAS file, --gene-scores or --from-db")}
			}
			if sets == "" {
				return usageError{fmt.Errorf("--sets is required")}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts, err := pathway.NewOptions(cfg)
			if err != nil {
				return usageError{err}
			}
			genes, err := loadGenes(run.genes)
			if err != nil {
				return err
			}
			gs, err := pathway.LoadGMT(sets)
			if err != nil {
				return err
			}
			logger.Info("loaded gene sets", zap.String("path", sets), zap.Int("sets", len(gs)))

			db, analysis := run.resultsDB(cfg)
			var (
				rs    []score.Result
				fuser pathway.FusedScorer
			)
			switch {
			case geneScores != "":
				if rs, err = results.ReadGeneScores(geneScores); err != nil {
					return err
				}
			case fromDB != "":
				if db == "" {
					return usageError{fmt.Errorf("--from-db needs --db")}
				}
				if rs, err = readStoredScores(db, fromDB); err != nil {
					return err
				}
			default:
				p, err := openPanel()
				if err != nil {
					return err
				}
				defer p.Close()
				var s *score.Scorer
				if rs, s, err = scoreForPathways(cmd, p, args[0], &study, &run, &mapping, genes, geneOutput); err != nil {
					return err
				}
				fuser = s
			}
			if opts.MergeOverlapping && fuser == nil {
				logger.Warn("--merge-overlapping ignored without a GWAS file")
			}

			agg := pathway.NewAggregator(genes, rs, opts)
			agg.SetLogger(logger)
			if fuser != nil {
				agg.SetFuser(fuser)
			}
			logger.Info("scoring gene sets",
				zap.String("mode", opts.Mode.String()),
				zap.Int("population", agg.Population()))
			out := agg.ScoreAll(cmd.Context(), gs)
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			return writePathways(run.output, db, analysis, out)
		},
	}

	study.register(cmd.Flags())
	run.register(cmd.Flags())
	mapping.register(cmd.Flags())
	addScoringFlags(cmd.Flags())
	cmd.Flags().StringVar(&sets, "sets", "", "Gene sets in GMT format")
	cmd.Flags().StringVar(&geneScores, "gene-scores", "", "Read gene scores from a genescore TSV")
	cmd.Flags().StringVar(&fromDB, "from-db", "", "Read gene scores of this analysis from --db")
	cmd.Flags().StringVar(&geneOutput, "gene-output", "", "Also write the gene scores to this file")
	cmd.Flags().String("mode", "", "Aggregation: rank, permutation, cauchy")
	cmd.Flags().Int("permutations", 0, "Random gene sets drawn per set in permutation mode")
	cmd.Flags().Int("min-genes", 0, "Minimum scored members per set")
	cmd.Flags().Bool("merge-overlapping", false, "Fuse members with overlapping windows")
	cmd.Flags().Uint64("pathway-seed", 0, "Permutation seed")
	bindFlags(cmd, scoringKeys, pathwayKeys)
	return cmd
}

// scoreForPathways scores every annotated gene and returns the scorer for
// rescoring fused members.
func scoreForPathways(cmd *cobra.Command, p *refpanel.Panel, path string, sf *studyFlags, run *runFlags, mf *mappingFlags, genes *genome.Annotation, geneOutput string) ([]score.Result, *score.Scorer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := loadStudy(path, sf)
	if err != nil {
		return nil, nil, err
	}
	s := score.NewScorer(p, genes, st, score.NewOptions(cfg))
	s.SetLogger(logger)
	if err := mf.apply(s); err != nil {
		return nil, nil, err
	}
	lc, err := openLDCache(run, p)
	if err != nil {
		return nil, nil, err
	}
	if lc != nil {
		s.SetCache(lc.cache)
		defer lc.save()
	}

	var rs []score.Result
	if geneOutput != "" {
		sink, err := newGeneSink(geneOutput)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Stream(cmd.Context(), run.geneList(genes), sink.add); err != nil {
			return nil, nil, err
		}
		if err := sink.finish("", ""); err != nil {
			return nil, nil, err
		}
		rs = sink.results
	} else {
		rs = s.ScoreAll(cmd.Context(), run.geneList(genes))
		if err := cmd.Context().Err(); err != nil {
			return nil, nil, err
		}
	}
	return rs, s, nil
}

func readStoredScores(db, analysis string) ([]score.Result, error) {
	st, err := results.Open(db)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	rs, err := st.GeneScores(analysis)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("no gene scores stored for analysis %q", analysis)
	}
	return rs, nil
}
