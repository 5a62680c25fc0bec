package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/refpanel"
	"github.com/inodb/genescore/internal/textio"
)

func autosomes() []string {
	out := make([]string, 22)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

func newImportCmd() *cobra.Command {
	var (
		chroms  []string
		format  string
		keep    string
		minQual float64
		snpOnly bool
		rsOnly  bool
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "import <source>",
		Short: "Build a reference panel from per-chromosome genotype files",
		Long: `Convert raw genotypes into the indexed reference panel used for LD
estimation. Inputs are found as <source>.chr<C>.tped[.gz] (PLINK transposed)
or <source>.chr<C>.vcf[.gz].`,
		Example: `  genescore import --panel ref/EUR 1000G.EUR
  genescore import --panel ref/EUR --chroms 21,22 --keep eur.samples 1000G`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := viper.GetString("panel.prefix")
			if prefix == "" {
				return usageError{fmt.Errorf("--panel is required")}
			}

			im := refpanel.NewImporter(args[0], prefix)
			im.SetLogger(logger)
			im.Format = format
			im.Force = force
			im.Parallel = viper.GetInt("panel.parallel")
			im.Options = refpanel.ImportOptions{MinQual: minQual, SNPOnly: snpOnly, RSOnly: rsOnly}
			if keep != "" {
				samples, err := readSampleList(keep)
				if err != nil {
					return err
				}
				im.Options.Keep = samples
			}

			stats, err := im.ImportAll(cmd.Context(), chroms)
			if err != nil {
				return err
			}
			var markers int
			for _, s := range stats {
				markers += s.Markers
			}
			logger.Info("reference panel ready",
				zap.String("prefix", prefix),
				zap.Int("chromosomes", len(stats)),
				zap.Int("markers", markers))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&chroms, "chroms", autosomes(), "Chromosomes to import")
	cmd.Flags().StringVar(&format, "format", refpanel.FormatAuto, "Input format: auto, tped, vcf")
	cmd.Flags().StringVar(&keep, "keep", "", "File listing the VCF sample names to keep")
	cmd.Flags().Float64Var(&minQual, "min-qual", 0, "Drop non-PASS VCF records below this QUAL")
	cmd.Flags().BoolVar(&snpOnly, "snp-only", false, "Keep only single-nucleotide variants")
	cmd.Flags().BoolVar(&rsOnly, "rs-only", false, "Keep only markers with rs identifiers")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild existing partitions")
	cmd.Flags().Int("parallel", 1, "Chromosomes imported concurrently")
	viper.BindPFlag("panel.parallel", cmd.Flags().Lookup("parallel"))
	return cmd
}

func readSampleList(path string) (map[string]bool, error) {
	f, err := textio.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]bool)
	sc := f.Scanner()
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		// PLINK keep files list FID IID; the IID names the sample.
		out[fields[len(fields)-1]] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read sample list %s: %w", path, err)
	}
	return out, nil
}
