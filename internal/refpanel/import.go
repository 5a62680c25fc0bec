package refpanel

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Raw genotype source formats.
const (
	FormatAuto = "auto"
	FormatTPED = "tped"
	FormatVCF  = "vcf"
)

// Importer converts raw per-chromosome genotype files into panel partitions.
// Sources are found as {source}.chr{C}.tped[.gz] or {source}.chr{C}.vcf[.gz].
type Importer struct {
	Source   string
	Prefix   string
	Format   string
	Options  ImportOptions
	Parallel int
	Force    bool

	logger *zap.Logger
}

// NewImporter creates an importer writing partitions under prefix.
func NewImporter(source, prefix string) *Importer {
	return &Importer{
		Source:   source,
		Prefix:   prefix,
		Format:   FormatAuto,
		Parallel: 1,
		logger:   zap.NewNop(),
	}
}

// SetLogger sets the logger for import progress.
func (im *Importer) SetLogger(l *zap.Logger) {
	im.logger = l
}

// SourcePath locates the raw input of chrom and reports its format.
func (im *Importer) SourcePath(chrom string) (string, string, error) {
	chrom = NormalizeChrom(chrom)
	candidates := []struct{ suffix, format string }{
		{".tped.gz", FormatTPED},
		{".tped", FormatTPED},
		{".vcf.gz", FormatVCF},
		{".vcf", FormatVCF},
	}
	for _, c := range candidates {
		if im.Format != FormatAuto && im.Format != c.format {
			continue
		}
		path := fmt.Sprintf("%s.chr%s%s", im.Source, chrom, c.suffix)
		if _, err := os.Stat(path); err == nil {
			return path, c.format, nil
		}
	}
	return "", "", fmt.Errorf("raw genotypes for chr%s under %s: %w", chrom, im.Source, ErrNotFound)
}

// ImportChrom builds the partition of one chromosome.
func (im *Importer) ImportChrom(ctx context.Context, chrom string) (BuildStats, error) {
	path, format, err := im.SourcePath(chrom)
	if err != nil {
		return BuildStats{}, err
	}

	var (
		markers []Marker
		samples int
	)
	switch format {
	case FormatTPED:
		markers, samples, err = ReadTPED(ctx, path, chrom, im.Options)
	default:
		markers, samples, err = ReadVCF(ctx, path, chrom, im.Options)
	}
	if err != nil {
		return BuildStats{}, fmt.Errorf("import chr%s: %w", NormalizeChrom(chrom), err)
	}

	stats, err := Build(im.Prefix, chrom, samples, markers)
	if err != nil {
		return stats, fmt.Errorf("build chr%s: %w", NormalizeChrom(chrom), err)
	}
	im.logger.Info("imported reference partition",
		zap.String("chrom", stats.Chrom),
		zap.String("source", path),
		zap.Int("samples", stats.Samples),
		zap.Int("markers", stats.Markers),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("monomorphic", stats.Monomorphic))
	return stats, nil
}

// ImportAll imports every chromosome in chroms, at most Parallel at a time.
// Chromosomes whose partition already exists are skipped unless Force is set.
// The first failure cancels the remaining imports.
func (im *Importer) ImportAll(ctx context.Context, chroms []string) ([]BuildStats, error) {
	g, ctx := errgroup.WithContext(ctx)
	limit := im.Parallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	stats := make([]BuildStats, len(chroms))
	for i, chrom := range chroms {
		chrom = NormalizeChrom(strings.TrimSpace(chrom))
		if !im.Force {
			if _, err := os.Stat(IndexPath(im.Prefix, chrom)); err == nil {
				im.logger.Debug("partition exists, skipping", zap.String("chrom", chrom))
				stats[i] = BuildStats{Chrom: chrom}
				continue
			}
		}
		g.Go(func() error {
			s, err := im.ImportChrom(ctx, chrom)
			stats[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}
