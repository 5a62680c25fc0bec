package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/config"
	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/gwas"
	"github.com/inodb/genescore/internal/ldcache"
	"github.com/inodb/genescore/internal/pathway"
	"github.com/inodb/genescore/internal/refpanel"
	"github.com/inodb/genescore/internal/results"
	"github.com/inodb/genescore/internal/score"
)

// studyFlags describe the layout of a summary statistics file. Column
// numbers are 1-based; 0 marks an absent column.
type studyFlags struct {
	id, p, beta, se, a1, a2 int
	delim                   string
	header                  bool
	na                      string
	threshold               float64
	log10p                  bool
	snpOnly                 bool
	rank                    bool
}

func (f *studyFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.id, "id-col", 1, "Marker ID column")
	fs.IntVar(&f.p, "p-col", 2, "P-value column (0: derive from beta/se)")
	fs.IntVar(&f.beta, "beta-col", 3, "Effect size column (0: absent)")
	fs.IntVar(&f.se, "se-col", 0, "Standard error column (0: absent)")
	fs.IntVar(&f.a1, "a1-col", 0, "Effect allele column (0: absent)")
	fs.IntVar(&f.a2, "a2-col", 0, "Other allele column (0: absent)")
	fs.StringVar(&f.delim, "delim", "", "Column delimiter (default: whitespace)")
	fs.BoolVar(&f.header, "header", false, "Skip the first line")
	fs.StringVar(&f.na, "na", "n/a", "Missing value token")
	fs.Float64Var(&f.threshold, "p-threshold", 1, "Keep markers with p below this value")
	fs.BoolVar(&f.log10p, "log10p", false, "P column holds -log10(p)")
	fs.BoolVar(&f.snpOnly, "snp-only", false, "Keep only single-base alleles")
	fs.BoolVar(&f.rank, "rank", false, "Replace p-values by normalised ranks")
}

func (f *studyFlags) columns() gwas.Columns {
	cols := gwas.DefaultColumns()
	cols.ID, cols.P, cols.Beta, cols.SE, cols.A1, cols.A2 = f.id-1, f.p-1, f.beta-1, f.se-1, f.a1-1, f.a2-1
	if f.delim == `\t` {
		f.delim = "\t"
	}
	cols.Delimiter = f.delim
	cols.Header = f.header
	cols.NA = f.na
	cols.Threshold = f.threshold
	cols.Log10P = f.log10p
	cols.SNPOnly = f.snpOnly
	cols.Rank = f.rank
	return cols
}

func loadStudy(path string, f *studyFlags) (*gwas.Study, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".gz")
	s, err := gwas.Load(path, name, f.columns())
	if err != nil {
		return nil, err
	}
	logger.Info("loaded summary statistics",
		zap.String("study", name),
		zap.Int("markers", s.Len()),
		zap.Float64("min_p", s.MinP))
	return s, nil
}

func loadGenes(path string) (*genome.Annotation, error) {
	if path == "" {
		return nil, usageError{fmt.Errorf("--genes is required")}
	}
	a, err := genome.LoadAnnotation(path, genome.DefaultColumns())
	if err != nil {
		return nil, err
	}
	logger.Info("loaded gene annotation", zap.String("path", path), zap.Int("genes", a.Len()))
	return a, nil
}

// mappingFlags select a gene to marker mapping. Column numbers are 1-based;
// 0 marks an absent column.
type mappingFlags struct {
	path         string
	gene, marker int
	weight       int
	delim        string
	header       bool
	pFilter      float64
	joint        bool
}

func (f *mappingFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.path, "mapping", "", "Gene to marker mapping file (gene marker [weight])")
	fs.IntVar(&f.gene, "map-gene-col", 1, "Mapping gene ID or symbol column")
	fs.IntVar(&f.marker, "map-marker-col", 2, "Mapping marker ID column")
	fs.IntVar(&f.weight, "map-weight-col", 0, "Mapping weight column (0: absent)")
	fs.StringVar(&f.delim, "map-delim", "", "Mapping column delimiter (default: whitespace)")
	fs.BoolVar(&f.header, "map-header", false, "Skip the first mapping line")
	fs.Float64Var(&f.pFilter, "map-p-filter", 0, "Keep mapping rows with weight below this value (0: keep all)")
	fs.BoolVar(&f.joint, "joint", false, "Score mapped markers together with the gene window")
}

// apply loads the mapping, if any, into s.
func (f *mappingFlags) apply(s *score.Scorer) error {
	if f.path == "" {
		return nil
	}
	cols := gwas.MappingColumns{
		Gene:      f.gene - 1,
		Marker:    f.marker - 1,
		Weight:    f.weight - 1,
		Delimiter: f.delim,
		Header:    f.header,
		PFilter:   f.pFilter,
	}
	if cols.Delimiter == `\t` {
		cols.Delimiter = "\t"
	}
	m, err := gwas.LoadMapping(f.path, cols)
	if err != nil {
		return err
	}
	logger.Info("loaded gene mapping",
		zap.String("path", f.path),
		zap.Int("genes", m.Len()),
		zap.Bool("joint", f.joint))
	return s.SetMapping(m, f.joint)
}

// runFlags are shared by the scoring commands.
type runFlags struct {
	genes    string
	only     []string
	chroms   []string
	output   string
	ldCache  string
	noCache  bool
	db       string
	analysis string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.genes, "genes", "", "Gene annotation table (id chrom start end strand symbol)")
	fs.StringSliceVar(&f.only, "gene", nil, "Score only these genes (IDs or symbols)")
	fs.StringSliceVar(&f.chroms, "chr", nil, "Score only genes on these chromosomes")
	fs.StringVarP(&f.output, "output", "o", "", "Output file (default: stdout)")
	fs.StringVar(&f.ldCache, "ld-cache", "", "LD cache directory (default ~/.genescore/ldcache/<panel>)")
	fs.BoolVar(&f.noCache, "no-cache", false, "Do not read or write the LD cache")
	fs.StringVar(&f.db, "db", "", "DuckDB results database")
	fs.StringVar(&f.analysis, "analysis", "", "Analysis name in the results database")
}

// geneList resolves the requested genes in genome order.
func (f *runFlags) geneList(a *genome.Annotation) []string {
	if len(f.only) > 0 {
		return f.only
	}
	if len(f.chroms) > 0 {
		var ids []string
		for _, c := range f.chroms {
			for _, g := range a.GenesOn(c) {
				ids = append(ids, g.ID)
			}
		}
		return ids
	}
	return a.IDs()
}

func (f *runFlags) resultsDB(cfg config.Config) (string, string) {
	db, analysis := cfg.Results.DB, cfg.Results.Analysis
	if f.db != "" {
		db = f.db
	}
	if f.analysis != "" {
		analysis = f.analysis
	}
	return db, analysis
}

// ldCache is the correlation matrix cache of a run and where it persists.
type ldCache struct {
	cache *ldcache.Cache
	store *ldcache.Store
}

func openLDCache(f *runFlags, p *refpanel.Panel) (*ldCache, error) {
	if f.noCache {
		return nil, nil
	}
	fp, err := p.Fingerprint()
	if err != nil {
		return nil, err
	}
	dir := f.ldCache
	if dir == "" {
		dir = defaultCacheDir(viper.GetString("panel.prefix"))
	}
	c := ldcache.New(fp)
	c.SetLogger(logger)
	if dir == "" {
		return &ldCache{cache: c}, nil
	}
	st := ldcache.NewStore(dir)
	if st.Valid(fp) {
		if err := st.Load(c); err != nil {
			logger.Warn("ignoring unreadable LD cache", zap.String("dir", dir), zap.Error(err))
			c.Clear()
		} else {
			logger.Info("loaded LD cache", zap.String("dir", dir), zap.Int("entries", c.Len()))
		}
	}
	return &ldCache{cache: c, store: st}, nil
}

func (lc *ldCache) save() {
	if lc == nil || lc.store == nil {
		return
	}
	hits, misses := lc.cache.Stats()
	if misses == 0 {
		return
	}
	if err := lc.store.Write(lc.cache); err != nil {
		logger.Warn("could not write LD cache", zap.Error(err))
		return
	}
	logger.Info("saved LD cache",
		zap.Int("entries", lc.cache.Len()),
		zap.Int64("hits", hits),
		zap.Int64("misses", misses))
}

func createOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// geneSink writes gene results to a TSV stream and remembers them for the
// results database.
type geneSink struct {
	out     io.WriteCloser
	w       *results.GeneWriter
	results []score.Result
	counts  map[score.Status]int
}

func newGeneSink(path string) (*geneSink, error) {
	out, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	s := &geneSink{out: out, w: results.NewGeneWriter(out), counts: make(map[score.Status]int)}
	if err := s.w.WriteHeader(); err != nil {
		out.Close()
		return nil, err
	}
	return s, nil
}

func (s *geneSink) add(r score.Result) error {
	s.results = append(s.results, r)
	s.counts[r.Status]++
	return s.w.Write(r)
}

// finish flushes the table and stores the results when db is set.
func (s *geneSink) finish(db, analysis string) error {
	if err := s.w.Flush(); err != nil {
		s.out.Close()
		return err
	}
	if err := s.out.Close(); err != nil {
		return err
	}
	logger.Info("gene scores written",
		zap.Int("success", s.counts[score.StatusSuccess]),
		zap.Int("fallback", s.counts[score.StatusFallback]),
		zap.Int("omitted", s.counts[score.StatusOmitted]))
	if db == "" {
		return nil
	}
	st, err := results.Open(db)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.WriteGeneScores(analysis, s.results); err != nil {
		return err
	}
	logger.Info("stored gene scores", zap.String("db", db), zap.String("analysis", analysis))
	return nil
}

func writePathways(path, db, analysis string, rs []pathway.Result) error {
	out, err := createOutput(path)
	if err != nil {
		return err
	}
	w := results.NewPathwayWriter(out)
	if err := w.WriteHeader(); err != nil {
		out.Close()
		return err
	}
	for _, r := range rs {
		if err := w.Write(r); err != nil {
			out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if db == "" {
		return nil
	}
	st, err := results.Open(db)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.WritePathwayScores(analysis, rs)
}
