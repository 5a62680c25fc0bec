// Package score computes LD-corrected gene scores from GWAS summary
// statistics: a single-trait chi-square sum and several cross-trait
// statistics, each tested against its weighted chi-square null distribution
// derived from the eigenvalues of the window's marker correlation matrix.
package score

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/inodb/genescore/internal/config"
	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/gwas"
	"github.com/inodb/genescore/internal/ld"
	"github.com/inodb/genescore/internal/refpanel"
	"github.com/inodb/genescore/internal/wchisq"
)

// ErrGeneNotFound is returned for gene IDs missing from the annotation.
var ErrGeneNotFound = errors.New("gene not found")

// Options configure a scorer.
type Options struct {
	// Window extends gene spans by this many bases on both sides.
	Window int64
	// VarCutoff is the fraction of the total eigenvalue mass retained.
	VarCutoff float64
	LD        ld.Options
	Eval      wchisq.Options
	// Workers bounds ScoreAll concurrency; <= 0 means runtime.NumCPU().
	Workers int
	// Seed makes Monte-Carlo fallbacks reproducible per gene.
	Seed uint64
}

// DefaultOptions mirror config.Default.
func DefaultOptions() Options {
	return NewOptions(config.Default())
}

// NewOptions derives scorer options from a run configuration.
func NewOptions(cfg config.Config) Options {
	s := cfg.Scoring
	eval := wchisq.Options{
		ExactMaxDims:    s.ExactMaxDims,
		Accuracy:        s.Accuracy,
		Limit:           s.IntegrationLimit,
		LogSigThreshold: s.LogSigThreshold,
		Budget: wchisq.Budget{
			Initial:      cfg.MonteCarlo.InitialTrials,
			Max:          cfg.MonteCarlo.MaxTrials,
			Growth:       cfg.MonteCarlo.Growth,
			MinSuccesses: cfg.MonteCarlo.MinSuccesses,
		},
	}
	switch s.Method {
	case config.MethodExact:
		eval.Strategy = wchisq.StrategyExact
	case config.MethodApproximate:
		eval.Strategy = wchisq.StrategyApproximate
	default:
		eval.Strategy = wchisq.StrategyAuto
	}
	switch s.Approximation {
	case config.ApproxSatterthwaite:
		eval.Approximation = wchisq.UseSatterthwaite
	case config.ApproxSaddlepoint:
		eval.Approximation = wchisq.UseSaddlepoint
	default:
		eval.Approximation = wchisq.UsePearson
	}
	return Options{
		Window:    s.Window,
		VarCutoff: s.VarCutoff,
		LD:        ld.Options{MergeDistance: s.MergeDistance, MAFCutoff: s.MAFCutoff},
		Eval:      eval,
		Workers:   s.Workers,
		Seed:      cfg.MonteCarlo.Seed,
	}
}

// MatrixCache stores correlation matrices between calls. *ldcache.Cache
// implements it.
type MatrixCache interface {
	Get(namespace, id string) (*ld.Matrix, bool)
	Put(namespace, id string, m *ld.Matrix)
}

// engine holds what the gene and cross-trait scorers share: window
// resolution, correlation, spectrum and tail evaluation.
type engine struct {
	src     ld.MarkerSource
	builder *ld.Builder
	genes   *genome.Annotation
	eval    *wchisq.Evaluator
	opts    Options
	cache   MatrixCache
	logger  *zap.Logger
}

func newEngine(src ld.MarkerSource, genes *genome.Annotation, opts Options) engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.VarCutoff <= 0 || opts.VarCutoff > 1 {
		opts.VarCutoff = 1
	}
	return engine{
		src:     src,
		builder: ld.NewBuilder(src, opts.LD),
		genes:   genes,
		eval:    wchisq.NewEvaluator(opts.Eval),
		opts:    opts,
		logger:  zap.NewNop(),
	}
}

// lookup resolves a gene by ID or symbol.
func (e *engine) lookup(key string) (*genome.Gene, error) {
	g, ok := e.genes.Gene(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrGeneNotFound)
	}
	return g, nil
}

// cacheNamespace scopes cached matrices to what decides which markers enter a
// window: the scored studies, the window extension and the marker filters.
func (e *engine) cacheNamespace(kind string, studies ...*gwas.Study) string {
	var b strings.Builder
	b.WriteString(kind)
	for _, st := range studies {
		fmt.Fprintf(&b, ":%s@%s", st.Name, st.Fingerprint())
	}
	fmt.Fprintf(&b, ":window=%d:merge=%d:maf=%g", e.opts.Window, e.opts.LD.MergeDistance, e.opts.LD.MAFCutoff)
	return b.String()
}

// matrix returns the correlation matrix of w, from the cache when possible.
func (e *engine) matrix(namespace string, w *genome.Window, keep func(m refpanel.Marker) bool) (*ld.Matrix, error) {
	m, hit, err := e.cached(namespace, w.GeneID, func() (*ld.Matrix, error) {
		return e.builder.Build(w, keep)
	})
	if hit {
		w.Markers = m.IDs
	}
	return m, err
}

// cached returns the matrix stored for id in namespace, building and storing
// it on a miss.
func (e *engine) cached(namespace, id string, build func() (*ld.Matrix, error)) (m *ld.Matrix, hit bool, err error) {
	if e.cache != nil {
		if m, ok := e.cache.Get(namespace, id); ok {
			return m, true, nil
		}
	}
	if m, err = build(); err != nil {
		return nil, false, err
	}
	if e.cache != nil {
		e.cache.Put(namespace, id, m)
	}
	return m, false, nil
}

// rng returns the Monte-Carlo source of one gene. It depends only on the seed
// and the gene ID, so results do not depend on scheduling.
func (e *engine) rng(id string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(id))
	return rand.New(rand.NewPCG(e.opts.Seed, h.Sum64()))
}

// spectrum returns the retained eigenvalues of c in descending order.
func (e *engine) spectrum(c mat.Symmetric) ([]float64, error) {
	if c.SymmetricDim() == 1 {
		return []float64{c.At(0, 0)}, nil
	}
	var es mat.EigenSym
	if !es.Factorize(c, false) {
		return nil, errors.New("eigendecomposition did not converge")
	}
	return Truncate(es.Values(nil), e.opts.VarCutoff), nil
}

// Truncate keeps the positive eigenvalues in descending order until their
// cumulative sum reaches cutoff times their total. The eigenvalue that
// reaches the threshold is included.
func Truncate(eigenvalues []float64, cutoff float64) []float64 {
	pos := make([]float64, 0, len(eigenvalues))
	var total float64
	for _, l := range eigenvalues {
		if l > 0 {
			pos = append(pos, l)
			total += l
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(pos)))
	threshold := cutoff * total
	var cum float64
	for i, l := range pos {
		cum += l
		if cum >= threshold {
			return pos[:i+1]
		}
	}
	return pos
}

// geneIDs lists the annotated genes of chroms (all chromosomes when none are
// given) in genome order.
func (e *engine) geneIDs(chroms ...string) []string {
	if len(chroms) == 0 {
		return e.genes.IDs()
	}
	var ids []string
	for _, c := range chroms {
		for _, g := range e.genes.GenesOn(c) {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

func baseResult(id string, g *genome.Gene) Result {
	r := Result{GeneID: id, State: StateInit}
	if g != nil {
		r.Symbol = g.Symbol
		r.Chrom = g.Chrom
	}
	return r
}
