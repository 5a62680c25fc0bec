package score

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/gwas"
	"github.com/inodb/genescore/internal/ld"
	"github.com/inodb/genescore/internal/refpanel"
)

// Scorer computes single-trait gene scores: S = Σ w_i χ²_i over the window
// markers, tested against Σ λ_j χ²_1 with λ the retained eigenvalues of the
// (weighted) marker correlation matrix. A Scorer is safe for concurrent use.
type Scorer struct {
	engine
	study   *gwas.Study
	weights map[string]float64

	mapping *gwas.Mapping
	joint   bool
	index   MarkerIndex

	ns, mapNS string
}

// MarkerIndex resolves panel markers by ID. *refpanel.Panel implements it.
type MarkerIndex interface {
	Lookup(id string) (refpanel.Marker, error)
}

// NewScorer creates a gene scorer for study.
func NewScorer(src ld.MarkerSource, genes *genome.Annotation, study *gwas.Study, opts Options) *Scorer {
	s := &Scorer{
		engine: newEngine(src, genes, opts),
		study:  study,
	}
	s.updateNamespaces()
	return s
}

// SetLogger sets the logger for warning and info messages.
func (s *Scorer) SetLogger(l *zap.Logger) {
	s.logger = l
}

// SetCache enables correlation matrix caching.
func (s *Scorer) SetCache(c MatrixCache) {
	s.cache = c
}

// SetWeights sets per-marker weights. Markers without a weight count with
// weight 1; markers with a non-positive weight are ignored.
func (s *Scorer) SetWeights(w map[string]float64) {
	s.weights = w
	s.updateNamespaces()
}

// SetMapping scores the genes of m over their mapped markers instead of their
// window. Genes are matched by ID, then by symbol. With joint set the window
// markers are scored together with the mapped ones and unmapped genes keep
// their window; without it unmapped genes are omitted. Mapped markers are
// resolved by ID, so the marker source must implement MarkerIndex. Mapping
// weights multiply the marker weights.
func (s *Scorer) SetMapping(m *gwas.Mapping, joint bool) error {
	idx, ok := s.src.(MarkerIndex)
	if !ok {
		return errors.New("marker source cannot resolve markers by ID")
	}
	s.mapping, s.joint, s.index = m, joint, idx
	s.updateNamespaces()
	return nil
}

func (s *Scorer) updateNamespaces() {
	s.ns = s.cacheNamespace("gene", s.study)
	if s.weights != nil {
		s.ns += ":excluded=" + excludedDigest(s.weights)
	}
	if s.mapping != nil {
		s.mapNS = fmt.Sprintf("%s:mapping=%s:joint=%t", s.ns, s.mapping.Fingerprint(), s.joint)
	}
}

// Study returns the scored study.
func (s *Scorer) Study() *gwas.Study { return s.study }

// excludedDigest identifies the markers a weight map removes from windows.
func excludedDigest(w map[string]float64) string {
	var ids []string
	for id, v := range w {
		if v <= 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	h := fnv.New64a()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func (s *Scorer) weight(id string) float64 {
	if s.weights == nil {
		return 1
	}
	if w, ok := s.weights[id]; ok {
		return w
	}
	return 1
}

func (s *Scorer) keep(m refpanel.Marker) bool {
	e, ok := s.study.Get(m.ID)
	return ok && e.Valid() && s.weight(m.ID) > 0
}

// Score scores one gene, given by ID or symbol. A gene without usable
// markers yields an omitted result together with an error wrapping
// ld.ErrEmptyWindow; an unknown gene returns ErrGeneNotFound.
func (s *Scorer) Score(ctx context.Context, gene string) (Result, error) {
	g, err := s.lookup(gene)
	if err != nil {
		return omit(baseResult(gene, nil), StateWindowResolved, err), err
	}
	if s.mapping != nil {
		if mapped := s.mapped(g); len(mapped) > 0 || !s.joint {
			return s.scoreMapped(ctx, g, mapped, baseResult(g.ID, g))
		}
	}
	return s.scoreWindow(ctx, g.Window(s.opts.Window), baseResult(g.ID, g))
}

// ScoreFused scores the union window of genes under id. The genes must share
// a chromosome. Mapped markers do not take part.
func (s *Scorer) ScoreFused(ctx context.Context, id string, genes []*genome.Gene) (Result, error) {
	base := baseResult(id, nil)
	w, err := genome.UnionWindow(id, genes, s.opts.Window)
	if err != nil {
		return omit(base, StateWindowResolved, err), err
	}
	base.Chrom = w.Chrom
	return s.scoreWindow(ctx, w, base)
}

// ScoreAll scores genes concurrently and returns the results in input order.
// Failed genes are reported as omitted; after cancellation the remaining
// genes are omitted with reason "cancelled".
func (s *Scorer) ScoreAll(ctx context.Context, genes []string) []Result {
	return collectAll(ctx, genes, s.opts.Workers, s.Score, s.logger)
}

// ScoreChr scores every annotated gene of the given chromosomes, or of all
// chromosomes when none are given.
func (s *Scorer) ScoreChr(ctx context.Context, chroms ...string) []Result {
	return s.ScoreAll(ctx, s.geneIDs(chroms...))
}

// Stream scores genes concurrently and calls fn with each result in input
// order. An error from fn stops scoring and is returned.
func (s *Scorer) Stream(ctx context.Context, genes []string, fn func(Result) error) error {
	return streamOrdered(ctx, genes, s.opts.Workers, s.Score, s.logger, fn)
}

func (s *Scorer) scoreWindow(ctx context.Context, w *genome.Window, r Result) (Result, error) {
	if err := ctx.Err(); err != nil {
		return omit(r, StateWindowResolved, err), err
	}

	m, err := s.matrix(s.ns, w, s.keep)
	if err != nil {
		return omit(r, failedAt(err), err), err
	}
	return s.scoreMatrix(r, m, s.weight)
}

// mapped returns the markers mapped to g by ID or, failing that, by symbol.
func (s *Scorer) mapped(g *genome.Gene) []gwas.MappedMarker {
	if mm := s.mapping.Markers(g.ID); len(mm) > 0 {
		return mm
	}
	if g.Symbol != "" {
		return s.mapping.Markers(g.Symbol)
	}
	return nil
}

func (s *Scorer) scoreMapped(ctx context.Context, g *genome.Gene, mapped []gwas.MappedMarker, r Result) (Result, error) {
	if err := ctx.Err(); err != nil {
		return omit(r, StateWindowResolved, err), err
	}

	mw := make(map[string]float64, len(mapped))
	for _, x := range mapped {
		mw[x.ID] = x.Weight
	}
	weight := func(id string) float64 {
		w := s.weight(id)
		if x, ok := mw[id]; ok {
			w *= x
		}
		return w
	}

	m, _, err := s.cached(s.mapNS, g.ID, func() (*ld.Matrix, error) {
		markers, err := s.resolveMapped(g, mapped, weight)
		if err != nil {
			return nil, err
		}
		return s.builder.BuildMarkers(g.ID, markers)
	})
	if err != nil {
		return omit(r, failedAt(err), err), err
	}
	return s.scoreMatrix(r, m, weight)
}

// resolveMapped collects the usable mapped markers of g, plus its window
// markers in joint mode.
func (s *Scorer) resolveMapped(g *genome.Gene, mapped []gwas.MappedMarker, weight func(string) float64) ([]refpanel.Marker, error) {
	seen := make(map[string]bool)
	var out []refpanel.Marker
	add := func(m refpanel.Marker) {
		if seen[m.ID] {
			return
		}
		seen[m.ID] = true
		if e, ok := s.study.Get(m.ID); ok && e.Valid() && weight(m.ID) > 0 {
			out = append(out, m)
		}
	}

	if s.joint {
		w := g.Window(s.opts.Window)
		ms, err := s.src.Range(w.Chrom, w.Start, w.End)
		if err != nil {
			return nil, fmt.Errorf("resolve window %s: %w", g.ID, err)
		}
		for _, m := range ms {
			add(m)
		}
	}
	for _, x := range mapped {
		m, err := s.index.Lookup(x.ID)
		if errors.Is(err, refpanel.ErrNotFound) {
			s.logger.Debug("mapped marker not in panel", zap.String("gene", g.ID), zap.String("marker", x.ID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve mapped marker %s: %w", x.ID, err)
		}
		add(m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("gene %s: %w", g.ID, ld.ErrEmptyWindow)
	}
	return out, nil
}

func failedAt(err error) State {
	if errors.Is(err, ld.ErrEmptyWindow) {
		return StateWindowResolved
	}
	return StateCorrelationBuilt
}

// scoreMatrix computes the statistic and its tail probability over the
// markers of m.
func (s *Scorer) scoreMatrix(r Result, m *ld.Matrix, weight func(string) float64) (Result, error) {
	r.State = StateCorrelationBuilt
	r.NMarkers = m.Dim()

	n := m.Dim()
	w8 := make([]float64, n)
	uniform := true
	var stat float64
	for i, id := range m.IDs {
		e, _ := s.study.Get(id)
		w8[i] = weight(id)
		if w8[i] != 1 {
			uniform = false
		}
		stat += w8[i] * e.Chi2()
	}
	r.Statistic = stat

	null := mat.Symmetric(m.C)
	if !uniform {
		null = weighted(m.C, w8)
	}
	lambda, err := s.spectrum(null)
	if err != nil {
		return omit(r, StateEigendecomposed, err), err
	}
	if len(lambda) == 0 {
		err := fmt.Errorf("gene %s: no positive eigenvalues", r.GeneID)
		return omit(r, StateEigendecomposed, err), err
	}
	r.State = StateEigendecomposed
	r.EffectiveDF = len(lambda)

	t := s.eval.Upper(lambda, stat, s.rng(r.GeneID))
	r = applyTail(r, t)
	if t.Exhausted {
		s.logger.Debug("monte-carlo budget exhausted",
			zap.String("gene", r.GeneID),
			zap.Int("trials", t.Trials),
			zap.Float64("p", r.P))
	}
	return r, nil
}

// weighted returns W^½ C W^½ for the diagonal weight matrix W.
func weighted(c *mat.SymDense, w []float64) *mat.SymDense {
	n := len(w)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, c.At(i, j)*math.Sqrt(w[i]*w[j]))
		}
	}
	return out
}
