package score

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/config"
	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/gwas"
	"github.com/inodb/genescore/internal/ld"
	"github.com/inodb/genescore/internal/refpanel"
	"github.com/inodb/genescore/internal/wchisq"
)

// CrossMode selects the cross-trait statistic.
type CrossMode int

const (
	// ModeZSum tests T = Σ ((a_i+b_i)/√(2(1+ρ)))² against the single-trait
	// null.
	ModeZSum CrossMode = iota
	// ModeRankSum tests T = Σ a_i b_i on jointly rank-normalised p-values.
	ModeRankSum
	// ModeCoherence tests T = Σ a_i b_i on the raw z-scores.
	ModeCoherence
	// ModeRatio tests the sign of R = (a·b)/(b·b).
	ModeRatio
)

func (m CrossMode) String() string {
	switch m {
	case ModeZSum:
		return config.CrossZSum
	case ModeRankSum:
		return config.CrossRankSum
	case ModeCoherence:
		return config.CrossCoherence
	default:
		return config.CrossRatio
	}
}

// ParseCrossMode parses a configured cross-trait mode.
func ParseCrossMode(s string) (CrossMode, error) {
	switch s {
	case config.CrossZSum:
		return ModeZSum, nil
	case config.CrossRankSum:
		return ModeRankSum, nil
	case config.CrossCoherence:
		return ModeCoherence, nil
	case config.CrossRatio:
		return ModeRatio, nil
	}
	return 0, fmt.Errorf("unknown cross-trait mode %q", s)
}

// CrossOptions configure the cross-trait statistic.
type CrossOptions struct {
	Mode CrossMode
	// SampleOverlap is the correlation ρ between the two studies' statistics
	// induced by shared samples.
	SampleOverlap float64
	// LeftTail tests the lower tail instead of the upper one.
	LeftTail bool
}

// NewCrossOptions derives cross-trait options from a run configuration.
func NewCrossOptions(cfg config.Config) (CrossOptions, error) {
	mode, err := ParseCrossMode(cfg.Cross.Mode)
	if err != nil {
		return CrossOptions{}, err
	}
	return CrossOptions{Mode: mode, SampleOverlap: cfg.Cross.SampleOverlap, LeftTail: cfg.Cross.LeftTail}, nil
}

// AlignmentError reports a marker whose alleles cannot be reconciled between
// the two studies, or between study A and the reference panel.
type AlignmentError struct {
	Marker  string
	Against string // "study" or "panel"
	Want    [2]string
	Got     [2]string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("marker %s: alleles %s/%s do not match %s alleles %s/%s",
		e.Marker, e.Got[0], e.Got[1], e.Against, e.Want[0], e.Want[1])
}

var errZeroDenominator = errors.New("second study has zero signal in window")

// CrossScorer scores genes for the joint signal of two studies. It is safe
// for concurrent use.
type CrossScorer struct {
	engine
	a, b  *gwas.Study
	cross CrossOptions
	ns    string
}

// NewCrossScorer creates a cross-trait scorer. Rank-sum mode rank-normalises
// both studies over their shared markers up front.
func NewCrossScorer(src ld.MarkerSource, genes *genome.Annotation, a, b *gwas.Study, opts Options, cross CrossOptions) (*CrossScorer, error) {
	rho := cross.SampleOverlap
	switch {
	case rho < -1 || rho > 1:
		return nil, fmt.Errorf("sample overlap must be in [-1, 1], got %g", rho)
	case cross.Mode == ModeZSum && rho <= -1:
		return nil, errors.New("z-sum mode needs sample overlap > -1")
	case cross.Mode == ModeRatio && math.Abs(rho) >= 1:
		return nil, errors.New("ratio mode needs |sample overlap| < 1")
	}
	if cross.Mode == ModeRankSum {
		a, b = gwas.JointlyRank(a, b)
	}
	s := &CrossScorer{
		engine: newEngine(src, genes, opts),
		a:      a,
		b:      b,
		cross:  cross,
	}
	s.ns = s.cacheNamespace("cross", a, b)
	return s, nil
}

// SetLogger sets the logger for warning and info messages.
func (s *CrossScorer) SetLogger(l *zap.Logger) {
	s.logger = l
}

// SetCache enables correlation matrix caching.
func (s *CrossScorer) SetCache(c MatrixCache) {
	s.cache = c
}

// align reconciles the alleles of one marker. It returns the sign applied to
// the second study's z-score.
func (s *CrossScorer) align(m refpanel.Marker) (float64, error) {
	ea, ok := s.a.Get(m.ID)
	if !ok {
		return 0, fmt.Errorf("marker %s: missing from %s", m.ID, s.a.Name)
	}
	eb, ok := s.b.Get(m.ID)
	if !ok {
		return 0, fmt.Errorf("marker %s: missing from %s", m.ID, s.b.Name)
	}
	if m.HasAlleles() && ea.HasAlleles() {
		panel := gwas.Entry{A1: m.Alt, A2: m.Ref}
		if gwas.Align(panel, ea) == gwas.Mismatched {
			return 0, &AlignmentError{Marker: m.ID, Against: "panel", Want: [2]string{m.Alt, m.Ref}, Got: [2]string{ea.A1, ea.A2}}
		}
	}
	switch gwas.Align(ea, eb) {
	case gwas.Swapped:
		return -1, nil
	case gwas.Mismatched:
		return 0, &AlignmentError{Marker: m.ID, Against: "study", Want: [2]string{ea.A1, ea.A2}, Got: [2]string{eb.A1, eb.A2}}
	}
	return 1, nil
}

func (s *CrossScorer) keep(m refpanel.Marker) bool {
	_, err := s.align(m)
	if err != nil {
		var ae *AlignmentError
		if errors.As(err, &ae) {
			s.logger.Debug("marker dropped", zap.String("marker", m.ID), zap.Error(err))
		}
		return false
	}
	return true
}

// Score scores one gene, given by ID or symbol.
func (s *CrossScorer) Score(ctx context.Context, gene string) (Result, error) {
	g, err := s.lookup(gene)
	if err != nil {
		return omit(baseResult(gene, nil), StateWindowResolved, err), err
	}
	return s.scoreWindow(ctx, g.Window(s.opts.Window), baseResult(g.ID, g))
}

// ScoreFused scores the union window of genes under id.
func (s *CrossScorer) ScoreFused(ctx context.Context, id string, genes []*genome.Gene) (Result, error) {
	base := baseResult(id, nil)
	w, err := genome.UnionWindow(id, genes, s.opts.Window)
	if err != nil {
		return omit(base, StateWindowResolved, err), err
	}
	base.Chrom = w.Chrom
	return s.scoreWindow(ctx, w, base)
}

// ScoreAll scores genes concurrently and returns the results in input order.
func (s *CrossScorer) ScoreAll(ctx context.Context, genes []string) []Result {
	return collectAll(ctx, genes, s.opts.Workers, s.Score, s.logger)
}

// ScoreChr scores every annotated gene of the given chromosomes, or of all
// chromosomes when none are given.
func (s *CrossScorer) ScoreChr(ctx context.Context, chroms ...string) []Result {
	return s.ScoreAll(ctx, s.geneIDs(chroms...))
}

// Stream scores genes concurrently and calls fn with each result in input
// order. An error from fn stops scoring and is returned.
func (s *CrossScorer) Stream(ctx context.Context, genes []string, fn func(Result) error) error {
	return streamOrdered(ctx, genes, s.opts.Workers, s.Score, s.logger, fn)
}

func (s *CrossScorer) scoreWindow(ctx context.Context, w *genome.Window, r Result) (Result, error) {
	if err := ctx.Err(); err != nil {
		return omit(r, StateWindowResolved, err), err
	}

	m, err := s.matrix(s.ns, w, s.keep)
	if err != nil {
		return omit(r, failedAt(err), err), err
	}
	r.State = StateCorrelationBuilt
	r.NMarkers = m.Dim()

	za := make([]float64, m.Dim())
	zb := make([]float64, m.Dim())
	for i, id := range m.IDs {
		ea, _ := s.a.Get(id)
		eb, _ := s.b.Get(id)
		sign := 1.0
		if gwas.Align(ea, eb) == gwas.Swapped {
			sign = -1
		}
		za[i] = ea.Z()
		zb[i] = sign * eb.Z()
	}

	lambda, err := s.spectrum(m.C)
	if err != nil {
		return omit(r, StateEigendecomposed, err), err
	}
	if len(lambda) == 0 {
		err := fmt.Errorf("gene %s: no positive eigenvalues", r.GeneID)
		return omit(r, StateEigendecomposed, err), err
	}
	r.State = StateEigendecomposed
	r.EffectiveDF = len(lambda)

	rho := s.cross.SampleOverlap
	var (
		stat    float64
		x       float64
		weights []float64
	)
	switch s.cross.Mode {
	case ModeZSum:
		scale := math.Sqrt(2 * (1 + rho))
		for i := range za {
			c := (za[i] + zb[i]) / scale
			stat += c * c
		}
		x = stat
		weights = lambda

	case ModeRankSum, ModeCoherence:
		stat = dot(za, zb)
		x = stat
		weights = productWeights(lambda, rho)

	case ModeRatio:
		bb := dot(zb, zb)
		if bb == 0 {
			err := fmt.Errorf("gene %s: %w", r.GeneID, errZeroDenominator)
			return omit(r, StateEigendecomposed, err), err
		}
		stat = dot(za, zb) / bb
		r.Statistic = stat
		if m.Dim() == 1 {
			return applyTail(r, wchisq.Tail{P: ratioSingle(stat, rho, s.cross.LeftTail), Method: wchisq.Exact}), nil
		}
		x = 0
		weights = ratioWeights(lambda, stat, rho)
	}
	r.Statistic = stat

	if s.cross.LeftTail {
		neg := make([]float64, len(weights))
		for i, l := range weights {
			neg[i] = -l
		}
		weights, x = neg, -x
	}
	return applyTail(r, s.eval.Upper(weights, x, s.rng(r.GeneID))), nil
}

// productWeights is the null of Σ a_i b_i: every eigenvalue λ splits into
// ½(1+ρ)λ and -½(1-ρ)λ.
func productWeights(lambda []float64, rho float64) []float64 {
	w := make([]float64, 0, 2*len(lambda))
	for _, l := range lambda {
		w = append(w, 0.5*(1+rho)*l, -0.5*(1-rho)*l)
	}
	return w
}

// ratioWeights is the null of a·b - R·b·b, which is positive exactly when the
// ratio exceeds R. Each eigenvalue λ contributes the two eigenvalues
// λ((ρ-R) ± √(1+R²-2ρR))/2 of the per-component quadratic form.
func ratioWeights(lambda []float64, r, rho float64) []float64 {
	s := math.Sqrt(1 + r*r - 2*rho*r)
	w := make([]float64, 0, 2*len(lambda))
	for _, l := range lambda {
		w = append(w, l*(rho-r+s)/2, l*(rho-r-s)/2)
	}
	return w
}

// ratioSingle is the closed-form tail for one marker: the ratio of two
// correlated standard normals is Cauchy distributed.
func ratioSingle(r, rho float64, left bool) float64 {
	c := 0.5 + math.Atan((r-rho)/math.Sqrt(1-rho*rho))/math.Pi
	p := 1 - c
	if left {
		p = c
	}
	return math.Max(p, wchisq.MinP)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
