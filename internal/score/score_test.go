package score

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/gwas"
	"github.com/inodb/genescore/internal/ld"
	"github.com/inodb/genescore/internal/ldcache"
	"github.com/inodb/genescore/internal/refpanel"
	"github.com/inodb/genescore/internal/wchisq"
)

var base = []uint8{0, 1, 2, 1, 0, 0, 1, 2, 1, 0, 0, 1, 2, 1, 0, 0, 1, 2, 1, 0}

func variant(i int, v uint8) []uint8 {
	g := append([]uint8(nil), base...)
	g[i] = v
	return g
}

// buildPanel writes a one-chromosome panel with three markers in strong LD
// at 100, 150 and 200 and two further markers at 500 and 900.
func buildPanel(t *testing.T) *refpanel.Panel {
	t.Helper()
	markers := []refpanel.Marker{
		{ID: "rs1", Pos: 100, Ref: "A", Alt: "G", Genotypes: base},
		{ID: "rs2", Pos: 150, Ref: "A", Alt: "G", Genotypes: variant(0, 1)},
		{ID: "rs3", Pos: 200, Ref: "A", Alt: "G", Genotypes: variant(19, 1)},
		{ID: "rs4", Pos: 500, Ref: "C", Alt: "T", Genotypes: []uint8{0, 0, 1, 0, 2, 1, 0, 0, 1, 0, 0, 1, 0, 0, 2, 0, 1, 0, 0, 1}},
		{ID: "rs5", Pos: 900, Ref: "C", Alt: "T", Genotypes: []uint8{1, 0, 0, 0, 1, 0, 2, 0, 0, 1, 1, 0, 0, 0, 1, 0, 0, 2, 0, 0}},
	}
	prefix := filepath.Join(t.TempDir(), "panel")
	_, err := refpanel.Build(prefix, "1", len(base), markers)
	require.NoError(t, err)
	p, err := refpanel.Open(prefix)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func annotation(t *testing.T) *genome.Annotation {
	t.Helper()
	a, err := genome.NewAnnotation([]*genome.Gene{
		{ID: "G1", Symbol: "LD3", Chrom: "1", Start: 100, End: 240, Strand: 1},
		{ID: "G2", Symbol: "ONE", Chrom: "1", Start: 495, End: 505, Strand: -1},
		{ID: "G3", Symbol: "NONE", Chrom: "1", Start: 2000, End: 2100, Strand: 1},
	})
	require.NoError(t, err)
	return a
}

func study(name string, p []float64) *gwas.Study {
	s := gwas.NewStudy(name)
	for i, pv := range p {
		id := []string{"rs1", "rs2", "rs3", "rs4", "rs5"}[i]
		a1, a2 := "G", "A"
		if i >= 3 {
			a1, a2 = "T", "C"
		}
		s.Set(id, gwas.Entry{P: pv, Beta: 0.1, HasBeta: true, A1: a1, A2: a2})
	}
	return s
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Window = 10
	opts.Workers = 2
	return opts
}

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	return NewScorer(buildPanel(t), annotation(t), study("A", []float64{0.5, 0.5, 0.5, 0.01, 0.9}), testOptions())
}

func TestScore_LDCorrectionBelowNaive(t *testing.T) {
	s := newTestScorer(t)
	r, err := s.Score(context.Background(), "G1")
	require.NoError(t, err)

	assert.Equal(t, "LD3", r.Symbol)
	assert.Equal(t, 3, r.NMarkers)
	assert.Equal(t, StateScored, r.State)
	assert.True(t, r.Scored())
	assert.GreaterOrEqual(t, r.EffectiveDF, 1)
	assert.LessOrEqual(t, r.EffectiveDF, 3)

	chi := wchisq.Chi2UpperInv(0.5, 1)
	assert.InDelta(t, 3*chi, r.Statistic, 1e-9)

	naive := wchisq.Chi2Upper(3*chi, 3)
	assert.Greater(t, r.P, 0.0)
	assert.LessOrEqual(t, r.P, 1.0)
	assert.Less(t, r.P, naive)
}

func TestScore_SingleMarkerIsChiSquare(t *testing.T) {
	s := newTestScorer(t)
	r, err := s.Score(context.Background(), "ONE")
	require.NoError(t, err)
	assert.Equal(t, "G2", r.GeneID)
	assert.Equal(t, 1, r.NMarkers)
	assert.Equal(t, 1, r.EffectiveDF)
	assert.Equal(t, wchisq.Exact, r.Method)
	assert.InEpsilon(t, 0.01, r.P, 1e-6)

	// The approximate path agrees for one marker.
	opts := testOptions()
	opts.Eval.Strategy = wchisq.StrategyApproximate
	approx := NewScorer(buildPanel(t), annotation(t), s.Study(), opts)
	ra, err := approx.Score(context.Background(), "G2")
	require.NoError(t, err)
	assert.InEpsilon(t, r.P, ra.P, 1e-9)
}

func TestScore_EmptyWindow(t *testing.T) {
	s := newTestScorer(t)
	r, err := s.Score(context.Background(), "G3")
	require.ErrorIs(t, err, ld.ErrEmptyWindow)
	assert.Equal(t, StatusOmitted, r.Status)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, StateWindowResolved, r.FailedAt)
	assert.True(t, math.IsNaN(r.P))
	assert.Equal(t, "empty window", r.Reason)
}

func TestScore_UnknownGene(t *testing.T) {
	s := newTestScorer(t)
	r, err := s.Score(context.Background(), "NOPE")
	require.ErrorIs(t, err, ErrGeneNotFound)
	assert.Equal(t, StatusOmitted, r.Status)
	assert.Equal(t, "gene not found", r.Reason)
}

func TestScore_Weights(t *testing.T) {
	s := newTestScorer(t)
	s.SetWeights(map[string]float64{"rs1": 2, "rs3": 0})
	r, err := s.Score(context.Background(), "G1")
	require.NoError(t, err)

	chi := wchisq.Chi2UpperInv(0.5, 1)
	assert.Equal(t, 2, r.NMarkers)
	assert.InDelta(t, 3*chi, r.Statistic, 1e-9)
}

func TestScoreAll_OrderAndStatus(t *testing.T) {
	s := newTestScorer(t)
	results := s.ScoreAll(context.Background(), []string{"G3", "G1", "missing", "G2"})
	require.Len(t, results, 4)

	assert.Equal(t, "G3", results[0].GeneID)
	assert.Equal(t, StatusOmitted, results[0].Status)
	assert.Equal(t, "G1", results[1].GeneID)
	assert.True(t, results[1].Scored())
	assert.Equal(t, "missing", results[2].GeneID)
	assert.Equal(t, StatusOmitted, results[2].Status)
	assert.Equal(t, "G2", results[3].GeneID)
	assert.True(t, results[3].Scored())
}

func TestScoreChr(t *testing.T) {
	s := newTestScorer(t)
	results := s.ScoreChr(context.Background(), "chr1")
	require.Len(t, results, 3)
	assert.Equal(t, []string{"G1", "G2", "G3"}, []string{results[0].GeneID, results[1].GeneID, results[2].GeneID})

	assert.Empty(t, s.ScoreChr(context.Background(), "2"))
}

func TestScoreAll_Cancelled(t *testing.T) {
	s := newTestScorer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := s.ScoreAll(ctx, []string{"G1", "G2", "G3"})
	require.Len(t, results, 3)
	for i, id := range []string{"G1", "G2", "G3"} {
		assert.Equal(t, id, results[i].GeneID)
		assert.Equal(t, StatusOmitted, results[i].Status)
		assert.Equal(t, ReasonCancelled, results[i].Reason)
	}
}

func TestStream_StopsOnCallbackError(t *testing.T) {
	s := newTestScorer(t)
	var seen []string
	err := s.Stream(context.Background(), []string{"G1", "G2", "G3"}, func(r Result) error {
		seen = append(seen, r.GeneID)
		if len(seen) == 2 {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"G1", "G2"}, seen)
}

func TestScoreFused(t *testing.T) {
	s := newTestScorer(t)
	g1, _ := s.genes.Gene("G1")
	g2, _ := s.genes.Gene("G2")
	r, err := s.ScoreFused(context.Background(), "G1+G2", []*genome.Gene{g1, g2})
	require.NoError(t, err)
	assert.Equal(t, "G1+G2", r.GeneID)
	assert.Equal(t, "1", r.Chrom)
	assert.Equal(t, 4, r.NMarkers)

	_, err = s.ScoreFused(context.Background(), "empty", nil)
	assert.Error(t, err)
}

func TestScore_UsesCache(t *testing.T) {
	s := newTestScorer(t)
	c := ldcache.New("fp")
	s.SetCache(c)

	r1, err := s.Score(context.Background(), "G1")
	require.NoError(t, err)
	r2, err := s.Score(context.Background(), "G1")
	require.NoError(t, err)

	assert.Equal(t, r1.P, r2.P)
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestScore_DefaultsScoreExactly(t *testing.T) {
	s := NewScorer(buildPanel(t), annotation(t), study("A", []float64{0.5, 0.5, 0.5, 0.01, 0.9}), DefaultOptions())
	r, err := s.Score(context.Background(), "G1")
	require.NoError(t, err)
	assert.Equal(t, wchisq.Exact, r.Method)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Zero(t, r.Trials)
}

func TestScore_PersistedCacheFollowsOptions(t *testing.T) {
	p := buildPanel(t)
	genes := annotation(t)
	st := study("A", []float64{0.5, 0.5, 0.5, 0.01, 0.9})
	dir := t.TempDir()

	reload := func() *ldcache.Cache {
		store := ldcache.NewStore(dir)
		require.True(t, store.Valid("fp"))
		c := ldcache.New("fp")
		require.NoError(t, store.Load(c))
		return c
	}

	c := ldcache.New("fp")
	first := NewScorer(p, genes, st, testOptions())
	first.SetCache(c)
	r, err := first.Score(context.Background(), "G1")
	require.NoError(t, err)
	require.Equal(t, 3, r.NMarkers)
	require.NoError(t, ldcache.NewStore(dir).Write(c))

	// rs2 lies 50 bp after rs1 and merges away.
	merged := testOptions()
	merged.LD.MergeDistance = 100
	c = reload()
	s := NewScorer(p, genes, st, merged)
	s.SetCache(c)
	r, err = s.Score(context.Background(), "G1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.NMarkers)
	_, misses := c.Stats()
	assert.Equal(t, int64(1), misses)

	// Same study name, rs2 no longer reported.
	edited := gwas.NewStudy("A")
	for _, id := range []string{"rs1", "rs3", "rs4", "rs5"} {
		e, _ := st.Get(id)
		edited.Set(id, e)
	}
	c = reload()
	s = NewScorer(p, genes, edited, testOptions())
	s.SetCache(c)
	r, err = s.Score(context.Background(), "G1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.NMarkers)

	// Unchanged inputs hit the stored entry.
	c = reload()
	s = NewScorer(p, genes, st, testOptions())
	s.SetCache(c)
	r, err = s.Score(context.Background(), "G1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.NMarkers)
	hits, _ := c.Stats()
	assert.Equal(t, int64(1), hits)
}

func TestScore_Mapping(t *testing.T) {
	m := gwas.NewMapping()
	m.Add("NONE", gwas.MappedMarker{ID: "rs4", Weight: 1})
	m.Add("NONE", gwas.MappedMarker{ID: "rs404", Weight: 1})
	m.Add("G2", gwas.MappedMarker{ID: "rs5", Weight: 1})

	s := newTestScorer(t)
	require.NoError(t, s.SetMapping(m, false))

	// G3 has no window markers; its symbol maps it to rs4.
	r, err := s.Score(context.Background(), "G3")
	require.NoError(t, err)
	assert.Equal(t, 1, r.NMarkers)
	assert.InEpsilon(t, 0.01, r.P, 1e-6)

	r, err = s.Score(context.Background(), "G2")
	require.NoError(t, err)
	assert.Equal(t, 1, r.NMarkers, "mapped rs5 replaces window rs4")
	assert.InEpsilon(t, 0.9, r.P, 1e-6)

	r, err = s.Score(context.Background(), "G1")
	assert.ErrorIs(t, err, ld.ErrEmptyWindow)
	assert.Equal(t, StatusOmitted, r.Status)
}

func TestScore_JointMapping(t *testing.T) {
	m := gwas.NewMapping()
	m.Add("G2", gwas.MappedMarker{ID: "rs5", Weight: 1})
	m.Add("G2", gwas.MappedMarker{ID: "rs4", Weight: 1})

	s := newTestScorer(t)
	s.SetCache(ldcache.New("fp"))
	require.NoError(t, s.SetMapping(m, true))

	r, err := s.Score(context.Background(), "G2")
	require.NoError(t, err)
	assert.Equal(t, 2, r.NMarkers, "window rs4 counted once")

	r, err = s.Score(context.Background(), "G1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.NMarkers, "unmapped gene keeps its window")

	plain := newTestScorer(t)
	pr, err := plain.Score(context.Background(), "G1")
	require.NoError(t, err)
	assert.Equal(t, pr.P, r.P)
}

func TestScore_MappingWeights(t *testing.T) {
	m := gwas.NewMapping()
	m.Add("G3", gwas.MappedMarker{ID: "rs4", Weight: 2})

	s := newTestScorer(t)
	require.NoError(t, s.SetMapping(m, false))
	r, err := s.Score(context.Background(), "G3")
	require.NoError(t, err)
	assert.InDelta(t, 2*wchisq.Chi2UpperInv(0.01, 1), r.Statistic, 1e-9)
	assert.InEpsilon(t, 0.01, r.P, 1e-6)
}

func TestSetMapping_NeedsMarkerIndex(t *testing.T) {
	src := struct{ ld.MarkerSource }{buildPanel(t)}
	s := NewScorer(src, annotation(t), study("A", []float64{0.5}), testOptions())
	assert.Error(t, s.SetMapping(gwas.NewMapping(), false))
}

func TestStream_CallbackErrorStopsDispatch(t *testing.T) {
	genes := make([]string, 200)
	for i := range genes {
		genes[i] = fmt.Sprintf("G%d", i)
	}
	var scored atomic.Int64
	fn := func(ctx context.Context, gene string) (Result, error) {
		if err := ctx.Err(); err != nil {
			return omit(baseResult(gene, nil), StateWindowResolved, err), err
		}
		scored.Add(1)
		return Result{GeneID: gene, Status: StatusSuccess, State: StateScored, P: 0.5}, nil
	}

	var calls int
	err := streamOrdered(context.Background(), genes, 1, fn, zap.NewNop(), func(Result) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
	assert.Less(t, scored.Load(), int64(20))
}

func TestScore_Deterministic(t *testing.T) {
	opts := testOptions()
	opts.Eval.Strategy = wchisq.StrategyApproximate
	opts.Eval.LogSigThreshold = 0.01 // force the Monte-Carlo path
	opts.Eval.Budget = wchisq.Budget{Initial: 1000, Max: 1000, Growth: 10, MinSuccesses: 1}
	st := study("A", []float64{0.5, 0.5, 0.5, 0.01, 0.9})

	r1, err := NewScorer(buildPanel(t), annotation(t), st, opts).Score(context.Background(), "G1")
	require.NoError(t, err)
	r2, err := NewScorer(buildPanel(t), annotation(t), st, opts).Score(context.Background(), "G1")
	require.NoError(t, err)

	assert.True(t, r1.FallbackUsed)
	assert.Equal(t, StatusFallback, r1.Status)
	assert.Equal(t, wchisq.MonteCarloMethod, r1.Method)
	assert.Equal(t, r1.P, r2.P)
}

func TestTruncate(t *testing.T) {
	eig := []float64{-1e-9, 0.1, 2.5, 0.4, 0}
	assert.Equal(t, []float64{2.5}, Truncate(eig, 0.5))
	assert.Equal(t, []float64{2.5, 0.4}, Truncate(eig, 0.9))
	assert.Equal(t, []float64{2.5, 0.4, 0.1}, Truncate(eig, 1))

	// Retaining more variance never lowers the effective degrees of freedom.
	prev := 0
	for _, c := range []float64{0.1, 0.3, 0.5, 0.7, 0.9, 0.95, 0.99, 1} {
		n := len(Truncate(eig, c))
		assert.GreaterOrEqual(t, n, prev, "cutoff %g", c)
		prev = n
	}
}

func TestStatusStateStrings(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFallback, StatusOmitted} {
		assert.Equal(t, s, ParseStatus(s.String()))
	}
	assert.Equal(t, "correlation_built", StateCorrelationBuilt.String())
	assert.Equal(t, "failed", StateFailed.String())
}
