package wchisq

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChi2Helpers(t *testing.T) {
	assert.InDelta(t, 0.05, Chi2Upper(3.841458820694124, 1), 1e-9)
	assert.InDelta(t, 3.841458820694124, Chi2UpperInv(0.05, 1), 1e-6)
	assert.InDelta(t, 1.0, Chi2Upper(0, 4), 0)
	assert.InDelta(t, 0.0, Chi2UpperInv(1, 1), 0)
	assert.InDelta(t, math.Exp(-5), Chi2Upper(10, 2), 1e-12)
	assert.InDelta(t, 1-math.Exp(-5), Chi2Lower(10, 2), 1e-12)

	// Round trip keeps relative precision deep in the tail.
	x := Chi2UpperInv(1e-20, 1)
	assert.InEpsilon(t, 1e-20, Chi2Upper(x, 1), 1e-6)

	assert.InDelta(t, 1.959963984540054, ZFromP(0.05), 1e-6)
	assert.InDelta(t, 0.025, NormUpper(1.959963984540054), 1e-9)
}

func TestDavies_SingleWeightMatchesChiSquare(t *testing.T) {
	for _, x := range []float64{0.5, 2, 3.84, 8} {
		cdf, fault := Davies([]float64{1}, x, 1e-6, 1000000)
		require.Equal(t, FaultNone, fault, "x=%g", x)
		assert.InDelta(t, Chi2Lower(x, 1), cdf, 1e-5, "x=%g", x)
	}
}

func TestDavies_EqualWeights(t *testing.T) {
	// Σ of k unit weights is χ²_k.
	cdf, fault := Davies([]float64{1, 1, 1, 1}, 7.5, 1e-6, 1000000)
	require.Equal(t, FaultNone, fault)
	assert.InDelta(t, Chi2Lower(7.5, 4), cdf, 1e-5)

	// Scaling the weights scales the quantile.
	cdf, fault = Davies([]float64{2, 2}, 9, 1e-6, 1000000)
	require.Equal(t, FaultNone, fault)
	assert.InDelta(t, Chi2Lower(4.5, 2), cdf, 1e-5)
}

func TestDavies_LimitExceeded(t *testing.T) {
	_, fault := Davies([]float64{1, 0.5, 0.25}, 3, 1e-9, 1)
	assert.Equal(t, FaultNoParams, fault)
}

func TestApproximations_CloseToExact(t *testing.T) {
	w := []float64{2.5, 1.2, 0.8, 0.3}
	x := 9.0
	cdf, fault := Davies(w, x, 1e-6, 1000000)
	require.Equal(t, FaultNone, fault)
	exact := 1 - cdf

	sat, err := Satterthwaite(w, x)
	require.NoError(t, err)
	assert.InDelta(t, exact, sat, 0.02)

	pea, err := Pearson(w, x)
	require.NoError(t, err)
	assert.InDelta(t, exact, pea, 0.02)

	sad, err := Saddlepoint(w, x)
	require.NoError(t, err)
	assert.InDelta(t, exact, sad, 0.02)
}

func TestPearson_ExactForEqualWeights(t *testing.T) {
	p, err := Pearson([]float64{1, 1, 1}, 5)
	require.NoError(t, err)
	assert.InDelta(t, Chi2Upper(5, 3), p, 1e-12)

	// Negated weights give the lower tail of the mirrored sum.
	p, err = Pearson([]float64{-1, -1, -1}, -2)
	require.NoError(t, err)
	assert.InDelta(t, Chi2Lower(2, 3), p, 1e-12)
}

func TestSatterthwaite_RejectsNegativeWeights(t *testing.T) {
	_, err := Satterthwaite([]float64{1, -0.5}, 1)
	assert.ErrorIs(t, err, ErrNoConvergence)
}

func TestSaddlepoint_RelativeAccuracyInTail(t *testing.T) {
	w := []float64{3, 1}
	x := 40.0
	cdf, fault := Davies(w, x, 1e-9, 10000000)
	require.Equal(t, FaultNone, fault)
	exact := 1 - cdf

	sad, err := Saddlepoint(w, x)
	require.NoError(t, err)
	assert.InEpsilon(t, exact, sad, 0.1)
}

func TestMonteCarlo_AgreesWithDavies(t *testing.T) {
	w := []float64{2, 1, 0.5}
	x := 5.0
	cdf, fault := Davies(w, x, 1e-6, 1000000)
	require.Equal(t, FaultNone, fault)

	rng := rand.New(rand.NewPCG(7, 11))
	est := MonteCarlo(w, x, Budget{Initial: 200000, Max: 200000, Growth: 10, MinSuccesses: 100}, rng)
	assert.False(t, est.Exhausted)
	assert.Equal(t, 200000, est.Trials)
	assert.InDelta(t, 1-cdf, est.P, 0.01)
}

func TestMonteCarlo_EscalatesAndExhausts(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	est := MonteCarlo([]float64{1, 1}, 200, Budget{Initial: 10, Max: 1000, Growth: 10, MinSuccesses: 5}, rng)
	assert.True(t, est.Exhausted)
	assert.Equal(t, 1000, est.Trials)
	assert.Equal(t, 0, est.Successes)
	assert.InDelta(t, 1.0/1001.0, est.P, 1e-12)
}

func TestEvaluator_SingleWeightIsExact(t *testing.T) {
	e := NewEvaluator(DefaultOptions())
	tail := e.Upper([]float64{0, 1}, 3.84, nil)
	assert.Equal(t, Exact, tail.Method)
	assert.InDelta(t, Chi2Upper(3.84, 1), tail.P, 1e-12)
}

func TestEvaluator_ExactPath(t *testing.T) {
	opts := DefaultOptions()
	opts.Accuracy = 1e-8
	e := NewEvaluator(opts)

	tail := e.Upper([]float64{1, 1, 1, 1, 1, 1}, 8, nil)
	assert.Equal(t, Exact, tail.Method)
	assert.False(t, tail.Fallback)
	assert.InDelta(t, Chi2Upper(8, 6), tail.P, 1e-6)
}

func TestEvaluator_DefaultsConvergeExactly(t *testing.T) {
	w := []float64{2.5, 0.4, 0.1}
	cdf, fault := Davies(w, 3, 1e-8, 1000000)
	require.Equal(t, FaultNone, fault)

	e := NewEvaluator(DefaultOptions())
	tail := e.Upper(w, 3, rand.New(rand.NewPCG(1, 1)))
	assert.Equal(t, Exact, tail.Method)
	assert.False(t, tail.Fallback)
	assert.Equal(t, 0, tail.Trials)
	assert.InDelta(t, 1-cdf, tail.P, 1e-6)
	assert.InDelta(t, 0.32694, tail.P, 1e-4)
}

func TestEvaluator_RelaxesAccuracyBeforeFallingBack(t *testing.T) {
	w := []float64{2.5, 0.4, 0.1}
	_, fault := Davies(w, 3, 1e-10, 1000000)
	require.NotEqual(t, FaultNone, fault, "too strict for the term limit")

	opts := DefaultOptions()
	opts.Accuracy = 1e-10
	tail := NewEvaluator(opts).Upper(w, 3, rand.New(rand.NewPCG(1, 1)))
	assert.Equal(t, Exact, tail.Method)
	assert.False(t, tail.Fallback)
	assert.InDelta(t, 0.32694, tail.P, 1e-4)
}

func TestEvaluator_MonotoneInStatistic(t *testing.T) {
	opts := DefaultOptions()
	opts.Budget = Budget{Initial: 1000, Max: 10000, Growth: 10, MinSuccesses: 100}
	e := NewEvaluator(opts)
	w := []float64{3, 1, 0.5}

	prev := 1.0
	for _, x := range []float64{1, 5, 20, 50, 100, 200, 500, 2000, 1e4, 1e5, 1e6} {
		tail := e.Upper(w, x, rand.New(rand.NewPCG(9, 9)))
		assert.LessOrEqual(t, tail.P, prev, "x=%g", x)
		assert.GreaterOrEqual(t, tail.P, MinP, "x=%g", x)
		prev = tail.P
	}
	assert.Less(t, prev, 1e-100, "statistics far in the tail stay far in the tail")
}

func TestEvaluator_UnderflowedApproximationKept(t *testing.T) {
	pea, err := Pearson([]float64{3, 1, 0.5}, 1e6)
	require.NoError(t, err)
	require.Equal(t, 0.0, pea)

	opts := DefaultOptions()
	opts.Budget = Budget{Initial: 100, Max: 1000, Growth: 10, MinSuccesses: 10}
	tail := NewEvaluator(opts).Upper([]float64{3, 1, 0.5}, 1e6, rand.New(rand.NewPCG(2, 2)))
	assert.True(t, tail.Exhausted)
	assert.Equal(t, MinP, tail.P)
}

func TestEvaluator_ApproximateStrategy(t *testing.T) {
	opts := DefaultOptions()
	opts.Strategy = StrategyApproximate
	e := NewEvaluator(opts)

	tail := e.Upper([]float64{1, 1, 1}, 4, nil)
	assert.Equal(t, Approximate, tail.Method)
	assert.InDelta(t, Chi2Upper(4, 3), tail.P, 1e-9)
}

func TestEvaluator_ExtremeTailFallsBackToMonteCarlo(t *testing.T) {
	opts := DefaultOptions()
	opts.Strategy = StrategyApproximate
	opts.Budget = Budget{Initial: 100, Max: 1000, Growth: 10, MinSuccesses: 10}
	e := NewEvaluator(opts)

	tail := e.Upper([]float64{1, 1}, 200, rand.New(rand.NewPCG(3, 4)))
	assert.Equal(t, MonteCarloMethod, tail.Method)
	assert.True(t, tail.Fallback)
	assert.True(t, tail.Exhausted)
	assert.Equal(t, 1000, tail.Trials)
	// The analytic estimate lies below the sampling bound and is kept.
	assert.InEpsilon(t, math.Exp(-100), tail.P, 1e-6)
}

func TestEvaluator_PValueRange(t *testing.T) {
	e := NewEvaluator(DefaultOptions())
	rng := rand.New(rand.NewPCG(5, 6))
	for _, x := range []float64{-1, 0, 0.1, 3, 30, 300} {
		tail := e.Upper([]float64{1.5, 0.7, 0.2}, x, rng)
		assert.Greater(t, tail.P, 0.0, "x=%g", x)
		assert.LessOrEqual(t, tail.P, 1.0, "x=%g", x)
	}
}

func TestMethodString(t *testing.T) {
	for _, m := range []Method{Exact, Approximate, MonteCarloMethod, Failed} {
		assert.Equal(t, m, ParseMethod(m.String()))
	}
}
