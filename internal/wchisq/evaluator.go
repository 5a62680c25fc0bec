package wchisq

import (
	"math"
	"math/rand/v2"
)

// Method tags how a tail probability was obtained.
type Method int

const (
	Exact Method = iota
	Approximate
	MonteCarloMethod
	Failed
)

func (m Method) String() string {
	switch m {
	case Exact:
		return "exact"
	case Approximate:
		return "approximate"
	case MonteCarloMethod:
		return "montecarlo"
	default:
		return "failed"
	}
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(s string) Method {
	switch s {
	case "exact":
		return Exact
	case "approximate":
		return Approximate
	case "montecarlo":
		return MonteCarloMethod
	}
	return Failed
}

// Tail is an upper tail probability tagged with its provenance.
type Tail struct {
	P      float64
	Method Method
	// Fault is the Davies fault code when the exact path was attempted.
	Fault int
	// Fallback is set when Monte-Carlo sampling was used.
	Fallback  bool
	Exhausted bool
	Trials    int
	Successes int
}

// Strategy selects the evaluation path.
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategyExact
	StrategyApproximate
)

// Approximation selects the moment-matching formula.
type Approximation int

const (
	UsePearson Approximation = iota
	UseSatterthwaite
	UseSaddlepoint
)

// Options configure an Evaluator.
type Options struct {
	Strategy      Strategy
	Approximation Approximation
	// ExactMaxDims is the largest number of weights evaluated exactly under
	// StrategyAuto.
	ExactMaxDims int
	Accuracy     float64
	Limit        int
	// LogSigThreshold triggers Monte-Carlo rescoring when an approximate
	// p-value falls below 10^-LogSigThreshold.
	LogSigThreshold float64
	Budget          Budget
}

// DefaultOptions mirror the default scoring configuration.
func DefaultOptions() Options {
	return Options{
		Strategy:        StrategyAuto,
		Approximation:   UsePearson,
		ExactMaxDims:    1000,
		Accuracy:        1e-8,
		Limit:           1000000,
		LogSigThreshold: 7,
		Budget:          Budget{Initial: 10000, Max: 1000000, Growth: 10, MinSuccesses: 100},
	}
}

// Evaluator computes weighted chi-square tails with a fixed policy: exact
// inversion when allowed and reliable, moment matching otherwise, and
// Monte-Carlo when the exact path failed or the approximation reports an
// extreme tail. It is safe for concurrent use; randomness comes from the
// caller.
type Evaluator struct {
	opts Options
}

// NewEvaluator creates an evaluator.
func NewEvaluator(opts Options) *Evaluator {
	return &Evaluator{opts: opts}
}

// Options returns the evaluator configuration.
func (e *Evaluator) Options() Options { return e.opts }

// maxRelaxedAccuracy bounds how far the exact path relaxes its accuracy
// before giving up.
const maxRelaxedAccuracy = 1e-6

// exact runs Davies, relaxing the accuracy a hundredfold per retry when the
// integration does not settle within the term limit. It returns the upper
// tail, the last fault and the smallest tail the achieved accuracy can
// resolve.
func (e *Evaluator) exact(w []float64, x float64) (p float64, fault int, floor float64) {
	acc := e.opts.Accuracy
	if acc <= 0 {
		acc = DefaultOptions().Accuracy
	}
	for {
		cdf, f := Davies(w, x, acc, e.opts.Limit)
		if f == FaultNone && (cdf < 0 || cdf > 1) {
			f = FaultRoundOff
		}
		if f == FaultNone {
			return 1 - cdf, FaultNone, 10 * acc
		}
		if acc >= maxRelaxedAccuracy {
			return math.NaN(), f, 0
		}
		acc = min(acc*100, maxRelaxedAccuracy)
	}
}

// Upper returns P(Σ λ_j X_j² > x). Zero weights are ignored.
func (e *Evaluator) Upper(weights []float64, x float64, rng *rand.Rand) Tail {
	w := make([]float64, 0, len(weights))
	for _, l := range weights {
		if l != 0 && !math.IsNaN(l) {
			w = append(w, l)
		}
	}
	if len(w) == 0 {
		// Q is identically zero.
		if x < 0 {
			return Tail{P: 1, Method: Exact}
		}
		return Tail{P: 1, Method: Failed}
	}

	if len(w) == 1 {
		return Tail{P: clampP(singleUpper(w[0], x)), Method: Exact}
	}

	fault := FaultNone
	exactFailed := false
	if e.opts.Strategy == StrategyExact || (e.opts.Strategy == StrategyAuto && len(w) <= e.opts.ExactMaxDims) {
		p, f, floor := e.exact(w, x)
		fault = f
		if f != FaultNone {
			exactFailed = true
		} else if p >= floor {
			return Tail{P: clampP(p), Method: Exact}
		}
	}

	p, err := e.approximate(w, x)
	if err != nil {
		exactFailed = true
		p = math.NaN()
	}
	t := Tail{P: p, Method: Approximate, Fault: fault}
	if !exactFailed && p >= math.Pow(10, -e.opts.LogSigThreshold) {
		t.P = clampP(p)
		return t
	}
	if rng == nil {
		if math.IsNaN(p) {
			return Tail{P: 1, Method: Failed, Fault: fault}
		}
		t.P = clampP(p)
		return t
	}
	return e.rescore(w, x, p, fault, rng)
}

// rescore runs the Monte-Carlo fallback. When the budget is exhausted the
// analytic value is kept if it lies below the sampling bound, otherwise the
// bound is reported. An analytic value that underflowed counts as MinP.
func (e *Evaluator) rescore(w []float64, x, analytic float64, fault int, rng *rand.Rand) Tail {
	est := MonteCarlo(w, x, e.opts.Budget, rng)
	t := Tail{
		P:         est.P,
		Method:    MonteCarloMethod,
		Fault:     fault,
		Fallback:  true,
		Exhausted: est.Exhausted,
		Trials:    est.Trials,
		Successes: est.Successes,
	}
	if est.Exhausted && !math.IsNaN(analytic) {
		if a := max(analytic, MinP); a <= est.P {
			t.P = a
		}
	}
	t.P = clampP(t.P)
	return t
}

func (e *Evaluator) approximate(w []float64, x float64) (float64, error) {
	switch e.opts.Approximation {
	case UseSatterthwaite:
		p, err := Satterthwaite(w, x)
		if err == nil {
			return p, nil
		}
		return Pearson(w, x)
	case UseSaddlepoint:
		return Saddlepoint(w, x)
	default:
		return Pearson(w, x)
	}
}

// singleUpper returns P(λ·X² > x) for one weight.
func singleUpper(l, x float64) float64 {
	if l > 0 {
		return Chi2Upper(x/l, 1)
	}
	// λ < 0: P(X² < x/λ)
	if x >= 0 {
		return 0
	}
	return Chi2Lower(x/l, 1)
}
