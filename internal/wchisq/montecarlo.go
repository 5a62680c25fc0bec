package wchisq

import (
	"math/rand/v2"
)

// Budget bounds Monte-Carlo sampling. Trials run in batches whose cumulative
// size grows by Growth from Initial up to Max; sampling stops early once
// MinSuccesses exceedances have been seen.
type Budget struct {
	Initial      int
	Max          int
	Growth       int
	MinSuccesses int
}

// Estimate is a Monte-Carlo tail estimate.
type Estimate struct {
	P         float64
	Trials    int
	Successes int
	// Exhausted is set when the budget ran out before MinSuccesses
	// exceedances were observed; P is then (successes+1)/(trials+1).
	Exhausted bool
}

// MonteCarlo estimates P(Q > x) by sampling Q = Σ λ_j X_j².
func MonteCarlo(weights []float64, x float64, b Budget, rng *rand.Rand) Estimate {
	var est Estimate
	target := max(b.Initial, 1)
	growth := max(b.Growth, 2)
	for {
		for est.Trials < target {
			var q float64
			for _, l := range weights {
				z := rng.NormFloat64()
				q += l * z * z
			}
			if q > x {
				est.Successes++
			}
			est.Trials++
		}
		if est.Successes >= b.MinSuccesses || target >= b.Max {
			break
		}
		target = min(target*growth, b.Max)
	}

	if est.Successes >= b.MinSuccesses {
		est.P = float64(est.Successes) / float64(est.Trials)
		return est
	}
	est.Exhausted = true
	est.P = float64(est.Successes+1) / float64(est.Trials+1)
	return est
}
