package wchisq

import (
	"errors"
	"math"
)

// ErrNoConvergence is returned when an approximation cannot be evaluated for
// the given weights and point.
var ErrNoConvergence = errors.New("wchisq: no convergence")

// powerSums returns Σλ, Σλ², Σλ³.
func powerSums(weights []float64) (c1, c2, c3 float64) {
	for _, l := range weights {
		l2 := l * l
		c1 += l
		c2 += l2
		c3 += l2 * l
	}
	return c1, c2, c3
}

// Satterthwaite approximates P(Q > x) by a scaled chi-square a·χ²_ν matching
// the first two moments, a = Σλ²/Σλ and ν = (Σλ)²/Σλ². It requires
// non-negative weights.
func Satterthwaite(weights []float64, x float64) (float64, error) {
	c1, c2, _ := powerSums(weights)
	for _, l := range weights {
		if l < 0 {
			return 0, ErrNoConvergence
		}
	}
	if c1 <= 0 || c2 <= 0 {
		return 0, ErrNoConvergence
	}
	a := c2 / c1
	nu := c1 * c1 / c2
	return Chi2Upper(x/a, nu), nil
}

// Pearson approximates P(Q > x) by a shifted chi-square matching mean,
// variance and skewness of Q. Indefinite weights are supported; negative
// skewness mirrors the approximation and zero skewness falls back to the
// normal distribution.
func Pearson(weights []float64, x float64) (float64, error) {
	c1, c2, c3 := powerSums(weights)
	if c2 <= 0 {
		return 0, ErrNoConvergence
	}
	if math.Abs(c3) < 1e-12*math.Pow(c2, 1.5) {
		return NormUpper((x - c1) / math.Sqrt(2*c2)), nil
	}
	h := c2 * c2 * c2 / (c3 * c3)
	if c3 > 0 {
		y := (x-c1)*math.Sqrt(h/c2) + h
		return Chi2Upper(y, h), nil
	}
	y := (c1-x)*math.Sqrt(h/c2) + h
	return Chi2Lower(y, h), nil
}

// Saddlepoint approximates P(Q > x) with the Barndorff-Nielsen form of the
// Lugannani-Rice saddlepoint formula, accurate far into the tails.
func Saddlepoint(weights []float64, x float64) (float64, error) {
	lmin, lmax := 0.0, 0.0
	for _, l := range weights {
		lmin = min(lmin, l)
		lmax = max(lmax, l)
	}
	if lmax == 0 && lmin == 0 {
		return 0, ErrNoConvergence
	}
	if lmin >= 0 && x <= 0 {
		return 1, nil
	}
	if lmax <= 0 && x >= 0 {
		return MinP, nil
	}

	k1 := func(z float64) float64 {
		var s float64
		for _, l := range weights {
			s += l / (1 - 2*z*l)
		}
		return s
	}

	// K'(ζ) is increasing on the domain 1-2ζλ > 0 for all λ.
	lo, hi := math.Inf(-1), math.Inf(1)
	if lmin < 0 {
		lo = 1 / (2 * lmin)
	}
	if lmax > 0 {
		hi = 1 / (2 * lmax)
	}
	if math.IsInf(lo, -1) {
		lo = -1
		for k1(lo) > x {
			lo *= 2
			if lo < -1e300 {
				return 0, ErrNoConvergence
			}
		}
	}
	if math.IsInf(hi, 1) {
		hi = 1
		for k1(hi) < x {
			hi *= 2
			if hi > 1e300 {
				return 0, ErrNoConvergence
			}
		}
	}

	z := 0.0
	a, b := lo, hi
	for range 500 {
		z = a + (b-a)/2
		if z == a || z == b {
			break
		}
		if k1(z) < x {
			a = z
		} else {
			b = z
		}
	}

	var kz, k2 float64
	for _, l := range weights {
		d := 1 - 2*z*l
		kz -= 0.5 * math.Log(d)
		k2 += 2 * l * l / (d * d)
	}
	arg := 2 * (z*x - kz)
	if arg < 0 {
		arg = 0
	}
	w := math.Copysign(math.Sqrt(arg), z)
	v := z * math.Sqrt(k2)
	if math.Abs(w) < 1e-4 || v/w <= 0 {
		// too close to the mean for the formula to be stable
		return Pearson(weights, x)
	}
	return NormUpper(w + math.Log(v/w)/w), nil
}
