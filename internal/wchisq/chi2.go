// Package wchisq evaluates tail probabilities of weighted sums of independent
// chi-square(1) variables, Q = Σ λ_j X_j² with X_j ~ N(0,1), the null
// distribution of LD-correlated chi-square sums.
package wchisq

import (
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinP is the smallest p-value handled; smaller inputs are clamped.
const MinP = 1e-300

// Chi2Upper returns P(χ²_df > x).
func Chi2Upper(x, df float64) float64 {
	if x <= 0 {
		return 1
	}
	if math.IsInf(x, 1) {
		return 0
	}
	return mathext.GammaIncRegComp(df/2, x/2)
}

// Chi2Lower returns P(χ²_df <= x).
func Chi2Lower(x, df float64) float64 {
	if x <= 0 {
		return 0
	}
	if math.IsInf(x, 1) {
		return 1
	}
	return mathext.GammaIncReg(df/2, x/2)
}

// Chi2UpperInv returns x such that P(χ²_df > x) = p. It works on the upper
// tail directly so tiny p keep their precision.
func Chi2UpperInv(p, df float64) float64 {
	if p >= 1 {
		return 0
	}
	p = max(p, MinP)
	return 2 * mathext.GammaIncRegCompInv(df/2, p)
}

// ZFromP converts a two-sided p-value to an absolute z-score.
func ZFromP(p float64) float64 {
	return math.Sqrt(Chi2UpperInv(p, 1))
}

// NormUpper returns P(Z > z) for a standard normal Z.
func NormUpper(z float64) float64 {
	return distuv.UnitNormal.Survival(z)
}

// clampP maps p onto (0, 1].
func clampP(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 1
	case p < MinP:
		return MinP
	case p > 1:
		return 1
	}
	return p
}
