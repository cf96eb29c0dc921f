package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// GradNorm returns the global L2 norm over all parameter gradients.
func GradNorm(params []*Parameter) float64 {
	sumSquares := 0.0
	for _, p := range params {
		sumSquares += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(sumSquares)
}

// ClipGradNorm rescales all gradients in place so their global L2 norm does
// not exceed maxNorm, and returns the norm before clipping. A maxNorm of 0
// disables clipping. Non-finite gradients are an error: they cannot be
// rescaled into a usable update.
func ClipGradNorm(params []*Parameter, maxNorm float64) (float64, error) {
	total := GradNorm(params)
	if math.IsNaN(total) {
		return total, fmt.Errorf("gradient norm is NaN")
	}
	if math.IsInf(total, 0) {
		// The sum of squares overflowed; retry on gradients scaled by their max magnitude.
		peak := 0.0
		for _, p := range params {
			for _, g := range p.Grad {
				if math.IsInf(g, 0) || math.IsNaN(g) {
					return total, fmt.Errorf("gradient for %q is not finite", p.Name)
				}
				peak = math.Max(peak, math.Abs(g))
			}
		}
		sumSquares := 0.0
		for _, p := range params {
			for _, g := range p.Grad {
				s := g / peak
				sumSquares += s * s
			}
		}
		total = peak * math.Sqrt(sumSquares)
	}
	if maxNorm <= 0 {
		return total, nil
	}

	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad)
		}
	}
	return total, nil
}

// ZeroGrad clears every gradient buffer.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}
