package kernels

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// IntegrateTaylor integrates a Taylor expansion in time over [a, b]:
//
//	out = sum_k derivs[k] * (b^(k+1) - a^(k+1)) / (k+1)!
//
// where derivs[k] is the k-th derivative at the expansion point t=0.
// Integrals over adjacent intervals add up exactly to the integral over their union.
func IntegrateTaylor(derivs [][]float64, a, b float64, out []float64) error {
	if len(derivs) == 0 {
		return fmt.Errorf("no derivatives to integrate")
	}
	for i := range out {
		out[i] = 0
	}
	powA, powB, factorial := a, b, 1.0
	for k, d := range derivs {
		if len(d) != len(out) {
			return fmt.Errorf("derivative %d has length %d, want %d", k, len(d), len(out))
		}
		factorial *= float64(k + 1)
		floats.AddScaled(out, (powB-powA)/factorial, d)
		powA *= a
		powB *= b
	}
	return nil
}

// TaylorWeights returns the scalar coefficients used by IntegrateTaylor for [a, b]
func TaylorWeights(order int, a, b float64) []float64 {
	w := make([]float64, order)
	factorial := 1.0
	for k := range w {
		factorial *= float64(k + 1)
		w[k] = (math.Pow(b, float64(k+1)) - math.Pow(a, float64(k+1))) / factorial
	}
	return w
}
