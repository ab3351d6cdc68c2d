// Package plasticity applies a Drucker-Prager return mapping to cell DOFs.
package plasticity

import (
	"fmt"
	"math"

	"github.com/notargets/seislts/kernels"
	"gonum.org/v1/gonum/floats"
)

// StrainComponents is the per-cell plastic strain length: six tensor
// components followed by the accumulated scalar plastic strain
const StrainComponents = 7

// Parameters holds the per-cell yield parameters
type Parameters struct {
	InitialLoading [6]float64 // Background stress added to the DOF stress
	Cohesion       float64
	FrictionAngle  float64 // Radians
	Mu             float64 // Shear modulus for the strain update
}

// Validate checks the yield parameters
func (p Parameters) Validate() error {
	if p.Cohesion < 0 {
		return fmt.Errorf("cohesion must be non-negative, got %g", p.Cohesion)
	}
	if p.FrictionAngle < 0 || p.FrictionAngle >= math.Pi/2 {
		return fmt.Errorf("friction angle %g outside [0, pi/2)", p.FrictionAngle)
	}
	if !(p.Mu > 0) {
		return fmt.Errorf("shear modulus must be positive, got %g", p.Mu)
	}
	return nil
}

// RelaxFactor returns 1-exp(-dt/tv), or 1 for tv <= 0
func RelaxFactor(dt, tv float64) float64 {
	if tv > 0 {
		return 1 - math.Exp(-dt/tv)
	}
	return 1
}

// Apply checks the cell-average stress against the yield surface and, if it
// is exceeded, removes the fraction oneMinusIntegratingFactor of the excess
// deviatoric stress from every basis coefficient. It returns 1 if the cell
// yielded, 0 otherwise.
func Apply(params *Parameters, oneMinusIntegratingFactor float64, basis int, dofs, strain []float64) (int, error) {
	if len(dofs) != kernels.NumQuantities*basis {
		return 0, fmt.Errorf("dofs have length %d, want %d", len(dofs), kernels.NumQuantities*basis)
	}
	if len(strain) != StrainComponents {
		return 0, fmt.Errorf("plastic strain has length %d, want %d", len(strain), StrainComponents)
	}

	var stress [6]float64
	for q := 0; q < 6; q++ {
		stress[q] = dofs[q*basis] + params.InitialLoading[q]
	}
	mean := (stress[0] + stress[1] + stress[2]) / 3
	dev := stress
	for q := 0; q < 3; q++ {
		dev[q] -= mean
	}

	tau := math.Sqrt(0.5*(dev[0]*dev[0]+dev[1]*dev[1]+dev[2]*dev[2]) +
		dev[3]*dev[3] + dev[4]*dev[4] + dev[5]*dev[5])
	taulim := math.Max(0, params.Cohesion*math.Cos(params.FrictionAngle)-mean*math.Sin(params.FrictionAngle))
	if math.IsNaN(tau) || math.IsNaN(taulim) {
		return 0, fmt.Errorf("yield check: %w", kernels.ErrNonFinite)
	}
	if tau <= taulim {
		return 0, nil
	}

	factor := (1 - taulim/tau) * oneMinusIntegratingFactor

	// Higher modes: remove the same fraction of their own deviator
	var coeff [6]float64
	for b := 1; b < basis; b++ {
		for q := 0; q < 6; q++ {
			coeff[q] = dofs[q*basis+b]
		}
		m := (coeff[0] + coeff[1] + coeff[2]) / 3
		for q := 0; q < 6; q++ {
			d := coeff[q]
			if q < 3 {
				d -= m
			}
			dofs[q*basis+b] -= factor * d
		}
	}
	for q := 0; q < 6; q++ {
		dofs[q*basis] -= factor * dev[q]
	}

	inc := dev[:]
	floats.Scale(factor/(2*params.Mu), inc)
	floats.Add(strain[:6], inc)
	strain[6] += factor * tau / params.Mu

	if err := kernels.CheckFinite(dofs); err != nil {
		return 0, fmt.Errorf("plastic update: %w", err)
	}
	return 1, nil
}

// Equivalent returns the second invariant of the deviatoric stress of the
// cell average, with initial loading
func Equivalent(params *Parameters, basis int, dofs []float64) float64 {
	var s [6]float64
	for q := 0; q < 6; q++ {
		s[q] = dofs[q*basis] + params.InitialLoading[q]
	}
	mean := (s[0] + s[1] + s[2]) / 3
	for q := 0; q < 3; q++ {
		s[q] -= mean
	}
	return math.Sqrt(0.5*(s[0]*s[0]+s[1]*s[1]+s[2]*s[2]) + s[3]*s[3] + s[4]*s[4] + s[5]*s[5])
}
