package plasticity

import (
	"math"
	"testing"

	"github.com/notargets/seislts/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shearedDofs(basis int, sxy float64) []float64 {
	dofs := make([]float64, kernels.NumQuantities*basis)
	dofs[kernels.SigmaXY*basis] = sxy
	dofs[kernels.SigmaXX*basis] = -1e6
	dofs[kernels.SigmaYY*basis] = -1e6
	dofs[kernels.SigmaZZ*basis] = -1e6
	return dofs
}

var testParams = Parameters{Cohesion: 1e6, FrictionAngle: 0.6, Mu: 3e10}

func TestApplyBelowYieldIsNoop(t *testing.T) {
	dofs := shearedDofs(4, 1e5)
	before := append([]float64(nil), dofs...)
	strain := make([]float64, StrainComponents)

	yielded, err := Apply(&testParams, 1, 4, dofs, strain)
	require.NoError(t, err)
	assert.Equal(t, 0, yielded)
	assert.Equal(t, before, dofs)
	assert.Equal(t, make([]float64, StrainComponents), strain)
}

func TestApplyReturnsToYieldSurface(t *testing.T) {
	basis := 4
	dofs := shearedDofs(basis, 5e6)
	dofs[kernels.SigmaXY*basis+2] = 1e5
	strain := make([]float64, StrainComponents)

	yielded, err := Apply(&testParams, 1, basis, dofs, strain)
	require.NoError(t, err)
	assert.Equal(t, 1, yielded)

	mean := -1e6
	taulim := testParams.Cohesion*math.Cos(testParams.FrictionAngle) - mean*math.Sin(testParams.FrictionAngle)
	assert.InDelta(t, taulim, Equivalent(&testParams, basis, dofs), 1e-6)

	// Mean stress is untouched by the return mapping
	assert.InDelta(t, -1e6, dofs[kernels.SigmaXX*basis], 1e-9)
	assert.Greater(t, strain[6], 0.0)
	assert.Greater(t, strain[3], 0.0)
	assert.Less(t, dofs[kernels.SigmaXY*basis+2], 1e5)
}

func TestApplyWithRelaxation(t *testing.T) {
	basis := 1
	full := shearedDofs(basis, 5e6)
	partial := shearedDofs(basis, 5e6)
	s1 := make([]float64, StrainComponents)
	s2 := make([]float64, StrainComponents)

	_, err := Apply(&testParams, 1, basis, full, s1)
	require.NoError(t, err)
	_, err = Apply(&testParams, RelaxFactor(0.01, 0.05), basis, partial, s2)
	require.NoError(t, err)

	assert.Greater(t, partial[kernels.SigmaXY], full[kernels.SigmaXY])
	assert.Less(t, partial[kernels.SigmaXY], 5e6)
}

func TestRelaxFactor(t *testing.T) {
	assert.Equal(t, 1.0, RelaxFactor(0.1, 0))
	assert.Equal(t, 1.0, RelaxFactor(0.1, -2))
	assert.InDelta(t, 1-math.Exp(-2), RelaxFactor(0.2, 0.1), 1e-15)
}

func TestApplyRejectsBadLengths(t *testing.T) {
	_, err := Apply(&testParams, 1, 2, make([]float64, 3), make([]float64, StrainComponents))
	assert.Error(t, err)
	_, err = Apply(&testParams, 1, 1, make([]float64, 9), make([]float64, 2))
	assert.Error(t, err)
}

func TestParametersValidate(t *testing.T) {
	assert.NoError(t, testParams.Validate())
	bad := testParams
	bad.Mu = 0
	assert.Error(t, bad.Validate())
	bad = testParams
	bad.FrictionAngle = 2
	assert.Error(t, bad.Validate())
}
