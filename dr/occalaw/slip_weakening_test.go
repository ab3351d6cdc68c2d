package occalaw

import (
	"testing"

	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
	"github.com/notargets/seislts/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLayer(t *testing.T, faces, points int) *dr.FaultLayer {
	t.Helper()
	local := kernels.CellLocal{Material: kernels.Material{Density: 2700, Lambda: 3e10, Mu: 3e10}}
	ff := make([]partitions.FaultFace, faces)
	for f := range ff {
		ff[f] = partitions.FaultFace{
			GlobalID: f,
			Plus:     partitions.FaultSideRef{Local: true, CellLocal: local},
			Minus:    partitions.FaultSideRef{Local: true, CellLocal: local},
			Normal:   [3]float64{0, 1, 0},
		}
	}
	fl, err := dr.NewFaultLayer(ff, points, func(face *partitions.FaultFace, p int) dr.PointInit {
		pi := dr.PointInit{Params: dr.DefaultFrictionParameters()}
		pi.InitialStress[0] = -1e6
		pi.InitialStress[3] = 0.3e6 + 0.1e6*float64(face.GlobalID*points+p)
		pi.InitialStress[5] = 0.05e6
		return pi
	})
	require.NoError(t, err)
	for i := range fl.PredXY {
		fl.PredXY[i] = 1e4 * float64(i%3)
		fl.PredXZ[i] = -2e3
		fl.PredNormal[i] = 1e3
		fl.InvEtaS[i] = 2.0 / 9e6
	}
	return fl
}

func TestSlipWeakeningMatchesHostLaw(t *testing.T) {
	device := runner.CreateTestDevice()
	defer device.Free()
	law := NewSlipWeakening(device, 0)
	defer law.Free()

	const faces, points = 3, 4
	onDevice := newLayer(t, faces, points)
	onHost := newLayer(t, faces, points)
	all := []int{0, 1, 2}
	host := &dr.LinearSlipWeakening{}

	for step := 0; step < 3; step++ {
		info := dr.StepInfo{Step: int64(step), Time: float64(step) * 0.01, Dt: 0.01}
		require.NoError(t, law.Evaluate(onDevice, all, info))
		require.NoError(t, host.Evaluate(onHost, all, info))
	}

	slipping := 0
	for i := range onHost.Slip {
		assert.InDelta(t, onHost.Slip[i], onDevice.Slip[i], 1e-12)
		assert.InDelta(t, onHost.Mu[i], onDevice.Mu[i], 1e-12)
		assert.InDelta(t, onHost.TractionXY[i], onDevice.TractionXY[i], 1e-6)
		assert.Equal(t, onHost.RuptureTime[i], onDevice.RuptureTime[i])
		assert.Equal(t, onHost.DynStressTime[i], onDevice.DynStressTime[i])
		if onHost.Slip[i] > 0 {
			slipping++
		}
	}
	assert.Greater(t, slipping, 0)
	assert.Less(t, slipping, faces*points)
}

func TestSlipWeakeningSubsetOfFaces(t *testing.T) {
	device := runner.CreateTestDevice()
	defer device.Free()
	law := NewSlipWeakening(device, 1e-3)
	defer law.Free()
	assert.Equal(t, "linear-slip-weakening-occa", law.Name())

	fl := newLayer(t, 3, 2)
	require.NoError(t, law.Evaluate(fl, []int{2}, dr.StepInfo{Dt: 0.01}))
	for p := 0; p < fl.Points; p++ {
		assert.Zero(t, fl.Slip[fl.Index(0, p)])
		assert.Greater(t, fl.Slip[fl.Index(2, p)], 0.0)
	}
	require.NoError(t, law.Evaluate(fl, nil, dr.StepInfo{Dt: 0.01}))
}
