// Package occalaw runs the slip-weakening friction law on an OCCA device.
package occalaw

import (
	"fmt"
	"math"
	"sync"

	"github.com/notargets/gocca"
	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/runner"
)

// Per-point record layout of the device state array
const (
	slotInitNormal = iota
	slotInitXY
	slotInitXZ
	slotPredNormal
	slotPredXY
	slotPredXZ
	slotInvEta
	slotMuS
	slotMuD
	slotDc
	slotCohesion
	slotMu
	slotSlip
	slotSlip1
	slotSlip2
	slotRuptureTime
	slotDynStressTime
	slotPeakSlipRate
	slotTractionXY
	slotTractionXZ
	slotSlipRate1
	slotSlipRate2
	slotNormalStress

	stride
)

const blockSize = 64

const kernelTemplate = `
#define NPOINTS %d
#define STRIDE %d
#define NBLOCKS %d
#define BLOCK %d
#define THRESHOLD %.17g

@kernel void %s(double *state, const double dt, const double t0) {
	for (int b = 0; b < NBLOCKS; ++b; @outer) {
		for (int j = 0; j < BLOCK; ++j; @inner) {
			const int i = b * BLOCK + j;
			if (i < NPOINTS) {
				double *s = state + i * STRIDE;
				const double sigmaN = s[%d] + s[%d];
				const double strength = s[%d] - s[%d] * fmin(sigmaN, 0.0);
				double totXY = s[%d] + s[%d];
				double totXZ = s[%d] + s[%d];
				const double tracEla = sqrt(totXY * totXY + totXZ * totXZ);
				if (tracEla > strength) {
					totXY *= strength / tracEla;
					totXZ *= strength / tracEla;
				}
				const double trXY = totXY - s[%d];
				const double trXZ = totXZ - s[%d];
				const double sr1 = s[%d] * (s[%d] - trXY);
				const double sr2 = s[%d] * (s[%d] - trXZ);
				const double srMag = sqrt(sr1 * sr1 + sr2 * sr2);

				s[%d] += sr1 * dt;
				s[%d] += sr2 * dt;
				s[%d] += srMag * dt;
				s[%d] = s[%d] - (s[%d] - s[%d]) * fmin(s[%d] / s[%d], 1.0);

				if (s[%d] == 0.0 && srMag > THRESHOLD) s[%d] = t0 + dt;
				if (s[%d] == 0.0 && s[%d] >= s[%d]) s[%d] = t0 + dt;
				if (srMag > s[%d]) s[%d] = srMag;

				s[%d] = trXY;
				s[%d] = trXZ;
				s[%d] = sr1;
				s[%d] = sr2;
				s[%d] = sigmaN;
			}
		}
	}
}
`

func kernelSource(name string, n int, threshold float64) string {
	blocks := (n + blockSize - 1) / blockSize
	return fmt.Sprintf(kernelTemplate,
		n, stride, blocks, blockSize, threshold, name,
		slotInitNormal, slotPredNormal,
		slotCohesion, slotMu,
		slotInitXY, slotPredXY,
		slotInitXZ, slotPredXZ,
		slotInitXY, slotInitXZ,
		slotInvEta, slotPredXY,
		slotInvEta, slotPredXZ,
		slotSlip1, slotSlip2, slotSlip,
		slotMu, slotMuS, slotMuS, slotMuD, slotSlip, slotDc,
		slotRuptureTime, slotRuptureTime,
		slotDynStressTime, slotSlip, slotDc, slotDynStressTime,
		slotPeakSlipRate, slotPeakSlipRate,
		slotTractionXY, slotTractionXZ, slotSlipRate1, slotSlipRate2, slotNormalStress,
	)
}

// SlipWeakening implements dr.FrictionLaw with one kernel launch per call.
// Kernels are compiled once per point count.
type SlipWeakening struct {
	RuptureThreshold float64

	mu     sync.Mutex
	runner *runner.Runner
	host   []float64
}

var _ dr.FrictionLaw = (*SlipWeakening)(nil)

// NewSlipWeakening binds the law to a device
func NewSlipWeakening(device *gocca.OCCADevice, threshold float64) *SlipWeakening {
	if threshold <= 0 {
		threshold = dr.DefaultRuptureThreshold
	}
	return &SlipWeakening{RuptureThreshold: threshold, runner: runner.NewRunner(device)}
}

func (sw *SlipWeakening) Name() string { return "linear-slip-weakening-occa" }

func (sw *SlipWeakening) Evaluate(fl *dr.FaultLayer, faces []int, step dr.StepInfo) error {
	n := len(faces) * fl.Points
	if n == 0 {
		return nil
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()

	name := fmt.Sprintf("slipWeakening_%d", n)
	if _, err := sw.runner.BuildKernel(kernelSource(name, n, sw.RuptureThreshold), name); err != nil {
		return err
	}
	mem, err := sw.runner.AllocateArray("state", n*stride)
	if err != nil {
		return err
	}
	if cap(sw.host) < n*stride {
		sw.host = make([]float64, n*stride)
	}
	host := sw.host[:n*stride]

	pack(fl, faces, host)
	if err := sw.runner.CopyToDevice("state", host); err != nil {
		return err
	}
	if err := sw.runner.RunKernel(name, mem, step.Dt, step.Time); err != nil {
		return err
	}
	if err := sw.runner.CopyFromDevice("state", host); err != nil {
		return err
	}
	return unpack(fl, faces, host)
}

// Free releases the device resources
func (sw *SlipWeakening) Free() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.runner.Free()
}

func pack(fl *dr.FaultLayer, faces []int, host []float64) {
	k := 0
	for _, f := range faces {
		for p := 0; p < fl.Points; p++ {
			i := fl.Index(f, p)
			s := host[k*stride : (k+1)*stride]
			s[slotInitNormal] = fl.InitialStress[i][0]
			s[slotInitXY] = fl.InitialStress[i][3]
			s[slotInitXZ] = fl.InitialStress[i][5]
			s[slotPredNormal] = fl.PredNormal[i]
			s[slotPredXY] = fl.PredXY[i]
			s[slotPredXZ] = fl.PredXZ[i]
			s[slotInvEta] = fl.InvEtaS[i]
			s[slotMuS] = fl.Params[i].MuS
			s[slotMuD] = fl.Params[i].MuD
			s[slotDc] = fl.Params[i].Dc
			s[slotCohesion] = fl.Params[i].Cohesion
			s[slotMu] = fl.Mu[i]
			s[slotSlip] = fl.Slip[i]
			s[slotSlip1] = fl.Slip1[i]
			s[slotSlip2] = fl.Slip2[i]
			s[slotRuptureTime] = fl.RuptureTime[i]
			s[slotDynStressTime] = fl.DynStressTime[i]
			s[slotPeakSlipRate] = fl.PeakSlipRate[i]
			k++
		}
	}
}

func unpack(fl *dr.FaultLayer, faces []int, host []float64) error {
	k := 0
	for _, f := range faces {
		for p := 0; p < fl.Points; p++ {
			i := fl.Index(f, p)
			s := host[k*stride : (k+1)*stride]
			for _, v := range s {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("fault face %d point %d: %w", fl.Faces[f].GlobalID, p, dr.ErrNonFinite)
				}
			}
			fl.Mu[i] = s[slotMu]
			fl.Slip[i] = s[slotSlip]
			fl.Slip1[i] = s[slotSlip1]
			fl.Slip2[i] = s[slotSlip2]
			fl.RuptureTime[i] = s[slotRuptureTime]
			fl.DynStressTime[i] = s[slotDynStressTime]
			fl.PeakSlipRate[i] = s[slotPeakSlipRate]
			fl.TractionXY[i] = s[slotTractionXY]
			fl.TractionXZ[i] = s[slotTractionXZ]
			fl.SlipRate1[i] = s[slotSlipRate1]
			fl.SlipRate2[i] = s[slotSlipRate2]
			fl.NormalStress[i] = s[slotNormalStress]
			k++
		}
	}
	return nil
}
