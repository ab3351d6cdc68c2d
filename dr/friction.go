package dr

import (
	"fmt"
	"math"
)

// DefaultRuptureThreshold is the slip rate above which a point counts as ruptured
const DefaultRuptureThreshold = 1e-3

// FrictionLaw turns the predictor tractions of the given faces into admissible
// tractions and advances the fault state by one step. The coupler holds the
// layer's write lock while a law runs.
type FrictionLaw interface {
	Name() string
	Evaluate(layer *FaultLayer, faces []int, step StepInfo) error
}

// LinearSlipWeakening lowers the friction coefficient linearly from mu_s to
// mu_d over the critical slip distance d_c
type LinearSlipWeakening struct {
	RuptureThreshold float64
}

func (lsw *LinearSlipWeakening) Name() string { return "linear-slip-weakening" }

func (lsw *LinearSlipWeakening) threshold() float64 {
	if lsw.RuptureThreshold > 0 {
		return lsw.RuptureThreshold
	}
	return DefaultRuptureThreshold
}

func (lsw *LinearSlipWeakening) Evaluate(fl *FaultLayer, faces []int, step StepInfo) error {
	thr := lsw.threshold()
	for _, f := range faces {
		for p := 0; p < fl.Points; p++ {
			i := fl.Index(f, p)
			if _, err := slipWeakeningPoint(fl, i, step, thr, 0); err != nil {
				return fmt.Errorf("fault face %d point %d: %w", fl.Faces[f].GlobalID, p, err)
			}
		}
	}
	return nil
}

// ThermalPressurization adds frictional heating and the resulting pore
// pressure to slip weakening. Pressure from the previous step reduces the
// effective normal stress.
type ThermalPressurization struct {
	LinearSlipWeakening
	HeatCapacity   float64 // Volumetric heat capacity rho*c
	Pressurization float64 // Pore pressure increase per unit temperature
}

func (tp *ThermalPressurization) Name() string { return "thermal-pressurization" }

func (tp *ThermalPressurization) Evaluate(fl *FaultLayer, faces []int, step StepInfo) error {
	if tp.HeatCapacity <= 0 {
		return fmt.Errorf("thermal pressurization needs a positive heat capacity, got %g", tp.HeatCapacity)
	}
	thr := tp.threshold()
	for _, f := range faces {
		for p := 0; p < fl.Points; p++ {
			i := fl.Index(f, p)
			work, err := slipWeakeningPoint(fl, i, step, thr, fl.Pressure[i])
			if err != nil {
				return fmt.Errorf("fault face %d point %d: %w", fl.Faces[f].GlobalID, p, err)
			}
			dT := work * step.Dt / tp.HeatCapacity
			fl.Temperature[i] += dT
			fl.Pressure[i] += tp.Pressurization * dT
			if !finite(fl.Temperature[i], fl.Pressure[i]) {
				return fmt.Errorf("fault face %d point %d temperature: %w", fl.Faces[f].GlobalID, p, ErrNonFinite)
			}
		}
	}
	return nil
}

// slipWeakeningPoint updates one point and returns the frictional work rate.
// Compressive stress is negative; the pore pressure pf makes it less so.
func slipWeakeningPoint(fl *FaultLayer, i int, step StepInfo, threshold, pf float64) (float64, error) {
	init := &fl.InitialStress[i]
	par := &fl.Params[i]

	sigmaN := init[0] + fl.PredNormal[i] + pf
	strength := par.Cohesion - fl.Mu[i]*math.Min(sigmaN, 0)

	totXY := init[3] + fl.PredXY[i]
	totXZ := init[5] + fl.PredXZ[i]
	tracEla := math.Hypot(totXY, totXZ)
	if tracEla > strength {
		scale := strength / tracEla
		totXY *= scale
		totXZ *= scale
	}
	trXY := totXY - init[3]
	trXZ := totXZ - init[5]

	sr1 := fl.InvEtaS[i] * (fl.PredXY[i] - trXY)
	sr2 := fl.InvEtaS[i] * (fl.PredXZ[i] - trXZ)
	srMag := math.Hypot(sr1, sr2)

	fl.Slip1[i] += sr1 * step.Dt
	fl.Slip2[i] += sr2 * step.Dt
	fl.Slip[i] += srMag * step.Dt
	fl.Mu[i] = par.MuS - (par.MuS-par.MuD)*math.Min(fl.Slip[i]/par.Dc, 1)

	end := step.Time + step.Dt
	if fl.RuptureTime[i] == 0 && srMag > threshold {
		fl.RuptureTime[i] = end
	}
	if fl.DynStressTime[i] == 0 && fl.Slip[i] >= par.Dc {
		fl.DynStressTime[i] = end
	}
	fl.PeakSlipRate[i] = math.Max(fl.PeakSlipRate[i], srMag)

	fl.TractionXY[i] = trXY
	fl.TractionXZ[i] = trXZ
	fl.SlipRate1[i] = sr1
	fl.SlipRate2[i] = sr2
	fl.NormalStress[i] = sigmaN

	if !finite(trXY, trXZ, sr1, sr2, fl.Slip[i], fl.Mu[i], sigmaN) {
		return 0, ErrNonFinite
	}
	return math.Hypot(totXY, totXZ) * srMag, nil
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
