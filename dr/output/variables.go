package output

import (
	"fmt"
	"strings"

	"github.com/notargets/seislts/dr"
)

// Variable is a group of output fields computed from the fault state
type Variable int

const (
	SlipRate Variable = iota
	TransientTractions
	FrictionCoefficient
	RuptureTime
	NormalVelocity
	AccumulatedSlip
	TotalTractions
	RuptureVelocity
	PeakSlipRate
	DynamicStressTime
	Slip
	ThermalPressurization

	NumVariables
)

var variableNames = [NumVariables]string{
	SlipRate:              "slip_rate",
	TransientTractions:    "transient_tractions",
	FrictionCoefficient:   "friction_coefficient",
	RuptureTime:           "rupture_time",
	NormalVelocity:        "normal_velocity",
	AccumulatedSlip:       "accumulated_slip",
	TotalTractions:        "total_tractions",
	RuptureVelocity:       "rupture_velocity",
	PeakSlipRate:          "peak_slip_rate",
	DynamicStressTime:     "dynamic_stress_time",
	Slip:                  "slip",
	ThermalPressurization: "thermal_pressurization",
}

// Column labels of each variable, strike/dip/normal components in that order
var variableLabels = [NumVariables][]string{
	SlipRate:              {"SRs", "SRd"},
	TransientTractions:    {"T_s", "T_d", "P_n"},
	FrictionCoefficient:   {"Mud"},
	RuptureTime:           {"RT"},
	NormalVelocity:        {"u_n"},
	AccumulatedSlip:       {"ASl"},
	TotalTractions:        {"Ts0", "Td0", "Pn0"},
	RuptureVelocity:       {"Vr"},
	PeakSlipRate:          {"PSR"},
	DynamicStressTime:     {"DS"},
	Slip:                  {"Sls", "Sld"},
	ThermalPressurization: {"Th", "Pf"},
}

func (v Variable) String() string {
	if v < 0 || v >= NumVariables {
		return fmt.Sprintf("Variable(%d)", int(v))
	}
	return variableNames[v]
}

// Dim is the number of columns the variable writes
func (v Variable) Dim() int { return len(variableLabels[v]) }

// Mask selects the variables written by a recorder
type Mask [NumVariables]bool

// AllVariables enables every variable
func AllVariables() Mask {
	var m Mask
	for i := range m {
		m[i] = true
	}
	return m
}

// ParseMask enables the named variables. An empty list enables all of them.
func ParseMask(names []string) (Mask, error) {
	if len(names) == 0 {
		return AllVariables(), nil
	}
	var m Mask
	for _, name := range names {
		found := false
		for v, known := range variableNames {
			if strings.EqualFold(strings.TrimSpace(name), known) {
				m[v] = true
				found = true
				break
			}
		}
		if !found {
			return Mask{}, fmt.Errorf("unknown fault output variable %q", name)
		}
	}
	return m, nil
}

// Labels lists the column labels of the enabled variables
func (m Mask) Labels() []string {
	var labels []string
	for v, on := range m {
		if on {
			labels = append(labels, variableLabels[v]...)
		}
	}
	return labels
}

// Width is the number of columns of the enabled variables
func (m Mask) Width() int {
	n := 0
	for v, on := range m {
		if on {
			n += Variable(v).Dim()
		}
	}
	return n
}

// evaluate appends the enabled variables of one fault point to out.
// The caller holds the layer's read lock.
func (m Mask) evaluate(fl *dr.FaultLayer, face, point int, out []float64) []float64 {
	i := fl.Index(face, point)
	frame := fl.Frames[face]
	init := &fl.InitialStress[i]

	for v, on := range m {
		if !on {
			continue
		}
		switch Variable(v) {
		case SlipRate:
			s, d := frame.StrikeDip(fl.SlipRate1[i], fl.SlipRate2[i])
			out = append(out, s, d)
		case TransientTractions:
			s, d := frame.StrikeDip(fl.TractionXY[i], fl.TractionXZ[i])
			out = append(out, s, d, fl.NormalStress[i]-init[0])
		case FrictionCoefficient:
			out = append(out, fl.Mu[i])
		case RuptureTime:
			out = append(out, fl.RuptureTime[i])
		case NormalVelocity:
			out = append(out, fl.NormalVelocity[i])
		case AccumulatedSlip:
			out = append(out, fl.Slip[i])
		case TotalTractions:
			s, d := frame.StrikeDip(fl.TractionXY[i]+init[3], fl.TractionXZ[i]+init[5])
			out = append(out, s, d, fl.NormalStress[i])
		case RuptureVelocity:
			// Needs the rupture front gradient over the face, not computed
			out = append(out, 0)
		case PeakSlipRate:
			out = append(out, fl.PeakSlipRate[i])
		case DynamicStressTime:
			out = append(out, fl.DynStressTime[i])
		case Slip:
			s, d := frame.StrikeDip(fl.Slip1[i], fl.Slip2[i])
			out = append(out, s, d)
		case ThermalPressurization:
			out = append(out, fl.Temperature[i], fl.Pressure[i])
		}
	}
	return out
}
