// Package dr couples the two sides of fault faces through a friction law.
package dr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
)

var (
	// ErrDegenerateGeometry marks a fault face whose frame cannot be built
	ErrDegenerateGeometry = errors.New("degenerate fault geometry")
	// ErrNonFinite marks a friction law result containing NaN or Inf
	ErrNonFinite = errors.New("non-finite fault state")
)

// FrictionParameters are the per-point slip-weakening parameters
type FrictionParameters struct {
	MuS      float64 `yaml:"mu_s"`
	MuD      float64 `yaml:"mu_d"`
	Dc       float64 `yaml:"d_c"`
	Cohesion float64 `yaml:"cohesion"`
}

// Validate checks the parameter ranges
func (fp FrictionParameters) Validate() error {
	switch {
	case fp.MuS < 0 || fp.MuD < 0:
		return fmt.Errorf("negative friction coefficient mu_s=%g mu_d=%g", fp.MuS, fp.MuD)
	case fp.Dc <= 0:
		return fmt.Errorf("critical slip distance must be positive, got %g", fp.Dc)
	case fp.Cohesion < 0:
		return fmt.Errorf("negative cohesion %g", fp.Cohesion)
	}
	return nil
}

// PointInit is the initial state of one fault point
type PointInit struct {
	// Initial stress in the face frame: nn, t1t1, t2t2, nt1, t1t2, nt2
	InitialStress [6]float64
	Params        FrictionParameters
	Temperature   float64
	Pressure      float64
}

// InitFunc returns the initial state of a point of a face
type InitFunc func(face *partitions.FaultFace, point int) PointInit

// StepInfo identifies the update a coupler computes
type StepInfo struct {
	Step int64   // Full updates completed by the cluster
	Time float64 // Start of the step
	Dt   float64
}

// FaultLayer holds the persistent state of the fault faces of one cluster
// layer. Point arrays are indexed by face*Points+point.
type FaultLayer struct {
	mu sync.RWMutex

	Faces  []partitions.FaultFace
	Frames []*FaceFrame
	Points int

	Slip           []float64
	Slip1          []float64
	Slip2          []float64
	RuptureTime    []float64 // 0 until the point first slips
	DynStressTime  []float64 // 0 until slip reaches d_c
	PeakSlipRate   []float64
	Mu             []float64
	TractionXY     []float64 // Shear traction along t1, without initial stress
	TractionXZ     []float64
	SlipRate1      []float64
	SlipRate2      []float64
	NormalStress   []float64 // Effective normal stress, including initial stress
	NormalVelocity []float64 // Normal velocity jump, minus side relative to plus side

	InitialStress [][6]float64
	Params        []FrictionParameters
	Temperature   []float64
	Pressure      []float64

	// Predictor traction and impedance of each point, inputs of the friction law
	PredNormal []float64
	PredXY     []float64
	PredXZ     []float64
	InvEtaS    []float64

	// Time-integrated imposed states per point, consumed by the neighbor integrator
	ImposedPlus  [][]float64
	ImposedMinus [][]float64

	qPlus, qMinus [][]float64 // Time-averaged side states in the face frame
	impedances    []sideImpedance
	stamp         []int64

	// Update scratch, guarded by mu
	pending                 []int
	gatherPlus, gatherMinus [][]float64
}

type sideImpedance struct {
	zpP, zsP, zpM, zsM float64
}

func newRows(n int) [][]float64 {
	flat := make([]float64, n*kernels.NumQuantities)
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = flat[i*kernels.NumQuantities : (i+1)*kernels.NumQuantities]
	}
	return rows
}

// NewFaultLayer allocates the state of faces with points quadrature points
// each. A nil init leaves the state at zero with default parameters.
func NewFaultLayer(faces []partitions.FaultFace, points int, init InitFunc) (*FaultLayer, error) {
	if points <= 0 {
		return nil, fmt.Errorf("invalid fault point count %d", points)
	}
	n := len(faces) * points
	fl := &FaultLayer{
		Faces:          faces,
		Frames:         make([]*FaceFrame, len(faces)),
		Points:         points,
		Slip:           make([]float64, n),
		Slip1:          make([]float64, n),
		Slip2:          make([]float64, n),
		RuptureTime:    make([]float64, n),
		DynStressTime:  make([]float64, n),
		PeakSlipRate:   make([]float64, n),
		Mu:             make([]float64, n),
		TractionXY:     make([]float64, n),
		TractionXZ:     make([]float64, n),
		SlipRate1:      make([]float64, n),
		SlipRate2:      make([]float64, n),
		NormalStress:   make([]float64, n),
		NormalVelocity: make([]float64, n),
		InitialStress:  make([][6]float64, n),
		Params:         make([]FrictionParameters, n),
		Temperature:    make([]float64, n),
		Pressure:       make([]float64, n),
		PredNormal:     make([]float64, n),
		PredXY:         make([]float64, n),
		PredXZ:         make([]float64, n),
		InvEtaS:        make([]float64, n),
		ImposedPlus:    newRows(n),
		ImposedMinus:   newRows(n),
		qPlus:          newRows(n),
		qMinus:         newRows(n),
		impedances:     make([]sideImpedance, len(faces)),
		stamp:          make([]int64, len(faces)),
		pending:        make([]int, 0, len(faces)),
		gatherPlus:     newRows(points),
		gatherMinus:    newRows(points),
	}
	for f := range faces {
		face := &fl.Faces[f]
		frame, err := NewFaceFrame(face.Normal)
		if err != nil {
			return nil, fmt.Errorf("fault face %d: %w", face.GlobalID, err)
		}
		fl.Frames[f] = frame
		fl.stamp[f] = -1

		plus, minus := face.Plus.CellLocal.Material, face.Minus.CellLocal.Material
		if err := plus.Validate(); err != nil {
			return nil, fmt.Errorf("fault face %d plus side: %w", face.GlobalID, err)
		}
		if err := minus.Validate(); err != nil {
			return nil, fmt.Errorf("fault face %d minus side: %w", face.GlobalID, err)
		}
		fl.impedances[f] = sideImpedance{
			zpP: plus.Density * plus.PWaveSpeed(),
			zsP: plus.Density * plus.SWaveSpeed(),
			zpM: minus.Density * minus.PWaveSpeed(),
			zsM: minus.Density * minus.SWaveSpeed(),
		}

		for p := 0; p < points; p++ {
			i := f*points + p
			pi := PointInit{Params: DefaultFrictionParameters()}
			if init != nil {
				pi = init(face, p)
			}
			if err := pi.Params.Validate(); err != nil {
				return nil, fmt.Errorf("fault face %d point %d: %w", face.GlobalID, p, err)
			}
			fl.InitialStress[i] = pi.InitialStress
			fl.Params[i] = pi.Params
			fl.Mu[i] = pi.Params.MuS
			fl.Temperature[i] = pi.Temperature
			fl.Pressure[i] = pi.Pressure
			fl.NormalStress[i] = pi.InitialStress[0]
		}
	}
	return fl, nil
}

// DefaultFrictionParameters are typical crustal values
func DefaultFrictionParameters() FrictionParameters {
	return FrictionParameters{MuS: 0.677, MuD: 0.525, Dc: 0.4}
}

// NumFaces returns the number of faces of the layer
func (fl *FaultLayer) NumFaces() int {
	if fl == nil {
		return 0
	}
	return len(fl.Faces)
}

// Index returns the point array index of a face point
func (fl *FaultLayer) Index(face, point int) int {
	return face*fl.Points + point
}

// Imposed returns the imposed point states of a face for the given side
func (fl *FaultLayer) Imposed(face int, side partitions.FaultSide) [][]float64 {
	lo, hi := face*fl.Points, (face+1)*fl.Points
	if side == partitions.SideMinus {
		return fl.ImposedMinus[lo:hi:hi]
	}
	return fl.ImposedPlus[lo:hi:hi]
}

// ComputedAt returns the step the face was last updated for, -1 if never
func (fl *FaultLayer) ComputedAt(face int) int64 {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.stamp[face]
}

// Read runs fn while no coupler mutates the layer
func (fl *FaultLayer) Read(fn func() error) error {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fn()
}
