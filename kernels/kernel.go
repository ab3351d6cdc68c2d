package kernels

import (
	"errors"
	"fmt"
	"math"
)

// Quantity indices within a basis coefficient block
const (
	SigmaXX = iota
	SigmaYY
	SigmaZZ
	SigmaXY
	SigmaYZ
	SigmaXZ
	VelocityU
	VelocityV
	VelocityW

	NumQuantities
)

// NumFaces is the face count of a tetrahedral cell
const NumFaces = 4

// ErrNonFinite is returned when a kernel produces NaN or Inf values
var ErrNonFinite = errors.New("non-finite value")

// FaceKind tells the integrators how a cell face couples to its surroundings
type FaceKind uint8

const (
	FaceRegular        FaceKind = iota // Neighbor cell on this or another rank
	FaceFreeSurface                    // Boundary, traction free
	FaceAbsorbing                      // Boundary, outflow
	FaceDynamicRupture                 // Fault face, flux imposed by the rupture coupler
	FaceOutsideDomain                  // No contribution at all
	FacePeriodic                       // Regular coupling across a periodic boundary
)

func (fk FaceKind) String() string {
	switch fk {
	case FaceRegular:
		return "regular"
	case FaceFreeSurface:
		return "free-surface"
	case FaceAbsorbing:
		return "absorbing"
	case FaceDynamicRupture:
		return "dynamic-rupture"
	case FaceOutsideDomain:
		return "outside"
	case FacePeriodic:
		return "periodic"
	}
	return fmt.Sprintf("FaceKind(%d)", uint8(fk))
}

// CouplesToNeighbor reports whether the neighbor integrator reads neighbor data through this face
func (fk FaceKind) CouplesToNeighbor() bool {
	return fk == FaceRegular || fk == FacePeriodic
}

// Material holds the isotropic elastic parameters of a cell
type Material struct {
	Density float64
	Lambda  float64
	Mu      float64
}

// PWaveSpeed returns sqrt((lambda+2mu)/rho)
func (m Material) PWaveSpeed() float64 {
	return math.Sqrt((m.Lambda + 2*m.Mu) / m.Density)
}

// SWaveSpeed returns sqrt(mu/rho)
func (m Material) SWaveSpeed() float64 {
	return math.Sqrt(m.Mu / m.Density)
}

// Validate rejects non-physical parameters
func (m Material) Validate() error {
	if !(m.Density > 0) {
		return fmt.Errorf("density must be positive, got %g", m.Density)
	}
	if !(m.Mu >= 0) || !(m.Lambda+2*m.Mu > 0) {
		return fmt.Errorf("invalid Lame parameters lambda=%g mu=%g", m.Lambda, m.Mu)
	}
	return nil
}

// CellLocal is the per-cell information the kernels need: material and face kinds
type CellLocal struct {
	Material Material
	Faces    [NumFaces]FaceKind
}

// Shape describes the DOF layout shared by all cells of a run
type Shape struct {
	Basis      int // Basis functions per quantity
	Order      int // Number of Taylor terms (derivative 0 .. Order-1)
	FacePoints int // Quadrature points per face
}

// Dofs returns the DOF count of one cell
func (s Shape) Dofs() int { return NumQuantities * s.Basis }

// DerivativeSize returns the length of a cell's flattened derivative storage
func (s Shape) DerivativeSize() int { return s.Order * s.Dofs() }

// Validate checks the layout is usable
func (s Shape) Validate() error {
	if s.Basis <= 0 || s.Order <= 0 || s.FacePoints <= 0 {
		return fmt.Errorf("invalid shape: Basis=%d, Order=%d, FacePoints=%d",
			s.Basis, s.Order, s.FacePoints)
	}
	return nil
}

// Kernel is the numerical collaborator of the integrators.
// DOF arrays are quantity-major: value (q, b) lives at q*Basis+b.
type Kernel interface {
	Shape() Shape

	// Derivatives fills derivs[k] with the k-th time derivative, derivs[0] = dofs
	Derivatives(cell *CellLocal, dofs []float64, derivs [][]float64) error

	// LocalIntegral adds the volume and local boundary contributions of the
	// time-integrated state to dofs
	LocalIntegral(cell *CellLocal, integrated, dofs []float64) error

	// NeighborIntegral adds the flux through one regular face given the
	// neighbor's time-integrated state
	NeighborIntegral(cell *CellLocal, face int, neighbor, dofs []float64) error

	// DynamicRuptureIntegral adds the flux through a fault face from the
	// time-integrated imposed state at each face point
	DynamicRuptureIntegral(cell *CellLocal, face int, imposed [][]float64, dofs []float64) error

	// InterpolateFace evaluates a cell state at the face quadrature points
	InterpolateFace(cell *CellLocal, face int, state []float64, out [][]float64) error
}

// CheckFinite returns ErrNonFinite if any value is NaN or Inf
func CheckFinite(values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("index %d: %w", i, ErrNonFinite)
		}
	}
	return nil
}

// NewDerivativeScratch allocates Order views of Dofs values each
func NewDerivativeScratch(s Shape) [][]float64 {
	return SplitDerivatives(make([]float64, s.DerivativeSize()), s)
}

// SplitDerivatives views flat derivative storage as Order slices
func SplitDerivatives(flat []float64, s Shape) [][]float64 {
	n := s.Dofs()
	views := make([][]float64, s.Order)
	for k := range views {
		views[k] = flat[k*n : (k+1)*n]
	}
	return views
}

// NewFaceScratch allocates FacePoints rows of NumQuantities values
func NewFaceScratch(s Shape) [][]float64 {
	flat := make([]float64, s.FacePoints*NumQuantities)
	rows := make([][]float64, s.FacePoints)
	for p := range rows {
		rows[p] = flat[p*NumQuantities : (p+1)*NumQuantities]
	}
	return rows
}
