package kernels

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a reference kernel for the linear system dQ/dt = A(material) Q,
// applied independently to every basis coefficient. A is the elastic
// Jacobian along x scaled by -Wavenumber. Faces couple through a scalar
// penalty flux of strength Coupling. All four faces share one set of face
// operators.
type Linear struct {
	shape      Shape
	Wavenumber float64
	Coupling   float64

	faceInterp *mat.Dense // FacePoints x Basis
	faceProj   *mat.Dense // Basis x FacePoints, weighted least squares inverse

	scratch sync.Pool // *linearScratch, one per concurrent caller
}

type linearScratch struct {
	star   *mat.Dense // NumQuantities x NumQuantities
	volume *mat.Dense // NumQuantities x Basis
}

// NewLinear builds the reference kernel and its face operators
func NewLinear(shape Shape, wavenumber, coupling float64) (*Linear, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(wavenumber) || math.IsNaN(coupling) || coupling < 0 {
		return nil, fmt.Errorf("invalid linear kernel parameters: wavenumber=%g, coupling=%g",
			wavenumber, coupling)
	}
	lk := &Linear{
		shape:      shape,
		Wavenumber: wavenumber,
		Coupling:   coupling,
	}
	lk.buildFaceOperators()
	lk.scratch.New = func() any {
		return &linearScratch{
			star:   mat.NewDense(NumQuantities, NumQuantities, nil),
			volume: mat.NewDense(NumQuantities, shape.Basis, nil),
		}
	}
	return lk, nil
}

// Shape returns the DOF layout
func (lk *Linear) Shape() Shape { return lk.shape }

// buildFaceOperators creates the point interpolation matrix and its projection.
// Mode 0 is constant on the face, higher modes are damped cosines.
func (lk *Linear) buildFaceOperators() {
	np, nb := lk.shape.FacePoints, lk.shape.Basis
	lk.faceInterp = mat.NewDense(np, nb, nil)
	for p := 0; p < np; p++ {
		for b := 0; b < nb; b++ {
			if b == 0 {
				lk.faceInterp.Set(p, b, 1)
				continue
			}
			arg := math.Pi * float64(b) * (float64(p) + 0.5) / float64(np)
			lk.faceInterp.Set(p, b, math.Pow(0.5, float64(b))*math.Cos(arg))
		}
	}
	// Projection with equal point weights: row b = P[:,b] / (sum_p P[p,b]^2)
	lk.faceProj = mat.NewDense(nb, np, nil)
	for b := 0; b < nb; b++ {
		col := mat.Col(nil, b, lk.faceInterp)
		norm := floats.Dot(col, col)
		if norm == 0 {
			continue
		}
		for p := 0; p < np; p++ {
			lk.faceProj.Set(b, p, col[p]/norm)
		}
	}
}

// StarMatrix returns A for the given material
func (lk *Linear) StarMatrix(m Material) *mat.Dense {
	a := mat.NewDense(NumQuantities, NumQuantities, nil)
	lk.fillStar(a, m)
	return a
}

// fillStar sets the non-zero entries of A; all others stay untouched
func (lk *Linear) fillStar(a *mat.Dense, m Material) {
	k := -lk.Wavenumber
	lp2m := m.Lambda + 2*m.Mu
	rhoInv := 1 / m.Density
	a.Set(SigmaXX, VelocityU, -k*lp2m)
	a.Set(SigmaYY, VelocityU, -k*m.Lambda)
	a.Set(SigmaZZ, VelocityU, -k*m.Lambda)
	a.Set(SigmaXY, VelocityV, -k*m.Mu)
	a.Set(SigmaXZ, VelocityW, -k*m.Mu)
	a.Set(VelocityU, SigmaXX, -k*rhoInv)
	a.Set(VelocityV, SigmaXY, -k*rhoInv)
	a.Set(VelocityW, SigmaXZ, -k*rhoInv)
}

func (lk *Linear) view(data []float64) (*mat.Dense, error) {
	if len(data) != lk.shape.Dofs() {
		return nil, fmt.Errorf("state has length %d, want %d", len(data), lk.shape.Dofs())
	}
	return mat.NewDense(NumQuantities, lk.shape.Basis, data), nil
}

// Derivatives computes derivs[k] = A^k dofs
func (lk *Linear) Derivatives(cell *CellLocal, dofs []float64, derivs [][]float64) error {
	if len(derivs) != lk.shape.Order {
		return fmt.Errorf("got %d derivative slots, want %d", len(derivs), lk.shape.Order)
	}
	if len(derivs[0]) != len(dofs) {
		return fmt.Errorf("derivative slot has length %d, want %d", len(derivs[0]), len(dofs))
	}
	copy(derivs[0], dofs)
	sc := lk.scratch.Get().(*linearScratch)
	defer lk.scratch.Put(sc)
	a := sc.star
	lk.fillStar(a, cell.Material)
	for k := 1; k < len(derivs); k++ {
		prev, err := lk.view(derivs[k-1])
		if err != nil {
			return err
		}
		next, err := lk.view(derivs[k])
		if err != nil {
			return err
		}
		next.Mul(a, prev)
	}
	return CheckFinite(derivs[len(derivs)-1])
}

func (lk *Linear) coupledFaces(cell *CellLocal) int {
	n := 0
	for _, fk := range cell.Faces {
		switch fk {
		case FaceRegular, FacePeriodic, FaceDynamicRupture, FaceAbsorbing:
			n++
		}
	}
	return n
}

// LocalIntegral adds A*I minus the own-side penalty flux of every coupled face
func (lk *Linear) LocalIntegral(cell *CellLocal, integrated, dofs []float64) error {
	iv, err := lk.view(integrated)
	if err != nil {
		return err
	}
	if len(dofs) != len(integrated) {
		return fmt.Errorf("dofs have length %d, want %d", len(dofs), len(integrated))
	}
	sc := lk.scratch.Get().(*linearScratch)
	defer lk.scratch.Put(sc)
	lk.fillStar(sc.star, cell.Material)
	sc.volume.Mul(sc.star, iv)
	floats.Add(dofs, sc.volume.RawMatrix().Data)
	floats.AddScaled(dofs, -lk.Coupling*float64(lk.coupledFaces(cell)), integrated)
	return CheckFinite(dofs)
}

// NeighborIntegral adds the neighbor-side penalty flux of one face
func (lk *Linear) NeighborIntegral(cell *CellLocal, face int, neighbor, dofs []float64) error {
	if face < 0 || face >= NumFaces {
		return fmt.Errorf("face %d out of range", face)
	}
	if len(neighbor) != len(dofs) || len(dofs) != lk.shape.Dofs() {
		return fmt.Errorf("neighbor state has length %d, dofs %d, want %d",
			len(neighbor), len(dofs), lk.shape.Dofs())
	}
	floats.AddScaled(dofs, lk.Coupling, neighbor)
	return CheckFinite(dofs)
}

// DynamicRuptureIntegral projects the imposed point states onto the basis and
// adds them as the face flux. The projection does not depend on face.
func (lk *Linear) DynamicRuptureIntegral(cell *CellLocal, face int, imposed [][]float64, dofs []float64) error {
	if face < 0 || face >= NumFaces {
		return fmt.Errorf("face %d out of range", face)
	}
	if len(imposed) != lk.shape.FacePoints {
		return fmt.Errorf("got %d imposed points, want %d", len(imposed), lk.shape.FacePoints)
	}
	if len(dofs) != lk.shape.Dofs() {
		return fmt.Errorf("dofs have length %d, want %d", len(dofs), lk.shape.Dofs())
	}
	for p, row := range imposed {
		if len(row) != NumQuantities {
			return fmt.Errorf("imposed point %d has %d quantities", p, len(row))
		}
	}
	nb := lk.shape.Basis
	for q := 0; q < NumQuantities; q++ {
		for b := 0; b < nb; b++ {
			var mode float64
			for p, row := range imposed {
				mode += lk.faceProj.At(b, p) * row[q]
			}
			dofs[q*nb+b] += lk.Coupling * mode
		}
	}
	return CheckFinite(dofs)
}

// InterpolateFace evaluates the state at the face points. The reference
// operators are identical for every face; face is only range checked.
func (lk *Linear) InterpolateFace(cell *CellLocal, face int, state []float64, out [][]float64) error {
	if face < 0 || face >= NumFaces {
		return fmt.Errorf("face %d out of range", face)
	}
	if len(state) != lk.shape.Dofs() {
		return fmt.Errorf("state has length %d, want %d", len(state), lk.shape.Dofs())
	}
	if len(out) != lk.shape.FacePoints {
		return fmt.Errorf("got %d output points, want %d", len(out), lk.shape.FacePoints)
	}
	nb := lk.shape.Basis
	for p, row := range out {
		if len(row) != NumQuantities {
			return fmt.Errorf("output point %d has %d quantities", p, len(row))
		}
		for q := 0; q < NumQuantities; q++ {
			var v float64
			for b := 0; b < nb; b++ {
				v += lk.faceInterp.At(p, b) * state[q*nb+b]
			}
			row[q] = v
		}
	}
	return nil
}

// Flops implements FlopModel with dense matrix operation counts
func (lk *Linear) Flops(part ComputePart, cell *CellLocal) FlopCount {
	nq, nb := int64(NumQuantities), int64(lk.shape.Basis)
	matVec := 2 * nq * nq * nb
	padded := 2 * nq * nq * ((nb + 7) / 8 * 8)
	switch part {
	case LocalInterior, LocalCopy:
		n := int64(lk.shape.Order)
		integrate := 2 * n * nq * nb
		return FlopCount{
			NonZero:  (n-1)*matVec + integrate + matVec + 2*nq*nb,
			Hardware: (n-1)*padded + integrate + padded + 2*nq*nb,
		}
	case NeighborInterior, NeighborCopy:
		faces := int64(0)
		if cell != nil {
			for _, fk := range cell.Faces {
				if fk.CouplesToNeighbor() {
					faces++
				}
			}
		}
		return FlopCount{NonZero: faces * 2 * nq * nb, Hardware: faces * 2 * nq * nb}
	case DRNeighborInterior, DRNeighborCopy:
		np := int64(lk.shape.FacePoints)
		return FlopCount{NonZero: 2*nb*np*nq + 2*nq*nb, Hardware: 2*nb*np*nq + 2*nq*nb}
	case DRFrictionLawInterior, DRFrictionLawCopy:
		np := int64(lk.shape.FacePoints)
		return FlopCount{NonZero: 60 * np, Hardware: 60 * np}
	case PlasticityCheck:
		return FlopCount{NonZero: 30, Hardware: 30}
	case PlasticityYield:
		return FlopCount{NonZero: 6 * 3 * nb, Hardware: 6 * 3 * nb}
	}
	return FlopCount{}
}
