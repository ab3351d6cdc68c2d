package dr

import (
	"fmt"
	"math"

	"github.com/notargets/seislts/kernels"
	"gonum.org/v1/gonum/floats"
)

// Fault-aligned quantity indices. The frame axes are the normal n and the
// tangents t1, t2; the layout matches kernels' quantity order.
const (
	IdxNormal = kernels.SigmaXX // n.S.n
	IdxShear1 = kernels.SigmaXY // n.S.t1
	IdxShear2 = kernels.SigmaXZ // n.S.t2
	IdxVelN   = kernels.VelocityU
	IdxVelT1  = kernels.VelocityV
	IdxVelT2  = kernels.VelocityW
)

// FaceFrame is the orthonormal coordinate frame of one fault face
type FaceFrame struct {
	Normal   [3]float64
	Tangent1 [3]float64
	Tangent2 [3]float64
	Strike   [3]float64
	Dip      [3]float64

	rot, rotT [3][3]float64 // Rows n, t1, t2 and its transpose
}

// NewFaceFrame builds the frame from a face normal. A normal of zero length
// returns ErrDegenerateGeometry.
func NewFaceFrame(normal [3]float64) (*FaceFrame, error) {
	n := normal[:]
	length := floats.Norm(n, 2)
	if length == 0 || math.IsNaN(length) || math.IsInf(length, 0) {
		return nil, fmt.Errorf("normal %v: %w", normal, ErrDegenerateGeometry)
	}
	ff := &FaceFrame{}
	floats.ScaleTo(ff.Normal[:], 1/length, n)

	a := [3]float64{1, 0, 0}
	if math.Abs(ff.Normal[0]) >= 0.9 {
		a = [3]float64{0, 1, 0}
	}
	copy(ff.Tangent1[:], a[:])
	floats.AddScaled(ff.Tangent1[:], -floats.Dot(a[:], ff.Normal[:]), ff.Normal[:])
	floats.Scale(1/floats.Norm(ff.Tangent1[:], 2), ff.Tangent1[:])
	ff.Tangent2 = cross(ff.Normal, ff.Tangent1)

	// Strike is horizontal, dip points along the fault downwards
	ff.Strike = cross([3]float64{0, 0, 1}, ff.Normal)
	if s := floats.Norm(ff.Strike[:], 2); s < 1e-12 {
		ff.Strike = ff.Tangent1
	} else {
		floats.Scale(1/s, ff.Strike[:])
	}
	ff.Dip = cross(ff.Normal, ff.Strike)

	ff.rot = [3][3]float64{ff.Normal, ff.Tangent1, ff.Tangent2}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ff.rotT[i][j] = ff.rot[j][i]
		}
	}
	return ff, nil
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// rotate writes m S m^T and m v for the stress S and velocity v of q
func rotate(m *[3][3]float64, q, out []float64) {
	s := [3][3]float64{
		{q[kernels.SigmaXX], q[kernels.SigmaXY], q[kernels.SigmaXZ]},
		{q[kernels.SigmaXY], q[kernels.SigmaYY], q[kernels.SigmaYZ]},
		{q[kernels.SigmaXZ], q[kernels.SigmaYZ], q[kernels.SigmaZZ]},
	}
	v := [3]float64{q[kernels.VelocityU], q[kernels.VelocityV], q[kernels.VelocityW]}

	var ms, r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				ms[i][j] += m[i][k] * s[k][j]
			}
		}
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r[i][j] += ms[i][k] * m[j][k]
			}
		}
	}
	out[kernels.SigmaXX] = r[0][0]
	out[kernels.SigmaYY] = r[1][1]
	out[kernels.SigmaZZ] = r[2][2]
	out[kernels.SigmaXY] = r[0][1]
	out[kernels.SigmaYZ] = r[1][2]
	out[kernels.SigmaXZ] = r[0][2]
	for i := 0; i < 3; i++ {
		out[kernels.VelocityU+i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
}

// ToFault rotates a point state from mesh coordinates into the face frame
func (ff *FaceFrame) ToFault(q, out []float64) {
	rotate(&ff.rot, q, out)
}

// ToMesh rotates a fault-frame state back into mesh coordinates
func (ff *FaceFrame) ToMesh(q, out []float64) {
	rotate(&ff.rotT, q, out)
}

// StrikeDip projects a tangential vector given in (t1, t2) onto strike and dip
func (ff *FaceFrame) StrikeDip(c1, c2 float64) (strike, dip float64) {
	var v [3]float64
	floats.AddScaled(v[:], c1, ff.Tangent1[:])
	floats.AddScaled(v[:], c2, ff.Tangent2[:])
	return floats.Dot(v[:], ff.Strike[:]), floats.Dot(v[:], ff.Dip[:])
}
