// Package meshsetup turns a tetrahedral mesh or a synthetic chain into the
// connectivity the partition layout is built from.
package meshsetup

import (
	"fmt"
	"math"

	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"github.com/notargets/seislts/kernels"
	"gonum.org/v1/gonum/spatial/r3"
)

// Vertices of each face, face f lies opposite of vertex faceOpposite[f]
var (
	faceVertices = [kernels.NumFaces][3]int{{0, 1, 2}, {0, 1, 3}, {1, 2, 3}, {0, 2, 3}}
	faceOpposite = [kernels.NumFaces]int{3, 2, 0, 1}
)

// TetMesh is the vertex description of a tetrahedral mesh
type TetMesh struct {
	Vertices []r3.Vec
	EToV     [][4]int
}

// NewTetMesh checks the vertex indices and rejects flat elements
func NewTetMesh(vertices []r3.Vec, etov [][4]int) (*TetMesh, error) {
	tm := &TetMesh{Vertices: vertices, EToV: etov}
	if len(etov) == 0 {
		return nil, fmt.Errorf("mesh has no tetrahedra")
	}
	for e, tet := range etov {
		for _, v := range tet {
			if v < 0 || v >= len(vertices) {
				return nil, fmt.Errorf("element %d: vertex %d out of range", e, v)
			}
		}
		if tm.Volume(e) <= 0 {
			return nil, fmt.Errorf("element %d is degenerate", e)
		}
	}
	return tm, nil
}

// LoadTetMesh reads a mesh file and keeps its tetrahedra. Other element
// types are dropped.
func LoadTetMesh(path string) (*TetMesh, error) {
	msh, err := readers.ReadMeshFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mesh %s: %w", path, err)
	}
	vertices := make([]r3.Vec, len(msh.Vertices))
	for i, v := range msh.Vertices {
		if len(v) < 3 {
			return nil, fmt.Errorf("mesh %s: vertex %d has %d coordinates", path, i, len(v))
		}
		vertices[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	var etov [][4]int
	for _, ev := range msh.EtoV {
		if len(ev) == 4 {
			etov = append(etov, [4]int{ev[0], ev[1], ev[2], ev[3]})
		}
	}
	tm, err := NewTetMesh(vertices, etov)
	if err != nil {
		return nil, fmt.Errorf("mesh %s: %w", path, err)
	}
	return tm, nil
}

// NumElements returns the tetrahedron count
func (tm *TetMesh) NumElements() int { return len(tm.EToV) }

func (tm *TetMesh) vertex(e, local int) r3.Vec {
	return tm.Vertices[tm.EToV[e][local]]
}

// Volume returns the unsigned volume of an element
func (tm *TetMesh) Volume(e int) float64 {
	a := tm.vertex(e, 0)
	ab := r3.Sub(tm.vertex(e, 1), a)
	ac := r3.Sub(tm.vertex(e, 2), a)
	ad := r3.Sub(tm.vertex(e, 3), a)
	return math.Abs(r3.Dot(ab, r3.Cross(ac, ad))) / 6
}

// FaceArea returns the area of a face
func (tm *TetMesh) FaceArea(e, f int) float64 {
	fv := faceVertices[f]
	a := tm.vertex(e, fv[0])
	return 0.5 * r3.Norm(r3.Cross(r3.Sub(tm.vertex(e, fv[1]), a), r3.Sub(tm.vertex(e, fv[2]), a)))
}

// Inradius is 3V over the surface area
func (tm *TetMesh) Inradius(e int) float64 {
	area := 0.0
	for f := 0; f < kernels.NumFaces; f++ {
		area += tm.FaceArea(e, f)
	}
	return 3 * tm.Volume(e) / area
}

// Centroid returns the vertex average of an element
func (tm *TetMesh) Centroid(e int) r3.Vec {
	var c r3.Vec
	for i := 0; i < 4; i++ {
		c = r3.Add(c, tm.vertex(e, i))
	}
	return r3.Scale(0.25, c)
}

// OutwardNormal returns the unit normal of a face pointing out of the element
func (tm *TetMesh) OutwardNormal(e, f int) r3.Vec {
	fv := faceVertices[f]
	a := tm.vertex(e, fv[0])
	n := r3.Cross(r3.Sub(tm.vertex(e, fv[1]), a), r3.Sub(tm.vertex(e, fv[2]), a))
	if r3.Dot(n, r3.Sub(tm.vertex(e, faceOpposite[f]), a)) > 0 {
		n = r3.Scale(-1, n)
	}
	return r3.Unit(n)
}

type faceID [3]int

func sortedFace(tet [4]int, f int) faceID {
	fv := faceVertices[f]
	k := faceID{tet[fv[0]], tet[fv[1]], tet[fv[2]]}
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
	if k[1] > k[2] {
		k[1], k[2] = k[2], k[1]
	}
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
	return k
}

// Connect matches faces sharing the same three vertices. Boundary faces point
// to the element itself.
func (tm *TetMesh) Connect() (etoe, etof [][]int, err error) {
	K := tm.NumElements()
	etoe = make([][]int, K)
	etof = make([][]int, K)
	type side struct{ elem, face int }
	open := make(map[faceID]side, 2*K)
	for e, tet := range tm.EToV {
		etoe[e] = []int{e, e, e, e}
		etof[e] = []int{0, 1, 2, 3}
		for f := 0; f < kernels.NumFaces; f++ {
			key := sortedFace(tet, f)
			other, found := open[key]
			if !found {
				open[key] = side{e, f}
				continue
			}
			if other.elem == e {
				return nil, nil, fmt.Errorf("element %d repeats a vertex", e)
			}
			if etoe[other.elem][other.face] != other.elem {
				return nil, nil, fmt.Errorf("face %v is shared by more than two elements", key)
			}
			etoe[e][f], etof[e][f] = other.elem, other.face
			etoe[other.elem][other.face], etof[other.elem][other.face] = e, f
		}
	}
	return etoe, etof, nil
}
