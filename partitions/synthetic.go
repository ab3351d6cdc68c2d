package partitions

import "github.com/notargets/seislts/kernels"

// ChainMesh returns the connectivity of K cells in a row: face 0 of element e
// touches face 1 of element e-1, faces 2 and 3 are domain boundaries. All
// cells start on rank 0 in cluster 0.
func ChainMesh(K int) *MeshConnectivity {
	m := &MeshConnectivity{
		NumElements: K,
		EToE:        make([][]int, K),
		EToF:        make([][]int, K),
		EToP:        make([]int, K),
		ClusterOf:   make([]int, K),
	}
	for e := 0; e < K; e++ {
		m.EToE[e] = []int{e, e, e, e}
		m.EToF[e] = []int{0, 1, 2, 3}
		if e > 0 {
			m.EToE[e][0] = e - 1
			m.EToF[e][0] = 1
		}
		if e < K-1 {
			m.EToE[e][1] = e + 1
			m.EToF[e][1] = 0
		}
	}
	return m
}

// AddFault declares the face between element e and e+1 of a chain as a fault
// with the given normal
func (m *MeshConnectivity) AddFault(e int, normal [3]float64) {
	m.FaultFaces = append(m.FaultFaces, FaultFaceSpec{Element: e, Face: 1, Normal: normal})
}

// SetBoundary overrides the kind of boundary faces 2 and 3 of every element
func (m *MeshConnectivity) SetBoundary(kind kernels.FaceKind) {
	m.BoundaryKinds = make([][]kernels.FaceKind, m.NumElements)
	for e := range m.BoundaryKinds {
		m.BoundaryKinds[e] = []kernels.FaceKind{kind, kind, kind, kind}
	}
}
