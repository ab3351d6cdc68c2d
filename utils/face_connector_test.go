package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to build connectivity arrays (EToE, EToF) from tet vertices
func buildConnectivity(K int, EToV [][]int) (EToE, EToF [][]int) {
	// Initialize with self-connections
	EToE = make([][]int, K)
	EToF = make([][]int, K)
	for e := 0; e < K; e++ {
		EToE[e] = make([]int, 4)
		EToF[e] = make([]int, 4)
		for f := 0; f < 4; f++ {
			EToE[e][f] = e
			EToF[e][f] = f
		}
	}

	// Face definitions for tetrahedron (which 3 vertices form each face)
	faceVertices := [][]int{
		{0, 1, 2},
		{0, 1, 3},
		{1, 2, 3},
		{0, 2, 3},
	}

	type faceSignature struct {
		elem int
		face int
	}
	faceMap := make(map[string]faceSignature)

	for e := 0; e < K; e++ {
		for f := 0; f < 4; f++ {
			v := make([]int, 3)
			for i := 0; i < 3; i++ {
				v[i] = EToV[e][faceVertices[f][i]]
			}
			// Sort vertices to create canonical face signature
			if v[0] > v[1] {
				v[0], v[1] = v[1], v[0]
			}
			if v[1] > v[2] {
				v[1], v[2] = v[2], v[1]
			}
			if v[0] > v[1] {
				v[0], v[1] = v[1], v[0]
			}
			key := fmt.Sprintf("%d-%d-%d", v[0], v[1], v[2])

			if existing, found := faceMap[key]; found {
				EToE[e][f] = existing.elem
				EToF[e][f] = existing.face
				EToE[existing.elem][existing.face] = e
				EToF[existing.elem][existing.face] = f
			} else {
				faceMap[key] = faceSignature{e, f}
			}
		}
	}
	return EToE, EToF
}

// chainMesh returns K tets where element e shares a face with e-1 and e+1
func chainMesh(K int) [][]int {
	EToV := make([][]int, K)
	for e := range EToV {
		EToV[e] = []int{e, e + 1, e + 2, e + 3}
	}
	return EToV
}

func TestFaceConnector_SingleRankHasNoRegions(t *testing.T) {
	EToE, _ := buildConnectivity(6, chainMesh(6))
	EToP := make([]int, 6)
	clusters := make([]int, 6)

	fc, err := NewFaceConnector(0, EToE, EToP, clusters)
	require.NoError(t, err)
	assert.Empty(t, fc.Regions)
	assert.NoError(t, fc.Verify())
}

func TestFaceConnector_TwoRanksTwoClusters(t *testing.T) {
	K := 8
	EToE, _ := buildConnectivity(K, chainMesh(K))
	EToP := []int{0, 0, 0, 0, 1, 1, 1, 1}
	clusters := []int{0, 0, 0, 1, 1, 1, 1, 1}

	var connectors []*FaceConnector
	for rank := 0; rank < 2; rank++ {
		fc, err := NewFaceConnector(rank, EToE, EToP, clusters)
		require.NoError(t, err)
		require.NoError(t, fc.Verify())
		connectors = append(connectors, fc)
	}

	// Chain neighbors of elements 3 and 4 cross the rank boundary
	r0 := connectors[0]
	require.Len(t, r0.Regions, 1)
	assert.Equal(t, RegionKey{Cluster: 1, Rank: 1, NeighborCluster: 1}, r0.Regions[0])
	assert.Contains(t, r0.PickIndices[0], 3)
	for _, e := range r0.PlaceIndices[0] {
		assert.Equal(t, 1, EToP[e])
	}

	assert.NoError(t, VerifySymmetry(connectors))
}

func TestFaceConnector_InputValidation(t *testing.T) {
	_, err := NewFaceConnector(0, nil, nil, nil)
	assert.Error(t, err)

	EToE, _ := buildConnectivity(3, chainMesh(3))
	_, err = NewFaceConnector(0, EToE, []int{0, 0}, []int{0, 0, 0})
	assert.Error(t, err)
	_, err = NewFaceConnector(0, EToE, []int{0, 0, 0}, []int{0})
	assert.Error(t, err)
}

func TestVerifySymmetry_DetectsMismatch(t *testing.T) {
	K := 6
	EToE, _ := buildConnectivity(K, chainMesh(K))
	EToP := []int{0, 0, 0, 1, 1, 1}
	clusters := make([]int, K)

	a, err := NewFaceConnector(0, EToE, EToP, clusters)
	require.NoError(t, err)
	b, err := NewFaceConnector(1, EToE, EToP, clusters)
	require.NoError(t, err)

	b.PlaceIndices[0] = b.PlaceIndices[0][:0]
	assert.Error(t, VerifySymmetry([]*FaceConnector{a, b}))
}
