package partitions

import (
	"errors"
	"testing"

	"github.com/notargets/seislts/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testShape    = kernels.Shape{Basis: 4, Order: 3, FacePoints: 3}
	testMaterial = kernels.Material{Density: 2700, Lambda: 3e10, Mu: 3e10}
)

func buildRank(t *testing.T, mesh *MeshConnectivity, rank int) *Registry {
	t.Helper()
	lb := &LayoutBuilder{Mesh: mesh, Rank: rank, Shape: testShape, DefaultMaterial: testMaterial}
	reg, err := lb.Build()
	require.NoError(t, err)
	return reg
}

func TestBuild_GlobalTimeStepping(t *testing.T) {
	mesh := ChainMesh(5)
	reg := buildRank(t, mesh, 0)

	require.Len(t, reg.Clusters, 1)
	cd := reg.Clusters[0]
	assert.Equal(t, 5, cd.NumberOfCells())
	assert.Equal(t, 0, cd.Layers[Copy].NumCells())
	assert.Empty(t, cd.Structure.Regions)

	for i := range cd.Layers[Interior].Cells {
		c := &cd.Layers[Interior].Cells[i]
		assert.Equal(t, StorageBuffer, c.Storage)
		assert.Len(t, c.Buffer, testShape.Dofs())
		assert.Nil(t, c.Derivatives)
		assert.Nil(t, c.Accumulated)
		assert.Len(t, c.Dofs, testShape.Dofs())
		assert.NoError(t, c.Validate())
	}

	// Cell 2 reads the buffers of cells 1 and 3
	c2 := &cd.Layers[Interior].Cells[2]
	assert.Equal(t, ReadStepBuffer, c2.Faces[0].Read)
	assert.Equal(t, CellRef{Cluster: 0, Layer: Interior, Index: 1}, c2.Faces[0].Cell)
	assert.Equal(t, kernels.FaceFreeSurface, c2.Faces[2].Kind)
	assert.Equal(t, ReadNone, c2.Faces[2].Read)
}

func TestBuild_TwoClustersStorageExclusive(t *testing.T) {
	mesh := ChainMesh(6)
	mesh.ClusterOf = []int{0, 0, 0, 1, 1, 1}
	reg := buildRank(t, mesh, 0)
	require.Len(t, reg.Clusters, 2)

	ref2, ok := reg.Lookup(2)
	require.True(t, ok)
	ref3, ok := reg.Lookup(3)
	require.True(t, ok)
	c2 := reg.Cell(ref2)
	c3 := reg.Cell(ref3)

	assert.Equal(t, StorageLtsBuffer, c2.Storage)
	assert.Equal(t, StorageDerivatives, c3.Storage)
	assert.Len(t, c3.Derivatives, testShape.DerivativeSize())
	assert.Len(t, c2.Accumulated, testShape.Dofs())

	// The fast cell integrates the slow cell's derivatives over its sub-interval,
	// the slow cell reads the fast cell's accumulator
	assert.Equal(t, ReadDerivativesSubInterval, c2.Faces[1].Read)
	assert.Equal(t, ReadAccumulatedBuffer, c3.Faces[0].Read)

	// Every cell holds exactly one of buffer or derivatives
	for _, cd := range reg.Clusters {
		for _, l := range cd.Layers {
			for i := range l.Cells {
				c := &l.Cells[i]
				assert.NotEqual(t, c.Buffer != nil, c.Derivatives != nil, "cell %d", c.GlobalID)
			}
		}
	}
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	cases := []struct {
		name     string
		clusters []int
		fault    int
	}{
		{"faster and slower", []int{0, 1, 2, 2}, -1},
		{"two levels apart", []int{0, 2, 2, 2}, -1},
		{"fault across clusters", []int{0, 0, 1, 1}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mesh := ChainMesh(4)
			mesh.ClusterOf = tc.clusters
			if tc.fault >= 0 {
				mesh.AddFault(tc.fault, [3]float64{1, 0, 0})
			}
			lb := &LayoutBuilder{Mesh: mesh, Shape: testShape, DefaultMaterial: testMaterial}
			_, err := lb.Build()
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.GreaterOrEqual(t, ce.Cell, 0)
		})
	}
}

func TestBuild_FaultOnBoundaryRejected(t *testing.T) {
	mesh := ChainMesh(3)
	mesh.FaultFaces = []FaultFaceSpec{{Element: 0, Face: 2, Normal: [3]float64{0, 0, 1}}}
	lb := &LayoutBuilder{Mesh: mesh, Shape: testShape, DefaultMaterial: testMaterial}
	_, err := lb.Build()
	assert.Error(t, err)
}

func TestBuild_TwoRanksWithFault(t *testing.T) {
	mesh := ChainMesh(6)
	mesh.EToP = []int{0, 0, 0, 1, 1, 1}
	mesh.AddFault(2, [3]float64{1, 0, 0})

	regs, err := BuildAllRanks(mesh, testShape, testMaterial)
	require.NoError(t, err)
	require.Len(t, regs, 2)

	r0 := regs[0]
	cd := r0.Clusters[0]
	require.Equal(t, 1, cd.Layers[Copy].NumCells())
	assert.Equal(t, 2, cd.Layers[Copy].Cells[0].GlobalID)
	require.Len(t, cd.Structure.Regions, 1)
	region := cd.Structure.Regions[0]
	assert.Equal(t, 1, region.Rank)
	assert.Equal(t, []int{0}, region.CopyCells)
	assert.Equal(t, []SourceKind{ReadStepBuffer}, region.SendReads)
	require.Len(t, region.Slots, 1)
	assert.Equal(t, 3, region.Slots[0].GlobalID)
	assert.Len(t, region.Ghost, testShape.Dofs())

	// The fault face is computed on both ranks and owned by the plus side
	require.Len(t, cd.Faults[Copy], 1)
	ff := cd.Faults[Copy][0]
	assert.True(t, ff.Owned)
	assert.True(t, ff.Plus.Local)
	assert.False(t, ff.Minus.Local)
	assert.Equal(t, GhostRef{Region: 0, Slot: 0}, ff.Minus.Ghost)

	c2 := &cd.Layers[Copy].Cells[0]
	assert.Equal(t, kernels.FaceDynamicRupture, c2.Faces[1].Kind)
	assert.Equal(t, ReadFault, c2.Faces[1].Read)
	assert.True(t, c2.Faces[1].Remote)
	assert.Equal(t, FaultRef{Layer: Copy, Face: 0, Side: SidePlus}, c2.Faces[1].Fault)

	r1 := regs[1]
	ff1 := r1.Clusters[0].Faults[Copy][0]
	assert.False(t, ff1.Owned)
	assert.Equal(t, SideMinus, r1.Cell(ff1.Minus.Cell).Faces[0].Fault.Side)

	stats := r0.Statistics()
	assert.Equal(t, 3, stats.Cells)
	assert.Equal(t, 1, stats.CopyCells)
	assert.Equal(t, 1, stats.FaultFaces)
	assert.Equal(t, 3, stats.StorageByKind[StorageBuffer])
}

func TestBuild_RemoteDerivativesAreReceivedWhole(t *testing.T) {
	mesh := ChainMesh(4)
	mesh.EToP = []int{0, 0, 1, 1}
	mesh.ClusterOf = []int{0, 0, 1, 1}

	regs, err := BuildAllRanks(mesh, testShape, testMaterial)
	require.NoError(t, err)

	// Rank 0 owns the fast side and receives the slow cell's derivatives
	cd := regs[0].Clusters[0]
	region := cd.Structure.Regions[0]
	assert.Equal(t, 1, region.NeighborCluster)
	assert.Equal(t, ReadAccumulatedBuffer, region.SendReads[0])
	assert.Equal(t, ReadDerivativesOwnStep, region.Slots[0].Payload)
	assert.Len(t, region.Ghost, testShape.DerivativeSize())
	c1 := regs[0].Cell(CellRef{Cluster: 0, Layer: Copy, Index: 0})
	assert.Equal(t, ReadDerivativesSubInterval, c1.Faces[1].Read)

	// Rank 1 receives the accumulated buffer as a plain buffer
	slow := regs[1].Clusters[0]
	assert.Equal(t, 1, slow.GlobalID)
	assert.Equal(t, ReadStepBuffer, slow.Structure.Regions[0].Slots[0].Payload)
	assert.Equal(t, RegionTag(1, 0), slow.Structure.Regions[0].SendTag)
	assert.Equal(t, RegionTag(0, 1), slow.Structure.Regions[0].RecvTag)
}

func TestDecodeLtsSetup(t *testing.T) {
	cases := []struct {
		bits uint16
		want StorageKind
		ok   bool
	}{
		{1 << LtsBufferBit, StorageBuffer, true},
		{1<<LtsBufferBit | 1<<LtsAccumulateBit, StorageLtsBuffer, true},
		{1 << LtsDerivativeBit, StorageDerivatives, true},
		{1<<LtsBufferBit | 1<<LtsDerivativeBit, 0, false},
		{0, 0, false},
		{1 << LtsAccumulateBit, 0, false},
	}
	for _, tc := range cases {
		got, err := DecodeLtsSetup(7, tc.bits)
		if !tc.ok {
			assert.True(t, errors.Is(err, ErrInvalidLtsSetup), "bits %b", tc.bits)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
		back, err := DecodeLtsSetup(7, got.EncodeLtsSetup())
		require.NoError(t, err)
		assert.Equal(t, got, back)
	}
}

func TestBuild_LegacySetupMismatch(t *testing.T) {
	mesh := ChainMesh(2)
	mesh.LtsSetup = []uint16{1 << LtsDerivativeBit, 1 << LtsBufferBit}
	lb := &LayoutBuilder{Mesh: mesh, Shape: testShape, DefaultMaterial: testMaterial}
	_, err := lb.Build()
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestCellValidate(t *testing.T) {
	c := Cell{GlobalID: 1, Storage: StorageBuffer}
	assert.Error(t, c.Validate())
	c.Buffer = make([]float64, 3)
	assert.NoError(t, c.Validate())
	c.Derivatives = make([]float64, 9)
	assert.True(t, errors.Is(c.Validate(), ErrInvalidLtsSetup))
}

func TestPartitionedArray(t *testing.T) {
	pa := NewPartitionedArray([]int{2, 0, 3})
	assert.Equal(t, 5, pa.AllocatedSize)
	assert.Equal(t, 0, pa.Stride)
	assert.Len(t, pa.GetPartitionData(0), 2)
	assert.Nil(t, pa.GetPartitionData(1))
	assert.Len(t, pa.GetPartitionData(2), 3)
	assert.Nil(t, pa.GetPartitionData(3))

	uniform := NewPartitionedArray([]int{4, 4})
	assert.Equal(t, 4, uniform.Stride)
}
