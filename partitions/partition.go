package partitions

import (
	"errors"
	"fmt"

	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/plasticity"
)

// StorageKind selects what a cell keeps of its time prediction for its neighbors
type StorageKind uint8

const (
	StorageBuffer      StorageKind = iota // Time-integrated state of the current step (GTS)
	StorageLtsBuffer                      // Step integral plus an accumulator over the slower neighbor's interval
	StorageDerivatives                    // Full Taylor expansion, integrated by faster neighbors
)

func (sk StorageKind) String() string {
	switch sk {
	case StorageBuffer:
		return "buffer"
	case StorageLtsBuffer:
		return "lts-buffer"
	case StorageDerivatives:
		return "derivatives"
	}
	return fmt.Sprintf("StorageKind(%d)", uint8(sk))
}

// Legacy LTS setup bits
const (
	LtsBufferBit     = 8
	LtsDerivativeBit = 9
	LtsAccumulateBit = 10
)

// ErrInvalidLtsSetup is returned for a cell that requests both or neither of buffers and derivatives
var ErrInvalidLtsSetup = errors.New("invalid LTS setup")

// DecodeLtsSetup converts the legacy bit field of one cell into a StorageKind
func DecodeLtsSetup(cell int, bits uint16) (StorageKind, error) {
	buffers := bits&(1<<LtsBufferBit) != 0
	derivatives := bits&(1<<LtsDerivativeBit) != 0
	accumulate := bits&(1<<LtsAccumulateBit) != 0
	switch {
	case buffers && derivatives:
		return 0, fmt.Errorf("cell %d requests both buffers and derivatives: %w", cell, ErrInvalidLtsSetup)
	case !buffers && !derivatives:
		return 0, fmt.Errorf("cell %d requests neither buffers nor derivatives: %w", cell, ErrInvalidLtsSetup)
	case derivatives:
		return StorageDerivatives, nil
	case accumulate:
		return StorageLtsBuffer, nil
	}
	return StorageBuffer, nil
}

// EncodeLtsSetup returns the legacy bit field for a storage kind
func (sk StorageKind) EncodeLtsSetup() uint16 {
	switch sk {
	case StorageDerivatives:
		return 1 << LtsDerivativeBit
	case StorageLtsBuffer:
		return 1<<LtsBufferBit | 1<<LtsAccumulateBit
	}
	return 1 << LtsBufferBit
}

// LayerKind separates cells that touch another rank from those that do not
type LayerKind uint8

const (
	Interior LayerKind = iota
	Copy

	NumLayers
)

func (lk LayerKind) String() string {
	if lk == Copy {
		return "copy"
	}
	return "interior"
}

// ConfigError identifies the cell or face responsible for a setup failure
type ConfigError struct {
	Cluster int
	Cell    int // Global element id
	Face    int // -1 when the whole cell is at fault
	Reason  string
}

func (ce *ConfigError) Error() string {
	if ce.Face >= 0 {
		return fmt.Sprintf("cluster %d cell %d face %d: %s", ce.Cluster, ce.Cell, ce.Face, ce.Reason)
	}
	return fmt.Sprintf("cluster %d cell %d: %s", ce.Cluster, ce.Cell, ce.Reason)
}

// SourceKind says how the neighbor integrator reads the data behind a face
type SourceKind uint8

const (
	ReadNone                   SourceKind = iota
	ReadStepBuffer                        // Buffer of the current step, or a received buffer
	ReadAccumulatedBuffer                 // LTS accumulator of a faster neighbor
	ReadDerivativesOwnStep                // Integrate derivatives over [0, dt]
	ReadDerivativesSubInterval            // Integrate a slower neighbor's derivatives over [subTimeStart, subTimeStart+dt]
	ReadFault                             // Imposed state from the rupture coupler
)

func (sk SourceKind) String() string {
	switch sk {
	case ReadNone:
		return "none"
	case ReadStepBuffer:
		return "step-buffer"
	case ReadAccumulatedBuffer:
		return "accumulated-buffer"
	case ReadDerivativesOwnStep:
		return "derivatives-own-step"
	case ReadDerivativesSubInterval:
		return "derivatives-sub-interval"
	case ReadFault:
		return "fault"
	}
	return fmt.Sprintf("SourceKind(%d)", uint8(sk))
}

// CellRef locates a cell inside the arenas of this rank
type CellRef struct {
	Cluster int // Local cluster id
	Layer   LayerKind
	Index   int
}

// GhostRef locates a received cell inside a cluster's ghost regions
type GhostRef struct {
	Region int
	Slot   int
}

// FaultSide selects one side of a fault face
type FaultSide uint8

const (
	SidePlus FaultSide = iota
	SideMinus
)

// FaultRef locates the coupler state feeding a fault face
type FaultRef struct {
	Layer LayerKind
	Face  int // Index into ClusterData.Faults[Layer]
	Side  FaultSide
}

// FaceSource is the per-face dispatch entry, decoded once at setup
type FaceSource struct {
	Kind         kernels.FaceKind
	Read         SourceKind
	Remote       bool
	Cell         CellRef  // Valid for local neighbors
	Ghost        GhostRef // Valid for remote neighbors
	Fault        FaultRef // Valid for dynamic rupture faces
	NeighborFace int
}

// Cell holds the per-cell data views into its layer's arenas
type Cell struct {
	GlobalID int
	Local    kernels.CellLocal
	Storage  StorageKind
	Faces    [kernels.NumFaces]FaceSource

	Dofs        []float64
	Buffer      []float64 // Step integral, nil for derivative cells
	Accumulated []float64 // LTS accumulator, nil unless StorageLtsBuffer
	Derivatives []float64 // Flattened Taylor terms, nil unless StorageDerivatives

	Plasticity    *plasticity.Parameters
	PlasticStrain []float64
}

// Validate checks that exactly one of buffer or derivatives is present
func (c *Cell) Validate() error {
	hasBuffer := len(c.Buffer) > 0
	hasDerivs := len(c.Derivatives) > 0
	if hasBuffer == hasDerivs {
		return fmt.Errorf("cell %d: buffer present=%t, derivatives present=%t: %w",
			c.GlobalID, hasBuffer, hasDerivs, ErrInvalidLtsSetup)
	}
	switch c.Storage {
	case StorageDerivatives:
		if !hasDerivs || c.Accumulated != nil {
			return fmt.Errorf("cell %d: derivative storage without derivatives: %w", c.GlobalID, ErrInvalidLtsSetup)
		}
	case StorageLtsBuffer:
		if len(c.Accumulated) != len(c.Buffer) {
			return fmt.Errorf("cell %d: lts buffer without accumulator: %w", c.GlobalID, ErrInvalidLtsSetup)
		}
	case StorageBuffer:
		if c.Accumulated != nil {
			return fmt.Errorf("cell %d: gts buffer with accumulator: %w", c.GlobalID, ErrInvalidLtsSetup)
		}
	}
	return nil
}

// HasFault reports whether any face of the cell is a dynamic rupture face
func (c *Cell) HasFault() bool {
	for _, f := range c.Faces {
		if f.Kind == kernels.FaceDynamicRupture {
			return true
		}
	}
	return false
}

// PartitionedArray represents per-cell data of variable size in one contiguous arena
type PartitionedArray struct {
	// Contiguous storage: [Cell 0 Data][Cell 1 Data]...[Cell N-1 Data]
	GlobalData []float64

	// Cell i's data is GlobalData[Offsets[i]:Offsets[i+1]]
	Offsets []int

	// Values per cell for uniform arrays, 0 for variable ones
	Stride int

	// Total allocated size
	AllocatedSize int
}

// NewPartitionedArray allocates an arena from per-cell sizes
func NewPartitionedArray(sizes []int) *PartitionedArray {
	offsets := make([]int, len(sizes)+1)
	stride := -1
	for i, s := range sizes {
		offsets[i+1] = offsets[i] + s
		if stride == -1 {
			stride = s
		} else if stride != s {
			stride = 0
		}
	}
	if stride < 0 {
		stride = 0
	}
	total := offsets[len(sizes)]
	return &PartitionedArray{
		GlobalData:    make([]float64, total),
		Offsets:       offsets,
		Stride:        stride,
		AllocatedSize: total,
	}
}

// GetPartitionData returns cell i's segment, or nil if it is empty
func (pa *PartitionedArray) GetPartitionData(i int) []float64 {
	if i < 0 || i >= len(pa.Offsets)-1 {
		return nil
	}
	start, end := pa.Offsets[i], pa.Offsets[i+1]
	if start == end {
		return nil
	}
	return pa.GlobalData[start:end:end]
}

// Layer is the interior or copy part of a cluster
type Layer struct {
	Kind  LayerKind
	Cells []Cell

	Dofs          *PartitionedArray
	Buffers       *PartitionedArray
	Derivatives   *PartitionedArray
	PlasticStrain *PartitionedArray
}

// NumCells returns the number of cells of the layer
func (l *Layer) NumCells() int {
	if l == nil {
		return 0
	}
	return len(l.Cells)
}

// Validate checks every cell's storage
func (l *Layer) Validate() error {
	for i := range l.Cells {
		if err := l.Cells[i].Validate(); err != nil {
			return fmt.Errorf("%s layer: %w", l.Kind, err)
		}
	}
	return nil
}

// allocate builds the arenas and sets the per-cell views
func (l *Layer) allocate(shape kernels.Shape) {
	n := len(l.Cells)
	dofSizes := make([]int, n)
	bufSizes := make([]int, n)
	derSizes := make([]int, n)
	strainSizes := make([]int, n)
	for i := range l.Cells {
		c := &l.Cells[i]
		dofSizes[i] = shape.Dofs()
		switch c.Storage {
		case StorageBuffer:
			bufSizes[i] = shape.Dofs()
		case StorageLtsBuffer:
			bufSizes[i] = 2 * shape.Dofs()
		case StorageDerivatives:
			derSizes[i] = shape.DerivativeSize()
		}
		if c.Plasticity != nil {
			strainSizes[i] = plasticity.StrainComponents
		}
	}
	l.Dofs = NewPartitionedArray(dofSizes)
	l.Buffers = NewPartitionedArray(bufSizes)
	l.Derivatives = NewPartitionedArray(derSizes)
	l.PlasticStrain = NewPartitionedArray(strainSizes)

	for i := range l.Cells {
		c := &l.Cells[i]
		c.Dofs = l.Dofs.GetPartitionData(i)
		c.Derivatives = l.Derivatives.GetPartitionData(i)
		c.PlasticStrain = l.PlasticStrain.GetPartitionData(i)
		buf := l.Buffers.GetPartitionData(i)
		switch c.Storage {
		case StorageBuffer:
			c.Buffer = buf
		case StorageLtsBuffer:
			d := shape.Dofs()
			c.Buffer = buf[:d:d]
			c.Accumulated = buf[d:]
		}
	}
}

// GhostSlot describes one received cell inside a region's ghost arena
type GhostSlot struct {
	GlobalID int
	Storage  StorageKind // Storage kind of the remote cell
	Payload  SourceKind  // ReadStepBuffer for buffers, ReadDerivativesOwnStep for derivatives
	Local    kernels.CellLocal
	Offset   int
	Size     int
}

// Region is the communication unit between one local cluster and one
// (rank, cluster) pair on another rank
type Region struct {
	Rank            int
	NeighborCluster int // Global cluster id of the remote cells
	SendTag         int
	RecvTag         int

	CopyCells []int        // Indices into the copy layer, in send order
	SendReads []SourceKind // Payload of each copy cell
	SendSize  int

	Slots []GhostSlot
	Ghost []float64
}

// SlotData returns the received data of one ghost slot
func (r *Region) SlotData(slot int) []float64 {
	s := r.Slots[slot]
	return r.Ghost[s.Offset : s.Offset+s.Size : s.Offset+s.Size]
}

// MeshStructure holds the communication regions of a cluster, read-only after setup
type MeshStructure struct {
	Regions []Region
}

// RegionTag derives the message tag for data flowing from one cluster to another
func RegionTag(fromCluster, toCluster int) int {
	return fromCluster*1000 + toCluster
}

// FaultSideRef locates one side of a fault face
type FaultSideRef struct {
	Local     bool
	Cell      CellRef
	Ghost     GhostRef
	Face      int // Face index within the side's cell
	Storage   StorageKind
	Element   int // Global element id
	CellLocal kernels.CellLocal
}

// FaultFace is the topology of one dynamic rupture face
type FaultFace struct {
	GlobalID int // Index into MeshConnectivity.FaultFaces
	Plus     FaultSideRef
	Minus    FaultSideRef
	Normal   [3]float64 // Points from plus to minus
	Owned    bool       // Plus side is local; only the owner writes output
}

// ClusterData owns the layers, fault faces and communication structure of one cluster
type ClusterData struct {
	LocalID   int
	GlobalID  int
	Shape     kernels.Shape
	Layers    [NumLayers]*Layer
	Faults    [NumLayers][]FaultFace
	Structure MeshStructure
}

// Layer returns the layer of the given kind
func (cd *ClusterData) Layer(kind LayerKind) *Layer {
	return cd.Layers[kind]
}

// NumberOfCells returns the cell count over both layers
func (cd *ClusterData) NumberOfCells() int {
	return cd.Layers[Interior].NumCells() + cd.Layers[Copy].NumCells()
}

// Validate checks all cells and regions of the cluster
func (cd *ClusterData) Validate() error {
	for _, l := range cd.Layers {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("cluster %d: %w", cd.GlobalID, err)
		}
	}
	for i, r := range cd.Structure.Regions {
		if len(r.CopyCells) != len(r.SendReads) {
			return fmt.Errorf("cluster %d region %d: %d copy cells but %d payloads",
				cd.GlobalID, i, len(r.CopyCells), len(r.SendReads))
		}
		for _, idx := range r.CopyCells {
			if idx < 0 || idx >= cd.Layers[Copy].NumCells() {
				return fmt.Errorf("cluster %d region %d: copy cell %d out of range", cd.GlobalID, i, idx)
			}
		}
	}
	return nil
}

// Registry resolves cell references into the cluster arenas of one rank
type Registry struct {
	Rank     int
	Shape    kernels.Shape
	Clusters []*ClusterData
	index    map[int]CellRef
}

// Cluster returns the cluster with the given local id
func (r *Registry) Cluster(localID int) *ClusterData {
	if localID < 0 || localID >= len(r.Clusters) {
		return nil
	}
	return r.Clusters[localID]
}

// Cell returns the cell behind a reference
func (r *Registry) Cell(ref CellRef) *Cell {
	cd := r.Cluster(ref.Cluster)
	if cd == nil {
		return nil
	}
	l := cd.Layers[ref.Layer]
	if ref.Index < 0 || ref.Index >= l.NumCells() {
		return nil
	}
	return &l.Cells[ref.Index]
}

// Lookup finds the reference of a global element owned by this rank
func (r *Registry) Lookup(globalID int) (CellRef, bool) {
	ref, ok := r.index[globalID]
	return ref, ok
}

// Ghost returns the received data and slot description behind a ghost reference
func (r *Registry) Ghost(cluster int, ref GhostRef) ([]float64, *GhostSlot) {
	cd := r.Cluster(cluster)
	if cd == nil || ref.Region < 0 || ref.Region >= len(cd.Structure.Regions) {
		return nil, nil
	}
	region := &cd.Structure.Regions[ref.Region]
	if ref.Slot < 0 || ref.Slot >= len(region.Slots) {
		return nil, nil
	}
	return region.SlotData(ref.Slot), &region.Slots[ref.Slot]
}

// NumberOfCells returns the cell count over all clusters
func (r *Registry) NumberOfCells() int {
	n := 0
	for _, cd := range r.Clusters {
		n += cd.NumberOfCells()
	}
	return n
}
