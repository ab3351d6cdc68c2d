package partitions

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/plasticity"
	"github.com/notargets/seislts/utils"
)

// MeshConnectivity provides the mesh topology and per-element setup data
type MeshConnectivity struct {
	NumElements int

	// Face connectivity, a neighbor of -1 or the element itself marks a boundary
	EToE [][]int // Element-to-element connectivity
	EToF [][]int // Element-to-face connectivity

	EToP      []int // Element to rank
	ClusterOf []int // Element to global cluster id, 0 is the fastest

	// Optional per-element data
	Materials     []kernels.Material
	BoundaryKinds [][]kernels.FaceKind // Kind of boundary faces, FacePeriodic marks a periodic neighbor
	LtsSetup      []uint16             // Legacy bits, checked against the derived storage
	Plasticity    []plasticity.Parameters

	FaultFaces []FaultFaceSpec
}

// FaultFaceSpec names a fault face by its plus side
type FaultFaceSpec struct {
	Element int
	Face    int
	Normal  [3]float64
}

// LayoutBuilder constructs the cluster arenas of one rank from mesh connectivity
type LayoutBuilder struct {
	Mesh            *MeshConnectivity
	Rank            int
	Shape           kernels.Shape
	DefaultMaterial kernels.Material
}

type faceKey struct {
	elem, face int
}

// Build creates the registry of all clusters owned by the rank
func (lb *LayoutBuilder) Build() (*Registry, error) {
	if err := lb.validateInput(); err != nil {
		return nil, fmt.Errorf("invalid mesh connectivity: %w", err)
	}
	m := lb.Mesh

	faults := lb.faultFaceSet()
	storage, err := lb.deriveStorage(faults)
	if err != nil {
		return nil, err
	}

	fc, err := utils.NewFaceConnector(lb.Rank, m.EToE, m.EToP, m.ClusterOf)
	if err != nil {
		return nil, fmt.Errorf("face connector: %w", err)
	}
	if err := fc.Verify(); err != nil {
		return nil, fmt.Errorf("face connector: %w", err)
	}

	reg := &Registry{
		Rank:  lb.Rank,
		Shape: lb.Shape,
		index: make(map[int]CellRef),
	}

	// Clusters present on this rank, fastest first
	localOf := make(map[int]int)
	var globalIDs []int
	for e := 0; e < m.NumElements; e++ {
		if m.EToP[e] != lb.Rank {
			continue
		}
		if _, ok := localOf[m.ClusterOf[e]]; !ok {
			localOf[m.ClusterOf[e]] = -1
			globalIDs = append(globalIDs, m.ClusterOf[e])
		}
	}
	sort.Ints(globalIDs)
	for i, g := range globalIDs {
		localOf[g] = i
		reg.Clusters = append(reg.Clusters, &ClusterData{
			LocalID:  i,
			GlobalID: g,
			Shape:    lb.Shape,
			Layers:   [NumLayers]*Layer{{Kind: Interior}, {Kind: Copy}},
		})
	}

	// Cells in ascending global id within each layer
	for e := 0; e < m.NumElements; e++ {
		if m.EToP[e] != lb.Rank {
			continue
		}
		cd := reg.Clusters[localOf[m.ClusterOf[e]]]
		kind := Interior
		if lb.isCopyCell(e) {
			kind = Copy
		}
		layer := cd.Layers[kind]
		cell := Cell{
			GlobalID: e,
			Local:    lb.cellLocal(e, faults),
			Storage:  storage[e],
		}
		if m.Plasticity != nil {
			p := m.Plasticity[e]
			cell.Plasticity = &p
		}
		reg.index[e] = CellRef{Cluster: cd.LocalID, Layer: kind, Index: len(layer.Cells)}
		layer.Cells = append(layer.Cells, cell)
	}

	// Communication regions
	type regionLoc struct {
		cluster, region int
		slots           map[int]int
	}
	regionOf := make(map[utils.RegionKey]*regionLoc)
	for i, key := range fc.Regions {
		cd := reg.Clusters[localOf[key.Cluster]]
		region := Region{
			Rank:            key.Rank,
			NeighborCluster: key.NeighborCluster,
			SendTag:         RegionTag(key.Cluster, key.NeighborCluster),
			RecvTag:         RegionTag(key.NeighborCluster, key.Cluster),
		}
		for _, e := range fc.PickIndices[i] {
			ref := reg.index[e]
			if ref.Layer != Copy {
				return nil, &ConfigError{Cluster: key.Cluster, Cell: e, Face: -1, Reason: "sent cell is not in the copy layer"}
			}
			payload := sendPayload(storage[e], key.Cluster, key.NeighborCluster)
			region.CopyCells = append(region.CopyCells, ref.Index)
			region.SendReads = append(region.SendReads, payload)
			region.SendSize += lb.payloadSize(payload)
		}
		loc := &regionLoc{cluster: cd.LocalID, region: len(cd.Structure.Regions), slots: make(map[int]int)}
		offset := 0
		for _, n := range fc.PlaceIndices[i] {
			payload := ReadStepBuffer
			if sendPayload(storage[n], key.NeighborCluster, key.Cluster) == ReadDerivativesOwnStep {
				payload = ReadDerivativesOwnStep
			}
			size := lb.payloadSize(payload)
			loc.slots[n] = len(region.Slots)
			region.Slots = append(region.Slots, GhostSlot{
				GlobalID: n,
				Storage:  storage[n],
				Payload:  payload,
				Local:    lb.cellLocal(n, faults),
				Offset:   offset,
				Size:     size,
			})
			offset += size
		}
		region.Ghost = make([]float64, offset)
		cd.Structure.Regions = append(cd.Structure.Regions, region)
		regionOf[key] = loc
	}

	// Face dispatch entries
	for _, cd := range reg.Clusters {
		for _, layer := range cd.Layers {
			for ci := range layer.Cells {
				cell := &layer.Cells[ci]
				e := cell.GlobalID
				for f := 0; f < kernels.NumFaces; f++ {
					src := FaceSource{Kind: cell.Local.Faces[f], Read: ReadNone}
					if lb.isBoundary(e, f) {
						cell.Faces[f] = src
						continue
					}
					n := m.EToE[e][f]
					src.NeighborFace = m.EToF[e][f]
					src.Remote = m.EToP[n] != lb.Rank
					if src.Kind == kernels.FaceDynamicRupture {
						src.Read = ReadFault
					}
					if src.Remote {
						key := utils.RegionKey{Cluster: m.ClusterOf[e], Rank: m.EToP[n], NeighborCluster: m.ClusterOf[n]}
						loc := regionOf[key]
						if loc == nil {
							return nil, &ConfigError{Cluster: cd.GlobalID, Cell: e, Face: f, Reason: "no region for remote neighbor"}
						}
						slot := loc.slots[n]
						src.Ghost = GhostRef{Region: loc.region, Slot: slot}
						if src.Read != ReadFault {
							src.Read = ghostRead(cd.Structure.Regions[loc.region].Slots[slot].Payload, m.ClusterOf[n], m.ClusterOf[e])
						}
					} else {
						src.Cell = reg.index[n]
						if src.Read != ReadFault {
							src.Read = neighborRead(storage[n], m.ClusterOf[n], m.ClusterOf[e])
						}
					}
					cell.Faces[f] = src
				}
			}
		}
	}

	// Fault faces touching this rank
	for i, ff := range m.FaultFaces {
		e, f := ff.Element, ff.Face
		n := m.EToE[e][f]
		nf := m.EToF[e][f]
		plusLocal := m.EToP[e] == lb.Rank
		minusLocal := m.EToP[n] == lb.Rank
		if !plusLocal && !minusLocal {
			continue
		}
		cd := reg.Clusters[localOf[m.ClusterOf[e]]]
		kind := Interior
		if !plusLocal || !minusLocal {
			kind = Copy
		}
		side := func(elem, face int) (FaultSideRef, error) {
			ref := FaultSideRef{
				Face:      face,
				Storage:   storage[elem],
				Element:   elem,
				CellLocal: lb.cellLocal(elem, faults),
			}
			if m.EToP[elem] == lb.Rank {
				ref.Local = true
				ref.Cell = reg.index[elem]
				return ref, nil
			}
			key := utils.RegionKey{Cluster: cd.GlobalID, Rank: m.EToP[elem], NeighborCluster: cd.GlobalID}
			loc := regionOf[key]
			if loc == nil {
				return ref, &ConfigError{Cluster: cd.GlobalID, Cell: elem, Face: face, Reason: "fault side has no ghost region"}
			}
			ref.Ghost = GhostRef{Region: loc.region, Slot: loc.slots[elem]}
			return ref, nil
		}
		plus, err := side(e, f)
		if err != nil {
			return nil, err
		}
		minus, err := side(n, nf)
		if err != nil {
			return nil, err
		}
		idx := len(cd.Faults[kind])
		cd.Faults[kind] = append(cd.Faults[kind], FaultFace{
			GlobalID: i,
			Plus:     plus,
			Minus:    minus,
			Normal:   ff.Normal,
			Owned:    plusLocal,
		})
		if plusLocal {
			c := reg.Cell(plus.Cell)
			c.Faces[f].Fault = FaultRef{Layer: kind, Face: idx, Side: SidePlus}
		}
		if minusLocal {
			c := reg.Cell(minus.Cell)
			c.Faces[nf].Fault = FaultRef{Layer: kind, Face: idx, Side: SideMinus}
		}
	}

	for _, cd := range reg.Clusters {
		for _, layer := range cd.Layers {
			layer.allocate(lb.Shape)
		}
		if err := cd.Validate(); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (lb *LayoutBuilder) validateInput() error {
	m := lb.Mesh
	if m == nil {
		return fmt.Errorf("no mesh")
	}
	if err := lb.Shape.Validate(); err != nil {
		return err
	}
	K := m.NumElements
	if K <= 0 {
		return fmt.Errorf("invalid element count %d", K)
	}
	if len(m.EToE) != K || len(m.EToF) != K || len(m.EToP) != K || len(m.ClusterOf) != K {
		return fmt.Errorf("connectivity lengths EToE=%d EToF=%d EToP=%d clusters=%d do not match K=%d",
			len(m.EToE), len(m.EToF), len(m.EToP), len(m.ClusterOf), K)
	}
	if m.Materials != nil && len(m.Materials) != K {
		return fmt.Errorf("materials length %d does not match K=%d", len(m.Materials), K)
	}
	if m.Plasticity != nil && len(m.Plasticity) != K {
		return fmt.Errorf("plasticity length %d does not match K=%d", len(m.Plasticity), K)
	}
	if m.LtsSetup != nil && len(m.LtsSetup) != K {
		return fmt.Errorf("lts setup length %d does not match K=%d", len(m.LtsSetup), K)
	}
	if m.Materials == nil {
		if err := lb.DefaultMaterial.Validate(); err != nil {
			return fmt.Errorf("default material: %w", err)
		}
	}
	for e := 0; e < K; e++ {
		if len(m.EToE[e]) != kernels.NumFaces || len(m.EToF[e]) != kernels.NumFaces {
			return fmt.Errorf("element %d does not have %d faces", e, kernels.NumFaces)
		}
		if m.ClusterOf[e] < 0 {
			return fmt.Errorf("element %d has negative cluster id %d", e, m.ClusterOf[e])
		}
		for f, n := range m.EToE[e] {
			if n >= K {
				return fmt.Errorf("element %d face %d: neighbor %d out of range", e, f, n)
			}
		}
	}
	for i, ff := range m.FaultFaces {
		if ff.Element < 0 || ff.Element >= K || ff.Face < 0 || ff.Face >= kernels.NumFaces {
			return fmt.Errorf("fault face %d: invalid element %d face %d", i, ff.Element, ff.Face)
		}
		if lb.isBoundary(ff.Element, ff.Face) {
			return &ConfigError{Cluster: m.ClusterOf[ff.Element], Cell: ff.Element, Face: ff.Face,
				Reason: "fault face lies on the domain boundary"}
		}
	}
	return nil
}

func (lb *LayoutBuilder) isBoundary(e, f int) bool {
	n := lb.Mesh.EToE[e][f]
	return n < 0 || n == e
}

func (lb *LayoutBuilder) isCopyCell(e int) bool {
	for f := 0; f < kernels.NumFaces; f++ {
		if lb.isBoundary(e, f) {
			continue
		}
		if lb.Mesh.EToP[lb.Mesh.EToE[e][f]] != lb.Rank {
			return true
		}
	}
	return false
}

// faultFaceSet marks both sides of every fault face
func (lb *LayoutBuilder) faultFaceSet() map[faceKey]bool {
	set := make(map[faceKey]bool, 2*len(lb.Mesh.FaultFaces))
	for _, ff := range lb.Mesh.FaultFaces {
		set[faceKey{ff.Element, ff.Face}] = true
		n := lb.Mesh.EToE[ff.Element][ff.Face]
		set[faceKey{n, lb.Mesh.EToF[ff.Element][ff.Face]}] = true
	}
	return set
}

func (lb *LayoutBuilder) cellLocal(e int, faults map[faceKey]bool) kernels.CellLocal {
	m := lb.Mesh
	cl := kernels.CellLocal{Material: lb.DefaultMaterial}
	if m.Materials != nil {
		cl.Material = m.Materials[e]
	}
	for f := 0; f < kernels.NumFaces; f++ {
		var declared kernels.FaceKind
		hasDeclared := m.BoundaryKinds != nil && len(m.BoundaryKinds[e]) == kernels.NumFaces
		if hasDeclared {
			declared = m.BoundaryKinds[e][f]
		}
		switch {
		case faults[faceKey{e, f}]:
			cl.Faces[f] = kernels.FaceDynamicRupture
		case lb.isBoundary(e, f):
			if hasDeclared && declared != kernels.FaceRegular && declared != kernels.FacePeriodic {
				cl.Faces[f] = declared
			} else {
				cl.Faces[f] = kernels.FaceFreeSurface
			}
		case hasDeclared && declared == kernels.FacePeriodic:
			cl.Faces[f] = kernels.FacePeriodic
		default:
			cl.Faces[f] = kernels.FaceRegular
		}
	}
	return cl
}

// deriveStorage applies the storage rules to every element of the mesh
func (lb *LayoutBuilder) deriveStorage(faults map[faceKey]bool) ([]StorageKind, error) {
	m := lb.Mesh
	storage := make([]StorageKind, m.NumElements)
	for e := 0; e < m.NumElements; e++ {
		faster, slower := false, false
		for f := 0; f < kernels.NumFaces; f++ {
			if lb.isBoundary(e, f) {
				continue
			}
			n := m.EToE[e][f]
			dc := m.ClusterOf[n] - m.ClusterOf[e]
			if dc > 1 || dc < -1 {
				return nil, &ConfigError{Cluster: m.ClusterOf[e], Cell: e, Face: f,
					Reason: fmt.Sprintf("neighbor %d is %d cluster levels away", n, int(math.Abs(float64(dc))))}
			}
			if dc != 0 && faults[faceKey{e, f}] {
				return nil, &ConfigError{Cluster: m.ClusterOf[e], Cell: e, Face: f,
					Reason: fmt.Sprintf("fault face spans clusters %d and %d", m.ClusterOf[e], m.ClusterOf[n])}
			}
			faster = faster || dc < 0
			slower = slower || dc > 0
		}
		switch {
		case faster && slower:
			return nil, &ConfigError{Cluster: m.ClusterOf[e], Cell: e, Face: -1,
				Reason: "cell has both faster and slower neighbors"}
		case faster:
			storage[e] = StorageDerivatives
		case slower:
			storage[e] = StorageLtsBuffer
		default:
			storage[e] = StorageBuffer
		}
		if m.LtsSetup != nil {
			legacy, err := DecodeLtsSetup(e, m.LtsSetup[e])
			if err != nil {
				return nil, err
			}
			if legacy != storage[e] {
				return nil, &ConfigError{Cluster: m.ClusterOf[e], Cell: e, Face: -1,
					Reason: fmt.Sprintf("lts setup requests %s but neighbors require %s", legacy, storage[e])}
			}
		}
	}
	return storage, nil
}

func (lb *LayoutBuilder) payloadSize(payload SourceKind) int {
	if payload == ReadDerivativesOwnStep {
		return lb.Shape.DerivativeSize()
	}
	return lb.Shape.Dofs()
}

// sendPayload selects what a cell sends to a region of the given neighbor cluster
func sendPayload(sk StorageKind, own, neighbor int) SourceKind {
	switch sk {
	case StorageDerivatives:
		return ReadDerivativesOwnStep
	case StorageLtsBuffer:
		if neighbor > own {
			return ReadAccumulatedBuffer
		}
	}
	return ReadStepBuffer
}

// neighborRead selects how a cell reads a local neighbor
func neighborRead(sk StorageKind, neighbor, own int) SourceKind {
	switch sk {
	case StorageDerivatives:
		if neighbor > own {
			return ReadDerivativesSubInterval
		}
		return ReadDerivativesOwnStep
	case StorageLtsBuffer:
		if neighbor < own {
			return ReadAccumulatedBuffer
		}
	}
	return ReadStepBuffer
}

// ghostRead selects how a cell reads a received neighbor
func ghostRead(payload SourceKind, neighbor, own int) SourceKind {
	if payload == ReadDerivativesOwnStep {
		if neighbor > own {
			return ReadDerivativesSubInterval
		}
		return ReadDerivativesOwnStep
	}
	return ReadStepBuffer
}

// BuildAllRanks builds the registries of every rank and checks that every
// region's send size matches its mirror's ghost size
func BuildAllRanks(mesh *MeshConnectivity, shape kernels.Shape, material kernels.Material) ([]*Registry, error) {
	numRanks := 0
	for _, p := range mesh.EToP {
		if p+1 > numRanks {
			numRanks = p + 1
		}
	}
	regs := make([]*Registry, numRanks)
	for rank := 0; rank < numRanks; rank++ {
		lb := &LayoutBuilder{Mesh: mesh, Rank: rank, Shape: shape, DefaultMaterial: material}
		reg, err := lb.Build()
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", rank, err)
		}
		regs[rank] = reg
	}
	if err := validateCommunicationSymmetry(regs); err != nil {
		return nil, fmt.Errorf("asymmetric communication pattern: %w", err)
	}
	return regs, nil
}

func validateCommunicationSymmetry(regs []*Registry) error {
	type endpoint struct{ fromRank, toRank, tag int }
	sends := make(map[endpoint]int)
	for _, reg := range regs {
		for _, cd := range reg.Clusters {
			for _, r := range cd.Structure.Regions {
				sends[endpoint{reg.Rank, r.Rank, r.SendTag}] = r.SendSize
			}
		}
	}
	for _, reg := range regs {
		for _, cd := range reg.Clusters {
			for _, r := range cd.Structure.Regions {
				size, ok := sends[endpoint{r.Rank, reg.Rank, r.RecvTag}]
				if !ok {
					return fmt.Errorf("rank %d expects tag %d from rank %d, but %d doesn't send",
						reg.Rank, r.RecvTag, r.Rank, r.Rank)
				}
				if size != len(r.Ghost) {
					return fmt.Errorf("size mismatch: rank %d sends %d to %d, but %d expects %d",
						r.Rank, size, reg.Rank, reg.Rank, len(r.Ghost))
				}
			}
		}
	}
	return nil
}

// LayoutStats summarizes the cell distribution of one rank
type LayoutStats struct {
	Clusters       int
	Cells          int
	CopyCells      int
	Regions        int
	FaultFaces     int
	StorageByKind  map[StorageKind]int
	CellsByCluster map[int]int // Global cluster id to cell count
	Imbalance      float64     // Largest cluster over mean cluster size
}

// Statistics computes the layout summary
func (r *Registry) Statistics() LayoutStats {
	stats := LayoutStats{
		Clusters:       len(r.Clusters),
		StorageByKind:  make(map[StorageKind]int),
		CellsByCluster: make(map[int]int),
	}
	maxCells := 0
	for _, cd := range r.Clusters {
		n := cd.NumberOfCells()
		stats.Cells += n
		stats.CopyCells += cd.Layers[Copy].NumCells()
		stats.Regions += len(cd.Structure.Regions)
		stats.FaultFaces += len(cd.Faults[Interior]) + len(cd.Faults[Copy])
		stats.CellsByCluster[cd.GlobalID] = n
		if n > maxCells {
			maxCells = n
		}
		for _, l := range cd.Layers {
			for i := range l.Cells {
				stats.StorageByKind[l.Cells[i].Storage]++
			}
		}
	}
	if stats.Clusters > 0 && stats.Cells > 0 {
		stats.Imbalance = float64(maxCells) / (float64(stats.Cells) / float64(stats.Clusters))
	}
	return stats
}
