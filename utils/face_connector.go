package utils

import (
	"fmt"
	"sort"
)

// RegionKey identifies one communication region of a rank: the local cluster
// owning the copy cells, the remote rank, and the remote cluster owning the
// ghost cells
type RegionKey struct {
	Cluster         int
	Rank            int
	NeighborCluster int
}

// FaceConnector manages pick and place element lists for partitioned meshes.
// Pick lists name the local elements sent to a region, place lists name the
// remote elements received from it. Both are sorted by global element id so
// the two ranks of a region agree on the ordering without negotiation.
type FaceConnector struct {
	// Mesh dimensions
	K      int // Total elements
	Nfaces int // Faces per element
	Rank   int // Rank the lists are built for

	// Input connectivity
	EToE      [][]int // Element to element, self or -1 on boundaries
	EToP      []int   // Element to rank
	ClusterOf []int   // Element to global cluster id

	// Per region, in Regions order
	Regions      []RegionKey
	PickIndices  [][]int // Local elements to send
	PlaceIndices [][]int // Remote elements to receive
}

// NewFaceConnector creates a face connector from mesh connectivity
func NewFaceConnector(rank int, EToE [][]int, EToP, clusterOf []int) (*FaceConnector, error) {
	K := len(EToE)
	if K == 0 {
		return nil, fmt.Errorf("invalid dimensions: K=%d", K)
	}
	if len(EToP) != K {
		return nil, fmt.Errorf("EToP length %d does not match K=%d", len(EToP), K)
	}
	if len(clusterOf) != K {
		return nil, fmt.Errorf("cluster map length %d does not match K=%d", len(clusterOf), K)
	}

	fc := &FaceConnector{
		K:         K,
		Nfaces:    len(EToE[0]),
		Rank:      rank,
		EToE:      EToE,
		EToP:      EToP,
		ClusterOf: clusterOf,
	}
	if err := fc.BuildIndices(); err != nil {
		return nil, err
	}
	return fc, nil
}

// BuildIndices constructs pick and place lists for all regions of the rank
func (fc *FaceConnector) BuildIndices() error {
	picks := make(map[RegionKey]map[int]struct{})
	places := make(map[RegionKey]map[int]struct{})

	for elem := 0; elem < fc.K; elem++ {
		if fc.EToP[elem] != fc.Rank {
			continue
		}
		if len(fc.EToE[elem]) != fc.Nfaces {
			return fmt.Errorf("element %d has %d faces, want %d", elem, len(fc.EToE[elem]), fc.Nfaces)
		}
		for face := 0; face < fc.Nfaces; face++ {
			neighbor := fc.EToE[elem][face]

			// Skip boundary faces
			if neighbor < 0 || neighbor == elem {
				continue
			}
			if neighbor >= fc.K {
				return fmt.Errorf("element %d face %d: neighbor %d out of range", elem, face, neighbor)
			}
			if fc.EToP[neighbor] == fc.Rank {
				continue
			}

			key := RegionKey{
				Cluster:         fc.ClusterOf[elem],
				Rank:            fc.EToP[neighbor],
				NeighborCluster: fc.ClusterOf[neighbor],
			}
			if picks[key] == nil {
				picks[key] = make(map[int]struct{})
				places[key] = make(map[int]struct{})
			}
			picks[key][elem] = struct{}{}
			places[key][neighbor] = struct{}{}
		}
	}

	fc.Regions = make([]RegionKey, 0, len(picks))
	for key := range picks {
		fc.Regions = append(fc.Regions, key)
	}
	sort.Slice(fc.Regions, func(i, j int) bool {
		a, b := fc.Regions[i], fc.Regions[j]
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.NeighborCluster < b.NeighborCluster
	})

	fc.PickIndices = make([][]int, len(fc.Regions))
	fc.PlaceIndices = make([][]int, len(fc.Regions))
	for i, key := range fc.Regions {
		fc.PickIndices[i] = sortedKeys(picks[key])
		fc.PlaceIndices[i] = sortedKeys(places[key])
	}
	return nil
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// RegionIndex returns the position of key in Regions, or -1
func (fc *FaceConnector) RegionIndex(key RegionKey) int {
	for i, k := range fc.Regions {
		if k == key {
			return i
		}
	}
	return -1
}

// GetPickIndices returns the local elements sent to a region
func (fc *FaceConnector) GetPickIndices(key RegionKey) []int {
	if i := fc.RegionIndex(key); i >= 0 {
		return fc.PickIndices[i]
	}
	return nil
}

// GetPlaceIndices returns the remote elements received from a region
func (fc *FaceConnector) GetPlaceIndices(key RegionKey) []int {
	if i := fc.RegionIndex(key); i >= 0 {
		return fc.PlaceIndices[i]
	}
	return nil
}

// Verify checks index validity
func (fc *FaceConnector) Verify() error {
	for i, key := range fc.Regions {
		// Verify 1: picks are local and in the region's cluster
		for _, elem := range fc.PickIndices[i] {
			if fc.EToP[elem] != fc.Rank || fc.ClusterOf[elem] != key.Cluster {
				return fmt.Errorf("region %+v: invalid pick element %d", key, elem)
			}
		}
		// Verify 2: places live on the region's rank and cluster
		for _, elem := range fc.PlaceIndices[i] {
			if fc.EToP[elem] != key.Rank || fc.ClusterOf[elem] != key.NeighborCluster {
				return fmt.Errorf("region %+v: invalid place element %d", key, elem)
			}
		}
		// Verify 3: every place is adjacent to at least one pick
		for _, remote := range fc.PlaceIndices[i] {
			found := false
			for _, local := range fc.PickIndices[i] {
				for _, n := range fc.EToE[local] {
					if n == remote {
						found = true
					}
				}
			}
			if !found {
				return fmt.Errorf("region %+v: place element %d has no local neighbor", key, remote)
			}
		}
	}
	return nil
}

// VerifySymmetry checks that the pick list of every region equals the place
// list of the mirrored region on the other rank
func VerifySymmetry(connectors []*FaceConnector) error {
	byRank := make(map[int]*FaceConnector, len(connectors))
	for _, fc := range connectors {
		byRank[fc.Rank] = fc
	}
	for _, fc := range connectors {
		for i, key := range fc.Regions {
			other, ok := byRank[key.Rank]
			if !ok {
				continue
			}
			mirror := RegionKey{Cluster: key.NeighborCluster, Rank: fc.Rank, NeighborCluster: key.Cluster}
			place := other.GetPlaceIndices(mirror)
			if len(place) != len(fc.PickIndices[i]) {
				return fmt.Errorf("length mismatch: rank %d region %+v sends %d, rank %d expects %d",
					fc.Rank, key, len(fc.PickIndices[i]), key.Rank, len(place))
			}
			for j := range place {
				if place[j] != fc.PickIndices[i][j] {
					return fmt.Errorf("ordering mismatch: rank %d region %+v at %d", fc.Rank, key, j)
				}
			}
		}
	}
	return nil
}
