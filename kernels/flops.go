package kernels

// ComputePart labels one kind of work for flop accounting
type ComputePart int

const (
	LocalInterior ComputePart = iota
	NeighborInterior
	DRNeighborInterior
	LocalCopy
	NeighborCopy
	DRNeighborCopy
	DRFrictionLawCopy
	DRFrictionLawInterior
	PlasticityCheck
	PlasticityYield

	NumComputeParts
)

var computePartNames = [NumComputeParts]string{
	"local_interior",
	"neighbor_interior",
	"dr_neighbor_interior",
	"local_copy",
	"neighbor_copy",
	"dr_neighbor_copy",
	"dr_friction_law_copy",
	"dr_friction_law_interior",
	"plasticity_check",
	"plasticity_yield",
}

func (cp ComputePart) String() string {
	if cp < 0 || cp >= NumComputeParts {
		return "unknown"
	}
	return computePartNames[cp]
}

// FlopCount is a pair of non-zero and hardware flop counts
type FlopCount struct {
	NonZero  int64
	Hardware int64
}

// Add returns the sum scaled by n
func (fc FlopCount) Add(other FlopCount, n int64) FlopCount {
	return FlopCount{
		NonZero:  fc.NonZero + n*other.NonZero,
		Hardware: fc.Hardware + n*other.Hardware,
	}
}

// FlopModel reports per-cell flops of a compute part. For the friction law
// parts the count is per fault face and cell is nil.
type FlopModel interface {
	Flops(part ComputePart, cell *CellLocal) FlopCount
}
