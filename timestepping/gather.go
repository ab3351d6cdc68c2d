package timestepping

import (
	"fmt"

	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/partitions"
)

// faceGatherer hands the couplers the time-integrated state of the two
// sides of a fault face at its points
type faceGatherer struct {
	tc *TimeCluster
	w  *scratch
}

var _ dr.Gatherer = (*faceGatherer)(nil)

func (g *faceGatherer) FaceState(side *partitions.FaultSideRef, out [][]float64) error {
	tc := g.tc
	var (
		read partitions.SourceKind
		data []float64
	)
	if side.Local {
		c := tc.registry.Cell(side.Cell)
		if c == nil {
			return fmt.Errorf("fault side cell %d missing", side.Element)
		}
		if c.Storage == partitions.StorageDerivatives {
			read, data = partitions.ReadDerivativesOwnStep, c.Derivatives
		} else {
			read, data = partitions.ReadStepBuffer, c.Buffer
		}
	} else {
		payload, slot := tc.registry.Ghost(tc.ID, side.Ghost)
		if slot == nil {
			return fmt.Errorf("fault side ghost of element %d missing", side.Element)
		}
		read, data = slot.Payload, payload
	}

	// Fault sides share the cluster, so own-step data is the right interval
	state, err := tc.integrated(g.w, read, data)
	if err != nil {
		return fmt.Errorf("fault side element %d: %w", side.Element, err)
	}
	return tc.kernel.InterpolateFace(&side.CellLocal, side.Face, state, out)
}
