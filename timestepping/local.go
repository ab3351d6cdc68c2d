package timestepping

import (
	"fmt"

	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
	"gonum.org/v1/gonum/floats"
)

// integrateLocal runs the time prediction of every cell of a layer, stores
// what its neighbors read and adds the local volume and boundary terms
func (tc *TimeCluster) integrateLocal(kind partitions.LayerKind) error {
	layer := tc.data.Layers[kind]
	reset := tc.ResetLtsBuffers
	err := tc.parallelFor(len(layer.Cells), func(w *scratch, i int) error {
		c := &layer.Cells[i]
		if err := tc.kernel.Derivatives(&c.Local, c.Dofs, w.derivs); err != nil {
			return fmt.Errorf("cell %d derivatives: %w", c.GlobalID, err)
		}
		if err := kernels.IntegrateTaylor(w.derivs, 0, tc.dt, w.integrated); err != nil {
			return fmt.Errorf("cell %d: %w", c.GlobalID, err)
		}

		switch c.Storage {
		case partitions.StorageDerivatives:
			n := tc.shape.Dofs()
			for k, d := range w.derivs {
				copy(c.Derivatives[k*n:(k+1)*n], d)
			}
		case partitions.StorageLtsBuffer:
			copy(c.Buffer, w.integrated)
			if reset {
				copy(c.Accumulated, w.integrated)
			} else {
				floats.Add(c.Accumulated, w.integrated)
			}
		default:
			copy(c.Buffer, w.integrated)
		}

		if err := tc.kernel.LocalIntegral(&c.Local, w.integrated, c.Dofs); err != nil {
			return fmt.Errorf("cell %d local integral: %w", c.GlobalID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tc.applySources(kind)
}
