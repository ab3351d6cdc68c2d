package timestepping

import (
	"fmt"
	"sync/atomic"

	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
	"github.com/notargets/seislts/plasticity"
)

// integrateNeighbors adds the flux of every face of a layer and applies the
// plastic correction
func (tc *TimeCluster) integrateNeighbors(kind partitions.LayerKind) error {
	layer := tc.data.Layers[kind]
	var yields atomic.Int64
	err := tc.parallelFor(len(layer.Cells), func(w *scratch, i int) error {
		c := &layer.Cells[i]
		for f := range c.Faces {
			if err := tc.neighborFace(w, c, f); err != nil {
				return fmt.Errorf("cell %d face %d: %w", c.GlobalID, f, err)
			}
		}
		if tc.plasticity && c.Plasticity != nil {
			n, err := plasticity.Apply(c.Plasticity, tc.relax, tc.shape.Basis, c.Dofs, c.PlasticStrain)
			if err != nil {
				return fmt.Errorf("cell %d plasticity: %w", c.GlobalID, err)
			}
			yields.Add(int64(n))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if tc.plasticity {
		n := yields.Load()
		tc.yields += n
		tc.metrics.AddPlasticYields(tc.GlobalID, int(n))
		tc.addFlops(kernels.PlasticityCheck, tc.modelFlops(kernels.PlasticityCheck), int64(tc.plasticCells(layer)))
		tc.addFlops(kernels.PlasticityYield, tc.modelFlops(kernels.PlasticityYield), n)
	}
	return nil
}

func (tc *TimeCluster) plasticCells(layer *partitions.Layer) int {
	n := 0
	for i := range layer.Cells {
		if layer.Cells[i].Plasticity != nil {
			n++
		}
	}
	return n
}

func (tc *TimeCluster) neighborFace(w *scratch, c *partitions.Cell, f int) error {
	src := &c.Faces[f]
	if src.Kind == kernels.FaceDynamicRupture {
		fl := tc.faults[src.Fault.Layer]
		if fl == nil {
			return fmt.Errorf("no fault layer %s", src.Fault.Layer)
		}
		return tc.kernel.DynamicRuptureIntegral(&c.Local, f, fl.Imposed(src.Fault.Face, src.Fault.Side), c.Dofs)
	}
	if !src.Kind.CouplesToNeighbor() || src.Read == partitions.ReadNone {
		return nil
	}

	var (
		data []float64
		read = src.Read
	)
	if src.Remote {
		payload, slot := tc.registry.Ghost(tc.ID, src.Ghost)
		if slot == nil {
			return fmt.Errorf("ghost %+v missing", src.Ghost)
		}
		data = payload
	} else {
		nb := tc.registry.Cell(src.Cell)
		if nb == nil {
			return fmt.Errorf("neighbor %+v missing", src.Cell)
		}
		switch read {
		case partitions.ReadAccumulatedBuffer:
			data = nb.Accumulated
		case partitions.ReadDerivativesOwnStep, partitions.ReadDerivativesSubInterval:
			data = nb.Derivatives
		default:
			data = nb.Buffer
		}
	}

	neighbor, err := tc.integrated(w, read, data)
	if err != nil {
		return err
	}
	return tc.kernel.NeighborIntegral(&c.Local, f, neighbor, c.Dofs)
}

// integrated returns the time integral over the current step of neighbor
// data read the given way. Buffers are returned as they are.
func (tc *TimeCluster) integrated(w *scratch, read partitions.SourceKind, data []float64) ([]float64, error) {
	switch read {
	case partitions.ReadDerivativesOwnStep:
		if err := kernels.IntegrateTaylor(kernels.SplitDerivatives(data, tc.shape), 0, tc.dt, w.neighbor); err != nil {
			return nil, err
		}
		return w.neighbor, nil
	case partitions.ReadDerivativesSubInterval:
		a := tc.SubTimeStart
		if err := kernels.IntegrateTaylor(kernels.SplitDerivatives(data, tc.shape), a, a+tc.dt, w.neighbor); err != nil {
			return nil, err
		}
		return w.neighbor, nil
	}
	if len(data) != tc.shape.Dofs() {
		return nil, fmt.Errorf("%s neighbor has %d values, want %d", read, len(data), tc.shape.Dofs())
	}
	return data, nil
}
