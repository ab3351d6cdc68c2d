package timestepping

import (
	"errors"
	"fmt"
	"math"

	"github.com/notargets/seislts/partitions"
)

// SourceTerm injects a time-dependent contribution into one cell during the
// local integration of its layer
type SourceTerm interface {
	Target() partitions.CellRef
	// AddTo adds the contribution over [t0, t0+dt] to the dofs of the target
	AddTo(dofs []float64, basis int, t0, dt float64) error
}

// GaussianMomentSource is a point moment tensor with a Gaussian moment rate
// centered at Onset. The time-integrated moment is applied to the constant
// mode of the stress components, scaled by Scale (the inverse cell volume for
// an exact point source).
type GaussianMomentSource struct {
	Cell   partitions.CellRef
	Moment [6]float64 // xx, yy, zz, xy, yz, xz
	Onset  float64
	Width  float64 // Standard deviation of the moment rate
	Scale  float64
}

var _ SourceTerm = (*GaussianMomentSource)(nil)

func (s *GaussianMomentSource) Target() partitions.CellRef { return s.Cell }

// Released is the fraction of the total moment released over [a, b]
func (s *GaussianMomentSource) Released(a, b float64) float64 {
	k := 1 / (math.Sqrt2 * s.Width)
	return 0.5 * (math.Erf((b-s.Onset)*k) - math.Erf((a-s.Onset)*k))
}

func (s *GaussianMomentSource) AddTo(dofs []float64, basis int, t0, dt float64) error {
	if !(s.Width > 0) {
		return errors.New("moment source width must be positive")
	}
	if len(dofs) < 6*basis {
		return fmt.Errorf("source cell has %d dofs", len(dofs))
	}
	w := s.Scale * s.Released(t0, t0+dt)
	for q, m := range s.Moment {
		dofs[q*basis] -= w * m
	}
	return nil
}

func (tc *TimeCluster) applySources(kind partitions.LayerKind) error {
	for _, s := range tc.sources[kind] {
		c := tc.registry.Cell(s.Target())
		if err := s.AddTo(c.Dofs, tc.shape.Basis, tc.FullUpdateTime, tc.dt); err != nil {
			return fmt.Errorf("source in cell %d: %w", c.GlobalID, err)
		}
	}
	return nil
}
