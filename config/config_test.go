package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/notargets/seislts/dr/output"
	"github.com/notargets/seislts/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, kernels.Shape{Basis: 4, Order: 3, FacePoints: 3}, cfg.Shape())
	assert.InDelta(t, 4e-3, cfg.ClusterDt(2), 1e-18)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
simulation:
  dt0: 0.002
  rate: 3
  end_time: 0.5
  poll_interval: 10us
  sources:
    - element: 2
      moment: [1, 1, 1, 0, 0, 0]
      onset: 0.1
      width: 0.02
      scale: 1
mesh:
  elements: 12
  ranks: 2
  boundary: free-surface
  faults:
    - element: 5
      normal: [1, 0, 0]
friction:
  law: thermal-pressurization
  heat_capacity: 2.7e6
  pressurization: 0.1
  params: {mu_s: 0.7, mu_d: 0.5, d_c: 0.2, cohesion: 0}
  nucleation:
    faces: [0]
    initial_stress: [-1e6, 0, 0, 0.9e6, 0, 0]
output:
  variables: [slip_rate, rupture_time]
  receivers:
    - {fault: 0, point: 1}
halo:
  transport: grpc
  rank: 1
  peers: {0: "127.0.0.1:7000", 1: "127.0.0.1:7001"}
`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Simulation.Rate)
	assert.Equal(t, 10*time.Microsecond, cfg.Simulation.PollInterval)
	require.Len(t, cfg.Simulation.Sources, 1)
	assert.Equal(t, [6]float64{1, 1, 1, 0, 0, 0}, cfg.Simulation.Sources[0].Moment)
	assert.InDelta(t, 0.018, cfg.ClusterDt(2), 1e-15)

	// Untouched sections keep their defaults
	assert.Equal(t, 4, cfg.Discretization.Basis)
	assert.Equal(t, 5*time.Second, cfg.Halo.CallTimeout)

	fk, err := ParseFaceKind(cfg.Mesh.Boundary)
	require.NoError(t, err)
	assert.Equal(t, kernels.FaceFreeSurface, fk)

	assert.Equal(t, 0.7, cfg.Friction.Params.MuS)
	assert.Equal(t, 0.9e6, cfg.Friction.PointInit(0).InitialStress[3])
	assert.Equal(t, 0.5e6, cfg.Friction.PointInit(1).InitialStress[3])

	rc, err := cfg.RecorderConfig(1)
	require.NoError(t, err)
	assert.True(t, rc.Parallel)
	assert.Equal(t, 0.5, rc.EndTime)
	assert.True(t, rc.Variables[output.SlipRate])
	assert.False(t, rc.Variables[output.AccumulatedSlip])
	require.NoError(t, rc.Validate())

	assert.Equal(t, "127.0.0.1:7001", cfg.Halo.Peers[1])
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("simulation:\n  dt: 0.1\n"))
	assert.Error(t, err)
}

func TestEmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Simulation, cfg.Simulation)
}

func TestValidateReportsEverySection(t *testing.T) {
	cfg := Default()
	cfg.Simulation.Rate = 0
	cfg.Friction.Law = "rate-and-state"
	cfg.Halo.Transport = "grpc"
	cfg.Mesh.Faults = []ChainFault{{Element: 7, Normal: [3]float64{1, 0, 0}}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, section := range []string{"simulation", "friction", "halo", "mesh"} {
		assert.Contains(t, err.Error(), section)
	}
}

func TestValidateMeshFile(t *testing.T) {
	cfg := Default()
	cfg.Mesh.File = "box.neu"
	cfg.Mesh.Clusters = []int{0}
	assert.Error(t, cfg.Validate(), "cluster layout comes from the file")

	cfg.Mesh.Clusters = nil
	cfg.Mesh.FaultPlane = &Plane{}
	assert.Error(t, cfg.Validate())

	cfg.Mesh.FaultPlane.Normal = [3]float64{0, 0, 1}
	assert.NoError(t, cfg.Validate())
}

func TestPlasticityChecksOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Plasticity.FrictionAngle = 2
	assert.NoError(t, cfg.Validate())
	cfg.Plasticity.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mesh:\n  elements: 4\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Mesh.Elements)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
