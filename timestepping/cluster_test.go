package timestepping

import (
	"bufio"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/dr/output"
	"github.com/notargets/seislts/halo"
	"github.com/notargets/seislts/internal/observability"
	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
	"github.com/notargets/seislts/plasticity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	testShape = kernels.Shape{Basis: 4, Order: 3, FacePoints: 3}
	rock      = kernels.Material{Density: 2700, Lambda: 3e10, Mu: 3e10}
)

const dt = 0.01

func newKernel(t *testing.T, wavenumber, coupling float64) *kernels.Linear {
	t.Helper()
	k, err := kernels.NewLinear(testShape, wavenumber, coupling)
	require.NoError(t, err)
	return k
}

func buildRanks(t *testing.T, mesh *partitions.MeshConnectivity) []*partitions.Registry {
	t.Helper()
	regs, err := partitions.BuildAllRanks(mesh, testShape, rock)
	require.NoError(t, err)
	return regs
}

// nucleationInit overstresses point 0 of fault face 0 only
func nucleationInit(face *partitions.FaultFace, point int) dr.PointInit {
	pi := dr.PointInit{Params: dr.DefaultFrictionParameters()}
	pi.InitialStress[0] = -1e6
	pi.InitialStress[3] = 0.5e6
	if face.GlobalID == 0 && point == 0 {
		pi.InitialStress[3] = 0.8e6
	}
	return pi
}

// step runs one global time step of clusters whose halo partners are all in tcs
func step(t *testing.T, tcs ...*TimeCluster) {
	t.Helper()
	ctx := context.Background()
	for _, tc := range tcs {
		ok, err := tc.ComputeLocalCopy(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tc.ComputeLocalInterior(ctx))
	}
	for _, tc := range tcs {
		require.NoError(t, tc.ComputeNeighboringInterior(ctx))
		ok, err := tc.ComputeNeighboringCopy(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

type timeRecorder struct {
	times []float64
}

func (tr *timeRecorder) FaultUpdated(_ context.Context, time, _ float64) error {
	tr.times = append(tr.times, time)
	return nil
}

func readLines(t *testing.T, name string) []string {
	t.Helper()
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestRuptureAcrossTwoRanks(t *testing.T) {
	mesh := partitions.ChainMesh(2)
	mesh.EToP = []int{0, 1}
	mesh.AddFault(0, [3]float64{1, 0, 0})
	regs := buildRanks(t, mesh)
	net := halo.NewLocalNetwork(2)
	k := newKernel(t, 1e-3, 0.1)

	var (
		tcs       [2]*TimeCluster
		couplers  [2]dr.Coupler
		observers [2]*timeRecorder
	)
	for rank := range tcs {
		couplers[rank] = dr.NewHostCoupler(&dr.LinearSlipWeakening{})
		tc, err := NewTimeCluster(regs[rank], 0, k, Config{Dt: dt, Workers: 2},
			WithTransport(net.Endpoint(rank)),
			WithDynamicRupture(couplers[rank], nucleationInit))
		require.NoError(t, err)
		require.True(t, tc.HasFaults())
		require.Nil(t, tc.FaultLayer(partitions.Interior))
		observers[rank] = &timeRecorder{}
		tc.SetFaultObserver(observers[rank])
		tcs[rank] = tc
	}

	// Only the owning rank samples the shared face
	cfg := output.DefaultConfig()
	cfg.Prefix = filepath.Join(t.TempDir(), "tpv")
	cfg.EndTime = dt
	cfg.Variables = output.Mask{}
	cfg.Variables[output.RuptureTime] = true
	sink := output.NewFileSink(cfg.Prefix, 0, false)
	rec, err := output.NewRecorder(cfg, sink)
	require.NoError(t, err)
	require.NoError(t, rec.AddReceiver(output.Receiver{ID: 1, Layer: tcs[0].FaultLayer(partitions.Copy)}))
	assert.Error(t, rec.AddReceiver(output.Receiver{ID: 2, Layer: tcs[1].FaultLayer(partitions.Copy)}))
	tcs[0].SetFaultObserver(multiObserver{rec, observers[0]})

	step(t, tcs[:]...)

	for rank, tc := range tcs {
		assert.Equal(t, int64(1), tc.NumberOfFullUpdates, "rank %d", rank)
		assert.InDelta(t, dt, tc.FullUpdateTime, 1e-15)
		assert.Equal(t, []float64{tc.FullUpdateTime}, observers[rank].times)
		assert.Equal(t, int64(1), couplers[rank].Evaluations())

		fl := tc.FaultLayer(partitions.Copy)
		require.NotNil(t, fl)
		for p := 0; p < fl.Points; p++ {
			if p == 0 {
				assert.Equal(t, dt, fl.RuptureTime[fl.Index(0, p)], "rank %d", rank)
				assert.Greater(t, fl.Slip[fl.Index(0, p)], 0.0)
				continue
			}
			assert.Zero(t, fl.RuptureTime[fl.Index(0, p)], "rank %d point %d", rank, p)
		}
		assert.Equal(t, int64(0), fl.ComputedAt(0))
	}

	// Both sides of the face see the same fault state
	f0, f1 := tcs[0].FaultLayer(partitions.Copy), tcs[1].FaultLayer(partitions.Copy)
	assert.InDeltaSlice(t, f0.SlipRate1, f1.SlipRate1, 1e-9)

	require.NoError(t, rec.Close())
	lines := readLines(t, sink.ReceiverFileName(1))
	require.Len(t, lines, 6)
	cols := strings.Split(strings.TrimRight(lines[5], "\t"), "\t")
	require.Len(t, cols, 2)
	rt, err := strconv.ParseFloat(cols[1], 64)
	require.NoError(t, err)
	assert.Equal(t, dt, rt)
}

type multiObserver []FaultObserver

func (mo multiObserver) FaultUpdated(ctx context.Context, time, dt float64) error {
	for _, o := range mo {
		if err := o.FaultUpdated(ctx, time, dt); err != nil {
			return err
		}
	}
	return nil
}

func TestStalledReceiveDefersOnlyTheCopyLayer(t *testing.T) {
	mesh := partitions.ChainMesh(4)
	mesh.EToP = []int{0, 0, 1, 1}
	regs := buildRanks(t, mesh)
	net := halo.NewLocalNetwork(2)
	k := newKernel(t, 1e-3, 0.1)
	ctx := context.Background()

	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	var tcs [2]*TimeCluster
	for rank := range tcs {
		tcs[rank], err = NewTimeCluster(regs[rank], 0, k, Config{Dt: dt},
			WithCollector(metrics), WithTransport(net.Endpoint(rank)))
		require.NoError(t, err)
	}

	// An unrelated single-rank cluster keeps stepping while rank 0 waits
	other, err := NewTimeCluster(buildRanks(t, partitions.ChainMesh(3))[0], 0, k, Config{Dt: dt})
	require.NoError(t, err)

	r0 := tcs[0]
	ok, err := r0.ComputeLocalCopy(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r0.ComputeLocalInterior(ctx))
	require.NoError(t, r0.ComputeNeighboringInterior(ctx))

	for i := 0; i < 3; i++ {
		ok, err = r0.ComputeNeighboringCopy(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		step(t, other)
	}
	assert.True(t, r0.Updatable.NeighboringCopy)
	assert.Zero(t, r0.NumberOfFullUpdates)
	assert.Equal(t, int64(3), other.NumberOfFullUpdates)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Deferrals.WithLabelValues("0", "ghost_receive")))

	// Rank 1 sends its copy layer and rank 0 completes
	r1 := tcs[1]
	ok, err = r1.ComputeLocalCopy(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r0.ComputeNeighboringCopy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), r0.NumberOfFullUpdates)

	require.NoError(t, r1.ComputeLocalInterior(ctx))
	require.NoError(t, r1.ComputeNeighboringInterior(ctx))
	ok, err = r1.ComputeNeighboringCopy(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FullUpdates.WithLabelValues("0")))
}

func TestTransitionsRequireArming(t *testing.T) {
	tc, err := NewTimeCluster(buildRanks(t, partitions.ChainMesh(3))[0], 0, newKernel(t, 0, 0), Config{Dt: dt})
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, tc.ComputeNeighboringInterior(ctx), ErrNotArmed)
	_, err = tc.ComputeNeighboringCopy(ctx)
	assert.ErrorIs(t, err, ErrNotArmed)
	ok, err := tc.ComputeDynamicRupture(ctx, partitions.Interior)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tc.ComputeLocalInterior(ctx))
	assert.ErrorIs(t, tc.ComputeLocalInterior(ctx), ErrNotArmed)
	assert.ErrorIs(t, tc.ComputeNeighboringInterior(ctx), ErrNotArmed, "local copy still pending")
	assert.Error(t, tc.SetTimeStepWidth(2*dt), "mid-step")

	ok, err = tc.ComputeLocalCopy(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, dt, tc.PredictionTime, 1e-15)
	_, err = tc.ComputeLocalCopy(ctx)
	assert.ErrorIs(t, err, ErrNotArmed)

	// Without fault faces dynamic rupture is a no-op that is always ready
	ok, err = tc.ComputeDynamicRupture(ctx, partitions.Copy)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tc.ComputeNeighboringInterior(ctx))
	ok, err = tc.ComputeNeighboringCopy(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, armed(), tc.Updatable)
	require.NoError(t, tc.SetTimeStepWidth(2*dt))
	assert.Equal(t, 2*dt, tc.TimeStepWidth())
	assert.Error(t, tc.SetTimeStepWidth(0))
}

func TestFaultWithoutCouplerIsAConfigError(t *testing.T) {
	mesh := partitions.ChainMesh(2)
	mesh.AddFault(0, [3]float64{1, 0, 0})
	reg := buildRanks(t, mesh)[0]

	_, err := NewTimeCluster(reg, 0, newKernel(t, 0, 0), Config{Dt: dt})
	var ce *partitions.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.Cluster)

	_, err = NewTimeCluster(reg, 0, newKernel(t, 0, 0), Config{Dt: -1},
		WithDynamicRupture(dr.NewHostCoupler(&dr.LinearSlipWeakening{}), nil))
	assert.Error(t, err)
	_, err = NewTimeCluster(reg, 3, newKernel(t, 0, 0), Config{Dt: dt})
	assert.Error(t, err)

	other, err := kernels.NewLinear(kernels.Shape{Basis: 1, Order: 1, FacePoints: 1}, 0, 0)
	require.NoError(t, err)
	_, err = NewTimeCluster(reg, 0, other, Config{Dt: dt})
	assert.Error(t, err)
}

func plasticMesh(K int) *partitions.MeshConnectivity {
	mesh := partitions.ChainMesh(K)
	mesh.Plasticity = make([]plasticity.Parameters, K)
	for e := range mesh.Plasticity {
		mesh.Plasticity[e] = plasticity.Parameters{
			InitialLoading: [6]float64{0, 0, 0, 1e6, 0, 0},
			Cohesion:       1e5,
			FrictionAngle:  0.5,
			Mu:             rock.Mu,
		}
	}
	return mesh
}

func TestPlasticityToggle(t *testing.T) {
	k := newKernel(t, 0, 0)
	for _, enabled := range []bool{false, true} {
		reg := buildRanks(t, plasticMesh(3))[0]
		tc, err := NewTimeCluster(reg, 0, k, Config{Dt: dt, Plasticity: enabled})
		require.NoError(t, err)
		step(t, tc)

		layer := tc.Data().Layers[partitions.Interior]
		require.Len(t, layer.Cells, 3)
		if !enabled {
			assert.Zero(t, tc.PlasticYields())
			for i := range layer.Cells {
				assert.Zero(t, layer.Cells[i].Dofs[kernels.SigmaXY*testShape.Basis])
				assert.Zero(t, layer.Cells[i].PlasticStrain[6])
			}
			continue
		}

		assert.Equal(t, int64(3), tc.PlasticYields())
		for i := range layer.Cells {
			c := &layer.Cells[i]
			assert.Less(t, c.Dofs[kernels.SigmaXY*testShape.Basis], 0.0)
			assert.Greater(t, c.PlasticStrain[6], 0.0)
			// Instant relaxation returns the stress onto the yield surface
			p := c.Plasticity
			limit := p.Cohesion * math.Cos(p.FrictionAngle)
			assert.InDelta(t, limit, plasticity.Equivalent(p, testShape.Basis, c.Dofs), 1e-6)
		}
	}
}

func TestFlopsAndSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	k := newKernel(t, 1e-3, 0.1)
	reg := buildRanks(t, partitions.ChainMesh(4))[0]

	tc, err := NewTimeCluster(reg, 0, k, Config{Dt: dt, Workers: 3}, WithTracer(tp.Tracer("test")))
	require.NoError(t, err)
	step(t, tc)
	step(t, tc)

	layer := tc.Data().Layers[partitions.Interior]
	var want int64
	for i := range layer.Cells {
		want += k.Flops(kernels.LocalInterior, &layer.Cells[i].Local).NonZero
	}
	assert.Equal(t, 2*want, tc.FlopsByPart(kernels.LocalInterior).NonZero)
	nz, hw := tc.Flops()
	assert.Greater(t, nz, 2*want)
	assert.GreaterOrEqual(t, hw, nz)

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 2, names["cluster.local_copy"])
	assert.Equal(t, 2, names["cluster.local_interior"])
	assert.Equal(t, 2, names["cluster.neighboring_interior"])
	assert.Equal(t, 2, names["cluster.neighboring_copy"])
}

func TestGaussianMomentSource(t *testing.T) {
	reg := buildRanks(t, partitions.ChainMesh(3))[0]
	tc, err := NewTimeCluster(reg, 0, newKernel(t, 0, 0), Config{Dt: dt})
	require.NoError(t, err)

	ref, ok := reg.Lookup(1)
	require.True(t, ok)
	src := &GaussianMomentSource{Cell: ref, Moment: [6]float64{0, 0, 0, 2, 0, 0}, Onset: dt, Width: dt / 4, Scale: 1}
	require.NoError(t, tc.SetSources([]SourceTerm{src}))
	assert.Error(t, tc.SetSources([]SourceTerm{&GaussianMomentSource{Cell: partitions.CellRef{Cluster: 5}}}))

	for i := 0; i < 4; i++ {
		step(t, tc)
	}
	// Four sigma on either side of the onset release nearly the whole moment
	got := reg.Cell(ref).Dofs[kernels.SigmaXY*testShape.Basis]
	assert.InDelta(t, -2*src.Released(0, 4*dt), got, 1e-12)
	assert.InDelta(t, -2, got, 1e-3)
	assert.Zero(t, reg.Cell(ref).Dofs[kernels.SigmaXX*testShape.Basis])
}
