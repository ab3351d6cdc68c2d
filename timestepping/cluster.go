// Package timestepping advances the clusters of a rank with local time
// stepping. A TimeCluster owns the state machine of one cluster; the Manager
// drives all clusters of a rank in a dependency-respecting order.
package timestepping

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/halo"
	"github.com/notargets/seislts/internal/logging"
	"github.com/notargets/seislts/internal/observability"
	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
	"github.com/notargets/seislts/plasticity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotArmed is returned when a transition is requested whose flag is not
// set or whose local prerequisites have not run for the current step
var ErrNotArmed = errors.New("transition not armed")

// Updatable holds the four guard flags. A set flag means the part is
// eligible and has not run yet for the current step.
type Updatable struct {
	LocalCopy           bool
	LocalInterior       bool
	NeighboringCopy     bool
	NeighboringInterior bool
}

func armed() Updatable {
	return Updatable{LocalCopy: true, LocalInterior: true, NeighboringCopy: true, NeighboringInterior: true}
}

// ReceiverCluster samples cell receivers and returns the next sampling time
type ReceiverCluster interface {
	CalcReceivers(ctx context.Context, receiverTime, fullUpdateTime, dt float64) (float64, error)
}

// FaultObserver is notified after every full update of a cluster with fault faces
type FaultObserver interface {
	FaultUpdated(ctx context.Context, time, dt float64) error
}

// Config holds the per-cluster numerical settings
type Config struct {
	Dt         float64
	Plasticity bool
	Tv         float64 // Plastic relaxation time, <= 0 relaxes instantly
	Workers    int     // Goroutines per integration call, defaults to GOMAXPROCS
}

// TimeCluster advances one cluster of cells. Its methods must be called from
// a single goroutine; the integrators fan out internally.
type TimeCluster struct {
	ID       int // Local cluster id
	GlobalID int

	// Time bookkeeping
	SubTimeStart        float64 // Offset of the current step inside the slower neighbor's step
	FullUpdateTime      float64
	PredictionTime      float64
	ReceiverTime        float64
	NumberOfFullUpdates int64

	Updatable       Updatable
	SendLtsBuffers  bool // Send accumulated LTS buffers this step
	ResetLtsBuffers bool // Restart the LTS accumulators this step

	registry *partitions.Registry
	data     *partitions.ClusterData
	shape    kernels.Shape
	kernel   kernels.Kernel
	exchange *halo.Exchange
	coupler  dr.Coupler
	faults   [partitions.NumLayers]*dr.FaultLayer

	dt         float64
	plasticity bool
	tv         float64
	relax      float64
	yields     int64

	drArmed [partitions.NumLayers]bool
	drDone  [partitions.NumLayers]bool

	receivers ReceiverCluster
	observer  FaultObserver
	sources   [partitions.NumLayers][]SourceTerm

	log        logging.Logger
	metrics    *observability.Collector
	tracer     trace.Tracer
	flopModel  kernels.FlopModel
	layerFlops [partitions.NumLayers][kernels.NumComputeParts]kernels.FlopCount
	flops      [kernels.NumComputeParts]kernels.FlopCount

	workers int
	scratch []*scratch
}

// Option configures a TimeCluster
type Option func(*TimeCluster) error

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(tc *TimeCluster) error {
		tc.log = logging.OrNoop(l)
		return nil
	}
}

// WithCollector sets the metrics collector
func WithCollector(c *observability.Collector) Option {
	return func(tc *TimeCluster) error {
		tc.metrics = c
		return nil
	}
}

// WithTracer sets the tracer for transition spans
func WithTracer(t trace.Tracer) Option {
	return func(tc *TimeCluster) error {
		if t != nil {
			tc.tracer = t
		}
		return nil
	}
}

// WithFlopModel overrides the flop model, by default the kernel's when it has one
func WithFlopModel(fm kernels.FlopModel) Option {
	return func(tc *TimeCluster) error {
		tc.flopModel = fm
		return nil
	}
}

// WithTransport connects the cluster's communication regions
func WithTransport(t halo.Transport) Option {
	return func(tc *TimeCluster) error {
		ex, err := halo.NewExchange(t, tc.data, halo.WithLogger(tc.log), halo.WithCollector(tc.metrics))
		if err != nil {
			return err
		}
		tc.exchange = ex
		return nil
	}
}

// WithDynamicRupture allocates the fault layers of the cluster and binds the
// coupler evaluating them. A nil init uses default friction parameters.
func WithDynamicRupture(c dr.Coupler, init dr.InitFunc) Option {
	return func(tc *TimeCluster) error {
		if c == nil {
			return errors.New("nil coupler")
		}
		tc.coupler = c
		for kind := range tc.faults {
			faces := tc.data.Faults[kind]
			if len(faces) == 0 {
				continue
			}
			fl, err := dr.NewFaultLayer(faces, tc.shape.FacePoints, init)
			if err != nil {
				return fmt.Errorf("%s fault layer: %w", partitions.LayerKind(kind), err)
			}
			tc.faults[kind] = fl
		}
		return nil
	}
}

// NewTimeCluster builds the scheduler of the cluster with the given local id.
// Options are applied in order; WithLogger and WithCollector should precede
// WithTransport to reach the halo exchange.
func NewTimeCluster(reg *partitions.Registry, localID int, k kernels.Kernel, cfg Config, opts ...Option) (*TimeCluster, error) {
	if reg == nil || k == nil {
		return nil, errors.New("time cluster needs a registry and a kernel")
	}
	cd := reg.Cluster(localID)
	if cd == nil {
		return nil, fmt.Errorf("no cluster with local id %d", localID)
	}
	if k.Shape() != reg.Shape {
		return nil, fmt.Errorf("kernel shape %+v does not match layout shape %+v", k.Shape(), reg.Shape)
	}
	if !(cfg.Dt > 0) {
		return nil, fmt.Errorf("cluster %d: step width must be positive, got %g", cd.GlobalID, cfg.Dt)
	}
	tc := &TimeCluster{
		ID:         localID,
		GlobalID:   cd.GlobalID,
		Updatable:  armed(),
		registry:   reg,
		data:       cd,
		shape:      reg.Shape,
		kernel:     k,
		dt:         cfg.Dt,
		plasticity: cfg.Plasticity,
		tv:         cfg.Tv,
		relax:      plasticity.RelaxFactor(cfg.Dt, cfg.Tv),
		log:        logging.Noop(),
		tracer:     observability.Tracer(),
		workers:    cfg.Workers,
	}
	if fm, ok := k.(kernels.FlopModel); ok {
		tc.flopModel = fm
	}
	for _, opt := range opts {
		if err := opt(tc); err != nil {
			return nil, fmt.Errorf("cluster %d: %w", cd.GlobalID, err)
		}
	}
	tc.log = tc.log.With(logging.Int("cluster", tc.GlobalID))

	if tc.exchange == nil {
		ex, err := halo.NewExchange(nil, cd)
		if err != nil {
			return nil, err
		}
		tc.exchange = ex
	}
	for kind := range tc.faults {
		if len(cd.Faults[kind]) > 0 && tc.faults[kind] == nil {
			return nil, &partitions.ConfigError{Cluster: cd.GlobalID, Cell: cd.Faults[kind][0].Plus.Element,
				Face: cd.Faults[kind][0].Plus.Face, Reason: "fault faces without a dynamic rupture coupler"}
		}
	}

	if tc.workers <= 0 {
		tc.workers = runtime.GOMAXPROCS(0)
	}
	tc.scratch = make([]*scratch, tc.workers)
	for w := range tc.scratch {
		tc.scratch[w] = newScratch(tc.shape)
	}
	tc.computeFlops()
	return tc, nil
}

// computeFlops caches the per-step flops of each layer and compute part
func (tc *TimeCluster) computeFlops() {
	if tc.flopModel == nil {
		return
	}
	parts := [partitions.NumLayers][3]kernels.ComputePart{
		partitions.Interior: {kernels.LocalInterior, kernels.NeighborInterior, kernels.DRNeighborInterior},
		partitions.Copy:     {kernels.LocalCopy, kernels.NeighborCopy, kernels.DRNeighborCopy},
	}
	for kind, layer := range tc.data.Layers {
		lf := &tc.layerFlops[kind]
		for i := range layer.Cells {
			c := &layer.Cells[i]
			lf[parts[kind][0]] = lf[parts[kind][0]].Add(tc.flopModel.Flops(parts[kind][0], &c.Local), 1)
			lf[parts[kind][1]] = lf[parts[kind][1]].Add(tc.flopModel.Flops(parts[kind][1], &c.Local), 1)
			for _, src := range c.Faces {
				if src.Kind == kernels.FaceDynamicRupture {
					lf[parts[kind][2]] = lf[parts[kind][2]].Add(tc.flopModel.Flops(parts[kind][2], &c.Local), 1)
				}
			}
		}
	}
}

func (tc *TimeCluster) addFlops(part kernels.ComputePart, fc kernels.FlopCount, n int64) {
	if n == 0 || (fc.NonZero == 0 && fc.Hardware == 0) {
		return
	}
	tc.flops[part] = tc.flops[part].Add(fc, n)
	tc.metrics.AddFlops(tc.GlobalID, part.String(), n*fc.NonZero, n*fc.Hardware)
}

func (tc *TimeCluster) modelFlops(part kernels.ComputePart) kernels.FlopCount {
	if tc.flopModel == nil {
		return kernels.FlopCount{}
	}
	return tc.flopModel.Flops(part, nil)
}

// Flops returns the accumulated non-zero and hardware flops of all parts
func (tc *TimeCluster) Flops() (nonZero, hardware int64) {
	for _, fc := range tc.flops {
		nonZero += fc.NonZero
		hardware += fc.Hardware
	}
	return nonZero, hardware
}

// FlopsByPart returns the accumulated flops of one compute part
func (tc *TimeCluster) FlopsByPart(part kernels.ComputePart) kernels.FlopCount {
	return tc.flops[part]
}

// TimeStepWidth returns the current step width
func (tc *TimeCluster) TimeStepWidth() float64 { return tc.dt }

// SetTimeStepWidth rescales the step width between full updates
func (tc *TimeCluster) SetTimeStepWidth(dt float64) error {
	if !(dt > 0) {
		return fmt.Errorf("cluster %d: step width must be positive, got %g", tc.GlobalID, dt)
	}
	if tc.Updatable != armed() {
		return fmt.Errorf("cluster %d: step width changed during a step", tc.GlobalID)
	}
	tc.dt = dt
	tc.relax = plasticity.RelaxFactor(tc.dt, tc.tv)
	return nil
}

// SetTv sets the plastic relaxation time
func (tc *TimeCluster) SetTv(tv float64) {
	tc.tv = tv
	tc.relax = plasticity.RelaxFactor(tc.dt, tc.tv)
}

// SetReceiverCluster attaches cell receivers
func (tc *TimeCluster) SetReceiverCluster(rc ReceiverCluster) { tc.receivers = rc }

// SetFaultObserver attaches the fault output recorder
func (tc *TimeCluster) SetFaultObserver(fo FaultObserver) { tc.observer = fo }

// SetSources replaces the source terms; every source must target a cell of this cluster
func (tc *TimeCluster) SetSources(sources []SourceTerm) error {
	var byLayer [partitions.NumLayers][]SourceTerm
	for i, s := range sources {
		ref := s.Target()
		if ref.Cluster != tc.ID || tc.registry.Cell(ref) == nil {
			return fmt.Errorf("cluster %d: source %d targets %+v outside the cluster", tc.GlobalID, i, ref)
		}
		byLayer[ref.Layer] = append(byLayer[ref.Layer], s)
	}
	tc.sources = byLayer
	return nil
}

// NumberOfCells returns the cell count of both layers
func (tc *TimeCluster) NumberOfCells() int { return tc.data.NumberOfCells() }

// Data returns the cluster's cell data
func (tc *TimeCluster) Data() *partitions.ClusterData { return tc.data }

// FaultLayer returns the fault state of a layer, nil without fault faces
func (tc *TimeCluster) FaultLayer(kind partitions.LayerKind) *dr.FaultLayer { return tc.faults[kind] }

// HasFaults reports whether the cluster owns fault faces
func (tc *TimeCluster) HasFaults() bool {
	return tc.faults[partitions.Interior] != nil || tc.faults[partitions.Copy] != nil
}

// PlasticYields returns the number of cell updates that yielded
func (tc *TimeCluster) PlasticYields() int64 { return tc.yields }

// Predicted reports whether both local transitions ran for the current step
func (tc *TimeCluster) Predicted() bool {
	return !tc.Updatable.LocalCopy && !tc.Updatable.LocalInterior
}

// Exchange returns the halo exchange of the cluster
func (tc *TimeCluster) Exchange() *halo.Exchange { return tc.exchange }

func (tc *TimeCluster) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tc.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("cluster", tc.GlobalID),
		attribute.Int64("step", tc.NumberOfFullUpdates),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (tc *TimeCluster) observe(region string, start time.Time, cells int) {
	tc.metrics.ObserveRegion(tc.GlobalID, region, time.Since(start), cells)
}

// ComputeLocalCopy integrates the copy layer and sends it to the neighbor
// ranks. It returns false without doing anything while sends of the previous
// step are still in flight.
func (tc *TimeCluster) ComputeLocalCopy(ctx context.Context) (ok bool, err error) {
	if !tc.Updatable.LocalCopy {
		return false, fmt.Errorf("cluster %d local copy: %w", tc.GlobalID, ErrNotArmed)
	}
	done, err := tc.exchange.TestForCopyLayerSends()
	if err != nil {
		return false, err
	}
	if !done {
		tc.metrics.RecordDeferral(tc.GlobalID, "copy_send")
		return false, nil
	}

	ctx, span := tc.startSpan(ctx, "cluster.local_copy")
	defer func() { endSpan(span, err) }()
	start := time.Now()

	if err := tc.exchange.PostReceives(tc.ResetLtsBuffers); err != nil {
		return false, err
	}
	if err := tc.integrateLocal(partitions.Copy); err != nil {
		return false, err
	}
	tc.armDynamicRupture(partitions.Copy)
	if err := tc.exchange.SendCopyLayer(tc.SendLtsBuffers); err != nil {
		return false, err
	}

	tc.Updatable.LocalCopy = false
	tc.predicted()
	tc.addFlops(kernels.LocalCopy, tc.layerFlops[partitions.Copy][kernels.LocalCopy], 1)
	tc.observe("local_copy", start, tc.data.Layers[partitions.Copy].NumCells())
	tc.log.Debug(ctx, "local copy done", logging.Any("step", tc.NumberOfFullUpdates))
	return true, nil
}

// ComputeLocalInterior integrates the interior layer
func (tc *TimeCluster) ComputeLocalInterior(ctx context.Context) (err error) {
	if !tc.Updatable.LocalInterior {
		return fmt.Errorf("cluster %d local interior: %w", tc.GlobalID, ErrNotArmed)
	}
	_, span := tc.startSpan(ctx, "cluster.local_interior")
	defer func() { endSpan(span, err) }()
	start := time.Now()

	if err := tc.integrateLocal(partitions.Interior); err != nil {
		return err
	}
	tc.armDynamicRupture(partitions.Interior)
	tc.Updatable.LocalInterior = false
	tc.predicted()
	tc.addFlops(kernels.LocalInterior, tc.layerFlops[partitions.Interior][kernels.LocalInterior], 1)
	tc.observe("local_interior", start, tc.data.Layers[partitions.Interior].NumCells())
	return nil
}

func (tc *TimeCluster) predicted() {
	if tc.Predicted() {
		tc.PredictionTime = tc.FullUpdateTime + tc.dt
	}
}

func (tc *TimeCluster) armDynamicRupture(kind partitions.LayerKind) {
	tc.drArmed[kind] = true
	tc.drDone[kind] = tc.faults[kind] == nil
}

// ComputeDynamicRupture evaluates the fault faces of one layer for the
// current step. Interior faces need both local transitions, copy faces also
// need the ghost data of the step. It returns false while the prerequisites
// are missing and true once the layer is up to date; a layer is evaluated at
// most once per step.
func (tc *TimeCluster) ComputeDynamicRupture(ctx context.Context, kind partitions.LayerKind) (ok bool, err error) {
	if !tc.drArmed[kind] || !tc.Predicted() {
		return false, nil
	}
	if tc.drDone[kind] {
		return true, nil
	}
	if kind == partitions.Copy {
		received, err := tc.exchange.TestForGhostLayerReceives()
		if err != nil {
			return false, err
		}
		if !received {
			tc.metrics.RecordDeferral(tc.GlobalID, "fault_ghost_receive")
			return false, nil
		}
	}

	ctx, span := tc.startSpan(ctx, "cluster.dynamic_rupture")
	span.SetAttributes(attribute.String("layer", kind.String()))
	defer func() { endSpan(span, err) }()
	start := time.Now()

	fl := tc.faults[kind]
	step := dr.StepInfo{Step: tc.NumberOfFullUpdates, Time: tc.FullUpdateTime, Dt: tc.dt}
	n, err := tc.coupler.Compute(ctx, fl, step, &faceGatherer{tc: tc, w: newScratch(tc.shape)})
	if err != nil {
		return false, fmt.Errorf("cluster %d %s dynamic rupture: %w", tc.GlobalID, kind, err)
	}
	tc.drDone[kind] = true

	part := kernels.DRFrictionLawInterior
	if kind == partitions.Copy {
		part = kernels.DRFrictionLawCopy
	}
	tc.addFlops(part, tc.modelFlops(part), int64(n))
	if n > 0 {
		tc.metrics.RecordFaultUpdate(tc.GlobalID, kind.String())
	}
	tc.observe("dynamic_rupture_"+kind.String(), start, fl.NumFaces())
	return true, nil
}

// ComputeNeighboringCopy adds the neighbor fluxes of the copy layer. It
// returns false while ghost receives or fault faces of the step are pending.
func (tc *TimeCluster) ComputeNeighboringCopy(ctx context.Context) (ok bool, err error) {
	if !tc.Updatable.NeighboringCopy || !tc.Predicted() {
		return false, fmt.Errorf("cluster %d neighboring copy: %w", tc.GlobalID, ErrNotArmed)
	}
	received, err := tc.exchange.TestForGhostLayerReceives()
	if err != nil {
		return false, err
	}
	if !received {
		tc.metrics.RecordDeferral(tc.GlobalID, "ghost_receive")
		return false, nil
	}
	for _, kind := range []partitions.LayerKind{partitions.Interior, partitions.Copy} {
		ready, err := tc.ComputeDynamicRupture(ctx, kind)
		if err != nil || !ready {
			return false, err
		}
	}

	ctx, span := tc.startSpan(ctx, "cluster.neighboring_copy")
	defer func() { endSpan(span, err) }()
	start := time.Now()

	if err := tc.integrateNeighbors(partitions.Copy); err != nil {
		return false, err
	}
	tc.Updatable.NeighboringCopy = false
	tc.addFlops(kernels.NeighborCopy, tc.layerFlops[partitions.Copy][kernels.NeighborCopy], 1)
	tc.addFlops(kernels.DRNeighborCopy, tc.layerFlops[partitions.Copy][kernels.DRNeighborCopy], 1)
	tc.observe("neighboring_copy", start, tc.data.Layers[partitions.Copy].NumCells())
	return true, tc.tryFullUpdate(ctx)
}

// ComputeNeighboringInterior adds the neighbor fluxes of the interior layer
func (tc *TimeCluster) ComputeNeighboringInterior(ctx context.Context) (err error) {
	if !tc.Updatable.NeighboringInterior || !tc.Predicted() {
		return fmt.Errorf("cluster %d neighboring interior: %w", tc.GlobalID, ErrNotArmed)
	}
	ready, err := tc.ComputeDynamicRupture(ctx, partitions.Interior)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("cluster %d interior fault faces not computed: %w", tc.GlobalID, ErrNotArmed)
	}

	ctx, span := tc.startSpan(ctx, "cluster.neighboring_interior")
	defer func() { endSpan(span, err) }()
	start := time.Now()

	if err := tc.integrateNeighbors(partitions.Interior); err != nil {
		return err
	}
	tc.Updatable.NeighboringInterior = false
	tc.addFlops(kernels.NeighborInterior, tc.layerFlops[partitions.Interior][kernels.NeighborInterior], 1)
	tc.addFlops(kernels.DRNeighborInterior, tc.layerFlops[partitions.Interior][kernels.DRNeighborInterior], 1)
	tc.observe("neighboring_interior", start, tc.data.Layers[partitions.Interior].NumCells())
	return tc.tryFullUpdate(ctx)
}

// tryFullUpdate completes the step once both neighbor transitions ran
func (tc *TimeCluster) tryFullUpdate(ctx context.Context) error {
	if tc.Updatable.NeighboringCopy || tc.Updatable.NeighboringInterior {
		return nil
	}
	tc.NumberOfFullUpdates++
	tc.FullUpdateTime += tc.dt
	tc.PredictionTime = tc.FullUpdateTime
	tc.Updatable = armed()
	tc.drArmed = [partitions.NumLayers]bool{}
	tc.drDone = [partitions.NumLayers]bool{}
	tc.metrics.RecordFullUpdate(tc.GlobalID, tc.FullUpdateTime)

	if tc.receivers != nil && tc.FullUpdateTime >= tc.ReceiverTime {
		next, err := tc.receivers.CalcReceivers(ctx, tc.ReceiverTime, tc.FullUpdateTime, tc.dt)
		if err != nil {
			return fmt.Errorf("cluster %d receivers: %w", tc.GlobalID, err)
		}
		tc.ReceiverTime = next
	}
	if tc.observer != nil && tc.HasFaults() {
		if err := tc.observer.FaultUpdated(ctx, tc.FullUpdateTime, tc.dt); err != nil {
			return fmt.Errorf("cluster %d fault output: %w", tc.GlobalID, err)
		}
	}
	return nil
}

// Drain waits for outstanding halo messages, the end-of-run teardown step
func (tc *TimeCluster) Drain(ctx context.Context) error {
	return tc.exchange.Drain(ctx)
}
