package dr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/notargets/seislts/internal/logging"
	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/partitions"
)

// ErrCouplerClosed is returned by an offload coupler after Close
var ErrCouplerClosed = errors.New("coupler closed")

// Gatherer provides the time-integrated state of one fault side at the face points
type Gatherer interface {
	FaceState(side *partitions.FaultSideRef, out [][]float64) error
}

// Coupler updates every fault face of a layer at most once per step and
// returns the number of faces it evaluated
type Coupler interface {
	Compute(ctx context.Context, layer *FaultLayer, step StepInfo, gather Gatherer) (int, error)
	Evaluations() int64
	Close() error
}

// updateLayer runs predictor, friction law and imposed state for all faces
// not yet computed for step
func updateLayer(fl *FaultLayer, law FrictionLaw, step StepInfo, gather Gatherer) (int, error) {
	if step.Dt <= 0 {
		return 0, fmt.Errorf("invalid step width %g", step.Dt)
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()

	pending := fl.pending[:0]
	for f := range fl.Faces {
		if fl.stamp[f] != step.Step {
			pending = append(pending, f)
		}
	}
	fl.pending = pending
	if len(pending) == 0 {
		return 0, nil
	}

	plus, minus := fl.gatherPlus, fl.gatherMinus
	for _, f := range pending {
		face := &fl.Faces[f]
		if err := gather.FaceState(&face.Plus, plus); err != nil {
			return 0, fmt.Errorf("fault face %d plus side: %w", face.GlobalID, err)
		}
		if err := gather.FaceState(&face.Minus, minus); err != nil {
			return 0, fmt.Errorf("fault face %d minus side: %w", face.GlobalID, err)
		}
		if err := fl.predict(f, plus, minus, step.Dt); err != nil {
			return 0, fmt.Errorf("fault face %d: %w", face.GlobalID, err)
		}
	}

	if err := law.Evaluate(fl, pending, step); err != nil {
		return 0, fmt.Errorf("%s: %w", law.Name(), err)
	}

	for _, f := range pending {
		fl.impose(f, step.Dt)
		fl.stamp[f] = step.Step
	}
	return len(pending), nil
}

// predict computes the Godunov state of each point of face f
func (fl *FaultLayer) predict(f int, plus, minus [][]float64, dt float64) error {
	frame := fl.Frames[f]
	z := fl.impedances[f]
	etaP := z.zpP * z.zpM / (z.zpP + z.zpM)
	etaS := z.zsP * z.zsM / (z.zsP + z.zsM)
	var avg [kernels.NumQuantities]float64
	for p := 0; p < fl.Points; p++ {
		i := fl.Index(f, p)
		qP, qM := fl.qPlus[i], fl.qMinus[i]
		for q := range avg {
			avg[q] = plus[p][q] / dt
		}
		frame.ToFault(avg[:], qP)
		for q := range avg {
			avg[q] = minus[p][q] / dt
		}
		frame.ToFault(avg[:], qM)
		if err := kernels.CheckFinite(qP); err != nil {
			return fmt.Errorf("plus side point %d: %w", p, ErrNonFinite)
		}
		if err := kernels.CheckFinite(qM); err != nil {
			return fmt.Errorf("minus side point %d: %w", p, ErrNonFinite)
		}

		fl.PredNormal[i] = etaP * (qM[IdxVelN] - qP[IdxVelN] + qP[IdxNormal]/z.zpP + qM[IdxNormal]/z.zpM)
		fl.PredXY[i] = etaS * (qM[IdxVelT1] - qP[IdxVelT1] + qP[IdxShear1]/z.zsP + qM[IdxShear1]/z.zsM)
		fl.PredXZ[i] = etaS * (qM[IdxVelT2] - qP[IdxVelT2] + qP[IdxShear2]/z.zsP + qM[IdxShear2]/z.zsM)
		fl.InvEtaS[i] = 1/z.zsP + 1/z.zsM
		fl.NormalVelocity[i] = qM[IdxVelN] - qP[IdxVelN]
	}
	return nil
}

// impose writes the time-integrated states both sides see through face f
func (fl *FaultLayer) impose(f int, dt float64) {
	frame := fl.Frames[f]
	z := fl.impedances[f]
	var buf [kernels.NumQuantities]float64
	state := buf[:]
	for p := 0; p < fl.Points; p++ {
		i := fl.Index(f, p)
		normal, t1, t2 := fl.PredNormal[i], fl.TractionXY[i], fl.TractionXZ[i]

		qP := fl.qPlus[i]
		copy(state, qP)
		state[IdxNormal], state[IdxShear1], state[IdxShear2] = normal, t1, t2
		state[IdxVelN] = qP[IdxVelN] - (normal-qP[IdxNormal])/z.zpP
		state[IdxVelT1] = qP[IdxVelT1] - (t1-qP[IdxShear1])/z.zsP
		state[IdxVelT2] = qP[IdxVelT2] - (t2-qP[IdxShear2])/z.zsP
		frame.ToMesh(state, fl.ImposedPlus[i])

		qM := fl.qMinus[i]
		copy(state, qM)
		state[IdxNormal], state[IdxShear1], state[IdxShear2] = normal, t1, t2
		state[IdxVelN] = qM[IdxVelN] + (normal-qM[IdxNormal])/z.zpM
		state[IdxVelT1] = qM[IdxVelT1] + (t1-qM[IdxShear1])/z.zsM
		state[IdxVelT2] = qM[IdxVelT2] + (t2-qM[IdxShear2])/z.zsM
		frame.ToMesh(state, fl.ImposedMinus[i])

		for q := 0; q < kernels.NumQuantities; q++ {
			fl.ImposedPlus[i][q] *= dt
			fl.ImposedMinus[i][q] *= dt
		}
	}
}

// HostCoupler evaluates the friction law on the calling goroutine
type HostCoupler struct {
	law         FrictionLaw
	evaluations atomic.Int64
}

// NewHostCoupler returns a coupler running law in place
func NewHostCoupler(law FrictionLaw) *HostCoupler {
	return &HostCoupler{law: law}
}

func (hc *HostCoupler) Compute(ctx context.Context, fl *FaultLayer, step StepInfo, gather Gatherer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := updateLayer(fl, hc.law, step, gather)
	hc.evaluations.Add(int64(n))
	return n, err
}

func (hc *HostCoupler) Evaluations() int64 { return hc.evaluations.Load() }

func (hc *HostCoupler) Close() error { return nil }

type offloadJob struct {
	layer  *FaultLayer
	step   StepInfo
	gather Gatherer
	done   chan offloadResult
}

type offloadResult struct {
	faces int
	err   error
}

// OffloadCoupler hands layers to a worker goroutine through a bounded queue,
// typically in front of a device friction law. A full queue blocks Compute
// until the worker catches up or ctx is done.
type OffloadCoupler struct {
	law         FrictionLaw
	log         logging.Logger
	jobs        chan offloadJob
	evaluations atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewOffloadCoupler starts the worker
func NewOffloadCoupler(law FrictionLaw, queueDepth int, log logging.Logger) *OffloadCoupler {
	if queueDepth < 1 {
		queueDepth = 1
	}
	oc := &OffloadCoupler{
		law:  law,
		log:  logging.OrNoop(log),
		jobs: make(chan offloadJob, queueDepth),
	}
	oc.wg.Add(1)
	go oc.worker()
	return oc
}

func (oc *OffloadCoupler) worker() {
	defer oc.wg.Done()
	for job := range oc.jobs {
		n, err := updateLayer(job.layer, oc.law, job.step, job.gather)
		oc.evaluations.Add(int64(n))
		job.done <- offloadResult{faces: n, err: err}
	}
}

// Compute queues the layer and waits for its result. A cancelled ctx
// abandons the wait; the queued update still runs.
func (oc *OffloadCoupler) Compute(ctx context.Context, fl *FaultLayer, step StepInfo, gather Gatherer) (int, error) {
	job := offloadJob{layer: fl, step: step, gather: gather, done: make(chan offloadResult, 1)}

	oc.mu.RLock()
	if oc.closed {
		oc.mu.RUnlock()
		return 0, ErrCouplerClosed
	}
	select {
	case oc.jobs <- job:
		oc.mu.RUnlock()
	case <-ctx.Done():
		oc.mu.RUnlock()
		return 0, ctx.Err()
	}

	select {
	case res := <-job.done:
		return res.faces, res.err
	case <-ctx.Done():
		oc.log.Warn(ctx, "abandoned offloaded fault update", logging.Int("step", int(step.Step)), logging.Err(ctx.Err()))
		return 0, ctx.Err()
	}
}

func (oc *OffloadCoupler) Evaluations() int64 { return oc.evaluations.Load() }

// Close drains the queue and stops the worker
func (oc *OffloadCoupler) Close() error {
	oc.mu.Lock()
	if oc.closed {
		oc.mu.Unlock()
		return nil
	}
	oc.closed = true
	close(oc.jobs)
	oc.mu.Unlock()
	oc.wg.Wait()
	return nil
}
