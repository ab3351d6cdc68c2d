package timestepping

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/notargets/seislts/internal/logging"
	"github.com/notargets/seislts/partitions"
)

// ManagerConfig describes the cluster hierarchy shared by all ranks
type ManagerConfig struct {
	Rate              int // Step width ratio of adjacent clusters
	EndTime           float64
	NumGlobalClusters int
	PollInterval      time.Duration // Sleep after an idle sweep, 0 yields only
}

// Manager drives the time clusters of one rank to the end time. Clusters
// exchange data with the adjacent global clusters only, so a cluster waits
// for its faster and slower neighbor on this rank; neighbors on other ranks
// are synchronized through the halo messages.
type Manager struct {
	cfg      ManagerConfig
	clusters []*TimeCluster
	byGlobal map[int]*TimeCluster
	steps    map[int]int64
	log      logging.Logger
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger
func WithManagerLogger(l logging.Logger) ManagerOption {
	return func(m *Manager) { m.log = logging.OrNoop(l) }
}

// NewManager checks that the step widths follow the rate and computes the
// number of steps of every cluster. The end time is rounded up to a whole
// step of the slowest global cluster.
func NewManager(clusters []*TimeCluster, cfg ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if cfg.Rate < 1 {
		return nil, fmt.Errorf("cluster rate must be at least 1, got %d", cfg.Rate)
	}
	if !(cfg.EndTime > 0) {
		return nil, fmt.Errorf("end time must be positive, got %g", cfg.EndTime)
	}
	if len(clusters) == 0 {
		return nil, errors.New("no clusters to advance")
	}
	m := &Manager{
		cfg:      cfg,
		clusters: append([]*TimeCluster(nil), clusters...),
		byGlobal: make(map[int]*TimeCluster, len(clusters)),
		steps:    make(map[int]int64, len(clusters)),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	sort.Slice(m.clusters, func(i, j int) bool { return m.clusters[i].GlobalID < m.clusters[j].GlobalID })

	for _, tc := range m.clusters {
		if tc.GlobalID < 0 || tc.GlobalID >= cfg.NumGlobalClusters {
			return nil, fmt.Errorf("cluster %d outside of %d global clusters", tc.GlobalID, cfg.NumGlobalClusters)
		}
		if _, dup := m.byGlobal[tc.GlobalID]; dup {
			return nil, fmt.Errorf("cluster %d appears twice", tc.GlobalID)
		}
		m.byGlobal[tc.GlobalID] = tc
	}

	ref := m.clusters[0]
	dt0 := ref.dt / math.Pow(float64(cfg.Rate), float64(ref.GlobalID))
	for _, tc := range m.clusters {
		want := dt0 * math.Pow(float64(cfg.Rate), float64(tc.GlobalID))
		if math.Abs(tc.dt-want) > 1e-12*want {
			return nil, fmt.Errorf("cluster %d has step width %g, want %g for rate %d",
				tc.GlobalID, tc.dt, want, cfg.Rate)
		}
	}

	slowest := cfg.NumGlobalClusters - 1
	dtMax := dt0 * math.Pow(float64(cfg.Rate), float64(slowest))
	slowSteps := int64(math.Ceil(cfg.EndTime/dtMax - 1e-9))
	for _, tc := range m.clusters {
		m.steps[tc.GlobalID] = slowSteps * ipow(int64(cfg.Rate), slowest-tc.GlobalID)
	}
	return m, nil
}

func ipow(base int64, exp int) int64 {
	r := int64(1)
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// Clusters returns the clusters sorted by global id
func (m *Manager) Clusters() []*TimeCluster { return m.clusters }

// Steps returns the number of full updates the cluster performs
func (m *Manager) Steps(globalID int) int64 { return m.steps[globalID] }

// EndTime is the time every cluster reaches
func (m *Manager) EndTime() float64 {
	tc := m.clusters[0]
	return float64(m.steps[tc.GlobalID]) * tc.dt
}

func (m *Manager) finished(tc *TimeCluster) bool {
	return tc.NumberOfFullUpdates >= m.steps[tc.GlobalID]
}

// predictedSteps counts the steps whose local transitions ran
func predictedSteps(tc *TimeCluster) int64 {
	if tc.Predicted() {
		return tc.NumberOfFullUpdates + 1
	}
	return tc.NumberOfFullUpdates
}

// beginStep sets the LTS flags of a cluster whose step has not started
func (m *Manager) beginStep(tc *TimeCluster) {
	if !tc.Updatable.LocalCopy || !tc.Updatable.LocalInterior {
		return
	}
	if tc.GlobalID == m.cfg.NumGlobalClusters-1 {
		tc.SubTimeStart = 0
		tc.ResetLtsBuffers = true
		tc.SendLtsBuffers = true
		return
	}
	r := int64(m.cfg.Rate)
	n := tc.NumberOfFullUpdates
	tc.SubTimeStart = float64(n%r) * tc.dt
	tc.ResetLtsBuffers = n%r == 0
	tc.SendLtsBuffers = (n+1)%r == 0
}

// localAllowed reports whether the prediction of step n may overwrite the
// data adjacent clusters still read
func (m *Manager) localAllowed(tc *TimeCluster) bool {
	r := int64(m.cfg.Rate)
	n := tc.NumberOfFullUpdates
	if f, ok := m.byGlobal[tc.GlobalID-1]; ok && f.NumberOfFullUpdates < n*r {
		return false
	}
	if s, ok := m.byGlobal[tc.GlobalID+1]; ok && n%r == 0 && s.NumberOfFullUpdates < n/r {
		return false
	}
	return true
}

// neighborAllowed reports whether the data the corrector of step n reads
// from adjacent clusters is predicted
func (m *Manager) neighborAllowed(tc *TimeCluster) bool {
	r := int64(m.cfg.Rate)
	n := tc.NumberOfFullUpdates
	if f, ok := m.byGlobal[tc.GlobalID-1]; ok && predictedSteps(f) < (n+1)*r {
		return false
	}
	if s, ok := m.byGlobal[tc.GlobalID+1]; ok && predictedSteps(s) < n/r+1 {
		return false
	}
	return true
}

type progress struct {
	u     Updatable
	n     int64
	drRan [partitions.NumLayers]bool
}

func snapshot(tc *TimeCluster) progress {
	return progress{u: tc.Updatable, n: tc.NumberOfFullUpdates, drRan: tc.drDone}
}

// advance runs every transition of tc that is ready
func (m *Manager) advance(ctx context.Context, tc *TimeCluster) error {
	m.beginStep(tc)
	if m.localAllowed(tc) {
		if tc.Updatable.LocalCopy {
			if _, err := tc.ComputeLocalCopy(ctx); err != nil {
				return err
			}
		}
		if tc.Updatable.LocalInterior {
			if err := tc.ComputeLocalInterior(ctx); err != nil {
				return err
			}
		}
	}
	if !tc.Predicted() {
		return nil
	}
	for kind := partitions.Interior; kind < partitions.NumLayers; kind++ {
		if _, err := tc.ComputeDynamicRupture(ctx, kind); err != nil {
			return err
		}
	}
	if !m.neighborAllowed(tc) {
		return nil
	}
	if tc.Updatable.NeighboringInterior {
		if err := tc.ComputeNeighboringInterior(ctx); err != nil {
			return err
		}
	}
	if tc.Updatable.NeighboringCopy {
		if _, err := tc.ComputeNeighboringCopy(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run advances all clusters until each reached the end time, then waits for
// the outstanding sends
func (m *Manager) Run(ctx context.Context) error {
	start := time.Now()
	m.log.Info(ctx, "time stepping started",
		logging.Int("clusters", len(m.clusters)), logging.Float64("end_time", m.EndTime()))

	idle := 0
	for {
		moved, done := false, true
		for _, tc := range m.clusters {
			if m.finished(tc) {
				continue
			}
			done = false
			before := snapshot(tc)
			if err := m.advance(ctx, tc); err != nil {
				return err
			}
			if snapshot(tc) != before {
				moved = true
			}
		}
		if done {
			break
		}
		if moved {
			idle = 0
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("time stepping interrupted: %w", err)
		}
		idle++
		if m.cfg.PollInterval > 0 && idle > 64 {
			time.Sleep(m.cfg.PollInterval)
		} else {
			runtime.Gosched()
		}
	}

	var errs []error
	for _, tc := range m.clusters {
		errs = append(errs, tc.Drain(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.log.Info(ctx, "time stepping finished",
		logging.Duration("elapsed", time.Since(start)), logging.Float64("time", m.EndTime()))
	return nil
}
