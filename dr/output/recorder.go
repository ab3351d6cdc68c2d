// Package output samples the fault state of dynamic rupture layers at
// receiver points and over whole faces.
package output

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/internal/logging"
)

// Pickpoints close to the end are sampled when the remaining time is below
// dt times this margin
const timeMargin = 1.005

// Config controls when receivers are sampled and flushed
type Config struct {
	Prefix              string
	Rank                int
	Parallel            bool // Rank suffix in file names
	PrintTimeInterval   int  // Iterations between pickpoint samples
	MaxPickStore        int  // Cached samples per receiver before a flush
	EndTime             float64
	MaxIterations       int     // 0 means no iteration limit
	ElementwiseInterval float64 // Seconds between elementwise samples, 0 disables
	Variables           Mask
}

// DefaultConfig samples every iteration and caches 50 samples
func DefaultConfig() Config {
	return Config{
		Prefix:            "fault",
		PrintTimeInterval: 1,
		MaxPickStore:      50,
		Variables:         AllVariables(),
	}
}

// Validate checks the sampling parameters
func (c Config) Validate() error {
	switch {
	case c.PrintTimeInterval <= 0:
		return fmt.Errorf("print time interval must be positive, got %d", c.PrintTimeInterval)
	case c.MaxPickStore <= 0:
		return fmt.Errorf("max pick store must be positive, got %d", c.MaxPickStore)
	case c.EndTime <= 0:
		return fmt.Errorf("end time must be positive, got %g", c.EndTime)
	case c.ElementwiseInterval < 0:
		return fmt.Errorf("negative elementwise interval %g", c.ElementwiseInterval)
	case c.Variables.Width() == 0:
		return errors.New("no fault output variable enabled")
	}
	return nil
}

// Receiver is one fault point sampled over time
type Receiver struct {
	ID     int // Global receiver number, used in file names
	Layer  *dr.FaultLayer
	Face   int // Face index within the layer
	Point  int
	Coords [3]float64
}

// PointSample is the elementwise value set of one fault point
type PointSample struct {
	FaceID int
	Point  int
	Values []float64
}

// SampleSink persists recorder samples
type SampleSink interface {
	Init(labels []string, receivers []Receiver) error
	RecordFaultSample(receiver int, time float64, values []float64)
	RecordElementwiseSample(time float64, points []PointSample)
	Flush() error
}

// Recorder samples receivers after full updates of the cluster owning their
// fault layers. Layer state is read under the layer's read lock.
type Recorder struct {
	mu   sync.Mutex
	cfg  Config
	sink SampleSink
	log  logging.Logger

	receivers   []Receiver
	elementwise []*dr.FaultLayer

	cacheTime []float64
	cache     [][][]float64 // Level, receiver, values

	iteration       int
	nextElementwise float64
	started         bool
}

// Option configures a Recorder
type Option func(*Recorder)

// WithLogger sets the recorder logger
func WithLogger(l logging.Logger) Option {
	return func(r *Recorder) { r.log = logging.OrNoop(l) }
}

// NewRecorder validates cfg and binds a sink
func NewRecorder(cfg Config, sink SampleSink, opts ...Option) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("recorder needs a sink")
	}
	r := &Recorder{cfg: cfg, sink: sink, log: logging.Noop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Labels returns the value columns written per sample
func (r *Recorder) Labels() []string { return r.cfg.Variables.Labels() }

// AddReceiver registers a pickpoint. Only faces owned by this rank can be
// sampled.
func (r *Recorder) AddReceiver(rc Receiver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("receivers must be added before the first sample")
	}
	switch {
	case rc.Layer == nil:
		return fmt.Errorf("receiver %d has no fault layer", rc.ID)
	case rc.Face < 0 || rc.Face >= rc.Layer.NumFaces():
		return fmt.Errorf("receiver %d: face %d out of range", rc.ID, rc.Face)
	case rc.Point < 0 || rc.Point >= rc.Layer.Points:
		return fmt.Errorf("receiver %d: point %d out of range", rc.ID, rc.Point)
	case !rc.Layer.Faces[rc.Face].Owned:
		return fmt.Errorf("receiver %d: fault face %d is not owned by rank %d",
			rc.ID, rc.Layer.Faces[rc.Face].GlobalID, r.cfg.Rank)
	}
	r.receivers = append(r.receivers, rc)
	return nil
}

// AddElementwiseLayer samples all owned points of fl at the elementwise interval
func (r *Recorder) AddElementwiseLayer(fl *dr.FaultLayer) {
	if fl == nil || fl.NumFaces() == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elementwise = append(r.elementwise, fl)
}

// NumReceivers returns the number of registered pickpoints
func (r *Recorder) NumReceivers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receivers)
}

func (r *Recorder) start() error {
	if r.started {
		return nil
	}
	if err := r.sink.Init(r.Labels(), r.receivers); err != nil {
		return fmt.Errorf("fault output init: %w", err)
	}
	r.started = true
	return nil
}

func (r *Recorder) atPickpoint(time, dt float64) bool {
	abort := r.cfg.EndTime
	if r.cfg.MaxIterations > 0 && float64(r.cfg.MaxIterations)*dt < abort {
		abort = float64(r.cfg.MaxIterations) * dt
	}
	return r.iteration == 0 ||
		r.iteration%r.cfg.PrintTimeInterval == 0 ||
		abort-time < dt*timeMargin
}

// FaultUpdated samples the receivers after a full update ending at time
func (r *Recorder) FaultUpdated(ctx context.Context, time, dt float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.start(); err != nil {
		return err
	}
	defer func() { r.iteration++ }()

	if len(r.elementwise) > 0 && r.cfg.ElementwiseInterval > 0 && time >= r.nextElementwise {
		if err := r.sampleElementwise(time); err != nil {
			return err
		}
		for r.nextElementwise <= time {
			r.nextElementwise += r.cfg.ElementwiseInterval
		}
	}

	if len(r.receivers) == 0 || !r.atPickpoint(time, dt) {
		return nil
	}
	level := make([][]float64, len(r.receivers))
	for i, rc := range r.receivers {
		err := rc.Layer.Read(func() error {
			level[i] = r.cfg.Variables.evaluate(rc.Layer, rc.Face, rc.Point, nil)
			return nil
		})
		if err != nil {
			return err
		}
	}
	r.cache = append(r.cache, level)
	r.cacheTime = append(r.cacheTime, time)

	if len(r.cache) >= r.cfg.MaxPickStore || r.cfg.EndTime-time < dt*timeMargin {
		r.log.Debug(ctx, "flushing fault receivers",
			logging.Int("levels", len(r.cache)), logging.Float64("time", time))
		return r.flush()
	}
	return nil
}

func (r *Recorder) sampleElementwise(time float64) error {
	var points []PointSample
	for _, fl := range r.elementwise {
		err := fl.Read(func() error {
			for f := range fl.Faces {
				if !fl.Faces[f].Owned {
					continue
				}
				for p := 0; p < fl.Points; p++ {
					points = append(points, PointSample{
						FaceID: fl.Faces[f].GlobalID,
						Point:  p,
						Values: r.cfg.Variables.evaluate(fl, f, p, nil),
					})
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	r.sink.RecordElementwiseSample(time, points)
	return nil
}

func (r *Recorder) flush() error {
	for level, values := range r.cache {
		for i := range r.receivers {
			r.sink.RecordFaultSample(i, r.cacheTime[level], values[i])
		}
	}
	r.cache = r.cache[:0]
	r.cacheTime = r.cacheTime[:0]
	if err := r.sink.Flush(); err != nil {
		return fmt.Errorf("fault output flush: %w", err)
	}
	return nil
}

// Close writes cached samples
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	return r.flush()
}
