// Package config holds the run configuration of ltsrun, loaded from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/dr/output"
	"github.com/notargets/seislts/internal/observability"
	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/plasticity"
	"gopkg.in/yaml.v3"
)

// Friction law names
const (
	LawSlipWeakening         = "linear-slip-weakening"
	LawThermalPressurization = "thermal-pressurization"
)

// Halo transports
const (
	TransportLocal = "local"
	TransportGRPC  = "grpc"
)

// Config is the complete run configuration. Only the step width of a
// cluster changes after construction.
type Config struct {
	Simulation     Simulation                  `yaml:"simulation"`
	Discretization Discretization              `yaml:"discretization"`
	Mesh           Mesh                        `yaml:"mesh"`
	Material       Material                    `yaml:"material"`
	Plasticity     Plasticity                  `yaml:"plasticity"`
	Friction       Friction                    `yaml:"friction"`
	Offload        Offload                     `yaml:"offload"`
	Output         Output                      `yaml:"output"`
	Halo           Halo                        `yaml:"halo"`
	Logging        Logging                     `yaml:"logging"`
	Metrics        Metrics                     `yaml:"metrics"`
	Tracing        observability.TracingConfig `yaml:"tracing"`
}

// Simulation sets the cluster hierarchy and the end time
type Simulation struct {
	Dt0          float64        `yaml:"dt0"`  // Step width of cluster 0
	Rate         int            `yaml:"rate"` // dt_c = dt0 * rate^c
	EndTime      float64        `yaml:"end_time"`
	Workers      int            `yaml:"workers"` // Per cluster, 0 uses GOMAXPROCS
	PollInterval time.Duration  `yaml:"poll_interval"`
	Sources      []MomentSource `yaml:"sources"`
}

// MomentSource is a point moment tensor with a Gaussian moment rate
type MomentSource struct {
	Element int        `yaml:"element"`
	Moment  [6]float64 `yaml:"moment"` // xx, yy, zz, xy, yz, xz
	Onset   float64    `yaml:"onset"`
	Width   float64    `yaml:"width"`
	Scale   float64    `yaml:"scale"`
}

// Discretization sets the DOF layout and the reference kernel
type Discretization struct {
	Basis      int     `yaml:"basis"`
	Order      int     `yaml:"order"`
	FacePoints int     `yaml:"face_points"`
	Wavenumber float64 `yaml:"wavenumber"`
	Coupling   float64 `yaml:"coupling"`
}

// Mesh selects a tetrahedral mesh file or a synthetic chain of cells
type Mesh struct {
	File     string       `yaml:"file"`
	Elements int          `yaml:"elements"` // Synthetic chain length when no file is given
	Ranks    int          `yaml:"ranks"`
	Clusters []int        `yaml:"clusters"` // Per element cluster of the chain, empty puts all in cluster 0
	Boundary string       `yaml:"boundary"`
	Faults   []ChainFault `yaml:"faults"`

	// FaultPlane marks the interior faces of a mesh file lying in the plane
	FaultPlane *Plane `yaml:"fault_plane"`

	// Courant scales the stable step of an element, inradius over P-wave speed
	Courant     float64 `yaml:"courant"`
	MaxClusters int     `yaml:"max_clusters"`
}

// ChainFault puts a fault between a chain element and its successor
type ChainFault struct {
	Element int        `yaml:"element"`
	Normal  [3]float64 `yaml:"normal"`
}

// Plane is given by a point and a normal
type Plane struct {
	Point     [3]float64 `yaml:"point"`
	Normal    [3]float64 `yaml:"normal"`
	Tolerance float64    `yaml:"tolerance"`
}

// Material is the homogeneous background material
type Material struct {
	Density float64 `yaml:"density"`
	Lambda  float64 `yaml:"lambda"`
	Mu      float64 `yaml:"mu"`
}

// Plasticity configures the Drucker-Prager correction
type Plasticity struct {
	Enabled        bool       `yaml:"enabled"`
	Tv             float64    `yaml:"tv"`
	Cohesion       float64    `yaml:"cohesion"`
	FrictionAngle  float64    `yaml:"friction_angle"` // Radians
	InitialLoading [6]float64 `yaml:"initial_loading"`
}

// Friction configures the fault law and its initial state
type Friction struct {
	Law              string                `yaml:"law"`
	RuptureThreshold float64               `yaml:"rupture_threshold"`
	Params           dr.FrictionParameters `yaml:"params"`
	InitialStress    [6]float64            `yaml:"initial_stress"` // Face frame: nn, t1t1, t2t2, nt1, t1t2, nt2
	Nucleation       Nucleation            `yaml:"nucleation"`
	HeatCapacity     float64               `yaml:"heat_capacity"`
	Pressurization   float64               `yaml:"pressurization"`
	Temperature      float64               `yaml:"temperature"`
	Pressure         float64               `yaml:"pressure"`
}

// Nucleation overrides the initial stress on some fault faces
type Nucleation struct {
	Faces         []int      `yaml:"faces"`
	InitialStress [6]float64 `yaml:"initial_stress"`
}

// Offload moves friction law evaluation off the stepping goroutine
type Offload struct {
	Enabled     bool   `yaml:"enabled"`
	QueueDepth  int    `yaml:"queue_depth"`
	Device      string `yaml:"device"`       // host | occa
	DeviceProps string `yaml:"device_props"` // OCCA JSON properties
}

// Output configures the fault recorder
type Output struct {
	Prefix              string     `yaml:"prefix"`
	PrintTimeInterval   int        `yaml:"print_time_interval"`
	MaxPickStore        int        `yaml:"max_pick_store"`
	ElementwiseInterval float64    `yaml:"elementwise_interval"`
	Variables           []string   `yaml:"variables"`
	Receivers           []Receiver `yaml:"receivers"`
}

// Receiver is a fault pickpoint given by fault face and point
type Receiver struct {
	Fault int `yaml:"fault"`
	Point int `yaml:"point"`
}

// Halo selects the transport between ranks
type Halo struct {
	Transport   string         `yaml:"transport"`
	Rank        int            `yaml:"rank"` // Rank served by this process with grpc
	Peers       map[int]string `yaml:"peers"`
	CallTimeout time.Duration  `yaml:"call_timeout"`
}

// Logging mirrors logging.Config
type Logging struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Metrics sets the prometheus listen address, empty disables the endpoint
type Metrics struct {
	Address string `yaml:"address"`
}

// Default returns a two-cluster synthetic run with a single fault
func Default() Config {
	return Config{
		Simulation: Simulation{
			Dt0:          1e-3,
			Rate:         2,
			EndTime:      0.01,
			PollInterval: 50 * time.Microsecond,
		},
		Discretization: Discretization{
			Basis:      4,
			Order:      3,
			FacePoints: 3,
			Wavenumber: 1e-3,
			Coupling:   0.05,
		},
		Mesh: Mesh{
			Elements:    8,
			Ranks:       1,
			Boundary:    kernels.FaceAbsorbing.String(),
			Courant:     0.5,
			MaxClusters: 4,
		},
		Material: Material{Density: 2700, Lambda: 3.24e10, Mu: 3.24e10},
		Plasticity: Plasticity{
			Tv:            0.05,
			Cohesion:      1e6,
			FrictionAngle: 0.5,
		},
		Friction: Friction{
			Law:              LawSlipWeakening,
			RuptureThreshold: dr.DefaultRuptureThreshold,
			Params:           dr.DefaultFrictionParameters(),
			InitialStress:    [6]float64{-1e6, 0, 0, 0.5e6, 0, 0},
		},
		Offload: Offload{QueueDepth: 4, Device: "host"},
		Output: Output{
			Prefix:            "fault",
			PrintTimeInterval: 1,
			MaxPickStore:      50,
		},
		Halo: Halo{
			Transport:   TransportLocal,
			CallTimeout: 5 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "text"},
		Tracing: observability.TracingConfig{
			ServiceName: "ltsrun",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a YAML file
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section
func (c Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}
	add("simulation", c.Simulation.validate())
	add("discretization", c.Shape().Validate())
	add("mesh", c.Mesh.validate())
	add("material", c.KernelMaterial().Validate())
	if c.Plasticity.Enabled {
		add("plasticity", c.PlasticityParameters().Validate())
	}
	add("friction", c.Friction.validate())
	add("offload", c.Offload.validate())
	add("output", c.Output.validate())
	add("halo", c.Halo.validate(c.Mesh.Ranks))
	switch strings.ToLower(c.Tracing.Exporter) {
	case "stdout", "otlp":
	default:
		add("tracing", fmt.Errorf("unknown exporter %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}

func (s Simulation) validate() error {
	switch {
	case !(s.Dt0 > 0):
		return fmt.Errorf("dt0 must be positive, got %g", s.Dt0)
	case s.Rate < 1:
		return fmt.Errorf("rate must be at least 1, got %d", s.Rate)
	case !(s.EndTime > 0):
		return fmt.Errorf("end time must be positive, got %g", s.EndTime)
	case s.Workers < 0:
		return fmt.Errorf("negative worker count %d", s.Workers)
	case s.PollInterval < 0:
		return fmt.Errorf("negative poll interval %v", s.PollInterval)
	}
	for i, src := range s.Sources {
		if !(src.Width > 0) {
			return fmt.Errorf("source %d: width must be positive", i)
		}
	}
	return nil
}

func (m Mesh) validate() error {
	if m.Ranks < 1 {
		return fmt.Errorf("rank count must be at least 1, got %d", m.Ranks)
	}
	if _, err := ParseFaceKind(m.Boundary); err != nil {
		return err
	}
	if m.File != "" {
		if len(m.Clusters) > 0 || len(m.Faults) > 0 {
			return errors.New("clusters and faults are derived from the mesh file")
		}
		if m.FaultPlane != nil && norm(m.FaultPlane.Normal) == 0 {
			return errors.New("fault plane needs a normal")
		}
		if !(m.Courant > 0) || m.MaxClusters < 1 {
			return fmt.Errorf("courant %g and max clusters %d must be positive", m.Courant, m.MaxClusters)
		}
		return nil
	}
	if m.Elements < m.Ranks {
		return fmt.Errorf("%d elements cannot be spread over %d ranks", m.Elements, m.Ranks)
	}
	if len(m.Clusters) > 0 && len(m.Clusters) != m.Elements {
		return fmt.Errorf("%d cluster ids for %d elements", len(m.Clusters), m.Elements)
	}
	for i, f := range m.Faults {
		if f.Element < 0 || f.Element >= m.Elements-1 {
			return fmt.Errorf("fault %d: element %d has no successor", i, f.Element)
		}
		if norm(f.Normal) == 0 {
			return fmt.Errorf("fault %d: zero normal", i)
		}
	}
	return nil
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func (f Friction) validate() error {
	switch f.Law {
	case LawSlipWeakening:
	case LawThermalPressurization:
		if !(f.HeatCapacity > 0) {
			return fmt.Errorf("heat capacity must be positive, got %g", f.HeatCapacity)
		}
	default:
		return fmt.Errorf("unknown law %q", f.Law)
	}
	if f.RuptureThreshold < 0 {
		return fmt.Errorf("negative rupture threshold %g", f.RuptureThreshold)
	}
	return f.Params.Validate()
}

func (o Offload) validate() error {
	switch o.Device {
	case "", "host", "occa":
	default:
		return fmt.Errorf("unknown device %q", o.Device)
	}
	if o.Enabled && o.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be positive, got %d", o.QueueDepth)
	}
	return nil
}

func (o Output) validate() error {
	if o.Prefix == "" {
		return errors.New("empty prefix")
	}
	if o.PrintTimeInterval <= 0 || o.MaxPickStore <= 0 {
		return fmt.Errorf("print time interval %d and max pick store %d must be positive",
			o.PrintTimeInterval, o.MaxPickStore)
	}
	if o.ElementwiseInterval < 0 {
		return fmt.Errorf("negative elementwise interval %g", o.ElementwiseInterval)
	}
	_, err := output.ParseMask(o.Variables)
	return err
}

func (h Halo) validate(ranks int) error {
	switch h.Transport {
	case TransportLocal:
		return nil
	case TransportGRPC:
	default:
		return fmt.Errorf("unknown transport %q", h.Transport)
	}
	if h.Rank < 0 || h.Rank >= ranks {
		return fmt.Errorf("rank %d outside of %d ranks", h.Rank, ranks)
	}
	for r := 0; r < ranks; r++ {
		if h.Peers[r] == "" {
			return fmt.Errorf("no address for rank %d", r)
		}
	}
	if h.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %v", h.CallTimeout)
	}
	return nil
}

// ParseFaceKind maps a boundary name to its face kind
func ParseFaceKind(name string) (kernels.FaceKind, error) {
	for _, fk := range []kernels.FaceKind{kernels.FaceFreeSurface, kernels.FaceAbsorbing,
		kernels.FaceOutsideDomain, kernels.FacePeriodic} {
		if strings.EqualFold(name, fk.String()) {
			return fk, nil
		}
	}
	return 0, fmt.Errorf("unknown boundary kind %q", name)
}

// ClusterDt returns the step width of a global cluster
func (c Config) ClusterDt(globalID int) float64 {
	return c.Simulation.Dt0 * math.Pow(float64(c.Simulation.Rate), float64(globalID))
}

// Shape returns the DOF layout
func (c Config) Shape() kernels.Shape {
	d := c.Discretization
	return kernels.Shape{Basis: d.Basis, Order: d.Order, FacePoints: d.FacePoints}
}

// KernelMaterial returns the background material
func (c Config) KernelMaterial() kernels.Material {
	return kernels.Material{Density: c.Material.Density, Lambda: c.Material.Lambda, Mu: c.Material.Mu}
}

// PlasticityParameters returns the yield parameters of every cell
func (c Config) PlasticityParameters() plasticity.Parameters {
	p := c.Plasticity
	return plasticity.Parameters{
		InitialLoading: p.InitialLoading,
		Cohesion:       p.Cohesion,
		FrictionAngle:  p.FrictionAngle,
		Mu:             c.Material.Mu,
	}
}

// RecorderConfig returns the fault output settings of a rank
func (c Config) RecorderConfig(rank int) (output.Config, error) {
	mask, err := output.ParseMask(c.Output.Variables)
	if err != nil {
		return output.Config{}, err
	}
	return output.Config{
		Prefix:              c.Output.Prefix,
		Rank:                rank,
		Parallel:            c.Mesh.Ranks > 1,
		PrintTimeInterval:   c.Output.PrintTimeInterval,
		MaxPickStore:        c.Output.MaxPickStore,
		EndTime:             c.Simulation.EndTime,
		ElementwiseInterval: c.Output.ElementwiseInterval,
		Variables:           mask,
	}, nil
}

// PointInit returns the initial state of a fault point. Faces listed for
// nucleation start from the nucleation stress.
func (f Friction) PointInit(faultID int) dr.PointInit {
	pi := dr.PointInit{
		InitialStress: f.InitialStress,
		Params:        f.Params,
		Temperature:   f.Temperature,
		Pressure:      f.Pressure,
	}
	for _, id := range f.Nucleation.Faces {
		if id == faultID {
			pi.InitialStress = f.Nucleation.InitialStress
			break
		}
	}
	return pi
}
