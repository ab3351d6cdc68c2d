package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics of the time-stepping core.
// All methods are safe on a nil receiver.
type Collector struct {
	gatherer prometheus.Gatherer

	RegionDurations *prometheus.HistogramVec
	CellsProcessed  *prometheus.CounterVec
	Flops           *prometheus.CounterVec
	PlasticYields   *prometheus.CounterVec
	Deferrals       *prometheus.CounterVec
	FaultUpdates    *prometheus.CounterVec
	FullUpdates     *prometheus.CounterVec
	ClusterTime     *prometheus.GaugeVec
	HaloMessages    *prometheus.CounterVec
}

// NewCollector registers the metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lts_region_duration_seconds",
		Help:    "Wall time of one cluster transition, labeled by cluster and region.",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 12),
	}, []string{"cluster", "region"}), "lts_region_duration_seconds")
	if err != nil {
		return nil, err
	}
	cells, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lts_cells_processed_total",
		Help: "Cells processed per cluster transition.",
	}, []string{"cluster", "region"}), "lts_cells_processed_total")
	if err != nil {
		return nil, err
	}
	flops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lts_flops_total",
		Help: "Floating point operations, labeled by compute part and count kind (nonzero, hardware).",
	}, []string{"cluster", "part", "kind"}), "lts_flops_total")
	if err != nil {
		return nil, err
	}
	yields, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lts_plastic_yields_total",
		Help: "Cells whose stress was returned to the yield surface.",
	}, []string{"cluster"}), "lts_plastic_yields_total")
	if err != nil {
		return nil, err
	}
	deferrals, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lts_deferrals_total",
		Help: "Copy-layer transitions deferred because communication was still in flight.",
	}, []string{"cluster", "reason"}), "lts_deferrals_total")
	if err != nil {
		return nil, err
	}
	faultUpdates, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lts_fault_updates_total",
		Help: "Friction law evaluations per fault layer.",
	}, []string{"cluster", "layer"}), "lts_fault_updates_total")
	if err != nil {
		return nil, err
	}
	fullUpdates, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lts_full_updates_total",
		Help: "Completed time steps per cluster.",
	}, []string{"cluster"}), "lts_full_updates_total")
	if err != nil {
		return nil, err
	}
	clusterTime, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lts_cluster_time_seconds",
		Help: "Simulated time reached by each cluster.",
	}, []string{"cluster"}), "lts_cluster_time_seconds")
	if err != nil {
		return nil, err
	}
	halo, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lts_halo_messages_total",
		Help: "Posted halo messages by direction.",
	}, []string{"cluster", "direction"}), "lts_halo_messages_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		RegionDurations: durations,
		CellsProcessed:  cells,
		Flops:           flops,
		PlasticYields:   yields,
		Deferrals:       deferrals,
		FaultUpdates:    faultUpdates,
		FullUpdates:     fullUpdates,
		ClusterTime:     clusterTime,
		HaloMessages:    halo,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func label(cluster int) string { return strconv.Itoa(cluster) }

// ObserveRegion records the duration and cell count of one transition
func (c *Collector) ObserveRegion(cluster int, region string, d time.Duration, cells int) {
	if c == nil {
		return
	}
	c.RegionDurations.WithLabelValues(label(cluster), region).Observe(d.Seconds())
	c.CellsProcessed.WithLabelValues(label(cluster), region).Add(float64(cells))
}

// AddFlops accumulates the flops of one compute part
func (c *Collector) AddFlops(cluster int, part string, nonZero, hardware int64) {
	if c == nil {
		return
	}
	c.Flops.WithLabelValues(label(cluster), part, "nonzero").Add(float64(nonZero))
	c.Flops.WithLabelValues(label(cluster), part, "hardware").Add(float64(hardware))
}

// AddPlasticYields counts yielded cells
func (c *Collector) AddPlasticYields(cluster, n int) {
	if c == nil || n == 0 {
		return
	}
	c.PlasticYields.WithLabelValues(label(cluster)).Add(float64(n))
}

// RecordDeferral counts a not-ready copy-layer transition
func (c *Collector) RecordDeferral(cluster int, reason string) {
	if c == nil {
		return
	}
	c.Deferrals.WithLabelValues(label(cluster), reason).Inc()
}

// RecordFaultUpdate counts a friction law evaluation
func (c *Collector) RecordFaultUpdate(cluster int, layer string) {
	if c == nil {
		return
	}
	c.FaultUpdates.WithLabelValues(label(cluster), layer).Inc()
}

// RecordFullUpdate counts a completed step and publishes the cluster time
func (c *Collector) RecordFullUpdate(cluster int, time float64) {
	if c == nil {
		return
	}
	c.FullUpdates.WithLabelValues(label(cluster)).Inc()
	c.ClusterTime.WithLabelValues(label(cluster)).Set(time)
}

// RecordHaloMessages counts posted sends or receives
func (c *Collector) RecordHaloMessages(cluster int, direction string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.HaloMessages.WithLabelValues(label(cluster), direction).Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
