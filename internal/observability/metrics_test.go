package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObserveRegion(1, "local_copy", 2*time.Millisecond, 40)
	c.ObserveRegion(1, "local_copy", 3*time.Millisecond, 40)
	c.AddFlops(1, "local_copy", 100, 120)
	c.AddPlasticYields(1, 2)
	c.RecordDeferral(1, "ghost_receives")
	c.RecordFullUpdate(1, 0.5)

	assert.Equal(t, 80.0, testutil.ToFloat64(c.CellsProcessed.WithLabelValues("1", "local_copy")))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.Flops.WithLabelValues("1", "local_copy", "hardware")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.PlasticYields.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Deferrals.WithLabelValues("1", "ghost_receives")))
	assert.Equal(t, 0.5, testutil.ToFloat64(c.ClusterTime.WithLabelValues("1")))
	assert.Equal(t, uint64(2), histogramSampleCount(t, reg, "lts_region_duration_seconds",
		map[string]string{"cluster": "1", "region": "local_copy"}))
}

func TestCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	require.NoError(t, err)
	b, err := NewCollector(reg)
	require.NoError(t, err)

	a.RecordFullUpdate(0, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.FullUpdates.WithLabelValues("0")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveRegion(0, "x", time.Second, 1)
	c.AddFlops(0, "x", 1, 1)
	c.RecordFaultUpdate(0, "copy")
	c.RecordHaloMessages(0, "send", 1)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.RecordFaultUpdate(2, "interior")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "lts_fault_updates_total"))
}

func TestInitTracingDisabledAndStdout(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	var buf bytes.Buffer
	shutdown, err = InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	require.NoError(t, err)
	_, span := Tracer().Start(context.Background(), "cluster.local_copy")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
	assert.Contains(t, buf.String(), "cluster.local_copy")

	_, err = InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	require.NoError(t, err)
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
