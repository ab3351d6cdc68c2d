package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/notargets/seislts/config"
	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/internal/observability"
	"github.com/notargets/seislts/partitions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func faultRun(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Simulation.EndTime = 0.004
	cfg.Mesh.Elements = 8
	cfg.Mesh.Ranks = 2
	cfg.Mesh.Clusters = []int{0, 0, 0, 1, 1, 1, 1, 1}
	cfg.Mesh.Faults = []config.ChainFault{{Element: 1, Normal: [3]float64{1, 0, 0}}}
	cfg.Friction.Nucleation = config.Nucleation{
		Faces:         []int{0},
		InitialStress: [6]float64{-1e6, 0, 0, 0.8e6, 0, 0},
	}
	cfg.Output.Prefix = filepath.Join(t.TempDir(), "out", "fault")
	cfg.Output.Receivers = []config.Receiver{{Fault: 0, Point: 0}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunTwoRanksWithFault(t *testing.T) {
	cfg := faultRun(t)
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, nil, collector))

	// Cluster 0 lives on rank 0 only, cluster 1 on both ranks
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.FullUpdates.WithLabelValues("0")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.FullUpdates.WithLabelValues("1")))

	data, err := os.ReadFile(cfg.Output.Prefix + "-new-faultreceiver-00000-00000.dat")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// Title, variables and three coordinates, then one row per step
	require.Len(t, lines, 9)
	assert.Contains(t, lines[1], `"SRs"`)
}

func TestRunRejectsUnplacedReceivers(t *testing.T) {
	cfg := faultRun(t)
	cfg.Output.Receivers = append(cfg.Output.Receivers, config.Receiver{Fault: 3})
	err := run(context.Background(), cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 fault receivers")
}

func TestRunOffloaded(t *testing.T) {
	cfg := faultRun(t)
	cfg.Offload.Enabled = true
	cfg.Friction.Law = config.LawThermalPressurization
	cfg.Friction.HeatCapacity = 2.7e6
	cfg.Friction.Pressurization = 0.05
	require.NoError(t, run(context.Background(), cfg, nil, nil))
}

func TestRunReportsLayoutErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Mesh.Elements = 3
	cfg.Mesh.Clusters = []int{0, 2, 2}
	err := run(context.Background(), cfg, nil, nil)
	var ce *partitions.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestFrictionLaw(t *testing.T) {
	cfg := config.Default()
	law, free, err := frictionLaw(cfg)
	require.NoError(t, err)
	free()
	assert.IsType(t, &dr.LinearSlipWeakening{}, law)

	cfg.Friction.Law = config.LawThermalPressurization
	law, _, err = frictionLaw(cfg)
	require.NoError(t, err)
	assert.Equal(t, "thermal-pressurization", law.Name())

	cfg.Offload.Device = "occa"
	_, _, err = frictionLaw(cfg)
	assert.Error(t, err, "only slip weakening runs on a device")
}
