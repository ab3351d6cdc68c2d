package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/notargets/seislts/config"
	"github.com/notargets/seislts/dr"
	"github.com/notargets/seislts/dr/occalaw"
	"github.com/notargets/seislts/dr/output"
	"github.com/notargets/seislts/halo"
	"github.com/notargets/seislts/halo/grpctransport"
	"github.com/notargets/seislts/internal/logging"
	"github.com/notargets/seislts/internal/observability"
	"github.com/notargets/seislts/kernels"
	"github.com/notargets/seislts/meshsetup"
	"github.com/notargets/seislts/partitions"
	"github.com/notargets/seislts/runner"
	"github.com/notargets/seislts/timestepping"
)

// rankRun is everything one rank owns during a run
type rankRun struct {
	rank      int
	manager   *timestepping.Manager
	coupler   dr.Coupler
	recorders []*output.Recorder
}

func (rr *rankRun) close() error {
	var errs []error
	for _, r := range rr.recorders {
		errs = append(errs, r.Close())
	}
	if rr.coupler != nil {
		errs = append(errs, rr.coupler.Close())
	}
	return errors.Join(errs...)
}

// run builds the layout of every rank served by this process and advances
// all of them to the end time
func run(ctx context.Context, cfg config.Config, log logging.Logger, collector *observability.Collector) error {
	log = logging.OrNoop(log)
	mesh, err := meshsetup.Build(cfg)
	if err != nil {
		return fmt.Errorf("mesh setup: %w", err)
	}
	regs, err := partitions.BuildAllRanks(mesh, cfg.Shape(), cfg.KernelMaterial())
	if err != nil {
		return fmt.Errorf("partition layout: %w", err)
	}
	d := cfg.Discretization
	k, err := kernels.NewLinear(cfg.Shape(), d.Wavenumber, d.Coupling)
	if err != nil {
		return err
	}
	law, freeLaw, err := frictionLaw(cfg)
	if err != nil {
		return err
	}
	defer freeLaw()

	transports, err := openTransports(ctx, cfg, len(regs), log)
	if err != nil {
		return err
	}
	defer func() {
		for _, t := range transports {
			if cerr := t.Close(); cerr != nil {
				log.Warn(ctx, "closing halo transport", logging.Int("rank", t.Rank()), logging.Err(cerr))
			}
		}
	}()

	numClusters := meshsetup.NumClusters(mesh)
	var ranks []*rankRun
	for _, t := range transports {
		rank := t.Rank()
		rr, err := buildRank(cfg, regs[rank], t, k, law, numClusters, log.With(logging.Int("rank", rank)), collector)
		if err != nil {
			for _, built := range ranks {
				_ = built.close()
			}
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		ranks = append(ranks, rr)
	}
	if err := checkReceiversPlaced(cfg, ranks, len(transports) == len(regs)); err != nil {
		for _, rr := range ranks {
			_ = rr.close()
		}
		return err
	}

	log.Info(ctx, "layout ready",
		logging.Int("elements", mesh.NumElements),
		logging.Int("ranks", len(regs)),
		logging.Int("clusters", numClusters),
		logging.Int("fault_faces", len(mesh.FaultFaces)))

	errs := make([]error, len(ranks))
	var wg sync.WaitGroup
	for i, rr := range ranks {
		wg.Add(1)
		go func(i int, rr *rankRun) {
			defer wg.Done()
			errs[i] = rr.manager.Run(ctx)
		}(i, rr)
	}
	wg.Wait()
	for i, rr := range ranks {
		if err := rr.close(); err != nil {
			errs[i] = errors.Join(errs[i], err)
		}
		if errs[i] != nil {
			errs[i] = fmt.Errorf("rank %d: %w", rr.rank, errs[i])
		}
	}
	return errors.Join(errs...)
}

// frictionLaw selects the host or device law; the returned func releases
// the device
func frictionLaw(cfg config.Config) (dr.FrictionLaw, func(), error) {
	f := cfg.Friction
	if cfg.Offload.Device == "occa" {
		if f.Law != config.LawSlipWeakening {
			return nil, nil, fmt.Errorf("no device implementation of %s", f.Law)
		}
		device, err := runner.CreateDevice(cfg.Offload.DeviceProps)
		if err != nil {
			return nil, nil, err
		}
		sw := occalaw.NewSlipWeakening(device, f.RuptureThreshold)
		return sw, func() {
			sw.Free()
			device.Free()
		}, nil
	}
	lsw := dr.LinearSlipWeakening{RuptureThreshold: f.RuptureThreshold}
	if f.Law == config.LawThermalPressurization {
		return &dr.ThermalPressurization{
			LinearSlipWeakening: lsw,
			HeatCapacity:        f.HeatCapacity,
			Pressurization:      f.Pressurization,
		}, func() {}, nil
	}
	return &lsw, func() {}, nil
}

// openTransports returns the transports of the ranks run by this process:
// all of them on a local network, the configured one over gRPC
func openTransports(ctx context.Context, cfg config.Config, numRanks int, log logging.Logger) ([]halo.Transport, error) {
	if cfg.Halo.Transport == config.TransportLocal {
		network := halo.NewLocalNetwork(numRanks)
		transports := make([]halo.Transport, numRanks)
		for r := range transports {
			transports[r] = network.Endpoint(r)
		}
		return transports, nil
	}
	if numRanks != cfg.Mesh.Ranks {
		return nil, fmt.Errorf("layout has %d ranks, configuration names %d", numRanks, cfg.Mesh.Ranks)
	}
	t, err := grpctransport.New(grpctransport.Config{
		Rank:        cfg.Halo.Rank,
		Peers:       cfg.Halo.Peers,
		CallTimeout: cfg.Halo.CallTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", cfg.Halo.Peers[cfg.Halo.Rank])
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("listen for halo messages: %w", err)
	}
	go func() {
		if err := t.Serve(lis); err != nil {
			log.Warn(ctx, "halo server exited", logging.Err(err))
		}
	}()
	return []halo.Transport{t}, nil
}

func buildRank(cfg config.Config, reg *partitions.Registry, t halo.Transport, k kernels.Kernel, law dr.FrictionLaw,
	numClusters int, log logging.Logger, collector *observability.Collector) (*rankRun, error) {
	rr := &rankRun{rank: t.Rank()}
	if cfg.Offload.Enabled {
		rr.coupler = dr.NewOffloadCoupler(law, cfg.Offload.QueueDepth, log)
	} else {
		rr.coupler = dr.NewHostCoupler(law)
	}
	pointInit := func(face *partitions.FaultFace, _ int) dr.PointInit {
		return cfg.Friction.PointInit(face.GlobalID)
	}

	sources, err := placeSources(cfg.Simulation.Sources, reg)
	if err != nil {
		_ = rr.close()
		return nil, err
	}

	var faulted []*timestepping.TimeCluster
	var clusters []*timestepping.TimeCluster
	for id := range reg.Clusters {
		g := reg.Clusters[id].GlobalID
		tc, err := timestepping.NewTimeCluster(reg, id, k, timestepping.Config{
			Dt:         cfg.ClusterDt(g),
			Plasticity: cfg.Plasticity.Enabled,
			Tv:         cfg.Plasticity.Tv,
			Workers:    cfg.Simulation.Workers,
		},
			timestepping.WithLogger(log),
			timestepping.WithCollector(collector),
			timestepping.WithTransport(t),
			timestepping.WithDynamicRupture(rr.coupler, pointInit),
		)
		if err != nil {
			_ = rr.close()
			return nil, err
		}
		if err := tc.SetSources(sources[id]); err != nil {
			_ = rr.close()
			return nil, err
		}
		if tc.HasFaults() {
			faulted = append(faulted, tc)
		}
		clusters = append(clusters, tc)
	}

	rr.manager, err = timestepping.NewManager(clusters, timestepping.ManagerConfig{
		Rate:              cfg.Simulation.Rate,
		EndTime:           cfg.Simulation.EndTime,
		NumGlobalClusters: numClusters,
		PollInterval:      cfg.Simulation.PollInterval,
	}, timestepping.WithManagerLogger(log))
	if err != nil {
		_ = rr.close()
		return nil, err
	}

	for _, tc := range faulted {
		rec, err := newRecorder(cfg, rr.rank, rr.manager.EndTime(), tc, len(faulted) > 1, log)
		if err != nil {
			_ = rr.close()
			return nil, err
		}
		tc.SetFaultObserver(rec)
		rr.recorders = append(rr.recorders, rec)
	}
	return rr, nil
}

// placeSources groups the sources of cells on this rank by local cluster
func placeSources(cfgSources []config.MomentSource, reg *partitions.Registry) (map[int][]timestepping.SourceTerm, error) {
	out := make(map[int][]timestepping.SourceTerm)
	for i, s := range cfgSources {
		ref, ok := reg.Lookup(s.Element)
		if !ok {
			continue
		}
		if s.Scale == 0 {
			return nil, fmt.Errorf("source %d: zero scale", i)
		}
		out[ref.Cluster] = append(out[ref.Cluster], &timestepping.GaussianMomentSource{
			Cell:   ref,
			Moment: s.Moment,
			Onset:  s.Onset,
			Width:  s.Width,
			Scale:  s.Scale,
		})
	}
	return out, nil
}

// newRecorder writes the owned fault output of one cluster. Ranks with
// several faulted clusters tag the file prefix with the cluster.
func newRecorder(cfg config.Config, rank int, endTime float64, tc *timestepping.TimeCluster, tagCluster bool,
	log logging.Logger) (*output.Recorder, error) {
	rc, err := cfg.RecorderConfig(rank)
	if err != nil {
		return nil, err
	}
	rc.EndTime = endTime
	if tagCluster {
		rc.Prefix = fmt.Sprintf("%s-c%d", rc.Prefix, tc.GlobalID)
	}
	rec, err := output.NewRecorder(rc, output.NewFileSink(rc.Prefix, rank, rc.Parallel), output.WithLogger(log))
	if err != nil {
		return nil, err
	}
	for kind := partitions.Interior; kind < partitions.NumLayers; kind++ {
		fl := tc.FaultLayer(kind)
		if fl == nil {
			continue
		}
		rec.AddElementwiseLayer(fl)
		for id, r := range cfg.Output.Receivers {
			for f := range fl.Faces {
				if fl.Faces[f].GlobalID != r.Fault || !fl.Faces[f].Owned {
					continue
				}
				if err := rec.AddReceiver(output.Receiver{ID: id, Layer: fl, Face: f, Point: r.Point}); err != nil {
					return nil, err
				}
			}
		}
	}
	return rec, nil
}

// checkReceiversPlaced fails for receivers no rank owns. With a single
// gRPC rank per process only the local ranks can be checked, so the check
// is skipped.
func checkReceiversPlaced(cfg config.Config, ranks []*rankRun, allRanks bool) error {
	if !allRanks {
		return nil
	}
	placed := 0
	for _, rr := range ranks {
		for _, rec := range rr.recorders {
			placed += rec.NumReceivers()
		}
	}
	if placed != len(cfg.Output.Receivers) {
		return fmt.Errorf("%d of %d fault receivers lie on an owned fault face", placed, len(cfg.Output.Receivers))
	}
	return nil
}
