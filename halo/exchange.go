package halo

import (
	"context"
	"fmt"

	"github.com/notargets/seislts/internal/logging"
	"github.com/notargets/seislts/internal/observability"
	"github.com/notargets/seislts/partitions"
)

// Exchange drives the halo communication of one cluster. At most one batch
// of sends and one batch of receives is in flight at any time.
//
// A region whose neighbor cluster is not slower than the own cluster
// exchanges every step. A region with a slower neighbor sends only when the
// accumulated LTS buffers are complete and receives only at the start of the
// slower neighbor's interval.
type Exchange struct {
	transport Transport
	cluster   *partitions.ClusterData
	log       logging.Logger
	metrics   *observability.Collector

	sendBufs [][]float64
	sends    []Handle
	recvs    []Handle
}

// ExchangeOption configures an Exchange
type ExchangeOption func(*Exchange)

// WithLogger sets the logger
func WithLogger(l logging.Logger) ExchangeOption {
	return func(ex *Exchange) { ex.log = logging.OrNoop(l) }
}

// WithCollector sets the metrics collector
func WithCollector(c *observability.Collector) ExchangeOption {
	return func(ex *Exchange) { ex.metrics = c }
}

// NewExchange prepares the send buffers of every region of the cluster
func NewExchange(t Transport, cd *partitions.ClusterData, opts ...ExchangeOption) (*Exchange, error) {
	if cd == nil {
		return nil, fmt.Errorf("nil cluster")
	}
	if t == nil && len(cd.Structure.Regions) > 0 {
		return nil, fmt.Errorf("cluster %d has %d regions but no transport", cd.GlobalID, len(cd.Structure.Regions))
	}
	ex := &Exchange{
		transport: t,
		cluster:   cd,
		log:       logging.Noop(),
		sendBufs:  make([][]float64, len(cd.Structure.Regions)),
	}
	for _, opt := range opts {
		opt(ex)
	}
	for i, r := range cd.Structure.Regions {
		ex.sendBufs[i] = make([]float64, r.SendSize)
	}
	return ex, nil
}

// HasRegions reports whether the cluster communicates at all
func (ex *Exchange) HasRegions() bool {
	return len(ex.cluster.Structure.Regions) > 0
}

func (ex *Exchange) active(r *partitions.Region, ltsFlag bool) bool {
	return r.NeighborCluster <= ex.cluster.GlobalID || ltsFlag
}

// TestForCopyLayerSends reports whether all sends of the previous step completed
func (ex *Exchange) TestForCopyLayerSends() (bool, error) {
	done, err := testAll(ex.sends)
	if err != nil {
		return false, fmt.Errorf("cluster %d copy layer send: %w", ex.cluster.GlobalID, err)
	}
	if done {
		ex.sends = ex.sends[:0]
	}
	return done, nil
}

// TestForGhostLayerReceives reports whether all posted receives completed.
// Received data lands directly in the ghost slots.
func (ex *Exchange) TestForGhostLayerReceives() (bool, error) {
	done, err := testAll(ex.recvs)
	if err != nil {
		return false, fmt.Errorf("cluster %d ghost layer receive: %w", ex.cluster.GlobalID, err)
	}
	if done {
		ex.recvs = ex.recvs[:0]
	}
	return done, nil
}

// PostReceives posts the receives of the current step
func (ex *Exchange) PostReceives(resetLtsBuffers bool) error {
	if len(ex.recvs) > 0 {
		return fmt.Errorf("cluster %d: receives still in flight", ex.cluster.GlobalID)
	}
	for i := range ex.cluster.Structure.Regions {
		r := &ex.cluster.Structure.Regions[i]
		if !ex.active(r, resetLtsBuffers) {
			continue
		}
		h, err := ex.transport.PostReceive(r.Ghost, r.Rank, r.RecvTag)
		if err != nil {
			return fmt.Errorf("cluster %d region %d receive from rank %d: %w", ex.cluster.GlobalID, i, r.Rank, err)
		}
		ex.recvs = append(ex.recvs, h)
	}
	ex.metrics.RecordHaloMessages(ex.cluster.GlobalID, "receive", len(ex.recvs))
	return nil
}

// SendCopyLayer packs the copy-layer data of every active region and posts the sends
func (ex *Exchange) SendCopyLayer(sendLtsBuffers bool) error {
	if len(ex.sends) > 0 {
		return fmt.Errorf("cluster %d: sends still in flight", ex.cluster.GlobalID)
	}
	layer := ex.cluster.Layers[partitions.Copy]
	for i := range ex.cluster.Structure.Regions {
		r := &ex.cluster.Structure.Regions[i]
		if !ex.active(r, sendLtsBuffers) {
			continue
		}
		buf := ex.sendBufs[i]
		off := 0
		for j, ci := range r.CopyCells {
			c := &layer.Cells[ci]
			var src []float64
			switch r.SendReads[j] {
			case partitions.ReadDerivativesOwnStep:
				src = c.Derivatives
			case partitions.ReadAccumulatedBuffer:
				src = c.Accumulated
			default:
				src = c.Buffer
			}
			off += copy(buf[off:], src)
		}
		if off != len(buf) {
			return fmt.Errorf("cluster %d region %d: packed %d values, expected %d", ex.cluster.GlobalID, i, off, len(buf))
		}
		h, err := ex.transport.PostSend(buf, r.Rank, r.SendTag)
		if err != nil {
			return fmt.Errorf("cluster %d region %d send to rank %d: %w", ex.cluster.GlobalID, i, r.Rank, err)
		}
		ex.sends = append(ex.sends, h)
	}
	ex.metrics.RecordHaloMessages(ex.cluster.GlobalID, "send", len(ex.sends))
	return nil
}

// InFlight returns the number of unfinished sends and receives
func (ex *Exchange) InFlight() (sends, receives int) {
	return len(ex.sends), len(ex.recvs)
}

// Drain waits for every outstanding send and receive. It is the only
// blocking operation of the exchange and is meant for the end of a run.
func (ex *Exchange) Drain(ctx context.Context) error {
	for _, h := range ex.sends {
		if err := h.Wait(ctx); err != nil {
			return fmt.Errorf("cluster %d drain send: %w", ex.cluster.GlobalID, err)
		}
	}
	ex.sends = ex.sends[:0]
	for _, h := range ex.recvs {
		if err := h.Wait(ctx); err != nil {
			return fmt.Errorf("cluster %d drain receive: %w", ex.cluster.GlobalID, err)
		}
	}
	ex.recvs = ex.recvs[:0]
	ex.log.Debug(ctx, "halo drained", logging.Int("cluster", ex.cluster.GlobalID))
	return nil
}

func testAll(handles []Handle) (bool, error) {
	for _, h := range handles {
		done, err := h.Test()
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}
