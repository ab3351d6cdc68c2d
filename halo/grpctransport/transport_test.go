package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notargets/seislts/halo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testRanks struct {
	transports []*Transport
	listeners  []*bufconn.Listener
	serving    []atomic.Bool
}

// newRanks creates n transports on in-memory listeners that refuse
// connections until serve is called for the rank
func newRanks(t *testing.T, n int, callTimeout time.Duration) *testRanks {
	t.Helper()
	r := &testRanks{
		transports: make([]*Transport, n),
		listeners:  make([]*bufconn.Listener, n),
		serving:    make([]atomic.Bool, n),
	}
	index := make(map[string]int, n)
	peers := make(map[int]string, n)
	for rank := 0; rank < n; rank++ {
		name := fmt.Sprintf("rank%d", rank)
		index[name] = rank
		r.listeners[rank] = bufconn.Listen(1 << 20)
		peers[rank] = "passthrough:///" + name
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		rank, ok := index[addr]
		if !ok {
			return nil, fmt.Errorf("unknown address %q", addr)
		}
		if !r.serving[rank].Load() {
			return nil, fmt.Errorf("dial %s: connection refused", addr)
		}
		return r.listeners[rank].DialContext(ctx)
	})
	reconnect := grpc.WithConnectParams(grpc.ConnectParams{
		Backoff: backoff.Config{
			BaseDelay:  10 * time.Millisecond,
			Multiplier: 1.6,
			Jitter:     0.2,
			MaxDelay:   50 * time.Millisecond,
		},
		MinConnectTimeout: time.Second,
	})

	for rank := 0; rank < n; rank++ {
		tr, err := New(Config{
			Rank:        rank,
			Peers:       peers,
			CallTimeout: callTimeout,
			DialOptions: []grpc.DialOption{dialer, reconnect},
		})
		require.NoError(t, err)
		r.transports[rank] = tr
		t.Cleanup(func() { _ = tr.Close() })
	}
	return r
}

func (r *testRanks) serve(rank int) {
	r.serving[rank].Store(true)
	tr, lis := r.transports[rank], r.listeners[rank]
	go func() { _ = tr.Serve(lis) }()
}

// startRanks runs n serving transports
func startRanks(t *testing.T, n int) []*Transport {
	t.Helper()
	r := newRanks(t, n, 5*time.Second)
	for rank := 0; rank < n; rank++ {
		r.serve(rank)
	}
	return r.transports
}

func waitDone(t *testing.T, h halo.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestGRPCTransportRoundTrip(t *testing.T) {
	ts := startRanks(t, 2)

	recv := make([]float64, 3)
	rh, err := ts[1].PostReceive(recv, 0, 1001)
	require.NoError(t, err)
	done, err := rh.Test()
	require.NoError(t, err)
	assert.False(t, done)

	sh, err := ts[0].PostSend([]float64{1.25, -3, 1e-300}, 1, 1001)
	require.NoError(t, err)
	waitDone(t, sh)
	waitDone(t, rh)
	assert.Equal(t, []float64{1.25, -3, 1e-300}, recv)

	// Message arriving before the receive is queued
	sh, err = ts[1].PostSend([]float64{9}, 0, 7)
	require.NoError(t, err)
	waitDone(t, sh)
	one := make([]float64, 1)
	rh, err = ts[0].PostReceive(one, 1, 7)
	require.NoError(t, err)
	waitDone(t, rh)
	assert.Equal(t, 9.0, one[0])
}

func TestGRPCTransportSendWaitsForLatePeer(t *testing.T) {
	r := newRanks(t, 2, 5*time.Second)
	r.serve(0)

	sh, err := r.transports[0].PostSend([]float64{2, 3}, 1, 7)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	done, err := sh.Test()
	require.NoError(t, err, "an unreachable peer is not a send failure")
	assert.False(t, done)

	r.serve(1)
	waitDone(t, sh)
	buf := make([]float64, 2)
	rh, err := r.transports[1].PostReceive(buf, 0, 7)
	require.NoError(t, err)
	waitDone(t, rh)
	assert.Equal(t, []float64{2, 3}, buf)
}

func TestGRPCTransportCallTimeoutBoundsTheWait(t *testing.T) {
	r := newRanks(t, 2, 100*time.Millisecond)
	r.serve(0)

	sh, err := r.transports[0].PostSend([]float64{1}, 1, 7)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = sh.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(errors.Unwrap(err)))
}

func TestGRPCTransportSelfSendAndUnknownPeer(t *testing.T) {
	ts := startRanks(t, 1)

	buf := make([]float64, 2)
	rh, err := ts[0].PostReceive(buf, 0, 3)
	require.NoError(t, err)
	sh, err := ts[0].PostSend([]float64{4, 5}, 0, 3)
	require.NoError(t, err)
	waitDone(t, sh)
	waitDone(t, rh)
	assert.Equal(t, []float64{4, 5}, buf)

	_, err = ts[0].PostSend(buf, 4, 3)
	assert.Error(t, err)
}

func TestGRPCTransportClose(t *testing.T) {
	ts := startRanks(t, 2)

	rh, err := ts[0].PostReceive(make([]float64, 1), 1, 0)
	require.NoError(t, err)
	require.NoError(t, ts[0].Close())
	<-rh.Done()
	_, err = rh.Test()
	assert.ErrorIs(t, err, halo.ErrTransportClosed)

	_, err = ts[0].PostSend([]float64{1}, 1, 0)
	assert.ErrorIs(t, err, halo.ErrTransportClosed)
	require.NoError(t, ts[0].Close())
}

func TestMessageFraming(t *testing.T) {
	data := encodeMessage(3, 2001, []float64{0.5, -1})
	src, tag, payload, err := decodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, 3, src)
	assert.Equal(t, 2001, tag)
	assert.Equal(t, []float64{0.5, -1}, payload)

	_, _, _, err = decodeMessage(data[:headerSize+3])
	assert.Error(t, err)
	_, _, _, err = decodeMessage(nil)
	assert.Error(t, err)
}
