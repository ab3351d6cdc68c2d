package grpctransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notargets/seislts/halo"
	"github.com/notargets/seislts/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Config describes one rank of a gRPC halo network
type Config struct {
	Rank        int
	Peers       map[int]string // Rank to dial target
	CallTimeout time.Duration  // Per message including the wait for the peer, 0 disables
	DialOptions []grpc.DialOption
	Logger      logging.Logger
}

// Transport implements halo.Transport. Receives are matched by a local
// mailbox fed by the gRPC server; sends are unary calls completed in the
// background.
type Transport struct {
	cfg    Config
	log    logging.Logger
	mb     *halo.Mailbox
	server *grpc.Server

	mu    sync.Mutex
	conns map[int]*grpc.ClientConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ halo.Transport = (*Transport)(nil)

// New creates the transport and its gRPC server; call Serve to accept messages
func New(cfg Config) (*Transport, error) {
	if cfg.Rank < 0 {
		return nil, fmt.Errorf("invalid rank %d", cfg.Rank)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:    cfg,
		log:    logging.OrNoop(cfg.Logger).With(logging.Int("rank", cfg.Rank)),
		mb:     halo.NewMailbox(),
		conns:  make(map[int]*grpc.ClientConn),
		ctx:    ctx,
		cancel: cancel,
	}
	t.server = grpc.NewServer(grpc.ChainUnaryInterceptor(tracingInterceptor()))
	RegisterHaloServer(t.server, &mailboxServer{mb: t.mb})
	return t, nil
}

// Serve accepts messages on lis until Close; it blocks
func (t *Transport) Serve(lis net.Listener) error {
	t.log.Info(context.Background(), "serving halo messages", logging.String("addr", lis.Addr().String()))
	return t.server.Serve(lis)
}

func (t *Transport) Rank() int { return t.cfg.Rank }

func (t *Transport) conn(dest int) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.conns[dest]; ok {
		return cc, nil
	}
	target, ok := t.cfg.Peers[dest]
	if !ok {
		return nil, fmt.Errorf("no address for rank %d", dest)
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, t.cfg.DialOptions...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial rank %d at %s: %w", dest, target, err)
	}
	t.conns[dest] = cc
	return cc, nil
}

// PostSend copies buf and delivers it in the background. A peer that is not
// serving yet keeps the request pending until it is reachable or CallTimeout
// expires.
func (t *Transport) PostSend(buf []float64, dest, tag int) (halo.Handle, error) {
	if t.closed.Load() {
		return nil, halo.ErrTransportClosed
	}
	data := encodeMessage(t.cfg.Rank, tag, buf)
	if dest == t.cfg.Rank {
		_, _, payload, _ := decodeMessage(data)
		return halo.CompletedRequest(t.mb.Deliver(t.cfg.Rank, tag, payload)), nil
	}
	cc, err := t.conn(dest)
	if err != nil {
		return nil, err
	}
	req := halo.NewRequest()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx := t.ctx
		if t.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
			defer cancel()
		}
		err := cc.Invoke(ctx, deliverMethod, wrapperspb.Bytes(data), new(emptypb.Empty), grpc.WaitForReady(true))
		if err != nil {
			t.log.Warn(ctx, "halo send failed", logging.Int("dest", dest), logging.Int("tag", tag), logging.Err(err))
			err = fmt.Errorf("send to rank %d tag %d: %w", dest, tag, err)
		}
		req.Complete(err)
	}()
	return req, nil
}

func (t *Transport) PostReceive(buf []float64, src, tag int) (halo.Handle, error) {
	if t.closed.Load() {
		return nil, halo.ErrTransportClosed
	}
	return t.mb.PostReceive(buf, src, tag)
}

// Close cancels outstanding sends, stops the server and fails pending receives
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	t.server.Stop()
	t.mb.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for rank, cc := range t.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection to rank %d: %w", rank, err)
		}
	}
	t.conns = nil
	return firstErr
}
