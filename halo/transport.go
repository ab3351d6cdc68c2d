// Package halo moves copy-layer data between ranks with non-blocking,
// testable requests.
package halo

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed completes requests that can no longer be matched
var ErrTransportClosed = errors.New("transport closed")

// Handle is an in-flight send or receive
type Handle interface {
	// Test reports completion without blocking
	Test() (bool, error)
	Done() <-chan struct{}
	// Wait blocks until completion or ctx is done
	Wait(ctx context.Context) error
}

// Transport posts non-blocking point-to-point messages of float64 payloads.
// A send buffer must not be modified until its handle completes, a receive
// buffer must not be read before its handle completes.
type Transport interface {
	Rank() int
	PostSend(buf []float64, dest, tag int) (Handle, error)
	PostReceive(buf []float64, src, tag int) (Handle, error)
	Close() error
}

// Request is the Handle implementation shared by the transports
type Request struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewRequest returns an incomplete request
func NewRequest() *Request {
	return &Request{done: make(chan struct{})}
}

// CompletedRequest returns a request that is already complete
func CompletedRequest(err error) *Request {
	r := NewRequest()
	r.Complete(err)
	return r
}

// Complete marks the request done; later calls are ignored
func (r *Request) Complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *Request) Test() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
