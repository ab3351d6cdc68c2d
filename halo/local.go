package halo

import (
	"fmt"
	"sync/atomic"
)

// LocalNetwork connects ranks living in one process. Sends are eager: the
// payload is copied into the destination mailbox and the send completes at once.
type LocalNetwork struct {
	boxes []*Mailbox
}

// NewLocalNetwork creates a network of size ranks
func NewLocalNetwork(size int) *LocalNetwork {
	n := &LocalNetwork{boxes: make([]*Mailbox, size)}
	for i := range n.boxes {
		n.boxes[i] = NewMailbox()
	}
	return n
}

// Size returns the number of ranks
func (n *LocalNetwork) Size() int { return len(n.boxes) }

// Endpoint returns the transport of one rank
func (n *LocalNetwork) Endpoint(rank int) Transport {
	return &localEndpoint{net: n, rank: rank}
}

// Mailbox exposes the mailbox of a rank for inspection
func (n *LocalNetwork) Mailbox(rank int) *Mailbox { return n.boxes[rank] }

type localEndpoint struct {
	net    *LocalNetwork
	rank   int
	closed atomic.Bool
}

func (le *localEndpoint) Rank() int { return le.rank }

func (le *localEndpoint) PostSend(buf []float64, dest, tag int) (Handle, error) {
	if le.closed.Load() {
		return nil, ErrTransportClosed
	}
	if dest < 0 || dest >= len(le.net.boxes) {
		return nil, fmt.Errorf("destination rank %d out of range", dest)
	}
	payload := make([]float64, len(buf))
	copy(payload, buf)
	err := le.net.boxes[dest].Deliver(le.rank, tag, payload)
	return CompletedRequest(err), nil
}

func (le *localEndpoint) PostReceive(buf []float64, src, tag int) (Handle, error) {
	if le.closed.Load() {
		return nil, ErrTransportClosed
	}
	if src < 0 || src >= len(le.net.boxes) {
		return nil, fmt.Errorf("source rank %d out of range", src)
	}
	return le.net.boxes[le.rank].PostReceive(buf, src, tag)
}

func (le *localEndpoint) Close() error {
	if le.closed.CompareAndSwap(false, true) {
		le.net.boxes[le.rank].Close()
	}
	return nil
}
