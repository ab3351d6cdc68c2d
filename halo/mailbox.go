package halo

import (
	"fmt"
	"sync"
)

type mailKey struct {
	src, tag int
}

type pendingReceive struct {
	buf []float64
	req *Request
}

// Mailbox matches incoming messages with posted receives in FIFO order per
// (source, tag). Messages that arrive before their receive are queued.
type Mailbox struct {
	mu       sync.Mutex
	closed   bool
	receives map[mailKey][]pendingReceive
	messages map[mailKey][][]float64
}

// NewMailbox returns an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{
		receives: make(map[mailKey][]pendingReceive),
		messages: make(map[mailKey][][]float64),
	}
}

// Deliver hands a message to the mailbox, which takes ownership of payload
func (mb *Mailbox) Deliver(src, tag int, payload []float64) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrTransportClosed
	}
	key := mailKey{src, tag}
	if q := mb.receives[key]; len(q) > 0 {
		pr := q[0]
		mb.receives[key] = q[1:]
		pr.req.Complete(fill(pr.buf, payload, src, tag))
		return nil
	}
	mb.messages[key] = append(mb.messages[key], payload)
	return nil
}

// PostReceive registers buf for the next message from (src, tag)
func (mb *Mailbox) PostReceive(buf []float64, src, tag int) (Handle, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil, ErrTransportClosed
	}
	key := mailKey{src, tag}
	if q := mb.messages[key]; len(q) > 0 {
		payload := q[0]
		mb.messages[key] = q[1:]
		return CompletedRequest(fill(buf, payload, src, tag)), nil
	}
	req := NewRequest()
	mb.receives[key] = append(mb.receives[key], pendingReceive{buf: buf, req: req})
	return req, nil
}

// Close fails all pending receives
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	for key, q := range mb.receives {
		for _, pr := range q {
			pr.req.Complete(ErrTransportClosed)
		}
		delete(mb.receives, key)
	}
}

// Pending returns the number of unmatched receives and queued messages
func (mb *Mailbox) Pending() (receives, messages int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, q := range mb.receives {
		receives += len(q)
	}
	for _, q := range mb.messages {
		messages += len(q)
	}
	return receives, messages
}

func fill(buf, payload []float64, src, tag int) error {
	if len(buf) != len(payload) {
		return fmt.Errorf("message from rank %d tag %d has %d values, receive expects %d",
			src, tag, len(payload), len(buf))
	}
	copy(buf, payload)
	return nil
}
