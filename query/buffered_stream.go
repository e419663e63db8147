package query

import "sync"

// item is one element of a BufferedStream: a delivered Response, a terminal
// error, or plain terminal-normal completion.
type item struct {
	resp     Response
	err      error
	terminal bool
}

// BufferedStream is the Buffered Result Stream (spec.md §4.8): a bounded
// producer/consumer buffer credited with initialPermits, refilling by
// refillBatch once that many elements have been consumed. A single
// terminal item marks normal completion; an error recorded as the terminal
// item is raised on the next consumer read. Close detaches the consumer
// without cancelling the producer's underlying RPC: further produce calls
// become silent no-ops instead of blocking forever.
type BufferedStream struct {
	items chan item

	mu       sync.Mutex
	consumed int64
	batch    int64
	send     func(delta int64) error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBufferedStream returns a BufferedStream with room for initialPermits
// undelivered elements. send, if non-nil, is invoked with refillBatch once
// refillBatch elements have been consumed since the last refill (a no-op
// send is appropriate for a transport with no flow control of its own, eg
// a unary-dispatched RPC).
func NewBufferedStream(initialPermits, refillBatch int64, send func(delta int64) error) *BufferedStream {
	if initialPermits <= 0 {
		initialPermits = 1
	}
	return &BufferedStream{
		items:  make(chan item, initialPermits),
		batch:  refillBatch,
		send:   send,
		closed: make(chan struct{}),
	}
}

// push delivers resp to the consumer, or silently drops it if the stream
// has been closed. It reports whether the stream was still open.
func (b *BufferedStream) push(resp Response) bool {
	select {
	case b.items <- item{resp: resp}:
		return true
	case <-b.closed:
		return false
	}
}

// fail delivers a terminal error to the consumer.
func (b *BufferedStream) fail(err error) {
	select {
	case b.items <- item{err: err, terminal: true}:
	case <-b.closed:
	}
}

// complete delivers the normal-completion sentinel to the consumer.
func (b *BufferedStream) complete() {
	select {
	case b.items <- item{terminal: true}:
	case <-b.closed:
	}
}

// Next blocks for the next delivered Response. more is false once the
// stream has reached its terminal item (err is non-nil only for an
// abnormal termination) or been closed.
func (b *BufferedStream) Next() (resp Response, err error, more bool) {
	select {
	case it, ok := <-b.items:
		if !ok || it.terminal {
			return Response{}, it.err, false
		}
		b.mu.Lock()
		b.consumed++
		var refill = b.batch > 0 && b.consumed >= b.batch
		if refill {
			b.consumed = 0
		}
		b.mu.Unlock()
		if refill && b.send != nil {
			_ = b.send(b.batch)
		}
		return it.resp, nil, true
	case <-b.closed:
		return Response{}, nil, false
	}
}

// Close detaches the consumer side without cancelling the producer's
// underlying RPC (spec.md §4.8): subsequent push/fail/complete calls from
// the producer become no-ops instead of blocking.
func (b *BufferedStream) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}
