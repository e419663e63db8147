// Package inflow implements the Incoming Instruction Stream and the
// Flow-Control Governor it drives: the single-threaded dispatch pump that
// consumes inbound frames from a channel's bidi stream, and the permit
// bookkeeping that decides when to grant the server more.
//
// Modeled on the teacher's appendFSM receive pump (broker/append_fsm.go,
// which pumps chunk reads through a timeout-guarded goroutine and channel)
// and on the AMQP receiver's credit/flow accounting
// (kedacore's vendored github.com/Azure/go-amqp Receiver.IssueCredit).
package inflow

import "sync"

// Governor tracks permits granted to the server for inbound frames on one
// channel's stream, and issues a refill once consumed reaches batch.
// Grants are cumulative: the client never decreases a prior grant.
type Governor struct {
	mu       sync.Mutex
	permits  int64
	batch    int64
	consumed int64
	send     func(delta int64) error
	enabled  bool
}

// NewGovernor returns a Governor which will call send(batch) each time
// consumed reaches batch after the initial grant of permits.
func NewGovernor(permits, batch int64, send func(delta int64) error) *Governor {
	return &Governor{permits: permits, batch: batch, send: send}
}

// Enable sends the initial grant of permits and begins refill accounting.
// It is idempotent: a second call is a no-op, since flow control is enabled
// exactly once per stream lifetime (re-enabled implicitly by constructing a
// fresh Governor across a reconnect).
func (g *Governor) Enable() error {
	g.mu.Lock()
	if g.enabled {
		g.mu.Unlock()
		return nil
	}
	g.enabled = true
	var permits = g.permits
	g.mu.Unlock()

	if permits <= 0 {
		return nil
	}
	return g.send(permits)
}

// ConsumeOne accounts for one dispatched inbound frame. Once consumed
// reaches batch, it sends a refill of exactly batch permits and resets the
// counter. The permit is released (consumed) as soon as dispatch of the
// frame returns -- not when any asynchronous handler work it triggered
// completes (spec.md §4.3): flow control meters the dispatch pump, not
// user-handler latency.
func (g *Governor) ConsumeOne() error {
	g.mu.Lock()
	g.consumed++
	var refill = g.consumed >= g.batch && g.batch > 0
	if refill {
		g.consumed = 0
	}
	g.mu.Unlock()

	if refill {
		return g.send(g.batch)
	}
	return nil
}

// Consumed returns the number of frames consumed since the last refill.
// Intended for tests.
func (g *Governor) Consumed() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumed
}
