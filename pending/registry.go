// Package pending implements the pending-instruction registry shared by the
// Command and Query channels: a map from outgoing instruction id to a
// completion promise, resolved by inbound acks.
package pending

import (
	"sync"

	"github.com/pkg/errors"
)

// Outcome is the resolution of a tracked instruction: either success, or a
// structured failure preserving the server's error category and message.
type Outcome struct {
	Err error
}

// Promise is a single-assignment future resolved exactly once, either by a
// matching Ack or by Registry.FailAll. Wait, Done and Outcome may be used
// from any number of goroutines.
type Promise struct {
	done chan struct{}
	mu   sync.Mutex
	val  Outcome
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// completed returns a Promise which is already resolved, used for
// fire-and-forget instructions (empty instruction id).
func completed(outcome Outcome) *Promise {
	var p = newPromise()
	p.resolve(outcome)
	return p
}

func (p *Promise) resolve(outcome Outcome) {
	p.mu.Lock()
	select {
	case <-p.done:
		// Already resolved; a duplicate or late ack is a no-op.
	default:
		p.val = outcome
		close(p.done)
	}
	p.mu.Unlock()
}

// Done returns a channel that is closed once the Promise is resolved.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Outcome returns the resolved Outcome. It must only be called after Done()
// has been observed closed.
func (p *Promise) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val
}

// Wait blocks until the Promise resolves and returns its Outcome.
func (p *Promise) Wait() Outcome {
	<-p.done
	return p.Outcome()
}

// Registry tracks in-flight instructions awaiting a server ack. Every id
// tracked with a non-empty string is observed by at most one Ack call;
// FailAll is safe to call concurrently with Track and Ack.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Promise
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{pending: make(map[string]*Promise)}
}

// Track records interest in an ack for instructionId and returns a Promise
// that will be resolved by a matching call to Ack or FailAll. If
// instructionId is empty, the returned Promise is already resolved
// successfully: the send is fire-and-forget and is never awaiting a reply,
// regardless of whether the server ever acks it.
func (r *Registry) Track(instructionId string) *Promise {
	if instructionId == "" {
		return completed(Outcome{})
	}

	var p = newPromise()
	r.mu.Lock()
	r.pending[instructionId] = p
	r.mu.Unlock()
	return p
}

// Ack resolves the Promise tracked under instructionId, if any. A nil err
// resolves it successfully; a non-nil err resolves it with that failure.
// Ack is a no-op for an id that was never tracked, or was already resolved
// (a duplicate or late ack arriving after FailAll).
func (r *Registry) Ack(instructionId string, err error) {
	if instructionId == "" {
		return
	}

	r.mu.Lock()
	var p, ok = r.pending[instructionId]
	if ok {
		delete(r.pending, instructionId)
	}
	r.mu.Unlock()

	if ok {
		p.resolve(Outcome{Err: err})
	}
}

// AckError builds the structured error carried by a negative ack, preserving
// both the server's error category and message.
func AckError(category string, message string) error {
	if category == "" && message == "" {
		return nil
	}
	return errors.Errorf("%s: %s", category, message)
}

// FailAll atomically drains the registry and fails every still-pending
// Promise with cause. Entries tracked concurrently with FailAll either
// observe the drain (and are failed) or are tracked into an empty map and
// remain pending for a subsequent Ack or FailAll -- FailAll never resolves
// a Promise it didn't observe in the map at the instant of the swap.
func (r *Registry) FailAll(cause error) {
	r.mu.Lock()
	var drained = r.pending
	r.pending = make(map[string]*Promise)
	r.mu.Unlock()

	for _, p := range drained {
		p.resolve(Outcome{Err: cause})
	}
}

// Len returns the number of currently pending instructions. Intended for
// tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
