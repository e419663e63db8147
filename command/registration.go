package command

import (
	"sync"

	"github.com/axonconnect/connector-go/pending"
)

// Completion is a single-assignment future resolved exactly once: either
// directly, or as the conjunction of several pending.Promise values
// (registerHandler's per-name subscribe acks).
type Completion struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) complete(err error) {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		c.err = err
		close(c.done)
	}
	c.mu.Unlock()
}

// Done returns a channel closed once the Completion has resolved.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until the Completion resolves and returns its error, nil on
// success.
func (c *Completion) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// conjoin returns a Completion that resolves once every promise in
// promises has resolved, with the first non-nil error observed among them
// (or nil if all succeeded).
func conjoin(promises []*pending.Promise) *Completion {
	var out = newCompletion()
	if len(promises) == 0 {
		out.complete(nil)
		return out
	}

	go func() {
		var mu sync.Mutex
		var first error
		var remaining = len(promises)
		var wg sync.WaitGroup
		wg.Add(len(promises))

		for _, p := range promises {
			go func(p *pending.Promise) {
				defer wg.Done()
				var outcome = p.Wait()
				mu.Lock()
				if outcome.Err != nil && first == nil {
					first = outcome.Err
				}
				remaining--
				mu.Unlock()
			}(p)
		}
		wg.Wait()
		out.complete(first)
	}()
	return out
}

// Registration is returned by Channel.RegisterHandler: its Completion
// resolves once every per-name Subscribe has been acked (or failed), and
// Cancel withdraws exactly the names still carrying this registration's
// identity (spec.md §4.6: "removes the name only if the recorded handler
// identity still matches, so a later re-registration is not clobbered").
type Registration struct {
	channel    *Channel
	names      []string
	tokens     map[string]uint64
	completion *Completion
}

// Done returns a channel closed once every Subscribe in this registration
// has been acked.
func (r *Registration) Done() <-chan struct{} { return r.completion.Done() }

// Wait blocks until every Subscribe in this registration has been acked and
// returns the first error encountered, if any.
func (r *Registration) Wait() error { return r.completion.Wait() }

// Cancel sends a matching Unsubscribe for every name in this registration
// whose registry entry still carries this registration's identity token,
// leaving alone any name a later registerHandler call has since replaced.
func (r *Registration) Cancel() {
	for _, name := range r.names {
		var tok = r.tokens[name]
		if !r.channel.registry.Unregister(name, tok) {
			continue
		}
		r.channel.sendUnsubscribe(name)
	}
}
