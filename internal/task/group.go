// Package task provides a small supervised-goroutine Group, adapted
// in-house from the pattern the teacher exercises via
// go.gazette.dev/core/task in consumer.Service.QueueTasks (tasks.Queue(name,
// func() error), tasks.Context(), and wait-for-first-error semantics). It is
// reimplemented locally rather than imported because go.gazette.dev/core is
// itself the framework this connector replaces, not a reusable library for
// the AxonServer domain (see DESIGN.md).
package task

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Group runs a set of named goroutines sharing a cancellable Context. The
// first goroutine to return a non-nil error cancels the Group's Context,
// so sibling goroutines waiting on ctx.Done() may unwind; Err returns that
// first error once all queued goroutines have returned.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewGroup returns a Group deriving its Context from parent.
func NewGroup(parent context.Context) *Group {
	var ctx, cancel = context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the Group's Context, cancelled as soon as any queued
// goroutine returns a non-nil error, or when Cancel is called.
func (g *Group) Context() context.Context { return g.ctx }

// Queue runs fn in a new goroutine tracked by the Group. name is used only
// for diagnostic logging on failure.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		var err = fn()
		if err == nil {
			return
		}

		g.mu.Lock()
		var first = g.err == nil
		if first {
			g.err = err
		}
		g.mu.Unlock()

		if first {
			log.WithFields(log.Fields{"task": name, "err": err}).
				Warn("task errored; cancelling group")
			g.cancel()
		} else {
			log.WithFields(log.Fields{"task": name, "err": err}).
				Debug("task errored after group already failed")
		}
	}()
}

// Cancel cancels the Group's Context without recording an error, eg for a
// cooperative shutdown path that does not itself represent a failure.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every queued goroutine has returned.
func (g *Group) Wait() { g.wg.Wait() }

// Err returns the first non-nil error returned by any queued goroutine, or
// nil if none has (yet) failed. Err is only meaningful after Wait returns,
// or from within a goroutine that has observed ctx.Done().
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
