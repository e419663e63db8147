// Package reconnect implements the Reconnect Supervisor: the state machine
// that detects stream loss, schedules backoff, and triggers re-open and
// re-subscription of a logical channel's bidi control stream.
//
// Modeled on the teacher's consumer.Resolver, which serializes state
// transitions under a lock and reacts to KeySpace observation
// (consumer/resolver.go), and on the reconnect goroutine of
// rotationalio-go-ensign's stream Subscriber, which loops watching a "down"
// signal and re-opens the stream.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/axonconnect/connector-go/internal/task"
)

// ErrReconnectRequested is the cause passed to failAll when Reconnect is
// called explicitly (as opposed to a transport error observed by the
// dispatcher), so pending instructions are always drained before
// resubscription regardless of why the channel is reconnecting.
var ErrReconnectRequested = errors.New("reconnect: reconnect requested")

// State is one of the Reconnect Supervisor's four lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdReconnect
	cmdTransportError
	cmdDisconnect
	cmdImmediate
)

type cmdMsg struct {
	kind  cmdKind
	cause error
	reply chan error
}

// Supervisor drives a single logical channel's connect/reconnect lifecycle.
// All state transitions are serialized through a single command-processing
// goroutine, so the supervisor's own bookkeeping never races even though
// dial, failAll, and the backoff timer all touch shared channel state.
type Supervisor struct {
	name    string
	backoff time.Duration
	dial    func(ctx context.Context) error
	failAll func(cause error)

	tasks *task.Group
	cmds  chan cmdMsg

	mu    sync.Mutex
	state State
}

// New returns a Supervisor for one logical channel. dial opens a fresh
// stream, wires it into the channel's outbound holder and dispatcher, and
// replays the handler registry's Subscribe frames; it returns once the
// channel is fully Connected (or with an error if any step failed).
// failAll drains and fails the channel's pending-instruction registry --
// called before resubscription, without waiting on the prior connection's
// pending instructions (spec.md §4.5).
func New(tasks *task.Group, name string, backoff time.Duration, dial func(ctx context.Context) error, failAll func(cause error)) *Supervisor {
	var sup = &Supervisor{
		name:    name,
		backoff: backoff,
		dial:    dial,
		failAll: failAll,
		tasks:   tasks,
		cmds:    make(chan cmdMsg, 8),
		state:   Disconnected,
	}
	tasks.Queue("reconnect/"+name, sup.run)
	return sup
}

// State returns the Supervisor's current state.
func (sup *Supervisor) State() State {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.state
}

func (sup *Supervisor) setState(s State) {
	sup.mu.Lock()
	sup.state = s
	sup.mu.Unlock()
}

// Connect transitions Disconnected -> Connecting and blocks until the
// initial dial completes (successfully or not). On failure, the Supervisor
// continues retrying in the background per the configured backoff.
func (sup *Supervisor) Connect() error {
	return sup.send(cmdMsg{kind: cmdConnect})
}

// Reconnect forces Connected -> Reconnecting, as if a transport error had
// just been observed. It drains the channel's pending-instruction registry
// via failAll(ErrReconnectRequested) just like a real transport error would,
// so a caller-forced reconnect never leaves stale pending entries tracked
// against instructionIds that will never be acked again. It does not block
// for the subsequent reconnect attempt to complete.
func (sup *Supervisor) Reconnect() {
	sup.cmds <- cmdMsg{kind: cmdReconnect, cause: ErrReconnectRequested}
}

// OnTransportError is invoked by the channel's incoming dispatcher when the
// stream ends unexpectedly. It does not block.
func (sup *Supervisor) OnTransportError(cause error) {
	sup.cmds <- cmdMsg{kind: cmdTransportError, cause: cause}
}

// ScheduleImmediateReconnect bypasses the remaining backoff delay and
// retries right away. It is a no-op unless currently Reconnecting.
func (sup *Supervisor) ScheduleImmediateReconnect() {
	sup.cmds <- cmdMsg{kind: cmdImmediate}
}

// Disconnect transitions to Disconnected from any state and stops the
// Supervisor's background retry loop.
func (sup *Supervisor) Disconnect() {
	_ = sup.send(cmdMsg{kind: cmdDisconnect})
}

func (sup *Supervisor) send(m cmdMsg) error {
	m.reply = make(chan error, 1)
	select {
	case sup.cmds <- m:
	case <-sup.tasks.Context().Done():
		return sup.tasks.Context().Err()
	}
	select {
	case err := <-m.reply:
		return err
	case <-sup.tasks.Context().Done():
		return sup.tasks.Context().Err()
	}
}

// run is the Supervisor's single serialized command loop.
func (sup *Supervisor) run() error {
	var ctx = sup.tasks.Context()
	var timer = time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var timerActive bool

	var attemptDial = func() error {
		sup.setState(Connecting)
		var err = sup.dial(ctx)
		if err == nil {
			sup.setState(Connected)
			return nil
		}
		log.WithFields(log.Fields{"channel": sup.name, "err": err}).
			Warn("dial failed; will retry after backoff")
		sup.setState(Reconnecting)
		return err
	}

	var armBackoff = func() {
		if timerActive {
			return
		}
		timer.Reset(sup.backoff)
		timerActive = true
	}

	for {
		select {
		case <-ctx.Done():
			sup.setState(Disconnected)
			return nil

		case m := <-sup.cmds:
			switch m.kind {
			case cmdConnect:
				var err = attemptDial()
				if err != nil {
					armBackoff()
				}
				m.reply <- err

			case cmdReconnect, cmdTransportError:
				var cause = m.cause
				if cause == nil {
					cause = ErrReconnectRequested
				}
				sup.failAll(cause)
				sup.setState(Reconnecting)
				armBackoff()

			case cmdImmediate:
				if sup.State() == Reconnecting {
					if timerActive && timer.Stop() {
						timerActive = false
					}
					if err := attemptDial(); err != nil {
						armBackoff()
					}
				}

			case cmdDisconnect:
				sup.setState(Disconnected)
				if timerActive && timer.Stop() {
					timerActive = false
				}
				m.reply <- nil
				return nil
			}

		case <-timer.C:
			timerActive = false
			if sup.State() == Reconnecting {
				if err := attemptDial(); err != nil {
					armBackoff()
				}
			}
		}
	}
}
