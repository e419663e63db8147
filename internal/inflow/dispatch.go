package inflow

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/axonconnect/connector-go/axonpb"
)

// Receiver is the minimal receive-side of a channel's bidi stream.
type Receiver interface {
	Recv() (*axonpb.InboundInstruction, error)
}

// HandlerFunc processes one inbound frame, using reply to emit whatever
// acks/responses are appropriate. HandlerFunc must return promptly: any
// asynchronous work it kicks off (eg a user Command/Query handler) must not
// block the dispatch loop, since the next frame cannot be read until
// HandlerFunc returns (spec.md §4.3, §5: frames are processed serially by a
// single-threaded logical executor per stream).
type HandlerFunc func(frame *axonpb.InboundInstruction, reply *ReplyChannel)

// Dispatcher pumps frames from a Receiver, routing each by Kind to a
// registered HandlerFunc, metering one flow-control permit per dispatched
// frame, and invoking a disconnect callback exactly once when the stream
// ends.
type Dispatcher struct {
	reply    *ReplyChannel
	governor *Governor

	mu       sync.Mutex
	handlers map[axonpb.InstructionKind]HandlerFunc

	disconnectOnce sync.Once
	onDisconnect   func(error)
}

// NewDispatcher returns a Dispatcher that replies via reply and meters
// permits via governor (which may be nil to disable flow control entirely,
// eg for a stream kind that carries no flow-controlled traffic).
func NewDispatcher(reply *ReplyChannel, governor *Governor, onDisconnect func(error)) *Dispatcher {
	return &Dispatcher{
		reply:        reply,
		governor:     governor,
		handlers:     make(map[axonpb.InstructionKind]HandlerFunc),
		onDisconnect: onDisconnect,
	}
}

// HandleFunc registers routine as the dispatch routine for frames of Kind.
func (d *Dispatcher) HandleFunc(kind axonpb.InstructionKind, routine HandlerFunc) {
	d.mu.Lock()
	d.handlers[kind] = routine
	d.mu.Unlock()
}

// Run pumps frames from recv until it errors or ctx is done, dispatching
// each in receive order. It returns only after the receive loop has ended;
// the disconnect callback has already been invoked by the time Run returns.
func (d *Dispatcher) Run(ctx context.Context, recv Receiver) {
	for {
		var frame, err = recv.Recv()
		if err != nil {
			d.fireDisconnect(err)
			return
		}
		if ctx.Err() != nil {
			d.fireDisconnect(ctx.Err())
			return
		}

		d.mu.Lock()
		var routine, ok = d.handlers[frame.Kind]
		d.mu.Unlock()

		if !ok {
			addTrace(ctx, "dispatch: unrecognized frame kind %s (id %q)", frame.Kind, frame.InstructionId)
			log.WithField("kind", frame.Kind.String()).Warn("protocol violation: unrecognized instruction kind")
			if err := d.reply.SendNack(frame.InstructionId, "UNSUPPORTED_INSTRUCTION", "unrecognized instruction kind"); err != nil {
				log.WithError(err).Debug("failed to nack unrecognized instruction")
			}
			continue
		}

		routine(frame, d.reply)

		// The permit for this frame is released now that dispatch has
		// returned -- not after any future the handler's own work
		// resolves. Flow control meters the dispatch pump, not
		// user-handler latency (spec.md §4.3).
		if d.governor != nil {
			if err := d.governor.ConsumeOne(); err != nil {
				log.WithError(err).Debug("failed to send flow-control refill")
			}
		}
	}
}

// fireDisconnect invokes the disconnect callback exactly once, even if Run
// observes multiple terminal conditions in sequence.
func (d *Dispatcher) fireDisconnect(cause error) {
	d.disconnectOnce.Do(func() {
		if d.onDisconnect != nil {
			d.onDisconnect(cause)
		}
	})
}

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
