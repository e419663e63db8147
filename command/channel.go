package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/axonconnect/connector-go/axonpb"
	"github.com/axonconnect/connector-go/config"
	"github.com/axonconnect/connector-go/internal/inflow"
	"github.com/axonconnect/connector-go/internal/outbound"
	"github.com/axonconnect/connector-go/internal/reconnect"
	"github.com/axonconnect/connector-go/internal/task"
	"github.com/axonconnect/connector-go/pending"
)

// Channel is the Command Channel (spec.md §4.6): handler subscription,
// unary command dispatch, and the incoming Command/Ack routines, all bound
// to one managed bidi control stream.
type Channel struct {
	clientId      string
	componentName string

	stub     axonpb.CommandServiceClient
	registry *Registry
	pending  *pending.Registry
	holder   *outbound.Holder[axonpb.CommandStream]
	tasks    *task.Group
	sup      *reconnect.Supervisor
	flow     config.FlowControlConfig

	mu  sync.Mutex
	gen int64 // bumped on every dial; lets a stale stream's disconnect recognize it has already been superseded.
}

// NewChannel returns a Command Channel dispatching through stub, stamping
// clientId/componentName on every outbound frame, and backing off by
// backoff between reconnect attempts. The Supervisor is queued onto tasks
// immediately; call Connect to perform the initial dial.
func NewChannel(tasks *task.Group, stub axonpb.CommandServiceClient, clientId, componentName string, flow config.FlowControlConfig, backoff time.Duration) *Channel {
	var ch = &Channel{
		clientId:      clientId,
		componentName: componentName,
		stub:          stub,
		registry:      NewRegistry(),
		pending:       pending.New(),
		holder:        outbound.New[axonpb.CommandStream](),
		tasks:         tasks,
		flow:          flow,
	}
	ch.sup = reconnect.New(tasks, "command", backoff, ch.dial, ch.pending.FailAll)
	return ch
}

// Connect performs the initial dial and blocks until it completes
// (successfully or not); background retries continue regardless.
func (ch *Channel) Connect() error { return ch.sup.Connect() }

// Reconnect forces a reconnect cycle as if a transport error had just been
// observed.
func (ch *Channel) Reconnect() { ch.sup.Reconnect() }

// IsConnected reports whether the channel currently holds a live stream.
func (ch *Channel) IsConnected() bool { return ch.sup.State() == reconnect.Connected }

// dial opens a fresh bidi stream, installs it as the authoritative outbound
// stream, constructs a fresh Governor and Dispatcher for this stream
// generation, and replays the Handler Registry as Subscribe frames.
func (ch *Channel) dial(ctx context.Context) error {
	var stream, err = ch.stub.OpenStream(ctx)
	if err != nil {
		return errors.Wrap(err, "command: open stream")
	}

	ch.mu.Lock()
	ch.gen++
	var myGen = ch.gen
	ch.mu.Unlock()

	var prev, hadPrev = ch.holder.GetAndSet(stream)
	if hadPrev {
		go func() { _ = prev.CloseSend() }()
	}

	var reply = inflow.NewReplyChannel(func(frame *axonpb.OutboundInstruction) error {
		return ch.holder.Send(func(s axonpb.CommandStream) error { return s.Send(frame) })
	})
	var governor = inflow.NewGovernor(ch.flow.Permits, ch.flow.Batch, func(delta int64) error {
		return reply.Send(&axonpb.OutboundInstruction{
			Kind:        axonpb.KindFlowControl,
			FlowControl: &axonpb.FlowControl{ClientId: ch.clientId, Permits: delta},
		})
	})
	var dispatcher = inflow.NewDispatcher(reply, governor, func(cause error) {
		ch.mu.Lock()
		var stale = myGen != ch.gen
		ch.mu.Unlock()
		if stale {
			return
		}
		ch.sup.OnTransportError(cause)
	})
	dispatcher.HandleFunc(axonpb.KindCommand, ch.handleCommand)
	dispatcher.HandleFunc(axonpb.KindAck, ch.handleAck)

	if err := governor.Enable(); err != nil {
		log.WithError(err).Debug("command: initial flow-control grant failed")
	}

	for _, name := range ch.registry.Names() {
		var msgId = uuid.NewString()
		if err := reply.Send(&axonpb.OutboundInstruction{
			Kind:          axonpb.KindSubscribe,
			InstructionId: msgId,
			Subscribe: &axonpb.Subscribe{
				MessageId:     msgId,
				Command:       name,
				ClientId:      ch.clientId,
				ComponentName: ch.componentName,
				LoadFactor:    ch.registry.LoadFactor(name),
			},
		}); err != nil {
			log.WithError(err).WithField("command", name).Warn("command: resubscribe failed")
		}
	}

	ch.tasks.Queue("command/dispatch", func() error {
		dispatcher.Run(ctx, stream)
		return nil
	})
	return nil
}

// RegisterHandler records handler under every name, sends a Subscribe frame
// per name, and returns a Registration whose completion is the conjunction
// of all per-name acks (spec.md §4.6).
func (ch *Channel) RegisterHandler(handler Handler, loadFactor int32, names ...string) (*Registration, error) {
	if len(names) == 0 {
		return nil, errors.New("command: RegisterHandler requires at least one name")
	}

	var reg = &Registration{channel: ch, tokens: make(map[string]uint64, len(names))}
	var promises = make([]*pending.Promise, 0, len(names))

	for _, name := range names {
		var tok = ch.registry.Register(name, handler, loadFactor)
		reg.tokens[name] = tok
		reg.names = append(reg.names, name)

		var msgId = uuid.NewString()
		promises = append(promises, ch.pending.Track(msgId))
		if err := ch.sendSubscribe(msgId, name, loadFactor); err != nil {
			log.WithError(err).WithField("command", name).Warn("registerHandler: subscribe send failed; reconnect will retry")
		}
	}

	reg.completion = conjoin(promises)
	return reg, nil
}

// SendCommand assigns a messageId if absent, stamps client/component
// identity, synthesizes a routing-key processing instruction from the
// messageId if none is present, and dispatches cmd via the unary RPC. The
// returned Result resolves with the single response, or a structured
// dispatch error (spec.md §4.6).
func (ch *Channel) SendCommand(ctx context.Context, cmd Command) *Result {
	var result = newResult()

	if cmd.MessageId == "" {
		cmd.MessageId = uuid.NewString()
	}
	var instructions = cmd.ProcessingInstructions
	var hasRoutingKey bool
	for _, pi := range instructions {
		if pi.Key == axonpb.RoutingKeyProcessingInstructionKey {
			hasRoutingKey = true
			break
		}
	}
	if !hasRoutingKey {
		var key = cmd.RoutingKey
		if key == "" {
			key = cmd.MessageId
		}
		instructions = append(instructions, axonpb.ProcessingInstruction{
			Key: axonpb.RoutingKeyProcessingInstructionKey, Value: key,
		})
	}

	var wire = &axonpb.Command{
		MessageIdentifier:      cmd.MessageId,
		Name:                   cmd.Name,
		Payload:                cmd.Payload,
		PayloadType:            cmd.PayloadType,
		ClientId:               ch.clientId,
		ComponentName:          ch.componentName,
		ProcessingInstructions: instructions,
	}

	go func() {
		var resp, err = ch.stub.Dispatch(ctx, wire)
		if err != nil {
			result.resolve(Response{}, errors.Wrap(err, string(axonpb.ErrorCommandDispatchError)))
			return
		}
		if resp == nil {
			result.resolve(Response{}, errors.Errorf("%s: reply completed without result", axonpb.ErrorCommandDispatchError))
			return
		}
		if resp.ErrorCode != "" {
			var message string
			if resp.ErrorMessage != nil {
				message = resp.ErrorMessage.Message
			}
			result.resolve(Response{}, errors.Errorf("%s: %s", resp.ErrorCode, message))
			return
		}
		result.resolve(Response{PayloadType: resp.PayloadType, Payload: resp.Payload}, nil)
	}()

	return result
}

// PrepareDisconnect sends an Unsubscribe for every currently registered
// name and returns a Completion resolving once every ack is received. It
// does not tear down the transport or clear the registry.
func (ch *Channel) PrepareDisconnect() *Completion {
	var names = ch.registry.Names()
	var promises = make([]*pending.Promise, 0, len(names))
	for _, name := range names {
		var msgId = uuid.NewString()
		promises = append(promises, ch.pending.Track(msgId))
		if err := ch.sendUnsubscribeMsg(msgId, name); err != nil {
			log.WithError(err).WithField("command", name).Warn("prepareDisconnect: unsubscribe send failed")
		}
	}
	return conjoin(promises)
}

// Disconnect sends best-effort unsubscribes for every registered name,
// clears the registry, closes the outbound side, and tears down the
// Supervisor.
func (ch *Channel) Disconnect() {
	for _, name := range ch.registry.Names() {
		ch.sendUnsubscribe(name)
	}
	ch.registry.Clear()

	if prev, had := ch.holder.Clear(); had {
		_ = prev.CloseSend()
	}
	ch.sup.Disconnect()
}

func (ch *Channel) sendSubscribe(msgId, name string, loadFactor int32) error {
	return ch.holder.Send(func(s axonpb.CommandStream) error {
		return s.Send(&axonpb.OutboundInstruction{
			Kind:          axonpb.KindSubscribe,
			InstructionId: msgId,
			Subscribe: &axonpb.Subscribe{
				MessageId:     msgId,
				Command:       name,
				ClientId:      ch.clientId,
				ComponentName: ch.componentName,
				LoadFactor:    loadFactor,
			},
		})
	})
}

func (ch *Channel) sendUnsubscribe(name string) {
	var msgId = uuid.NewString()
	if err := ch.sendUnsubscribeMsg(msgId, name); err != nil {
		log.WithError(err).WithField("command", name).Debug("unsubscribe send failed")
	}
}

func (ch *Channel) sendUnsubscribeMsg(msgId, name string) error {
	return ch.holder.Send(func(s axonpb.CommandStream) error {
		return s.Send(&axonpb.OutboundInstruction{
			Kind:          axonpb.KindUnsubscribe,
			InstructionId: msgId,
			Unsubscribe: &axonpb.Unsubscribe{
				MessageId:     msgId,
				Command:       name,
				ClientId:      ch.clientId,
				ComponentName: ch.componentName,
			},
		})
	})
}

// handleCommand is the incoming-dispatch routine for Kind Command: look up
// the registered handler by name, nack with NO_HANDLER_FOR_COMMAND if
// absent, otherwise ack and invoke the handler asynchronously so the
// dispatch pump is never blocked on handler latency (spec.md §4.3, §4.6).
func (ch *Channel) handleCommand(frame *axonpb.InboundInstruction, reply *inflow.ReplyChannel) {
	var cmd = frame.Command
	var handler, ok = ch.registry.Get(cmd.Name)
	if !ok {
		var message = fmt.Sprintf("no handler registered for command %q", cmd.Name)
		if err := reply.SendNack(frame.InstructionId, axonpb.ErrorNoHandlerForCommand, message); err != nil {
			log.WithError(err).Debug("command: nack send failed")
		}
		_ = reply.CompleteWithError(&axonpb.OutboundInstruction{
			Kind: axonpb.KindCommandResponse,
			CommandResponse: &axonpb.CommandResponse{
				MessageIdentifier: uuid.NewString(),
				RequestIdentifier: cmd.MessageIdentifier,
				ErrorCode:         axonpb.ErrorNoHandlerForCommand,
				ErrorMessage:      &axonpb.ErrorMessage{ErrorCode: axonpb.ErrorNoHandlerForCommand, Message: message},
			},
		})
		return
	}

	if err := reply.SendAck(frame.InstructionId, nil); err != nil {
		log.WithError(err).Debug("command: ack send failed")
	}

	go ch.invokeHandler(handler, cmd, reply)
}

func (ch *Channel) invokeHandler(handler Handler, cmd *axonpb.Command, reply *inflow.ReplyChannel) {
	var resp, err = safeInvoke(ch.tasks.Context(), handler, cmd)

	var out *axonpb.CommandResponse
	if err != nil {
		out = &axonpb.CommandResponse{
			MessageIdentifier: uuid.NewString(),
			RequestIdentifier: cmd.MessageIdentifier,
			ErrorCode:         axonpb.ErrorCommandExecutionError,
			ErrorMessage:      &axonpb.ErrorMessage{ErrorCode: axonpb.ErrorCommandExecutionError, Message: err.Error()},
		}
		if err := reply.CompleteWithError(&axonpb.OutboundInstruction{Kind: axonpb.KindCommandResponse, CommandResponse: out}); err != nil {
			log.WithError(err).Debug("command: error response send failed")
		}
		return
	}

	out = &axonpb.CommandResponse{
		MessageIdentifier: uuid.NewString(),
		RequestIdentifier: cmd.MessageIdentifier,
		PayloadType:       resp.PayloadType,
		Payload:           resp.Payload,
	}
	if err := reply.Complete(&axonpb.OutboundInstruction{Kind: axonpb.KindCommandResponse, CommandResponse: out}); err != nil {
		log.WithError(err).Debug("command: response send failed")
	}
}

// safeInvoke converts a panicking Handler into an error result, same
// treatment as an ordinary returned error: a handler exception is never a
// transport failure (spec.md §7).
func safeInvoke(ctx context.Context, handler Handler, cmd *axonpb.Command) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("command handler panic: %v", r)
		}
	}()
	return handler(ctx, Command{
		Name:                   cmd.Name,
		MessageId:              cmd.MessageIdentifier,
		PayloadType:            cmd.PayloadType,
		Payload:                cmd.Payload,
		ProcessingInstructions: cmd.ProcessingInstructions,
	})
}

// handleAck is the incoming-dispatch routine for Kind Ack: resolve the
// pending registry entry tracked under the frame's instruction id.
func (ch *Channel) handleAck(frame *axonpb.InboundInstruction, _ *inflow.ReplyChannel) {
	var err error
	if frame.Ack != nil && !frame.Ack.Success && frame.Ack.Error != nil {
		err = pending.AckError(string(frame.Ack.Error.ErrorCode), frame.Ack.Error.Message)
	}
	ch.pending.Ack(frame.InstructionId, err)
}
