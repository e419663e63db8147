package query

import (
	"context"
	"io"
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

// Channel is the Query Channel (spec.md §4.7): handler subscription and
// multi-handler fan-in dispatch over the Query.openStream RPC, the plain
// query() server-streaming operation, and subscriptionQuery() sessions
// layered over the Query.subscription bidi RPC. The two RPCs reconnect
// independently, each under its own Reconnect Supervisor.
type Channel struct {
	clientId      string
	componentName string

	stub     axonpb.QueryServiceClient
	registry *Registry
	pending  *pending.Registry

	queryHolder *outbound.Holder[axonpb.QueryStream]
	subHolder   *outbound.Holder[axonpb.SubscriptionStream]

	tasks    *task.Group
	querySup *reconnect.Supervisor
	subSup   *reconnect.Supervisor
	flow     config.FlowControlConfig

	mu       sync.Mutex
	qgen     int64
	sgen     int64
	sessions map[string]*Session             // subscriptionId -> this client's own subscriptionQuery sessions.
	served   map[string][]context.CancelFunc // subscriptionId -> live update goroutines this client is serving.
}

// NewChannel returns a Query Channel dispatching through stub. The two
// Supervisors are queued onto tasks immediately; call Connect to perform
// the initial dial of both streams.
func NewChannel(tasks *task.Group, stub axonpb.QueryServiceClient, clientId, componentName string, flow config.FlowControlConfig, backoff time.Duration) *Channel {
	var ch = &Channel{
		clientId:      clientId,
		componentName: componentName,
		stub:          stub,
		registry:      NewRegistry(),
		pending:       pending.New(),
		queryHolder:   outbound.New[axonpb.QueryStream](),
		subHolder:     outbound.New[axonpb.SubscriptionStream](),
		tasks:         tasks,
		flow:          flow,
		sessions:      make(map[string]*Session),
		served:        make(map[string][]context.CancelFunc),
	}
	ch.querySup = reconnect.New(tasks, "query", backoff, ch.dialQuery, ch.pending.FailAll)
	ch.subSup = reconnect.New(tasks, "query-subscription", backoff, ch.dialSubscription, ch.failAllSessions)
	return ch
}

// Connect dials both the Query.openStream and Query.subscription RPCs,
// blocking until each completes (successfully or not).
func (ch *Channel) Connect() error {
	var err1 = ch.querySup.Connect()
	var err2 = ch.subSup.Connect()
	if err1 != nil {
		return err1
	}
	return err2
}

// Reconnect forces both streams to reconnect.
func (ch *Channel) Reconnect() {
	ch.querySup.Reconnect()
	ch.subSup.Reconnect()
}

// IsConnected reports whether both streams currently hold a live
// connection.
func (ch *Channel) IsConnected() bool {
	return ch.querySup.State() == reconnect.Connected && ch.subSup.State() == reconnect.Connected
}

// Disconnect sends best-effort unsubscribes for every registered query
// definition, clears the registry, and tears down both streams.
func (ch *Channel) Disconnect() {
	for _, def := range ch.registry.Definitions() {
		ch.sendUnsubscribeDef(def)
	}
	ch.registry.Clear()

	if prev, had := ch.queryHolder.Clear(); had {
		_ = prev.CloseSend()
	}
	if prev, had := ch.subHolder.Clear(); had {
		_ = prev.CloseSend()
	}
	ch.querySup.Disconnect()
	ch.subSup.Disconnect()
}

func (ch *Channel) failAllSessions(cause error) {
	ch.mu.Lock()
	var sessions = ch.sessions
	ch.sessions = make(map[string]*Session)
	ch.mu.Unlock()

	for _, s := range sessions {
		s.resolveInitial(Response{}, cause)
		s.updates.fail(cause)
	}
}

// dialQuery opens a fresh Query.openStream stream and replays the Handler
// Registry's routing Subscribe frames.
func (ch *Channel) dialQuery(ctx context.Context) error {
	var stream, err = ch.stub.OpenStream(ctx)
	if err != nil {
		return errors.Wrap(err, "query: open stream")
	}

	ch.mu.Lock()
	ch.qgen++
	var myGen = ch.qgen
	ch.mu.Unlock()

	var prev, hadPrev = ch.queryHolder.GetAndSet(stream)
	if hadPrev {
		go func() { _ = prev.CloseSend() }()
	}

	var reply = inflow.NewReplyChannel(func(frame *axonpb.OutboundInstruction) error {
		return ch.queryHolder.Send(func(s axonpb.QueryStream) error { return s.Send(frame) })
	})
	var governor = inflow.NewGovernor(ch.flow.Permits, ch.flow.Batch, func(delta int64) error {
		return reply.Send(&axonpb.OutboundInstruction{
			Kind:        axonpb.KindFlowControl,
			FlowControl: &axonpb.FlowControl{ClientId: ch.clientId, Permits: delta},
		})
	})
	var dispatcher = inflow.NewDispatcher(reply, governor, func(cause error) {
		ch.mu.Lock()
		var stale = myGen != ch.qgen
		ch.mu.Unlock()
		if stale {
			return
		}
		ch.querySup.OnTransportError(cause)
	})
	dispatcher.HandleFunc(axonpb.KindQuery, ch.handleQuery)
	dispatcher.HandleFunc(axonpb.KindAck, ch.handleAck)

	if err := governor.Enable(); err != nil {
		log.WithError(err).Debug("query: initial flow-control grant failed")
	}

	for _, def := range ch.registry.Definitions() {
		ch.sendSubscribeDef(reply, def)
	}

	ch.tasks.Queue("query/dispatch", func() error {
		dispatcher.Run(ctx, stream)
		return nil
	})
	return nil
}

// dialSubscription opens a fresh Query.subscription stream, sends a fresh
// SubscribeQuery for every session still in ch.sessions (sessions open when
// a previous stream was lost have already been failed and removed by
// failAllSessions, so these are sessions opened while no stream was held),
// and dispatches both directions of subscription traffic: this
// client servicing other clients' subscription queries (SubscriptionQueryRequest)
// and responses to this client's own sessions (SubscriptionQueryResponse).
func (ch *Channel) dialSubscription(ctx context.Context) error {
	var stream, err = ch.stub.Subscription(ctx)
	if err != nil {
		return errors.Wrap(err, "query: open subscription stream")
	}

	ch.mu.Lock()
	ch.sgen++
	var myGen = ch.sgen
	ch.mu.Unlock()

	var prev, hadPrev = ch.subHolder.GetAndSet(stream)
	if hadPrev {
		go func() { _ = prev.CloseSend() }()
	}

	var reply = inflow.NewReplyChannel(func(frame *axonpb.OutboundInstruction) error {
		return ch.subHolder.Send(func(s axonpb.SubscriptionStream) error { return s.Send(frame) })
	})
	var governor = inflow.NewGovernor(ch.flow.Permits, ch.flow.Batch, func(delta int64) error {
		return reply.Send(&axonpb.OutboundInstruction{
			Kind:        axonpb.KindFlowControl,
			FlowControl: &axonpb.FlowControl{ClientId: ch.clientId, Permits: delta},
		})
	})
	var dispatcher = inflow.NewDispatcher(reply, governor, func(cause error) {
		ch.mu.Lock()
		var stale = myGen != ch.sgen
		ch.mu.Unlock()
		if stale {
			return
		}
		ch.subSup.OnTransportError(cause)
	})
	dispatcher.HandleFunc(axonpb.KindSubscriptionQueryRequest, ch.handleSubscriptionRequest)
	dispatcher.HandleFunc(axonpb.KindSubscriptionQueryResponse, ch.handleSubscriptionResponse)
	dispatcher.HandleFunc(axonpb.KindAck, ch.handleAck)

	if err := governor.Enable(); err != nil {
		log.WithError(err).Debug("query: initial subscription flow-control grant failed")
	}

	ch.mu.Lock()
	var sessions = make([]*Session, 0, len(ch.sessions))
	for _, s := range ch.sessions {
		sessions = append(sessions, s)
	}
	ch.mu.Unlock()
	for _, s := range sessions {
		ch.sendSubscribeQuery(reply, s)
	}

	ch.tasks.Queue("query/subscription-dispatch", func() error {
		dispatcher.Run(ctx, stream)
		return nil
	})
	return nil
}

// RegisterQueryHandler adds handler for every Definition, sending a
// routing Subscribe the first time a (queryName, resultName) pair gains a
// handler. Its Registration.Cancel removes handler and sends Unsubscribe
// once that pair's handler set becomes empty (spec.md §4.7).
func (ch *Channel) RegisterQueryHandler(handler Handler, defs ...Definition) (*QueryRegistration, error) {
	if len(defs) == 0 {
		return nil, errors.New("query: RegisterQueryHandler requires at least one definition")
	}

	var reg = &QueryRegistration{channel: ch, tokens: make(map[Definition]uint64, len(defs))}
	for _, def := range defs {
		var tok, first = ch.registry.Register(def, handler)
		reg.defs = append(reg.defs, def)
		reg.tokens[def] = tok
		if first {
			var reply = inflow.NewReplyChannel(func(frame *axonpb.OutboundInstruction) error {
				return ch.queryHolder.Send(func(s axonpb.QueryStream) error { return s.Send(frame) })
			})
			ch.sendSubscribeDef(reply, def)
		}
	}
	return reg, nil
}

func (ch *Channel) sendSubscribeDef(reply *inflow.ReplyChannel, def Definition) {
	var msgId = uuid.NewString()
	if err := reply.Send(&axonpb.OutboundInstruction{
		Kind:          axonpb.KindSubscribe,
		InstructionId: msgId,
		Subscribe: &axonpb.Subscribe{
			MessageId:     msgId,
			Query:         def.QueryName,
			ResultName:    def.ResultName,
			ClientId:      ch.clientId,
			ComponentName: ch.componentName,
		},
	}); err != nil {
		log.WithError(err).WithField("query", def.QueryName).Warn("query: subscribe send failed")
	}
}

func (ch *Channel) sendUnsubscribeDef(def Definition) {
	var msgId = uuid.NewString()
	if err := ch.queryHolder.Send(func(s axonpb.QueryStream) error {
		return s.Send(&axonpb.OutboundInstruction{
			Kind:          axonpb.KindUnsubscribe,
			InstructionId: msgId,
			Unsubscribe: &axonpb.Unsubscribe{
				MessageId:     msgId,
				Query:         def.QueryName,
				ResultName:    def.ResultName,
				ClientId:      ch.clientId,
				ComponentName: ch.componentName,
			},
		})
	}); err != nil {
		log.WithError(err).WithField("query", def.QueryName).Debug("query: unsubscribe send failed")
	}
}

// handleQuery is the incoming-dispatch routine for Kind Query: fan the
// query out to every registered handler, multiplex their QueryResponse
// frames onto the stream, and emit a single QueryComplete only once every
// handler has finished (spec.md §4.7).
func (ch *Channel) handleQuery(frame *axonpb.InboundInstruction, reply *inflow.ReplyChannel) {
	var q = frame.Query
	var handlers = ch.registry.HandlersFor(q.QueryName, q.ResultName)
	if len(handlers) == 0 {
		if err := reply.SendNack(frame.InstructionId, axonpb.ErrorNoHandlerForQuery, "no handler registered for query"); err != nil {
			log.WithError(err).Debug("query: nack send failed")
		}
		_ = reply.CompleteWithError(&axonpb.OutboundInstruction{
			Kind: axonpb.KindQueryResponse,
			QueryResponse: &axonpb.QueryResponse{
				MessageIdentifier: uuid.NewString(),
				RequestIdentifier: q.MessageIdentifier,
				ErrorCode:         axonpb.ErrorNoHandlerForQuery,
				ErrorMessage:      &axonpb.ErrorMessage{ErrorCode: axonpb.ErrorNoHandlerForQuery, Message: "no handler registered for query"},
			},
		})
		_ = reply.Complete(&axonpb.OutboundInstruction{
			Kind:          axonpb.KindQueryComplete,
			QueryComplete: &axonpb.QueryComplete{MessageIdentifier: uuid.NewString(), RequestIdentifier: q.MessageIdentifier},
		})
		return
	}

	if err := reply.SendAck(frame.InstructionId, nil); err != nil {
		log.WithError(err).Debug("query: ack send failed")
	}

	var mu sync.Mutex
	var remaining = len(handlers)
	var ctx = ch.tasks.Context()

	for _, handler := range handlers {
		go func(handler Handler) {
			var handlerErr = safeInvokeQuery(ctx, handler, fromWireQuery(q), func(r Response) error {
				return reply.Send(&axonpb.OutboundInstruction{
					Kind: axonpb.KindQueryResponse,
					QueryResponse: &axonpb.QueryResponse{
						MessageIdentifier: uuid.NewString(),
						RequestIdentifier: q.MessageIdentifier,
						PayloadType:       r.PayloadType,
						Payload:           r.Payload,
					},
				})
			})
			if handlerErr != nil {
				_ = reply.CompleteWithError(&axonpb.OutboundInstruction{
					Kind: axonpb.KindQueryResponse,
					QueryResponse: &axonpb.QueryResponse{
						MessageIdentifier: uuid.NewString(),
						RequestIdentifier: q.MessageIdentifier,
						ErrorCode:         axonpb.ErrorCommandExecutionError,
						ErrorMessage:      &axonpb.ErrorMessage{ErrorCode: axonpb.ErrorCommandExecutionError, Message: handlerErr.Error()},
					},
				})
			}

			mu.Lock()
			remaining--
			var last = remaining == 0
			mu.Unlock()
			if last {
				_ = reply.Complete(&axonpb.OutboundInstruction{
					Kind:          axonpb.KindQueryComplete,
					QueryComplete: &axonpb.QueryComplete{MessageIdentifier: uuid.NewString(), RequestIdentifier: q.MessageIdentifier},
				})
			}
		}(handler)
	}
}

func (ch *Channel) handleAck(frame *axonpb.InboundInstruction, _ *inflow.ReplyChannel) {
	var err error
	if frame.Ack != nil && !frame.Ack.Success && frame.Ack.Error != nil {
		err = pending.AckError(string(frame.Ack.Error.ErrorCode), frame.Ack.Error.Message)
	}
	ch.pending.Ack(frame.InstructionId, err)
}

// safeInvokeQuery converts a panicking Handler into an error result, the
// same treatment as an ordinary returned error.
func safeInvokeQuery(ctx context.Context, handler Handler, q Query, sink func(Response) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("query handler panic: %v", r)
		}
	}()
	return handler(ctx, q, sink)
}

func fromWireQuery(q *axonpb.Query) Query {
	return Query{
		QueryName:              q.QueryName,
		ResultName:             q.ResultName,
		MessageId:              q.MessageIdentifier,
		PayloadType:            q.PayloadType,
		Payload:                q.Payload,
		ProcessingInstructions: q.ProcessingInstructions,
	}
}

// Query opens a server-streaming Query.query RPC and forwards its results
// into a BufferedStream, which signals a sentinel terminal element on
// normal completion and surfaces errors on consumption (spec.md §4.7).
func (ch *Channel) Query(ctx context.Context, req Query) (*BufferedStream, error) {
	if req.MessageId == "" {
		req.MessageId = uuid.NewString()
	}
	var wire = &axonpb.Query{
		MessageIdentifier:      req.MessageId,
		QueryName:              req.QueryName,
		ResultName:             req.ResultName,
		Payload:                req.Payload,
		PayloadType:            req.PayloadType,
		ClientId:               ch.clientId,
		ComponentName:          ch.componentName,
		ProcessingInstructions: req.ProcessingInstructions,
	}

	var resultStream, err = ch.stub.Query(ctx, wire)
	if err != nil {
		return nil, errors.Wrap(err, "query: dispatch")
	}

	var buffered = NewBufferedStream(ch.flow.Permits, ch.flow.Batch, nil)
	go func() {
		for {
			var resp, err = resultStream.Recv()
			if err == io.EOF {
				buffered.complete()
				return
			}
			if err != nil {
				buffered.fail(err)
				return
			}
			if resp.ErrorCode != "" {
				var message string
				if resp.ErrorMessage != nil {
					message = resp.ErrorMessage.Message
				}
				buffered.fail(errors.Errorf("%s: %s", resp.ErrorCode, message))
				return
			}
			if !buffered.push(Response{PayloadType: resp.PayloadType, Payload: resp.Payload}) {
				return
			}
		}
	}()
	return buffered, nil
}

// SubscriptionQuery opens a subscription query session: it immediately
// sends a SubscribeQuery request and returns a Session whose InitialResult
// lazily requests the initial value (idempotent, at-most-once) and whose
// Updates stream is credited bufferSize permits, refilling every fetchSize
// consumed (spec.md §4.7).
func (ch *Channel) SubscriptionQuery(req Query, updateResponseType string, bufferSize, fetchSize int64) *Session {
	if req.MessageId == "" {
		req.MessageId = uuid.NewString()
	}
	var subId = uuid.NewString()
	var sendFlow = func(delta int64) error {
		return ch.subHolder.Send(func(s axonpb.SubscriptionStream) error {
			return s.Send(&axonpb.OutboundInstruction{
				Kind:        axonpb.KindFlowControl,
				FlowControl: &axonpb.FlowControl{ClientId: ch.clientId, Permits: delta},
			})
		})
	}
	var updates = NewBufferedStream(bufferSize, fetchSize, sendFlow)
	var session = newSession(subId, ch, req, updateResponseType, updates)

	ch.mu.Lock()
	ch.sessions[subId] = session
	ch.mu.Unlock()

	var reply = inflow.NewReplyChannel(func(frame *axonpb.OutboundInstruction) error {
		return ch.subHolder.Send(func(s axonpb.SubscriptionStream) error { return s.Send(frame) })
	})
	ch.sendSubscribeQuery(reply, session)
	return session
}

func (ch *Channel) sendSubscribeQuery(reply *inflow.ReplyChannel, s *Session) {
	var wireQuery = toWireQuery(ch, s.query)
	if err := reply.Send(&axonpb.OutboundInstruction{
		Kind:          axonpb.KindSubscriptionQueryRequest,
		InstructionId: uuid.NewString(),
		SubscriptionQueryRequest: &axonpb.SubscriptionQueryRequest{
			Kind:               axonpb.SubscribeQuery,
			SubscriptionId:     s.id,
			QueryRequest:       wireQuery,
			UpdateResponseType: s.updateResponseType,
		},
	}); err != nil {
		log.WithError(err).WithField("subscriptionId", s.id).Warn("query: subscribeQuery send failed; reconnect will retry")
	}
}

// requestInitialResult sends the lazy, at-most-once GET_INITIAL_RESULT
// request for s.
func (ch *Channel) requestInitialResult(s *Session) {
	var wireQuery = toWireQuery(ch, s.query)
	if err := ch.subHolder.Send(func(stream axonpb.SubscriptionStream) error {
		return stream.Send(&axonpb.OutboundInstruction{
			Kind:          axonpb.KindSubscriptionQueryRequest,
			InstructionId: uuid.NewString(),
			SubscriptionQueryRequest: &axonpb.SubscriptionQueryRequest{
				Kind:           axonpb.GetInitialResult,
				SubscriptionId: s.id,
				QueryRequest:   wireQuery,
			},
		})
	}); err != nil {
		s.resolveInitial(Response{}, errors.Wrap(err, "query: initial-result request failed"))
	}
}

// cancelSession sends UnsubscribeQuery and removes s from the session map.
func (ch *Channel) cancelSession(s *Session) {
	ch.mu.Lock()
	delete(ch.sessions, s.id)
	ch.mu.Unlock()

	if err := ch.subHolder.Send(func(stream axonpb.SubscriptionStream) error {
		return stream.Send(&axonpb.OutboundInstruction{
			Kind:          axonpb.KindSubscriptionQueryRequest,
			InstructionId: uuid.NewString(),
			SubscriptionQueryRequest: &axonpb.SubscriptionQueryRequest{
				Kind:           axonpb.UnsubscribeQuery,
				SubscriptionId: s.id,
			},
		})
	}); err != nil {
		log.WithError(err).WithField("subscriptionId", s.id).Debug("query: unsubscribeQuery send failed")
	}
}

func toWireQuery(ch *Channel, q Query) *axonpb.Query {
	return &axonpb.Query{
		MessageIdentifier:      q.MessageId,
		QueryName:              q.QueryName,
		ResultName:             q.ResultName,
		Payload:                q.Payload,
		PayloadType:            q.PayloadType,
		ClientId:               ch.clientId,
		ComponentName:          ch.componentName,
		ProcessingInstructions: q.ProcessingInstructions,
	}
}

// handleSubscriptionRequest is the incoming-dispatch routine for Kind
// SubscriptionQueryRequest: another client's subscriptionQuery forwarded by
// the server to this client because it owns a matching registered handler.
func (ch *Channel) handleSubscriptionRequest(frame *axonpb.InboundInstruction, reply *inflow.ReplyChannel) {
	var req = frame.SubscriptionQueryRequest
	switch req.Kind {
	case axonpb.GetInitialResult:
		var handlers = ch.registry.HandlersFor(req.QueryRequest.QueryName, req.QueryRequest.ResultName)
		if len(handlers) == 0 {
			_ = reply.SendNack(frame.InstructionId, axonpb.ErrorNoHandlerForQuery, "no handler registered for query")
			return
		}
		go ch.serveInitialResult(handlers[0], frame.InstructionId, req, reply)

	case axonpb.SubscribeQuery:
		var handlers = ch.registry.HandlersFor(req.QueryRequest.QueryName, req.QueryRequest.ResultName)
		if len(handlers) == 0 {
			_ = reply.SendNack(frame.InstructionId, axonpb.ErrorNoHandlerForQuery, "no handler registered for query")
			return
		}
		if err := reply.SendAck(frame.InstructionId, nil); err != nil {
			log.WithError(err).Debug("query: subscribe ack send failed")
		}
		ch.serveUpdates(handlers, req, reply)

	case axonpb.UnsubscribeQuery:
		ch.cancelServed(req.SubscriptionId)
		if err := reply.SendAck(frame.InstructionId, nil); err != nil {
			log.WithError(err).Debug("query: unsubscribe ack send failed")
		}
	}
}

func (ch *Channel) serveInitialResult(handler Handler, instructionId string, req *axonpb.SubscriptionQueryRequest, reply *inflow.ReplyChannel) {
	var q = fromWireQuery(req.QueryRequest)
	var resp Response
	var got bool
	var err = safeInvokeQuery(ch.tasks.Context(), handler, q, func(r Response) error {
		if !got {
			resp, got = r, true
		}
		return nil
	})

	if ackErr := reply.SendAck(instructionId, err); ackErr != nil {
		log.WithError(ackErr).Debug("query: initial-result ack send failed")
	}

	var out = &axonpb.SubscriptionQueryResponse{SubscriptionId: req.SubscriptionId}
	if err != nil {
		out.InitialResult = &axonpb.QueryResponse{
			RequestIdentifier: req.QueryRequest.MessageIdentifier,
			ErrorCode:         axonpb.ErrorCommandExecutionError,
			ErrorMessage:      &axonpb.ErrorMessage{ErrorCode: axonpb.ErrorCommandExecutionError, Message: err.Error()},
		}
	} else if got {
		out.InitialResult = &axonpb.QueryResponse{
			RequestIdentifier: req.QueryRequest.MessageIdentifier,
			PayloadType:       resp.PayloadType,
			Payload:           resp.Payload,
		}
	}
	_ = reply.Send(&axonpb.OutboundInstruction{Kind: axonpb.KindSubscriptionQueryResponse, SubscriptionQueryResponse: out})
}

func (ch *Channel) serveUpdates(handlers []Handler, req *axonpb.SubscriptionQueryRequest, reply *inflow.ReplyChannel) {
	var ctx, cancel = context.WithCancel(ch.tasks.Context())
	ch.trackServed(req.SubscriptionId, cancel)

	var mu sync.Mutex
	var remaining = len(handlers)

	for _, handler := range handlers {
		go func(handler Handler) {
			var q = fromWireQuery(req.QueryRequest)
			_ = safeInvokeQuery(ctx, handler, q, func(r Response) error {
				return reply.Send(&axonpb.OutboundInstruction{
					Kind: axonpb.KindSubscriptionQueryResponse,
					SubscriptionQueryResponse: &axonpb.SubscriptionQueryResponse{
						SubscriptionId: req.SubscriptionId,
						Update:         &axonpb.QueryResponse{PayloadType: r.PayloadType, Payload: r.Payload},
					},
				})
			})

			mu.Lock()
			remaining--
			var last = remaining == 0
			mu.Unlock()
			if last {
				ch.untrackServed(req.SubscriptionId)
				_ = reply.Send(&axonpb.OutboundInstruction{
					Kind: axonpb.KindSubscriptionQueryResponse,
					SubscriptionQueryResponse: &axonpb.SubscriptionQueryResponse{
						SubscriptionId: req.SubscriptionId,
						Complete:       &axonpb.SubscriptionQueryComplete{SubscriptionId: req.SubscriptionId},
					},
				})
			}
		}(handler)
	}
}

func (ch *Channel) trackServed(subscriptionId string, cancel context.CancelFunc) {
	ch.mu.Lock()
	ch.served[subscriptionId] = append(ch.served[subscriptionId], cancel)
	ch.mu.Unlock()
}

func (ch *Channel) untrackServed(subscriptionId string) {
	ch.mu.Lock()
	delete(ch.served, subscriptionId)
	ch.mu.Unlock()
}

// cancelServed cancels every update goroutine serving subscriptionId on
// behalf of another client, per UNSUBSCRIBE (spec.md §4.7).
func (ch *Channel) cancelServed(subscriptionId string) {
	ch.mu.Lock()
	var cancels = ch.served[subscriptionId]
	delete(ch.served, subscriptionId)
	ch.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// handleSubscriptionResponse is the incoming-dispatch routine for Kind
// SubscriptionQueryResponse: the other half of this client's own
// subscriptionQuery sessions, correlated by SubscriptionId.
func (ch *Channel) handleSubscriptionResponse(frame *axonpb.InboundInstruction, _ *inflow.ReplyChannel) {
	var r = frame.SubscriptionQueryResponse
	ch.mu.Lock()
	var session = ch.sessions[r.SubscriptionId]
	ch.mu.Unlock()
	if session == nil {
		return
	}

	if r.InitialResult != nil {
		var resp Response
		var err error
		if r.InitialResult.ErrorCode != "" {
			var message string
			if r.InitialResult.ErrorMessage != nil {
				message = r.InitialResult.ErrorMessage.Message
			}
			err = errors.Errorf("%s: %s", r.InitialResult.ErrorCode, message)
		} else {
			resp = Response{PayloadType: r.InitialResult.PayloadType, Payload: r.InitialResult.Payload}
		}
		session.resolveInitial(resp, err)
	}

	if r.Update != nil {
		session.setState(Streaming)
		if r.Update.ErrorCode != "" {
			var message string
			if r.Update.ErrorMessage != nil {
				message = r.Update.ErrorMessage.Message
			}
			session.updates.fail(errors.Errorf("%s: %s", r.Update.ErrorCode, message))
		} else {
			session.updates.push(Response{PayloadType: r.Update.PayloadType, Payload: r.Update.Payload})
		}
	}

	if r.Complete != nil {
		session.setState(Completed)
		session.updates.complete()
		ch.mu.Lock()
		delete(ch.sessions, r.SubscriptionId)
		ch.mu.Unlock()
	}
}

// QueryRegistration is returned by RegisterQueryHandler; its Cancel removes
// handler from every definition it was registered for, sending Unsubscribe
// once a pair's handler set becomes empty.
type QueryRegistration struct {
	channel *Channel
	defs    []Definition
	tokens  map[Definition]uint64
}

// Cancel unregisters this registration from every Definition it covers.
func (r *QueryRegistration) Cancel() {
	for _, def := range r.defs {
		var removed, last = r.channel.registry.Unregister(def, r.tokens[def])
		if removed && last {
			r.channel.sendUnsubscribeDef(def)
		}
	}
}
