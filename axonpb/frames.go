// Package axonpb defines the wire frame types exchanged between a connector
// and an AxonServer node. In a production connector these are generated from
// the AxonServer .proto definitions; here they are hand-written stand-ins
// with the same field shape, since wire codec generation is explicitly out
// of scope (spec.md §1) and the rest of this module needs a concrete type to
// compile against.
package axonpb

// ErrorCategory is a stable, server- or client-assigned error identifier
// carried on nacks and error-shaped responses.
type ErrorCategory string

const (
	// ErrorNoHandlerForCommand is returned when no local handler is
	// registered for a dispatched Command.
	ErrorNoHandlerForCommand ErrorCategory = "NO_HANDLER_FOR_COMMAND"
	// ErrorNoHandlerForQuery is returned when no local handler is
	// registered for a dispatched Query.
	ErrorNoHandlerForQuery ErrorCategory = "NO_HANDLER_FOR_QUERY"
	// ErrorCommandExecutionError wraps a panic or returned error from a
	// user Command or Query handler.
	ErrorCommandExecutionError ErrorCategory = "COMMAND_EXECUTION_ERROR"
	// ErrorCommandDispatchError is returned for local dispatch failures:
	// buffer exhaustion, a missing outbound stream, or a reply stream that
	// completed without a result.
	ErrorCommandDispatchError ErrorCategory = "COMMAND_DISPATCH_ERROR"
)

// RoutingKeyProcessingInstructionKey is the well-known processing
// instruction key used to carry a Command's routing key.
const RoutingKeyProcessingInstructionKey = "ROUTING_KEY"

// ProcessingInstruction is a single key/value metadata entry attached to a
// Command or Query, eg the routing key or a priority hint.
type ProcessingInstruction struct {
	Key   string
	Value string
}

// ErrorMessage is the structured error payload carried by a nack or an
// error-shaped response.
type ErrorMessage struct {
	ErrorCode ErrorCategory
	Message   string
	Details   []string
}

// InstructionKind discriminates the tagged-union outbound and inbound
// instruction frames of the control streams.
type InstructionKind int

const (
	KindUnknown InstructionKind = iota
	KindSubscribe
	KindUnsubscribe
	KindAck
	KindFlowControl
	KindCommand
	KindCommandResponse
	KindQuery
	KindQueryResponse
	KindQueryComplete
	KindSubscriptionQueryRequest
	KindSubscriptionQueryResponse
)

func (k InstructionKind) String() string {
	switch k {
	case KindSubscribe:
		return "Subscribe"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindAck:
		return "Ack"
	case KindFlowControl:
		return "FlowControl"
	case KindCommand:
		return "Command"
	case KindCommandResponse:
		return "CommandResponse"
	case KindQuery:
		return "Query"
	case KindQueryResponse:
		return "QueryResponse"
	case KindQueryComplete:
		return "QueryComplete"
	case KindSubscriptionQueryRequest:
		return "SubscriptionQueryRequest"
	case KindSubscriptionQueryResponse:
		return "SubscriptionQueryResponse"
	default:
		return "Unknown"
	}
}

// SubscriptionRequestKind discriminates the three SubscriptionQueryRequest
// sub-kinds multiplexed over the query subscription stream.
type SubscriptionRequestKind int

const (
	SubscribeQuery SubscriptionRequestKind = iota
	UnsubscribeQuery
	GetInitialResult
)

// OutboundInstruction is a single frame sent from the connector towards
// AxonServer on a channel's bidi control stream.
type OutboundInstruction struct {
	Kind          InstructionKind
	InstructionId string // empty means "no ack expected"

	Subscribe   *Subscribe
	Unsubscribe *Unsubscribe
	Ack         *Ack
	FlowControl *FlowControl

	CommandResponse           *CommandResponse
	QueryResponse             *QueryResponse
	QueryComplete             *QueryComplete
	SubscriptionQueryRequest  *SubscriptionQueryRequest
	SubscriptionQueryResponse *SubscriptionQueryResponse
}

// InboundInstruction is a single frame received from AxonServer on a
// channel's bidi control stream.
type InboundInstruction struct {
	Kind          InstructionKind
	InstructionId string

	Command *Command
	Query   *Query
	Ack     *Ack

	SubscriptionQueryRequest  *SubscriptionQueryRequest
	SubscriptionQueryResponse *SubscriptionQueryResponse
}

// Subscribe registers interest in a command name (Command channel) or a
// query name + result type (Query channel).
type Subscribe struct {
	MessageId     string
	Command       string // Command channel only.
	Query         string // Query channel only.
	ResultName    string // Query channel only.
	ClientId      string
	ComponentName string
	LoadFactor    int32 // Command channel only.
}

// Unsubscribe mirrors Subscribe's identity fields to withdraw interest.
type Unsubscribe struct {
	MessageId     string
	Command       string
	Query         string
	ResultName    string
	ClientId      string
	ComponentName string
}

// Ack acknowledges a previously sent instruction by id, positively or with
// an attached error.
type Ack struct {
	InstructionId string
	Success       bool
	Error         *ErrorMessage
}

// FlowControl grants additional inbound-frame permits. Deltas are
// cumulative; the client never decreases a prior grant.
type FlowControl struct {
	ClientId string
	Permits  int64
}

// Command is a dispatched command invocation.
type Command struct {
	MessageIdentifier      string
	Name                   string
	Payload                []byte
	PayloadType            string
	ClientId               string
	ComponentName          string
	ProcessingInstructions []ProcessingInstruction
}

// CommandResponse answers a single Command by RequestIdentifier.
type CommandResponse struct {
	MessageIdentifier string
	RequestIdentifier string
	Payload           []byte
	PayloadType       string
	ErrorCode         ErrorCategory
	ErrorMessage      *ErrorMessage
}

// Query is a dispatched query invocation, optionally streaming.
type Query struct {
	MessageIdentifier      string
	QueryName              string
	ResultName             string
	Payload                []byte
	PayloadType            string
	ClientId               string
	ComponentName          string
	ProcessingInstructions []ProcessingInstruction
}

// QueryResponse carries one query result, addressed to the original query's
// RequestIdentifier.
type QueryResponse struct {
	MessageIdentifier string
	RequestIdentifier string
	Payload           []byte
	PayloadType       string
	ErrorCode         ErrorCategory
	ErrorMessage      *ErrorMessage
}

// QueryComplete closes out a query's response stream.
type QueryComplete struct {
	MessageIdentifier string
	RequestIdentifier string
}

// SubscriptionQueryRequest multiplexes Subscribe/Unsubscribe/GetInitialResult
// over the query subscription stream.
type SubscriptionQueryRequest struct {
	Kind           SubscriptionRequestKind
	SubscriptionId string
	QueryRequest   *Query // Present for Subscribe and GetInitialResult.
	UpdateResponseType string
}

// SubscriptionQueryResponse is the fan-out of initial result, updates, and
// completion for a single subscription query.
type SubscriptionQueryResponse struct {
	SubscriptionId string

	InitialResult *QueryResponse
	Update        *QueryResponse
	Complete      *SubscriptionQueryComplete
}

// SubscriptionQueryComplete marks normal, server-initiated termination of a
// subscription query.
type SubscriptionQueryComplete struct {
	SubscriptionId string
}
