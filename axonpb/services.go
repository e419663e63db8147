package axonpb

import "context"

// CommandStream is the bidi stream shape of Command.OpenStream: the
// connector sends OutboundInstruction frames and receives InboundInstruction
// frames. Modeled on the grpc ClientStream split used throughout the
// broader ecosystem (eg a journal Read/Append stream), reduced to the three
// operations this connector actually needs.
type CommandStream interface {
	Send(*OutboundInstruction) error
	Recv() (*InboundInstruction, error)
	CloseSend() error
}

// QueryStream is the bidi stream shape of Query.OpenStream.
type QueryStream interface {
	Send(*OutboundInstruction) error
	Recv() (*InboundInstruction, error)
	CloseSend() error
}

// SubscriptionStream is the bidi stream shape of Query.Subscription, used
// for subscription-query sessions.
type SubscriptionStream interface {
	Send(*OutboundInstruction) error
	Recv() (*InboundInstruction, error)
	CloseSend() error
}

// QueryResultStream is the server-streaming shape of the unary-dispatched
// Query.Query RPC.
type QueryResultStream interface {
	Recv() (*QueryResponse, error)
}

// CommandServiceClient is the subset of the generated Command service stub
// this connector depends on.
type CommandServiceClient interface {
	OpenStream(ctx context.Context) (CommandStream, error)
	Dispatch(ctx context.Context, cmd *Command) (*CommandResponse, error)
}

// QueryServiceClient is the subset of the generated Query service stub this
// connector depends on.
type QueryServiceClient interface {
	OpenStream(ctx context.Context) (QueryStream, error)
	Subscription(ctx context.Context) (SubscriptionStream, error)
	Query(ctx context.Context, q *Query) (QueryResultStream, error)
}
