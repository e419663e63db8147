package client

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

// ManagedTransport owns the single grpc.ClientConn a Connector multiplexes
// every channel's RPCs over. It is "managed" in the sense spec.md §2 uses
// the term: the Connector never dials a fresh conn per channel. This type
// does not watch for disconnects itself; a lost stream is surfaced to each
// channel's Reconnect Supervisor by that channel's own dispatcher through
// its OnTransportError path.
type ManagedTransport struct {
	conn *grpc.ClientConn
}

// Dial opens a ManagedTransport against target. Options are passed through
// to grpc.DialContext verbatim; callers typically supply transport
// credentials and a keepalive policy here.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*ManagedTransport, error) {
	var conn, err = grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, errors.Wrap(mapGRPCCtxErr(ctx, err), "client: dial transport")
	}
	return &ManagedTransport{conn: conn}, nil
}

// Conn returns the underlying grpc.ClientConn, for constructing generated
// service stubs (axonpb.CommandServiceClient, axonpb.QueryServiceClient)
// against it.
func (t *ManagedTransport) Conn() *grpc.ClientConn { return t.conn }

// State reports the transport's current grpc connectivity state.
func (t *ManagedTransport) State() connectivity.State { return t.conn.GetState() }

// Close tears down the underlying connection. Every channel using this
// transport should already have been disconnected.
func (t *ManagedTransport) Close() error {
	return t.conn.Close()
}

// mapGRPCCtxErr folds a grpc status error into the local context's own
// cancellation/deadline error when both agree, so callers can compare
// against context.Canceled/context.DeadlineExceeded directly instead of
// inspecting grpc status codes (modeled on broker/client.mapGRPCCtxErr).
func mapGRPCCtxErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded && status.Code(err) == codes.DeadlineExceeded {
		return ctx.Err()
	}
	if ctx.Err() == context.Canceled && status.Code(err) == codes.Canceled {
		return ctx.Err()
	}
	return err
}
