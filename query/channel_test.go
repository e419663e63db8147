package query

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	gc "github.com/go-check/check"

	"github.com/axonconnect/connector-go/axonpb"
	"github.com/axonconnect/connector-go/config"
	"github.com/axonconnect/connector-go/internal/task"
)

func Test(t *testing.T) { gc.TestingT(t) }

type ChannelSuite struct{}

var _ = gc.Suite(&ChannelSuite{})

// fakeStream is the shared recording/replaying fake used for both the
// Query.openStream and Query.subscription RPCs, which have identical shape.
type fakeStream struct {
	mu     sync.Mutex
	sent   []*axonpb.OutboundInstruction
	inbox  chan *axonpb.InboundInstruction
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{inbox: make(chan *axonpb.InboundInstruction, 32)}
}

func (f *fakeStream) Send(frame *axonpb.OutboundInstruction) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Recv() (*axonpb.InboundInstruction, error) {
	var frame, ok = <-f.inbox
	if !ok {
		return nil, fmt.Errorf("stream closed")
	}
	return frame, nil
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) deliver(frame *axonpb.InboundInstruction) {
	f.inbox <- frame
}

func (f *fakeStream) framesOfKind(kind axonpb.InstructionKind) []*axonpb.OutboundInstruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*axonpb.OutboundInstruction
	for _, frame := range f.sent {
		if frame.Kind == kind {
			out = append(out, frame)
		}
	}
	return out
}

// fakeQueryResultStream is the server-streaming fake for the unary-dispatched
// Query.query RPC.
type fakeQueryResultStream struct {
	items []*axonpb.QueryResponse
	i     int
}

func (f *fakeQueryResultStream) Recv() (*axonpb.QueryResponse, error) {
	if f.i >= len(f.items) {
		return nil, io.EOF
	}
	var item = f.items[f.i]
	f.i++
	return item, nil
}

// fakeQueryClient satisfies axonpb.QueryServiceClient against scripted
// streams for both RPCs.
type fakeQueryClient struct {
	openStream *fakeStream
	subStream  *fakeStream
	queryFn    func(ctx context.Context, q *axonpb.Query) (axonpb.QueryResultStream, error)
}

func (f *fakeQueryClient) OpenStream(ctx context.Context) (axonpb.QueryStream, error) {
	return f.openStream, nil
}

func (f *fakeQueryClient) Subscription(ctx context.Context) (axonpb.SubscriptionStream, error) {
	return f.subStream, nil
}

func (f *fakeQueryClient) Query(ctx context.Context, q *axonpb.Query) (axonpb.QueryResultStream, error) {
	return f.queryFn(ctx, q)
}

func newChannelUnderTest() (*Channel, *fakeQueryClient, *fakeStream, *fakeStream, *task.Group) {
	var openStream = newFakeStream()
	var subStream = newFakeStream()
	var client = &fakeQueryClient{openStream: openStream, subStream: subStream}
	var tasks = task.NewGroup(context.Background())
	var ch = NewChannel(tasks, client, "client-1", "comp", config.FlowControlConfig{Permits: 10, Batch: 10}, time.Hour)
	return ch, client, openStream, subStream, tasks
}

func waitFor(c *gc.C, timeout time.Duration, cond func() bool) {
	var deadline = time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.Fatal("condition never became true")
}

// TestHandleQueryFanInEmitsOneCompletePerHandlerSet covers invariant 8 /
// scenario S5: two handlers registered for the same (queryName, resultName)
// pair each answer once, and the dispatch emits exactly one QueryComplete
// once both have finished.
func (s *ChannelSuite) TestHandleQueryFanInEmitsOneCompletePerHandlerSet(c *gc.C) {
	var ch, _, openStream, _, tasks = newChannelUnderTest()
	c.Assert(ch.Connect(), gc.IsNil)

	var def = Definition{QueryName: "GetUser", ResultName: "User"}
	var _, err1 = ch.RegisterQueryHandler(func(ctx context.Context, q Query, sink func(Response) error) error {
		return sink(Response{PayloadType: "User", Payload: []byte("h1")})
	}, def)
	c.Assert(err1, gc.IsNil)
	var _, err2 = ch.RegisterQueryHandler(func(ctx context.Context, q Query, sink func(Response) error) error {
		return sink(Response{PayloadType: "User", Payload: []byte("h2")})
	}, def)
	c.Assert(err2, gc.IsNil)

	openStream.deliver(&axonpb.InboundInstruction{
		Kind:          axonpb.KindQuery,
		InstructionId: "q-1",
		Query:         &axonpb.Query{MessageIdentifier: "req-1", QueryName: "GetUser", ResultName: "User"},
	})

	waitFor(c, time.Second, func() bool {
		return len(openStream.framesOfKind(axonpb.KindQueryResponse)) == 2
	})

	var payloads = map[string]bool{}
	for _, f := range openStream.framesOfKind(axonpb.KindQueryResponse) {
		c.Check(f.QueryResponse.RequestIdentifier, gc.Equals, "req-1")
		payloads[string(f.QueryResponse.Payload)] = true
	}
	c.Check(payloads, gc.DeepEquals, map[string]bool{"h1": true, "h2": true})

	waitFor(c, time.Second, func() bool {
		return len(openStream.framesOfKind(axonpb.KindQueryComplete)) == 1
	})
	// No further QueryComplete ever arrives once both handlers have finished.
	time.Sleep(10 * time.Millisecond)
	c.Check(len(openStream.framesOfKind(axonpb.KindQueryComplete)), gc.Equals, 1)

	ch.Disconnect()
	tasks.Cancel()
	tasks.Wait()
}

// TestHandleQueryNoHandlerNacksAndCompletesWithError covers the no-handler
// path: a single error-shaped QueryResponse followed by QueryComplete.
func (s *ChannelSuite) TestHandleQueryNoHandlerNacksAndCompletesWithError(c *gc.C) {
	var ch, _, openStream, _, tasks = newChannelUnderTest()
	c.Assert(ch.Connect(), gc.IsNil)

	openStream.deliver(&axonpb.InboundInstruction{
		Kind:          axonpb.KindQuery,
		InstructionId: "q-1",
		Query:         &axonpb.Query{MessageIdentifier: "req-1", QueryName: "Unregistered", ResultName: "Nothing"},
	})

	waitFor(c, time.Second, func() bool {
		return len(openStream.framesOfKind(axonpb.KindQueryComplete)) == 1
	})
	var responses = openStream.framesOfKind(axonpb.KindQueryResponse)
	c.Assert(responses, gc.HasLen, 1)
	c.Check(responses[0].QueryResponse.ErrorCode, gc.Equals, axonpb.ErrorNoHandlerForQuery)

	ch.Disconnect()
	tasks.Cancel()
	tasks.Wait()
}

// TestSubscriptionQueryUpdatesThenComplete covers invariant and scenario S4:
// a subscriptionQuery session receives two updates then a server-initiated
// Complete, and Updates() yields exactly those two elements before ending
// normally.
func (s *ChannelSuite) TestSubscriptionQueryUpdatesThenComplete(c *gc.C) {
	var ch, _, _, subStream, tasks = newChannelUnderTest()
	c.Assert(ch.Connect(), gc.IsNil)

	var session = ch.SubscriptionQuery(Query{QueryName: "Watch", ResultName: "Counter"}, "CounterUpdate", 10, 10)

	waitFor(c, time.Second, func() bool {
		return len(subStream.framesOfKind(axonpb.KindSubscriptionQueryRequest)) == 1
	})
	var subscribeFrames = subStream.framesOfKind(axonpb.KindSubscriptionQueryRequest)
	c.Assert(subscribeFrames, gc.HasLen, 1)
	c.Check(subscribeFrames[0].SubscriptionQueryRequest.Kind, gc.Equals, axonpb.SubscribeQuery)
	c.Check(subscribeFrames[0].SubscriptionQueryRequest.SubscriptionId, gc.Equals, session.id)

	subStream.deliver(&axonpb.InboundInstruction{
		Kind: axonpb.KindSubscriptionQueryResponse,
		SubscriptionQueryResponse: &axonpb.SubscriptionQueryResponse{
			SubscriptionId: session.id,
			Update:         &axonpb.QueryResponse{PayloadType: "CounterUpdate", Payload: []byte("1")},
		},
	})
	subStream.deliver(&axonpb.InboundInstruction{
		Kind: axonpb.KindSubscriptionQueryResponse,
		SubscriptionQueryResponse: &axonpb.SubscriptionQueryResponse{
			SubscriptionId: session.id,
			Update:         &axonpb.QueryResponse{PayloadType: "CounterUpdate", Payload: []byte("2")},
		},
	})
	subStream.deliver(&axonpb.InboundInstruction{
		Kind: axonpb.KindSubscriptionQueryResponse,
		SubscriptionQueryResponse: &axonpb.SubscriptionQueryResponse{
			SubscriptionId: session.id,
			Complete:       &axonpb.SubscriptionQueryComplete{SubscriptionId: session.id},
		},
	})

	var resp1, err1, more1 = session.Updates().Next()
	c.Assert(err1, gc.IsNil)
	c.Assert(more1, gc.Equals, true)
	c.Check(string(resp1.Payload), gc.Equals, "1")

	var resp2, err2, more2 = session.Updates().Next()
	c.Assert(err2, gc.IsNil)
	c.Assert(more2, gc.Equals, true)
	c.Check(string(resp2.Payload), gc.Equals, "2")

	var _, err3, more3 = session.Updates().Next()
	c.Check(err3, gc.IsNil)
	c.Check(more3, gc.Equals, false)
	c.Check(session.State(), gc.Equals, Completed)

	ch.Disconnect()
	tasks.Cancel()
	tasks.Wait()
}

// TestSubscriptionQueryInitialResultIsLazyAndOnce covers InitialResult's
// at-most-once, lazily-triggered semantics.
func (s *ChannelSuite) TestSubscriptionQueryInitialResultIsLazyAndOnce(c *gc.C) {
	var ch, _, _, subStream, tasks = newChannelUnderTest()
	c.Assert(ch.Connect(), gc.IsNil)

	var session = ch.SubscriptionQuery(Query{QueryName: "Watch", ResultName: "Counter"}, "CounterUpdate", 10, 10)

	waitFor(c, time.Second, func() bool {
		return len(subStream.framesOfKind(axonpb.KindSubscriptionQueryRequest)) == 1
	})

	var done = make(chan struct{})
	var gotResp Response
	var gotErr error
	go func() {
		gotResp, gotErr = session.InitialResult()
		close(done)
	}()

	waitFor(c, time.Second, func() bool {
		for _, f := range subStream.framesOfKind(axonpb.KindSubscriptionQueryRequest) {
			if f.SubscriptionQueryRequest.Kind == axonpb.GetInitialResult {
				return true
			}
		}
		return false
	})
	c.Check(len(subStream.framesOfKind(axonpb.KindSubscriptionQueryRequest)), gc.Equals, 2)

	subStream.deliver(&axonpb.InboundInstruction{
		Kind: axonpb.KindSubscriptionQueryResponse,
		SubscriptionQueryResponse: &axonpb.SubscriptionQueryResponse{
			SubscriptionId: session.id,
			InitialResult:  &axonpb.QueryResponse{PayloadType: "Counter", Payload: []byte("42")},
		},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("InitialResult never resolved")
	}
	c.Assert(gotErr, gc.IsNil)
	c.Check(string(gotResp.Payload), gc.Equals, "42")

	// A second call returns the same resolved outcome without resending.
	var resp2, err2 = session.InitialResult()
	c.Assert(err2, gc.IsNil)
	c.Check(string(resp2.Payload), gc.Equals, "42")
	c.Check(len(subStream.framesOfKind(axonpb.KindSubscriptionQueryRequest)), gc.Equals, 2)

	ch.Disconnect()
	tasks.Cancel()
	tasks.Wait()
}

// TestQueryStreamsResultsUntilComplete covers the plain query() operation's
// server-streaming delivery through a BufferedStream.
func (s *ChannelSuite) TestQueryStreamsResultsUntilComplete(c *gc.C) {
	var openStream = newFakeStream()
	var subStream = newFakeStream()
	var client = &fakeQueryClient{
		openStream: openStream,
		subStream:  subStream,
		queryFn: func(ctx context.Context, q *axonpb.Query) (axonpb.QueryResultStream, error) {
			return &fakeQueryResultStream{items: []*axonpb.QueryResponse{
				{PayloadType: "User", Payload: []byte("a")},
				{PayloadType: "User", Payload: []byte("b")},
			}}, nil
		},
	}
	var tasks = task.NewGroup(context.Background())
	var ch = NewChannel(tasks, client, "client-1", "comp", config.FlowControlConfig{Permits: 10, Batch: 10}, time.Hour)
	c.Assert(ch.Connect(), gc.IsNil)

	var stream, err = ch.Query(context.Background(), Query{QueryName: "FindUsers", ResultName: "User"})
	c.Assert(err, gc.IsNil)

	var resp1, err1, more1 = stream.Next()
	c.Assert(err1, gc.IsNil)
	c.Assert(more1, gc.Equals, true)
	c.Check(string(resp1.Payload), gc.Equals, "a")

	var resp2, err2, more2 = stream.Next()
	c.Assert(err2, gc.IsNil)
	c.Assert(more2, gc.Equals, true)
	c.Check(string(resp2.Payload), gc.Equals, "b")

	var _, err3, more3 = stream.Next()
	c.Check(err3, gc.IsNil)
	c.Check(more3, gc.Equals, false)

	ch.Disconnect()
	tasks.Cancel()
	tasks.Wait()
}
