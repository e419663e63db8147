package inflow

import (
	"context"
	"io"
	"sync"

	gc "github.com/go-check/check"

	"github.com/axonconnect/connector-go/axonpb"
)

type DispatchSuite struct{}

var _ = gc.Suite(&DispatchSuite{})

type fakeReceiver struct {
	mu     sync.Mutex
	frames []*axonpb.InboundInstruction
	i      int
	errAt  int // returns io.EOF once i reaches len(frames), or an injected error at errAt.
	err    error
}

func (f *fakeReceiver) Recv() (*axonpb.InboundInstruction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.errAt >= 0 && f.i == f.errAt {
		return nil, f.err
	}
	if f.i >= len(f.frames) {
		return nil, io.EOF
	}
	var fr = f.frames[f.i]
	f.i++
	return fr, nil
}

func (s *DispatchSuite) TestUnknownKindSendsNackAndContinues(c *gc.C) {
	var nacked []string
	var reply = NewReplyChannel(func(frame *axonpb.OutboundInstruction) error {
		if frame.Kind == axonpb.KindAck && !frame.Ack.Success {
			nacked = append(nacked, frame.InstructionId)
		}
		return nil
	})

	var recv = &fakeReceiver{
		frames: []*axonpb.InboundInstruction{
			{Kind: axonpb.KindUnknown, InstructionId: "bad-1"},
		},
		errAt: -1,
	}

	var disconnected error
	var d = NewDispatcher(reply, nil, func(err error) { disconnected = err })
	d.Run(context.Background(), recv)

	c.Check(nacked, gc.DeepEquals, []string{"bad-1"})
	c.Check(disconnected, gc.Equals, io.EOF)
}

func (s *DispatchSuite) TestKnownKindDispatchesAndConsumesPermit(c *gc.C) {
	var seen []string
	var reply = NewReplyChannel(func(frame *axonpb.OutboundInstruction) error { return nil })

	var refills int
	var governor = NewGovernor(10, 2, func(delta int64) error {
		refills++
		return nil
	})
	c.Assert(governor.Enable(), gc.IsNil)

	var recv = &fakeReceiver{
		frames: []*axonpb.InboundInstruction{
			{Kind: axonpb.KindCommand, InstructionId: "", Command: &axonpb.Command{Name: "Ping"}},
			{Kind: axonpb.KindCommand, InstructionId: "", Command: &axonpb.Command{Name: "Pong"}},
		},
		errAt: -1,
	}

	var d = NewDispatcher(reply, governor, func(error) {})
	d.HandleFunc(axonpb.KindCommand, func(frame *axonpb.InboundInstruction, reply *ReplyChannel) {
		seen = append(seen, frame.Command.Name)
	})
	d.Run(context.Background(), recv)

	c.Check(seen, gc.DeepEquals, []string{"Ping", "Pong"})
	c.Check(refills, gc.Equals, 2) // Initial grant from Enable, then batch=2, two frames consumed => exactly one refill.
}

func (s *DispatchSuite) TestDisconnectInvokedExactlyOnce(c *gc.C) {
	var calls int
	var reply = NewReplyChannel(func(frame *axonpb.OutboundInstruction) error { return nil })
	var recv = &fakeReceiver{errAt: 0, err: io.ErrClosedPipe}

	var d = NewDispatcher(reply, nil, func(err error) { calls++ })
	d.Run(context.Background(), recv)
	d.fireDisconnect(io.ErrClosedPipe) // A second terminal condition must not re-invoke.

	c.Check(calls, gc.Equals, 1)
}
