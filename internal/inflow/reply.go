package inflow

import (
	"github.com/axonconnect/connector-go/axonpb"
)

// ReplyChannel is the callback interface an incoming-frame dispatch routine
// uses to emit outbound replies on the same stream the frame arrived on.
// It wraps the channel's Outbound Stream Holder; callers never reach into
// the holder directly. Modeled after spec.md §9's note that a
// "callback-heavy reply channel" (many small polymorphic implementations in
// the original source) is best expressed as a small fixed-member interface.
type ReplyChannel struct {
	send func(*axonpb.OutboundInstruction) error
}

// NewReplyChannel wraps send, typically a closure over the channel's
// Outbound Stream Holder, as the ReplyChannel shared by every dispatch
// routine of one dialed stream.
func NewReplyChannel(send func(*axonpb.OutboundInstruction) error) *ReplyChannel {
	return &ReplyChannel{send: send}
}

// Send emits an arbitrary outbound frame.
func (r *ReplyChannel) Send(frame *axonpb.OutboundInstruction) error {
	return r.send(frame)
}

// SendAck acknowledges instructionId, positively if err is nil or negatively
// with err's message otherwise.
func (r *ReplyChannel) SendAck(instructionId string, err error) error {
	var ack = &axonpb.Ack{InstructionId: instructionId, Success: err == nil}
	if err != nil {
		ack.Error = &axonpb.ErrorMessage{Message: err.Error()}
	}
	return r.send(&axonpb.OutboundInstruction{
		Kind:          axonpb.KindAck,
		InstructionId: instructionId,
		Ack:           ack,
	})
}

// SendNack is a convenience over SendAck for a negative acknowledgement
// carrying a specific error category, eg in response to an unrecognized
// frame kind (protocol-violation) or an unroutable command/query.
func (r *ReplyChannel) SendNack(instructionId string, category axonpb.ErrorCategory, message string) error {
	return r.send(&axonpb.OutboundInstruction{
		Kind:          axonpb.KindAck,
		InstructionId: instructionId,
		Ack: &axonpb.Ack{
			InstructionId: instructionId,
			Success:       false,
			Error:         &axonpb.ErrorMessage{ErrorCode: category, Message: message},
		},
	})
}

// Complete emits a frame that concludes a request/response or subscription
// exchange (eg a CommandResponse, a QueryComplete, or a
// SubscriptionQueryResponse carrying Complete).
func (r *ReplyChannel) Complete(frame *axonpb.OutboundInstruction) error {
	return r.send(frame)
}

// CompleteWithError emits an error-shaped terminal frame, eg a
// CommandResponse or QueryResponse carrying an ErrorCode, in response to a
// handler-side exception (spec.md §7: handler-exception is recoverable from
// the peer's perspective and is never treated as a transport failure).
func (r *ReplyChannel) CompleteWithError(frame *axonpb.OutboundInstruction) error {
	return r.send(frame)
}
