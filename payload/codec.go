// Package payload adapts arbitrary Go values to and from the raw
// (PayloadType, []byte) pairs carried by Command and Query frames, the way
// the teacher's message.Framing adapts a Message to and from raw journal
// bytes: a Codec is asserted at the call site against whatever payload type
// a handler or caller actually produces or expects.
package payload

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Codec marshals and unmarshals a payload body, self-identifying the wire
// PayloadType it produces so a Command/Query frame can carry it without the
// caller threading a type name through by hand.
type Codec interface {
	// PayloadType names the wire type this Codec marshals, eg a fully
	// qualified message name.
	PayloadType() string
	// Marshal encodes v to its wire representation.
	Marshal(v interface{}) ([]byte, error)
	// Unmarshal decodes data into v, a pointer to a value of the type this
	// Codec was constructed for.
	Unmarshal(data []byte, v interface{}) error
}

// JSON returns a Codec encoding values as JSON, identifying itself on the
// wire as payloadType. Modeled on the teacher's JSONFraming, narrowed from
// a line-delimited journal framing to a single self-contained payload body.
func JSON(payloadType string) Codec {
	return &jsonCodec{payloadType: payloadType}
}

type jsonCodec struct {
	payloadType string
}

func (c *jsonCodec) PayloadType() string { return c.payloadType }

func (c *jsonCodec) Marshal(v interface{}) ([]byte, error) {
	var b, err = json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "payload: marshal %s", c.payloadType)
	}
	return b, nil
}

func (c *jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "payload: unmarshal %s", c.payloadType)
	}
	return nil
}

// Registry maps a wire PayloadType name to the Codec that handles it, for a
// handler dispatching on Command.PayloadType / Query.PayloadType before
// decoding.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry returns a Registry seeded with codecs, keyed by each one's own
// PayloadType.
func NewRegistry(codecs ...Codec) *Registry {
	var r = &Registry{byType: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.byType[c.PayloadType()] = c
	}
	return r
}

// Lookup returns the Codec registered for payloadType, if any.
func (r *Registry) Lookup(payloadType string) (Codec, bool) {
	var c, ok = r.byType[payloadType]
	return c, ok
}

// Decode unmarshals data into v using the Codec registered for payloadType,
// the way a Command/Query handler decodes an incoming frame's raw
// (PayloadType, Payload) pair before acting on it.
func (r *Registry) Decode(payloadType string, data []byte, v interface{}) error {
	var c, ok = r.Lookup(payloadType)
	if !ok {
		return ErrUnknownPayloadType
	}
	return c.Unmarshal(data, v)
}

// ErrUnknownPayloadType is returned by Registry.Decode when no Codec is
// registered for the PayloadType a Command/Query frame carries.
var ErrUnknownPayloadType = errors.New("payload: unknown payload type")
