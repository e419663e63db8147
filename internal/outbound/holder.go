// Package outbound implements the single-slot Outbound Stream Holder shared
// by every logical channel: a reference to the currently authoritative
// send-side of a channel's bidi stream, safely swapped on reconnect and
// guarded so that concurrent producer sends are serialized onto whatever
// stream is current.
//
// Modeled on the single-slot channel idiom used throughout the teacher
// (replica.pipelineCh, replica.spoolCh in consumer/resolver.go) and on the
// generic credit/queue holder pattern used by kedacore's vendored
// github.com/Azure/go-amqp receiver.
package outbound

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoStream is returned by Send when no stream is currently held, eg
// before the first connect or after disconnect.
var ErrNoStream = errors.New("no outbound stream held")

// CloseSender is the orderly-teardown contract a held stream must support,
// so a displaced stream can be sent an end-of-stream after a swap.
type CloseSender interface {
	CloseSend() error
}

// Holder is a single-cell reference to the current send-side of a bidi
// stream of type T, for one logical channel. At most one stream is
// authoritative at any instant. The underlying stream's Send is assumed
// non-thread-safe (spec.md §5): Holder serializes every Send call with its
// own mutex so producer goroutines may call concurrently without
// corrupting the wire stream.
type Holder[T CloseSender] struct {
	mu     sync.Mutex
	gen    uint64 // bumped on every swap, used to implement CompareAndSwap by generation.
	stream T
	hasOne bool
}

// New returns an empty Holder.
func New[T CloseSender]() *Holder[T] {
	return &Holder[T]{}
}

// token identifies a specific generation of the held stream, as returned by
// Get, for use with CompareAndSwap.
type token struct {
	gen    uint64
	hasOne bool
}

// Get returns the currently held stream, whether one is held, and an opaque
// token identifying this generation for a later CompareAndSwap.
func (h *Holder[T]) Get() (stream T, ok bool, tok any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stream, h.hasOne, token{gen: h.gen, hasOne: h.hasOne}
}

// CompareAndSwap installs next as the held stream iff the holder is still at
// the generation identified by tok (as returned by a prior Get). It reports
// whether the swap took effect.
func (h *Holder[T]) CompareAndSwap(tok any, next T) bool {
	var want = tok.(token)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != want.gen || h.hasOne != want.hasOne {
		return false
	}
	h.stream = next
	h.hasOne = true
	h.gen++
	return true
}

// GetAndSet installs next as the authoritative stream and returns whatever
// was previously held (and whether anything was held). The caller is
// responsible for completing the previous stream (an orderly CloseSend)
// after the swap; in-flight sends against the old stream may fail and are
// handled as ordinary transport errors (spec.md §4.2).
func (h *Holder[T]) GetAndSet(next T) (prev T, hadPrev bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, hadPrev = h.stream, h.hasOne
	h.stream = next
	h.hasOne = true
	h.gen++
	return
}

// Clear removes the held stream, returning whatever was held (if anything),
// so the caller may close it.
func (h *Holder[T]) Clear() (prev T, hadPrev bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, hadPrev = h.stream, h.hasOne
	var zero T
	h.stream = zero
	h.hasOne = false
	h.gen++
	return
}

// Send serializes a call to send against whatever stream is currently held,
// passing it to the send closure. ErrNoStream is returned without calling
// send if no stream is currently held.
func (h *Holder[T]) Send(send func(T) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasOne {
		return ErrNoStream
	}
	return send(h.stream)
}
