// Package command implements the Command Channel: handler subscription,
// command dispatch, and the incoming Command/Ack dispatch routines that
// bind the shared channel runtime (pending registry, outbound holder,
// incoming dispatch, flow control, reconnect supervisor) for AxonServer's
// fire-and-forget-dispatch-with-single-response interaction pattern.
package command

import (
	"context"
	"sync"

	"github.com/axonconnect/connector-go/axonpb"
)

// Handler processes one dispatched Command and returns its single response
// payload, or an error which is converted into an error-shaped
// CommandResponse (spec.md §4.6, §7: handler-exception is never treated as
// a transport failure).
type Handler func(ctx context.Context, cmd Command) (Response, error)

// Command is the user-facing view of a dispatched or outbound command
// invocation. RoutingKey is optional on the outbound path: if left empty and
// no ROUTING_KEY processing instruction is present, Channel.SendCommand
// synthesizes one from MessageId (spec.md §4.6).
type Command struct {
	Name                   string
	MessageId              string
	PayloadType            string
	Payload                []byte
	RoutingKey             string
	ProcessingInstructions []axonpb.ProcessingInstruction
}

// Response is the user-facing view of a single command result.
type Response struct {
	PayloadType string
	Payload     []byte
}

type registryEntry struct {
	handler    Handler
	loadFactor int32
	token      uint64
}

// Registry maps command name to exactly one Handler, source of truth for
// resubscription after reconnect. Re-registering a name replaces the entry
// silently on the client; the caller is still responsible for pairing
// Subscribe/Unsubscribe wire traffic so the server's view converges
// (spec.md §3).
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
	nextTok uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register records handler under name, replacing any prior entry, and
// returns a token identifying this exact registration for a later
// conditional Unregister.
func (r *Registry) Register(name string, handler Handler, loadFactor int32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextTok++
	var tok = r.nextTok
	r.entries[name] = registryEntry{handler: handler, loadFactor: loadFactor, token: tok}
	return tok
}

// Unregister removes name iff its current entry still carries token, ie the
// handler identity has not since been replaced by a newer registration for
// the same name. It reports whether the entry was removed.
func (r *Registry) Unregister(name string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var e, ok = r.entries[name]
	if !ok || e.token != token {
		return false
	}
	delete(r.entries, name)
	return true
}

// Get returns the Handler registered for name, if any.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var e, ok = r.entries[name]
	return e.handler, ok
}

// Names returns every currently registered command name, the source of
// truth replayed as Subscribe frames on reconnect.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names = make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// LoadFactor returns the load factor registered for name.
func (r *Registry) LoadFactor(name string) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[name].loadFactor
}

// Clear removes every registered handler, eg on channel disconnect.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]registryEntry)
	r.mu.Unlock()
}
