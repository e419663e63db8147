// Package query implements the Query Channel (spec.md §4.7): query handler
// registration with first-in/last-out Subscribe/Unsubscribe routing,
// multi-handler fan-in dispatch for plain queries, the server-streaming
// query() operation, and subscriptionQuery() sessions layered over the
// subscription stream's GET_INITIAL_RESULT/SUBSCRIBE/UNSUBSCRIBE traffic.
package query

import (
	"context"
	"sync"

	"github.com/axonconnect/connector-go/axonpb"
)

// Query is the user-facing view of a dispatched query invocation, whether
// an ordinary fan-in Query, a subscription's GET_INITIAL_RESULT, or its
// SUBSCRIBE request.
type Query struct {
	QueryName              string
	ResultName             string
	MessageId              string
	PayloadType            string
	Payload                []byte
	ProcessingInstructions []axonpb.ProcessingInstruction
}

// Response is a single query result payload.
type Response struct {
	PayloadType string
	Payload     []byte
}

// Handler answers one Query, pushing zero or more results through sink
// before returning. A plain fan-in Query handler typically calls sink
// exactly once; a subscription update handler may call sink repeatedly for
// as long as it keeps running, and its eventual return (nil or error) ends
// that subscription's update stream (spec.md §4.7).
type Handler func(ctx context.Context, q Query, sink func(Response) error) error

// Definition names a (queryName, resultName) pair a Handler answers.
type Definition struct {
	QueryName  string
	ResultName string
}

func (d Definition) key() string { return d.QueryName + "\x00" + d.ResultName }

type registryEntry struct {
	def     Definition
	handler Handler
	token   uint64
}

// Registry maps a (queryName, resultName) pair to the set of Handlers
// willing to answer it. The first registration for a pair is the signal to
// send a routing Subscribe; the removal of the last is the signal to send
// Unsubscribe (spec.md §4.7).
type Registry struct {
	mu      sync.Mutex
	byKey   map[string][]registryEntry
	nextTok uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string][]registryEntry)}
}

// Register adds handler to def's handler set and reports whether this is
// the first handler for that pair (wire Subscribe required) along with a
// token identifying this registration for a later conditional Unregister.
func (r *Registry) Register(def Definition, handler Handler) (token uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextTok++
	token = r.nextTok
	var key = def.key()
	first = len(r.byKey[key]) == 0
	r.byKey[key] = append(r.byKey[key], registryEntry{def: def, handler: handler, token: token})
	return token, first
}

// Unregister removes the entry for def carrying token, reporting whether it
// was removed and whether the set for def is now empty (wire Unsubscribe
// required).
func (r *Registry) Unregister(def Definition, token uint64) (removed bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var key = def.key()
	var entries = r.byKey[key]
	for i, e := range entries {
		if e.token == token {
			entries = append(entries[:i], entries[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return false, false
	}
	if len(entries) == 0 {
		delete(r.byKey, key)
		return true, true
	}
	r.byKey[key] = entries
	return true, false
}

// HandlersFor returns a stable-order snapshot of the handlers registered
// for (queryName, resultName).
func (r *Registry) HandlersFor(queryName, resultName string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries = r.byKey[Definition{QueryName: queryName, ResultName: resultName}.key()]
	var out = make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.handler
	}
	return out
}

// Definitions returns every (queryName, resultName) pair currently holding
// at least one handler, the source of truth replayed as routing Subscribe
// frames on reconnect.
func (r *Registry) Definitions() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out = make([]Definition, 0, len(r.byKey))
	for _, entries := range r.byKey {
		if len(entries) > 0 {
			out = append(out, entries[0].def)
		}
	}
	return out
}

// Clear removes every registered handler, eg on channel disconnect.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.byKey = make(map[string][]registryEntry)
	r.mu.Unlock()
}
