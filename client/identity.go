package client

// Identity is the immutable {clientId, componentName} pair stamped onto
// every outbound frame (spec.md §3: ClientIdentity). It is created once at
// Connector construction and never mutated afterwards.
type Identity struct {
	ClientId      string
	ComponentName string
	Tags          map[string]string
}
