// Package config collects the tunables a Connector needs at construction
// time: identity stamped onto every outbound frame, reconnect backoff, and
// the flow-control batch/permit pair for each channel kind (spec.md §3).
package config

import "time"

// ClientConfig is the top-level configuration passed to client.New.
type ClientConfig struct {
	// ClientId and ComponentName together form the ClientIdentity stamped on
	// every outbound frame.
	ClientId      string
	ComponentName string
	// Tags is optional free-form metadata carried alongside identity, eg for
	// server-side routing or observability labels.
	Tags map[string]string

	Reconnect   ReconnectConfig
	CommandFlow FlowControlConfig
	QueryFlow   FlowControlConfig
}

// ReconnectConfig parameterizes the Reconnect Supervisor's backoff.
type ReconnectConfig struct {
	// Backoff is the delay between a failed dial and the next retry.
	Backoff time.Duration
}

// FlowControlConfig parameterizes a Flow-Control Governor.
type FlowControlConfig struct {
	// Permits is the initial grant sent on enableFlowControl.
	Permits int64
	// Batch is the refill delta sent once Batch frames have been consumed
	// since the last grant.
	Batch int64
}

// DefaultClientConfig returns a ClientConfig for clientId/componentName with
// reasonable defaults for everything else: a five-second reconnect backoff and a
// permits-equal-to-batch flow control window of 64 frames for both Command
// and Query channels.
func DefaultClientConfig(clientId, componentName string) ClientConfig {
	return ClientConfig{
		ClientId:      clientId,
		ComponentName: componentName,
		Reconnect:     ReconnectConfig{Backoff: 5 * time.Second},
		CommandFlow:   FlowControlConfig{Permits: 64, Batch: 64},
		QueryFlow:     FlowControlConfig{Permits: 64, Batch: 64},
	}
}
