// Package client is the top-level entry point a host application embeds:
// Connector binds a ClientIdentity, a ManagedTransport, and the Command and
// Query channels into one cohesive lifecycle, modeled on the teacher's
// consumer.Service composing Resolver/Journals/Etcd/Loopback into a single
// process-level runtime concern.
package client

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axonconnect/connector-go/axonpb"
	"github.com/axonconnect/connector-go/command"
	"github.com/axonconnect/connector-go/config"
	"github.com/axonconnect/connector-go/internal/task"
	"github.com/axonconnect/connector-go/query"
)

// Connector is the application-facing handle on one connected identity's
// Command and Query channels. Event and Admin channels are out of scope
// (spec.md §1); Connector's shape leaves them as a natural later addition
// alongside Command/Query.
type Connector struct {
	Identity  Identity
	Command   *command.Channel
	Query     *query.Channel
	transport *ManagedTransport

	tasks      *task.Group
	stoppingCh chan struct{}
}

// New constructs a Connector over an already-dialed transport and the
// generated Command/Query service stubs built against it. It does not dial;
// call Connect to open both channels.
func New(transport *ManagedTransport, cmdStub axonpb.CommandServiceClient, queryStub axonpb.QueryServiceClient, identity Identity, cfg config.ClientConfig) *Connector {
	var tasks = task.NewGroup(context.Background())
	return &Connector{
		Identity:   identity,
		Command:    command.NewChannel(tasks, cmdStub, identity.ClientId, identity.ComponentName, cfg.CommandFlow, cfg.Reconnect.Backoff),
		Query:      query.NewChannel(tasks, queryStub, identity.ClientId, identity.ComponentName, cfg.QueryFlow, cfg.Reconnect.Backoff),
		transport:  transport,
		tasks:      tasks,
		stoppingCh: make(chan struct{}),
	}
}

// Connect dials both channels' initial streams, blocking until each has
// either connected or failed its first attempt. Either channel continues
// retrying under its own Reconnect Supervisor regardless of this call's
// outcome (spec.md §4.5).
func (c *Connector) Connect(ctx context.Context) error {
	if err := c.Command.Connect(); err != nil {
		log.WithError(err).WithField("clientId", c.Identity.ClientId).Warn("client: initial command channel connect failed; will retry")
	}
	if err := c.Query.Connect(); err != nil {
		log.WithError(err).WithField("clientId", c.Identity.ClientId).Warn("client: initial query channel connect failed; will retry")
	}
	return ctx.Err()
}

// IsConnected reports whether both the Command and Query channels currently
// hold a live stream.
func (c *Connector) IsConnected() bool {
	return c.Command.IsConnected() && c.Query.IsConnected()
}

// Stopping returns a channel closed once Disconnect has begun, so long-lived
// caller-side work (eg a handler loop awaiting cancellation) can begin
// winding down (mirrors consumer.Service.Stopping).
func (c *Connector) Stopping() <-chan struct{} { return c.stoppingCh }

// Disconnect tears down both channels and the underlying transport,
// unsubscribing every registered handler along the way. It blocks until
// every background task (dispatch pumps, reconnect supervisors) has exited.
func (c *Connector) Disconnect() error {
	close(c.stoppingCh)

	c.Command.Disconnect()
	c.Query.Disconnect()

	c.tasks.Cancel()
	c.tasks.Wait()

	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// DefaultReconnectPollInterval is how often a caller polling IsConnected in
// a wait loop (eg a CLI waiting for the initial connection before issuing
// its first command) should re-check, absent a more specific signal.
const DefaultReconnectPollInterval = 50 * time.Millisecond
