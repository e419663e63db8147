package query

import "sync"

// SessionState is one of a subscriptionQuery session's four lifecycle
// states (spec.md §4.7).
type SessionState int

const (
	AwaitingAck SessionState = iota
	Streaming
	Completed
	Cancelled
)

// Session is the consumer side of one subscriptionQuery call: the
// initial-result promise (lazily requested, at-most-once) and the bounded
// stream of updates, both correlated by SubscriptionId.
type Session struct {
	id                 string
	channel            *Channel
	query              Query
	updateResponseType string

	updates *BufferedStream

	mu          sync.Mutex
	state       SessionState
	initialSent bool
	initialDone chan struct{}
	initialResp Response
	initialErr  error
}

func newSession(id string, channel *Channel, q Query, updateResponseType string, updates *BufferedStream) *Session {
	return &Session{
		id:                 id,
		channel:            channel,
		query:              q,
		updateResponseType: updateResponseType,
		updates:            updates,
		state:              AwaitingAck,
		initialDone:        make(chan struct{}),
	}
}

// InitialResult lazily sends a GET_INITIAL_RESULT request on its first
// call (idempotent, at-most-once), then blocks until the server responds.
// Subsequent calls return the same, already-resolved outcome.
func (s *Session) InitialResult() (Response, error) {
	s.mu.Lock()
	var alreadySent = s.initialSent
	s.initialSent = true
	s.mu.Unlock()

	if !alreadySent {
		s.channel.requestInitialResult(s)
	}

	<-s.initialDone
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialResp, s.initialErr
}

func (s *Session) resolveInitial(resp Response, err error) {
	s.mu.Lock()
	select {
	case <-s.initialDone:
	default:
		s.initialResp, s.initialErr = resp, err
		close(s.initialDone)
	}
	s.mu.Unlock()
}

// Updates returns the bounded stream of update Responses. It yields
// exactly the updates the server has emitted so far, terminating normally
// on a server-initiated Complete.
func (s *Session) Updates() *BufferedStream { return s.updates }

func (s *Session) setState(v SessionState) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// State returns the Session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel sends UnsubscribeQuery, detaches the update stream, and marks the
// Session Cancelled. It does not resolve a still-pending InitialResult
// call, which is left to the caller to abandon.
func (s *Session) Cancel() {
	s.setState(Cancelled)
	s.updates.Close()
	s.channel.cancelSession(s)
}
