// Package devicepoll implements the device authorization grant's polling
// loop per RFC 8628 section 3.4: a cancellable, single-flight loop against
// the token endpoint that waits out authorization_pending, honors
// slow_down, and stops hard on terminal errors, device-code expiry, or the
// attempt budget.
package devicepoll

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wrale/oauth2-flow-engine/internal/credentials"
	"github.com/wrale/oauth2-flow-engine/internal/flowerr"
	"github.com/wrale/oauth2-flow-engine/internal/provider"
)

// GrantType is the device flow grant type per RFC 8628 section 3.4.
const GrantType = "urn:ietf:params:oauth:grant-type:device_code"

const (
	// DefaultInterval is the base interval between poll attempts.
	DefaultInterval = 5 * time.Second

	// SlowDownIncrement is added to the interval on a slow_down response
	// per RFC 8628 section 3.5. The interval never decreases within a run.
	SlowDownIncrement = 5 * time.Second

	// DefaultMaxAttempts caps a polling run (~10 minutes at the base
	// interval), independent of the device code's own expiry.
	DefaultMaxAttempts = 120
)

// ErrPollingActive is returned by Start while a loop is already running
// for this poller. Callers treat it as a no-op, not a failure.
var ErrPollingActive = errors.New("polling already in progress")

// State is the poller's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateAuthorizing State = "authorizing"
	StatePolling     State = "polling"
	StateSucceeded   State = "succeeded"
	StateExpired     State = "expired"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// EventKind classifies a poll event.
type EventKind string

const (
	// EventPending is the normal keep-waiting signal; the user has not
	// authorized yet. Never a failure.
	EventPending EventKind = "pending"

	// EventSlowDown reports a server-directed interval increase.
	EventSlowDown EventKind = "slow_down"

	// EventTransient reports a network-level failure; the loop continues
	// but the attempt still counts against the budget.
	EventTransient EventKind = "transient"

	// EventSucceeded carries the token response and ends the loop.
	EventSucceeded EventKind = "succeeded"

	// EventExpired reports the attempt budget or the device code's own
	// expiry was exhausted; distinguishable so the caller can offer a
	// fresh device code.
	EventExpired EventKind = "expired"

	// EventFailed reports a terminal protocol error.
	EventFailed EventKind = "failed"
)

// Event is one observation from a polling run.
type Event struct {
	Kind     EventKind
	Attempt  int
	Interval time.Duration
	Token    *provider.TokenResponse
	Err      error
}

// Terminal reports whether the event ends the polling run.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventSucceeded, EventExpired, EventFailed:
		return true
	}
	return false
}

// Status is a snapshot of the polling loop's progress.
type Status struct {
	State        State
	IsPolling    bool
	PollCount    int
	LastPolledAt time.Time
	Err          error
}

// TokenRequester is the slice of the provider client the poller needs.
type TokenRequester interface {
	Token(ctx context.Context, creds credentials.Credentials, form url.Values) (*provider.TokenResponse, error)
	DeviceAuthorize(ctx context.Context, creds credentials.Credentials) (*provider.DeviceAuthorization, error)
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the base poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.baseInterval = d }
}

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(p *Poller) { p.maxAttempts = n }
}

// WithSlowDownIncrement sets how much a slow_down response raises the
// interval.
func WithSlowDownIncrement(d time.Duration) Option {
	return func(p *Poller) { p.slowDownStep = d }
}

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Poller) { p.log = log }
}

// Poller runs at most one device-flow polling loop at a time.
type Poller struct {
	client       TokenRequester
	log          logrus.FieldLogger
	baseInterval time.Duration
	slowDownStep time.Duration
	maxAttempts  int

	mu     sync.Mutex
	state  State
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a poller over the given token client.
func New(client TokenRequester, opts ...Option) *Poller {
	p := &Poller{
		client:       client,
		log:          logrus.StandardLogger(),
		baseInterval: DefaultInterval,
		slowDownStep: SlowDownIncrement,
		maxAttempts:  DefaultMaxAttempts,
		state:        StateIdle,
		status:       Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequestAuthorization obtains a device and user code pair from the device
// authorization endpoint. It does not start polling.
func (p *Poller) RequestAuthorization(ctx context.Context, creds credentials.Credentials) (*provider.DeviceAuthorization, error) {
	p.setState(StateAuthorizing)
	da, err := p.client.DeviceAuthorize(ctx, creds)
	if err != nil {
		p.setState(StateIdle)
		return nil, fmt.Errorf("requesting device authorization: %w", err)
	}
	return da, nil
}

// Start begins the polling loop and returns its event stream. The channel
// is closed when the loop ends. At most one loop runs per poller; a second
// Start while one is active returns ErrPollingActive and starts nothing.
func (p *Poller) Start(ctx context.Context, creds credentials.Credentials, auth *provider.DeviceAuthorization) (<-chan Event, error) {
	p.mu.Lock()
	if p.status.IsPolling {
		p.mu.Unlock()
		return nil, ErrPollingActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = StatePolling
	p.status = Status{State: StatePolling, IsPolling: true}

	interval := p.baseInterval
	if server := time.Duration(auth.Interval) * time.Second; server > interval {
		interval = server
	}

	// Buffered for the worst case so the loop never blocks on a slow
	// consumer and cancellation stays prompt.
	events := make(chan Event, p.maxAttempts+1)
	done := p.done
	p.mu.Unlock()

	go p.run(runCtx, creds, auth, interval, events, done)
	return events, nil
}

// Stop cancels an active polling run and blocks until the loop has fully
// exited, guaranteeing IsPolling is false and no further events will be
// emitted. Stopping an idle or already-stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsRunning reports whether a polling loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.IsPolling
}

// Status returns a snapshot of the current polling progress.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) run(ctx context.Context, creds credentials.Credentials, auth *provider.DeviceAuthorization, interval time.Duration, events chan Event, done chan struct{}) {
	defer close(done)
	defer close(events)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			p.finish(StateCancelled, nil)
			return
		case <-timer.C:
		}

		if attempt > p.maxAttempts {
			err := &flowerr.TimeoutError{Attempts: attempt - 1, Reason: "attempt budget exhausted"}
			p.finish(StateExpired, err)
			p.emit(ctx, events, Event{Kind: EventExpired, Attempt: attempt - 1, Interval: interval, Err: err})
			return
		}

		if !auth.ExpiresAt.IsZero() && time.Now().After(auth.ExpiresAt) {
			err := &flowerr.TimeoutError{Attempts: attempt - 1, Reason: "device code expired"}
			p.finish(StateExpired, err)
			p.emit(ctx, events, Event{Kind: EventExpired, Attempt: attempt - 1, Interval: interval, Err: err})
			return
		}

		token, err := p.client.Token(ctx, creds, url.Values{
			"grant_type":  {GrantType},
			"device_code": {auth.DeviceCode},
		})

		// A result arriving after cancellation must not be applied.
		select {
		case <-ctx.Done():
			p.finish(StateCancelled, nil)
			return
		default:
		}

		p.recordPoll(attempt)

		switch {
		case err == nil:
			p.finish(StateSucceeded, nil)
			p.emit(ctx, events, Event{Kind: EventSucceeded, Attempt: attempt, Interval: interval, Token: token})
			return

		case flowerr.IsOAuthError(err, flowerr.CodeAuthorizationPending):
			p.emit(ctx, events, Event{Kind: EventPending, Attempt: attempt, Interval: interval})

		case flowerr.IsOAuthError(err, flowerr.CodeSlowDown):
			if next := interval + p.slowDownStep; next > interval {
				interval = next
			}
			p.emit(ctx, events, Event{Kind: EventSlowDown, Attempt: attempt, Interval: interval})

		case flowerr.IsOAuthError(err, flowerr.CodeExpiredToken),
			flowerr.IsOAuthError(err, flowerr.CodeInvalidGrant):
			p.finish(StateFailed, err)
			p.emit(ctx, events, Event{Kind: EventFailed, Attempt: attempt, Interval: interval, Err: err})
			return

		case isProtocolError(err):
			p.finish(StateFailed, err)
			p.emit(ctx, events, Event{Kind: EventFailed, Attempt: attempt, Interval: interval, Err: err})
			return

		default:
			// Network-level failure: keep polling, budget still burns.
			terr := &flowerr.TransientError{Err: err}
			p.log.WithError(err).WithField("attempt", attempt).Warn("device poll attempt failed")
			p.emit(ctx, events, Event{Kind: EventTransient, Attempt: attempt, Interval: interval, Err: terr})
		}

		timer.Reset(interval)
	}
}

// emit delivers an event unless the run has been cancelled.
func (p *Poller) emit(ctx context.Context, events chan Event, ev Event) {
	select {
	case <-ctx.Done():
	case events <- ev:
	}
}

func (p *Poller) recordPoll(attempt int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.PollCount = attempt
	p.status.LastPolledAt = time.Now()
}

func (p *Poller) finish(state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.status.State = state
	p.status.IsPolling = false
	p.status.Err = err
	p.cancel = nil
}

func (p *Poller) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.status.State = state
}

func isProtocolError(err error) bool {
	var pe *flowerr.ProtocolError
	return errors.As(err, &pe)
}
