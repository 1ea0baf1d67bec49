package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/open-rails/socialauth/core"

// State is the Coordinator's position in the login state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a consistent read of the Coordinator.
//
// While Authenticating, Provider is the provider in flight and Session is
// the session that was current before the attempt (possibly nil).
type Snapshot struct {
	State    State          `json:"state"`
	Provider ProviderID     `json:"provider,omitempty"`
	Session  *SessionResult `json:"session,omitempty"`
}

// Transition is delivered to subscribers after every state change.
type Transition struct {
	From Snapshot  `json:"from"`
	To   Snapshot  `json:"to"`
	At   time.Time `json:"at"`
}

// Listener receives transitions in the order they happened. Listeners run
// on the goroutine that caused the transition, outside the Coordinator lock.
type Listener func(Transition)

type subscriber struct {
	id int
	fn Listener
}

// Coordinator owns the single current session and dispatches login and
// logout to the configured adapters. At most one transition is in flight.
type Coordinator struct {
	log       logrus.FieldLogger
	events    AuthEventLogger
	tracer    trace.Tracer
	initLimit int

	order    []ProviderID
	adapters map[ProviderID]Adapter

	mu          sync.Mutex
	started     bool
	busy        bool
	state       State
	inflight    ProviderID
	session     *SessionResult
	unavailable map[ProviderID]error
	subs        []subscriber
	nextSub     int
	queue       []Transition

	emitMu sync.Mutex
}

// NewCoordinator validates cfg and returns an unstarted Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Coordinator{
		log:         log.WithField("component", "socialauth"),
		events:      cfg.Events,
		tracer:      otel.Tracer(tracerName),
		adapters:    make(map[ProviderID]Adapter, len(cfg.Providers)),
		unavailable: map[ProviderID]error{},
	}
	for _, reg := range cfg.Providers {
		c.order = append(c.order, reg.ID)
		c.adapters[reg.ID] = reg.Adapter
	}
	return c, nil
}

// WithTracer overrides the global otel tracer.
func (c *Coordinator) WithTracer(t trace.Tracer) *Coordinator {
	if t != nil {
		c.tracer = t
	}
	return c
}

// WithInitConcurrency bounds how many adapters initialize at once during
// Start. Zero means no bound.
func (c *Coordinator) WithInitConcurrency(n int) *Coordinator {
	c.initLimit = n
	return c
}

// Start initializes every adapter, then restores a completed deferred login
// if one exists. It runs once; later calls return nil.
//
// Initialization failures mark the provider unavailable and are not
// returned. Errors from deferred resolution are returned joined, after the
// machine has settled.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "socialauth.Start")
	defer span.End()

	c.mu.Lock()
	if c.started || c.busy {
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	c.mu.Unlock()

	c.initialize(ctx)
	sess, err := c.resolve(ctx)

	c.mu.Lock()
	prev := c.snapshotLocked()
	c.started = true
	c.busy = false
	if sess != nil {
		c.session = sess
		c.state = StateAuthenticated
		c.enqueueLocked(prev)
	}
	c.mu.Unlock()
	c.emit()

	if sess != nil {
		c.log.WithFields(logrus.Fields{"provider": sess.Provider, "user_id": sess.UserID}).Info("deferred_login_restored")
		span.SetAttributes(attribute.String("restored_provider", string(sess.Provider)))
		c.record(ctx, AuthSessionEvent{Provider: sess.Provider, UserID: sess.UserID, Event: SessionEventRestored, Mode: StringPtr(ModeDeferred.String())})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deferred resolution")
	}
	return err
}

func (c *Coordinator) initialize(ctx context.Context) {
	var g errgroup.Group
	if c.initLimit > 0 {
		g.SetLimit(c.initLimit)
	}
	failures := make([]error, len(c.order))
	for i, id := range c.order {
		adapter := c.adapters[id]
		g.Go(func() error {
			if err := adapter.Initialize(ctx); err != nil {
				failures[i] = InitializationFailure(id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.order {
		if failures[i] == nil {
			continue
		}
		c.unavailable[id] = failures[i]
		c.log.WithError(failures[i]).WithField("provider", id).Warn("provider_unavailable")
	}
}

// resolve checks providers in configured order and stops at the first
// completed deferred login.
func (c *Coordinator) resolve(ctx context.Context) (*SessionResult, error) {
	var errs []error
	for _, id := range c.order {
		if c.isUnavailable(id) {
			continue
		}
		res, err := c.adapters[id].ResolveDeferredResult(ctx)
		if err != nil {
			err = asAuthError(id, err)
			c.log.WithError(err).WithField("provider", id).Warn("deferred_resolution_failed")
			errs = append(errs, err)
			continue
		}
		if res == nil {
			continue
		}
		sess, err := c.normalize(id, *res)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return sess, errors.Join(errs...)
	}
	return nil, errors.Join(errs...)
}

func (c *Coordinator) isUnavailable(id ProviderID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unavailable[id] != nil
}

func (c *Coordinator) normalize(id ProviderID, s SessionResult) (*SessionResult, error) {
	out := s.Clone()
	if out.Provider == "" {
		out.Provider = id
	}
	if out.Provider != id {
		return nil, ProviderFailure(id, "provider_mismatch", fmt.Errorf("adapter returned session for %q", out.Provider))
	}
	if err := out.Validate(); err != nil {
		return nil, ProviderFailure(id, "invalid_session", err)
	}
	return out, nil
}

// Login dispatches to the adapter registered as id.
//
// Interactive logins return the new session, which replaces any current
// one. Deferred logins return (nil, nil) once the flow is initiated. On any
// failure the previous session is left untouched.
func (c *Coordinator) Login(ctx context.Context, id ProviderID, mode Mode) (*SessionResult, error) {
	ctx, span := c.tracer.Start(ctx, "socialauth.Login", trace.WithAttributes(
		attribute.String("provider", string(id)),
		attribute.String("mode", mode.String()),
	))
	defer span.End()
	log := c.log.WithFields(logrus.Fields{"provider": id, "mode": mode})

	adapter, ok := c.adapters[id]
	if !ok {
		return nil, UnknownProvider(id)
	}
	if mode != ModeInteractive && mode != ModeDeferred {
		return nil, ProviderFailure(id, ReasonUnsupported, fmt.Errorf("mode %s", mode))
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, LoginInProgress(id)
	}
	if !c.started {
		c.mu.Unlock()
		return nil, ProviderFailure(id, ReasonNotInitialized, nil)
	}
	if cause := c.unavailable[id]; cause != nil {
		c.mu.Unlock()
		return nil, ProviderFailure(id, ReasonUnavailable, cause)
	}
	prev := c.snapshotLocked()
	c.busy = true
	c.inflight = id
	c.state = StateAuthenticating
	c.enqueueLocked(prev)
	c.mu.Unlock()
	c.emit()

	var sess *SessionResult
	var err error
	switch mode {
	case ModeInteractive:
		var res SessionResult
		res, err = adapter.LoginInteractive(ctx)
		if err == nil {
			if sess, err = c.normalize(id, res); err != nil {
				c.release(id)
			}
		}
	case ModeDeferred:
		err = adapter.LoginDeferred(ctx)
	}
	err = asAuthError(id, err)

	c.mu.Lock()
	prev = c.snapshotLocked()
	var replaced *SessionResult
	if sess != nil {
		replaced = c.session
		c.session = sess
	}
	c.state = StateUnauthenticated
	if c.session != nil {
		c.state = StateAuthenticated
	}
	c.busy = false
	c.inflight = ""
	c.enqueueLocked(prev)
	out := c.session.Clone()
	c.mu.Unlock()
	c.emit()

	modeName := StringPtr(mode.String())
	switch {
	case err == nil && sess != nil:
		log.WithField("user_id", sess.UserID).Info("login_succeeded")
		if replaced != nil {
			if replaced.Provider != id {
				c.release(replaced.Provider)
			}
			c.record(ctx, AuthSessionEvent{Provider: replaced.Provider, UserID: replaced.UserID, Event: SessionEventRevoked, Reason: StringPtr(string(SessionRevokeReasonReplaced))})
		}
		c.record(ctx, AuthSessionEvent{Provider: id, UserID: sess.UserID, Event: SessionEventCreated, Mode: modeName})
		return out, nil
	case err == nil:
		log.Info("deferred_login_started")
		return nil, nil
	case IsSilent(err):
		log.Debug("login_cancelled")
	default:
		log.WithError(err).Warn("login_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
	}
	c.record(ctx, AuthSessionEvent{Provider: id, Event: SessionEventFailed, Mode: modeName, Reason: StringPtr(errorCode(err))})
	return nil, err
}

// Logout ends the current session. With no session it is a no-op.
//
// Local state is cleared even when the adapter fails; that failure is
// logged and returned.
func (c *Coordinator) Logout(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "socialauth.Logout")
	defer span.End()

	c.mu.Lock()
	if c.busy {
		inflight := c.inflight
		c.mu.Unlock()
		return LoginInProgress(inflight)
	}
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}
	held := c.session
	id := held.Provider
	c.busy = true
	c.mu.Unlock()

	var err error
	if adapter, ok := c.adapters[id]; ok {
		err = asAuthError(id, adapter.Logout(ctx))
	}

	// A Reset while the adapter was busy already dropped the session and
	// published that.
	c.mu.Lock()
	c.busy = false
	cleared := c.session == held
	if cleared {
		prev := c.snapshotLocked()
		c.session = nil
		c.state = StateUnauthenticated
		c.enqueueLocked(prev)
	}
	c.mu.Unlock()
	c.emit()

	if cleared {
		c.record(ctx, AuthSessionEvent{Provider: id, UserID: held.UserID, Event: SessionEventRevoked, Reason: StringPtr(string(SessionRevokeReasonLogout))})
	}
	log := c.log.WithField("provider", id)
	if err != nil {
		log.WithError(err).Warn("provider_logout_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider logout failed")
		return err
	}
	log.Info("logout_succeeded")
	return nil
}

// Reset drops the current session without contacting any provider. The
// adapter that produced it forgets its credential unless a login with that
// same adapter is in flight.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	prev := c.snapshotLocked()
	dropped := c.session
	c.session = nil
	if c.state == StateAuthenticated {
		c.state = StateUnauthenticated
	}
	release := !(c.busy && c.inflight == dropped.Provider)
	c.enqueueLocked(prev)
	c.mu.Unlock()
	c.emit()
	if release {
		c.release(dropped.Provider)
	}
	c.record(context.Background(), AuthSessionEvent{Provider: dropped.Provider, UserID: dropped.UserID, Event: SessionEventRevoked, Reason: StringPtr(string(SessionRevokeReasonReset))})
}

// CurrentSession returns a copy of the current session, or nil.
func (c *Coordinator) CurrentSession() *SessionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Started reports whether Start has completed.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Providers lists configured providers in resolution order.
func (c *Coordinator) Providers() []ProviderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProviderStatus, 0, len(c.order))
	for _, id := range c.order {
		st := ProviderStatus{ID: id, Available: c.started && c.unavailable[id] == nil}
		if cause := c.unavailable[id]; cause != nil {
			st.Error = cause.Error()
		}
		out = append(out, st)
	}
	return out
}

// Adapter returns the adapter registered for id.
func (c *Coordinator) Adapter(id ProviderID) (Adapter, bool) {
	a, ok := c.adapters[id]
	return a, ok
}

// Subscribe registers l for future transitions. The returned func removes it.
func (c *Coordinator) Subscribe(l Listener) (cancel func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: l})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// release tells the adapter for id to forget a credential that no longer
// backs the current session.
func (c *Coordinator) release(id ProviderID) {
	if r, ok := c.adapters[id].(CredentialReleaser); ok {
		r.ReleaseCredential()
	}
}

// record hands e to the configured event sink. Sink failures are logged only.
func (c *Coordinator) record(ctx context.Context, e AuthSessionEvent) {
	if c.events == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.IPAddr, e.UserAgent = requestInfoFromContext(ctx)
	if err := c.events.LogSessionEvent(ctx, e); err != nil {
		c.log.WithError(err).WithField("event", e.Event).Warn("session_event_log_failed")
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{State: c.state, Session: c.session.Clone()}
	switch {
	case c.state == StateAuthenticating:
		snap.Provider = c.inflight
	case c.session != nil:
		snap.Provider = c.session.Provider
	}
	return snap
}

func (c *Coordinator) enqueueLocked(from Snapshot) {
	c.queue = append(c.queue, Transition{From: from, To: c.snapshotLocked(), At: time.Now()})
}

// emit delivers queued transitions. Whoever holds emitMu drains the queue,
// so listeners see transitions in order even when a listener re-enters the
// Coordinator.
func (c *Coordinator) emit() {
	for {
		if !c.emitMu.TryLock() {
			return
		}
		c.drain()
		c.emitMu.Unlock()

		c.mu.Lock()
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		t := c.queue[0]
		c.queue = c.queue[1:]
		subs := append([]subscriber(nil), c.subs...)
		c.mu.Unlock()

		for _, s := range subs {
			s.fn(t)
		}
	}
}
