package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []AuthSessionEvent
	err    error
}

func (r *recordingEvents) LogSessionEvent(_ context.Context, e AuthSessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingEvents) types() []SessionEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

func newAuditedCoordinator(t *testing.T, sink AuthEventLogger, adapters ...*fakeAdapter) *Coordinator {
	t.Helper()
	cfg := Config{Logger: quietLogger(), Events: sink}
	for _, a := range adapters {
		cfg.Providers = append(cfg.Providers, Registration{ID: a.id, Adapter: a})
	}
	c, err := NewCoordinator(cfg)
	require.NoError(t, err)
	return c
}

func TestSessionEvents_Lifecycle(t *testing.T) {
	sink := &recordingEvents{}
	g := newFake(ProviderGoogle)
	k := newFake(ProviderKakao)
	g.pending = &SessionResult{Provider: ProviderGoogle, UserID: "restored"}
	c := newAuditedCoordinator(t, sink, g, k)
	ctx := WithRequestInfo(context.Background(), "203.0.113.7", "test-agent")

	require.NoError(t, c.Start(ctx))
	_, err := c.Login(ctx, ProviderKakao, ModeInteractive)
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))

	require.Equal(t, []SessionEventType{
		SessionEventRestored,
		SessionEventRevoked,
		SessionEventCreated,
		SessionEventRevoked,
	}, sink.types())

	replaced := sink.events[1]
	require.Equal(t, ProviderGoogle, replaced.Provider)
	require.Equal(t, "replaced", *replaced.Reason)

	created := sink.events[2]
	require.Equal(t, ProviderKakao, created.Provider)
	require.Equal(t, "popup", *created.Mode)
	require.Equal(t, "203.0.113.7", *created.IPAddr)
	require.Equal(t, "test-agent", *created.UserAgent)
	require.False(t, created.OccurredAt.IsZero())

	require.Equal(t, "logout", *sink.events[3].Reason)
}

func TestSessionEvents_FailureAndReset(t *testing.T) {
	sink := &recordingEvents{err: errors.New("sink down")}
	g := newFake(ProviderGoogle)
	c := newAuditedCoordinator(t, sink, g)
	require.NoError(t, c.Start(context.Background()))

	g.interactive = func(context.Context) (SessionResult, error) {
		return SessionResult{}, UserCancelled(ProviderGoogle)
	}
	_, err := c.Login(context.Background(), ProviderGoogle, ModeInteractive)
	require.ErrorIs(t, err, ErrUserCancelled)

	g.interactive = func(context.Context) (SessionResult, error) {
		return SessionResult{Provider: ProviderGoogle, UserID: "u1"}, nil
	}
	_, err = c.Login(context.Background(), ProviderGoogle, ModeInteractive)
	require.NoError(t, err, "sink failures never fail a login")
	c.Reset()

	require.Equal(t, []SessionEventType{SessionEventFailed, SessionEventCreated, SessionEventRevoked}, sink.types())
	require.Equal(t, "user_cancelled", *sink.events[0].Reason)
	require.Nil(t, sink.events[0].IPAddr)
	require.Equal(t, "reset", *sink.events[2].Reason)
}

func TestLogrusEventLogger(t *testing.T) {
	require.NoError(t, LogrusEventLogger{Log: quietLogger()}.LogSessionEvent(context.Background(), AuthSessionEvent{
		Provider: ProviderGoogle,
		Event:    SessionEventCreated,
		Mode:     StringPtr("popup"),
	}))
}
