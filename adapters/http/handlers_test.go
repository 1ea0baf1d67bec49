package authhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/open-rails/socialauth/core"
	oidckit "github.com/open-rails/socialauth/oidc"
	"github.com/open-rails/socialauth/providers/google"
	memorystore "github.com/open-rails/socialauth/storage/memory"
	authtest "github.com/open-rails/socialauth/testing"
)

type stubAdapter struct {
	mu        sync.Mutex
	login     func(ctx context.Context) (core.SessionResult, error)
	deferred  int
	logoutErr error
}

func (a *stubAdapter) Initialize(context.Context) error { return nil }
func (a *stubAdapter) LoginInteractive(ctx context.Context) (core.SessionResult, error) {
	return a.login(ctx)
}
func (a *stubAdapter) LoginDeferred(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferred++
	return nil
}
func (a *stubAdapter) ResolveDeferredResult(context.Context) (*core.SessionResult, error) {
	return nil, nil
}
func (a *stubAdapter) Logout(context.Context) error { return a.logoutErr }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T, adapters map[core.ProviderID]core.Adapter, order ...core.ProviderID) *Service {
	t.Helper()
	cfg := core.Config{Logger: quietLogger()}
	for _, id := range order {
		cfg.Providers = append(cfg.Providers, core.Registration{ID: id, Adapter: adapters[id]})
	}
	coord, err := core.NewCoordinator(cfg)
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	return NewService(coord).WithLogger(quietLogger()).DisableRateLimiter()
}

func userStub(id core.ProviderID, user string) *stubAdapter {
	return &stubAdapter{login: func(context.Context) (core.SessionResult, error) {
		return core.SessionResult{Provider: id, UserID: user, Email: core.StringPtr(user + "@example.com")}, nil
	}}
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestAPIHandler_NotInitialized(t *testing.T) {
	var s *Service
	w := do(s.APIHandler(), http.MethodGet, "/auth/session")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error":"socialauth_not_initialized"}`, w.Body.String())
}

func TestProviders(t *testing.T) {
	s := newTestService(t, map[core.ProviderID]core.Adapter{
		core.ProviderGoogle: userStub(core.ProviderGoogle, "g"),
		core.ProviderKakao:  userStub(core.ProviderKakao, "k"),
	}, core.ProviderKakao, core.ProviderGoogle)

	w := do(s.APIHandler(), http.MethodGet, "/auth/providers")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"started":true,"providers":[{"id":"kakao","available":true},{"id":"google","available":true}]}`, w.Body.String())
}

func TestLoginSessionLogoutRoundTrip(t *testing.T) {
	s := newTestService(t, map[core.ProviderID]core.Adapter{
		core.ProviderGoogle: userStub(core.ProviderGoogle, "u1"),
	}, core.ProviderGoogle)
	h := s.APIHandler()

	w := do(h, http.MethodGet, "/auth/session")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(h, http.MethodPost, "/auth/login/google?mode=popup")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"provider":"google","user_id":"u1","email":"u1@example.com"}`, w.Body.String())

	w = do(h, http.MethodGet, "/auth/session")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"user_id":"u1"`)

	w = do(h, http.MethodPost, "/auth/logout")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(h, http.MethodPost, "/auth/logout")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(h, http.MethodGet, "/auth/session")
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestLogin_ErrorShapes(t *testing.T) {
	cancelled := &stubAdapter{login: func(context.Context) (core.SessionResult, error) {
		return core.SessionResult{}, core.UserCancelled(core.ProviderKakao)
	}}
	failing := &stubAdapter{login: func(context.Context) (core.SessionResult, error) {
		return core.SessionResult{}, core.ProviderFailure(core.ProviderGoogle, core.ReasonExchange, nil)
	}}
	s := newTestService(t, map[core.ProviderID]core.Adapter{
		core.ProviderGoogle: failing,
		core.ProviderKakao:  cancelled,
	}, core.ProviderGoogle, core.ProviderKakao)
	h := s.APIHandler()

	w := do(h, http.MethodPost, "/auth/login/ghost")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"unknown_provider","provider":"ghost"}`, w.Body.String())

	w = do(h, http.MethodPost, "/auth/login/kakao")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"error":"user_cancelled","provider":"kakao","silent":true,"retryable":true}`, w.Body.String())

	w = do(h, http.MethodPost, "/auth/login/google")
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.JSONEq(t, `{"error":"provider_failure","provider":"google","reason":"exchange_failed","retryable":true}`, w.Body.String())

	w = do(h, http.MethodPost, "/auth/login/google?mode=sideways")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"error":"invalid_mode"}`, w.Body.String())
}

func TestLogin_InProgressIsConflict(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := &stubAdapter{login: func(context.Context) (core.SessionResult, error) {
		close(entered)
		<-release
		return core.SessionResult{Provider: core.ProviderGoogle, UserID: "u1"}, nil
	}}
	s := newTestService(t, map[core.ProviderID]core.Adapter{
		core.ProviderGoogle: slow,
		core.ProviderKakao:  userStub(core.ProviderKakao, "k"),
	}, core.ProviderGoogle, core.ProviderKakao)
	h := s.APIHandler()

	done := make(chan int, 1)
	go func() { done <- do(h, http.MethodPost, "/auth/login/google").Code }()
	<-entered

	w := do(h, http.MethodPost, "/auth/login/kakao")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), `"error":"login_in_progress"`)

	close(release)
	require.Equal(t, http.StatusOK, <-done)
}

func TestLogin_DeferredAccepted(t *testing.T) {
	stub := userStub(core.ProviderGoogle, "u1")
	s := newTestService(t, map[core.ProviderID]core.Adapter{core.ProviderGoogle: stub}, core.ProviderGoogle)

	w := do(s.APIHandler(), http.MethodPost, "/auth/login/google?mode=redirect")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.JSONEq(t, `{"provider":"google","mode":"redirect","status":"initiated"}`, w.Body.String())
	require.Equal(t, 1, stub.deferred)
}

func TestOAuthCallback_RequiresDeferredSupport(t *testing.T) {
	s := newTestService(t, map[core.ProviderID]core.Adapter{
		core.ProviderGoogle: userStub(core.ProviderGoogle, "u1"),
	}, core.ProviderGoogle)
	h := s.APIHandler()

	w := do(h, http.MethodGet, "/auth/oauth/ghost/callback?state=s")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodGet, "/auth/oauth/google/callback?state=s")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"error":"deferred_not_supported"}`, w.Body.String())
}

// TestDeferredLoginAcrossRestart drives a redirect login end to end: the
// HTTP login starts it, the IdP redirects to the callback, and a fresh
// Coordinator over the same store restores the session at Start.
func TestDeferredLoginAcrossRestart(t *testing.T) {
	ctx := context.Background()
	idp := authtest.NewIdP()
	defer idp.Close()
	store := memorystore.NewKV()

	var authURL string
	newAdapter := func() *google.Adapter {
		return google.New(google.Config{
			ClientID:     "web-client",
			ClientSecret: "secret",
			Issuer:       idp.URL(),
			RevokeURL:    idp.URL() + "/revoke",
			RedirectURL:  "https://app.example.com/auth/oauth/google/callback",
			Store:        store,
			Opener:       oidckit.OpenerFunc(func(_ context.Context, u string) error { authURL = u; return nil }),
			HTTPClient:   idp.Client(),
			Logger:       quietLogger(),
		})
	}
	boot := func() *Service {
		coord, err := core.NewCoordinator(core.Config{
			Logger:    quietLogger(),
			Providers: []core.Registration{{ID: core.ProviderGoogle, Adapter: newAdapter()}},
		})
		require.NoError(t, err)
		require.NoError(t, coord.Start(ctx))
		return NewService(coord).WithLogger(quietLogger()).WithBaseURL("https://app.example.com/").DisableRateLimiter()
	}

	s := boot()
	h := s.APIHandler()
	w := do(h, http.MethodPost, "/auth/login/google?mode=redirect")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotEmpty(t, authURL)

	params, err := idp.Authorize(authURL)
	require.NoError(t, err)
	q := url.Values{"state": {params.State}, "code": {params.Code}}
	w = do(h, http.MethodGet, "/auth/oauth/google/callback?"+q.Encode())
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://app.example.com/auth/callback#provider=google&status=completed", w.Header().Get("Location"))

	// Replaying the callback finds no intent.
	w = do(h, http.MethodGet, "/auth/oauth/google/callback?"+q.Encode())
	require.Equal(t, http.StatusFound, w.Code)
	require.Contains(t, w.Header().Get("Location"), "status=error")
	require.Contains(t, w.Header().Get("Location"), "reason=invalid_state")

	require.Nil(t, s.Coordinator().CurrentSession())

	restarted := boot()
	sess := restarted.Coordinator().CurrentSession()
	require.NotNil(t, sess)
	require.Equal(t, core.ProviderGoogle, sess.Provider)
	require.Equal(t, "google-sub-1", sess.UserID)
}

func TestOAuthCallback_Denied(t *testing.T) {
	idp := authtest.NewIdP()
	defer idp.Close()
	idp.SetBehavior(authtest.Deny)

	var authURL string
	adapter := google.New(google.Config{
		ClientID:    "web-client",
		Issuer:      idp.URL(),
		RedirectURL: "https://app.example.com/auth/oauth/google/callback",
		Opener:      oidckit.OpenerFunc(func(_ context.Context, u string) error { authURL = u; return nil }),
		HTTPClient:  idp.Client(),
		Logger:      quietLogger(),
	})
	s := newTestService(t, map[core.ProviderID]core.Adapter{core.ProviderGoogle: adapter}, core.ProviderGoogle)
	h := s.APIHandler()

	require.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/auth/login/google?mode=redirect").Code)
	params, err := idp.Authorize(authURL)
	require.NoError(t, err)

	q := url.Values{"state": {params.State}, "error": {params.Error}}
	w := do(h, http.MethodGet, "/auth/oauth/google/callback?"+q.Encode())
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/auth/callback#provider=google&status=cancelled", w.Header().Get("Location"))
}

func TestEvents_StreamsSnapshotThenTransitions(t *testing.T) {
	s := newTestService(t, map[core.ProviderID]core.Adapter{
		core.ProviderGoogle: userStub(core.ProviderGoogle, "u1"),
	}, core.ProviderGoogle)
	srv := httptest.NewServer(s.WithHeartbeat(time.Hour).APIHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/auth/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(bufio.NewReader(resp.Body))
	first := <-events
	require.Equal(t, "snapshot", first.name)
	require.JSONEq(t, `{"state":"unauthenticated"}`, first.data)

	_, err = s.Coordinator().Login(ctx, core.ProviderGoogle, core.ModeInteractive)
	require.NoError(t, err)

	var states []string
	for range 2 {
		ev := <-events
		require.Equal(t, "transition", ev.name)
		var tr struct {
			To struct {
				State string `json:"state"`
			} `json:"to"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.data), &tr))
		states = append(states, tr.To.State)
	}
	require.Equal(t, []string{"authenticating", "authenticated"}, states)
}

type sseEvent struct{ name, data string }

func readEvents(r *bufio.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 8)
	go func() {
		defer close(out)
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				out <- ev
				ev = sseEvent{}
			}
		}
	}()
	return out
}

func TestSessionBodiesOmitCredential(t *testing.T) {
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	withToken := &stubAdapter{login: func(context.Context) (core.SessionResult, error) {
		return core.SessionResult{
			Provider:      core.ProviderGoogle,
			UserID:        "u1",
			RawCredential: &oauth2.Token{AccessToken: "AT-secret", RefreshToken: "RT-secret", Expiry: expiry},
		}, nil
	}}
	s := newTestService(t, map[core.ProviderID]core.Adapter{core.ProviderGoogle: withToken}, core.ProviderGoogle)
	srv := httptest.NewServer(s.WithHeartbeat(time.Hour).APIHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/auth/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	events := readEvents(bufio.NewReader(resp.Body))
	require.Equal(t, "snapshot", (<-events).name)

	h := s.APIHandler()
	w := do(h, http.MethodPost, "/auth/login/google")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"provider":"google","user_id":"u1","expires_at":"2030-01-02T03:04:05Z"}`, w.Body.String())

	w = do(h, http.MethodGet, "/auth/session")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "access_token")
	require.NotContains(t, w.Body.String(), "secret")

	for range 2 {
		ev := <-events
		require.Equal(t, "transition", ev.name)
		require.NotContains(t, ev.data, "access_token")
		require.NotContains(t, ev.data, "secret")
	}

	require.NotNil(t, s.Coordinator().CurrentSession().RawCredential, "the credential stays in process")
}
