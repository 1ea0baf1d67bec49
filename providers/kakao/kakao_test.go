package kakao

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/open-rails/socialauth/core"
	oidckit "github.com/open-rails/socialauth/oidc"
	memorystore "github.com/open-rails/socialauth/storage/memory"
	authtest "github.com/open-rails/socialauth/testing"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startIdP(t *testing.T) *authtest.IdP {
	t.Helper()
	idp := authtest.NewIdP()
	t.Cleanup(idp.Close)
	return idp
}

func newTestAdapter(t *testing.T, idp *authtest.IdP, store core.EphemeralStore, opener oidckit.Opener) *Adapter {
	t.Helper()
	if opener == nil {
		opener = oidckit.HTTPOpener{Client: idp.Client()}
	}
	base := idp.URL()
	return New(Config{
		ClientID:           "kakao-rest-key",
		RedirectURL:        "https://kidlove.example.com/auth/oauth/kakao/callback",
		AuthURL:            base + "/authorize",
		TokenURL:           base + "/token",
		UserInfoURL:        base + "/v2/user/me",
		LogoutURL:          base + "/v1/user/logout",
		Issuer:             base,
		JWKSURL:            base + "/jwks",
		InteractiveTimeout: 5 * time.Second,
		Store:              store,
		Opener:             opener,
		HTTPClient:         idp.Client(),
		Logger:             quietLogger(),
	})
}

func TestInitialize_FetchesKeysOnce(t *testing.T) {
	idp := startIdP(t)
	a := newTestAdapter(t, idp, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Initialize(context.Background()))
	require.Equal(t, 1, idp.Hits("/jwks"))
}

func TestInitialize_SkipVerificationNeedsNoNetwork(t *testing.T) {
	a := New(Config{ClientID: "k", SkipIDTokenVerification: true, Logger: quietLogger()})
	require.NoError(t, a.Initialize(context.Background()))
}

func TestInitialize_BadJWKSFails(t *testing.T) {
	idp := startIdP(t)
	a := newTestAdapter(t, idp, nil, nil)
	a.cfg.JWKSURL = idp.URL() + "/missing"
	require.Error(t, a.Initialize(context.Background()))
}

func TestLoginInteractive_Success(t *testing.T) {
	idp := startIdP(t)
	a := newTestAdapter(t, idp, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))

	res, err := a.LoginInteractive(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.ProviderKakao, res.Provider)
	require.Equal(t, "4242", res.UserID)
	require.NotNil(t, res.DisplayName)
	require.Equal(t, "parent", *res.DisplayName)
	require.NotNil(t, res.Email)
	require.Equal(t, "parent@example.com", *res.Email)
	require.Equal(t, 1, idp.Hits("/v2/user/me"))
}

func TestLoginInteractive_WithoutIDToken(t *testing.T) {
	idp := startIdP(t)
	idp.OmitIDToken(true)
	idp.SetUser(authtest.User{KakaoID: 7, Nickname: "", Email: "hidden@example.com", EmailVerified: false})
	a := newTestAdapter(t, idp, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))

	res, err := a.LoginInteractive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "7", res.UserID)
	require.Nil(t, res.DisplayName)
	require.Nil(t, res.Email)
}

func TestLoginInteractive_WrongIssuerRejected(t *testing.T) {
	idp := startIdP(t)
	a := newTestAdapter(t, idp, nil, nil)
	a.cfg.Issuer = "https://not-kakao.example.com"
	require.NoError(t, a.Initialize(context.Background()))

	_, err := a.LoginInteractive(context.Background())
	require.ErrorIs(t, err, core.ErrProviderFailure)
	require.Equal(t, core.ReasonIDToken, core.Reason(err))
}

func TestLoginInteractive_Denied(t *testing.T) {
	idp := startIdP(t)
	idp.SetBehavior(authtest.Deny)
	a := newTestAdapter(t, idp, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))

	_, err := a.LoginInteractive(context.Background())
	require.ErrorIs(t, err, core.ErrUserCancelled)
}

func TestDeferred_CompleteThenResolveOnce(t *testing.T) {
	ctx := context.Background()
	idp := startIdP(t)
	store := memorystore.NewKV()
	var authURL string
	opener := oidckit.OpenerFunc(func(_ context.Context, u string) error { authURL = u; return nil })

	a := newTestAdapter(t, idp, store, opener)
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.LoginDeferred(ctx))
	require.NotEmpty(t, authURL)

	params, err := idp.Authorize(authURL)
	require.NoError(t, err)
	require.NoError(t, a.CompleteDeferred(ctx, params))

	restarted := newTestAdapter(t, idp, store, nil)
	res, err := restarted.ResolveDeferredResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, "4242", res.UserID)

	res, err = restarted.ResolveDeferredResult(ctx)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestDeferred_UnknownState(t *testing.T) {
	idp := startIdP(t)
	a := newTestAdapter(t, idp, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))
	err := a.CompleteDeferred(context.Background(), core.CallbackParams{State: "forged", Code: "c"})
	require.ErrorIs(t, err, core.ErrProviderFailure)
	require.Equal(t, core.ReasonState, core.Reason(err))
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	idp := startIdP(t)
	a := newTestAdapter(t, idp, nil, nil)
	require.NoError(t, a.Initialize(ctx))
	res, err := a.LoginInteractive(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx))
	require.Zero(t, idp.ActiveTokens())
	require.NoError(t, a.Logout(ctx), "nothing held")

	// Kakao answers 401 for a token it no longer knows.
	a.setToken(res.RawCredential)
	require.NoError(t, a.Logout(ctx))
	require.Equal(t, 2, idp.Hits("/v1/user/logout"))
}

func TestReleaseCredential_LogoutSkipsKakao(t *testing.T) {
	ctx := context.Background()
	idp := startIdP(t)
	a := newTestAdapter(t, idp, nil, nil)
	require.NoError(t, a.Initialize(ctx))
	_, err := a.LoginInteractive(ctx)
	require.NoError(t, err)

	a.ReleaseCredential()
	require.NoError(t, a.Logout(ctx))
	require.Zero(t, idp.Hits("/v1/user/logout"))
}
