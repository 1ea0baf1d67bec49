// Package kakao adapts Kakao Login (OAuth2, with an optional OIDC ID token)
// to the core.Adapter contract.
package kakao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/open-rails/socialauth/core"
	oidckit "github.com/open-rails/socialauth/oidc"
	memorystore "github.com/open-rails/socialauth/storage/memory"
)

const (
	DefaultAuthURL     = "https://kauth.kakao.com/oauth/authorize"
	DefaultTokenURL    = "https://kauth.kakao.com/oauth/token"
	DefaultUserInfoURL = "https://kapi.kakao.com/v2/user/me"
	DefaultLogoutURL   = "https://kapi.kakao.com/v1/user/logout"
	DefaultIssuer      = "https://kauth.kakao.com"
	DefaultJWKSURL     = "https://kauth.kakao.com/.well-known/jwks.json"
)

var DefaultScopes = []string{"openid", "profile_nickname", "account_email"}

// Config is passed unchanged to the SDK on Initialize.
type Config struct {
	// ClientID is the app's REST API key.
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	LogoutURL   string
	Issuer      string
	JWKSURL     string
	// SkipIDTokenVerification turns off JWKS fetching and ID token checks.
	SkipIDTokenVerification bool

	LoopbackAddr       string
	InteractiveTimeout time.Duration
	StateTTL           time.Duration
	ResultTTL          time.Duration

	Store      core.EphemeralStore
	Opener     oidckit.Opener
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Adapter signs users in with Kakao.
type Adapter struct {
	cfg      Config
	log      logrus.FieldLogger
	oauth    *oauth2.Config
	deferred *oidckit.DeferredStore

	initMu      sync.Mutex
	initialized bool
	keys        jwk.Set

	mu    sync.Mutex
	token *oauth2.Token
}

var (
	_ core.Adapter           = (*Adapter)(nil)
	_ core.DeferredCompleter = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	cfg.AuthURL = orDefault(cfg.AuthURL, DefaultAuthURL)
	cfg.TokenURL = orDefault(cfg.TokenURL, DefaultTokenURL)
	cfg.UserInfoURL = orDefault(cfg.UserInfoURL, DefaultUserInfoURL)
	cfg.LogoutURL = orDefault(cfg.LogoutURL, DefaultLogoutURL)
	cfg.Issuer = orDefault(cfg.Issuer, DefaultIssuer)
	cfg.JWKSURL = orDefault(cfg.JWKSURL, DefaultJWKSURL)
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Store == nil {
		cfg.Store = memorystore.NewKV()
	}
	log := cfg.Logger.WithField("provider", core.ProviderKakao)
	if cfg.Opener == nil {
		cfg.Opener = oidckit.LogOpener{Log: log}
	}
	return &Adapter{
		cfg: cfg,
		log: log,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		deferred: oidckit.NewDeferredStore(core.ProviderKakao, cfg.Store, cfg.StateTTL, cfg.ResultTTL),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (a *Adapter) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
}

// Initialize warms the ID token key set. Calls after a success are no-ops.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.initialized {
		return nil
	}
	if strings.TrimSpace(a.cfg.ClientID) == "" {
		return errors.New("kakao: client id (REST API key) is required")
	}
	if !a.cfg.SkipIDTokenVerification {
		set, err := jwk.Fetch(ctx, a.cfg.JWKSURL, jwk.WithHTTPClient(a.cfg.HTTPClient))
		if err != nil {
			return fmt.Errorf("kakao: fetch jwks: %w", err)
		}
		a.keys = set
	}
	a.initialized = true
	return nil
}

func (a *Adapter) ready() error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if !a.initialized {
		return core.ProviderFailure(core.ProviderKakao, core.ReasonNotInitialized, nil)
	}
	return nil
}

func (a *Adapter) authURL(redirectURI, state, verifier, nonce string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	return a.oauth.AuthCodeURL(state, opts...)
}

func (a *Adapter) LoginInteractive(ctx context.Context) (core.SessionResult, error) {
	if err := a.ready(); err != nil {
		return core.SessionResult{}, err
	}
	verifier := oauth2.GenerateVerifier()
	nonce := oidckit.RandomToken(16)

	flow := oidckit.InteractiveFlow{
		Provider: core.ProviderKakao,
		Addr:     a.cfg.LoopbackAddr,
		Timeout:  a.cfg.InteractiveTimeout,
		Opener:   a.cfg.Opener,
	}
	params, redirectURI, err := flow.Run(ctx, func(_ context.Context, redirectURI, state string) (string, error) {
		return a.authURL(redirectURI, state, verifier, nonce), nil
	})
	if err != nil {
		return core.SessionResult{}, err
	}
	res, err := a.finish(ctx, params.Code, verifier, nonce, redirectURI)
	if err != nil {
		return core.SessionResult{}, err
	}
	a.setToken(res.RawCredential)
	return res, nil
}

func (a *Adapter) LoginDeferred(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	if a.cfg.RedirectURL == "" {
		return core.ProviderFailure(core.ProviderKakao, core.ReasonUnsupported, errors.New("no redirect url configured"))
	}
	state := oidckit.RandomToken(32)
	verifier := oauth2.GenerateVerifier()
	nonce := oidckit.RandomToken(16)
	flowID := uuid.NewString()

	if err := a.deferred.Begin(ctx, state, oidckit.StateData{
		FlowID:      flowID,
		Verifier:    verifier,
		Nonce:       nonce,
		RedirectURI: a.cfg.RedirectURL,
		Mode:        core.ModeDeferred.String(),
	}); err != nil {
		return core.ProviderFailure(core.ProviderKakao, core.ReasonStore, err)
	}
	if err := a.cfg.Opener.Open(ctx, a.authURL(a.cfg.RedirectURL, state, verifier, nonce)); err != nil {
		return core.ProviderFailure(core.ProviderKakao, "open_failed", err)
	}
	a.log.WithField("flow_id", flowID).Info("deferred_login_initiated")
	return nil
}

// CompleteDeferred handles the redirect back from Kakao.
func (a *Adapter) CompleteDeferred(ctx context.Context, params core.CallbackParams) error {
	if err := a.ready(); err != nil {
		return err
	}
	sd, err := a.deferred.Claim(ctx, params.State)
	if err != nil {
		return core.ProviderFailure(core.ProviderKakao, core.ReasonState, err)
	}
	if err := oidckit.CallbackError(core.ProviderKakao, params); err != nil {
		return err
	}
	res, err := a.finish(ctx, params.Code, sd.Verifier, sd.Nonce, sd.RedirectURI)
	if err != nil {
		return err
	}
	if err := a.deferred.Complete(ctx, res); err != nil {
		return core.ProviderFailure(core.ProviderKakao, core.ReasonStore, err)
	}
	a.log.WithFields(logrus.Fields{"flow_id": sd.FlowID, "user_id": res.UserID}).Info("deferred_login_completed")
	return nil
}

func (a *Adapter) ResolveDeferredResult(ctx context.Context) (*core.SessionResult, error) {
	res, err := a.deferred.Resolve(ctx)
	if err != nil {
		return nil, core.ProviderFailure(core.ProviderKakao, core.ReasonStore, err)
	}
	if res != nil {
		a.setToken(res.RawCredential)
	}
	return res, nil
}

func (a *Adapter) finish(ctx context.Context, code, verifier, nonce, redirectURI string) (core.SessionResult, error) {
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	tok, err := a.oauth.Exchange(a.httpCtx(ctx), code, opts...)
	if err != nil {
		return core.SessionResult{}, core.ProviderFailure(core.ProviderKakao, core.ReasonExchange, err)
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" && !a.cfg.SkipIDTokenVerification {
		if err := a.verifyIDToken(ctx, raw, nonce); err != nil {
			return core.SessionResult{}, core.ProviderFailure(core.ProviderKakao, core.ReasonIDToken, err)
		}
	}
	u, err := a.fetchUser(ctx, tok)
	if err != nil {
		return core.SessionResult{}, core.ProviderFailure(core.ProviderKakao, core.ReasonUserinfo, err)
	}

	res := core.SessionResult{
		Provider:      core.ProviderKakao,
		UserID:        strconv.FormatInt(u.ID, 10),
		DisplayName:   core.StringPtr(u.Account.Profile.Nickname),
		RawCredential: tok,
	}
	if u.Account.IsEmailVerified {
		res.Email = core.StringPtr(u.Account.Email)
	}
	return res, nil
}

type kakaoUser struct {
	ID      int64 `json:"id"`
	Account struct {
		Email           string `json:"email"`
		IsEmailVerified bool   `json:"is_email_verified"`
		Profile         struct {
			Nickname string `json:"nickname"`
		} `json:"profile"`
	} `json:"kakao_account"`
}

func (a *Adapter) fetchUser(ctx context.Context, tok *oauth2.Token) (kakaoUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.UserInfoURL, nil)
	if err != nil {
		return kakaoUser{}, err
	}
	resp, err := a.oauth.Client(a.httpCtx(ctx), tok).Do(req)
	if err != nil {
		return kakaoUser{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return kakaoUser{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var u kakaoUser
	if err := json.Unmarshal(body, &u); err != nil {
		return kakaoUser{}, err
	}
	if u.ID == 0 {
		return kakaoUser{}, errors.New("missing user id")
	}
	return u, nil
}

func (a *Adapter) setToken(tok *oauth2.Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = tok
}

// ReleaseCredential forgets the held token without revoking it.
func (a *Adapter) ReleaseCredential() { a.takeToken() }

func (a *Adapter) takeToken() *oauth2.Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok := a.token
	a.token = nil
	return tok
}

// Logout expires the held access token at Kakao. A token Kakao no longer
// recognizes (401) counts as already logged out.
func (a *Adapter) Logout(ctx context.Context) error {
	tok := a.takeToken()
	if tok == nil || tok.AccessToken == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.LogoutURL, nil)
	if err != nil {
		return core.ProviderFailure(core.ProviderKakao, core.ReasonRevoke, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return core.ProviderFailure(core.ProviderKakao, core.ReasonRevoke, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		a.log.Debug("token_already_expired")
		return nil
	default:
		return core.ProviderFailure(core.ProviderKakao, core.ReasonRevoke, fmt.Errorf("status %d", resp.StatusCode))
	}
}
