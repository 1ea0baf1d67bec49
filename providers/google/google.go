// Package google adapts Google Sign-In (OIDC) to the core.Adapter contract.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/open-rails/socialauth/core"
	oidckit "github.com/open-rails/socialauth/oidc"
	memorystore "github.com/open-rails/socialauth/storage/memory"
)

const (
	DefaultIssuer    = "https://accounts.google.com"
	DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"
)

var DefaultScopes = []string{"openid", "email", "profile"}

// Config is passed unchanged to the SDK on Initialize.
type Config struct {
	ClientID     string
	ClientSecret string
	Issuer       string
	// RedirectURL receives deferred (redirect) logins. Leave empty to
	// disable LoginDeferred.
	RedirectURL string
	Scopes      []string
	RevokeURL   string
	// ExtraAuthParams are added to every authorization URL (e.g. hd, prompt).
	ExtraAuthParams map[string]string

	LoopbackAddr       string
	InteractiveTimeout time.Duration
	StateTTL           time.Duration
	ResultTTL          time.Duration

	// Store keeps deferred intent and results across restarts. Defaults to
	// an in-memory store, which does not survive one.
	Store      core.EphemeralStore
	Opener     oidckit.Opener
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Adapter signs users in with Google.
type Adapter struct {
	cfg      Config
	log      logrus.FieldLogger
	mgr      *oidckit.Manager
	deferred *oidckit.DeferredStore
	exchange oidckit.Exchanger

	initMu      sync.Mutex
	initialized bool

	mu    sync.Mutex
	token *oauth2.Token
}

var (
	_ core.Adapter           = (*Adapter)(nil)
	_ core.DeferredCompleter = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = DefaultRevokeURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Store == nil {
		cfg.Store = memorystore.NewKV()
	}
	log := cfg.Logger.WithField("provider", core.ProviderGoogle)
	if cfg.Opener == nil {
		cfg.Opener = oidckit.LogOpener{Log: log}
	}
	return &Adapter{
		cfg: cfg,
		log: log,
		mgr: oidckit.NewManager(oidckit.RPClient{
			Issuer:          cfg.Issuer,
			ClientID:        cfg.ClientID,
			ClientSecret:    cfg.ClientSecret,
			RedirectURI:     cfg.RedirectURL,
			Scopes:          cfg.Scopes,
			ExtraAuthParams: cfg.ExtraAuthParams,
			HTTPClient:      cfg.HTTPClient,
		}),
		deferred: oidckit.NewDeferredStore(core.ProviderGoogle, cfg.Store, cfg.StateTTL, cfg.ResultTTL),
		exchange: oidckit.DefaultExchanger,
	}
}

// Initialize runs OIDC discovery against the issuer once.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.initialized {
		return nil
	}
	if strings.TrimSpace(a.cfg.ClientID) == "" {
		return errors.New("google: client id is required")
	}
	if _, err := a.mgr.RelyingParty(ctx); err != nil {
		return fmt.Errorf("google: discovery: %w", err)
	}
	a.initialized = true
	return nil
}

func (a *Adapter) ready() error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if !a.initialized {
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonNotInitialized, nil)
	}
	return nil
}

func (a *Adapter) LoginInteractive(ctx context.Context) (core.SessionResult, error) {
	if err := a.ready(); err != nil {
		return core.SessionResult{}, err
	}
	verifier, challenge, err := oidckit.GeneratePKCE()
	if err != nil {
		return core.SessionResult{}, core.ProviderFailure(core.ProviderGoogle, "pkce_generation_failed", err)
	}
	nonce := oidckit.RandomToken(16)

	flow := oidckit.InteractiveFlow{
		Provider: core.ProviderGoogle,
		Addr:     a.cfg.LoopbackAddr,
		Timeout:  a.cfg.InteractiveTimeout,
		Opener:   a.cfg.Opener,
	}
	params, redirectURI, err := flow.Run(ctx, func(ctx context.Context, redirectURI, state string) (string, error) {
		return a.mgr.Begin(ctx, redirectURI, state, nonce, challenge)
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
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonUnsupported, errors.New("no redirect url configured"))
	}
	verifier, challenge, err := oidckit.GeneratePKCE()
	if err != nil {
		return core.ProviderFailure(core.ProviderGoogle, "pkce_generation_failed", err)
	}
	state := oidckit.RandomToken(32)
	nonce := oidckit.RandomToken(16)
	flowID := uuid.NewString()

	if err := a.deferred.Begin(ctx, state, oidckit.StateData{
		FlowID:      flowID,
		Verifier:    verifier,
		Nonce:       nonce,
		RedirectURI: a.cfg.RedirectURL,
		Mode:        core.ModeDeferred.String(),
	}); err != nil {
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonStore, err)
	}
	authURL, err := a.mgr.Begin(ctx, a.cfg.RedirectURL, state, nonce, challenge)
	if err != nil {
		return core.ProviderFailure(core.ProviderGoogle, "auth_url_failed", err)
	}
	if err := a.cfg.Opener.Open(ctx, authURL); err != nil {
		return core.ProviderFailure(core.ProviderGoogle, "open_failed", err)
	}
	a.log.WithField("flow_id", flowID).Info("deferred_login_initiated")
	return nil
}

// CompleteDeferred handles the redirect back from Google.
func (a *Adapter) CompleteDeferred(ctx context.Context, params core.CallbackParams) error {
	if err := a.ready(); err != nil {
		return err
	}
	sd, err := a.deferred.Claim(ctx, params.State)
	if err != nil {
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonState, err)
	}
	if err := oidckit.CallbackError(core.ProviderGoogle, params); err != nil {
		return err
	}
	res, err := a.finish(ctx, params.Code, sd.Verifier, sd.Nonce, sd.RedirectURI)
	if err != nil {
		return err
	}
	if err := a.deferred.Complete(ctx, res); err != nil {
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonStore, err)
	}
	a.log.WithFields(logrus.Fields{"flow_id": sd.FlowID, "user_id": res.UserID}).Info("deferred_login_completed")
	return nil
}

func (a *Adapter) ResolveDeferredResult(ctx context.Context) (*core.SessionResult, error) {
	res, err := a.deferred.Resolve(ctx)
	if err != nil {
		return nil, core.ProviderFailure(core.ProviderGoogle, core.ReasonStore, err)
	}
	if res != nil {
		a.setToken(res.RawCredential)
	}
	return res, nil
}

func (a *Adapter) finish(ctx context.Context, code, verifier, nonce, redirectURI string) (core.SessionResult, error) {
	rpClient, err := a.mgr.RelyingParty(ctx)
	if err != nil {
		return core.SessionResult{}, core.ProviderFailure(core.ProviderGoogle, core.ReasonUnavailable, err)
	}
	claims, tok, err := a.exchange(ctx, rpClient, code, verifier, nonce, redirectURI)
	if err != nil {
		return core.SessionResult{}, core.ProviderFailure(core.ProviderGoogle, core.ReasonExchange, err)
	}
	return core.SessionResult{
		Provider:      core.ProviderGoogle,
		UserID:        claims.Subject,
		DisplayName:   claims.DisplayName(),
		Email:         claims.VerifiedEmail(),
		RawCredential: tok,
	}, nil
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

// Logout revokes the held token. Without one, or when Google reports the
// token as already invalid, it succeeds.
func (a *Adapter) Logout(ctx context.Context) error {
	tok := a.takeToken()
	if tok == nil || tok.AccessToken == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", tok.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonRevoke, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonRevoke, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest && revokeErrorCode(body) == "invalid_token":
		a.log.Debug("token_already_revoked")
		return nil
	default:
		return core.ProviderFailure(core.ProviderGoogle, core.ReasonRevoke, fmt.Errorf("status %d", resp.StatusCode))
	}
}

func revokeErrorCode(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	return e.Error
}
