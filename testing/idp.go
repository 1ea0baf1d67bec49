// Package testing provides an in-process identity provider for exercising
// the Google and Kakao adapters end to end without network access.
package testing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/open-rails/socialauth/core"
)

// Behavior decides what the authorize endpoint does with the next request.
type Behavior int

const (
	// Approve redirects back with a code.
	Approve Behavior = iota
	// Deny redirects back with error=access_denied (user pressed cancel).
	Deny
	// Fail redirects back with error=server_error.
	Fail
	// Hold answers 200 and never redirects (user left the popup open).
	Hold
)

// User is the account the IdP signs in.
type User struct {
	Subject       string
	KakaoID       int64
	Email         string
	EmailVerified bool
	Name          string
	Nickname      string
}

type authCode struct {
	clientID    string
	redirectURI string
	nonce       string
	challenge   string
}

// IdP is an auto-approving OAuth2/OIDC provider on an httptest server. It
// speaks enough of Google's (discovery, token, revoke) and Kakao's
// (/v2/user/me, /v1/user/logout, JWKS) surfaces for the adapters.
type IdP struct {
	srv  *httptest.Server
	key  *rsa.PrivateKey
	kid  string
	jwks []byte

	mu       sync.Mutex
	user     User
	behavior Behavior
	codes    map[string]authCode
	tokens   map[string]User
	hits     map[string]int
	omitID   bool
}

// NewIdP starts a provider; call Close when done.
func NewIdP() *IdP {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	p := &IdP{
		key:    key,
		kid:    "test-kid",
		codes:  map[string]authCode{},
		tokens: map[string]User{},
		hits:   map[string]int{},
		user: User{
			Subject:       "google-sub-1",
			KakaoID:       4242,
			Email:         "parent@example.com",
			EmailVerified: true,
			Name:          "Test Parent",
			Nickname:      "parent",
		},
	}
	p.jwks = mustJWKS(&key.PublicKey, p.kid)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.count(p.handleDiscovery))
	mux.HandleFunc("GET /jwks", p.count(p.handleJWKS))
	mux.HandleFunc("GET /authorize", p.count(p.handleAuthorize))
	mux.HandleFunc("POST /token", p.count(p.handleToken))
	mux.HandleFunc("GET /userinfo", p.count(p.handleUserinfo))
	mux.HandleFunc("POST /revoke", p.count(p.handleRevoke))
	mux.HandleFunc("GET /v2/user/me", p.count(p.handleKakaoMe))
	mux.HandleFunc("POST /v2/user/me", p.count(p.handleKakaoMe))
	mux.HandleFunc("POST /v1/user/logout", p.count(p.handleKakaoLogout))
	p.srv = httptest.NewServer(mux)
	return p
}

func mustJWKS(pub *rsa.PublicKey, kid string) []byte {
	k, err := jwk.FromRaw(pub)
	if err != nil {
		panic(err)
	}
	_ = k.Set(jwk.KeyIDKey, kid)
	_ = k.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = k.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	if err := set.AddKey(k); err != nil {
		panic(err)
	}
	b, err := json.Marshal(set)
	if err != nil {
		panic(err)
	}
	return b
}

func (p *IdP) Close() { p.srv.Close() }

// URL is the issuer, without a trailing slash.
func (p *IdP) URL() string { return p.srv.URL }

func (p *IdP) Client() *http.Client { return p.srv.Client() }

func (p *IdP) SetUser(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = u
}

func (p *IdP) SetBehavior(b Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behavior = b
}

// OmitIDToken makes the token endpoint answer without an id_token, the way
// Kakao does when the openid scope is not granted.
func (p *IdP) OmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitID = omit
}

// Hits counts requests served for path.
func (p *IdP) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// ActiveTokens counts access tokens not yet revoked or logged out.
func (p *IdP) ActiveTokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}

// Authorize plays the user at the consent screen for authURL without
// following the final redirect, and returns what the redirect URI would
// receive.
func (p *IdP) Authorize(authURL string) (core.CallbackParams, error) {
	client := *p.srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(authURL)
	if err != nil {
		return core.CallbackParams{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return core.CallbackParams{}, fmt.Errorf("authorize: status %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return core.CallbackParams{}, err
	}
	q := loc.Query()
	return core.CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}, nil
}

func (p *IdP) count(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.hits[r.URL.Path]++
		p.mu.Unlock()
		h(w, r)
	}
}

func (p *IdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := p.URL()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"userinfo_endpoint":                     base + "/userinfo",
		"revocation_endpoint":                   base + "/revoke",
		"jwks_uri":                              base + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (p *IdP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(p.jwks)
}

func (p *IdP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" || q.Get("client_id") == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	behavior := p.behavior
	p.mu.Unlock()

	back := url.Values{}
	back.Set("state", q.Get("state"))
	switch behavior {
	case Hold:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<!doctype html><p>Waiting for consent…</p>"))
		return
	case Deny:
		back.Set("error", "access_denied")
		back.Set("error_description", "user denied consent")
	case Fail:
		back.Set("error", "server_error")
		back.Set("error_description", "upstream exploded")
	default:
		code := randToken()
		p.mu.Lock()
		p.codes[code] = authCode{
			clientID:    q.Get("client_id"),
			redirectURI: redirectURI,
			nonce:       q.Get("nonce"),
			challenge:   q.Get("code_challenge"),
		}
		p.mu.Unlock()
		back.Set("code", code)
	}
	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *IdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenErr(w, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenErr(w, "unsupported_grant_type")
		return
	}
	clientID := r.PostForm.Get("client_id")
	if id, _, ok := r.BasicAuth(); ok {
		clientID, _ = url.QueryUnescape(id)
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	ac, ok := p.codes[code]
	delete(p.codes, code)
	user := p.user
	omitID := p.omitID
	p.mu.Unlock()

	if !ok || ac.clientID != clientID || ac.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenErr(w, "invalid_grant")
		return
	}
	if ac.challenge != "" && s256(r.PostForm.Get("code_verifier")) != ac.challenge {
		tokenErr(w, "invalid_grant")
		return
	}

	access := randToken()
	p.mu.Lock()
	p.tokens[access] = user
	p.mu.Unlock()

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"refresh_token": randToken(),
		"expires_in":    3600,
	}
	if !omitID {
		idt, err := p.signIDToken(user, ac.clientID, ac.nonce)
		if err != nil {
			tokenErr(w, "server_error")
			return
		}
		resp["id_token"] = idt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *IdP) signIDToken(u User, clientID, nonce string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            p.URL(),
		"aud":            clientID,
		"sub":            u.Subject,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          u.Email,
		"email_verified": u.EmailVerified,
		"name":           u.Name,
		"nickname":       u.Nickname,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	return tok.SignedString(p.key)
}

func (p *IdP) bearerUser(r *http.Request) (string, User, bool) {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", User{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.tokens[parts[1]]
	return parts[1], u, ok
}

func (p *IdP) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	_, u, ok := p.bearerUser(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            u.Subject,
		"email":          u.Email,
		"email_verified": u.EmailVerified,
		"name":           u.Name,
	})
}

func (p *IdP) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenErr(w, "invalid_request")
		return
	}
	tok := r.Form.Get("token")
	p.mu.Lock()
	_, ok := p.tokens[tok]
	delete(p.tokens, tok)
	p.mu.Unlock()
	if !ok {
		tokenErr(w, "invalid_token")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *IdP) handleKakaoMe(w http.ResponseWriter, r *http.Request) {
	_, u, ok := p.bearerUser(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": -401, "msg": "this access token does not exist"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": u.KakaoID,
		"kakao_account": map[string]any{
			"email":             u.Email,
			"is_email_verified": u.EmailVerified,
			"is_email_valid":    true,
			"profile": map[string]any{
				"nickname": u.Nickname,
			},
		},
	})
}

func (p *IdP) handleKakaoLogout(w http.ResponseWriter, r *http.Request) {
	tok, u, ok := p.bearerUser(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": -401, "msg": "this access token does not exist"})
		return
	}
	p.mu.Lock()
	delete(p.tokens, tok)
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": u.KakaoID})
}

func tokenErr(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
