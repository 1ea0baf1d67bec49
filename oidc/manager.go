package oidckit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/zitadel/oidc/v2/pkg/client/rp"
)

// RPClient holds issuer-based OIDC settings for a single IdP.
type RPClient struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	// RedirectURI is the default redirect; Begin may override it per attempt.
	RedirectURI string
	Scopes      []string
	// Optional: additional auth params (e.g., prompt, hd, access_type)
	ExtraAuthParams map[string]string
	HTTPClient      *http.Client
}

// Manager builds the relying party for one provider and helps construct
// auth URLs with PKCE. Discovery runs once, on first use.
type Manager struct {
	cfg RPClient

	mu sync.Mutex
	rp rp.RelyingParty
}

func NewManager(cfg RPClient) *Manager { return &Manager{cfg: cfg} }

// Begin returns an authorization URL using PKCE S256 and the state/nonce you supply.
// The caller should persist state+verifier and present the returned URL to the user.
func (m *Manager) Begin(ctx context.Context, redirectURI, state, nonce, codeChallenge string) (string, error) {
	rpClient, err := m.RelyingParty(ctx)
	if err != nil {
		return "", err
	}
	opts := []rp.AuthURLOpt{
		rp.AuthURLOpt(rp.WithURLParam("nonce", nonce)),
		rp.WithCodeChallenge(codeChallenge),
		rp.AuthURLOpt(rp.WithURLParam("code_challenge_method", "S256")),
	}
	if redirectURI != "" {
		opts = append(opts, rp.AuthURLOpt(rp.WithURLParam("redirect_uri", redirectURI)))
	}
	for k, v := range m.cfg.ExtraAuthParams {
		opts = append(opts, rp.AuthURLOpt(rp.WithURLParam(k, v)))
	}
	return rp.AuthURL(state, rpClient, opts...), nil
}

// RelyingParty returns the relying party, running discovery against the
// issuer on first use. A failed discovery is retried on the next call.
func (m *Manager) RelyingParty(_ context.Context) (rp.RelyingParty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rp != nil {
		return m.rp, nil
	}
	var opts []rp.Option
	if m.cfg.HTTPClient != nil {
		opts = append(opts, rp.WithHTTPClient(m.cfg.HTTPClient))
	}
	r, err := rp.NewRelyingPartyOIDC(m.cfg.Issuer, m.cfg.ClientID, m.cfg.ClientSecret, m.cfg.RedirectURI, m.cfg.Scopes, opts...)
	if err != nil {
		return nil, err
	}
	m.rp = r
	return r, nil
}

// GeneratePKCE returns a verifier and S256 challenge suitable for the auth request.
func GeneratePKCE() (verifier string, challenge string, err error) {
	v := make([]byte, 32)
	if _, err = rand.Read(v); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(v)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// RandomToken returns n random bytes, base64url encoded.
func RandomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
