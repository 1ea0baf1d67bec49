// Package oidckit holds the provider-agnostic pieces of a social login:
// relying-party wiring over zitadel/oidc, PKCE, the OAuth state cache, the
// deferred-login store and the loopback surface used by interactive flows.
package oidckit

// Claims is the subset of ID token / userinfo claims adapters normalize.
type Claims struct {
	Subject           string
	Email             *string
	EmailVerified     *bool
	Name              *string
	PreferredUsername *string
}

// DisplayName prefers the full name, then the preferred username.
func (c Claims) DisplayName() *string {
	if c.Name != nil {
		return c.Name
	}
	return c.PreferredUsername
}

// VerifiedEmail returns the email only when the IdP did not mark it unverified.
func (c Claims) VerifiedEmail() *string {
	if c.Email == nil {
		return nil
	}
	if c.EmailVerified != nil && !*c.EmailVerified {
		return nil
	}
	return c.Email
}

func strptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
func boolptr(b bool) *bool { return &b }
