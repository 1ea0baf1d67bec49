package oidckit

import (
	"context"
	"errors"
	"fmt"

	"github.com/zitadel/oidc/v2/pkg/client/rp"
	"github.com/zitadel/oidc/v2/pkg/oidc"
	"golang.org/x/oauth2"
)

// Exchanger turns an authorization code into verified claims plus the raw token.
type Exchanger func(ctx context.Context, rpClient rp.RelyingParty, code, verifier, nonce, redirectURI string) (Claims, *oauth2.Token, error)

// DefaultExchanger exchanges an authorization code using PKCE and extracts minimal claims.
// redirectURI must match the one sent with the authorization request.
func DefaultExchanger(ctx context.Context, rpClient rp.RelyingParty, code, verifier, nonce, redirectURI string) (Claims, *oauth2.Token, error) {
	// The RP client's built-in verifier doesn't know about our per-request nonce.
	// We need to: 1) Exchange code for tokens, 2) Manually verify ID token with custom verifier
	oauthConfig := rpClient.OAuthConfig()
	if hc := rpClient.HttpClient(); hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("code_verifier", verifier)}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	tok, err := oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return Claims{}, nil, fmt.Errorf("token exchange failed: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Claims{}, nil, errors.New("no id_token in response")
	}

	customVerifier := rp.NewIDTokenVerifier(
		rpClient.IDTokenVerifier().Issuer(),
		rpClient.IDTokenVerifier().ClientID(),
		rpClient.IDTokenVerifier().KeySet(),
		rp.WithNonce(func(context.Context) string { return nonce }),
	)

	idt, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, rawIDToken, customVerifier)
	if err != nil {
		return Claims{}, nil, fmt.Errorf("id_token verification with nonce failed: %w", err)
	}
	if idt == nil {
		return Claims{}, nil, errors.New("missing id_token claims")
	}

	c := Claims{Subject: idt.GetSubject()}
	if idt.UserInfoEmail.Email != "" {
		c.Email = strptr(idt.UserInfoEmail.Email)
		c.EmailVerified = boolptr(bool(idt.UserInfoEmail.EmailVerified))
	}
	c.Name = strptr(idt.UserInfoProfile.Name)
	c.PreferredUsername = strptr(idt.PreferredUsername)
	return c, tok, nil
}
