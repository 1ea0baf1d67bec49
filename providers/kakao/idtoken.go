package kakao

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func (a *Adapter) keySet() jwk.Set {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	return a.keys
}

// verifyIDToken checks signature, issuer, audience, expiry and nonce. On a
// signature failure the key set is refetched once, since Kakao rotates keys.
func (a *Adapter) verifyIDToken(ctx context.Context, raw, nonce string) error {
	err := a.parseIDToken(a.keySet(), raw, nonce)
	if err == nil {
		return nil
	}
	set, ferr := jwk.Fetch(ctx, a.cfg.JWKSURL, jwk.WithHTTPClient(a.cfg.HTTPClient))
	if ferr != nil {
		return fmt.Errorf("%w (jwks refresh: %v)", err, ferr)
	}
	a.initMu.Lock()
	a.keys = set
	a.initMu.Unlock()
	return a.parseIDToken(set, raw, nonce)
}

func (a *Adapter) parseIDToken(set jwk.Set, raw, nonce string) error {
	if set == nil {
		return fmt.Errorf("no key set")
	}
	_, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.ClientID),
		jwt.WithClaimValue("nonce", nonce),
	)
	return err
}
