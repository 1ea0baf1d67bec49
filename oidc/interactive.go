package oidckit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/open-rails/socialauth/core"
)

// DefaultInteractiveTimeout caps how long an interactive login may wait
// for the user.
const DefaultInteractiveTimeout = 5 * time.Minute

// AuthURLFunc builds the provider authorization URL for one attempt.
type AuthURLFunc func(ctx context.Context, redirectURI, state string) (string, error)

// InteractiveFlow drives the user-facing half of an interactive login:
// loopback receiver, opener, wait and cancellation mapping.
type InteractiveFlow struct {
	Provider core.ProviderID
	Addr     string
	Timeout  time.Duration
	Opener   Opener
}

// Run returns the callback parameters (with a code) and the redirect URI
// that must accompany the code exchange.
func (f InteractiveFlow) Run(ctx context.Context, authURL AuthURLFunc) (core.CallbackParams, string, error) {
	state := RandomToken(32)
	lb, err := ListenLoopback(f.Addr, state)
	if err != nil {
		return core.CallbackParams{}, "", core.ProviderFailure(f.Provider, "loopback_failed", err)
	}
	defer lb.Close()

	redirectURI := lb.RedirectURI()
	u, err := authURL(ctx, redirectURI, state)
	if err != nil {
		return core.CallbackParams{}, "", core.ProviderFailure(f.Provider, "auth_url_failed", err)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultInteractiveTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opener := f.Opener
	if opener == nil {
		opener = LogOpener{}
	}
	openErr := make(chan error, 1)
	go func() { openErr <- opener.Open(wctx, u) }()

	params, err := f.wait(ctx, wctx, lb, openErr)
	if err != nil {
		return core.CallbackParams{}, "", err
	}
	if err := CallbackError(f.Provider, params); err != nil {
		return core.CallbackParams{}, "", err
	}
	return params, redirectURI, nil
}

func (f InteractiveFlow) wait(ctx, wctx context.Context, lb *Loopback, openErr <-chan error) (core.CallbackParams, error) {
	for {
		select {
		case err := <-openErr:
			openErr = nil
			if err != nil && wctx.Err() == nil {
				// The surface may still deliver; a failed opener with an
				// already-queued callback is not a failure.
				select {
				case p := <-lb.Result():
					return p, nil
				default:
				}
				return core.CallbackParams{}, core.ProviderFailure(f.Provider, "open_failed", err)
			}
		case p := <-lb.Result():
			return p, nil
		case <-wctx.Done():
			return core.CallbackParams{}, f.contextError(ctx, wctx)
		}
	}
}

// contextError maps the end of the wait. A caller cancelling means the
// user closed the surface; any deadline means the attempt timed out.
func (f InteractiveFlow) contextError(ctx, wctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return core.UserCancelled(f.Provider)
	}
	return core.ProviderFailure(f.Provider, core.ReasonTimeout, wctx.Err())
}

// CallbackError maps an IdP callback to an adapter error, or nil when it
// carries a code.
func CallbackError(p core.ProviderID, params core.CallbackParams) error {
	switch {
	case params.Error == "access_denied":
		return core.UserCancelled(p)
	case params.Error != "":
		return core.ProviderFailure(p, core.ReasonDenied, fmt.Errorf("%s: %s", params.Error, params.ErrorDescription))
	case params.Code == "":
		return core.ProviderFailure(p, core.ReasonExchange, errors.New("callback without code"))
	default:
		return nil
	}
}
