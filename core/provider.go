package core

import "context"

// Adapter is the normalized surface over one identity provider SDK.
//
// Each adapter owns its SDK handle; the Coordinator only calls through this
// interface. Provider configuration is bound when the adapter is built and
// reaches the SDK unchanged through Initialize.
type Adapter interface {
	// Initialize performs one-time SDK setup. Calls after a success are no-ops.
	Initialize(ctx context.Context) error

	// LoginInteractive blocks until the user completes or cancels the
	// provider surface. Cancellation surfaces as ErrUserCancelled.
	LoginInteractive(ctx context.Context) (SessionResult, error)

	// LoginDeferred starts an out-of-band flow and returns once it is
	// initiated. It never produces a session itself.
	LoginDeferred(ctx context.Context) error

	// ResolveDeferredResult returns a deferred flow that completed since the
	// last check, or nil. It is safe to call when nothing was ever started.
	ResolveDeferredResult(ctx context.Context) (*SessionResult, error)

	// Logout invalidates the local session. Already logged out is a success.
	Logout(ctx context.Context) error
}

// CallbackParams is what an IdP sends back to the redirect URI.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// DeferredCompleter is implemented by adapters whose deferred flow returns
// through the host's HTTP callback. CompleteDeferred persists the outcome so
// that ResolveDeferredResult observes it on the next Start.
type DeferredCompleter interface {
	CompleteDeferred(ctx context.Context, params CallbackParams) error
}

// CredentialReleaser is implemented by adapters that hold the credential of
// the session they produced so Logout can revoke it. The Coordinator calls
// ReleaseCredential when that session is replaced, rejected or Reset; the
// credential is dropped locally and left to expire at the provider.
type CredentialReleaser interface {
	ReleaseCredential()
}

// Registration binds an adapter to its provider id in configured order.
type Registration struct {
	ID      ProviderID
	Adapter Adapter
}

// ProviderStatus is reported by Coordinator.Providers.
type ProviderStatus struct {
	ID        ProviderID `json:"id"`
	Available bool       `json:"available"`
	Error     string     `json:"error,omitempty"`
}
