package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider       = errors.New("unknown_provider")
	ErrLoginInProgress       = errors.New("login_in_progress")
	ErrUserCancelled         = errors.New("user_cancelled")
	ErrProviderFailure       = errors.New("provider_failure")
	ErrInitializationFailure = errors.New("initialization_failure")
)

// Reasons attached to ErrProviderFailure.
const (
	ReasonTimeout        = "timeout"
	ReasonUnavailable    = "unavailable"
	ReasonNotInitialized = "not_initialized"
	ReasonExchange       = "exchange_failed"
	ReasonUserinfo       = "userinfo_failed"
	ReasonIDToken        = "id_token_invalid"
	ReasonState          = "invalid_state"
	ReasonRevoke         = "revoke_failed"
	ReasonStore          = "store_failed"
	ReasonDenied         = "provider_denied"
	ReasonUnsupported    = "unsupported"
)

// AuthError is the typed error surfaced by adapters and the Coordinator.
// Kind is one of the Err* sentinels above.
type AuthError struct {
	Kind     error
	Provider ProviderID
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	msg := e.Kind.Error()
	if e.Provider != "" {
		msg += " provider=" + string(e.Provider)
	}
	if e.Reason != "" {
		msg += " reason=" + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func UnknownProvider(p ProviderID) error {
	return &AuthError{Kind: ErrUnknownProvider, Provider: p}
}

func LoginInProgress(p ProviderID) error {
	return &AuthError{Kind: ErrLoginInProgress, Provider: p}
}

func UserCancelled(p ProviderID) error {
	return &AuthError{Kind: ErrUserCancelled, Provider: p}
}

func ProviderFailure(p ProviderID, reason string, err error) error {
	return &AuthError{Kind: ErrProviderFailure, Provider: p, Reason: reason, Err: err}
}

func InitializationFailure(p ProviderID, err error) error {
	return &AuthError{Kind: ErrInitializationFailure, Provider: p, Err: err}
}

// Reason extracts the ProviderFailure reason, if any.
func Reason(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// IsRetryable reports whether re-invoking the same operation may succeed.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrInitializationFailure):
		return false
	case errors.Is(err, ErrProviderFailure) && Reason(err) == ReasonUnavailable:
		return false
	default:
		return true
	}
}

// errorCode is the sentinel code of err, e.g. "user_cancelled".
func errorCode(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) && ae.Kind != nil {
		return ae.Kind.Error()
	}
	return "internal_error"
}

// IsSilent reports errors the UI should not display (user cancellation).
func IsSilent(err error) bool { return errors.Is(err, ErrUserCancelled) }

// asAuthError normalizes any adapter error into an *AuthError.
func asAuthError(p ProviderID, err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		if ae.Provider == "" {
			cp := *ae
			cp.Provider = p
			return &cp
		}
		return err
	}
	return ProviderFailure(p, "", fmt.Errorf("adapter: %w", err))
}
