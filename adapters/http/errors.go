package authhttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/open-rails/socialauth/core"
)

type errResp struct {
	Error     string          `json:"error"`
	Provider  core.ProviderID `json:"provider,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Silent    bool            `json:"silent,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errResp{Error: code})
}

func badRequest(w http.ResponseWriter, code string) { sendErr(w, http.StatusBadRequest, code) }
func tooMany(w http.ResponseWriter)                { sendErr(w, http.StatusTooManyRequests, "rate_limited") }
func serverErr(w http.ResponseWriter, code string) { sendErr(w, http.StatusInternalServerError, code) }
func notFound(w http.ResponseWriter, code string)  { sendErr(w, http.StatusNotFound, code) }

// authStatus maps a coordinator error to its HTTP status and error code.
func authStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrUnknownProvider):
		return http.StatusNotFound, core.ErrUnknownProvider.Error()
	case errors.Is(err, core.ErrLoginInProgress):
		return http.StatusConflict, core.ErrLoginInProgress.Error()
	case errors.Is(err, core.ErrUserCancelled):
		return http.StatusBadRequest, core.ErrUserCancelled.Error()
	case errors.Is(err, core.ErrProviderFailure):
		if core.Reason(err) == core.ReasonUnavailable || core.Reason(err) == core.ReasonNotInitialized {
			return http.StatusServiceUnavailable, core.ErrProviderFailure.Error()
		}
		return http.StatusBadGateway, core.ErrProviderFailure.Error()
	case errors.Is(err, core.ErrInitializationFailure):
		return http.StatusServiceUnavailable, core.ErrInitializationFailure.Error()
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func sendAuthErr(w http.ResponseWriter, err error) {
	status, code := authStatus(err)
	resp := errResp{
		Error:     code,
		Reason:    core.Reason(err),
		Silent:    core.IsSilent(err),
		Retryable: core.IsRetryable(err),
	}
	var ae *core.AuthError
	if errors.As(err, &ae) {
		resp.Provider = ae.Provider
	}
	writeJSON(w, status, resp)
}
