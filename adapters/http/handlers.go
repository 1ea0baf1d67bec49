package authhttp

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/socialauth/core"
)

// APIHandler returns a handler that serves the JSON API routes under /auth/*
// and the OAuth callback for deferred logins. It is intended to be mounted
// under the host's mux/router at any prefix.
func (s *Service) APIHandler() http.Handler {
	if s == nil || s.coord == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serverErr(w, "socialauth_not_initialized") })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/providers", s.handleProvidersGET)
	mux.HandleFunc("POST /auth/login/{provider}", s.handleLoginPOST)
	mux.HandleFunc("POST /auth/logout", s.handleLogoutPOST)
	mux.HandleFunc("GET /auth/session", s.handleSessionGET)
	mux.HandleFunc("GET /auth/events", s.handleEventsGET)
	mux.HandleFunc("GET /auth/oauth/{provider}/callback", s.handleOAuthCallbackGET)
	return mux
}

// requestContext attaches the client address and user agent for session
// events.
func (s *Service) requestContext(r *http.Request) context.Context {
	ip := ""
	if s.clientIP != nil {
		ip = s.clientIP(r)
	}
	return core.WithRequestInfo(r.Context(), ip, r.UserAgent())
}

type providersResp struct {
	Started   bool                  `json:"started"`
	Providers []core.ProviderStatus `json:"providers"`
}

func (s *Service) handleProvidersGET(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLProviders) {
		tooMany(w)
		return
	}
	writeJSON(w, http.StatusOK, providersResp{Started: s.coord.Started(), Providers: s.coord.Providers()})
}

type deferredResp struct {
	Provider core.ProviderID `json:"provider"`
	Mode     string          `json:"mode"`
	Status   string          `json:"status"`
}

func (s *Service) handleLoginPOST(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLLogin) {
		tooMany(w)
		return
	}
	id := core.ProviderID(r.PathValue("provider"))
	mode, err := core.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		badRequest(w, "invalid_mode")
		return
	}

	sess, err := s.coord.Login(s.requestContext(r), id, mode)
	if err != nil {
		sendAuthErr(w, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusAccepted, deferredResp{Provider: id, Mode: mode.String(), Status: "initiated"})
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (s *Service) handleLogoutPOST(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLLogout) {
		tooMany(w)
		return
	}
	if err := s.coord.Logout(s.requestContext(r)); err != nil {
		// Local state is already cleared; only a busy coordinator refuses.
		if status, _ := authStatus(err); status == http.StatusConflict {
			sendAuthErr(w, err)
			return
		}
		s.log.WithError(err).Warn("logout_provider_error")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSessionGET(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLSession) {
		tooMany(w)
		return
	}
	sess := s.coord.CurrentSession()
	if sess == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

// handleOAuthCallbackGET records the outcome of a deferred login and sends
// the browser back to the app. The session itself is picked up by the next
// Coordinator.Start.
func (s *Service) handleOAuthCallbackGET(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLOAuthCallback) {
		tooMany(w)
		return
	}
	id := core.ProviderID(r.PathValue("provider"))
	adapter, ok := s.coord.Adapter(id)
	if !ok {
		notFound(w, core.ErrUnknownProvider.Error())
		return
	}
	completer, ok := adapter.(core.DeferredCompleter)
	if !ok {
		notFound(w, "deferred_not_supported")
		return
	}

	q := r.URL.Query()
	params := core.CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if params.State == "" {
		badRequest(w, "missing_state")
		return
	}

	frag := url.Values{}
	frag.Set("provider", string(id))
	log := s.log.WithField("provider", id)
	if err := completer.CompleteDeferred(r.Context(), params); err != nil {
		status := "error"
		if core.IsSilent(err) {
			status = "cancelled"
			log.Debug("deferred_login_cancelled")
		} else {
			log.WithError(err).Warn("deferred_login_failed")
		}
		frag.Set("status", status)
		if reason := core.Reason(err); reason != "" {
			frag.Set("reason", reason)
		}
	} else {
		frag.Set("status", "completed")
		log.WithFields(logrus.Fields{"has_code": params.Code != ""}).Info("deferred_callback_recorded")
	}
	http.Redirect(w, r, s.baseURL+"/auth/callback#"+frag.Encode(), http.StatusFound)
}
