package oidckit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/open-rails/socialauth/core"
)

const (
	DefaultLoopbackAddr = "127.0.0.1:0"
	loopbackPath        = "/callback"
)

const loopbackDoneHTML = "<!doctype html><html><body><p>Sign-in finished. You can close this window.</p></body></html>"

// Loopback is the receiving end of an interactive login: a one-shot HTTP
// listener on the loopback interface that the IdP redirects back to.
type Loopback struct {
	ln     net.Listener
	srv    *http.Server
	state  string
	result chan core.CallbackParams
	once   sync.Once
}

// ListenLoopback starts a receiver that accepts exactly one callback
// carrying state. Callbacks with any other state get a 400 and are ignored.
func ListenLoopback(addr, state string) (*Loopback, error) {
	if addr == "" {
		addr = DefaultLoopbackAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("loopback listen: %w", err)
	}
	l := &Loopback{ln: ln, state: state, result: make(chan core.CallbackParams, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+loopbackPath, l.handleCallback)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

// RedirectURI is the URI to register with the authorization request.
func (l *Loopback) RedirectURI() string {
	return "http://" + l.ln.Addr().String() + loopbackPath
}

func (l *Loopback) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != l.state {
		http.Error(w, "invalid_state", http.StatusBadRequest)
		return
	}
	p := core.CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	delivered := false
	l.once.Do(func() {
		l.result <- p
		delivered = true
	})
	if !delivered {
		http.Error(w, "already_completed", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(loopbackDoneHTML))
}

// Result delivers the one accepted callback.
func (l *Loopback) Result() <-chan core.CallbackParams { return l.result }

func (l *Loopback) Close() error {
	err := l.srv.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
