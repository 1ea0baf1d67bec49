package core

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// ProviderID names a configured identity provider ("google", "kakao").
type ProviderID string

const (
	ProviderGoogle ProviderID = "google"
	ProviderKakao  ProviderID = "kakao"
)

func (p ProviderID) String() string { return string(p) }

// Mode selects how a login is carried out.
type Mode int

const (
	// ModeInteractive blocks until the user completes or cancels the
	// provider surface (popup).
	ModeInteractive Mode = iota
	// ModeDeferred leaves the process (full redirect); completion is
	// observed on the next Start.
	ModeDeferred
)

func (m Mode) String() string {
	switch m {
	case ModeInteractive:
		return "popup"
	case ModeDeferred:
		return "redirect"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "popup"/"interactive" and "redirect"/"deferred".
// An empty string selects ModeInteractive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "popup", "interactive":
		return ModeInteractive, nil
	case "redirect", "deferred":
		return ModeDeferred, nil
	default:
		return 0, fmt.Errorf("invalid_mode: %q", s)
	}
}

// SessionResult is the normalized output of a successful authentication.
//
// Only Provider and UserID are guaranteed; DisplayName and Email depend on
// what the provider returned. RawCredential is never inspected by the
// Coordinator.
type SessionResult struct {
	Provider      ProviderID    `json:"provider"`
	UserID        string        `json:"user_id"`
	DisplayName   *string       `json:"display_name,omitempty"`
	Email         *string       `json:"email,omitempty"`
	RawCredential *oauth2.Token `json:"raw_credential,omitempty"`
}

// Validate reports whether the result carries the mandatory fields.
func (s SessionResult) Validate() error {
	if strings.TrimSpace(string(s.Provider)) == "" {
		return errors.New("session_missing_provider")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return errors.New("session_missing_user_id")
	}
	return nil
}

// Clone returns a copy that shares no pointers with s.
func (s *SessionResult) Clone() *SessionResult {
	if s == nil {
		return nil
	}
	out := *s
	out.DisplayName = cloneString(s.DisplayName)
	out.Email = cloneString(s.Email)
	if s.RawCredential != nil {
		tok := *s.RawCredential
		out.RawCredential = &tok
	}
	return &out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StringPtr returns nil for blank strings.
func StringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	v := s
	return &v
}
