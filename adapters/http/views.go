package authhttp

import (
	"time"

	"github.com/open-rails/socialauth/core"
)

// sessionResp is the wire form of a session. The provider credential stays
// in the process; clients only learn when it expires.
type sessionResp struct {
	Provider    core.ProviderID `json:"provider"`
	UserID      string          `json:"user_id"`
	DisplayName *string         `json:"display_name,omitempty"`
	Email       *string         `json:"email,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func sessionView(s *core.SessionResult) *sessionResp {
	if s == nil {
		return nil
	}
	out := &sessionResp{
		Provider:    s.Provider,
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Email:       s.Email,
	}
	if tok := s.RawCredential; tok != nil && !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	return out
}

type snapshotResp struct {
	State    core.State      `json:"state"`
	Provider core.ProviderID `json:"provider,omitempty"`
	Session  *sessionResp    `json:"session,omitempty"`
}

func snapshotView(s core.Snapshot) snapshotResp {
	return snapshotResp{State: s.State, Provider: s.Provider, Session: sessionView(s.Session)}
}

type transitionResp struct {
	From snapshotResp `json:"from"`
	To   snapshotResp `json:"to"`
	At   time.Time    `json:"at"`
}

func transitionView(t core.Transition) transitionResp {
	return transitionResp{From: snapshotView(t.From), To: snapshotView(t.To), At: t.At}
}
