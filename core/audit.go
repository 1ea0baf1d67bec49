package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionEventType identifies a session lifecycle event.
type SessionEventType string

const (
	SessionEventCreated  SessionEventType = "session_created"
	SessionEventRestored SessionEventType = "session_restored"
	SessionEventRevoked  SessionEventType = "session_revoked"
	SessionEventFailed   SessionEventType = "session_failed"
)

// SessionRevokeReason identifies why a session ended.
type SessionRevokeReason string

const (
	SessionRevokeReasonLogout   SessionRevokeReason = "logout"
	SessionRevokeReasonReset    SessionRevokeReason = "reset"
	SessionRevokeReasonReplaced SessionRevokeReason = "replaced"
)

// AuthSessionEvent is a best-effort, append-only session lifecycle record
// intended for external sinks.
//
// Reason carries the revoke reason for SessionEventRevoked and the error
// code for SessionEventFailed.
type AuthSessionEvent struct {
	OccurredAt time.Time
	Provider   ProviderID
	UserID     string
	Event      SessionEventType
	Mode       *string
	Reason     *string
	IPAddr     *string
	UserAgent  *string
}

// AuthEventLogger records session lifecycle events to an external sink.
// Implementations should be non-blocking and best-effort.
type AuthEventLogger interface {
	LogSessionEvent(ctx context.Context, e AuthSessionEvent) error
}

// LogrusEventLogger writes session events as structured log lines.
type LogrusEventLogger struct {
	Log logrus.FieldLogger
}

func (l LogrusEventLogger) LogSessionEvent(_ context.Context, e AuthSessionEvent) error {
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	fields := logrus.Fields{
		"event":       e.Event,
		"provider":    e.Provider,
		"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	for k, v := range map[string]*string{"mode": e.Mode, "reason": e.Reason, "ip": e.IPAddr, "user_agent": e.UserAgent} {
		if v != nil {
			fields[k] = *v
		}
	}
	log.WithFields(fields).Info("auth_session_event")
	return nil
}
