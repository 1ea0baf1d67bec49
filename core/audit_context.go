package core

import "context"

type authCtxKey string

const (
	authCtxKeyIP        authCtxKey = "socialauth.ip"
	authCtxKeyUserAgent authCtxKey = "socialauth.user_agent"
)

// WithRequestInfo annotates ctx so session events can carry the client's
// address and user agent. Empty values are left unset.
func WithRequestInfo(ctx context.Context, ip, userAgent string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if ip != "" {
		ctx = context.WithValue(ctx, authCtxKeyIP, ip)
	}
	if userAgent != "" {
		ctx = context.WithValue(ctx, authCtxKeyUserAgent, userAgent)
	}
	return ctx
}

func requestInfoFromContext(ctx context.Context) (ip, userAgent *string) {
	if ctx == nil {
		return nil, nil
	}
	return ctxString(ctx, authCtxKeyIP), ctxString(ctx, authCtxKeyUserAgent)
}

func ctxString(ctx context.Context, key authCtxKey) *string {
	s, ok := ctx.Value(key).(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
