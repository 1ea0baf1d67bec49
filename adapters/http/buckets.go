package authhttp

// Bucket names used by socialauth endpoints.
const (
	RLProviders     = "auth_providers"
	RLLogin         = "auth_login"
	RLLogout        = "auth_logout"
	RLSession       = "auth_session"
	RLEvents        = "auth_events"
	RLOAuthCallback = "auth_oauth_callback"
)
