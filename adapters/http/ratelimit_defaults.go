package authhttp

import "time"

// Limit configures a named rate limit bucket: Limit requests per Window,
// with bursts up to Limit.
type Limit struct {
	Limit  int
	Window time.Duration
}

// DefaultRateLimits returns the built-in per-endpoint rate limits.
//
// These limits are enforced per client IP (as determined by the Service's ClientIPFunc).
// Hosts can override by supplying their own limiter via WithRateLimiter(...).
func DefaultRateLimits() map[string]Limit {
	return map[string]Limit{
		"default": {Limit: 120, Window: time.Minute},

		RLProviders: {Limit: 120, Window: time.Minute},
		RLSession:   {Limit: 120, Window: time.Minute},
		RLEvents:    {Limit: 30, Window: time.Minute},

		// Each login opens a provider flow.
		RLLogin:         {Limit: 20, Window: 10 * time.Minute},
		RLOAuthCallback: {Limit: 30, Window: 10 * time.Minute},
		RLLogout:        {Limit: 60, Window: 10 * time.Minute},
	}
}
