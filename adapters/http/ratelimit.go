package authhttp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a minimal interface used by adapters.
type RateLimiter interface {
	AllowNamed(bucket string, key string) (bool, error)
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a per-key token bucket limiter for single-instance use.
// Buckets without an entry in the limits map use the "default" entry.
type MemoryLimiter struct {
	limits map[string]Limit
	idle   time.Duration

	mu       sync.Mutex
	limiters map[string]*keyLimiter
}

// NewMemoryLimiter returns a limiter for limits. Keys idle longer than the
// largest window are dropped by Sweep.
func NewMemoryLimiter(limits map[string]Limit) *MemoryLimiter {
	idle := time.Minute
	for _, l := range limits {
		if l.Window > idle {
			idle = l.Window
		}
	}
	return &MemoryLimiter{limits: limits, idle: idle, limiters: map[string]*keyLimiter{}}
}

func (m *MemoryLimiter) AllowNamed(bucket, key string) (bool, error) {
	lim, ok := m.limits[bucket]
	if !ok {
		if lim, ok = m.limits["default"]; !ok {
			return true, nil
		}
	}
	if lim.Limit <= 0 || lim.Window <= 0 {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kl, ok := m.limiters[key]
	if !ok {
		every := rate.Every(lim.Window / time.Duration(lim.Limit))
		kl = &keyLimiter{limiter: rate.NewLimiter(every, lim.Limit)}
		m.limiters[key] = kl
	}
	kl.lastSeen = time.Now()
	return kl.limiter.Allow(), nil
}

// Sweep drops keys not seen for longer than the largest window and returns
// how many were removed.
func (m *MemoryLimiter) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, l := range m.limiters {
		if time.Since(l.lastSeen) > m.idle {
			delete(m.limiters, k)
			n++
		}
	}
	return n
}
