package authhttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/socialauth/core"
)

const defaultHeartbeat = 15 * time.Second

// Service wraps core.Coordinator with net/http mounting helpers.
type Service struct {
	coord     *core.Coordinator
	log       logrus.FieldLogger
	rl        RateLimiter
	clientIP  ClientIPFunc
	baseURL   string
	heartbeat time.Duration
}

func (s *Service) allow(r *http.Request, bucket string) bool {
	if s == nil {
		return true
	}
	if s.rl == nil {
		return true
	}
	ipFn := s.clientIP
	if ipFn == nil {
		ipFn = DefaultClientIP()
	}
	ip := ipFn(r)
	if strings.TrimSpace(ip) == "" {
		return true
	}
	key := "auth:" + bucket + ":ip:" + ip
	ok, err := s.rl.AllowNamed(bucket, key)
	if err != nil {
		s.log.WithError(err).WithField("bucket", bucket).Warn("rate_limiter_failed")
		return true
	}
	return ok
}

// NewService wraps coord for net/http mounting with the default in-memory
// rate limits.
func NewService(coord *core.Coordinator) *Service {
	return &Service{
		coord:     coord,
		log:       logrus.StandardLogger().WithField("component", "authhttp"),
		rl:        NewMemoryLimiter(DefaultRateLimits()),
		clientIP:  DefaultClientIP(),
		heartbeat: defaultHeartbeat,
	}
}

func (s *Service) WithLogger(l logrus.FieldLogger) *Service {
	if l != nil {
		s.log = l.WithField("component", "authhttp")
	}
	return s
}
func (s *Service) WithRateLimiter(rl RateLimiter) *Service { s.rl = rl; return s }
func (s *Service) DisableRateLimiter() *Service            { s.rl = nil; return s }
func (s *Service) WithClientIPFunc(fn ClientIPFunc) *Service {
	if fn == nil {
		s.clientIP = DefaultClientIP()
		return s
	}
	s.clientIP = fn
	return s
}

// WithBaseURL sets where the OAuth callback sends the browser once a
// deferred login has been recorded. Empty means a relative redirect.
func (s *Service) WithBaseURL(u string) *Service {
	s.baseURL = strings.TrimRight(u, "/")
	return s
}

// WithHeartbeat sets the keep-alive interval of the events stream.
func (s *Service) WithHeartbeat(d time.Duration) *Service {
	if d > 0 {
		s.heartbeat = d
	}
	return s
}

func (s *Service) Coordinator() *core.Coordinator { return s.coord }
