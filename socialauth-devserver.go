package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	authhttp "github.com/open-rails/socialauth/adapters/http"
	"github.com/open-rails/socialauth/core"
	"github.com/open-rails/socialauth/providers/google"
	"github.com/open-rails/socialauth/providers/kakao"
	memorystore "github.com/open-rails/socialauth/storage/memory"
	redisstore "github.com/open-rails/socialauth/storage/redis"
)

type providerCreds struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

type config struct {
	ListenAddr         string        `env:"LISTEN_ADDR" envDefault:":8080"`
	BaseURL            string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	RedisURL           string        `env:"REDIS_URL"`
	SweepSchedule      string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	TrustedProxies     []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	ProviderOrder      []string      `env:"PROVIDERS" envSeparator:"," envDefault:"google,kakao"`
	InteractiveTimeout time.Duration `env:"INTERACTIVE_TIMEOUT" envDefault:"5m"`
	LoopbackAddr       string        `env:"LOOPBACK_ADDR" envDefault:"127.0.0.1:0"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON            bool          `env:"LOG_JSON"`

	Google providerCreds `envPrefix:"GOOGLE_"`
	Kakao  providerCreds `envPrefix:"KAKAO_"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		fatal(err)
	}

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		cmd = strings.TrimSpace(args[0])
		args = args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, log)
	case "login":
		err = runLogin(ctx, cfg, log, args)
	default:
		err = fmt.Errorf("unknown command %q (supported: serve, login <provider> [popup|redirect])", cmd)
	}
	if err != nil {
		fatal(err)
	}
}

func loadConfig() (*config, error) {
	c := &config{}
	if err := env.ParseWithOptions(c, env.Options{Prefix: "SOCIALAUTH_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return nil, errors.New("SOCIALAUTH_BASE_URL is required (e.g. http://localhost:8080)")
	}
	if c.Google.ClientID == "" && c.Kakao.ClientID == "" {
		return nil, errors.New("configure at least one of SOCIALAUTH_GOOGLE_CLIENT_ID or SOCIALAUTH_KAKAO_CLIENT_ID")
	}
	return c, nil
}

func newLogger(cfg *config) (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("SOCIALAUTH_LOG_LEVEL: %w", err)
	}
	l.SetLevel(lvl)
	if cfg.LogJSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l, nil
}

// wiring is what both commands share: the store, the adapters and the
// coordinator wired over them.
type wiring struct {
	coord   *core.Coordinator
	store   core.EphemeralStore
	janitor *memorystore.Janitor
	closeFn func() error
}

func (rt *wiring) Close() error {
	if rt.janitor != nil {
		rt.janitor.Stop()
	}
	if rt.closeFn != nil {
		return rt.closeFn()
	}
	return nil
}

func buildRuntime(ctx context.Context, cfg *config, log *logrus.Logger, sweep ...memorystore.Sweeper) (*wiring, error) {
	rt := &wiring{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("SOCIALAUTH_REDIS_URL: %w", err)
		}
		rd := redis.NewClient(opts)
		if err := rd.Ping(ctx).Err(); err != nil {
			_ = rd.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.store = redisstore.NewKV(rd)
		rt.closeFn = rd.Close
		log.WithField("store", core.EphemeralRedis).Info("ephemeral_store_ready")
	} else {
		kv := memorystore.NewKV()
		rt.store = kv
		sweep = append(sweep, kv)
		log.WithField("store", core.EphemeralMemory).Warn("ephemeral_store_ready: deferred logins will not survive a restart")
	}
	if len(sweep) > 0 {
		j, err := memorystore.NewJanitor(cfg.SweepSchedule, log, sweep...)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		j.Start()
		rt.janitor = j
	}

	adapters := map[core.ProviderID]core.Adapter{}
	if cfg.Google.ClientID != "" {
		adapters[core.ProviderGoogle] = google.New(google.Config{
			ClientID:           cfg.Google.ClientID,
			ClientSecret:       cfg.Google.ClientSecret,
			RedirectURL:        callbackURL(cfg, core.ProviderGoogle),
			LoopbackAddr:       cfg.LoopbackAddr,
			InteractiveTimeout: cfg.InteractiveTimeout,
			Store:              rt.store,
			Logger:             log,
		})
	}
	if cfg.Kakao.ClientID != "" {
		adapters[core.ProviderKakao] = kakao.New(kakao.Config{
			ClientID:           cfg.Kakao.ClientID,
			ClientSecret:       cfg.Kakao.ClientSecret,
			RedirectURL:        callbackURL(cfg, core.ProviderKakao),
			LoopbackAddr:       cfg.LoopbackAddr,
			InteractiveTimeout: cfg.InteractiveTimeout,
			Store:              rt.store,
			Logger:             log,
		})
	}

	ccfg := core.Config{Logger: log, Events: core.LogrusEventLogger{Log: log}}
	for _, raw := range cfg.ProviderOrder {
		id := core.ProviderID(strings.ToLower(strings.TrimSpace(raw)))
		if a, ok := adapters[id]; ok {
			ccfg.Providers = append(ccfg.Providers, core.Registration{ID: id, Adapter: a})
			delete(adapters, id)
		}
	}
	for id := range adapters {
		log.WithField("provider", id).Warn("provider_configured_but_not_ordered")
	}
	coord, err := core.NewCoordinator(ccfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.coord = coord

	if err := coord.Start(ctx); err != nil {
		log.WithError(err).Warn("startup_resolution_incomplete")
	}
	return rt, nil
}

func callbackURL(cfg *config, p core.ProviderID) string {
	return cfg.BaseURL + "/auth/oauth/" + string(p) + "/callback"
}

func runServe(ctx context.Context, cfg *config, log *logrus.Logger) error {
	limiter := authhttp.NewMemoryLimiter(authhttp.DefaultRateLimits())
	rt, err := buildRuntime(ctx, cfg, log, limiter)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := authhttp.NewService(rt.coord).
		WithLogger(log).
		WithRateLimiter(limiter).
		WithBaseURL(cfg.BaseURL)
	if len(cfg.TrustedProxies) > 0 {
		trusted, err := authhttp.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return fmt.Errorf("SOCIALAUTH_TRUSTED_PROXIES: %w", err)
		}
		svc.WithClientIPFunc(authhttp.ClientIPFromForwardedHeaders(trusted))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "started": rt.coord.Started()})
	})
	mux.Handle("/auth/", svc.APIHandler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "base_url": cfg.BaseURL}).Info("listening")
	return server.ListenAndServe()
}

func runLogin(ctx context.Context, cfg *config, log *logrus.Logger, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: login <provider> [popup|redirect]")
	}
	mode := core.ModeInteractive
	if len(args) > 1 {
		m, err := core.ParseMode(args[1])
		if err != nil {
			return err
		}
		mode = m
	}

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	if sess := rt.coord.CurrentSession(); sess != nil {
		log.WithField("provider", sess.Provider).Info("restored_previous_deferred_login")
	}
	sess, err := rt.coord.Login(ctx, core.ProviderID(args[0]), mode)
	if err != nil {
		if core.IsSilent(err) {
			log.Info("login cancelled")
			return nil
		}
		return err
	}
	if sess == nil {
		log.Info("redirect login started; finish it in the browser, then run serve or login again to pick it up")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fatal(err error) {
	if err == nil {
		os.Exit(0)
	}
	if errors.Is(err, http.ErrServerClosed) {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
