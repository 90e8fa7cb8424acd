package main

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/app"
	"github.com/noah-isme/mailtrack/internal/auth"
	"github.com/noah-isme/mailtrack/internal/campaign"
	"github.com/noah-isme/mailtrack/internal/common"
	"github.com/noah-isme/mailtrack/internal/config"
	"github.com/noah-isme/mailtrack/internal/health"
	"github.com/noah-isme/mailtrack/internal/mail"
	"github.com/noah-isme/mailtrack/internal/obs"
	"github.com/noah-isme/mailtrack/internal/ratelimit"
	"github.com/noah-isme/mailtrack/internal/security"
)

const pixelPrefix = "/email/pixel/"

type routerDeps struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Deps        *app.Dependencies
	Sink        mail.OpenSink
	Verifier    auth.TokenVerifier
	Limiter     *limiter.Limiter
	Mail        *mail.Service
	Experiments *abtest.Service
	Sender      *campaign.Sender
	HTTPMetrics *obs.HTTPMetrics
}

func newRouter(d routerDeps) http.Handler {
	cfg := d.Config

	pixel := mail.PixelHandler{Sink: d.Sink, Logger: d.Logger.With().Str("component", "pixel").Logger(), SubmitTimeout: cfg.OpenWriteTimeout}
	mailHandler := &mail.Handler{Svc: d.Mail}
	abHandler := &abtest.Handler{Svc: d.Experiments}
	sendHandler := &campaign.Handler{Sender: d.Sender}
	healthHandler := health.Handler{Checker: health.Deps{DB: d.Deps.DB, Redis: d.Deps.Redis}}

	idem := common.Idem{R: d.Deps.Redis, TTL: cfg.IdempotencyTTL}
	limit := ratelimit.Handler{
		Limiter: d.Limiter,
		Key:     ratelimit.ByClientIP,
		OnError: func(err error) { d.Logger.Error().Err(err).Msg("rate limiter unavailable") },
	}
	requireAuth := func(next http.Handler) http.Handler { return next }
	if d.Verifier != nil {
		requireAuth = auth.Middleware{Verifier: d.Verifier}.RequireAuth
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	r.Use(obs.TracingMiddleware)
	if d.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: d.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeaders, EnableHSTS: cfg.EnableHSTS, EmbeddablePrefixes: []string{pixelPrefix}}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofUser, cfg.PprofPass))
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Method(http.MethodGet, pixelPrefix+"{token}", pixel)

	writes := func(g chi.Router) {
		g.Use(limit.Middleware)
		g.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
		g.Use(idem.Middleware)
	}

	r.Group(func(api chi.Router) {
		api.Use(requireAuth)

		api.Route("/email", func(e chi.Router) {
			e.Get("/stats", mailHandler.Stats)
			e.Get("/stats/{token}", mailHandler.RecordStats)
			e.Get("/recent", mailHandler.Recent)
			e.Group(func(w chi.Router) {
				writes(w)
				w.Post("/send", sendHandler.Send)
				w.Post("/generate", sendHandler.Generate)
				w.Post("/send-generated", sendHandler.SendGenerated)
				w.Post("/send-bulk", sendHandler.SendBulk)
			})
		})

		api.Route("/ab-test", func(a chi.Router) {
			a.Get("/test-results/{experimentId}", abHandler.Results)
			a.Get("/all", abHandler.All)
			a.Group(func(w chi.Router) {
				writes(w)
				w.Post("/create-test", abHandler.Create)
				w.Post("/send-test/{experimentId}", sendHandler.SendExperiment)
				w.Post("/reconcile/{experimentId}", sendHandler.Reconcile)
			})
		})
	})

	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
