package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/app"
	"github.com/noah-isme/mailtrack/internal/auth"
	"github.com/noah-isme/mailtrack/internal/config"
	"github.com/noah-isme/mailtrack/internal/health"
	"github.com/noah-isme/mailtrack/internal/mail"
	"github.com/noah-isme/mailtrack/internal/obs"
	"github.com/noah-isme/mailtrack/internal/queue"
	"github.com/noah-isme/mailtrack/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("service", "mailtrack-api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics("mailtrack", nil)
	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "mailtrack-api",
		Endpoint:      cfg.TracingEndpoint,
		Exporter:      cfg.TracingExporter,
		SamplingRatio: cfg.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	deps, err := app.Open(ctx, cfg, logger, "mailtrack-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	sink, closeSink, err := openSink(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise open sink")
	}

	var verifier auth.TokenVerifier
	if cfg.AuthRequired {
		v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise token verifier")
		}
		verifier = v
	} else {
		logger.Warn().Msg("authentication disabled")
	}

	lim, err := ratelimit.New(cfg.RateLimit, deps.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	allocator, err := abtest.NewAllocator(cfg.AllocatorSeed)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise allocator")
	}
	gen := app.NewGenerator(cfg, logger)

	handler := newRouter(routerDeps{
		Config:   cfg,
		Logger:   logger,
		Deps:     deps,
		Sink:     sink,
		Verifier: verifier,
		Limiter:  lim,
		Mail:     &mail.Service{Store: deps.Store, R: deps.Redis, TTL: cfg.StatsCacheTTL},
		Experiments: &abtest.Service{
			Store:     deps.Store,
			Generator: gen,
			Allocator: allocator,
			Logger:    logger.With().Str("component", "abtest").Logger(),
		},
		Sender:      deps.NewSender(cfg, gen),
		HTTPMetrics: obs.NewHTTPMetrics("mailtrack", obs.ParseBucketsCSV(cfg.HTTPBucketsMS), nil),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("open_sink", cfg.OpenSink).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
		}
	}

	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	closeSink()
	logger.Info().Msg("server stopped")
}

// openSink selects where pixel opens go. The returned close function drains
// or releases the sink and must run after the HTTP server has stopped.
func openSink(cfg *config.Config, deps *app.Dependencies, logger zerolog.Logger) (mail.OpenSink, func(), error) {
	sinkLogger := logger.With().Str("component", "open_sink").Logger()
	switch cfg.OpenSink {
	case config.OpenSinkAsynq:
		opt, err := app.AsynqConnOpt(cfg)
		if err != nil {
			return nil, nil, err
		}
		client := asynq.NewClient(opt)
		closeFn := func() {
			if err := client.Close(); err != nil {
				sinkLogger.Error().Err(err).Msg("close asynq client")
			}
		}
		return queue.OpenTaskSink{Client: client, Timeout: cfg.OpenWriteTimeout}, closeFn, nil
	default:
		rec := mail.NewAsyncRecorder(deps.Store, mail.AsyncOptions{
			Buffer:       cfg.OpenSinkBuffer,
			Workers:      cfg.OpenSinkWorkers,
			WriteTimeout: cfg.OpenWriteTimeout,
			Logger:       sinkLogger,
		})
		rec.Start()
		return rec, rec.Close, nil
	}
}
