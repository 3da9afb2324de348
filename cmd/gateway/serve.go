package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/backend"
	"github.com/vnmchuo/llm-meter/internal/estimate"
	"github.com/vnmchuo/llm-meter/internal/metering"
	"github.com/vnmchuo/llm-meter/internal/proxy"
	"github.com/vnmchuo/llm-meter/internal/telemetry"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the metering gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-meter", cfg)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	// 3. Accounting store
	sh, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sh.close()
	if err := sh.migrate(ctx); err != nil {
		return err
	}

	// 4. Redis (optional)
	var rdb *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Redis connected")
	} else {
		log.Warn().Msg("REDIS_ADDR not set; credential cache and rate limiting disabled")
	}

	// 5. Metering pipeline
	est, err := estimate.New(cfg.Estimator, cfg.TiktokenEnc)
	if err != nil {
		return err
	}
	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		return err
	}
	tracer := otel.GetTracerProvider().Tracer("llm-meter")
	resolver := auth.NewResolver(sh.store, rdb)
	recorder := metering.NewRecorder(sh.store, est, pricing)
	interceptor := metering.NewInterceptor(metering.NewPolicy(cfg.BillablePaths, cfg.ExemptPaths), resolver, recorder)
	fwd := backend.New(cfg.BackendURL, cfg.BackendTimeout, cfg.BackendModelsTimeout, tracer)

	handler := proxy.NewHandler(sh.store, fwd, est, recorder, limiter, tracer, cfg.DefaultModel)
	checks := map[string]proxy.Pinger{
		"store":   sh.pinger,
		"backend": fwd,
	}
	router := proxy.NewRouter(handler, interceptor, auth.NewMiddleware(resolver), checks, cfg.MaxBodyBytes)

	// 6. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.BackendTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("backend", cfg.BackendURL).Msg("llm-meter starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
