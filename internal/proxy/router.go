package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/metering"
)

// Pinger is anything /readyz should check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// breaker is implemented by checks that sit behind a circuit breaker.
type breaker interface {
	State() string
}

// NewRouter assembles the gateway's routes. The metering interceptor wraps
// everything; the auth guard only wraps the account-bound routes. Request
// bodies larger than maxBody bytes are rejected with 413.
func NewRouter(h *Handler, interceptor *metering.Interceptor, guard auth.Middleware, checks map[string]Pinger, maxBody int64) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestID)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestSize(maxBody))
	r.Use(interceptor.Middleware)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-meter"})
	})
	r.Get("/readyz", readiness(checks))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/models", h.HandleModels)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Post("/v1/chat/completions", h.HandleChatCompletions)
		r.Post("/v1/completions", h.HandleCompletions)
		r.Post("/chat/completions", h.HandleLegacyChat)
		r.Get("/v1/usage", h.HandleUsage)
		r.Put("/v1/usage/limit", h.HandleSetLimit)
	})

	return r
}

func readiness(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, p := range checks {
			if b, ok := p.(breaker); ok {
				result[name+"_breaker"] = b.State()
			}
			if err := p.Ping(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		writeJSON(w, status, result)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Info().
				Str("request_id", auth.GetRequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
