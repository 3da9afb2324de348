// Package backend forwards translated completion requests to the
// inference backend and classifies its failures.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-meter/internal/metrics"
)

// ErrBackendUnreachable covers connection failures, timeouts and an open breaker.
var ErrBackendUnreachable = errors.New("backend unreachable")

const maxErrorBody = 4 << 10

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Body)
}

// UpstreamError is the single gateway-level failure surfaced to callers.
// It wraps either ErrBackendUnreachable or a *StatusError.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream error: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Kind names the failure class for logs and metrics.
func (e *UpstreamError) Kind() string {
	var se *StatusError
	if errors.As(e.Err, &se) {
		return "backend_error"
	}
	return "backend_unreachable"
}

type Forwarder struct {
	baseURL       string
	client        *http.Client
	timeout       time.Duration
	modelsTimeout time.Duration
	breaker       *gobreaker.CircuitBreaker
	tracer        trace.Tracer
}

func New(baseURL string, timeout, modelsTimeout time.Duration, tracer trace.Tracer) *Forwarder {
	settings := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A 4xx is the caller's problem, not a sick backend.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500
			}
			return err == nil
		},
	}

	return &Forwarder{
		baseURL:       baseURL,
		client:        &http.Client{},
		timeout:       timeout,
		modelsTimeout: modelsTimeout,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		tracer:        tracer,
	}
}

// Complete POSTs body to {base}/v1/completions and returns the raw reply.
// Every failure comes back as *UpstreamError. Nothing is retried.
func (f *Forwarder) Complete(ctx context.Context, body []byte) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "backend.complete")
	defer span.End()

	start := time.Now()
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.do(ctx, http.MethodPost, "/v1/completions", body, f.timeout)
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit breaker %s", ErrBackendUnreachable, err)
		}
		uerr := &UpstreamError{Err: err}
		metrics.BackendLatency.WithLabelValues(uerr.Kind()).Observe(elapsed.Seconds())
		span.RecordError(uerr)
		span.SetStatus(codes.Error, uerr.Kind())
		return nil, uerr
	}

	metrics.BackendLatency.WithLabelValues("ok").Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int64("backend.latency_ms", elapsed.Milliseconds()))
	return result.([]byte), nil
}

// Ping checks that the backend answers GET /v1/models within the short timeout.
func (f *Forwarder) Ping(ctx context.Context) error {
	if _, err := f.do(ctx, http.MethodGet, "/v1/models", nil, f.modelsTimeout); err != nil {
		return &UpstreamError{Err: err}
	}
	return nil
}

// State reports the breaker state ("closed", "half-open", "open").
func (f *Forwarder) State() string {
	return f.breaker.State().String()
}

func (f *Forwarder) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %v", ErrBackendUnreachable, err)
	}
	return respBody, nil
}
