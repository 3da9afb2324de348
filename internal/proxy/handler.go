package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/backend"
	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/estimate"
	"github.com/vnmchuo/llm-meter/internal/metering"
	"github.com/vnmchuo/llm-meter/internal/metrics"
	"github.com/vnmchuo/llm-meter/internal/quota"
	"github.com/vnmchuo/llm-meter/internal/translate"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

// Backend is the inference backend as seen by the handlers.
type Backend interface {
	Complete(ctx context.Context, body []byte) ([]byte, error)
}

type Handler struct {
	billing      billing.Store
	backend      Backend
	estimator    estimate.Estimator
	recorder     *metering.Recorder
	limiter      *ratelimit.Limiter
	tracer       trace.Tracer
	defaultModel string
	startedAt    int64
}

func NewHandler(
	store billing.Store,
	be Backend,
	estimator estimate.Estimator,
	recorder *metering.Recorder,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
	defaultModel string,
) *Handler {
	return &Handler{
		billing:      store,
		backend:      be,
		estimator:    estimator,
		recorder:     recorder,
		limiter:      limiter,
		tracer:       tracer,
		defaultModel: defaultModel,
		startedAt:    translate.Now(),
	}
}

// completion is a call that made it past admission and got a backend reply.
type completion struct {
	model string
	raw   []byte
	reply *translate.Response
	usage translate.Usage
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.chat_completions")
	defer span.End()

	c, ok := h.complete(ctx, span, w, r, translate.ShapeChat)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, translate.NewChatCompletion(c.reply, c.model, c.usage))
}

// HandleCompletions serves POST /v1/completions: the backend's native reply
// with usage merged in.
func (h *Handler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.completions")
	defer span.End()

	c, ok := h.complete(ctx, span, w, r, translate.ShapePrompt)
	if !ok {
		return
	}
	h.writeNative(w, c)
}

// HandleLegacyChat serves the prompt-shaped POST /chat/completions.
func (h *Handler) HandleLegacyChat(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.legacy_chat")
	defer span.End()

	c, ok := h.complete(ctx, span, w, r, translate.ShapePrompt)
	if !ok {
		return
	}
	h.writeNative(w, c)
}

func (h *Handler) writeNative(w http.ResponseWriter, c *completion) {
	body, err := translate.WithUsage(c.raw, c.usage)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// complete runs parse, admission, forwarding and measurement. On failure
// it has already written the error response and returns false.
func (h *Handler) complete(ctx context.Context, span trace.Span, w http.ResponseWriter, r *http.Request, shape translate.Shape) (*completion, bool) {
	requestID := auth.GetRequestID(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, "malformed payload", err.Error())
		return nil, false
	}
	req, err := translate.Parse(body, shape)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload", err.Error())
		return nil, false
	}

	acct := auth.AccountFrom(ctx)
	if acct == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", auth.ErrUnauthenticated.Error())
		return nil, false
	}

	model := req.Params().Model
	if model == "" {
		model = h.defaultModel
	}
	est := h.estimator.Estimate(req)
	span.SetAttributes(
		attribute.String("account_id", acct.ID),
		attribute.String("request_id", requestID),
		attribute.String("model", model),
		attribute.Int64("tokens.estimate", est),
	)

	allowed, err := h.limiter.Allow(ctx, acct.ID, est)
	if err != nil {
		// The limiter is best effort; the quota gate still applies.
		log.Warn().Err(err).Str("account_id", acct.ID).Msg("rate limiter unavailable")
		allowed = true
	}
	if !allowed {
		metrics.QuotaDenials.WithLabelValues("rate_limit").Inc()
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, false
	}

	if err := quota.Check(acct, est); err != nil {
		reason := "quota_would_exceed"
		if errors.Is(err, quota.ErrQuotaExhausted) {
			reason = "quota_exhausted"
		}
		metrics.QuotaDenials.WithLabelValues(reason).Inc()
		var denial *quota.DenialError
		errors.As(err, &denial)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":       denial.Reason.Error(),
			"detail":      err.Error(),
			"tokens_used": denial.TokensUsed,
			"token_limit": denial.TokenLimit,
			"estimate":    denial.Estimate,
		})
		return nil, false
	}

	backendBody, err := translate.BackendRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload", err.Error())
		return nil, false
	}

	start := time.Now()
	raw, err := h.backend.Complete(ctx, backendBody)
	if err != nil {
		h.upstreamFailure(w, span, err, acct.ID, requestID)
		return nil, false
	}
	reply, err := translate.ParseReply(raw)
	if err != nil {
		h.upstreamFailure(w, span, &backend.UpstreamError{Err: err}, acct.ID, requestID)
		return nil, false
	}

	usage := h.recorder.Measure(req, reply.GeneratedText)
	if call := metering.CallFrom(ctx); call != nil {
		call.Settle(model, usage)
	}
	span.SetAttributes(
		attribute.Int64("tokens.prompt", usage.PromptTokens),
		attribute.Int64("tokens.completion", usage.CompletionTokens),
		attribute.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	return &completion{model: model, raw: raw, reply: reply, usage: usage}, true
}

func (h *Handler) upstreamFailure(w http.ResponseWriter, span trace.Span, err error, accountID, requestID string) {
	kind := "backend_unreachable"
	var uerr *backend.UpstreamError
	if errors.As(err, &uerr) {
		kind = uerr.Kind()
	}
	if errors.Is(err, translate.ErrMalformedReply) {
		kind = "malformed_reply"
	}
	metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	log.Warn().Err(err).
		Str("account_id", accountID).
		Str("request_id", requestID).
		Str("kind", kind).
		Msg("backend call failed")

	writeJSON(w, http.StatusBadGateway, map[string]string{
		"error":  "upstream error",
		"kind":   kind,
		"detail": err.Error(),
	})
}

// HandleModels serves the static GET /v1/models listing.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data": []interface{}{
			map[string]interface{}{
				"id":       h.defaultModel,
				"object":   "model",
				"created":  h.startedAt,
				"owned_by": "llm-meter",
				"root":     h.defaultModel,
			},
		},
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := auth.AccountFrom(ctx)
	if acct == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", auth.ErrUnauthenticated.Error())
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)", err.Error())
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)", err.Error())
			return
		}
	}

	events, err := h.billing.ListEvents(ctx, acct.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list usage", err.Error())
		return
	}

	totalCost, err := h.billing.TotalCost(ctx, acct.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to total cost", err.Error())
		return
	}

	if events == nil {
		events = []*billing.Event{}
	}
	resp := map[string]interface{}{
		"account_id":     acct.ID,
		"tokens_used":    acct.TokensUsed,
		"token_limit":    acct.TokenLimit,
		"remaining":      acct.Remaining(),
		"total_requests": len(events),
		"total_cost_usd": totalCost,
		"events":         events,
		"from":           from,
		"to":             to,
	}
	if status, err := h.limiter.Status(ctx, acct.ID); err != nil {
		log.Warn().Err(err).Str("account_id", acct.ID).Msg("rate limiter status unavailable")
	} else {
		resp["rate_limited"] = !status.Allowed
	}
	writeJSON(w, http.StatusOK, resp)
}

type setLimitRequest struct {
	TokenLimit *int64 `json:"token_limit"`
}

// HandleSetLimit serves PUT /v1/usage/limit.
func (h *Handler) HandleSetLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := auth.AccountFrom(ctx)
	if acct == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", auth.ErrUnauthenticated.Error())
		return
	}

	var body setLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TokenLimit == nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "token_limit is required")
		return
	}
	if *body.TokenLimit < 0 {
		writeError(w, http.StatusBadRequest, "invalid token_limit", "token_limit must be non-negative")
		return
	}

	if err := h.billing.SetTokenLimit(ctx, acct.ID, *body.TokenLimit); err != nil {
		if errors.Is(err, billing.ErrLimitBelowUsage) {
			writeError(w, http.StatusBadRequest, "invalid token_limit", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update token limit", err.Error())
		return
	}

	updated, err := h.billing.GetAccount(ctx, acct.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, map[string]string{"error": msg, "detail": detail})
}
