package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/backend"
	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/estimate"
	"github.com/vnmchuo/llm-meter/internal/metering"
	"github.com/vnmchuo/llm-meter/internal/translate"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

// Mock Billing Store
type mockBillingStore struct {
	billing.Store
	listEventsFunc    func(ctx context.Context, accountID string, from, to time.Time) ([]*billing.Event, error)
	totalCostFunc     func(ctx context.Context, accountID string, from, to time.Time) (float64, error)
	setTokenLimitFunc func(ctx context.Context, accountID string, limit int64) error
	getAccountFunc    func(ctx context.Context, id string) (*billing.Account, error)
}

func (m *mockBillingStore) ListEvents(ctx context.Context, accountID string, from, to time.Time) ([]*billing.Event, error) {
	if m.listEventsFunc != nil {
		return m.listEventsFunc(ctx, accountID, from, to)
	}
	return nil, nil
}

func (m *mockBillingStore) TotalCost(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
	if m.totalCostFunc != nil {
		return m.totalCostFunc(ctx, accountID, from, to)
	}
	return 0, nil
}

func (m *mockBillingStore) SetTokenLimit(ctx context.Context, accountID string, limit int64) error {
	if m.setTokenLimitFunc != nil {
		return m.setTokenLimitFunc(ctx, accountID, limit)
	}
	return nil
}

func (m *mockBillingStore) GetAccount(ctx context.Context, id string) (*billing.Account, error) {
	if m.getAccountFunc != nil {
		return m.getAccountFunc(ctx, id)
	}
	return &billing.Account{ID: id}, nil
}

// Mock Backend
type mockBackend struct {
	completeFunc func(ctx context.Context, body []byte) ([]byte, error)
	lastBody     []byte
	calls        int
}

func (m *mockBackend) Complete(ctx context.Context, body []byte) ([]byte, error) {
	m.calls++
	m.lastBody = body
	if m.completeFunc != nil {
		return m.completeFunc(ctx, body)
	}
	return []byte(`{"id":"cmpl-1","created":1700000000,"choices":[{"text":"mock reply here","finish_reason":"length"}]}`), nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Test Suite
func setupTest(limiterAllowed bool) (*Handler, *mockBillingStore, *mockBackend) {
	store := &mockBillingStore{}
	be := &mockBackend{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")
	recorder := metering.NewRecorder(store, estimate.WordEstimator{}, nil)

	return NewHandler(store, be, estimate.WordEstimator{}, recorder, limiter, tracer, "default-model"), store, be
}

func withAccount(req *http.Request, acct *billing.Account) *http.Request {
	return req.WithContext(auth.WithAccount(req.Context(), acct))
}

func testAccount() *billing.Account {
	return &billing.Account{ID: "acct-1", TokenLimit: 10000}
}

func chatBody(t *testing.T) []byte {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"model": "gpt-4",
		"messages": []map[string]string{
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "there"},
			{"role": "user", "content": "how are you"},
		},
	})
	return body
}

func TestHandleChatCompletions_Unauthorized(t *testing.T) {
	h, _, be := setupTest(true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t)))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if be.calls != 0 {
		t.Errorf("Expected no backend call")
	}
}

func TestHandleChatCompletions_MalformedPayload(t *testing.T) {
	h, _, be := setupTest(true)
	for _, body := range []string{`{invalid json}`, `{"model":"m"}`, `{"messages":"nope"}`, `[]`} {
		req := withAccount(httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body)), testAccount())
		w := httptest.NewRecorder()

		h.HandleChatCompletions(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["error"] != "malformed payload" {
			t.Errorf("%s: expected malformed payload error, got %v", body, resp["error"])
		}
	}
	if be.calls != 0 {
		t.Errorf("Expected no backend call, got %d", be.calls)
	}
}

func TestHandleChatCompletions_RateLimited(t *testing.T) {
	h, _, be := setupTest(false)
	req := withAccount(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t))), testAccount())
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After header")
	}
	if be.calls != 0 {
		t.Errorf("Expected no backend call")
	}
}

func TestHandleChatCompletions_LimiterErrorFailsOpen(t *testing.T) {
	h, _, _ := setupTest(false)
	h.limiter = ratelimit.NewTestLimiter(&mockLimiterStore{err: errors.New("redis down")})
	req := withAccount(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t))), testAccount())
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestHandleChatCompletions_Quota(t *testing.T) {
	tests := []struct {
		name      string
		used      int64
		wantCode  int
		wantError string
	}{
		{"fits", 9000, http.StatusOK, ""},
		{"would exceed", 9999, http.StatusTooManyRequests, "request would exceed token limit"},
		{"exhausted", 10000, http.StatusTooManyRequests, "token limit exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, be := setupTest(true)
			acct := &billing.Account{ID: "a", TokenLimit: 10000, TokensUsed: tt.used}
			req := withAccount(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t))), acct)
			w := httptest.NewRecorder()

			h.HandleChatCompletions(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantError == "" {
				return
			}
			var resp map[string]interface{}
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["error"] != tt.wantError {
				t.Errorf("Expected %q, got %v", tt.wantError, resp["error"])
			}
			if be.calls != 0 {
				t.Errorf("Expected no backend call on denial")
			}
		})
	}
}

func TestHandleChatCompletions_UpstreamError(t *testing.T) {
	h, _, be := setupTest(true)
	be.completeFunc = func(ctx context.Context, body []byte) ([]byte, error) {
		return nil, &backend.UpstreamError{Err: &backend.StatusError{StatusCode: 500, Body: "model crashed"}}
	}

	ctx := metering.WithCall(context.Background(), &metering.Call{Account: testAccount()})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t))).WithContext(ctx)
	req = withAccount(req, testAccount())
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "upstream error" || resp["kind"] != "backend_error" {
		t.Errorf("Unexpected body: %v", resp)
	}
	if !strings.Contains(resp["detail"], "model crashed") {
		t.Errorf("Expected backend detail, got %q", resp["detail"])
	}
	if _, _, settled := metering.CallFrom(req.Context()).Settled(); settled {
		t.Errorf("Failed call must not be settled")
	}
}

func TestHandleChatCompletions_MalformedReply(t *testing.T) {
	h, _, be := setupTest(true)
	be.completeFunc = func(ctx context.Context, body []byte) ([]byte, error) {
		return []byte("<html>"), nil
	}
	req := withAccount(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t))), testAccount())
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
}

func TestHandleChatCompletions_Success(t *testing.T) {
	h, _, be := setupTest(true)
	call := &metering.Call{Account: testAccount()}
	ctx := metering.WithCall(auth.WithAccount(context.Background(), testAccount()), call)
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t))).WithContext(ctx)
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var sent map[string]interface{}
	json.Unmarshal(be.lastBody, &sent)
	if sent["prompt"] != "hi there how are you" {
		t.Errorf("Expected joined prompt, got %v", sent["prompt"])
	}
	if sent["max_tokens"].(float64) != 100 || sent["temperature"].(float64) != 0.7 {
		t.Errorf("Expected defaults, got %v", sent)
	}
	if _, ok := sent["model"]; ok {
		t.Errorf("Chat model must not reach the backend, got %v", sent["model"])
	}

	var resp translate.ChatCompletion
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ID != "cmpl-1" || resp.Object != "chat.completion" || resp.Created != 1700000000 {
		t.Errorf("Unexpected envelope: %+v", resp)
	}
	if resp.Model != "gpt-4" {
		t.Errorf("Expected model gpt-4, got %v", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "mock reply here" || resp.Choices[0].FinishReason != "length" {
		t.Errorf("Unexpected choices: %+v", resp.Choices)
	}
	// 5 words in, 3 words out.
	want := translate.Usage{PromptTokens: 7, CompletionTokens: 4, TotalTokens: 11}
	if resp.Usage != want {
		t.Errorf("Expected usage %+v, got %+v", want, resp.Usage)
	}

	model, usage, ok := call.Settled()
	if !ok || model != "gpt-4" || usage != want {
		t.Errorf("Expected settled call, got %v %v %+v", ok, model, usage)
	}
}

func TestHandleCompletions_PassesNativeReplyThrough(t *testing.T) {
	h, _, be := setupTest(true)
	be.completeFunc = func(ctx context.Context, body []byte) ([]byte, error) {
		return []byte(`{"id":"x","object":"text_completion","choices":[{"text":"a b","index":0,"logprobs":null}],"system_fingerprint":"fp"}`), nil
	}
	body := `{"prompt":"one two three","stream":true,"n":2}`
	req := withAccount(httptest.NewRequest("POST", "/v1/completions", strings.NewReader(body)), testAccount())
	w := httptest.NewRecorder()

	h.HandleCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var sent map[string]interface{}
	json.Unmarshal(be.lastBody, &sent)
	if sent["stream"] != true || sent["n"].(float64) != 2 {
		t.Errorf("Expected passthrough params, got %v", sent)
	}
	if _, ok := sent["model"]; ok {
		t.Errorf("Model must not be invented when absent")
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["system_fingerprint"] != "fp" || resp["object"] != "text_completion" {
		t.Errorf("Expected native fields preserved, got %v", resp)
	}
	usage := resp["usage"].(map[string]interface{})
	if usage["prompt_tokens"].(float64) != 4 || usage["completion_tokens"].(float64) != 3 || usage["total_tokens"].(float64) != 7 {
		t.Errorf("Unexpected usage %v", usage)
	}
}

func TestHandleLegacyChat_RejectsChatShape(t *testing.T) {
	h, _, _ := setupTest(true)
	req := withAccount(httptest.NewRequest("POST", "/chat/completions", bytes.NewReader(chatBody(t))), testAccount())
	w := httptest.NewRecorder()

	h.HandleLegacyChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleModels(t *testing.T) {
	h, _, _ := setupTest(true)
	w := httptest.NewRecorder()

	h.HandleModels(w, httptest.NewRequest("GET", "/v1/models", nil))

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "default-model" {
		t.Errorf("Unexpected listing: %+v", resp)
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(true)
	w := httptest.NewRecorder()

	h.HandleUsage(w, httptest.NewRequest("GET", "/v1/usage", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _, _ := setupTest(true)
	req := withAccount(httptest.NewRequest("GET", "/v1/usage?from=yesterday", nil), testAccount())
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, b, _ := setupTest(true)
	b.listEventsFunc = func(ctx context.Context, accountID string, from, to time.Time) ([]*billing.Event, error) {
		return []*billing.Event{
			{AccountID: accountID, Model: "gpt-4", TokensUsed: 10},
			{AccountID: accountID, Model: "gpt-4", TokensUsed: 20},
		}, nil
	}
	b.totalCostFunc = func(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
		return 0.005, nil
	}

	acct := &billing.Account{ID: "acct-1", TokenLimit: 100, TokensUsed: 30}
	req := withAccount(httptest.NewRequest("GET", "/v1/usage", nil), acct)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp["total_requests"].(float64) != 2 {
		t.Errorf("Expected total_requests == 2, got %v", resp["total_requests"])
	}
	if resp["total_cost_usd"].(float64) != 0.005 {
		t.Errorf("Expected total_cost_usd == 0.005, got %v", resp["total_cost_usd"])
	}
	if resp["remaining"].(float64) != 70 {
		t.Errorf("Expected remaining == 70, got %v", resp["remaining"])
	}
	events := resp["events"].([]interface{})
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}
	if resp["rate_limited"] != false {
		t.Errorf("Expected rate_limited == false, got %v", resp["rate_limited"])
	}
}

func TestHandleUsage_ReportsRateLimitWindow(t *testing.T) {
	h, _, _ := setupTest(false)
	req := withAccount(httptest.NewRequest("GET", "/v1/usage", nil), testAccount())
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["rate_limited"] != true {
		t.Errorf("Expected rate_limited == true, got %v", resp["rate_limited"])
	}
}

func TestHandleChatCompletions_BodyTooLarge(t *testing.T) {
	h, _, be := setupTest(true)
	w := httptest.NewRecorder()
	req := withAccount(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(chatBody(t))), testAccount())
	req.Body = http.MaxBytesReader(w, req.Body, 4)

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
	if be.calls != 0 {
		t.Errorf("Backend must not be called")
	}
}

func TestHandleSetLimit(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		storeErr error
		wantCode int
	}{
		{"ok", `{"token_limit":5000}`, nil, http.StatusOK},
		{"below usage", `{"token_limit":1}`, billing.ErrLimitBelowUsage, http.StatusBadRequest},
		{"negative", `{"token_limit":-1}`, nil, http.StatusBadRequest},
		{"missing", `{}`, nil, http.StatusBadRequest},
		{"store failure", `{"token_limit":5000}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b, _ := setupTest(true)
			var got int64
			b.setTokenLimitFunc = func(ctx context.Context, accountID string, limit int64) error {
				got = limit
				return tt.storeErr
			}
			req := withAccount(httptest.NewRequest("PUT", "/v1/usage/limit", strings.NewReader(tt.body)), testAccount())
			w := httptest.NewRecorder()

			h.HandleSetLimit(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantCode == http.StatusOK && got != 5000 {
				t.Errorf("Expected limit 5000 passed to store, got %d", got)
			}
		})
	}
}
