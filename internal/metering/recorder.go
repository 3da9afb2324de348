package metering

import (
	"context"
	"fmt"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/estimate"
	"github.com/vnmchuo/llm-meter/internal/metrics"
	"github.com/vnmchuo/llm-meter/internal/translate"
)

// Recorder turns a completed call into a billing event.
type Recorder struct {
	store     billing.Store
	estimator estimate.Estimator
	pricing   *config.Pricing
}

func NewRecorder(store billing.Store, estimator estimate.Estimator, pricing *config.Pricing) *Recorder {
	if pricing == nil {
		pricing = config.DefaultPricing()
	}
	return &Recorder{store: store, estimator: estimator, pricing: pricing}
}

// Measure computes usage with the same heuristic the admission estimate
// uses. Prompt tokens are the admission estimate itself, so a max_tokens
// clamp applied at admission also applies to what is billed.
func (rc *Recorder) Measure(req translate.Request, generated string) translate.Usage {
	prompt := rc.estimator.Estimate(req)
	completion := rc.estimator.Count(generated)
	return translate.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Commit persists the event and the balance increment as one unit. It is a
// no-op for calls that were never settled.
func (rc *Recorder) Commit(ctx context.Context, call *Call, status, responseSize int) error {
	model, usage, ok := call.Settled()
	if !ok {
		return nil
	}

	ev := &billing.Event{
		AccountID:     call.Account.ID,
		RequestID:     call.RequestID,
		Endpoint:      call.Endpoint,
		Method:        call.Method,
		RequestSize:   len(call.RequestBody),
		ResponseSize:  responseSize,
		StatusCode:    status,
		TokensUsed:    usage.TotalTokens,
		Model:         model,
		EstimatedCost: rc.pricing.Cost(model, usage.TotalTokens),
	}
	if err := rc.store.RecordEvent(ctx, ev); err != nil {
		return fmt.Errorf("record billing event: %w", err)
	}

	metrics.Tokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	metrics.Tokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	return nil
}
