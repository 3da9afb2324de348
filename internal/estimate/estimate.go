// Package estimate approximates token counts for completion requests.
//
// Estimates are heuristics. Admission decisions use them up front and the
// usage recorder reconciles against the generated text afterwards.
package estimate

import (
	"math"
	"strings"

	"github.com/vnmchuo/llm-meter/internal/translate"
)

// WordFactor approximates sub-word tokenization per whitespace word.
const WordFactor = 1.3

// Estimator is a pure function from input to a non-negative token count.
type Estimator interface {
	// Estimate returns the admission estimate for a request, capped by the
	// caller's max_tokens when one is present.
	Estimate(req translate.Request) int64
	// Count returns the token count of a single text.
	Count(text string) int64
}

type WordEstimator struct{}

func (WordEstimator) Count(text string) int64 {
	return roundHalfUp(float64(len(strings.Fields(text))) * WordFactor)
}

func (w WordEstimator) Estimate(req translate.Request) int64 {
	return Clamp(w.Count(req.Text()), req.Params().MaxTokensOrZero())
}

// Clamp caps estimate at maxTokens when maxTokens is positive.
func Clamp(estimate int64, maxTokens int) int64 {
	if maxTokens > 0 && estimate > int64(maxTokens) {
		return int64(maxTokens)
	}
	return estimate
}

func roundHalfUp(x float64) int64 {
	if x <= 0 {
		return 0
	}
	return int64(math.Floor(x + 0.5))
}
