package estimate

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vnmchuo/llm-meter/internal/translate"
)

// TiktokenEstimator counts BPE tokens exactly for the configured encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding (e.g. "cl100k_base"). The encoding
// file is fetched on first use unless TIKTOKEN_CACHE_DIR already holds it.
func NewTiktoken(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) Count(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(len(e.enc.Encode(text, nil, nil)))
}

func (e *TiktokenEstimator) Estimate(req translate.Request) int64 {
	return Clamp(e.Count(req.Text()), req.Params().MaxTokensOrZero())
}

// New builds the estimator selected by name ("words" or "tiktoken").
func New(name, encoding string) (Estimator, error) {
	switch name {
	case "", "words":
		return WordEstimator{}, nil
	case "tiktoken":
		return NewTiktoken(encoding)
	}
	return nil, fmt.Errorf("unknown estimator %q", name)
}
