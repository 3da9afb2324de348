package translate

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrMalformedReply = errors.New("malformed backend reply")

// Response is the normalized backend reply.
type Response struct {
	GeneratedText string
	FinishReason  string
	BackendID     string
	CreatedAt     int64 // unix seconds, 0 when the backend omitted it
}

// Usage counters are filled by the usage recorder, not by this package.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ParseReply reads the backend's native completion reply:
// {id?, created?, choices:[{text, finish_reason}]}.
func ParseReply(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformedReply
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, ErrMalformedReply
	}

	first := root.Get("choices.0")
	finish := first.Get("finish_reason").String()
	if finish == "" {
		finish = "stop"
	}

	return &Response{
		GeneratedText: first.Get("text").String(),
		FinishReason:  finish,
		BackendID:     root.Get("id").String(),
		CreatedAt:     root.Get("created").Int(),
	}, nil
}

// NewChatCompletion synthesizes a public chat completion from a backend reply.
func NewChatCompletion(resp *Response, model string, usage Usage) *ChatCompletion {
	id := resp.BackendID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := resp.CreatedAt
	if created == 0 {
		created = Now()
	}

	return &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: resp.GeneratedText},
			FinishReason: resp.FinishReason,
		}},
		Usage: usage,
	}
}

// WithUsage returns the backend's native reply with usage merged in,
// leaving every other field untouched.
func WithUsage(body []byte, usage Usage) ([]byte, error) {
	return sjson.SetBytes(body, "usage", usage)
}

var lastCreated atomic.Int64

// Now returns the current unix time in seconds, never going backwards
// across calls even if the wall clock does.
func Now() int64 {
	now := time.Now().Unix()
	for {
		last := lastCreated.Load()
		if now <= last {
			return last
		}
		if lastCreated.CompareAndSwap(last, now) {
			return now
		}
	}
}
