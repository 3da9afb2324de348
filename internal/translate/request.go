// Package translate maps between the gateway's public completion schema and
// the backend's native completions schema.
//
// Public requests come in two shapes, modelled as a closed sum type:
// *ChatRequest (ordered role/content turns) and *PromptRequest (a single
// legacy prompt). Both flatten to the backend's single prompt field.
package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Backend generation defaults applied when the caller omits a parameter.
const (
	DefaultMaxTokens   = 100
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0
	DefaultStream      = false
)

// Shape selects which public request variant an endpoint accepts.
type Shape int

const (
	ShapeChat Shape = iota
	ShapePrompt
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the generation parameters shared by both request shapes.
// Nil pointers mean the caller did not set the value.
type Params struct {
	Model       string
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stream      *bool
	// Extra holds caller keys the gateway does not interpret. They are
	// forwarded to the backend verbatim.
	Extra map[string]json.RawMessage
}

// Request is a normalized public completion request.
type Request interface {
	// Text is the flat input text sent as the backend prompt.
	Text() string
	Params() *Params
	sealed()
}

type ChatRequest struct {
	Messages []Message
	params   Params
}

// Text joins the turn contents with a single space, in order.
func (r *ChatRequest) Text() string {
	parts := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, " ")
}

func (r *ChatRequest) Params() *Params { return &r.params }
func (r *ChatRequest) sealed()         {}

type PromptRequest struct {
	Prompt string
	params Params
}

func (r *PromptRequest) Text() string    { return r.Prompt }
func (r *PromptRequest) Params() *Params { return &r.params }
func (r *PromptRequest) sealed()         {}

// MaxTokensOrZero returns the caller's max_tokens, or 0 when absent.
func (p *Params) MaxTokensOrZero() int {
	if p.MaxTokens == nil {
		return 0
	}
	return *p.MaxTokens
}

// Parse decodes body as the given shape. Any decoding problem is reported
// as ErrMalformedPayload.
func Parse(body []byte, shape Shape) (Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrMalformedPayload)
	}

	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	// Input content never rides along as a passthrough key.
	delete(params.Extra, "messages")
	delete(params.Extra, "prompt")

	switch shape {
	case ShapeChat:
		msgs, ok := raw["messages"]
		if !ok {
			return nil, fmt.Errorf("%w: messages is required", ErrMalformedPayload)
		}
		var messages []Message
		if err := json.Unmarshal(msgs, &messages); err != nil {
			return nil, fmt.Errorf("%w: messages: %v", ErrMalformedPayload, err)
		}
		return &ChatRequest{Messages: messages, params: params}, nil

	case ShapePrompt:
		p, ok := raw["prompt"]
		if !ok {
			return nil, fmt.Errorf("%w: prompt is required", ErrMalformedPayload)
		}
		var prompt string
		if err := json.Unmarshal(p, &prompt); err != nil {
			return nil, fmt.Errorf("%w: prompt must be a string", ErrMalformedPayload)
		}
		return &PromptRequest{Prompt: prompt, params: params}, nil
	}

	return nil, fmt.Errorf("%w: unknown request shape", ErrMalformedPayload)
}

func parseParams(raw map[string]json.RawMessage) (Params, error) {
	p := Params{Extra: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		p.Extra[k] = v
	}

	if v, ok := take(p.Extra, "model"); ok {
		if err := json.Unmarshal(v, &p.Model); err != nil {
			return p, fmt.Errorf("%w: model must be a string", ErrMalformedPayload)
		}
	}
	if v, ok := take(p.Extra, "max_tokens"); ok {
		var n int
		if err := json.Unmarshal(v, &n); err != nil || n < 0 {
			return p, fmt.Errorf("%w: max_tokens must be a non-negative integer", ErrMalformedPayload)
		}
		p.MaxTokens = &n
	}
	if v, ok := take(p.Extra, "temperature"); ok {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return p, fmt.Errorf("%w: temperature must be a number", ErrMalformedPayload)
		}
		p.Temperature = &f
	}
	if v, ok := take(p.Extra, "top_p"); ok {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return p, fmt.Errorf("%w: top_p must be a number", ErrMalformedPayload)
		}
		p.TopP = &f
	}
	if v, ok := take(p.Extra, "stream"); ok {
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return p, fmt.Errorf("%w: stream must be a boolean", ErrMalformedPayload)
		}
		p.Stream = &b
	}

	return p, nil
}

// take removes key from m, treating an explicit JSON null as absent.
func take(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	delete(m, key)
	if string(v) == "null" {
		return nil, false
	}
	return v, true
}

// BackendRequest builds the backend's native completions body for req.
// A chat request's model only names the reply's model and is not sent; the
// backend serves whatever it has loaded. Prompt requests keep theirs.
func BackendRequest(req Request) ([]byte, error) {
	p := req.Params()

	body := make(map[string]any, len(p.Extra)+6)
	for k, v := range p.Extra {
		body[k] = v
	}
	if _, chat := req.(*ChatRequest); !chat && p.Model != "" {
		body["model"] = p.Model
	}

	body["prompt"] = req.Text()
	body["max_tokens"] = DefaultMaxTokens
	if p.MaxTokens != nil {
		body["max_tokens"] = *p.MaxTokens
	}
	body["temperature"] = DefaultTemperature
	if p.Temperature != nil {
		body["temperature"] = *p.Temperature
	}
	body["top_p"] = DefaultTopP
	if p.TopP != nil {
		body["top_p"] = *p.TopP
	}
	body["stream"] = DefaultStream
	if p.Stream != nil {
		body["stream"] = *p.Stream
	}

	return json.Marshal(body)
}
