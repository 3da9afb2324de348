package metering

import (
	"context"
	"sync"

	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/translate"
)

type callKey struct{}

// Call carries the metering state of one billable exchange from the
// interceptor to the handler and back. The handler settles it once the
// backend has answered; an unsettled call is never billed.
type Call struct {
	Account     *billing.Account
	RequestID   string
	Endpoint    string
	Method      string
	RequestBody []byte

	mu      sync.Mutex
	settled bool
	model   string
	usage   translate.Usage
}

// Settle marks the call billable with the measured usage. Later calls
// overwrite earlier ones.
func (c *Call) Settle(model string, usage translate.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled = true
	c.model = model
	c.usage = usage
}

func (c *Call) Settled() (model string, usage translate.Usage, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model, c.usage, c.settled
}

func WithCall(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the call attached by the interceptor, or nil when the
// request is not billable or its caller did not resolve.
func CallFrom(ctx context.Context) *Call {
	c, _ := ctx.Value(callKey{}).(*Call)
	return c
}
