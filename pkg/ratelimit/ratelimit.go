// Package ratelimit caps how many estimated tokens an account may push
// through the gateway per minute. It sits in front of the quota gate and
// protects the backend from bursts, not the account's budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Window is the sliding window the tokens-per-minute limit applies to.
const Window = time.Minute

// Limiter wraps github.com/vnmchuo/ratelimiter. A nil *Limiter allows
// everything, which is how the gateway runs without redis.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tpm int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tpm)),
		extratelimit.WithWindow(Window),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(accountID string) string {
	return fmt.Sprintf("ratelimit:account:%s", accountID)
}

// Allow consumes tokens from the account's window. Zero-token requests
// still count as one so an empty prompt cannot bypass the limiter.
func (l *Limiter) Allow(ctx context.Context, accountID string, tokens int64) (bool, error) {
	if l == nil {
		return true, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(accountID), int(tokens))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, accountID string) (*extratelimit.Result, error) {
	if l == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store.Status(ctx, key(accountID))
}
