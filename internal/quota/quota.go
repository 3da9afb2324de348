// Package quota is the pre-flight admission check against an account's
// token budget.
//
// The check is advisory. It reads a balance snapshot and reserves nothing,
// so N calls admitted concurrently against the same snapshot can overshoot
// the limit by at most the sum of their committed totals. The debit itself
// is applied later as an atomic delta by the usage recorder.
package quota

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/llm-meter/internal/billing"
)

var (
	// ErrQuotaExhausted: the account has no budget left at all.
	ErrQuotaExhausted = errors.New("token limit exceeded")
	// ErrQuotaWouldExceed: this request's estimate does not fit the remaining budget.
	ErrQuotaWouldExceed = errors.New("request would exceed token limit")
)

// DenialError carries the numbers behind a denial for the caller.
type DenialError struct {
	Reason     error
	TokensUsed int64
	TokenLimit int64
	Estimate   int64
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("%s (used %d of %d, estimated %d)", e.Reason, e.TokensUsed, e.TokenLimit, e.Estimate)
}

func (e *DenialError) Unwrap() error { return e.Reason }

// Check admits or denies a call estimated at estimate tokens.
func Check(acct *billing.Account, estimate int64) error {
	if estimate < 0 {
		estimate = 0
	}
	deny := func(reason error) error {
		return &DenialError{Reason: reason, TokensUsed: acct.TokensUsed, TokenLimit: acct.TokenLimit, Estimate: estimate}
	}

	if acct.TokensUsed >= acct.TokenLimit {
		return deny(ErrQuotaExhausted)
	}
	if acct.TokensUsed+estimate > acct.TokenLimit {
		return deny(ErrQuotaWouldExceed)
	}
	return nil
}
