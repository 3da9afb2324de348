package billing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrLimitBelowUsage = errors.New("token limit cannot be less than current usage")
	ErrNegativeTokens  = errors.New("billing event tokens must be non-negative")
)

// Account is a metered caller. TokensUsed only grows through RecordEvent
// and is only lowered by ResetUsage.
type Account struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CredentialHash string    `json:"-"`
	TokenLimit     int64     `json:"token_limit"`
	TokensUsed     int64     `json:"tokens_used"`
	CreatedAt      time.Time `json:"created_at"`
}

// Remaining returns the unused budget, floored at zero.
func (a *Account) Remaining() int64 {
	if r := a.TokenLimit - a.TokensUsed; r > 0 {
		return r
	}
	return 0
}

// Event is one billable call. Immutable once stored.
type Event struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	RequestID     string    `json:"request_id"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	RequestSize   int       `json:"request_size"`
	ResponseSize  int       `json:"response_size"`
	StatusCode    int       `json:"status_code"`
	TokensUsed    int64     `json:"tokens_used"`
	Model         string    `json:"model"`
	EstimatedCost float64   `json:"estimated_cost"`
	CreatedAt     time.Time `json:"created_at"`
}

type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	// GetAccountByCredential looks an account up by the SHA-256 hex of its
	// bearer credential.
	GetAccountByCredential(ctx context.Context, credentialHash string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	// RecordEvent inserts ev and adds ev.TokensUsed to the owning account's
	// tokens_used in one transaction. Either both happen or neither does.
	RecordEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, accountID string, from, to time.Time) ([]*Event, error)
	TotalCost(ctx context.Context, accountID string, from, to time.Time) (float64, error)
	// SetTokenLimit fails with ErrLimitBelowUsage when limit < tokens_used.
	SetTokenLimit(ctx context.Context, accountID string, limit int64) error
	// ResetUsage zeroes tokens_used. Administrative only.
	ResetUsage(ctx context.Context, accountID string) error
}
