package seeder

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/billing"
)

const (
	TestAPIKey      = "test-api-key-12345"
	TestAccountName = "test-account"
	TestTokenLimit  = 10000
)

// SeedTestAccount creates the local test account if its credential is not
// registered yet and returns it either way.
func SeedTestAccount(ctx context.Context, store billing.Store, limit int64) (*billing.Account, error) {
	hash := auth.HashCredential(TestAPIKey)

	existing, err := store.GetAccountByCredential(ctx, hash)
	if err == nil {
		log.Info().Str("account_id", existing.ID).Msg("seeder: test account already exists, skipping")
		return existing, nil
	}
	if !errors.Is(err, billing.ErrAccountNotFound) {
		return nil, err
	}

	acct := &billing.Account{
		Name:           TestAccountName,
		CredentialHash: hash,
		TokenLimit:     limit,
	}
	if err := store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	log.Info().
		Str("account_id", acct.ID).
		Str("key", TestAPIKey).
		Int64("token_limit", acct.TokenLimit).
		Msg("seeder: test account created")
	return acct, nil
}
