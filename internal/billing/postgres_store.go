package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	name            TEXT NOT NULL UNIQUE,
	credential_hash TEXT NOT NULL UNIQUE,
	token_limit     BIGINT NOT NULL DEFAULT 10000 CHECK (token_limit >= 0),
	tokens_used     BIGINT NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS billing_events (
	id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id     UUID NOT NULL REFERENCES accounts(id),
	request_id     TEXT NOT NULL DEFAULT '',
	endpoint       TEXT NOT NULL,
	method         TEXT NOT NULL DEFAULT 'POST',
	request_size   INTEGER NOT NULL DEFAULT 0,
	response_size  INTEGER NOT NULL DEFAULT 0,
	status_code    INTEGER NOT NULL DEFAULT 200,
	tokens_used    BIGINT NOT NULL DEFAULT 0,
	model          TEXT NOT NULL DEFAULT '',
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_billing_events_account_time ON billing_events(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_billing_events_endpoint ON billing_events(endpoint);
`

// Migrate creates the accounting tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate billing schema: %w", err)
	}
	return nil
}

const accountColumns = `id, name, credential_hash, token_limit, tokens_used, created_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return s.scanAccount(s.db.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetAccountByCredential(ctx context.Context, credentialHash string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE credential_hash = $1`
	return s.scanAccount(s.db.QueryRow(ctx, query, credentialHash))
}

func (s *PostgresStore) scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.CredentialHash, &a.TokenLimit, &a.TokensUsed, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.CredentialHash == "" {
		return fmt.Errorf("credential_hash is required")
	}

	query := `
		INSERT INTO accounts (name, credential_hash, token_limit)
		VALUES ($1, $2, $3)
		RETURNING id, tokens_used, created_at
	`
	err := s.db.QueryRow(ctx, query, a.Name, a.CredentialHash, a.TokenLimit).
		Scan(&a.ID, &a.TokensUsed, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev *Event) error {
	if ev.TokensUsed < 0 {
		return ErrNegativeTokens
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// Delta update: concurrent writers serialize on the row lock and
		// never overwrite each other's increment.
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET tokens_used = tokens_used + $1 WHERE id = $2`,
			ev.TokensUsed, ev.AccountID,
		)
		if err != nil {
			return fmt.Errorf("failed to increment usage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAccountNotFound
		}

		query := `
			INSERT INTO billing_events (account_id, request_id, endpoint, method, request_size,
				response_size, status_code, tokens_used, model, estimated_cost)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at
		`
		err = tx.QueryRow(ctx, query,
			ev.AccountID, ev.RequestID, ev.Endpoint, ev.Method, ev.RequestSize,
			ev.ResponseSize, ev.StatusCode, ev.TokensUsed, ev.Model, ev.EstimatedCost,
		).Scan(&ev.ID, &ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert billing event: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListEvents(ctx context.Context, accountID string, from, to time.Time) ([]*Event, error) {
	query := `
		SELECT id, account_id, request_id, endpoint, method, request_size, response_size,
			status_code, tokens_used, model, estimated_cost, created_at
		FROM billing_events
		WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.RequestID, &e.Endpoint, &e.Method, &e.RequestSize, &e.ResponseSize,
			&e.StatusCode, &e.TokensUsed, &e.Model, &e.EstimatedCost, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing event: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating billing events: %w", err)
	}

	return events, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(estimated_cost), 0)
		FROM billing_events
		WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, accountID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) SetTokenLimit(ctx context.Context, accountID string, limit int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET token_limit = $1 WHERE id = $2 AND tokens_used <= $1`,
		limit, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to set token limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return ErrLimitBelowUsage
	}
	return nil
}

func (s *PostgresStore) ResetUsage(ctx context.Context, accountID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET tokens_used = 0 WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
