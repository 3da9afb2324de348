package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the single-node accounting store used for local runs.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	credential_hash TEXT NOT NULL UNIQUE,
	token_limit     INTEGER NOT NULL DEFAULT 10000 CHECK (token_limit >= 0),
	tokens_used     INTEGER NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
	created_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS billing_events (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(id),
	request_id     TEXT NOT NULL DEFAULT '',
	endpoint       TEXT NOT NULL,
	method         TEXT NOT NULL DEFAULT 'POST',
	request_size   INTEGER NOT NULL DEFAULT 0,
	response_size  INTEGER NOT NULL DEFAULT 0,
	status_code    INTEGER NOT NULL DEFAULT 200,
	tokens_used    INTEGER NOT NULL DEFAULT 0,
	model          TEXT NOT NULL DEFAULT '',
	estimated_cost REAL NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_events_account_time ON billing_events(account_id, created_at);
`

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway and a single
	// connection avoids SQLITE_BUSY under concurrent recorders.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return NewSQLiteStore(db), nil
}

// NewSQLiteStore wraps an already-migrated database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanSQLiteAccount(row)
}

func (s *SQLiteStore) GetAccountByCredential(ctx context.Context, credentialHash string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE credential_hash = ?`, credentialHash)
	return scanSQLiteAccount(row)
}

func scanSQLiteAccount(row *sql.Row) (*Account, error) {
	var a Account
	var created int64
	err := row.Scan(&a.ID, &a.Name, &a.CredentialHash, &a.TokenLimit, &a.TokensUsed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return &a, nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.CredentialHash == "" {
		return fmt.Errorf("credential_hash is required")
	}

	a.ID = uuid.NewString()
	a.TokensUsed = 0
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, credential_hash, token_limit, tokens_used, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		a.ID, a.Name, a.CredentialHash, a.TokenLimit, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *Event) (err error) {
	if ev.TokensUsed < 0 {
		return ErrNegativeTokens
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET tokens_used = tokens_used + ? WHERE id = ?`,
		ev.TokensUsed, ev.AccountID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	id := uuid.NewString()
	created := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO billing_events (id, account_id, request_id, endpoint, method, request_size,
			response_size, status_code, tokens_used, model, estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.AccountID, ev.RequestID, ev.Endpoint, ev.Method, ev.RequestSize,
		ev.ResponseSize, ev.StatusCode, ev.TokensUsed, ev.Model, ev.EstimatedCost, created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert billing event: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit billing event: %w", err)
	}
	ev.ID = id
	ev.CreatedAt = created
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, accountID string, from, to time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, request_id, endpoint, method, request_size, response_size,
			status_code, tokens_used, model, estimated_cost, created_at
		FROM billing_events
		WHERE account_id = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at DESC`,
		accountID, from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var created int64
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.RequestID, &e.Endpoint, &e.Method, &e.RequestSize, &e.ResponseSize,
			&e.StatusCode, &e.TokensUsed, &e.Model, &e.EstimatedCost, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing event: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating billing events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) TotalCost(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_cost), 0) FROM billing_events WHERE account_id = ? AND created_at BETWEEN ? AND ?`,
		accountID, from.UnixNano(), to.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) SetTokenLimit(ctx context.Context, accountID string, limit int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET token_limit = ? WHERE id = ? AND tokens_used <= ?`,
		limit, accountID, limit,
	)
	if err != nil {
		return fmt.Errorf("failed to set token limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return err
		}
		return ErrLimitBelowUsage
	}
	return nil
}

func (s *SQLiteStore) ResetUsage(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET tokens_used = 0 WHERE id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
