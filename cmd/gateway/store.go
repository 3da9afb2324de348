package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/proxy"
)

type storeHandle struct {
	store   billing.Store
	pinger  proxy.Pinger
	migrate func(ctx context.Context) error
	close   func()
}

// openStore connects the accounting store selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := billing.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite store opened")
		return &storeHandle{
			store:   s,
			pinger:  s,
			migrate: func(context.Context) error { return nil }, // applied on open
			close:   func() { _ = s.Close() },
		}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		log.Info().Msg("PostgreSQL connected")
		s := billing.NewPostgresStore(pool)
		return &storeHandle{
			store:   s,
			pinger:  pool,
			migrate: s.Migrate,
			close:   pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
