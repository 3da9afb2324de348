package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-meter/config"
)

func TestOpenStore_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{StoreDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "cli.db")}

	sh, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer sh.close()

	require.NoError(t, sh.migrate(ctx))
	assert.NoError(t, sh.pinger.Ping(ctx))
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), &config.Config{StoreDriver: "mongo"})
	assert.Error(t, err)
}

func TestSetupLogging_FallsBackToInfo(t *testing.T) {
	setupLogging(&config.Config{LogLevel: "loud", LogFormat: "json"})
}
