package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokendragon/token"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
ListenAddr: ":9090"
Backend: sqlite
DSN: "file:tokens.db?_busy_timeout=5000"
Table: tokens
Owner: node-1
ClaimTimeout: 15s
`))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "tokens", cfg.Table)
	assert.Equal(t, "node-1", cfg.Owner)
	assert.Equal(t, 15*time.Second, cfg.claimTimeout)
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `DBPath: tokens.db`))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, BackendPebble, cfg.Backend)
	assert.Equal(t, token.DefaultClaimTimeout, cfg.claimTimeout)

	cfg = Config{Backend: BackendRedis}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestConfigErrors(t *testing.T) {
	for name, cfg := range map[string]Config{
		"unknown backend":  {Backend: "oracle"},
		"pebble path":      {Backend: BackendPebble},
		"postgres dsn":     {Backend: BackendPostgres},
		"bad timeout":      {DBPath: "x", ClaimTimeout: "soon"},
		"negative timeout": {DBPath: "x", ClaimTimeout: "-1s"},
	} {
		t.Run(name, func(t *testing.T) {
			require.Error(t, cfg.Validate())
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	_, err = LoadConfig(writeConfig(t, "ListenAddr: [1"))
	require.Error(t, err)
}
