package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"GOOGLE_API_KEY", "QP_ORACLE_MODEL", "QP_ORACLE_ENDPOINT", "QP_ORACLE_TIMEOUT",
	"QP_EXPLAIN_TIMEOUT", "QP_STORE", "QP_MONGO_URI", "QP_MONGO_DATABASE",
	"QP_MONGO_TIMEOUT", "QP_SNAPSHOT", "QP_CACHE_TTL", "QP_LENIENT_JSON",
	"QP_HISTORY_DB", "QP_SCHEMA_DIR", "QP_LISTEN", "QP_LOG_LEVEL",
	"QP_LOG_FORMAT", "QP_LOG_FILE", "QP_LOG_MAX_SIZE", "QP_LOG_MAX_BACKUPS",
	"QP_LOG_MAX_AGE",
}

// clearEnv unsets every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", cfg.OracleModel)
	assert.Equal(t, 30*time.Second, cfg.OracleTimeout)
	assert.Equal(t, 20*time.Second, cfg.ExplainTimeout)
	assert.Equal(t, StoreMongo, cfg.Store)
	assert.Equal(t, "mongodb://localhost:27017/", cfg.MongoURI)
	assert.Equal(t, "university_db", cfg.MongoDatabase)
	assert.Equal(t, 3*time.Second, cfg.MongoTimeout)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.False(t, cfg.LenientJSON)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 50, cfg.Log.MaxSize)
	assert.Empty(t, cfg.APIKey)
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOOGLE_API_KEY", "k-123")
	t.Setenv("QP_STORE", "memory")
	t.Setenv("QP_CACHE_TTL", "0s")
	t.Setenv("QP_LENIENT_JSON", "true")
	t.Setenv("QP_LOG_LEVEL", "debug")
	t.Setenv("QP_LOG_MAX_AGE", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "k-123", cfg.APIKey)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Zero(t, cfg.CacheTTL)
	assert.True(t, cfg.LenientJSON)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Log.MaxAge)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"QP_STORE", "redis", "QP_STORE"},
		{"QP_LOG_LEVEL", "loud", "QP_LOG_LEVEL"},
		{"QP_LOG_FORMAT", "xml", "QP_LOG_FORMAT"},
		{"QP_ORACLE_TIMEOUT", "-1s", "timeouts must be positive"},
		{"QP_MONGO_TIMEOUT", "soon", "read config"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFrom_EnvFileOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("QP_MONGO_DATABASE", "from_environment")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("QP_MONGO_DATABASE=from_file\nQP_STORE=memory\n"), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "from_file", cfg.MongoDatabase)
	assert.Equal(t, StoreMemory, cfg.Store)
}

func TestLoadFrom_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, StoreMongo, cfg.Store)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := Log{Level: "warn", Format: "text"}.Logger(&buf, false)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "level=WARN msg=shown k=v")
}

func TestLogger_VerboseAndJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := Log{Level: "error", Format: "json"}.Logger(&buf, true)
	require.NoError(t, err)

	logger.Debug("details")
	assert.Contains(t, buf.String(), `"msg":"details"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "querypilot.log")
	logger, closer, err := Log{Level: "info", Format: "text", File: path, MaxSize: 1}.Logger(nil, false)
	require.NoError(t, err)

	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=\"to file\"")
}
