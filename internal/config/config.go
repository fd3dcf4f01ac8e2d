// Package config loads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config holds every setting. Command-line flags override it after Load.
type Config struct {
	APIKey         string        `env:"GOOGLE_API_KEY"`
	OracleModel    string        `env:"QP_ORACLE_MODEL" envDefault:"gemini-2.0-flash"`
	OracleEndpoint string        `env:"QP_ORACLE_ENDPOINT"`
	OracleTimeout  time.Duration `env:"QP_ORACLE_TIMEOUT" envDefault:"30s"`
	ExplainTimeout time.Duration `env:"QP_EXPLAIN_TIMEOUT" envDefault:"20s"`

	Store         string        `env:"QP_STORE" envDefault:"mongo"`
	MongoURI      string        `env:"QP_MONGO_URI" envDefault:"mongodb://localhost:27017/"`
	MongoDatabase string        `env:"QP_MONGO_DATABASE" envDefault:"university_db"`
	MongoTimeout  time.Duration `env:"QP_MONGO_TIMEOUT" envDefault:"3s"`

	// Snapshot is the memory store's snapshot file. Empty keeps data in
	// memory only.
	Snapshot string `env:"QP_SNAPSHOT"`

	// CacheTTL of zero or less disables the generation cache.
	CacheTTL    time.Duration `env:"QP_CACHE_TTL" envDefault:"10m"`
	LenientJSON bool          `env:"QP_LENIENT_JSON" envDefault:"false"`

	// HistoryDB is the command journal path. Empty disables the journal.
	HistoryDB string `env:"QP_HISTORY_DB"`

	SchemaDir string `env:"QP_SCHEMA_DIR"`
	Listen    string `env:"QP_LISTEN" envDefault:"127.0.0.1:8080"`

	Log Log
}

// Log configures logging.
type Log struct {
	Level  string `env:"QP_LOG_LEVEL" envDefault:"info"`
	Format string `env:"QP_LOG_FORMAT" envDefault:"text"`

	// File sends logs to a rotated file instead of stderr.
	File       string `env:"QP_LOG_FILE"`
	MaxSize    int    `env:"QP_LOG_MAX_SIZE" envDefault:"50"`
	MaxBackups int    `env:"QP_LOG_MAX_BACKUPS" envDefault:"3"`
	MaxAge     int    `env:"QP_LOG_MAX_AGE" envDefault:"28"`
}

// Load reads the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom loads envfile into the environment, overriding variables already
// set, then reads the environment. A missing file is not an error.
// An empty envfile means ".env" in the working directory.
func LoadFrom(envfile string) (Config, error) {
	if envfile == "" {
		envfile = ".env"
	}
	file, err := filepath.Abs(envfile)
	if err != nil {
		return Config{}, fmt.Errorf("resolve %s: %w", envfile, err)
	}
	if _, err := os.Stat(file); err == nil {
		if err := godotenv.Overload(file); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("stat %s: %w", file, err)
	}
	return Load()
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMongo, StoreMemory:
	default:
		return fmt.Errorf("QP_STORE must be %q or %q, got %q", StoreMongo, StoreMemory, c.Store)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("QP_LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}
	if c.OracleTimeout <= 0 || c.ExplainTimeout <= 0 || c.MongoTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
