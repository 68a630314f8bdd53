package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
	"gopkg.in/yaml.v2"

	"tokendragon/token"
)

const (
	BackendPebble   = "pebble"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	ListenAddr string `yaml:"ListenAddr"`
	// Backend is one of pebble, sqlite, postgres, redis
	Backend   string         `yaml:"Backend"`
	DBPath    string         `yaml:"DBPath"`
	DBOptions pebble.Options `yaml:"DBOptions"`
	// DSN and Table are used by the sql backends
	DSN           string `yaml:"DSN"`
	Table         string `yaml:"Table"`
	RedisAddr     string `yaml:"RedisAddr"`
	RedisPassword string `yaml:"RedisPassword"`
	RedisDB       int    `yaml:"RedisDB"`
	RedisPrefix   string `yaml:"RedisPrefix"`
	// Owner names this node when requests don't, defaults to pid@hostname
	Owner        string `yaml:"Owner"`
	ClaimTimeout string `yaml:"ClaimTimeout"`
	Debug        bool   `yaml:"Debug"`

	claimTimeout time.Duration
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	yd, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(yd, &cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate fills in defaults and checks the backend settings.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Backend == "" {
		c.Backend = BackendPebble
	}
	c.claimTimeout = token.DefaultClaimTimeout
	if c.ClaimTimeout != "" {
		d, err := time.ParseDuration(c.ClaimTimeout)
		if err != nil {
			return fmt.Errorf("config: ClaimTimeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config: ClaimTimeout must be positive, got %s", d)
		}
		c.claimTimeout = d
	}
	switch c.Backend {
	case BackendPebble:
		if c.DBPath == "" {
			return fmt.Errorf("config: DBPath is required for the %s backend", c.Backend)
		}
	case BackendSQLite, BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("config: DSN is required for the %s backend", c.Backend)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			c.RedisAddr = "localhost:6379"
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	return nil
}
