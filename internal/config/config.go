package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the engine. Values come from the environment;
// in development a .env file is loaded first.
type Config struct {
	Environment         string   `env:"ALIASMAIL_ENV" envDefault:"development"`
	EncryptionKeyBase64 string   `env:"ALIASMAIL_ENCRYPTION_KEY_BASE64"`
	Port                string   `env:"PORT" envDefault:"8080"`
	Timezone            string   `env:"TZ" envDefault:"UTC"`
	CORSOrigins         []string `env:"ALIASMAIL_CORS_ORIGINS" envDefault:"*" envSeparator:","`

	// Database
	DBHost     string `env:"ALIASMAIL_DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"ALIASMAIL_DB_PORT" envDefault:"5432"`
	DBUsername string `env:"ALIASMAIL_DB_USER" envDefault:"aliasmail"`
	DBPassword string `env:"ALIASMAIL_DB_PASSWORD"`
	DBName     string `env:"ALIASMAIL_DB_NAME" envDefault:"aliasmail"`
	DBSSLMode  string `env:"ALIASMAIL_DB_SSLMODE" envDefault:"disable"`
	DBMaxConns int32  `env:"ALIASMAIL_DB_MAX_CONNS" envDefault:"10"`
	// DBConnectAttempts is how many times startup tries to reach the database.
	DBConnectAttempts int `env:"ALIASMAIL_DB_CONNECT_ATTEMPTS" envDefault:"5"`

	// Optional live usage mirror
	RedisAddr string `env:"ALIASMAIL_REDIS_ADDR"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Accounts
	AccountsFile     string        `env:"ALIASMAIL_ACCOUNTS_FILE"`
	TopK             int           `env:"ALIASMAIL_SELECT_TOP_K" envDefault:"3"`
	RecoveryCooldown time.Duration `env:"ALIASMAIL_RECOVERY_COOLDOWN" envDefault:"15m"`

	// Aliases
	AliasTTL         time.Duration `env:"ALIASMAIL_ALIAS_TTL" envDefault:"24h"`
	AliasSweep       time.Duration `env:"ALIASMAIL_ALIAS_SWEEP" envDefault:"1m"`
	DefaultStrategy  string        `env:"ALIASMAIL_DEFAULT_STRATEGY" envDefault:"dots"`
	AlternateDomains []string      `env:"ALIASMAIL_ALTERNATE_DOMAINS" envDefault:"gmail.com=googlemail.com" envSeparator:","`

	// Connection pool
	MaxConnsPerAccount int           `env:"ALIASMAIL_MAX_CONNS_PER_ACCOUNT" envDefault:"5"`
	DialTimeout        time.Duration `env:"ALIASMAIL_DIAL_TIMEOUT" envDefault:"15s"`
	CommandTimeout     time.Duration `env:"ALIASMAIL_COMMAND_TIMEOUT" envDefault:"30s"`
	DialRatePerSecond  float64       `env:"ALIASMAIL_DIAL_RATE" envDefault:"5"`
	DialBurst          int           `env:"ALIASMAIL_DIAL_BURST" envDefault:"10"`

	// Ingestion
	PullTick         time.Duration `env:"ALIASMAIL_PULL_TICK" envDefault:"5s"`
	HealthInterval   time.Duration `env:"ALIASMAIL_HEALTH_INTERVAL" envDefault:"30s"`
	RenewInterval    time.Duration `env:"ALIASMAIL_IDLE_RENEW" envDefault:"10m"`
	PushRetryAfter   time.Duration `env:"ALIASMAIL_PUSH_RETRY_AFTER" envDefault:"10m"`
	MaxPushFailures  int           `env:"ALIASMAIL_MAX_PUSH_FAILURES" envDefault:"3"`
	MaxConcurrent    int64         `env:"ALIASMAIL_MAX_CONCURRENT_FETCHES" envDefault:"10"`
	FetchNewest      uint32        `env:"ALIASMAIL_FETCH_NEWEST" envDefault:"20"`
	SearchWindow     time.Duration `env:"ALIASMAIL_SEARCH_WINDOW" envDefault:"336h"`
	MaxMessageBytes  uint32        `env:"ALIASMAIL_MAX_MESSAGE_BYTES" envDefault:"10485760"`
	MaxRetries       int           `env:"ALIASMAIL_MAX_RETRIES" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"ALIASMAIL_RETRY_BASE" envDefault:"2s"`
	RetryMaxDelay    time.Duration `env:"ALIASMAIL_RETRY_MAX" envDefault:"5m"`
	SlowTierInterval time.Duration `env:"ALIASMAIL_SLOW_TIER" envDefault:"5m"`

	// Cache and fan-out
	CacheCapacity       int `env:"ALIASMAIL_CACHE_CAPACITY" envDefault:"10000"`
	MaxSubscribersOwner int `env:"ALIASMAIL_MAX_SUBSCRIBERS_PER_OWNER" envDefault:"10"`

	// Usage batching
	UsageBatchSize     int           `env:"ALIASMAIL_USAGE_BATCH" envDefault:"100"`
	UsageFlushInterval time.Duration `env:"ALIASMAIL_USAGE_FLUSH" envDefault:"10s"`
}

// NewConfig loads the configuration from the environment and validates it.
func NewConfig() (*Config, error) {
	if getEnvOrDefault("ALIASMAIL_ENV", "development") == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("ALIASMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("ALIASMAIL_DB_PASSWORD is required")
	}

	if c.TopK < 1 {
		return fmt.Errorf("ALIASMAIL_SELECT_TOP_K must be at least 1, got %d", c.TopK)
	}

	if c.MaxConnsPerAccount < 1 {
		return fmt.Errorf("ALIASMAIL_MAX_CONNS_PER_ACCOUNT must be at least 1, got %d", c.MaxConnsPerAccount)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("ALIASMAIL_MAX_CONCURRENT_FETCHES must be at least 1, got %d", c.MaxConcurrent)
	}

	if c.CacheCapacity < 1 {
		return fmt.Errorf("ALIASMAIL_CACHE_CAPACITY must be at least 1, got %d", c.CacheCapacity)
	}

	if c.PullTick <= 0 || c.HealthInterval <= 0 || c.RenewInterval <= 0 {
		return errors.New("pull tick, health interval and idle renew interval must be positive")
	}

	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base %s, max %s", c.RetryBaseDelay, c.RetryMaxDelay)
	}

	if _, err := c.AlternateDomainMap(); err != nil {
		return err
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// AlternateDomainMap turns "a=b" pairs into a symmetric lookup, so that
// gmail.com=googlemail.com accepts either side for an account on the other.
func (c *Config) AlternateDomainMap() (map[string][]string, error) {
	result := make(map[string][]string)
	for _, pair := range c.AlternateDomains {
		if pair == "" {
			continue
		}
		left, right, ok := strings.Cut(pair, "=")
		if !ok || left == "" || right == "" {
			return nil, fmt.Errorf("invalid alternate domain pair %q, expected a=b", pair)
		}
		result[left] = append(result[left], right)
		result[right] = append(result[right], left)
	}
	return result, nil
}

// SeedAccount is one mailbox entry in the YAML accounts file.
type SeedAccount struct {
	Address    string `yaml:"address"`
	Credential string `yaml:"credential"`
	IMAPServer string `yaml:"imap_server"`
}

type seedFile struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// LoadSeedAccounts reads the accounts file registered at startup.
// An empty path yields no accounts.
func LoadSeedAccounts(path string) ([]SeedAccount, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i, account := range file.Accounts {
		if account.Address == "" || account.Credential == "" || account.IMAPServer == "" {
			return nil, fmt.Errorf("accounts file entry %d: address, credential and imap_server are required", i)
		}
	}

	return file.Accounts, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
