package creditsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Policy   Policy         `yaml:"policy" toml:"policy"`
	Resolver ResolverConfig `yaml:"resolver" toml:"resolver"`
	Ledger   LedgerConfig   `yaml:"ledger" toml:"ledger"`
	Account  AccountConfig  `yaml:"account" toml:"account"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	Source   SourceConfig   `yaml:"source" toml:"source"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

// ResolverConfig configures transcript resolution.
type ResolverConfig struct {
	Timeout        time.Duration `yaml:"timeout" toml:"timeout"`
	KeyOrder       []KeyKind     `yaml:"key_order" toml:"key_order"`
	CircuitBreaker bool          `yaml:"circuit_breaker" toml:"circuit_breaker"`
}

// LedgerConfig configures reconciliation.
type LedgerConfig struct {
	LeaseTTL       time.Duration `yaml:"lease_ttl" toml:"lease_ttl"`
	AdvanceRetries *int          `yaml:"advance_retries" toml:"advance_retries"` // nil means DefaultAdvanceRetries
	AdvanceBackoff time.Duration `yaml:"advance_backoff" toml:"advance_backoff"`
}

// AccountConfig configures account status derivation.
type AccountConfig struct {
	LowBalanceThreshold int64 `yaml:"low_balance_threshold" toml:"low_balance_threshold"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr          string        `yaml:"addr" toml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	Metrics       bool          `yaml:"metrics" toml:"metrics"`
	AllowedOrigin string        `yaml:"allowed_origin" toml:"allowed_origin"`
}

// StoreConfig selects the account/charge/audit backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" toml:"driver"` // memory, sqlite, postgres, redis
	DSN         string `yaml:"dsn" toml:"dsn"`
	TablePrefix string `yaml:"table_prefix" toml:"table_prefix"`
}

// RedisConfig configures the Redis client used for leases (and the redis
// store driver).
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// SourceConfig configures the transcript source.
type SourceConfig struct {
	Provider  string        `yaml:"provider" toml:"provider"`
	BaseURL   string        `yaml:"base_url" toml:"base_url"`
	APIKey    string        `yaml:"api_key" toml:"api_key"`
	ProjectID string        `yaml:"project_id" toml:"project_id"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
}

// LogConfig configures the slog handler built by the CLI.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json or text
}

// Defaults.
const (
	DefaultResolveTimeout      = 5 * time.Second
	DefaultLeaseTTL            = 30 * time.Second
	DefaultAdvanceRetries      = 3
	DefaultAdvanceBackoff      = 50 * time.Millisecond
	DefaultLowBalanceThreshold = 10
	DefaultServerAddr          = ":8080"
)

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	c.Policy = c.Policy.withDefaults()
	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = DefaultResolveTimeout
	}
	if len(c.Resolver.KeyOrder) == 0 {
		c.Resolver.KeyOrder = []KeyKind{KeySession, KeyUser}
	}
	if c.Ledger.LeaseTTL == 0 {
		c.Ledger.LeaseTTL = DefaultLeaseTTL
	}
	if c.Ledger.AdvanceRetries == nil {
		n := DefaultAdvanceRetries
		c.Ledger.AdvanceRetries = &n
	}
	if c.Ledger.AdvanceBackoff == 0 {
		c.Ledger.AdvanceBackoff = DefaultAdvanceBackoff
	}
	if c.Account.LowBalanceThreshold == 0 {
		c.Account.LowBalanceThreshold = DefaultLowBalanceThreshold
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.AllowedOrigin == "" {
		c.Server.AllowedOrigin = "*"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.TablePrefix == "" {
		c.Store.TablePrefix = "creditsync_"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "creditsync:"
	}
	if c.Source.Provider == "" {
		c.Source.Provider = "voiceflow"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return c
}

// LoadConfig reads, parses and validates a YAML or TOML config file
// (chosen by the .toml extension). Environment variables in the format
// ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadConfig is LoadConfig without validation, for callers that fill more
// fields before validating.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditsync: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("creditsync: parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("creditsync: parse config: %w", err)
		}
	}

	return cfg.WithDefaults(), nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}

	if c.Resolver.Timeout < 0 {
		return fmt.Errorf("creditsync: config: resolver.timeout must be >= 0")
	}
	seen := make(map[KeyKind]bool, len(c.Resolver.KeyOrder))
	for i, k := range c.Resolver.KeyOrder {
		if k != KeySession && k != KeyUser {
			return fmt.Errorf("creditsync: config: resolver.key_order[%d]: invalid key kind %q", i, k)
		}
		if seen[k] {
			return fmt.Errorf("creditsync: config: resolver.key_order: duplicate key kind %q", k)
		}
		seen[k] = true
	}

	if c.Ledger.LeaseTTL < 0 || (c.Ledger.AdvanceRetries != nil && *c.Ledger.AdvanceRetries < 0) || c.Ledger.AdvanceBackoff < 0 {
		return fmt.Errorf("creditsync: config: ledger values must be >= 0")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("creditsync: config: store.dsn is required for driver %q", c.Store.Driver)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("creditsync: config: redis.addr is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("creditsync: config: invalid store.driver %q", c.Store.Driver)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("creditsync: config: invalid log.format %q", c.Log.Format)
	}

	return nil
}
