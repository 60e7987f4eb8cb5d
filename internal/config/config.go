package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/kpregistry/internal/eigentrust"
	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/retention"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	ListenAddr  string            `yaml:"listen_addr"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Log         logging.Config    `yaml:"log"`
	Issuer      IssuerConfig      `yaml:"issuer"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Quarantine  QuarantineConfig  `yaml:"quarantine"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Retention   RetentionConfig   `yaml:"retention"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// RedisConfig moves rate-limit and idempotency state to redis when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type IssuerConfig struct {
	ID             string `yaml:"id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type RateLimitConfig struct {
	Tiers       ratelimit.Table `yaml:"tiers"`
	RevokeAfter int             `yaml:"revoke_after"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type QuarantineConfig struct {
	Threshold int `yaml:"threshold"`
}

type ReputationConfig struct {
	MinScoreForWrite float64           `yaml:"min_score_for_write"`
	EigenTrust       eigentrust.Config `yaml:"eigentrust"`
}

type RetentionConfig struct {
	retention.Policy `yaml:",inline"`
	Interval         time.Duration `yaml:"interval"`
}

func Default() Config {
	return Config{
		ListenAddr: ":3000",
		Store:      StoreConfig{Backend: BackendMemory},
		Redis:      RedisConfig{Prefix: "kp:"},
		Issuer:     IssuerConfig{ID: "did:kp:registry"},
		RateLimit: RateLimitConfig{
			Tiers:       ratelimit.DefaultTable(),
			RevokeAfter: 3,
		},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		Quarantine:  QuarantineConfig{Threshold: 3},
		Reputation: ReputationConfig{
			MinScoreForWrite: 0.1,
			EigenTrust:       eigentrust.DefaultConfig(),
		},
		Retention: RetentionConfig{Policy: retention.DefaultPolicy(), Interval: time.Hour},
	}
}

// Load reads the YAML file at path over Default(), expanding ${VAR}
// references first.
func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides file values with KP_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("KP_LISTEN_ADDR", &c.ListenAddr)
	if port := getenv("KP_PORT"); port != "" && getenv("KP_LISTEN_ADDR") == "" {
		c.ListenAddr = ":" + port
	}
	setString("KP_STORE_BACKEND", &c.Store.Backend)
	setString("KP_DATABASE_URL", &c.Store.DSN)
	setString("KP_REDIS_URL", &c.Redis.URL)
	setString("KP_REDIS_PREFIX", &c.Redis.Prefix)
	setString("KP_ISSUER_KEY_PATH", &c.Issuer.PrivateKeyPath)

	ints := []struct {
		key string
		dst *int
	}{
		{"KP_QUARANTINE_THRESHOLD", &c.Quarantine.Threshold},
		{"KP_RETENTION_ORG_DAYS", &c.Retention.OrgDays},
		{"KP_RETENTION_PRIVATE_DAYS", &c.Retention.PrivateDays},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v := getenv("KP_RETENTION_NETWORK_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KP_RETENTION_NETWORK_DAYS: %w", err)
		}
		if n < 0 {
			c.Retention.NetworkDays = nil
		} else {
			c.Retention.NetworkDays = &n
		}
	}
	if v := getenv("KP_MIN_REP_FOR_WRITE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KP_MIN_REP_FOR_WRITE: %w", err)
		}
		c.Reputation.MinScoreForWrite = f
	}
	return nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.backend=%s", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("redis.url must be a redis:// or rediss:// url")
	}
	if c.Issuer.ID == "" {
		return fmt.Errorf("issuer.id is required")
	}

	if len(c.RateLimit.Tiers) == 0 {
		return fmt.Errorf("rate_limit.tiers is required")
	}
	if _, ok := c.RateLimit.Tiers[ratelimit.TierAnonymous]; !ok {
		return fmt.Errorf("rate_limit.tiers must define %s", ratelimit.TierAnonymous)
	}
	for tier, l := range c.RateLimit.Tiers {
		if l.ReadPerMin < 0 || l.WritePerMin < 0 {
			return fmt.Errorf("rate_limit.tiers.%s: limits must not be negative", tier)
		}
	}
	if c.RateLimit.RevokeAfter <= 0 {
		return fmt.Errorf("rate_limit.revoke_after must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Quarantine.Threshold <= 0 {
		return fmt.Errorf("quarantine.threshold must be positive")
	}
	if c.Reputation.MinScoreForWrite < 0 {
		return fmt.Errorf("reputation.min_score_for_write must not be negative")
	}
	if a := c.Reputation.EigenTrust.Alpha; a <= 0 || a >= 1 {
		return fmt.Errorf("reputation.eigentrust.alpha must be in (0,1)")
	}
	if c.Reputation.EigenTrust.Epsilon <= 0 || c.Reputation.EigenTrust.MaxIterations <= 0 {
		return fmt.Errorf("reputation.eigentrust epsilon and max_iterations must be positive")
	}
	if c.Retention.OrgDays <= 0 || c.Retention.PrivateDays <= 0 {
		return fmt.Errorf("retention org_days and private_days must be positive")
	}
	if c.Retention.NetworkDays != nil && *c.Retention.NetworkDays <= 0 {
		return fmt.Errorf("retention.network_days must be positive when set")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	return nil
}
