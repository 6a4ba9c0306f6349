// Package config loads mailfetch configuration from a YAML file and
// MAILFETCH_* environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/mailfetch/pkg/breaker"
	"github.com/Sternrassler/mailfetch/pkg/fetcher"
	"github.com/Sternrassler/mailfetch/pkg/imapmail"
	"github.com/Sternrassler/mailfetch/pkg/logging"
	"github.com/Sternrassler/mailfetch/pkg/retry"
	"github.com/Sternrassler/mailfetch/pkg/token"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// MAILFETCH_REDIS_ADDR for redis.addr.
const EnvPrefix = "MAILFETCH"

// Backend names.
const (
	BackendGmail = "gmail"
	BackendIMAP  = "imap"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig holds the Redis connection used for breaker state and the
// detail cache. An empty Addr keeps breaker state in memory and disables
// the cache.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	BreakerTTL time.Duration `mapstructure:"breaker_ttl"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// BreakerConfig holds circuit breaker thresholds and cooldowns.
type BreakerConfig struct {
	Threshold           int           `mapstructure:"threshold"`
	TransientThreshold  int           `mapstructure:"transient_threshold"`
	HeavyRecoveryStreak int           `mapstructure:"heavy_recovery_streak"`
	CooldownBase        time.Duration `mapstructure:"cooldown_base"`
	CooldownMax         time.Duration `mapstructure:"cooldown_max"`
}

// FetcherConfig holds session limits and batch plans.
type FetcherConfig struct {
	ItemTimeout    time.Duration `mapstructure:"item_timeout"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	MaxTarget      int           `mapstructure:"max_target"`
	Plans          fetcher.Plans `mapstructure:"plans"`
}

// GmailConfig holds OAuth client settings for the Gmail backend.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// Endpoint overrides the Gmail API base URL.
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the top-level configuration.
type Config struct {
	Backend string              `mapstructure:"backend"`
	Server  ServerConfig        `mapstructure:"server"`
	Redis   RedisConfig         `mapstructure:"redis"`
	Logging logging.Config      `mapstructure:"logging"`
	Breaker BreakerConfig       `mapstructure:"breaker"`
	Fetcher FetcherConfig       `mapstructure:"fetcher"`
	Gmail   GmailConfig         `mapstructure:"gmail"`
	IMAP    imapmail.Config     `mapstructure:"imap"`
	Keyring token.KeyringConfig `mapstructure:"keyring"`
}

// Default returns the built-in configuration.
func Default() *Config {
	bc := breaker.DefaultConfig()
	fc := fetcher.DefaultConfig()
	return &Config{
		Backend: BackendGmail,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			BreakerTTL: 24 * time.Hour,
			CacheTTL:   24 * time.Hour,
		},
		Logging: logging.Config{Level: logging.LevelInfo, Service: logging.DefaultService},
		Breaker: BreakerConfig{
			Threshold:           bc.Threshold,
			TransientThreshold:  bc.TransientThreshold,
			HeavyRecoveryStreak: bc.HeavyRecoveryStreak,
			CooldownBase:        bc.Backoff.Base,
			CooldownMax:         bc.Backoff.Max,
		},
		Fetcher: FetcherConfig{
			ItemTimeout:    fc.ItemTimeout,
			SessionTimeout: fc.SessionTimeout,
			MaxTarget:      fc.MaxTarget,
			Plans:          fc.Plans,
		},
		IMAP: imapmail.Config{
			Mailbox:     "INBOX",
			TLS:         true,
			DialTimeout: 10 * time.Second,
		},
	}
}

// setDefaults registers every key so environment overrides apply even
// when the file omits them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backend", d.Backend)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.breaker_ttl", d.Redis.BreakerTTL)
	v.SetDefault("redis.cache_ttl", d.Redis.CacheTTL)

	v.SetDefault("logging.level", string(d.Logging.Level))
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.service", d.Logging.Service)

	v.SetDefault("breaker.threshold", d.Breaker.Threshold)
	v.SetDefault("breaker.transient_threshold", d.Breaker.TransientThreshold)
	v.SetDefault("breaker.heavy_recovery_streak", d.Breaker.HeavyRecoveryStreak)
	v.SetDefault("breaker.cooldown_base", d.Breaker.CooldownBase)
	v.SetDefault("breaker.cooldown_max", d.Breaker.CooldownMax)

	v.SetDefault("fetcher.item_timeout", d.Fetcher.ItemTimeout)
	v.SetDefault("fetcher.session_timeout", d.Fetcher.SessionTimeout)
	v.SetDefault("fetcher.max_target", d.Fetcher.MaxTarget)
	for name, plan := range map[string]fetcher.BatchPlan{"normal": d.Fetcher.Plans.Normal, "heavy": d.Fetcher.Plans.Heavy} {
		prefix := "fetcher.plans." + name + "."
		v.SetDefault(prefix+"page_size", plan.PageSize)
		v.SetDefault(prefix+"detail_concurrency", plan.DetailConcurrency)
		v.SetDefault(prefix+"inter_batch_delay", plan.InterBatchDelay)
		v.SetDefault(prefix+"page_delay", plan.PageDelay)
	}

	v.SetDefault("gmail.client_id", d.Gmail.ClientID)
	v.SetDefault("gmail.client_secret", d.Gmail.ClientSecret)
	v.SetDefault("gmail.endpoint", d.Gmail.Endpoint)

	v.SetDefault("imap.addr", d.IMAP.Addr)
	v.SetDefault("imap.password", d.IMAP.Password)
	v.SetDefault("imap.mailbox", d.IMAP.Mailbox)
	v.SetDefault("imap.tls", d.IMAP.TLS)
	v.SetDefault("imap.dial_timeout", d.IMAP.DialTimeout)

	v.SetDefault("keyring.backends", d.Keyring.Backends)
	v.SetDefault("keyring.file_dir", d.Keyring.FileDir)
	v.SetDefault("keyring.file_password", d.Keyring.FilePassword)
}

// Load reads configuration from path (optional; a missing file yields
// the defaults) and applies MAILFETCH_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	// Heavy is not configurable; Unmarshal leaves the defaults in place.
	cfg.Fetcher.Plans.Heavy.Heavy = true

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGmail:
	case BackendIMAP:
		if c.IMAP.Addr == "" {
			return fmt.Errorf("imap.addr is required for the imap backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendGmail, BackendIMAP)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.BreakerConfig().Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if err := c.FetcherConfig().Validate(); err != nil {
		return fmt.Errorf("fetcher: %w", err)
	}
	return nil
}

// BreakerConfig converts to the breaker package configuration.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		Threshold:           c.Breaker.Threshold,
		TransientThreshold:  c.Breaker.TransientThreshold,
		HeavyRecoveryStreak: c.Breaker.HeavyRecoveryStreak,
		Backoff: retry.Backoff{
			Base:       c.Breaker.CooldownBase,
			Max:        c.Breaker.CooldownMax,
			Multiplier: 2.0,
		},
	}
}

// FetcherConfig converts to the engine configuration.
func (c *Config) FetcherConfig() fetcher.Config {
	fc := fetcher.DefaultConfig()
	fc.ItemTimeout = c.Fetcher.ItemTimeout
	fc.SessionTimeout = c.Fetcher.SessionTimeout
	fc.MaxTarget = c.Fetcher.MaxTarget
	fc.Plans = c.Fetcher.Plans
	return fc
}
