// Package config loads cache settings from a file and OBJCACHE_* environment
// variables and turns them into objcache.Options.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/unkn0wn-root/objcache"
	"github.com/unkn0wn-root/objcache/backend"
	"github.com/unkn0wn-root/objcache/codec"
)

const EnvPrefix = "OBJCACHE"

// Config mirrors objcache.Options minus the code-only fields (codec,
// drivers, logger, hooks, memory probe).
type Config struct {
	Backend        Backend             `mapstructure:"backend"`
	Client         string              `mapstructure:"client"`
	Reconnect      Reconnect           `mapstructure:"reconnect"`
	Prefix         string              `mapstructure:"prefix"`
	SelectiveFlush bool                `mapstructure:"selective_flush"`
	MaxTTL         time.Duration       `mapstructure:"max_ttl"`
	Serializer     string              `mapstructure:"serializer"`
	Compression    Compression         `mapstructure:"compression"`
	FailGracefully bool                `mapstructure:"fail_gracefully"`
	Local          Local               `mapstructure:"local"`
	Groups         Groups              `mapstructure:"groups"`
	Preload        map[string][]string `mapstructure:"preload"`
	Routing        Routing             `mapstructure:"routing"`
}

type Backend struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Path           string        `mapstructure:"path"`
	DB             int           `mapstructure:"db"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	NonPersistent  bool          `mapstructure:"non_persistent"`
	PersistentID   string        `mapstructure:"persistent_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
}

type Reconnect struct {
	Retries int           `mapstructure:"retries"`
	Delay   time.Duration `mapstructure:"delay"`
}

type Compression struct {
	Enabled   bool   `mapstructure:"enabled"`
	Algorithm string `mapstructure:"algorithm"`
	MinLength int    `mapstructure:"min_length"`
	Level     int    `mapstructure:"level"`
}

type Local struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	MemoryLimit     int64         `mapstructure:"memory_limit"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

type Groups struct {
	Global      []string `mapstructure:"global"`
	Ignored     []string `mapstructure:"ignored"`
	Unflushable []string `mapstructure:"unflushable"`
}

type Routing struct {
	GlobalDB          int           `mapstructure:"global_db"`
	TenantDB          int           `mapstructure:"tenant_db"`
	TenantID          int           `mapstructure:"tenant_id"`
	DatabasePerTenant bool          `mapstructure:"database_per_tenant"`
	FailureCooldown   time.Duration `mapstructure:"failure_cooldown"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
}

// Load reads path (YAML, JSON or TOML by extension) when non-empty, then
// applies environment overrides such as OBJCACHE_BACKEND_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", objcache.ErrConfiguration, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", objcache.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// every key needs a default so AutomaticEnv can override it on Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.host", backend.DefaultHost)
	v.SetDefault("backend.port", backend.DefaultPort)
	v.SetDefault("backend.path", "")
	v.SetDefault("backend.db", 0)
	v.SetDefault("backend.connect_timeout", backend.DefaultTimeout)
	v.SetDefault("backend.read_timeout", backend.DefaultTimeout)
	v.SetDefault("backend.retry_interval", time.Duration(0))
	v.SetDefault("backend.non_persistent", false)
	v.SetDefault("backend.persistent_id", "")
	v.SetDefault("backend.username", "")
	v.SetDefault("backend.password", "")

	v.SetDefault("client", "")
	v.SetDefault("reconnect.retries", backend.DefaultReconnectRetries)
	v.SetDefault("reconnect.delay", backend.DefaultReconnectDelay)

	v.SetDefault("prefix", "")
	v.SetDefault("selective_flush", false)
	v.SetDefault("max_ttl", time.Duration(0))
	v.SetDefault("serializer", codec.NameJSON)
	v.SetDefault("fail_gracefully", false)

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.algorithm", codec.AlgoGzip)
	v.SetDefault("compression.min_length", codec.DefaultMinCompressLength)
	v.SetDefault("compression.level", codec.DefaultCompressionLevel)

	v.SetDefault("local.max_entries", 1000)
	v.SetDefault("local.memory_limit", int64(0))
	v.SetDefault("local.cleanup_interval", time.Hour)
	v.SetDefault("local.max_age", time.Hour)
	v.SetDefault("local.lock_timeout", 500*time.Millisecond)

	v.SetDefault("groups.global", []string{})
	v.SetDefault("groups.ignored", []string{})
	v.SetDefault("groups.unflushable", []string{})

	v.SetDefault("routing.global_db", 0)
	v.SetDefault("routing.tenant_db", 1)
	v.SetDefault("routing.tenant_id", 1)
	v.SetDefault("routing.database_per_tenant", false)
	v.SetDefault("routing.failure_cooldown", backend.DefaultFailureCooldown)
	v.SetDefault("routing.failure_threshold", backend.DefaultFailureThreshold)
}

// Validate rejects values the engine would refuse at construction.
func (c *Config) Validate() error {
	var errs []error
	switch c.Serializer {
	case "", codec.NameJSON, codec.NameMsgpack, codec.NameCBOR, codec.NameRaw:
	default:
		errs = append(errs, fmt.Errorf("unknown serializer %q", c.Serializer))
	}
	switch c.Compression.Algorithm {
	case "", codec.AlgoGzip, codec.AlgoZstd:
	default:
		errs = append(errs, fmt.Errorf("unknown compression algorithm %q", c.Compression.Algorithm))
	}
	if c.MaxTTL < 0 {
		errs = append(errs, errors.New("max_ttl must not be negative"))
	}
	if c.Reconnect.Retries < 0 {
		errs = append(errs, errors.New("reconnect.retries must not be negative"))
	}
	if c.Routing.GlobalDB < 0 || c.Routing.TenantDB < 0 {
		errs = append(errs, errors.New("database numbers must not be negative"))
	}
	if _, err := c.params().Normalize(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", objcache.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

func (c *Config) params() backend.Params {
	b := c.Backend
	return backend.Params{
		Host:           b.Host,
		Port:           b.Port,
		Path:           b.Path,
		DB:             b.DB,
		ConnectTimeout: b.ConnectTimeout,
		ReadTimeout:    b.ReadTimeout,
		RetryInterval:  b.RetryInterval,
		NonPersistent:  b.NonPersistent,
		PersistentID:   b.PersistentID,
		Username:       b.Username,
		Password:       b.Password,
	}
}

// Options converts cfg into engine options. Logger, hooks and codec are
// left for the caller to set.
func Options[V any](cfg *Config) objcache.Options[V] {
	return objcache.Options[V]{
		Backend:          cfg.params(),
		Client:           cfg.Client,
		ReconnectRetries: cfg.Reconnect.Retries,
		ReconnectDelay:   cfg.Reconnect.Delay,

		Prefix:         cfg.Prefix,
		SelectiveFlush: cfg.SelectiveFlush,
		MaxTTL:         cfg.MaxTTL,

		Serializer: cfg.Serializer,
		Compression: codec.CompressionOptions{
			Disabled:  !cfg.Compression.Enabled,
			Algorithm: cfg.Compression.Algorithm,
			MinLength: cfg.Compression.MinLength,
			Level:     cfg.Compression.Level,
		},
		FailGracefully: cfg.FailGracefully,

		LocalMaxEntries:      cfg.Local.MaxEntries,
		LocalMemoryLimit:     cfg.Local.MemoryLimit,
		LocalCleanupInterval: cfg.Local.CleanupInterval,
		LocalMaxAge:          cfg.Local.MaxAge,
		LockTimeout:          cfg.Local.LockTimeout,

		GlobalGroups:      cfg.Groups.Global,
		IgnoredGroups:     cfg.Groups.Ignored,
		UnflushableGroups: cfg.Groups.Unflushable,
		PreloadKeys:       cfg.Preload,

		GlobalDB:           cfg.Routing.GlobalDB,
		TenantDB:           cfg.Routing.TenantDB,
		TenantID:           cfg.Routing.TenantID,
		DatabasePerTenant:  cfg.Routing.DatabasePerTenant,
		DBFailureCooldown:  cfg.Routing.FailureCooldown,
		DBFailureThreshold: cfg.Routing.FailureThreshold,
	}
}
