// Package config loads quotagate settings from defaults, an optional YAML
// file, QUOTAGATE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "QUOTAGATE"

	BackendLocal = "local"
	BackendRedis = "redis"

	MeteringReserve = "reserve"
	MeteringDeduct  = "deduct"

	defaultEnvironment       = "prod"
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultDatabaseURL       = "sqlite://quotagate.db"
	defaultKafkaTopic        = "quotagate.ledger.events"
	defaultKafkaClientID     = "quotagate"
	defaultAdminIssuer       = "quotagate"
	defaultAdminRole         = "admin"
	defaultCostHeader        = "x-litellm-response-cost"
	defaultApprovalEndpoint  = "/api/v1/approvals"
	defaultRateLimitPrefix   = "quotagate:ratelimit:"
	defaultExchangeRate      = "1000"
	defaultExpiryPageSize    = 100
	defaultMaxAttempts       = 3
	defaultBackoffMultiplier = 2.0
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings.
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	GRPC        GRPCConfig      `mapstructure:"grpc"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Credit      CreditConfig    `mapstructure:"credit"`
	Quota       QuotaConfig     `mapstructure:"quota"`
	Wallet      WalletConfig    `mapstructure:"wallet"`
	Gateway     GatewayConfig   `mapstructure:"gateway"`
	Provider    ProviderConfig  `mapstructure:"provider"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Admin       AdminConfig     `mapstructure:"admin"`
}

type HTTPConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

type GRPCConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimitConfig struct {
	Backend           string        `mapstructure:"backend"`
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	Burst             int           `mapstructure:"burst"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	BypassPaths       []string      `mapstructure:"bypass_paths"`
}

type CreditConfig struct {
	RateTablePath string `mapstructure:"rate_table_path"`
	// ExchangeRate is credits per US dollar, as a decimal string.
	ExchangeRate string `mapstructure:"exchange_rate"`
}

// QuotaConfig holds policy fallbacks used when no org_settings row exists.
type QuotaConfig struct {
	AllowPriorityBypass  bool   `mapstructure:"allow_priority_bypass"`
	AllowVacationSharing bool   `mapstructure:"allow_vacation_sharing"`
	ApprovalEndpoint     string `mapstructure:"approval_endpoint"`
}

type WalletConfig struct {
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	ResetInterval  time.Duration `mapstructure:"reset_interval"`
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	ExpiryPageSize int           `mapstructure:"expiry_page_size"`
}

type GatewayConfig struct {
	MeteringMode      string        `mapstructure:"metering_mode"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

type ProviderConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	CostHeader string        `mapstructure:"cost_header"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
	Role       string `mapstructure:"role"`
}

// SetDefaults registers every key so that environment variables are picked
// up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", defaultEnvironment)
	v.SetDefault("log_level", "")

	v.SetDefault("http.listen_addr", defaultHTTPListenAddr)
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.listen_addr", defaultGRPCListenAddr)

	v.SetDefault("database.url", defaultDatabaseURL)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.backend", BackendLocal)
	v.SetDefault("rate_limit.requests_per_window", 60)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.burst", 0)
	v.SetDefault("rate_limit.key_prefix", defaultRateLimitPrefix)
	v.SetDefault("rate_limit.prune_interval", time.Minute)
	v.SetDefault("rate_limit.bypass_paths", []string{})

	v.SetDefault("credit.rate_table_path", "")
	v.SetDefault("credit.exchange_rate", defaultExchangeRate)

	v.SetDefault("quota.allow_priority_bypass", true)
	v.SetDefault("quota.allow_vacation_sharing", true)
	v.SetDefault("quota.approval_endpoint", defaultApprovalEndpoint)

	v.SetDefault("wallet.reservation_ttl", 15*time.Minute)
	v.SetDefault("wallet.reset_interval", time.Hour)
	v.SetDefault("wallet.expiry_interval", time.Minute)
	v.SetDefault("wallet.expiry_page_size", defaultExpiryPageSize)

	v.SetDefault("gateway.metering_mode", MeteringReserve)
	v.SetDefault("gateway.max_attempts", defaultMaxAttempts)
	v.SetDefault("gateway.base_delay", 200*time.Millisecond)
	v.SetDefault("gateway.max_delay", 2*time.Second)
	v.SetDefault("gateway.backoff_multiplier", defaultBackoffMultiplier)
	v.SetDefault("gateway.request_timeout", time.Minute)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.cost_header", defaultCostHeader)
	v.SetDefault("provider.timeout", time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", defaultKafkaTopic)
	v.SetDefault("kafka.client_id", defaultKafkaClientID)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.signing_key", "")
	v.SetDefault("admin.issuer", defaultAdminIssuer)
	v.SetDefault("admin.role", defaultAdminRole)
}

// Load reads configuration into a validated Config. configPath may be empty.
// Flags should already be bound on v with BindPFlag.
func Load(v *viper.Viper, configPath string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if err := v.BindEnv("redis.addr", EnvPrefix+"_REDIS_ADDR", "REDIS_ADDR"); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(configPath) != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills empty values with defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.Environment = defaultIfEmpty(cfg.Environment, defaultEnvironment)
	cfg.HTTP.ListenAddr = defaultIfEmpty(cfg.HTTP.ListenAddr, defaultHTTPListenAddr)
	cfg.GRPC.ListenAddr = defaultIfEmpty(cfg.GRPC.ListenAddr, defaultGRPCListenAddr)
	cfg.Database.URL = defaultIfEmpty(cfg.Database.URL, defaultDatabaseURL)
	cfg.RateLimit.Backend = strings.ToLower(defaultIfEmpty(cfg.RateLimit.Backend, BackendLocal))
	cfg.RateLimit.KeyPrefix = defaultIfEmpty(cfg.RateLimit.KeyPrefix, defaultRateLimitPrefix)
	cfg.Credit.ExchangeRate = defaultIfEmpty(cfg.Credit.ExchangeRate, defaultExchangeRate)
	cfg.Quota.ApprovalEndpoint = defaultIfEmpty(cfg.Quota.ApprovalEndpoint, defaultApprovalEndpoint)
	cfg.Gateway.MeteringMode = strings.ToLower(defaultIfEmpty(cfg.Gateway.MeteringMode, MeteringReserve))
	cfg.Provider.CostHeader = defaultIfEmpty(cfg.Provider.CostHeader, defaultCostHeader)
	cfg.Kafka.Topic = defaultIfEmpty(cfg.Kafka.Topic, defaultKafkaTopic)
	cfg.Kafka.ClientID = defaultIfEmpty(cfg.Kafka.ClientID, defaultKafkaClientID)
	cfg.Admin.Issuer = defaultIfEmpty(cfg.Admin.Issuer, defaultAdminIssuer)
	cfg.Admin.Role = defaultIfEmpty(cfg.Admin.Role, defaultAdminRole)
	cfg.HTTP.AllowedOrigins = normalizeList(cfg.HTTP.AllowedOrigins)
	cfg.Kafka.Brokers = normalizeList(cfg.Kafka.Brokers)
	cfg.RateLimit.BypassPaths = normalizeList(cfg.RateLimit.BypassPaths)
	if cfg.Wallet.ExpiryPageSize <= 0 {
		cfg.Wallet.ExpiryPageSize = defaultExpiryPageSize
	}
	if cfg.Gateway.MaxAttempts <= 0 {
		cfg.Gateway.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Gateway.BackoffMultiplier < 1 {
		cfg.Gateway.BackoffMultiplier = defaultBackoffMultiplier
	}

	switch cfg.Environment {
	case "prod", "local", "dev", "docker":
	default:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidConfig, cfg.Environment)
	}
	switch cfg.RateLimit.Backend {
	case BackendLocal:
	case BackendRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return fmt.Errorf("%w: redis.addr is required for the redis rate limit backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown rate limit backend %q", ErrInvalidConfig, cfg.RateLimit.Backend)
	}
	switch cfg.Gateway.MeteringMode {
	case MeteringReserve, MeteringDeduct:
	default:
		return fmt.Errorf("%w: unknown metering mode %q", ErrInvalidConfig, cfg.Gateway.MeteringMode)
	}
	if cfg.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("%w: rate_limit.requests_per_window must be positive", ErrInvalidConfig)
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit.burst must not be negative", ErrInvalidConfig)
	}
	positiveDurations := []struct {
		key   string
		value time.Duration
	}{
		{key: "rate_limit.window", value: cfg.RateLimit.Window},
		{key: "rate_limit.prune_interval", value: cfg.RateLimit.PruneInterval},
		{key: "wallet.reservation_ttl", value: cfg.Wallet.ReservationTTL},
		{key: "wallet.reset_interval", value: cfg.Wallet.ResetInterval},
		{key: "wallet.expiry_interval", value: cfg.Wallet.ExpiryInterval},
		{key: "gateway.base_delay", value: cfg.Gateway.BaseDelay},
		{key: "gateway.max_delay", value: cfg.Gateway.MaxDelay},
	}
	for _, duration := range positiveDurations {
		if duration.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, duration.key)
		}
	}
	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.SigningKey) == "" {
		return fmt.Errorf("%w: admin.signing_key is required when admin routes are enabled", ErrInvalidConfig)
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled", ErrInvalidConfig)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// normalizeList trims entries, splits comma-joined values and drops blanks.
func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				normalized = append(normalized, trimmed)
			}
		}
	}
	return normalized
}
