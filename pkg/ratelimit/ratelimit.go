// Package ratelimit admits or rejects requests per caller identity over a
// sliding window. Two backends share the Limiter interface: an in-process map
// guarded by a mutex, and a Redis sorted set updated by one Lua script.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend names a limiter implementation.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendRedis Backend = "redis"
)

const (
	defaultKeyPrefix   = "quotagate:ratelimit:"
	identityHashBytes  = 16
	minimumRetryAfter  = time.Second
	redisExpiryPadding = time.Second
)

// DefaultBypassPaths skip admission entirely.
var DefaultBypassPaths = []string{"/healthz", "/docs", "/openapi.json", "/metrics"}

var (
	ErrInvalidConfig  = errors.New("invalid rate limit config")
	ErrUnknownBackend = errors.New("unknown rate limit backend")
	ErrMissingClient  = errors.New("redis client required")
)

// Config holds the sliding-window parameters.
type Config struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// Validate checks the window parameters.
func (config Config) Validate() error {
	if config.RequestsPerWindow <= 0 {
		return fmt.Errorf("%w: requests per window must be positive", ErrInvalidConfig)
	}
	if config.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if config.Burst < 0 {
		return fmt.Errorf("%w: burst must not be negative", ErrInvalidConfig)
	}
	return nil
}

// capacity is the admission cap for a window that already holds count requests.
func (config Config) capacity(count int) int {
	if count < config.Burst {
		return config.RequestsPerWindow + config.Burst
	}
	return config.RequestsPerWindow
}

// Decision is the outcome of one admission.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// ResetAfter is the time until the oldest request in the window expires.
	ResetAfter time.Duration
	// Degraded is set when the backend was unavailable and the request was admitted anyway.
	Degraded bool
}

// Limiter admits requests for an identity.
type Limiter interface {
	Admit(ctx context.Context, identity string) Decision
}

// Option configures a limiter.
type Option func(*settings)

type settings struct {
	now       func() time.Time
	keyPrefix string
	logger    *zap.Logger
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(target *settings) {
		if now != nil {
			target.now = now
		}
	}
}

// WithKeyPrefix sets the Redis key prefix (default "quotagate:ratelimit:").
func WithKeyPrefix(prefix string) Option {
	return func(target *settings) { target.keyPrefix = prefix }
}

// WithLogger sets the logger used for backend failures.
func WithLogger(logger *zap.Logger) Option {
	return func(target *settings) {
		if logger != nil {
			target.logger = logger
		}
	}
}

func newSettings(options []Option) settings {
	resolved := settings{
		now:       time.Now,
		keyPrefix: defaultKeyPrefix,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	return resolved
}

// New builds the limiter selected by backend. client is only used by the redis backend.
func New(config Config, backend Backend, client goredis.Cmdable, options ...Option) (Limiter, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(backend)))) {
	case BackendLocal, "":
		return NewLocalLimiter(config, options...)
	case BackendRedis:
		return NewRedisLimiter(client, config, options...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Identity derives the limiter key for a caller. A presented credential is
// hashed and never returned in plaintext; otherwise the network address is
// used without its port.
func Identity(credential string, remoteAddr string) string {
	if trimmed := strings.TrimSpace(credential); trimmed != "" {
		digest := sha256.Sum256([]byte(trimmed))
		return "key:" + hex.EncodeToString(digest[:identityHashBytes])
	}
	host := strings.TrimSpace(remoteAddr)
	if parsedHost, _, err := net.SplitHostPort(host); err == nil {
		host = parsedHost
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// IsBypassPath reports whether path is exempt. Entries ending in "/" match
// every path beneath them; other entries match exactly.
func IsBypassPath(path string, bypass []string) bool {
	for _, candidate := range bypass {
		if candidate == "" {
			continue
		}
		if strings.HasSuffix(candidate, "/") {
			if strings.HasPrefix(path, candidate) || path == strings.TrimSuffix(candidate, "/") {
				return true
			}
			continue
		}
		if path == candidate {
			return true
		}
	}
	return false
}

// retryAfter rounds the wait up to whole seconds with a one second floor.
func retryAfter(wait time.Duration) time.Duration {
	if wait < minimumRetryAfter {
		return minimumRetryAfter
	}
	rounded := wait.Truncate(time.Second)
	if rounded < wait {
		rounded += time.Second
	}
	return rounded
}

func remaining(capacity int, count int) int {
	if count >= capacity {
		return 0
	}
	return capacity - count
}
