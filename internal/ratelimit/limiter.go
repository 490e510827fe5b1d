// Package ratelimit bounds how often a user may perform an action.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "duet:ratelimit:"

var (
	errMissingClient = errors.New("ratelimit: redis client is required")
	errInvalidLimit  = errors.New("ratelimit: limit must be positive")
	errInvalidWindow = errors.New("ratelimit: window must be positive")
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether an action keyed by subject may proceed.
type Limiter interface {
	Allow(ctx context.Context, action, subject string) (Decision, error)
}

// RedisConfig configures the redis fixed-window limiter.
type RedisConfig struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
	Logger *zap.Logger
}

// RedisLimiter counts actions per subject in fixed windows stored in redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *zap.Logger
}

// NewRedisLimiter validates cfg and constructs the limiter.
func NewRedisLimiter(cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Limit <= 0 {
		return nil, errInvalidLimit
	}
	if cfg.Window <= 0 {
		return nil, errInvalidWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{client: cfg.Client, limit: cfg.Limit, window: cfg.Window, logger: logger}, nil
}

// NewRedisClient parses redisURL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return client, nil
}

// Allow increments the counter for action and subject and reports whether it is within the limit.
func (l *RedisLimiter) Allow(ctx context.Context, action, subject string) (Decision, error) {
	key := keyPrefix + action + ":" + subject

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{Allowed: count <= l.limit, Remaining: remaining}
	if !decision.Allowed {
		decision.RetryAfter = ttl.Val()
		if decision.RetryAfter <= 0 {
			decision.RetryAfter = l.window
		}
	}
	return decision, nil
}

// Unlimited allows every action. It backs deployments without redis.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
