package circuitbreaker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps the progress-stream Redis client with circuit breaker
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, settings Settings, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := settings.ToConfig()
	// redis.Nil is an answer, not an outage
	config.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	cb := NewCircuitBreaker("redis", config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "progress-stream", cb)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		return rw.client.Ping(ctx).Err()
	})
	GlobalMetricsCollector.RecordRequest("redis", "progress-stream", rw.cb.State(), err == nil)
	return err
}

// XAdd wraps Redis XADD with circuit breaker and returns the entry id
func (rw *RedisWrapper) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	var id string
	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		id, err = rw.client.XAdd(ctx, args).Result()
		return err
	})
	GlobalMetricsCollector.RecordRequest("redis", "progress-stream", rw.cb.State(), err == nil)
	return id, err
}

// XRange wraps Redis XRANGE with circuit breaker
func (rw *RedisWrapper) XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		msgs, err = rw.client.XRange(ctx, stream, start, stop).Result()
		return err
	})
	GlobalMetricsCollector.RecordRequest("redis", "progress-stream", rw.cb.State(), err == nil)
	return msgs, err
}

// Close closes the Redis client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// Breaker exposes the underlying breaker for health checks.
func (rw *RedisWrapper) Breaker() *CircuitBreaker { return rw.cb }

// IsCircuitBreakerOpen checks if circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
