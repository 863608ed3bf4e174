package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option configures a Redis connection.
type Option func(*options)

type options struct {
	poolSize      int
	retryAttempts int
	retryInterval time.Duration
	dialTimeout   time.Duration
}

func defaultOptions() *options {
	return &options{
		poolSize:      10,
		retryAttempts: 3,
		retryInterval: 5 * time.Second,
		dialTimeout:   5 * time.Second,
	}
}

// WithPoolSize sets the maximum number of connections in the pool.
// Default: 10
func WithPoolSize(n int) Option {
	return func(o *options) {
		o.poolSize = n
	}
}

// WithRetry configures connection retry behavior.
// Default: 3 attempts, 5 second base interval with linear backoff (the
// wait after attempt n is n times the interval).
func WithRetry(attempts int, interval time.Duration) Option {
	return func(o *options) {
		o.retryAttempts = attempts
		o.retryInterval = interval
	}
}

// WithDialTimeout sets the timeout for establishing new connections.
// Default: 5 seconds
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// Open creates the Redis client backing the pub/sub sinks. Supports
// both redis:// and rediss:// (TLS) URL schemes and retries transient
// startup failures so the upholder can come up before its Redis does.
//
// Example:
//
//	client, err := redis.Open(ctx, "redis://localhost:6379/0",
//	    redis.WithRetry(5, 3*time.Second),
//	)
func Open(ctx context.Context, url string, opts ...Option) (redis.UniversalClient, error) {
	if url == "" {
		return nil, ErrEmptyConnectionURL
	}
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, ErrFailedToParseURL
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseURL, err)
	}
	redisOpts.PoolSize = o.poolSize
	redisOpts.DialTimeout = o.dialTimeout

	return connect(ctx, redisOpts, o.retryAttempts, o.retryInterval)
}

// connect establishes a connection with retry logic and backoff.
func connect(ctx context.Context, opts *redis.Options, attempts int, interval time.Duration) (redis.UniversalClient, error) {
	attempts = max(attempts, 1)

	for i := range attempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrConnectionFailed, ctx.Err())
			case <-time.After(time.Duration(i+1) * interval):
			}
			continue
		}
		return client, nil
	}
	return nil, ErrConnectionFailed
}
