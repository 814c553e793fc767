package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions selects the Redis server.
type ClientOptions struct {
	Addr     string
	DB       int
	Password string
}

// Client wraps the Redis client with connection diagnostics.
type Client struct {
	*redis.Client
	log *zap.Logger
}

// NewClient creates a Redis client. It does not dial; call Ping to check
// connectivity.
func NewClient(o ClientOptions, log *zap.Logger) *Client {
	opts := &redis.Options{
		Addr:         o.Addr,
		DB:           o.DB,
		Password:     o.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}

	client := &Client{
		Client: redis.NewClient(opts),
		log:    log.Named("redis"),
	}
	client.log.Info("redis client initialized", zap.String("addr", o.Addr), zap.Int("db", o.DB))
	return client
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.Client.Close()
}

// Ping checks connectivity with a short timeout and logs the outcome.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	opts := c.Options()
	log := c.log.With(
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("max_retries", opts.MaxRetries),
	)

	start := time.Now()
	err := c.Client.Ping(ctx).Err()
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("connection failed", zap.Error(err), zap.Duration("ping_rtt", elapsed))
		return err
	}
	log.Info("connection established", zap.Duration("ping_rtt", elapsed))
	return nil
}
