package intel

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource loads the blocklist and high-risk categories from Redis
// sets, letting multiple riskgate instances share one curated feed.
type RedisSource struct {
	client       *redis.Client
	blocklistKey string
	highRiskKey  string
	timeout      time.Duration
}

// RedisSourceConfig holds Redis connection settings for the intel source.
type RedisSourceConfig struct {
	Addr         string
	Password     string
	DB           int
	BlocklistKey string
	HighRiskKey  string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	TLSEnabled   bool
}

// NewRedisSource creates a Redis-backed intel source and verifies the
// connection.
func NewRedisSource(cfg RedisSourceConfig) (*RedisSource, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &RedisSource{
		client:       client,
		blocklistKey: cfg.BlocklistKey,
		highRiskKey:  cfg.HighRiskKey,
		timeout:      timeout,
	}, nil
}

// Name identifies the source for logging.
func (r *RedisSource) Name() string { return "redis:" + r.blocklistKey }

// Load reads both sets with SMEMBERS. A missing key is an empty set.
func (r *RedisSource) Load() ([]string, []string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	blocklist, err := r.client.SMembers(ctx, r.blocklistKey).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load blocklist from redis: %w", err)
	}

	highRisk, err := r.client.SMembers(ctx, r.highRiskKey).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load high-risk categories from redis: %w", err)
	}

	return blocklist, highRisk, nil
}

// Close releases the Redis connection.
func (r *RedisSource) Close() error {
	return r.client.Close()
}
