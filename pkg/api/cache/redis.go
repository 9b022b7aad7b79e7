package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dbtlens/dbtlens/pkg/config"
)

const (
	pingTimeout = 5 * time.Second
	purgeBatch  = 500
)

// Redis is a cache shared between API replicas.
type Redis struct {
	log    logrus.FieldLogger
	cfg    *config.RedisCacheConfig
	ttl    time.Duration
	client redis.UniversalClient
}

var _ Cache = (*Redis)(nil)

// NewRedis creates a redis-backed cache. The connection is made in Start.
func NewRedis(log logrus.FieldLogger, cfg *config.RedisCacheConfig, ttl time.Duration) *Redis {
	return &Redis{log: log, cfg: cfg, ttl: ttl}
}

// Start connects and pings the server.
func (r *Redis) Start(ctx context.Context) error {
	if len(r.cfg.Addresses) == 0 {
		return errors.New("redis addresses empty")
	}

	r.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    r.cfg.Addresses,
		DB:       r.cfg.DB,
		Username: r.cfg.Username,
		Password: r.cfg.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		_ = r.client.Close()
		r.client = nil

		return fmt.Errorf("redis ping failed: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"addrs": r.cfg.Addresses,
		"ttl":   r.ttl.String(),
	}).Info("Redis cache started")

	return nil
}

// Stop closes the client.
func (r *Redis) Stop() error {
	if r.client == nil {
		return nil
	}

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}

	return nil
}

func (r *Redis) key(k string) string {
	return r.cfg.KeyPrefix + k
}

// Get returns the cached value.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	return val, true, nil
}

// Set stores value with the cache ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Purge deletes every key under the prefix.
func (r *Redis) Purge(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.key("*"), purgeBatch).Iterator()

	batch := make([]string, 0, purgeBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}

		batch = batch[:0]

		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())

		if len(batch) == purgeBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}

	return flush()
}
