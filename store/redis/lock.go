// Package redis provides a Redis-backed rewards.Locker for deployments that
// run more than one engine instance against the same database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/tutor-rewards/generic"
)

// Config holds Redis connection and lock configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a crashed holder keeps the lock.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
	// Prefix namespaces lock keys.
	Prefix string
}

func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		TTL:           10 * time.Second,
		RetryInterval: 25 * time.Millisecond,
		Prefix:        "rewards:lock:",
	}
}

// Locker implements rewards.Locker with SET NX PX and a token-checked
// release.
type Locker struct {
	client *redis.Client
	cfg    Config
}

// New connects and pings the server.
func New(cfg Config) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient uses an existing client (useful for testing).
func NewWithClient(client *redis.Client, cfg Config) *Locker {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	return &Locker{client: client, cfg: cfg}
}

func (l *Locker) Close() error {
	return l.client.Close()
}

// releaseScript deletes the key only if it still holds our token, so a
// holder whose TTL expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Lock retries until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.cfg.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.cfg.TTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, generic.WrapStorage("lock "+key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, generic.WrapStorage("lock "+key, ctx.Err())
		case <-time.After(l.cfg.RetryInterval):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release on a fresh context: the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{k}, token).Err()
	}, nil
}
