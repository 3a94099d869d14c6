// Package queue holds the Redis-side coordination helpers. The job store stays
// the source of truth; Redis only shortens idle waits and serialises the
// scheduled refresh across hosts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recset-precompute/internal/config"
)

const (
	DefaultWakeKey = "precompute:wake"
	// wake tokens beyond this are dropped; one token per idle worker is enough.
	maxWakeTokens = 1024
)

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,

		// BLPOP must give up when the caller's deadline passes.
		ContextTimeoutEnabled: true,
	})
}

// Signal is a wake-up channel for idle workers. Producers push tokens after
// arming jobs; workers block on the list for at most their poll interval.
type Signal struct {
	client *redis.Client
	key    string
}

func NewSignal(client *redis.Client, key string) *Signal {
	if key == "" {
		key = DefaultWakeKey
	}
	return &Signal{client: client, key: key}
}

// Notify pushes n wake tokens.
func (s *Signal) Notify(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > maxWakeTokens {
		n = maxWakeTokens
	}
	tokens := make([]any, n)
	for i := range tokens {
		tokens[i] = "1"
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, tokens...)
	pipe.LTrim(ctx, s.key, 0, maxWakeTokens-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push wake tokens: %w", err)
	}
	return nil
}

// Wait blocks until a token arrives or timeout passes. It reports whether it
// was woken by a token.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := s.client.BLPop(ctx, timeout, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("wait for wake token: %w", err)
	}
	return true, nil
}

// Pending returns the number of queued wake tokens.
func (s *Signal) Pending(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}
