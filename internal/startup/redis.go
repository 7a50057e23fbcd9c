package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	redisstorage "github.com/chatsync/internal/storage/redis"
	"github.com/chatsync/internal/storage/tiered"
)

// ConnectRedisWithRetry connects to Redis, retrying with backoff until maxWait elapses
// or ctx is done. logPrefix is prepended to log lines (e.g. "client: ").
func ConnectRedisWithRetry(ctx context.Context, redisURL string, ttl, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(pingCtx, redisURL, ttl)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, fmt.Errorf("%sredis (gave up after %v): %w", logPrefix, maxWait, err)
		}
		logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// OpenSnapshotStore returns the conversation snapshot cache: memory backed by Redis
// when a URL is configured and reachable, memory alone otherwise.
func OpenSnapshotStore(ctx context.Context, cfg config.CacheConfig, maxWait time.Duration) storage.SnapshotStore {
	mem := memory.New(cfg.TTL())
	if cfg.RedisURL == "" {
		logger.Info("snapshot cache: memory")
		return mem
	}
	rc, err := ConnectRedisWithRetry(ctx, cfg.RedisURL, cfg.TTL(), maxWait, "client: ")
	if err != nil {
		logger.Warnf("snapshot cache: %v, falling back to memory", err)
		return mem
	}
	logger.Info("snapshot cache: memory + redis")
	return tiered.New(mem, rc)
}
