package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultSnapshotTTL bounds how stale a cached list can be when it is rendered.
const DefaultSnapshotTTL = 10 * time.Minute

type Client struct {
	cli *redis.Client
	ttl time.Duration
}

func New(ctx context.Context, url string, ttl time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Client{cli: cli, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func snapshotKey(owner model.ID) string {
	return "chats:snapshot:" + owner.String()
}

// SaveConversations stores the list under chats:snapshot:{owner} with the snapshot TTL.
func (c *Client) SaveConversations(ctx context.Context, owner model.ID, list []model.Conversation) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("redis.SaveConversations: %w", err)
	}
	if err := c.cli.Set(ctx, snapshotKey(owner), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis.SaveConversations: %w", err)
	}
	return nil
}

// LoadConversations returns storage.ErrNoSnapshot when the key is missing or expired.
func (c *Client) LoadConversations(ctx context.Context, owner model.ID) ([]model.Conversation, error) {
	data, err := c.cli.Get(ctx, snapshotKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("redis.LoadConversations: %w", err)
	}
	var list []model.Conversation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("redis.LoadConversations: %w", err)
	}
	return list, nil
}

// DeleteConversations drops the snapshot (logout).
func (c *Client) DeleteConversations(ctx context.Context, owner model.ID) error {
	return c.cli.Del(ctx, snapshotKey(owner)).Err()
}

// snapshotTTL returns the remaining lifetime of the owner's snapshot, 0 if none.
func (c *Client) snapshotTTL(ctx context.Context, owner model.ID) (time.Duration, error) {
	d, err := c.cli.TTL(ctx, snapshotKey(owner)).Result()
	if err != nil || d < 0 {
		return 0, err
	}
	return d, nil
}
