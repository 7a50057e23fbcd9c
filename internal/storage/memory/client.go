package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

const defaultTTL = 10 * time.Minute

type item struct {
	list []model.Conversation
	exp  time.Time
}

// Client is the in-process snapshot cache used when no Redis is configured.
type Client struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	items map[model.ID]item
}

func New(ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{ttl: ttl, now: time.Now, items: make(map[model.ID]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SaveConversations(ctx context.Context, owner model.ID, list []model.Conversation) error {
	cp := make([]model.Conversation, len(list))
	copy(cp, list)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[owner] = item{list: cp, exp: c.now().Add(c.ttl)}
	return nil
}

func (c *Client) LoadConversations(ctx context.Context, owner model.ID) ([]model.Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[owner]
	if !ok || c.now().After(v.exp) {
		return nil, storage.ErrNoSnapshot
	}
	cp := make([]model.Conversation, len(v.list))
	copy(cp, v.list)
	return cp, nil
}

func (c *Client) DeleteConversations(ctx context.Context, owner model.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, owner)
	return nil
}

// snapshotTTL returns the remaining lifetime of the owner's snapshot, 0 if none.
func (c *Client) snapshotTTL(ctx context.Context, owner model.ID) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[owner]
	if !ok {
		return 0, nil
	}
	d := v.exp.Sub(c.now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
