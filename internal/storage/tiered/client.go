package tiered

import (
	"context"
	"errors"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
)

// Client serves snapshots from process memory and falls back to a durable store
// (Redis) so a restarted client still renders its list before the first fetch.
// Writes go to both; a failing durable write is logged and does not fail the save.
type Client struct {
	mem     *memory.Client
	durable storage.SnapshotStore
}

func New(mem *memory.Client, durable storage.SnapshotStore) *Client {
	return &Client{mem: mem, durable: durable}
}

func (c *Client) Close() error {
	return errors.Join(c.mem.Close(), c.durable.Close())
}

func (c *Client) SaveConversations(ctx context.Context, owner model.ID, list []model.Conversation) error {
	if err := c.mem.SaveConversations(ctx, owner, list); err != nil {
		return err
	}
	if err := c.durable.SaveConversations(ctx, owner, list); err != nil {
		logger.Warnf("snapshot: durable save owner=%s: %v", owner, err)
	}
	return nil
}

func (c *Client) LoadConversations(ctx context.Context, owner model.ID) ([]model.Conversation, error) {
	list, err := c.mem.LoadConversations(ctx, owner)
	if err == nil {
		return list, nil
	}
	list, err = c.durable.LoadConversations(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := c.mem.SaveConversations(ctx, owner, list); err != nil {
		logger.Debugf("snapshot: warm memory owner=%s: %v", owner, err)
	}
	return list, nil
}

func (c *Client) DeleteConversations(ctx context.Context, owner model.ID) error {
	return errors.Join(c.mem.DeleteConversations(ctx, owner), c.durable.DeleteConversations(ctx, owner))
}
