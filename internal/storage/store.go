package storage

import (
	"context"
	"errors"

	"github.com/chatsync/internal/model"
)

// ErrNoSnapshot is returned when no cached list exists for the owner.
var ErrNoSnapshot = errors.New("storage: no snapshot")

// SnapshotStore caches the last fetched conversation list per user so the list can
// render before the first fetch of a session completes.
// Implementations: redis.Client, memory.Client (no Redis configured).
type SnapshotStore interface {
	SaveConversations(ctx context.Context, owner model.ID, list []model.Conversation) error
	LoadConversations(ctx context.Context, owner model.ID) ([]model.Conversation, error)
	DeleteConversations(ctx context.Context, owner model.ID) error
	Close() error
}
