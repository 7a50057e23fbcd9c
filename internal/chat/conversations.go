package chat

import (
	"sort"

	"github.com/chatsync/internal/model"
)

// Conversations holds the conversation summaries in load order.
// Every mutation copies the element, changes the copy and stores it back, so a
// renderer reading a previous Sorted() projection never sees a half-applied update.
type Conversations struct {
	items []model.Conversation
	index map[model.ID]int
}

func NewConversations() *Conversations {
	return &Conversations{index: make(map[model.ID]int)}
}

// Load replaces all summaries. Duplicate ids keep the last occurrence.
func (c *Conversations) Load(list []model.Conversation) {
	items := make([]model.Conversation, 0, len(list))
	index := make(map[model.ID]int, len(list))
	for _, conv := range list {
		if conv.ID == "" {
			continue
		}
		if conv.UnreadCount < 0 {
			conv.UnreadCount = 0
		}
		if i, ok := index[conv.ID]; ok {
			items[i] = conv
			continue
		}
		index[conv.ID] = len(items)
		items = append(items, conv)
	}
	c.items = items
	c.index = index
}

// Get returns a copy of the summary for id.
func (c *Conversations) Get(id model.ID) (model.Conversation, bool) {
	i, ok := c.index[id]
	if !ok {
		return model.Conversation{}, false
	}
	return c.items[i], true
}

func (c *Conversations) Len() int { return len(c.items) }

// Patch applies fn to a copy of the summary for id and stores the result.
// It reports false when id is unknown.
func (c *Conversations) Patch(id model.ID, fn func(*model.Conversation)) bool {
	i, ok := c.index[id]
	if !ok {
		return false
	}
	next := c.items[i]
	fn(&next)
	next.ID = id
	if next.UnreadCount < 0 {
		next.UnreadCount = 0
	}
	c.items[i] = next
	return true
}

// Insert adds conv, or replaces the summary with the same id in place.
func (c *Conversations) Insert(conv model.Conversation) {
	if conv.ID == "" {
		return
	}
	if i, ok := c.index[conv.ID]; ok {
		c.items[i] = conv
		return
	}
	c.index[conv.ID] = len(c.items)
	c.items = append(c.items, conv)
}

func (c *Conversations) IncrementUnread(id model.ID) bool {
	return c.Patch(id, func(conv *model.Conversation) { conv.UnreadCount++ })
}

func (c *Conversations) ResetUnread(id model.ID) bool {
	return c.Patch(id, func(conv *model.Conversation) { conv.UnreadCount = 0 })
}

func (c *Conversations) SetOnline(id model.ID, online bool) bool {
	return c.Patch(id, func(conv *model.Conversation) { conv.IsOnline = online })
}

// ApplyPreview refreshes the preview fields of id from m.
func (c *Conversations) ApplyPreview(id model.ID, m model.Message) bool {
	return c.Patch(id, func(conv *model.Conversation) { conv.ApplyPreview(m) })
}

// Sorted returns a fresh slice ordered by last-message time, newest first.
// Conversations without messages sort as epoch zero; ties keep load order.
func (c *Conversations) Sorted() []model.Conversation {
	out := make([]model.Conversation, len(c.items))
	copy(out, c.items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.SortKey() > out[j].LastMessageAt.SortKey()
	})
	return out
}
