package model

// Conversation is one row of the conversation list: a two-party thread identified by
// the peer. JSON names follow the backend's chat list payload.
type Conversation struct {
	ID              ID        `json:"id"`
	PeerID          ID        `json:"peer_id,omitempty"`
	Name            string    `json:"name"`
	Username        string    `json:"username"`
	Avatar          string    `json:"avatar"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageID   ID        `json:"lastMessageId"`
	LastMessageKind Kind      `json:"lastMessageType"`
	LastSenderID    ID        `json:"sender_id"`
	LastMessageAt   Timestamp `json:"timestamp"`
	UnreadCount     int       `json:"unreadCount"`
	IsOnline        bool      `json:"isOnline"`
}

// Recipient is the peer that read receipts are addressed to.
func (c Conversation) Recipient() ID {
	if c.PeerID != "" {
		return c.PeerID
	}
	return c.ID
}

// ApplyPreview copies the preview fields from m.
func (c *Conversation) ApplyPreview(m Message) {
	c.LastMessage = m.Content
	c.LastMessageKind = m.Kind
	c.LastMessageID = m.ID
	c.LastMessageAt = m.Timestamp
	c.LastSenderID = m.SenderID
}

// ClearPreview empties the preview fields (no messages left).
func (c *Conversation) ClearPreview() {
	c.LastMessage = ""
	c.LastMessageKind = ""
	c.LastMessageID = ""
	c.LastMessageAt = Timestamp{}
	c.LastSenderID = ""
}

// PreviewLabel is the list subtitle, "" for a conversation with no messages yet.
func (c Conversation) PreviewLabel() string {
	if c.LastMessageID == "" && c.LastMessage == "" {
		return ""
	}
	return PreviewText(c.LastMessageKind, c.LastMessage)
}
