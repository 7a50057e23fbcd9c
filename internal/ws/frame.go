package ws

import (
	"bytes"

	"github.com/chatsync/internal/model"
	"github.com/goccy/go-json"
)

// Channel is the discriminator carried by every frame.
type Channel string

const (
	ChannelStatus      Channel = "status"
	ChannelTypingStart Channel = "typing-start"
	ChannelTypingStop  Channel = "typing-stop"
	ChannelChat        Channel = "chat"
	ChannelChatSeen    Channel = "chat-seen"
	ChannelChatDelete  Channel = "chat-delete"
	ChannelNewChat     Channel = "new-chat"
)

// Frame is what the server pushes: {"channel": "...", "payload": {...}}.
type Frame struct {
	Channel Channel         `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeFrame parses raw into a Frame. Flat frames that carry their fields next to
// "channel" instead of inside "payload" (status broadcasts do this) get the whole
// frame as payload.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	if f.Channel == "" {
		return Frame{}, ErrNoChannel
	}
	p := bytes.TrimSpace(f.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		f.Payload = json.RawMessage(raw)
	}
	return f, nil
}

// --- Inbound payloads ---

// StatusPayload reports a peer going online or offline. User is the conversation id.
type StatusPayload struct {
	User   model.ID `json:"user"`
	Status bool     `json:"status"`
}

// TypingPayload is carried by typing-start and typing-stop.
type TypingPayload struct {
	ChatID model.ID `json:"chat_id"`
}

// SeenPayload acknowledges that the peer read the conversation.
type SeenPayload struct {
	ChatID  model.ID `json:"chat_id"`
	Message struct {
		ID        model.ID        `json:"id"`
		Timestamp model.Timestamp `json:"timestamp"`
	} `json:"message"`
}

// DeletePayload retracts a message and supplies the conversation's new last message
// (nil when nothing is left).
type DeletePayload struct {
	ChatID       model.ID       `json:"chat_id"`
	OldMessageID model.ID       `json:"old_message_id"`
	NewMessage   *model.Message `json:"new_message"`
}

// NewChatPayload announces a conversation that did not exist at bulk-load time.
type NewChatPayload struct {
	User model.Conversation `json:"user"`
}

// --- Outbound signals ---

// TypingSignal is sent on typing-start and typing-stop.
type TypingSignal struct {
	Channel Channel  `json:"channel"`
	ChatID  model.ID `json:"chat_id"`
}

// SeenSignal acknowledges the latest message of a conversation to its sender.
type SeenSignal struct {
	Channel Channel  `json:"channel"`
	ChatID  model.ID `json:"chat_id"`
	To      model.ID `json:"to"`
}
