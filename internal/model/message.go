package model

import "strings"

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindEmoji Kind = "emoji"
	KindGIF   Kind = "gif"
	KindImage Kind = "image"
)

// ReplyTarget is the quoted message a reply points at.
type ReplyTarget struct {
	ID      ID     `json:"id"`
	Content string `json:"content"`
	Kind    Kind   `json:"type"`
	IsOwn   bool   `json:"isOwn"`
}

// Message is one entry of a conversation log. ID is temporary until the server confirms it.
type Message struct {
	ID        ID           `json:"id"`
	ChatID    ID           `json:"chat_id,omitempty"`
	SenderID  ID           `json:"sender_id,omitempty"`
	Content   string       `json:"content"`
	Kind      Kind         `json:"type"`
	IsOwn     bool         `json:"isOwn"`
	IsRead    bool         `json:"isRead"`
	Timestamp Timestamp    `json:"timestamp"`
	SeenAt    Timestamp    `json:"seenAt"`
	ReplyTo   *ReplyTarget `json:"replyTo,omitempty"`
}

// Own derives IsOwn from the sender. Records without a sender keep the flag the
// backend sent.
func (m *Message) Own(self ID) {
	if m.SenderID != "" {
		m.IsOwn = m.SenderID == self
	}
}

// Reply builds a reply target quoting m.
func (m Message) Reply() *ReplyTarget {
	return &ReplyTarget{ID: m.ID, Content: m.Content, Kind: m.Kind, IsOwn: m.IsOwn}
}

// PreviewText renders content the way the conversation list shows it.
func PreviewText(kind Kind, content string) string {
	switch kind {
	case KindImage:
		return "📷 Image"
	case KindGIF:
		return "🎞️ GIF"
	default:
		return content
	}
}

// DetectKind returns KindEmoji for emoji-only content, KindText otherwise.
func DetectKind(content string) Kind {
	s := strings.TrimSpace(content)
	if s == "" {
		return KindText
	}
	for _, r := range s {
		if !isEmojiRune(r) {
			return KindText
		}
	}
	return KindEmoji
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F600 && r <= 0x1F64F: // emoticons
	case r >= 0x1F300 && r <= 0x1F5FF: // symbols & pictographs
	case r >= 0x1F680 && r <= 0x1F6FF: // transport & map
	case r >= 0x1F1E0 && r <= 0x1F1FF: // flags
	case r >= 0x1F900 && r <= 0x1F9FF: // supplemental symbols
	case r >= 0x2600 && r <= 0x26FF: // misc symbols
	case r >= 0x2700 && r <= 0x27BF: // dingbats
	case r == 0xFE0F || r == 0x200D: // variation selector, zero width joiner
	default:
		return false
	}
	return true
}
