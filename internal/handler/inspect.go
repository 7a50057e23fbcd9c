package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/session"
)

// Projector yields the current engine projection. session.Session implements it.
type Projector interface {
	Snapshot(ctx context.Context) (chat.View, error)
}

// InspectHandler serves read-only views of the chat state.
type InspectHandler struct {
	src     Projector
	timeout time.Duration
	now     func() time.Time
}

func NewInspectHandler(src Projector) *InspectHandler {
	return &InspectHandler{src: src, timeout: 2 * time.Second, now: time.Now}
}

type conversationRow struct {
	ID       model.ID `json:"id"`
	Name     string   `json:"name"`
	Preview  string   `json:"preview"`
	Age      string   `json:"age"`
	Unread   int      `json:"unread"`
	Online   bool     `json:"online"`
	SenderID model.ID `json:"senderId,omitempty"`
}

type threadResponse struct {
	ChatID     model.ID        `json:"chatId"`
	Messages   []model.Message `json:"messages"`
	PeerOnline bool            `json:"peerOnline"`
	AtBottom   bool            `json:"atBottom"`
	NewBelow   int             `json:"newBelow"`
	Seen       *seenMarker     `json:"seen,omitempty"`
}

type seenMarker struct {
	MessageID model.ID `json:"messageId"`
	Label     string   `json:"label"`
}

type presenceResponse struct {
	ChatID       model.ID `json:"chatId"`
	PeerOnline   bool     `json:"peerOnline"`
	LocalTyping  bool     `json:"localTyping"`
	RemoteTyping bool     `json:"remoteTyping"`
}

func (h *InspectHandler) view(w http.ResponseWriter, r *http.Request) (chat.View, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	v, err := h.src.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNotRunning) || errors.Is(err, session.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "session not running")
			return chat.View{}, false
		}
		logger.Errorf("inspect snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return chat.View{}, false
	}
	return v, true
}

// Conversations lists the conversation rows in display order. ?limit=N truncates.
func (h *InspectHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 0)
	now := h.now()
	rows := make([]conversationRow, 0, len(v.Conversations))
	for _, c := range v.Conversations {
		if limit > 0 && len(rows) == limit {
			break
		}
		rows = append(rows, conversationRow{
			ID:       c.ID,
			Name:     c.Name,
			Preview:  c.PreviewLabel(),
			Age:      chat.CompactAge(c.LastMessageAt.Time, now),
			Unread:   c.UnreadCount,
			Online:   c.IsOnline,
			SenderID: c.LastSenderID,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

// Thread returns the open thread, 404 when none is open.
func (h *InspectHandler) Thread(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w, r)
	if !ok {
		return
	}
	if v.OpenChatID == "" {
		writeError(w, http.StatusNotFound, "no open conversation")
		return
	}
	resp := threadResponse{
		ChatID:     v.OpenChatID,
		Messages:   v.Messages,
		PeerOnline: v.PeerOnline,
		AtBottom:   v.AtBottom,
		NewBelow:   v.NewBelow,
	}
	if v.SeenLabel != "" {
		resp.Seen = &seenMarker{MessageID: v.SeenMessageID, Label: v.SeenLabel}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InspectHandler) Presence(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{
		ChatID:       v.OpenChatID,
		PeerOnline:   v.PeerOnline,
		LocalTyping:  v.LocalTyping,
		RemoteTyping: v.RemoteTyping,
	})
}
