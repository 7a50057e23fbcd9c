package chat

import (
	"strings"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

// TempPrefix marks ids assigned before the server confirms a message. Server ids are
// sequential numbers or server-side uuids and never carry it.
const TempPrefix = "tmp-"

// IsTemp reports whether id was assigned locally.
func IsTemp(id model.ID) bool { return strings.HasPrefix(string(id), TempPrefix) }

// SendState is the lifecycle of one optimistic send.
type SendState int

const (
	SendUnknown SendState = iota
	SendPending
	SendConfirmed
	SendRolledBack
)

func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendConfirmed:
		return "confirmed"
	case SendRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// SendHandle identifies an optimistic entry. Gen pins it to the thread it was
// created in; handles from an earlier generation are ignored.
type SendHandle struct {
	TempID model.ID
	ChatID model.ID
	Gen    uint64
}

// Thread is the resident message log of the open conversation.
type Thread struct {
	chatID model.ID
	gen    uint64
	msgs   []model.Message
	sends  map[model.ID]SendState

	peerOnline bool
	atBottom   bool
	newBelow   int
}

func NewThread() *Thread {
	return &Thread{sends: make(map[model.ID]SendState), atBottom: true}
}

// ChatID is the open conversation, "" when none.
func (t *Thread) ChatID() model.ID { return t.chatID }

// Load hard-swaps the resident log to chatID and returns the new generation.
// Every handle and pending callback tied to the previous log becomes stale.
func (t *Thread) Load(chatID model.ID, history []model.Message) uint64 {
	t.gen++
	t.chatID = chatID
	t.msgs = append([]model.Message(nil), history...)
	t.sends = make(map[model.ID]SendState)
	t.atBottom = true
	t.newBelow = 0
	t.peerOnline = false
	return t.gen
}

// Reset unloads the thread.
func (t *Thread) Reset() {
	t.Load("", nil)
}

// Merge installs a fetched history if gen is still current. Entries appended since
// Load that the history does not contain (live messages, pending sends) are kept
// after it.
func (t *Thread) Merge(gen uint64, history []model.Message) bool {
	if gen != t.gen {
		return false
	}
	seen := make(map[model.ID]struct{}, len(history))
	merged := make([]model.Message, 0, len(history)+len(t.msgs))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range t.msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	t.msgs = merged
	return true
}

// OptimisticSend appends d as an own, unconfirmed message.
func (t *Thread) OptimisticSend(d model.Draft, self model.ID, now time.Time) SendHandle {
	id := model.ID(TempPrefix + uuid.NewString())
	t.msgs = append(t.msgs, model.Message{
		ID:        id,
		ChatID:    t.chatID,
		SenderID:  self,
		Content:   d.Content,
		Kind:      d.Kind,
		IsOwn:     true,
		Timestamp: model.At(now),
		ReplyTo:   d.ReplyTo,
	})
	t.sends[id] = SendPending
	return SendHandle{TempID: id, ChatID: t.chatID, Gen: t.gen}
}

// State reports where h is in its lifecycle.
func (t *Thread) State(h SendHandle) SendState {
	if h.Gen != t.gen {
		return SendUnknown
	}
	return t.sends[h.TempID]
}

// Confirm replaces the temporary entry of h with rec. It applies once: later calls,
// calls after Rollback and calls with a stale handle report false.
func (t *Thread) Confirm(h SendHandle, rec model.Message) bool {
	if h.Gen != t.gen || t.sends[h.TempID] != SendPending {
		return false
	}
	t.sends[h.TempID] = SendConfirmed
	i := t.indexOf(h.TempID)
	if i < 0 {
		return true
	}
	if rec.ChatID == "" {
		rec.ChatID = t.chatID
	}
	if t.indexOf(rec.ID) >= 0 {
		// the confirmed record arrived first over the socket
		t.removeAt(i)
		return true
	}
	next := make([]model.Message, len(t.msgs))
	copy(next, t.msgs)
	next[i] = rec
	t.msgs = next
	return true
}

// Rollback removes the temporary entry of h. Repeated calls are no-ops.
func (t *Thread) Rollback(h SendHandle) bool {
	if h.Gen != t.gen || t.sends[h.TempID] != SendPending {
		return false
	}
	t.sends[h.TempID] = SendRolledBack
	if i := t.indexOf(h.TempID); i >= 0 {
		t.removeAt(i)
	}
	return true
}

// AppendRemote appends a confirmed record unless its id is already resident.
// follow reports whether the view should scroll to the new entry.
func (t *Thread) AppendRemote(rec model.Message) (appended, follow bool) {
	if t.chatID == "" || t.indexOf(rec.ID) >= 0 {
		return false, false
	}
	t.msgs = append(t.msgs, rec)
	return true, t.noteAppend()
}

// noteAppend applies the scroll contract: follow when parked at the bottom,
// otherwise count the entry as unseen below the viewport.
func (t *Thread) noteAppend() bool {
	if t.atBottom {
		return true
	}
	t.newBelow++
	return false
}

// Remove deletes the message with id.
func (t *Thread) Remove(id model.ID) bool {
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.removeAt(i)
	return true
}

// MarkLastOwnRead sets the read flag on the most recent own message. It reports
// false when there is none or it was already read.
func (t *Thread) MarkLastOwnRead(at time.Time) bool {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if !t.msgs[i].IsOwn {
			continue
		}
		if t.msgs[i].IsRead {
			return false
		}
		next := make([]model.Message, len(t.msgs))
		copy(next, t.msgs)
		next[i].IsRead = true
		next[i].SeenAt = model.At(at)
		t.msgs = next
		return true
	}
	return false
}

// Last returns the most recent message.
func (t *Thread) Last() (model.Message, bool) {
	if len(t.msgs) == 0 {
		return model.Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

// Messages returns a copy of the log.
func (t *Thread) Messages() []model.Message {
	out := make([]model.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// SetAtBottom records the viewport position. Reaching the bottom clears NewBelow.
func (t *Thread) SetAtBottom(at bool) {
	t.atBottom = at
	if at {
		t.newBelow = 0
	}
}

func (t *Thread) AtBottom() bool { return t.atBottom }

// NewBelow counts entries appended while the viewport was scrolled up.
func (t *Thread) NewBelow() int { return t.newBelow }

func (t *Thread) SetPeerOnline(online bool) { t.peerOnline = online }

func (t *Thread) PeerOnline() bool { return t.peerOnline }

func (t *Thread) indexOf(id model.ID) int {
	if id == "" {
		return -1
	}
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Thread) removeAt(i int) {
	next := make([]model.Message, 0, len(t.msgs)-1)
	next = append(next, t.msgs[:i]...)
	next = append(next, t.msgs[i+1:]...)
	t.msgs = next
}
