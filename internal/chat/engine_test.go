package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatsync/internal/eventloop/looptest"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/ws"
	"github.com/goccy/go-json"
)

type fakeSender struct {
	open bool
	sent []any
}

func (s *fakeSender) Send(v any) bool {
	if !s.open {
		return false
	}
	s.sent = append(s.sent, v)
	return true
}

func (s *fakeSender) seen() []ws.SeenSignal {
	var out []ws.SeenSignal
	for _, v := range s.sent {
		if sig, ok := v.(ws.SeenSignal); ok {
			out = append(out, sig)
		}
	}
	return out
}

type fakeAPI struct {
	convs    []model.Conversation
	history  map[model.ID][]model.Message
	sendErr  error
	nextID   int
	sends    []model.Draft
	marked   []model.ID
	unsend   map[model.ID]*model.Message
	unsendOK []model.ID
}

func (a *fakeAPI) Conversations(context.Context) ([]model.Conversation, error) {
	return append([]model.Conversation(nil), a.convs...), nil
}

func (a *fakeAPI) History(_ context.Context, id model.ID) ([]model.Message, error) {
	return append([]model.Message(nil), a.history[id]...), nil
}

func (a *fakeAPI) Send(_ context.Context, chatID model.ID, d model.Draft) (model.Message, error) {
	a.sends = append(a.sends, d)
	if a.sendErr != nil {
		return model.Message{}, a.sendErr
	}
	a.nextID++
	return model.Message{ID: model.ID(fmt.Sprint(1000 + a.nextID)), ChatID: chatID, Content: d.Content, Kind: d.Kind}, nil
}

func (a *fakeAPI) Unsend(_ context.Context, id model.ID) (*model.Message, error) {
	a.unsendOK = append(a.unsendOK, id)
	return a.unsend[id], nil
}

func (a *fakeAPI) MarkSeen(_ context.Context, id model.ID) error {
	a.marked = append(a.marked, id)
	return nil
}

type recorder struct {
	NopObserver
	follows  []bool
	failed   []SendHandle
	typing   []bool
	receipts []string
}

func (r *recorder) ThreadChanged(follow bool) { r.follows = append(r.follows, follow) }
func (r *recorder) SendFailed(h SendHandle, _ error) { r.failed = append(r.failed, h) }
func (r *recorder) TypingChanged(_ model.ID, active bool) { r.typing = append(r.typing, active) }
func (r *recorder) ReceiptChanged(label string) { r.receipts = append(r.receipts, label) }

type rig struct {
	clock  *looptest.Manual
	sender *fakeSender
	api    *fakeAPI
	obs    *recorder
	engine *Engine
}

const self model.ID = "me"

func newRig(t *testing.T, convs ...model.Conversation) *rig {
	t.Helper()
	r := &rig{
		clock:  looptest.New(t0),
		sender: &fakeSender{open: true},
		api:    &fakeAPI{convs: convs, history: map[model.ID][]model.Message{}, unsend: map[model.ID]*model.Message{}},
		obs:    &recorder{},
	}
	r.engine = NewEngine(Options{
		SelfID:    self,
		Scheduler: r.clock,
		Sender:    r.sender,
		API:       r.api,
		Observer:  r.obs,
	})
	r.engine.LoadConversations()
	r.clock.Flush()
	t.Cleanup(r.engine.Shutdown)
	return r
}

func frame(t *testing.T, ch ws.Channel, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(ws.Frame{Channel: ch, Payload: p})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (r *rig) conv(t *testing.T, id model.ID) model.Conversation {
	t.Helper()
	for _, c := range r.engine.Snapshot().Conversations {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("conversation %s not listed", id)
	return model.Conversation{}
}

func peerMsg(id, chat model.ID, content string, at time.Time) model.Message {
	return model.Message{ID: id, ChatID: chat, SenderID: chat, Content: content, Kind: model.KindText, Timestamp: model.At(at)}
}

func TestOpenResetsUnreadAndOtherChatCountsUnread(t *testing.T) {
	r := newRig(t, conv("A", 2, 100), conv("B", 0, 50))
	r.api.history["A"] = []model.Message{peerMsg("mA", "A", "hello", t0)}

	if err := r.engine.Open("A"); err != nil {
		t.Fatal(err)
	}
	if got := r.conv(t, "A").UnreadCount; got != 0 {
		t.Errorf("A unread = %d after open", got)
	}
	seen := r.sender.seen()
	if len(seen) != 1 || seen[0].ChatID != "A" || seen[0].To != "A" || seen[0].Channel != ws.ChannelChatSeen {
		t.Fatalf("chat-seen on open = %+v", seen)
	}
	r.clock.Flush()
	if len(r.api.marked) != 1 || r.api.marked[0] != "A" {
		t.Errorf("mark-seen calls = %v", r.api.marked)
	}
	before := r.engine.Snapshot().Messages

	r.engine.HandleFrame(frame(t, ws.ChannelChat, peerMsg("b1", "B", "yo", t0.Add(time.Minute))))
	snap := r.engine.Snapshot()
	if got := r.conv(t, "B").UnreadCount; got != 1 {
		t.Errorf("B unread = %d", got)
	}
	if len(snap.Messages) != len(before) || snap.Messages[0].ID != "mA" {
		t.Errorf("A thread changed: %+v", snap.Messages)
	}
	if snap.Conversations[0].ID != "B" || snap.Conversations[0].LastMessage != "yo" {
		t.Errorf("B preview not refreshed: %+v", snap.Conversations[0])
	}
}

func TestChatForNonOpenConversationCountsEachEvent(t *testing.T) {
	r := newRig(t, conv("A", 0, 100), conv("C", 3, 100))
	r.engine.Open("A")
	r.clock.Flush()
	for i := 0; i < 5; i++ {
		r.engine.HandleFrame(frame(t, ws.ChannelChat, peerMsg(model.ID(fmt.Sprint("c", i)), "C", "x", t0)))
	}
	if got := r.conv(t, "C").UnreadCount; got != 8 {
		t.Errorf("C unread = %d, want 8", got)
	}
	if len(r.engine.Snapshot().Messages) != 0 {
		t.Error("messages for C landed in A's thread")
	}
}

func TestChatForOpenConversationAppendsAndAcknowledges(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	r.engine.Open("A")
	r.clock.Flush()
	r.sender.sent = nil

	r.engine.HandleFrame(frame(t, ws.ChannelChat, peerMsg("a1", "A", "hey", t0)))
	snap := r.engine.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].IsOwn {
		t.Fatalf("thread = %+v", snap.Messages)
	}
	if r.conv(t, "A").UnreadCount != 0 {
		t.Error("open conversation counted unread")
	}
	seen := r.sender.seen()
	if len(seen) != 1 || seen[0].To != "A" {
		t.Errorf("chat-seen = %+v", seen)
	}

	// own message echoed by the server is not acknowledged
	own := peerMsg("a2", "A", "mine", t0)
	own.SenderID = self
	r.engine.HandleFrame(frame(t, ws.ChannelChat, own))
	if len(r.sender.seen()) != 1 {
		t.Error("acknowledged an own message")
	}
	if !r.engine.Snapshot().Messages[1].IsOwn {
		t.Error("own-ness not derived from sender")
	}
}

func TestSendWhileSocketClosedRollsBack(t *testing.T) {
	r := newRig(t, conv("A", 0, 100), conv("B", 4, 90))
	r.engine.Open("A")
	r.clock.Flush()
	r.sender.open = false
	r.api.sendErr = errors.New("send-message: 503")

	h, err := r.engine.Send(model.Draft{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	msgs := r.engine.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].ID != h.TempID || msgs[0].Content != "hi" || !msgs[0].IsOwn {
		t.Fatalf("optimistic entry missing: %+v", msgs)
	}
	if r.engine.SendState(h) != SendPending {
		t.Errorf("state = %v", r.engine.SendState(h))
	}

	r.clock.Flush()
	if n := len(r.engine.Snapshot().Messages); n != 0 {
		t.Errorf("entry not removed, %d messages", n)
	}
	if r.engine.SendState(h) != SendRolledBack || len(r.obs.failed) != 1 {
		t.Errorf("state = %v failures = %d", r.engine.SendState(h), len(r.obs.failed))
	}
	if r.conv(t, "A").UnreadCount != 0 || r.conv(t, "B").UnreadCount != 4 {
		t.Error("unread counters changed")
	}
	if r.conv(t, "A").LastMessage != "hello from A" {
		t.Error("failed send touched the preview")
	}
}

func TestSendConfirmsAndRefreshesPreview(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	r.engine.Open("A")
	r.clock.Flush()

	h, err := r.engine.Send(model.Draft{Content: "  👍  "})
	if err != nil {
		t.Fatal(err)
	}
	if r.api.sends != nil {
		t.Fatal("request ran on the loop")
	}
	r.clock.Flush()
	if r.api.sends[0].Kind != model.KindEmoji || r.api.sends[0].Content != "👍" {
		t.Errorf("draft sent = %+v", r.api.sends[0])
	}
	msgs := r.engine.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].ID != "1001" || !msgs[0].IsOwn || msgs[0].SenderID != self {
		t.Fatalf("thread = %+v", msgs)
	}
	if countID(msgs, h.TempID) != 0 {
		t.Error("temp entry coexists with the confirmed one")
	}
	if a := r.conv(t, "A"); a.LastMessageID != "1001" || a.LastSenderID != self {
		t.Errorf("preview = %+v", a)
	}
}

func TestSendRejectsInvalidDraft(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	if _, err := r.engine.Send(model.Draft{Content: "hi"}); !errors.Is(err, ErrNoConversation) {
		t.Errorf("send without open thread: %v", err)
	}
	r.engine.Open("A")
	if _, err := r.engine.Send(model.Draft{Content: "   "}); !errors.Is(err, ErrInvalidDraft) {
		t.Errorf("blank draft: %v", err)
	}
	if _, err := r.engine.Send(model.Draft{Content: "x", Kind: "video"}); !errors.Is(err, ErrInvalidDraft) {
		t.Errorf("unknown kind: %v", err)
	}
}

func TestLateConfirmationAfterSwitchIsIgnored(t *testing.T) {
	r := newRig(t, conv("A", 0, 100), conv("B", 0, 90))
	r.engine.Open("A")
	r.clock.Flush()
	h, _ := r.engine.Send(model.Draft{Content: "for A"})

	r.engine.Open("B")
	r.clock.Flush()

	snap := r.engine.Snapshot()
	if snap.OpenChatID != "B" || len(snap.Messages) != 0 {
		t.Errorf("confirmation landed in B: %+v", snap.Messages)
	}
	if r.engine.SendState(h) != SendUnknown {
		t.Errorf("stale handle state = %v", r.engine.SendState(h))
	}
	if a := r.conv(t, "A"); a.LastMessage != "for A" {
		t.Errorf("A preview not refreshed by its confirmed send: %+v", a)
	}
}

func TestLateHistoryAfterSwitchIsDropped(t *testing.T) {
	r := newRig(t, conv("A", 0, 100), conv("B", 0, 90))
	r.api.history["A"] = []model.Message{peerMsg("a1", "A", "old", t0)}
	r.engine.Open("A")
	r.engine.Open("B")
	r.clock.Flush()
	if msgs := r.engine.Snapshot().Messages; len(msgs) != 0 {
		t.Errorf("A's history merged into B: %+v", msgs)
	}
}

func TestPeerSeenMarksLastOwnMessage(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	own := peerMsg("1", "A", "mine", t0)
	own.SenderID = self
	r.api.history["A"] = []model.Message{own}
	r.engine.Open("A")
	r.clock.Flush()

	var seen ws.SeenPayload
	seen.ChatID = "B"
	r.engine.HandleFrame(frame(t, ws.ChannelChatSeen, seen))
	if r.engine.Snapshot().Messages[0].IsRead {
		t.Fatal("seen for another conversation applied")
	}

	seen.ChatID = "A"
	seen.Message.Timestamp = model.At(t0)
	r.engine.HandleFrame(frame(t, ws.ChannelChatSeen, seen))
	if m := r.engine.Snapshot().Messages[0]; !m.IsRead || !m.SeenAt.Equal(t0) {
		t.Fatalf("message = %+v", m)
	}
	if r.engine.Snapshot().SeenLabel != "" {
		t.Error("label computed before the tick")
	}
	r.clock.Advance(time.Second)
	if v := r.engine.Snapshot(); v.SeenLabel != "seen just now" || v.SeenMessageID != "1" {
		t.Errorf("label = %q for %s", v.SeenLabel, v.SeenMessageID)
	}
	r.clock.Advance(3 * time.Minute)
	if v := r.engine.Snapshot(); v.SeenLabel != "3 minutes ago" {
		t.Errorf("label = %q", v.SeenLabel)
	}
}

func TestDeleteReplacementMatchesDirectChat(t *testing.T) {
	repl := peerMsg("r1", "A", "replacement", t0.Add(time.Hour))

	direct := newRig(t, conv("A", 0, 100))
	direct.engine.Open("A")
	direct.clock.Flush()
	direct.engine.HandleFrame(frame(t, ws.ChannelChat, repl))

	viaDelete := newRig(t, conv("A", 0, 100))
	viaDelete.engine.Open("A")
	viaDelete.clock.Flush()
	viaDelete.engine.HandleFrame(frame(t, ws.ChannelChatDelete, ws.DeletePayload{
		ChatID:       "A",
		OldMessageID: "mA",
		NewMessage:   &repl,
	}))

	a, b := direct.conv(t, "A"), viaDelete.conv(t, "A")
	if a.LastMessageAt.Equal(b.LastMessageAt.Time) {
		a.LastMessageAt, b.LastMessageAt = model.Timestamp{}, model.Timestamp{}
	}
	if a != b {
		t.Errorf("direct chat %+v != delete replacement %+v", a, b)
	}
}

func TestDeleteRemovesMessageAndAdjustsUnread(t *testing.T) {
	r := newRig(t, conv("A", 0, 100), conv("B", 2, 90))
	r.api.history["A"] = []model.Message{peerMsg("a1", "A", "one", t0), peerMsg("a2", "A", "two", t0)}
	r.engine.Open("A")
	r.clock.Flush()

	r.engine.HandleFrame(frame(t, ws.ChannelChatDelete, ws.DeletePayload{ChatID: "A", OldMessageID: "a1"}))
	if msgs := r.engine.Snapshot().Messages; len(msgs) != 1 || msgs[0].ID != "a2" {
		t.Errorf("thread = %+v", msgs)
	}
	if a := r.conv(t, "A"); a.LastMessage != "hello from A" {
		t.Error("deleting a non-preview message changed the preview")
	}

	prev := peerMsg("b0", "B", "earlier", t0)
	r.engine.HandleFrame(frame(t, ws.ChannelChatDelete, ws.DeletePayload{ChatID: "B", OldMessageID: "mB", NewMessage: &prev}))
	b := r.conv(t, "B")
	if b.UnreadCount != 1 || b.LastMessageID != "b0" {
		t.Errorf("B = %+v", b)
	}

	r.engine.HandleFrame(frame(t, ws.ChannelChatDelete, ws.DeletePayload{ChatID: "B", OldMessageID: "b0"}))
	b = r.conv(t, "B")
	if b.PreviewLabel() != "" || b.UnreadCount != 0 {
		t.Errorf("B after last delete = %+v", b)
	}
}

func TestUnsendAppliesReplacement(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	own := peerMsg("5", "A", "oops", t0.Add(time.Minute))
	own.SenderID = self
	prev := peerMsg("4", "A", "before", t0)
	r.api.history["A"] = []model.Message{prev, own}
	r.api.unsend["5"] = &prev
	r.engine.Open("A")
	r.clock.Flush()
	r.engine.HandleFrame(frame(t, ws.ChannelChat, own))

	if err := r.engine.Unsend("4"); !errors.Is(err, ErrNoMessage) {
		t.Errorf("unsend of a peer message: %v", err)
	}
	if err := r.engine.Unsend("5"); err != nil {
		t.Fatal(err)
	}
	r.clock.Flush()
	if msgs := r.engine.Snapshot().Messages; len(msgs) != 1 || msgs[0].ID != "4" {
		t.Errorf("thread = %+v", msgs)
	}
	if a := r.conv(t, "A"); a.LastMessageID != "4" || a.LastMessage != "before" {
		t.Errorf("preview = %+v", a)
	}
}

func TestStatusAndTypingFrames(t *testing.T) {
	r := newRig(t, conv("A", 0, 100), conv("B", 0, 90))
	r.engine.Open("A")
	r.clock.Flush()

	r.engine.HandleFrame([]byte(`{"channel":"status","user":"A","status":true}`))
	r.engine.HandleFrame([]byte(`{"channel":"status","user":"B","status":true}`))
	if !r.engine.Snapshot().PeerOnline || !r.conv(t, "B").IsOnline {
		t.Error("status not applied")
	}

	r.engine.HandleFrame(frame(t, ws.ChannelTypingStart, ws.TypingPayload{ChatID: "B"}))
	if r.engine.Snapshot().RemoteTyping {
		t.Error("typing for B shown in A")
	}
	r.engine.HandleFrame(frame(t, ws.ChannelTypingStart, ws.TypingPayload{ChatID: "A"}))
	if !r.engine.Snapshot().RemoteTyping {
		t.Fatal("remote typing not shown")
	}
	r.clock.Advance(5 * time.Second)
	if r.engine.Snapshot().RemoteTyping {
		t.Error("remote typing not auto-cleared")
	}
	if len(r.obs.typing) != 2 {
		t.Errorf("typing notifications = %v", r.obs.typing)
	}
}

func TestInputSendsTypingSignals(t *testing.T) {
	r := newRig(t, conv("A", 0, 100), conv("B", 0, 90))
	r.engine.Open("A")
	r.clock.Flush()
	r.sender.sent = nil

	r.engine.Input("h")
	r.engine.Open("B")
	var chans []string
	for _, v := range r.sender.sent {
		if sig, ok := v.(ws.TypingSignal); ok {
			chans = append(chans, string(sig.Channel)+":"+string(sig.ChatID))
		}
	}
	if len(chans) != 2 || chans[0] != "typing-start:A" || chans[1] != "typing-stop:A" {
		t.Errorf("typing signals = %v", chans)
	}
}

func TestNewChatAndMalformedFrames(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	if r.engine.HandleFrame([]byte(`{"channel":"chat","payload":"nope"}`)) {
		t.Error("malformed payload handled")
	}
	r.engine.HandleFrame(frame(t, ws.ChannelNewChat, ws.NewChatPayload{User: model.Conversation{ID: "Z", Name: "zed"}}))
	if z := r.conv(t, "Z"); z.Name != "zed" || z.PreviewLabel() != "" {
		t.Errorf("new chat = %+v", z)
	}
	if err := r.engine.Open("Z"); err != nil {
		t.Errorf("open new chat: %v", err)
	}
	if len(r.sender.seen()) != 0 {
		t.Error("acknowledged an empty conversation")
	}
	if err := r.engine.Open("nope"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("open unknown: %v", err)
	}
}

func TestScrollFollowThroughEngine(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	r.engine.Open("A")
	r.clock.Flush()
	r.engine.SetAtBottom(false)
	r.obs.follows = nil
	r.engine.HandleFrame(frame(t, ws.ChannelChat, peerMsg("1", "A", "x", t0)))
	if len(r.obs.follows) != 1 || r.obs.follows[0] {
		t.Errorf("follows = %v", r.obs.follows)
	}
	if v := r.engine.Snapshot(); v.NewBelow != 1 || v.AtBottom {
		t.Errorf("view = atBottom %v newBelow %d", v.AtBottom, v.NewBelow)
	}
	r.engine.SetAtBottom(true)
	if v := r.engine.Snapshot(); v.NewBelow != 0 || !v.AtBottom {
		t.Errorf("back at bottom: atBottom %v newBelow %d", v.AtBottom, v.NewBelow)
	}
}

type memSnapshots struct {
	saved map[model.ID][]model.Conversation
}

func (m *memSnapshots) SaveConversations(_ context.Context, owner model.ID, list []model.Conversation) error {
	m.saved[owner] = list
	return nil
}

func (m *memSnapshots) LoadConversations(_ context.Context, owner model.ID) ([]model.Conversation, error) {
	l, ok := m.saved[owner]
	if !ok {
		return nil, storage.ErrNoSnapshot
	}
	return l, nil
}

func (m *memSnapshots) DeleteConversations(_ context.Context, owner model.ID) error {
	delete(m.saved, owner)
	return nil
}

func (m *memSnapshots) Close() error { return nil }

func TestLoadConversationsUsesSnapshotFirst(t *testing.T) {
	clock := looptest.New(t0)
	snaps := &memSnapshots{saved: map[model.ID][]model.Conversation{self: {conv("cached", 0, 10)}}}
	api := &fakeAPI{convs: []model.Conversation{conv("fresh", 0, 20)}}
	e := NewEngine(Options{SelfID: self, Scheduler: clock, Sender: &fakeSender{}, API: api, Snapshots: snaps})
	defer e.Shutdown()

	e.LoadConversations()
	clock.FlushOne()
	if l := e.Snapshot().Conversations; len(l) != 1 || l[0].ID != "cached" {
		t.Fatalf("snapshot not rendered first: %v", ids(l))
	}
	clock.Flush()
	if l := e.Snapshot().Conversations; len(l) != 1 || l[0].ID != "fresh" {
		t.Fatalf("fetch did not replace the snapshot: %v", ids(l))
	}
	if saved := snaps.saved[self]; len(saved) != 1 || saved[0].ID != "fresh" {
		t.Errorf("snapshot not refreshed: %v", ids(saved))
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	r.engine.Open("A")
	r.engine.Input("typing")
	r.engine.Shutdown()
	r.clock.Flush()
	if r.clock.Active() != 0 {
		t.Errorf("%d timers alive after shutdown", r.clock.Active())
	}
	if r.engine.HandleFrame(frame(t, ws.ChannelChat, peerMsg("1", "A", "x", t0))) {
		t.Error("frame handled after shutdown")
	}
	if err := r.engine.Open("A"); !errors.Is(err, ErrShutdown) {
		t.Errorf("open after shutdown: %v", err)
	}
}

func TestFramesWithoutIDsIgnored(t *testing.T) {
	r := newRig(t, conv("A", 0, 100))
	before := r.engine.Snapshot()
	r.engine.HandleFrame(frame(t, ws.ChannelChat, model.Message{ID: "1", SenderID: "A", Content: "x"}))
	r.engine.HandleFrame(frame(t, ws.ChannelNewChat, ws.NewChatPayload{User: model.Conversation{Name: "nobody"}}))
	r.engine.HandleFrame(frame(t, ws.ChannelChatDelete, ws.DeletePayload{ChatID: "A"}))
	after := r.engine.Snapshot()
	if len(after.Conversations) != len(before.Conversations) || after.Conversations[0] != before.Conversations[0] {
		t.Errorf("list changed: %+v", after.Conversations)
	}
}
