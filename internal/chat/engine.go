// Package chat keeps the conversation list and the open thread consistent with the
// server's event stream while local sends are applied optimistically.
//
// Everything in this package runs on one event loop (see eventloop): the Engine and
// the components it owns hold no locks and must never be called from other goroutines.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/eventloop"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/ws"
)

// Sender is the outbound half of the transport. ws.Manager implements it.
type Sender interface {
	Send(v any) bool
}

// API is the request/response facility behind the engine. api.Client implements it.
type API interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	History(ctx context.Context, chatID model.ID) ([]model.Message, error)
	Send(ctx context.Context, chatID model.ID, d model.Draft) (model.Message, error)
	Unsend(ctx context.Context, messageID model.ID) (*model.Message, error)
	MarkSeen(ctx context.Context, chatID model.ID) error
}

// Observer is told about state changes so a presentation layer can re-render.
// Callbacks run on the event loop.
type Observer interface {
	ConversationsChanged()
	// ThreadChanged reports a change of the open thread; follow asks the view to
	// scroll to the newest entry.
	ThreadChanged(follow bool)
	TypingChanged(chatID model.ID, active bool)
	ReceiptChanged(label string)
	SendFailed(h SendHandle, err error)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) ConversationsChanged() {}
func (NopObserver) ThreadChanged(bool) {}
func (NopObserver) TypingChanged(model.ID, bool) {}
func (NopObserver) ReceiptChanged(string) {}
func (NopObserver) SendFailed(SendHandle, error) {}

// Options configures an Engine. Scheduler, Sender and API are required.
type Options struct {
	SelfID             model.ID
	TypingDebounce     time.Duration
	RemoteTypingWindow time.Duration
	ReceiptTick        time.Duration
	RequestTimeout     time.Duration

	Scheduler eventloop.Scheduler
	Sender    Sender
	API       API
	// Snapshots is optional.
	Snapshots storage.SnapshotStore
	Observer  Observer
}

func (o *Options) setDefaults() {
	if o.TypingDebounce <= 0 {
		o.TypingDebounce = 3 * time.Second
	}
	if o.RemoteTypingWindow <= 0 {
		o.RemoteTypingWindow = 5 * time.Second
	}
	if o.RemoteTypingWindow <= o.TypingDebounce {
		o.RemoteTypingWindow = o.TypingDebounce + o.TypingDebounce/2
	}
	if o.ReceiptTick <= 0 {
		o.ReceiptTick = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
}

// Engine owns the five state components of one session.
type Engine struct {
	opts     Options
	router   *Router
	list     *Conversations
	thread   *Thread
	typing   *Typing
	receipts *Receipts
	subs     []*Subscription

	ctx         context.Context
	cancel      context.CancelFunc
	listFetched bool
	closed      bool
}

func NewEngine(opts Options) *Engine {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:   opts,
		router: NewRouter(),
		list:   NewConversations(),
		thread: NewThread(),
		ctx:    ctx,
		cancel: cancel,
	}
	e.typing = NewTyping(opts.Scheduler, opts.TypingDebounce, opts.RemoteTypingWindow,
		func(sig ws.TypingSignal) { e.send(sig) },
		func(chatID model.ID, active bool) { e.opts.Observer.TypingChanged(chatID, active) })
	e.receipts = NewReceipts(opts.Scheduler, opts.ReceiptTick, e.thread.Last,
		func(label string) { e.opts.Observer.ReceiptChanged(label) })

	e.subs = []*Subscription{
		e.router.On(ws.ChannelStatus, Handle(e.onStatus)),
		e.router.On(ws.ChannelTypingStart, Handle(func(p ws.TypingPayload) { e.typing.RemoteStart(p.ChatID) })),
		e.router.On(ws.ChannelTypingStop, Handle(func(p ws.TypingPayload) { e.typing.RemoteStop(p.ChatID) })),
		e.router.On(ws.ChannelChat, Handle(e.onChat)),
		e.router.On(ws.ChannelChatSeen, Handle(e.onSeen)),
		e.router.On(ws.ChannelChatDelete, Handle(e.onDelete)),
		e.router.On(ws.ChannelNewChat, Handle(e.onNewChat)),
	}
	return e
}

// Router exposes the bus so other components can listen to the same frames.
func (e *Engine) Router() *Router { return e.router }

// HandleFrame routes one inbound frame. Frames must be handed over in arrival order.
func (e *Engine) HandleFrame(raw []byte) bool {
	if e.closed {
		return false
	}
	return e.router.Dispatch(raw)
}

// --- Inbound ---

func (e *Engine) onStatus(p ws.StatusPayload) {
	if e.list.SetOnline(p.User, p.Status) {
		e.opts.Observer.ConversationsChanged()
	}
	if p.User != "" && p.User == e.thread.ChatID() {
		e.thread.SetPeerOnline(p.Status)
		e.opts.Observer.ThreadChanged(false)
	}
}

func (e *Engine) onChat(m model.Message) {
	if m.ChatID.IsZero() {
		logger.Warnf("chat: message without chat_id id=%s", m.ID)
		return
	}
	m.Own(e.opts.SelfID)
	if m.ChatID == e.thread.ChatID() {
		if appended, follow := e.thread.AppendRemote(m); appended {
			e.opts.Observer.ThreadChanged(follow)
		}
		if !m.IsOwn {
			e.send(ws.SeenSignal{Channel: ws.ChannelChatSeen, ChatID: m.ChatID, To: m.SenderID})
		}
	} else if !e.list.IncrementUnread(m.ChatID) {
		logger.Debugf("chat: message for unknown conversation chat_id=%s", m.ChatID)
	}
	if e.list.ApplyPreview(m.ChatID, m) {
		e.opts.Observer.ConversationsChanged()
	}
}

func (e *Engine) onSeen(p ws.SeenPayload) {
	if p.ChatID == "" || p.ChatID != e.thread.ChatID() {
		return
	}
	at := p.Message.Timestamp.Time
	if at.IsZero() {
		at = e.opts.Scheduler.Now()
	}
	if e.thread.MarkLastOwnRead(at) {
		e.opts.Observer.ThreadChanged(false)
	}
}

func (e *Engine) onDelete(p ws.DeletePayload) {
	e.applyDelete(p.ChatID, p.OldMessageID, p.NewMessage)
}

func (e *Engine) onNewChat(p ws.NewChatPayload) {
	if p.User.ID.IsZero() {
		logger.Warnf("chat: new-chat without id")
		return
	}
	e.list.Insert(p.User)
	e.opts.Observer.ConversationsChanged()
}

// applyDelete removes oldID from the thread and rebuilds the preview from repl when
// the preview showed the removed message. A nil repl means the conversation is empty.
func (e *Engine) applyDelete(chatID, oldID model.ID, repl *model.Message) {
	if chatID.IsZero() || oldID.IsZero() {
		return
	}
	if repl != nil {
		repl.Own(e.opts.SelfID)
	}
	if chatID == e.thread.ChatID() && e.thread.Remove(oldID) {
		e.opts.Observer.ThreadChanged(false)
	}
	self := e.opts.SelfID
	changed := false
	e.list.Patch(chatID, func(c *model.Conversation) {
		if c.LastMessageID != "" && c.LastMessageID != oldID {
			return
		}
		fromPeer := c.LastMessageID == oldID && c.LastSenderID != "" && c.LastSenderID != self
		if repl != nil {
			c.ApplyPreview(*repl)
		} else {
			c.ClearPreview()
		}
		if fromPeer && c.UnreadCount > 0 {
			c.UnreadCount--
		}
		changed = true
	})
	if changed {
		e.opts.Observer.ConversationsChanged()
	}
}

// --- User actions ---

// LoadConversations renders the cached snapshot (if any) and then replaces it with
// a fresh fetch, which is cached in turn.
func (e *Engine) LoadConversations() {
	if e.opts.Snapshots != nil {
		var cached []model.Conversation
		e.call("snapshot.Load", func(ctx context.Context) error {
			var err error
			cached, err = e.opts.Snapshots.LoadConversations(ctx, e.opts.SelfID)
			return err
		}, func(err error) {
			if err != nil {
				if !errors.Is(err, storage.ErrNoSnapshot) {
					logger.Warnf("chat: snapshot load: %v", err)
				}
				return
			}
			if e.listFetched || e.list.Len() > 0 {
				return
			}
			e.list.Load(cached)
			e.opts.Observer.ConversationsChanged()
		})
	}

	var fetched []model.Conversation
	e.call("api.Conversations", func(ctx context.Context) error {
		var err error
		fetched, err = e.opts.API.Conversations(ctx)
		return err
	}, func(err error) {
		if err != nil {
			logger.Errorf("chat: load conversations: %v", err)
			return
		}
		e.listFetched = true
		e.list.Load(fetched)
		if open := e.thread.ChatID(); open != "" {
			e.list.ResetUnread(open)
		}
		e.opts.Observer.ConversationsChanged()
		e.saveSnapshot()
	})
}

func (e *Engine) saveSnapshot() {
	if e.opts.Snapshots == nil {
		return
	}
	list := e.list.Sorted()
	e.call("snapshot.Save", func(ctx context.Context) error {
		return e.opts.Snapshots.SaveConversations(ctx, e.opts.SelfID, list)
	}, func(err error) {
		if err != nil {
			logger.Warnf("chat: snapshot save: %v", err)
		}
	})
}

// Open makes id the resident thread: the unread count is reset, the latest message
// is acknowledged and the history is fetched.
func (e *Engine) Open(id model.ID) error {
	if e.closed {
		return ErrShutdown
	}
	conv, ok := e.list.Get(id)
	if !ok {
		return fmt.Errorf("chat.Open %s: %w", id, ErrNoConversation)
	}
	if e.thread.ChatID() == id {
		return nil
	}

	e.typing.Attach(id)
	gen := e.thread.Load(id, nil)
	e.thread.SetPeerOnline(conv.IsOnline)
	e.list.ResetUnread(id)
	e.receipts.Stop()
	e.receipts.Start()

	if conv.PreviewLabel() != "" {
		e.send(ws.SeenSignal{Channel: ws.ChannelChatSeen, ChatID: id, To: conv.Recipient()})
		e.call("api.MarkSeen", func(ctx context.Context) error {
			return e.opts.API.MarkSeen(ctx, id)
		}, func(err error) {
			if err != nil {
				logger.Warnf("chat: mark seen chat_id=%s: %v", id, err)
			}
		})
	}

	var history []model.Message
	e.call("api.History", func(ctx context.Context) error {
		var err error
		history, err = e.opts.API.History(ctx, id)
		return err
	}, func(err error) {
		if err != nil {
			logger.Errorf("chat: history chat_id=%s: %v", id, err)
			return
		}
		for i := range history {
			history[i].Own(e.opts.SelfID)
			if history[i].ChatID == "" {
				history[i].ChatID = id
			}
		}
		if !e.thread.Merge(gen, history) {
			logger.Debugf("chat: stale history dropped chat_id=%s", id)
			return
		}
		e.opts.Observer.ThreadChanged(true)
	})

	e.opts.Observer.ConversationsChanged()
	e.opts.Observer.ThreadChanged(true)
	return nil
}

// Leave closes the open thread.
func (e *Engine) Leave() {
	if e.thread.ChatID() == "" {
		return
	}
	e.typing.Detach()
	e.receipts.Stop()
	e.thread.Reset()
	e.opts.Observer.ThreadChanged(false)
}

// Input reports the composer content after a keystroke.
func (e *Engine) Input(text string) {
	e.typing.Input(text)
}

// Send appends d optimistically and sends it. The entry is confirmed or rolled back
// when the request completes; a completion that arrives after the thread was switched
// only refreshes the conversation list.
func (e *Engine) Send(d model.Draft) (SendHandle, error) {
	if e.closed {
		return SendHandle{}, ErrShutdown
	}
	chatID := e.thread.ChatID()
	if chatID == "" {
		return SendHandle{}, fmt.Errorf("chat.Send: %w", ErrNoConversation)
	}
	d.Normalize()
	if err := d.Validate(); err != nil {
		return SendHandle{}, fmt.Errorf("chat.Send: %w: %v", ErrInvalidDraft, err)
	}

	self := e.opts.SelfID
	h := e.thread.OptimisticSend(d, self, e.opts.Scheduler.Now())
	e.thread.SetAtBottom(true)
	e.typing.Sent()
	e.opts.Observer.ThreadChanged(true)

	var rec model.Message
	e.call("api.Send", func(ctx context.Context) error {
		var err error
		rec, err = e.opts.API.Send(ctx, chatID, d)
		return err
	}, func(err error) {
		if err != nil {
			logger.Warnf("chat: send failed chat_id=%s temp=%s: %v", chatID, h.TempID, err)
			if e.thread.Rollback(h) {
				e.opts.Observer.ThreadChanged(false)
			}
			e.opts.Observer.SendFailed(h, err)
			return
		}
		if rec.SenderID == "" {
			rec.SenderID = self
		}
		if rec.ChatID == "" {
			rec.ChatID = chatID
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = model.At(e.opts.Scheduler.Now())
		}
		rec.Own(self)
		if e.thread.Confirm(h, rec) {
			e.opts.Observer.ThreadChanged(false)
		}
		if e.list.ApplyPreview(chatID, rec) {
			e.opts.Observer.ConversationsChanged()
		}
	})
	return h, nil
}

// Unsend retracts an own confirmed message of the open thread.
func (e *Engine) Unsend(messageID model.ID) error {
	if e.closed {
		return ErrShutdown
	}
	chatID := e.thread.ChatID()
	if chatID == "" {
		return fmt.Errorf("chat.Unsend: %w", ErrNoConversation)
	}
	found := false
	for _, m := range e.thread.Messages() {
		if m.ID == messageID && m.IsOwn && !IsTemp(m.ID) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("chat.Unsend %s: %w", messageID, ErrNoMessage)
	}

	var repl *model.Message
	e.call("api.Unsend", func(ctx context.Context) error {
		var err error
		repl, err = e.opts.API.Unsend(ctx, messageID)
		return err
	}, func(err error) {
		if err != nil {
			logger.Warnf("chat: unsend failed id=%s: %v", messageID, err)
			return
		}
		e.applyDelete(chatID, messageID, repl)
	})
	return nil
}

// SetAtBottom records whether the thread view is scrolled to the newest entry.
func (e *Engine) SetAtBottom(at bool) {
	e.thread.SetAtBottom(at)
}

// View is a read-only projection of the engine state.
type View struct {
	Conversations []model.Conversation `json:"conversations"`
	OpenChatID    model.ID             `json:"openChatId"`
	Messages      []model.Message      `json:"messages"`
	PeerOnline    bool                 `json:"peerOnline"`
	LocalTyping   bool                 `json:"localTyping"`
	RemoteTyping  bool                 `json:"remoteTyping"`
	SeenMessageID model.ID             `json:"seenMessageId,omitempty"`
	SeenLabel     string               `json:"seenLabel,omitempty"`
	AtBottom      bool                 `json:"atBottom"`
	NewBelow      int                  `json:"newBelow"`
}

// Snapshot projects the current state. Slices are copies.
func (e *Engine) Snapshot() View {
	seenID, label := e.receipts.Label()
	return View{
		Conversations: e.list.Sorted(),
		OpenChatID:    e.thread.ChatID(),
		Messages:      e.thread.Messages(),
		PeerOnline:    e.thread.PeerOnline(),
		LocalTyping:   e.typing.Local() == TypingActive,
		RemoteTyping:  e.typing.Remote() == TypingActive,
		SeenMessageID: seenID,
		SeenLabel:     label,
		AtBottom:      e.thread.AtBottom(),
		NewBelow:      e.thread.NewBelow(),
	}
}

// SendState reports the lifecycle of an optimistic send.
func (e *Engine) SendState(h SendHandle) SendState { return e.thread.State(h) }

// Shutdown stops timers, drops handlers and abandons in-flight requests.
func (e *Engine) Shutdown() {
	if e.closed {
		return
	}
	e.typing.Detach()
	e.receipts.Stop()
	for _, s := range e.subs {
		s.Cancel()
	}
	e.router.Close()
	e.cancel()
	e.closed = true
}

func (e *Engine) send(v any) {
	if e.opts.Sender == nil {
		return
	}
	e.opts.Sender.Send(v)
}

// call runs work off the loop with a request timeout and hands its error to then
// on the loop. Completions arriving after Shutdown are dropped.
func (e *Engine) call(name string, work func(ctx context.Context) error, then func(err error)) {
	var err error
	e.opts.Scheduler.Go(func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
		defer cancel()
		defer logger.DeferLogDuration(name, time.Now())()
		err = work(ctx)
	}, func() {
		if e.closed {
			return
		}
		then(err)
	})
}
