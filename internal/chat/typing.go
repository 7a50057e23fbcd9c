package chat

import (
	"strings"
	"time"

	"github.com/chatsync/internal/eventloop"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/ws"
)

// TypingState is the state of one direction of the typing indicator.
type TypingState int

const (
	TypingIdle TypingState = iota
	TypingActive
)

func (s TypingState) String() string {
	if s == TypingActive {
		return "active"
	}
	return "idle"
}

// Typing owns the local and remote typing state of the open conversation and the
// only two timers behind them. Attach/Detach cancel both atomically; callbacks also
// carry the attachment epoch so nothing from a previous conversation can land.
type Typing struct {
	sched    eventloop.Scheduler
	debounce time.Duration
	window   time.Duration
	emit     func(ws.TypingSignal)
	onRemote func(chatID model.ID, active bool)

	chatID model.ID
	epoch  uint64

	local      TypingState
	localTimer eventloop.Timer
	lastStart  time.Time

	remote      TypingState
	remoteTimer eventloop.Timer
}

// NewTyping creates the state machine. emit sends a signal to the peer; onRemote is
// told whenever the peer indicator flips.
func NewTyping(sched eventloop.Scheduler, debounce, window time.Duration, emit func(ws.TypingSignal), onRemote func(model.ID, bool)) *Typing {
	if window <= debounce {
		window = debounce + debounce/2
	}
	if onRemote == nil {
		onRemote = func(model.ID, bool) {}
	}
	return &Typing{sched: sched, debounce: debounce, window: window, emit: emit, onRemote: onRemote}
}

func (t *Typing) Local() TypingState  { return t.local }
func (t *Typing) Remote() TypingState { return t.remote }
func (t *Typing) ChatID() model.ID    { return t.chatID }

// Attach binds the state machine to chatID, leaving the previous conversation first.
func (t *Typing) Attach(chatID model.ID) {
	t.Detach()
	t.chatID = chatID
}

// Detach cancels every timer. A local session still active is closed with a final
// typing-stop for the conversation being left.
func (t *Typing) Detach() {
	if t.local == TypingActive && t.chatID != "" {
		t.send(ws.ChannelTypingStop)
	}
	stop(&t.localTimer)
	stop(&t.remoteTimer)
	t.local = TypingIdle
	t.remote = TypingIdle
	t.lastStart = time.Time{}
	t.chatID = ""
	t.epoch++
}

// Input reacts to the composer content after a keystroke.
func (t *Typing) Input(text string) {
	if t.chatID == "" {
		return
	}
	if strings.TrimSpace(text) == "" {
		t.stopLocal()
		return
	}
	now := t.sched.Now()
	switch {
	case t.local == TypingIdle:
		t.local = TypingActive
		t.lastStart = now
		t.send(ws.ChannelTypingStart)
	case now.Sub(t.lastStart) >= t.debounce:
		// heartbeat: keep the peer's auto-clear from firing during long compositions
		t.lastStart = now
		t.send(ws.ChannelTypingStart)
	}
	stop(&t.localTimer)
	epoch := t.epoch
	t.localTimer = t.sched.AfterFunc(t.debounce, func() {
		if epoch != t.epoch {
			return
		}
		t.localTimer = nil
		t.stopLocal()
	})
}

// Sent forces the local side idle after a message went out.
func (t *Typing) Sent() {
	t.stopLocal()
}

func (t *Typing) stopLocal() {
	stop(&t.localTimer)
	if t.local != TypingActive {
		return
	}
	t.local = TypingIdle
	t.lastStart = time.Time{}
	t.send(ws.ChannelTypingStop)
}

// RemoteStart marks the peer as typing and restarts the auto-clear window.
// Signals for a conversation other than the attached one are dropped.
func (t *Typing) RemoteStart(chatID model.ID) bool {
	if chatID == "" || chatID != t.chatID {
		return false
	}
	stop(&t.remoteTimer)
	epoch := t.epoch
	t.remoteTimer = t.sched.AfterFunc(t.window, func() {
		if epoch != t.epoch {
			return
		}
		t.remoteTimer = nil
		t.clearRemote()
	})
	if t.remote == TypingActive {
		return true
	}
	t.remote = TypingActive
	t.onRemote(t.chatID, true)
	return true
}

// RemoteStop clears the peer indicator.
func (t *Typing) RemoteStop(chatID model.ID) bool {
	if chatID == "" || chatID != t.chatID {
		return false
	}
	stop(&t.remoteTimer)
	t.clearRemote()
	return true
}

func (t *Typing) clearRemote() {
	if t.remote != TypingActive {
		return
	}
	t.remote = TypingIdle
	t.onRemote(t.chatID, false)
}

func (t *Typing) send(ch ws.Channel) {
	if t.emit != nil {
		t.emit(ws.TypingSignal{Channel: ch, ChatID: t.chatID})
	}
}

func stop(tm *eventloop.Timer) {
	if *tm != nil {
		(*tm).Stop()
		*tm = nil
	}
}
