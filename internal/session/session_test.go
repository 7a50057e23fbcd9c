package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// backend serves the REST endpoints and one websocket per connection.
type backend struct {
	*httptest.Server
	push chan string

	mu       sync.Mutex
	frames   []map[string]any
	seenPost int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{push: make(chan string, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var f map[string]any
				if json.Unmarshal(data, &f) == nil {
					b.mu.Lock()
					b.frames = append(b.frames, f)
					b.mu.Unlock()
				}
			}
		}()
		for {
			select {
			case data := <-b.push:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
					return
				}
			case <-gone:
				return
			}
		}
	})
	mux.HandleFunc("GET /api/get-users", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"12","name":"Ann","lastMessage":"hi","lastMessageId":"m1","lastMessageType":"text","sender_id":"12","timestamp":"2026-03-01T12:00:00Z","unreadCount":0}]`)
	})
	mux.HandleFunc("GET /api/get-messages/12", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"m1","chat_id":"12","sender_id":"12","content":"hi","type":"text","timestamp":"2026-03-01T12:00:00Z"}]`)
	})
	mux.HandleFunc("POST /api/set-seen-chat/12", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.seenPost++
		b.mu.Unlock()
	})
	mux.HandleFunc("POST /api/send-message/12", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"s1","chat_id":"12","sender_id":"me","content":"hello","type":"text","timestamp":"2026-03-01T12:05:00Z"}`)
	})
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *backend) config() *config.Config {
	return &config.Config{
		ServerURL:          "ws" + strings.TrimPrefix(b.URL, "http") + "/ws",
		APIBaseURL:         b.URL,
		SelfID:             "me",
		SessionCookieName:  "session_token",
		SessionToken:       "tok",
		RequestTimeout:     5 * time.Second,
		WSWriteTimeout:     5 * time.Second,
		WSPongTimeout:      30 * time.Second,
		WSMaxMessageSize:   65536,
		WSSendBufferSize:   64,
		TypingDebounce:     3 * time.Second,
		RemoteTypingWindow: 5 * time.Second,
		ReceiptTick:        time.Second,
	}
}

func (b *backend) sent(channel string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, f := range b.frames {
		if f["channel"] == channel {
			out = append(out, f)
		}
	}
	return out
}

func chatFrame(id string, at time.Time) string {
	return fmt.Sprintf(`{"channel":"chat","payload":{"id":%q,"chat_id":"12","sender_id":"12","content":"msg %s","type":"text","timestamp":%q}}`,
		id, id, at.Format(time.RFC3339))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func view(t *testing.T, s *Session) chat.View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return v
}

func TestSessionEndToEnd(t *testing.T) {
	b := newBackend(t)
	store := memory.New(time.Hour)
	s := New(FromConfig(b.config(), store, nil))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "conversation list", func() bool { return len(view(t, s).Conversations) == 1 })
	eventually(t, "snapshot saved", func() bool {
		_, err := store.LoadConversations(ctx, "me")
		return err == nil
	})

	base := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	b.push <- chatFrame("m2", base)
	eventually(t, "unread increment", func() bool {
		c := view(t, s).Conversations[0]
		return c.UnreadCount == 1 && c.LastMessageID == "m2"
	})

	if err := s.Do(ctx, func(e *chat.Engine) {
		if err := e.Open("12"); err != nil {
			t.Errorf("open: %v", err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if c := view(t, s).Conversations[0]; c.UnreadCount != 0 {
		t.Errorf("unread after open = %d", c.UnreadCount)
	}
	eventually(t, "chat-seen on open", func() bool {
		seen := b.sent("chat-seen")
		return len(seen) == 1 && seen[0]["to"] == "12"
	})
	eventually(t, "mark-seen request", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.seenPost == 1
	})

	for i := 3; i <= 22; i++ {
		b.push <- chatFrame(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
	}
	eventually(t, "live messages", func() bool { return len(view(t, s).Messages) == 21 })
	msgs := view(t, s).Messages
	if msgs[0].ID != "m1" {
		t.Errorf("history not first: %s", msgs[0].ID)
	}
	for i, m := range msgs[1:] {
		if want := model.ID(fmt.Sprintf("m%d", i+3)); m.ID != want {
			t.Fatalf("position %d = %s, want %s", i+1, m.ID, want)
		}
	}
	eventually(t, "acknowledgements", func() bool { return len(b.sent("chat-seen")) == 21 })

	var h chat.SendHandle
	if err := s.Do(ctx, func(e *chat.Engine) {
		var err error
		h, err = e.Send(model.Draft{Content: "hello", Kind: model.KindText})
		if err != nil {
			t.Errorf("send: %v", err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "send confirmation", func() bool {
		var st chat.SendState
		_ = s.Do(ctx, func(e *chat.Engine) { st = e.SendState(h) })
		return st == chat.SendConfirmed
	})
	if last := view(t, s).Messages[21]; last.ID != "s1" || !last.IsOwn {
		t.Errorf("last = %+v", last)
	}

	if err := s.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop still running after logout")
	}
	if _, err := store.LoadConversations(ctx, "me"); !errors.Is(err, storage.ErrNoSnapshot) {
		t.Errorf("snapshot survived logout: %v", err)
	}
	if err := s.Do(ctx, func(*chat.Engine) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("do after logout = %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("restart = %v", err)
	}
}

func TestSessionStartFailureIsRetryable(t *testing.T) {
	b := newBackend(t)
	cfg := b.config()
	cfg.ServerURL = "ws" + strings.TrimPrefix(b.URL, "http") + "/missing"
	s := New(FromConfig(cfg, nil, nil))
	ctx := context.Background()

	if err := s.Do(ctx, func(*chat.Engine) {}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("do before start = %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("connected to a non-websocket endpoint")
	}
	if err := s.Do(ctx, func(*chat.Engine) {}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("do after failed start = %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("second close = %v", err)
	}
}

func TestCloseKeepsSnapshot(t *testing.T) {
	b := newBackend(t)
	store := memory.New(time.Hour)
	s := New(FromConfig(b.config(), store, nil))
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "snapshot saved", func() bool {
		_, err := store.LoadConversations(ctx, "me")
		return err == nil
	})
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadConversations(ctx, "me"); err != nil {
		t.Errorf("snapshot dropped on close: %v", err)
	}
}

func TestCloseWhileTypingSendsFinalStop(t *testing.T) {
	for i := 0; i < 5; i++ {
		b := newBackend(t)
		s := New(FromConfig(b.config(), nil, nil))
		ctx := context.Background()
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		eventually(t, "conversation list", func() bool { return len(view(t, s).Conversations) == 1 })
		if err := s.Do(ctx, func(e *chat.Engine) {
			if err := e.Open("12"); err != nil {
				t.Errorf("open: %v", err)
			}
			e.Input("hel")
		}); err != nil {
			t.Fatal(err)
		}
		eventually(t, "typing-start", func() bool { return len(b.sent("typing-start")) == 1 })

		if err := s.Close(ctx); err != nil {
			t.Fatal(err)
		}
		eventually(t, "typing-stop after close", func() bool {
			stops := b.sent("typing-stop")
			return len(stops) == 1 && stops[0]["chat_id"] == "12"
		})
	}
}
