// Package session ties one transport, one event loop and one chat engine together
// for the lifetime of a login.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/eventloop"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/ws"
)

var (
	// ErrNotRunning is returned by calls made before Start.
	ErrNotRunning = errors.New("session: not running")
	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("session: closed")
)

// Transport is what a session needs from the socket. ws.Manager implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(v any) bool
	Subscribe(fn func(raw []byte)) *ws.Subscription
	Close() error
}

// Options configures a Session. Engine.Scheduler and Engine.Sender are filled in by New.
type Options struct {
	Engine    chat.Options
	Transport Transport
	QueueSize int
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

// Session owns exactly one transport, loop and engine.
// Lifecycle: New -> Start (retryable) -> Close or Logout.
type Session struct {
	opts   Options
	loop   *eventloop.Loop
	engine *chat.Engine

	mu      sync.Mutex
	state   state
	looping bool
	cancel  context.CancelFunc
	sub     *ws.Subscription
}

func New(opts Options) *Session {
	loop := eventloop.New(opts.QueueSize)
	eo := opts.Engine
	eo.Scheduler = loop
	eo.Sender = opts.Transport
	return &Session{
		opts:   opts,
		loop:   loop,
		engine: chat.NewEngine(eo),
		cancel: func() {},
	}
}

// FromConfig builds the production options: a websocket manager and an API client
// both authenticated with the session cookie.
func FromConfig(cfg *config.Config, snapshots storage.SnapshotStore, obs chat.Observer) Options {
	header := http.Header{}
	if cfg.SessionToken != "" {
		header.Set("Cookie", (&http.Cookie{Name: cfg.SessionCookieName, Value: cfg.SessionToken}).String())
	}
	transport := ws.NewManager(cfg.ServerURL,
		ws.WithHeader(header),
		ws.WithTimeouts(cfg.WSWriteTimeout, cfg.WSPongTimeout),
		ws.WithLimits(cfg.WSMaxMessageSize, cfg.WSSendBufferSize),
	)
	client := api.New(api.Options{
		BaseURL:      cfg.APIBaseURL,
		CookieName:   cfg.SessionCookieName,
		SessionToken: cfg.SessionToken,
		Timeout:      cfg.RequestTimeout,
	})
	return Options{
		Engine: chat.Options{
			SelfID:             model.ID(cfg.SelfID),
			TypingDebounce:     cfg.TypingDebounce,
			RemoteTypingWindow: cfg.RemoteTypingWindow,
			ReceiptTick:        cfg.ReceiptTick,
			RequestTimeout:     cfg.RequestTimeout,
			API:                client,
			Snapshots:          snapshots,
			Observer:           obs,
		},
		Transport: transport,
	}
}

// Start runs the loop, subscribes to the transport and connects it, then loads the
// conversation list. A failed connect may be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrClosed
	}

	if !s.looping {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.looping = true
		go s.loop.Run(loopCtx)
	}
	if s.sub == nil {
		s.sub = s.opts.Transport.Subscribe(s.deliver)
	}
	if err := s.opts.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("session.Start: %w", err)
	}
	s.state = stateRunning
	if err := s.loop.Post(s.engine.LoadConversations); err != nil {
		return fmt.Errorf("session.Start: %w", err)
	}
	logger.Infof("session started self=%s", s.opts.Engine.SelfID)
	return nil
}

// deliver runs on the transport's read goroutine. Post blocks while the loop queue
// is full, so frames reach the engine in arrival order.
func (s *Session) deliver(raw []byte) {
	if err := s.loop.Post(func() { s.engine.HandleFrame(raw) }); err != nil {
		logger.Debugf("session: frame dropped: %v", err)
	}
}

// Do runs fn on the event loop with exclusive access to the engine.
func (s *Session) Do(ctx context.Context, fn func(e *chat.Engine)) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case stateNew:
		return ErrNotRunning
	case stateClosed:
		return ErrClosed
	}
	return s.loop.Call(ctx, func() { fn(s.engine) })
}

// Snapshot returns the current projection of the engine state.
func (s *Session) Snapshot(ctx context.Context) (chat.View, error) {
	var v chat.View
	err := s.Do(ctx, func(e *chat.Engine) { v = e.Snapshot() })
	return v, err
}

// Done is closed when the event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.loop.Done() }

// Close shuts the engine down, closes the transport and stops the loop. The cached
// conversation list is kept. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == stateRunning
	s.state = stateClosed
	sub, looping := s.sub, s.looping
	s.mu.Unlock()

	if wasRunning {
		// Shutdown still sends a final typing stop, so the socket closes after it.
		if err := s.loop.Call(ctx, s.engine.Shutdown); err != nil {
			logger.Warnf("session: engine shutdown: %v", err)
		}
	}
	sub.Unsubscribe()
	err := s.opts.Transport.Close()
	s.cancel()
	if looping {
		<-s.loop.Done()
	}
	logger.Info("session closed")
	if err != nil {
		return fmt.Errorf("session.Close: %w", err)
	}
	return nil
}

// Logout closes the session and forgets the cached conversation list.
func (s *Session) Logout(ctx context.Context) error {
	err := s.Close(ctx)
	if store := s.opts.Engine.Snapshots; store != nil {
		if derr := store.DeleteConversations(ctx, s.opts.Engine.SelfID); derr != nil {
			err = errors.Join(err, fmt.Errorf("session.Logout: %w", derr))
		}
	}
	return err
}
