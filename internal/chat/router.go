package chat

import (
	"fmt"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/ws"
	"github.com/goccy/go-json"
)

// Handler consumes the payload of one frame.
type Handler func(payload json.RawMessage) error

// Handle adapts a typed callback into a Handler that decodes the payload into T first.
func Handle[T any](fn func(T)) Handler {
	return func(payload json.RawMessage) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return err
		}
		fn(v)
		return nil
	}
}

// Subscription is the handle returned by Router.On.
type Subscription struct {
	r       *Router
	channel ws.Channel
	id      uint64
	h       Handler
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.r == nil {
		return
	}
	s.r.remove(s)
	s.r = nil
}

// Router is a publish/subscribe bus keyed by channel discriminator.
// Not safe for concurrent use: Dispatch and On run on the event loop.
type Router struct {
	handlers map[ws.Channel][]*Subscription
	nextID   uint64
}

func NewRouter() *Router {
	return &Router{handlers: make(map[ws.Channel][]*Subscription)}
}

// On registers h for channel. Handlers of one channel run in registration order.
func (r *Router) On(channel ws.Channel, h Handler) *Subscription {
	r.nextID++
	s := &Subscription{r: r, channel: channel, id: r.nextID, h: h}
	r.handlers[channel] = append(r.handlers[channel], s)
	return s
}

func (r *Router) remove(s *Subscription) {
	cur := r.handlers[s.channel]
	kept := make([]*Subscription, 0, len(cur))
	for _, h := range cur {
		if h.id != s.id {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, s.channel)
		return
	}
	r.handlers[s.channel] = kept
}

// Handlers is the number of handlers registered for channel.
func (r *Router) Handlers(channel ws.Channel) int {
	return len(r.handlers[channel])
}

// Dispatch decodes raw and runs the handlers of its channel synchronously.
// Malformed frames and payloads are logged and discarded; the return value only
// reports whether at least one handler accepted the frame.
func (r *Router) Dispatch(raw []byte) bool {
	f, err := ws.DecodeFrame(raw)
	if err != nil {
		logger.Errorf("router: discard frame: %v raw=%.200s", err, raw)
		return false
	}
	subs := r.handlers[f.Channel]
	if len(subs) == 0 {
		logger.Debugf("router: no handler channel=%s", f.Channel)
		return false
	}
	// a handler may cancel subscriptions; iterate over a copy
	subs = append([]*Subscription(nil), subs...)
	ok := false
	for _, s := range subs {
		if err := s.h(f.Payload); err != nil {
			logger.Errorf("router: %v", fmt.Errorf("channel=%s: %w", f.Channel, err))
			continue
		}
		ok = true
	}
	return ok
}

// Close drops every handler; outstanding subscriptions become no-ops.
func (r *Router) Close() {
	for _, subs := range r.handlers {
		for _, s := range subs {
			s.r = nil
		}
	}
	r.handlers = make(map[ws.Channel][]*Subscription)
}
