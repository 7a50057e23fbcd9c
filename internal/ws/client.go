package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 << 10
	defaultSendBufSize    = 64
)

var (
	// ErrNoChannel marks a frame without a channel discriminator.
	ErrNoChannel = errors.New("ws: frame has no channel")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("ws: manager closed")
)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	m  *Manager
	id uint64
	fn func([]byte)
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.m == nil {
		return
	}
	s.m.Unsubscribe(s)
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeader sets handshake headers (session cookie).
func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h.Clone() }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithTimeouts sets write and pong deadlines.
func WithTimeouts(write, pong time.Duration) Option {
	return func(m *Manager) {
		if write > 0 {
			m.writeWait = write
		}
		if pong > 0 {
			m.pongWait = pong
		}
	}
}

// WithLimits sets the inbound frame size limit and the outbound queue length.
func WithLimits(maxMessageSize int64, sendBuf int) Option {
	return func(m *Manager) {
		if maxMessageSize > 0 {
			m.maxMessageSize = maxMessageSize
		}
		if sendBuf > 0 {
			m.sendBufSize = sendBuf
		}
	}
}

// Manager owns the single duplex socket of a session.
// Lifecycle: NewManager -> Connect -> [readPump, writePump] -> Close.
// There is no reconnect: after an unexpected closure the manager reports !Open()
// until Connect is called again.
type Manager struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	writeWait      time.Duration
	pongWait       time.Duration
	maxMessageSize int64
	sendBufSize    int

	mu     sync.Mutex
	conn   *conn
	closed bool

	subMu  sync.RWMutex
	subs   []*Subscription
	nextID uint64
}

// conn is one live connection with its pumps.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	// closing asks the write pump to flush send and perform the close handshake.
	closing     chan struct{}
	closingOnce sync.Once
	readDone    chan struct{}
}

func (c *conn) shutdown() {
	c.closingOnce.Do(func() { close(c.closing) })
}

func (c *conn) close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		// unblock ReadMessage / WriteMessage in both pumps
		c.ws.Close()
	})
}

// NewManager creates a manager for url. It does not dial.
func NewManager(url string, opts ...Option) *Manager {
	m := &Manager{
		url:            url,
		dialer:         websocket.DefaultDialer,
		writeWait:      defaultWriteWait,
		pongWait:       defaultPongWait,
		maxMessageSize: defaultMaxMessageSize,
		sendBufSize:    defaultSendBufSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the socket unless one is already live.
func (m *Manager) Connect(ctx context.Context) error {
	defer logger.DeferLogDuration("ws.Connect", time.Now())()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.conn != nil {
		return nil
	}

	wsConn, resp, err := m.dialer.DialContext(ctx, m.url, m.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws.Connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("ws.Connect: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     wsConn,
		send:     make(chan []byte, m.sendBufSize),
		done:     make(chan struct{}),
		cancel:   cancel,
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	m.conn = c
	c.wg.Add(2)
	go m.writePump(pumpCtx, c)
	go m.readPump(pumpCtx, c)
	logger.Infof("ws connected url=%s", m.url)
	return nil
}

// Open reports whether a live connection exists.
func (m *Manager) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send marshals v and queues it for writing. Fire-and-forget: it returns false and
// drops the frame when no connection is open or the outbound queue is full.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		logger.Debugf("ws send dropped: not connected")
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("ws marshal error: %v", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		logger.Debugf("ws send dropped: connection closing")
		return false
	default:
		logger.Errorf("ws send buffer full, frame dropped")
		return false
	}
}

// Subscribe registers fn for every inbound frame. Subscribers run on the read pump
// goroutine in registration order; frames arrive in delivery order.
func (m *Manager) Subscribe(fn func(raw []byte)) *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	s := &Subscription{m: m, id: m.nextID, fn: fn}
	m.subs = append(m.subs, s)
	return s
}

// Unsubscribe removes s.
func (m *Manager) Unsubscribe(s *Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	kept := make([]*Subscription, 0, len(m.subs))
	for _, cur := range m.subs {
		if cur.id != s.id {
			kept = append(kept, cur)
		}
	}
	m.subs = kept
}

// Subscribers is the number of registered subscribers.
func (m *Manager) Subscribers() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs)
}

// Close flushes frames already queued by Send, performs the close handshake and
// clears all subscribers. Called once at logout; safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.closed = true
	m.mu.Unlock()

	m.subMu.Lock()
	m.subs = nil
	m.subMu.Unlock()

	if c == nil {
		return nil
	}
	c.shutdown()
	c.wg.Wait()
	c.close()
	logger.Info("ws closed")
	return nil
}

// detach forgets c after an unexpected closure so Send stops queueing to it.
func (m *Manager) detach(c *conn) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) dispatch(raw []byte) {
	m.subMu.RLock()
	subs := make([]*Subscription, len(m.subs))
	copy(subs, m.subs)
	m.subMu.RUnlock()
	for _, s := range subs {
		s.fn(raw)
	}
}

// readPump reads frames and hands them to subscribers.
// Exits on read error (triggered by Close or by the server going away).
func (m *Manager) readPump(ctx context.Context, c *conn) {
	defer c.wg.Done()
	defer func() {
		close(c.readDone)
		m.detach(c)
		c.close()
	}()

	c.ws.SetReadLimit(m.maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(m.pongWait)); err != nil {
		logger.Errorf("ws set read deadline: %v", err)
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(m.pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// local Close
			case <-c.closing:
				// close handshake answered
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Errorf("ws read error: %v", err)
				}
				logger.Warnf("ws connection lost, live updates halted until next login")
			}
			return
		}
		// any frame proves liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(m.pongWait))
		m.dispatch(raw)
	}
}

// writePump writes queued frames and pings.
// Exits on ctx cancellation, write error, or connection close.
func (m *Manager) writePump(ctx context.Context, c *conn) {
	defer c.wg.Done()
	ticker := time.NewTicker((m.pongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(m.writeWait))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debugf("ws close message: %v", err)
			}
			return
		case <-c.closing:
			m.drain(c)
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(m.writeWait)); err != nil {
				logger.Errorf("ws set write deadline: %v", err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Errorf("ws write error: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(m.writeWait)); err != nil {
				logger.Errorf("ws set write deadline: %v", err)
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain writes what is left in send, sends a close frame and waits for the peer to
// answer it, all within one write deadline.
func (m *Manager) drain(c *conn) {
	deadline := time.Now().Add(m.writeWait)
	_ = c.ws.SetWriteDeadline(deadline)
flush:
	for {
		select {
		case data := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("ws flush on close: %v", err)
				return
			}
		default:
			break flush
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
		logger.Debugf("ws close message: %v", err)
		return
	}
	select {
	case <-c.readDone:
	case <-time.After(time.Until(deadline)):
		logger.Debugf("ws close handshake timed out")
	}
}
