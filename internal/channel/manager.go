package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"blackmoon-term/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeDeadline  = 10 * time.Second
	sendBufferSize = 256
)

var (
	// ErrNotOpen is returned by Send when no connection is open.
	ErrNotOpen = errors.New("channel is not open")
	// ErrSendQueueFull is returned when the outbound queue is saturated.
	ErrSendQueueFull = errors.New("channel send queue full")
	// ErrPendingRun is returned when a run is already queued.
	ErrPendingRun = errors.New("a run is already queued")
	// ErrClosed reports a connection closed by Close.
	ErrClosed = errors.New("channel closed")
)

// State is the connection state of the channel.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Handler receives connection events. Callbacks run on channel goroutines
// and are never invoked while the Manager holds its lock.
type Handler interface {
	// Opened is called once per successful connection. dispatched reports
	// whether a queued run was sent.
	Opened(dispatched bool)
	// Frame is called for every inbound text frame, in order.
	Frame(data string)
	// Closed is called once per connection attempt that ends, whether the
	// dial failed or an open connection dropped.
	Closed(err error)
}

// Options configures a Manager.
type Options struct {
	URL string
	// Token, when set, is sent as an Authorization bearer credential.
	Token string
	// Encoding is the wire encoding for outbound commands.
	Encoding string
	// DialTimeout bounds the connection attempt. Zero waits indefinitely.
	DialTimeout time.Duration
	// PingInterval enables keepalive pings. Zero disables them.
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Manager owns the single persistent connection to the execution backend.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	dialer  *websocket.Dialer
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler

	mu       sync.Mutex
	state    State
	conn     *conn
	pending  *protocol.Command
	shutdown bool
}

type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	local     bool // closed by Manager.Close
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewManager creates a closed channel. Call SetHandler before EnsureOpen.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		logger: logger.With(zap.String("component", "channel")),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler registers the event receiver.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureOpen starts a connection attempt unless one is open or already
// in progress. It never blocks on the network.
func (m *Manager) EnsureOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureOpenLocked()
}

func (m *Manager) ensureOpenLocked() {
	if m.state != StateClosed || m.shutdown {
		return
	}
	m.state = StateConnecting
	m.logger.Debug("connecting", zap.String("url", m.opts.URL))
	go m.dial()
}

// queueLocked records cmd as the pending run, sent once the channel
// opens. It returns false if a run is already queued.
func (m *Manager) queueLocked(cmd protocol.Command) bool {
	if m.pending != nil {
		return false
	}
	m.pending = &cmd
	return true
}

// DropPending discards the queued run, if any.
func (m *Manager) DropPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.pending != nil
	m.pending = nil
	return had
}

// SendOrQueue sends cmd if the channel is open. Otherwise it queues cmd
// as the pending run and ensures a connection attempt is in progress.
// sent reports which path was taken.
func (m *Manager) SendOrQueue(cmd protocol.Command) (sent bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOpen && m.conn != nil {
		if err := m.enqueueLocked(m.conn, cmd); err != nil {
			return false, err
		}
		return true, nil
	}

	if !m.queueLocked(cmd) {
		return false, ErrPendingRun
	}
	m.ensureOpenLocked()
	return false, nil
}

// Send enqueues cmd for the open connection. It never blocks. When the
// channel is not open the failure is logged and ErrNotOpen returned.
func (m *Manager) Send(cmd protocol.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.conn == nil {
		m.logger.Warn("send on non-open channel",
			zap.String("command", string(cmd.Kind)),
			zap.Stringer("state", m.state))
		return ErrNotOpen
	}
	return m.enqueueLocked(m.conn, cmd)
}

func (m *Manager) enqueueLocked(c *conn, cmd protocol.Command) error {
	data, err := cmd.Encode(m.opts.Encoding)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Kind, err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		m.logger.Warn("send queue full, dropping command", zap.String("command", string(cmd.Kind)))
		return ErrSendQueueFull
	}
}

// Close shuts the connection and prevents further attempts.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.shutdown = true
	m.cancel()
	c := m.conn
	if c != nil {
		c.local = true
	}
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeDeadline))
	c.close()
	return err
}

func (m *Manager) dial() {
	ctx := m.ctx
	if m.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()
	}

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	ws, _, err := m.dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.pending = nil
		h := m.handler
		m.mu.Unlock()

		m.logger.Warn("connect failed", zap.String("url", m.opts.URL), zap.Error(err))
		if h != nil {
			h.Closed(fmt.Errorf("connect %s: %w", m.opts.URL, err))
		}
		return
	}

	c := &conn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.shutdown {
		m.state = StateClosed
		m.pending = nil
		h := m.handler
		m.mu.Unlock()
		ws.Close()
		if h != nil {
			h.Closed(ErrClosed)
		}
		return
	}
	m.state = StateOpen
	m.conn = c
	dispatched := false
	if m.pending != nil {
		if err := m.enqueueLocked(c, *m.pending); err == nil {
			dispatched = true
		}
		m.pending = nil
	}
	h := m.handler
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("url", m.opts.URL), zap.Bool("dispatched", dispatched))

	go m.writePump(c)
	if h != nil {
		h.Opened(dispatched)
	}
	// Frames are read only after Opened so the handler sees the
	// transition before any output of the dispatched run.
	go m.readPump(c)
}

// readPump reads frames until the connection ends.
func (m *Manager) readPump(c *conn) {
	var readErr error
	defer func() {
		m.connClosed(c, readErr)
	}()

	if m.opts.PingInterval > 0 {
		timeout := 2 * m.opts.PingInterval
		c.ws.SetReadDeadline(time.Now().Add(timeout))
		c.ws.SetPongHandler(func(string) error {
			c.ws.SetReadDeadline(time.Now().Add(timeout))
			return nil
		})
	}

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if m.opts.PingInterval > 0 {
			c.ws.SetReadDeadline(time.Now().Add(2 * m.opts.PingInterval))
		}

		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			h.Frame(string(message))
		}
	}
}

// writePump drains the send queue and keeps the connection alive.
func (m *Manager) writePump(c *conn) {
	var tick <-chan time.Time
	if m.opts.PingInterval > 0 {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				m.logger.Warn("websocket write error", zap.Error(err))
				c.close()
				return
			}

		case <-tick:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// connClosed moves the Manager to Closed if c is still the live
// connection and reports the loss exactly once.
func (m *Manager) connClosed(c *conn, err error) {
	c.close()

	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateClosed
	m.pending = nil
	local := c.local
	h := m.handler
	m.mu.Unlock()

	if local {
		err = ErrClosed
	}
	m.logger.Info("disconnected", zap.Error(err))
	if h != nil {
		h.Closed(err)
	}
}
