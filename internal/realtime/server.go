package realtime

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"blackmoon-term/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendBufferSize = 256
)

// Completion variants.
const (
	VariantStructured = "structured"
	VariantProse      = "prose"
)

// Prose frames, as emitted by backends that do not use the sentinel.
const (
	proseRunning   = "🚀 Running %s code...\n"
	proseCompleted = "✅ Execution completed\n"
	proseStopped   = "🛑 Execution stopped\n"
	proseExited    = "Process exited with code %d\n"
	proseNoProcess = "No running process to stop\n"
	proseUnknown   = "Unknown command: %s\n"
	proseThrottled = "Too many commands; %s ignored\n"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Options configures a Server.
type Options struct {
	// Banner is sent once on every new connection.
	Banner string
	// Variant selects how run completion is signalled.
	Variant string
	// Encoding is the wire encoding of outbound frames.
	Encoding string
	// Token, when set, must be presented as a bearer credential.
	Token string
	// CommandRate limits commands per second per client. Zero disables
	// the limit.
	CommandRate  float64
	CommandBurst int
	Runtime      Runtime
	Metrics      *Metrics
	Logger       *zap.Logger
}

// Server is a stub execution backend speaking the terminal wire protocol.
type Server struct {
	opts    Options
	runtime Runtime
	metrics *Metrics
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	logger  *zap.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	run    *activeRun
	closed bool
}

// activeRun is the program currently executing for a client.
type activeRun struct {
	id       string
	language string
	proc     Process
	started  time.Time
	stopped  bool
}

// New creates a stub backend.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Banner == "" {
		opts.Banner = protocol.DefaultBanner
	}
	if opts.Variant == "" {
		opts.Variant = VariantStructured
	}
	if opts.Encoding == "" {
		opts.Encoding = protocol.EncodingPlain
	}
	rt := opts.Runtime
	if rt == nil {
		rt = EchoRuntime{}
	}
	if opts.CommandRate > 0 && opts.CommandBurst <= 0 {
		opts.CommandBurst = int(opts.CommandRate) + 1
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:    opts,
		runtime: rt,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "backend")),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Shutdown stops every running program and closes all connections.
func (s *Server) Shutdown() {
	s.cancel()

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.stopRun()
		c.conn.Close()
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) == 1
}

// handleWebSocket upgrades an HTTP connection to WebSocket and greets it
// with the banner.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("rejected unauthenticated connection", zap.String("remote", r.RemoteAddr))
		s.metrics.Rejected.WithLabelValues("unauthorized").Inc()
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		server: s,
		logger: s.logger.With(zap.String("client_id", id)),
	}
	if s.opts.CommandRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.CommandRate), s.opts.CommandBurst)
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.metrics.Connections.Inc()

	c.logger.Info("client connected", zap.String("remote", r.RemoteAddr))
	c.sendFrame(protocol.FrameHandshake, s.opts.Banner)

	go c.writePump()
	go c.readPump()
}

// readPump reads commands from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		c.handleMessage(message)
	}
}

// writePump writes frames to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient stops the client's program and forgets it.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	s.metrics.Connections.Dec()

	c.stopRun()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	c.logger.Info("client disconnected")
}

// handleMessage processes one client command.
func (c *client) handleMessage(raw []byte) {
	cmd, err := protocol.ParseCommand(raw)
	if err != nil {
		c.logger.Debug("invalid command", zap.Error(err))
		c.server.metrics.Commands.WithLabelValues("invalid").Inc()
		c.sendFrame(protocol.FrameText, fmt.Sprintf(proseUnknown, strings.TrimSpace(string(raw))))
		return
	}
	c.server.metrics.Commands.WithLabelValues(string(cmd.Kind)).Inc()

	// STOP always gets through so a flooded client can still interrupt.
	if cmd.Kind != protocol.CommandStop && c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("command rate limit exceeded", zap.String("kind", string(cmd.Kind)))
		c.server.metrics.Rejected.WithLabelValues("rate_limited").Inc()
		c.sendFrame(protocol.FrameText, fmt.Sprintf(proseThrottled, cmd.Kind))
		return
	}

	switch cmd.Kind {
	case protocol.CommandRun:
		c.handleRun(cmd)
	case protocol.CommandInput:
		c.handleInput(cmd)
	case protocol.CommandStop:
		c.handleStop()
	}
}

func (c *client) handleRun(cmd protocol.Command) {
	// A new run replaces one the client has stopped but that is still
	// winding down.
	c.stopRun()

	proc, err := c.server.runtime.Start(c.server.ctx, cmd.Language, cmd.Code)
	if err != nil {
		c.logger.Warn("run failed to start", zap.String("language", cmd.Language), zap.Error(err))
		c.server.metrics.RunsTotal.WithLabelValues("start_failed").Inc()
		c.sendFrame(protocol.FrameError, err.Error())
		return
	}

	run := &activeRun{
		id:       uuid.NewString(),
		language: cmd.Language,
		proc:     proc,
		started:  time.Now(),
	}
	c.mu.Lock()
	c.run = run
	c.mu.Unlock()
	c.server.metrics.RunsActive.Inc()

	c.logger.Info("run started",
		zap.String("run_id", run.id),
		zap.String("language", cmd.Language),
		zap.Int("bytes", len(cmd.Code)))

	if c.server.opts.Variant == VariantProse {
		c.sendFrame(protocol.FrameText, fmt.Sprintf(proseRunning, cmd.Language))
	}

	go c.forward(run)
}

// forward streams a run's output and signals its completion. Nothing is
// sent for a run that was stopped or replaced.
func (c *client) forward(run *activeRun) {
	for ev := range run.proc.Events() {
		if !c.isCurrent(run) {
			continue
		}
		kind := protocol.FrameOutput
		if ev.Stream == StreamStderr {
			kind = protocol.FrameStderr
		}
		c.sendFrame(kind, ev.Data)
	}

	exitCode := run.proc.ExitCode()

	c.mu.Lock()
	current := c.run == run && !run.stopped
	if c.run == run {
		c.run = nil
	}
	c.mu.Unlock()

	elapsed := time.Since(run.started)
	c.server.metrics.RunsActive.Dec()
	c.server.metrics.RunsTotal.WithLabelValues(runOutcome(exitCode, !current)).Inc()
	c.server.metrics.RunDuration.Observe(elapsed.Seconds())

	c.logger.Info("run finished",
		zap.String("run_id", run.id),
		zap.Int("exit_code", exitCode),
		zap.Bool("stopped", !current),
		zap.Duration("duration", elapsed))

	if !current {
		return
	}

	switch {
	case c.server.opts.Variant == VariantProse && exitCode == 0:
		c.sendFrame(protocol.FrameText, proseCompleted)
	case c.server.opts.Variant == VariantProse:
		c.sendFrame(protocol.FrameText, fmt.Sprintf(proseExited, exitCode))
	case exitCode == 0:
		c.sendFrame(protocol.FrameComplete, "")
	default:
		c.sendFrame(protocol.FrameError, fmt.Sprintf("Process exited with code %d", exitCode))
	}
}

func (c *client) isCurrent(run *activeRun) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run == run && !run.stopped
}

func (c *client) handleInput(cmd protocol.Command) {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()

	if run == nil || run.stopped {
		c.logger.Debug("input without a running program")
		return
	}
	if err := run.proc.Input(cmd.Text); err != nil {
		c.logger.Debug("input not delivered", zap.String("run_id", run.id), zap.Error(err))
	}
}

func (c *client) handleStop() {
	if !c.stopRun() {
		c.sendFrame(protocol.FrameText, proseNoProcess)
		return
	}
	// Structured clients end the run locally and get no acknowledgement.
	if c.server.opts.Variant == VariantProse {
		c.sendFrame(protocol.FrameText, proseStopped)
	}
}

// stopRun interrupts the active program. It reports whether one was
// running.
func (c *client) stopRun() bool {
	c.mu.Lock()
	run := c.run
	if run == nil || run.stopped {
		c.mu.Unlock()
		return false
	}
	run.stopped = true
	c.mu.Unlock()

	c.logger.Info("stopping run", zap.String("run_id", run.id))
	run.proc.Stop()
	return true
}

// sendFrame queues one frame. Frames for a departed client are dropped.
func (c *client) sendFrame(kind protocol.FrameKind, text string) {
	data, err := protocol.FormatFrame(kind, text, c.server.opts.Encoding)
	if err != nil {
		c.logger.Error("format frame", zap.Stringer("kind", kind), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
		c.server.metrics.FramesSent.WithLabelValues(kind.String()).Inc()
	default:
		// Client buffer full, skip.
		c.server.metrics.FramesDropped.Inc()
	}
}
