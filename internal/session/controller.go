package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"blackmoon-term/internal/channel"
	"blackmoon-term/internal/protocol"
	"blackmoon-term/internal/terminal"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultHistorySize = 1000

var (
	ErrEmptyCode           = errors.New("no code to run")
	ErrAlreadyRunning      = errors.New("a run is already in progress")
	ErrRunPending          = errors.New("a run is already waiting for the connection")
	ErrNotRunning          = errors.New("no active run")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// User-visible notices.
const (
	noticeEmpty       = "Nothing to run: the source is empty"
	noticeBusy        = "A program is already running; stop it first"
	noticeConnecting  = "Connecting to the execution backend..."
	noticeNoRun       = "No running program to stop"
	noticeCancelled   = "Run cancelled before the connection opened"
	noticeLost        = "Connection lost; the run has ended"
	noticeConnectFail = "Could not connect to the execution backend"
	noticeNotSent     = "The run could not be sent to the execution backend"
)

// Channel is the subset of channel.Manager the controller drives.
type Channel interface {
	State() channel.State
	SendOrQueue(cmd protocol.Command) (sent bool, err error)
	Send(cmd protocol.Command) error
	DropPending() bool
}

// Display is the terminal surface output is rendered on.
type Display interface {
	Clear()
	Output(text string)
	Text(text string)
	ErrorOutput(text string)
	Echo(text string)
	Notice(level terminal.NoticeLevel, msg string)
}

// Options configures a Controller.
type Options struct {
	// Languages restricts Run to these languages. Empty allows any.
	Languages []string
	// HistorySize bounds the output transcript.
	HistorySize int
	Classifier  protocol.Classifier
	Logger      *zap.Logger
	// OnStateChange is called with the controller lock held and must not
	// call back into the Controller.
	OnStateChange func(from, to State)
}

// Controller owns the run state machine. Every event (user action,
// keystroke, frame, connection change) is handled under one lock, so
// events are processed one at a time.
type Controller struct {
	mu         sync.Mutex
	channel    Channel
	display    Display
	discipline *terminal.Discipline
	dispatcher *protocol.Dispatcher
	transcript *Transcript
	logger     *zap.Logger
	languages  map[string]bool
	onChange   func(from, to State)

	state   State
	current *Session
}

// NewController creates an idle controller. Register it as the channel's
// handler so it receives connection events.
func NewController(ch Channel, display Display, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.HistorySize
	if size <= 0 {
		size = defaultHistorySize
	}

	c := &Controller{
		channel:    ch,
		display:    display,
		discipline: terminal.NewDiscipline(),
		transcript: NewTranscript(size),
		logger:     logger.With(zap.String("component", "session")),
		onChange:   opts.OnStateChange,
		state:      StateIdle,
	}
	if len(opts.Languages) > 0 {
		c.languages = make(map[string]bool, len(opts.Languages))
		for _, l := range opts.Languages {
			c.languages[strings.ToLower(strings.TrimSpace(l))] = true
		}
	}
	c.dispatcher = protocol.NewDispatcher(opts.Classifier, sink{c})
	return c
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns a copy of the live session.
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return *c.current, true
}

// History returns the transcript rendered since the last Run.
func (c *Controller) History() []OutputEvent {
	return c.transcript.Events()
}

// Transcript exposes the output recorded since the last Run.
func (c *Controller) Transcript() *Transcript {
	return c.transcript
}

// Run starts executing code. It sends the run immediately when the channel
// is open and otherwise queues it until the connection opens.
func (c *Controller) Run(code, language string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(code) == "" {
		c.notice(terminal.NoticeWarning, noticeEmpty)
		return ErrEmptyCode
	}

	switch c.state {
	case StateRunning:
		c.notice(terminal.NoticeWarning, noticeBusy)
		return ErrAlreadyRunning
	case StateConnecting:
		c.logger.Debug("run ignored while connecting")
		return ErrRunPending
	}

	language = strings.ToLower(strings.TrimSpace(language))
	if !c.supports(language) {
		c.notice(terminal.NoticeWarning, fmt.Sprintf("Unsupported language %q", language))
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	c.display.Clear()
	c.transcript.Reset()
	c.discipline.Reset()

	sent, err := c.channel.SendOrQueue(protocol.Run(language, code))
	if err != nil {
		c.logger.Error("run not started", zap.Error(err))
		c.notice(terminal.NoticeError, noticeNotSent)
		return fmt.Errorf("start run: %w", err)
	}

	c.current = &Session{
		ID:        uuid.NewString(),
		State:     StateIdle,
		Language:  language,
		Source:    code,
		StartedAt: time.Now().UTC(),
	}
	c.logger.Info("run requested",
		zap.String("session_id", c.current.ID),
		zap.String("language", language),
		zap.Int("bytes", len(code)),
		zap.Bool("queued", !sent))

	if sent {
		c.setState(StateRunning)
		return nil
	}
	c.setState(StateConnecting)
	c.notice(terminal.NoticeInfo, noticeConnecting)
	return nil
}

// Stop interrupts the current run. The state returns to Idle at once,
// without waiting for the backend to acknowledge.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	switch c.state {
	case StateRunning:
		c.setState(StateStopping)
		if err := c.channel.Send(protocol.Stop()); err != nil {
			c.logger.Warn("stop not delivered", zap.Error(err))
		}
		c.finish("stopped")
		return nil

	case StateConnecting:
		c.channel.DropPending()
		c.finish("cancelled")
		c.notice(terminal.NoticeInfo, noticeCancelled)
		return nil
	}

	c.notice(terminal.NoticeInfo, noticeNoRun)
	return ErrNotRunning
}

// Keystrokes feeds raw terminal input through the line discipline.
// While no run is active keystrokes are only echoed.
func (c *Controller) Keystrokes(keys string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	echo, cmds := c.discipline.Feed(keys)
	c.display.Echo(echo)

	for _, cmd := range cmds {
		switch cmd.Kind {
		case protocol.CommandInput:
			if c.state != StateRunning {
				continue
			}
			if err := c.channel.Send(cmd); err != nil {
				c.logger.Warn("input not delivered", zap.Error(err))
			}
		case protocol.CommandStop:
			if c.state == StateRunning || c.state == StateConnecting {
				c.stopLocked()
			}
		}
	}
}

// Opened implements channel.Handler.
func (c *Controller) Opened(dispatched bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle && dispatched {
		// The run left the queue before Stop could drop it, so the
		// backend is executing a cancelled program.
		if err := c.channel.Send(protocol.Stop()); err != nil {
			c.logger.Warn("stop for cancelled run not delivered", zap.Error(err))
		}
		return
	}
	if c.state != StateConnecting {
		return
	}
	if dispatched {
		c.setState(StateRunning)
		return
	}
	c.notice(terminal.NoticeError, noticeNotSent)
	c.finish("not sent")
}

// Frame implements channel.Handler.
func (c *Controller) Frame(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.dispatcher.Dispatch(data)
	if ce := c.logger.Check(zap.DebugLevel, "frame"); ce != nil {
		ce.Write(zap.Stringer("kind", f.Kind), zap.Bool("completes", f.Completes), zap.Int("bytes", len(data)))
	}
}

// Closed implements channel.Handler.
func (c *Controller) Closed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.discipline.Reset()

	switch c.state {
	case StateRunning:
		c.logger.Warn("connection lost during run", zap.Error(err))
		c.notice(terminal.NoticeWarning, noticeLost)
		c.finish("connection lost")
	case StateConnecting:
		c.logger.Warn("connection failed", zap.Error(err))
		c.notice(terminal.NoticeError, noticeConnectFail)
		c.finish("connect failed")
	}
}

func (c *Controller) supports(language string) bool {
	if language == "" || strings.ContainsAny(language, " \t\r\n") {
		return false
	}
	return c.languages == nil || c.languages[language]
}

// finish ends the live session and returns to Idle.
func (c *Controller) finish(reason string) {
	if c.current != nil {
		c.logger.Info("run ended",
			zap.String("session_id", c.current.ID),
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(c.current.StartedAt)))
	}
	c.current = nil
	c.discipline.Reset()
	c.setState(StateIdle)
}

func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.current != nil {
		c.current.State = to
	}
	if c.onChange != nil {
		c.onChange(from, to)
	}
}

func (c *Controller) notice(level terminal.NoticeLevel, msg string) {
	c.display.Notice(level, msg)
	c.record(OutputNotice, msg)
}

func (c *Controller) record(kind OutputEventType, data string) {
	ev := OutputEvent{Type: kind, Data: data, Timestamp: time.Now().UTC()}
	if c.current != nil {
		ev.SessionID = c.current.ID
	}
	c.transcript.Append(ev)
}

// sink adapts the controller to protocol.Sink. Its methods run with the
// controller lock held, from within Frame.
type sink struct{ c *Controller }

func (s sink) Output(text string) {
	s.c.display.Output(text)
	s.c.record(OutputStdout, text)
}

func (s sink) Text(text string) {
	s.c.display.Text(text)
	s.c.record(OutputText, text)
}

func (s sink) ErrorOutput(text string) {
	s.c.display.ErrorOutput(text)
	s.c.record(OutputStderr, text)
}

// Complete ends the run. Completions after Stop are late frames and are
// ignored.
func (s sink) Complete(reason string) {
	if s.c.state != StateRunning {
		return
	}
	s.c.finish("completed: " + reason)
}
