package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"blackmoon-term/internal/channel"
	"blackmoon-term/internal/config"
	"blackmoon-term/internal/protocol"
	"blackmoon-term/internal/session"
	"blackmoon-term/internal/terminal"

	"go.uber.org/zap"
)

// Keys that quit the client while no run is active.
const (
	keyInterrupt = "\x03"
	keyEOF       = "\x04"
)

// app wires one terminal to one backend connection.
type app struct {
	logger     *zap.Logger
	screen     *terminal.Screen
	channel    *channel.Manager
	ctrl       *session.Controller
	transcript string

	idle chan struct{}
	quit chan struct{}
}

func newApp(cfg *config.Config, out io.Writer, logger *zap.Logger) *app {
	a := &app{
		logger: logger,
		screen: terminal.NewScreen(out),
		idle:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	a.channel = channel.NewManager(channel.Options{
		URL:          cfg.Client.URL,
		Token:        cfg.Client.Token,
		Encoding:     cfg.Client.WireEncoding,
		DialTimeout:  cfg.Client.DialTimeout,
		PingInterval: cfg.Client.PingInterval,
		Logger:       logger,
	})
	a.ctrl = session.NewController(a.channel, a.screen, session.Options{
		Languages:   cfg.Client.Languages,
		HistorySize: cfg.Client.HistorySize,
		Classifier: protocol.Classifier{
			Banner: cfg.Client.Banner,
			JSON:   cfg.Client.WireEncoding == config.EncodingJSON,
		},
		Logger:        logger,
		OnStateChange: a.stateChanged,
	})
	a.channel.SetHandler(a.ctrl)
	return a
}

// stateChanged runs under the controller lock and must not block.
func (a *app) stateChanged(from, to session.State) {
	if to != session.StateIdle {
		return
	}
	select {
	case a.idle <- struct{}{}:
	default:
	}
}

func (a *app) start(path, language string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return a.ctrl.Run(string(code), language)
}

// loop runs path once. With changes it stays up and reruns the file on
// every save until ctx is done or the user quits.
func (a *app) loop(ctx context.Context, path, language string, changes <-chan string) error {
	watch := changes != nil

	if err := a.start(path, language); err != nil && !watch {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			a.stopIfActive()
			return nil

		case <-a.quit:
			return nil

		case <-a.idle:
			if err := a.saveTranscript(); err != nil {
				a.screen.Notice(terminal.NoticeWarning, err.Error())
			}
			if !watch {
				return nil
			}
			a.screen.Notice(terminal.NoticeInfo, fmt.Sprintf("Watching %s for changes (Ctrl-C to quit)", path))

		case <-changes:
			err := a.start(path, language)
			if err != nil && !errors.Is(err, session.ErrAlreadyRunning) && !errors.Is(err, session.ErrRunPending) {
				a.logger.Warn("rerun failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

func (a *app) stopIfActive() {
	switch a.ctrl.State() {
	case session.StateRunning, session.StateConnecting:
		a.ctrl.Stop()
	}
}

// pumpInput feeds keystrokes from r to the controller until r fails.
// Ctrl-C or Ctrl-D typed while idle quits.
func (a *app) pumpInput(r io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			keys := string(buf[:n])
			if a.ctrl.State() == session.StateIdle && strings.ContainsAny(keys, keyInterrupt+keyEOF) {
				a.requestQuit()
				return
			}
			a.ctrl.Keystrokes(keys)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Debug("stdin closed", zap.Error(err))
			}
			return
		}
	}
}

func (a *app) requestQuit() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

// saveTranscript writes the last run's output as JSON lines.
func (a *app) saveTranscript() error {
	if a.transcript == "" {
		return nil
	}
	f, err := os.Create(a.transcript)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	defer f.Close()

	if err := a.ctrl.Transcript().WriteJSONL(f); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (a *app) close() {
	a.channel.Close()
}
