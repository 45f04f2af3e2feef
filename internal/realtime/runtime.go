package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Runtime names accepted by NewRuntime.
const (
	RuntimeEcho   = "echo"
	RuntimeExec   = "exec"
	RuntimeScript = "script"
)

const eventBufferSize = 100

var (
	ErrProcessExited       = errors.New("process has exited")
	ErrUnsupportedLanguage = errors.New("language not supported by this runtime")
)

// Stream names the output stream an Event was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Event is one line of process output.
type Event struct {
	Stream Stream
	Data   string
}

// Process is one running program.
type Process interface {
	// Events delivers output lines and is closed once the program has
	// exited and all output has been read.
	Events() <-chan Event
	// ExitCode is valid after Events is closed.
	ExitCode() int
	// Input writes one line to the program's stdin.
	Input(text string) error
	// Stop interrupts the program, killing it if it does not exit in time.
	Stop()
}

// Runtime starts programs.
type Runtime interface {
	Start(ctx context.Context, language, code string) (Process, error)
}

// EchoRuntime simulates execution without an interpreter. Every source
// line is printed back. A line containing "input(" first waits for one
// line of stdin and prints it. The exit code is always 0.
type EchoRuntime struct{}

// Start implements Runtime.
func (EchoRuntime) Start(ctx context.Context, language, code string) (Process, error) {
	if strings.TrimSpace(language) == "" {
		return nil, ErrUnsupportedLanguage
	}
	p := &echoProcess{
		events: make(chan Event, eventBufferSize),
		input:  make(chan string, 16),
		stop:   make(chan struct{}),
	}
	go p.run(ctx, strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n"))
	return p, nil
}

type echoProcess struct {
	events   chan Event
	input    chan string
	stop     chan struct{}
	stopOnce sync.Once
	exitCode int

	mu     sync.Mutex
	exited bool
}

func (p *echoProcess) run(ctx context.Context, lines []string) {
	defer func() {
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		close(p.events)
	}()

	for _, line := range lines {
		if strings.Contains(line, "input(") {
			select {
			case text := <-p.input:
				line = text
			case <-p.stop:
				p.exitCode = 130
				return
			case <-ctx.Done():
				p.exitCode = 137
				return
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case p.events <- Event{Stream: StreamStdout, Data: line}:
		case <-p.stop:
			p.exitCode = 130
			return
		case <-ctx.Done():
			p.exitCode = 137
			return
		}
	}
}

func (p *echoProcess) Events() <-chan Event { return p.events }

func (p *echoProcess) ExitCode() int { return p.exitCode }

func (p *echoProcess) Input(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrProcessExited
	}
	select {
	case p.input <- text:
		return nil
	default:
		return fmt.Errorf("stdin buffer full")
	}
}

func (p *echoProcess) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// RuntimeOptions carries the settings of the runtimes NewRuntime can build.
type RuntimeOptions struct {
	Exec          *ExecRuntime
	ScriptTimeout time.Duration
}

// NewRuntime returns the runtime registered under name.
func NewRuntime(name string, opts RuntimeOptions) (Runtime, error) {
	switch name {
	case "", RuntimeEcho:
		return EchoRuntime{}, nil
	case RuntimeExec:
		if opts.Exec == nil {
			return &ExecRuntime{}, nil
		}
		return opts.Exec, nil
	case RuntimeScript:
		return ScriptRuntime{Timeout: opts.ScriptTimeout}, nil
	}
	return nil, fmt.Errorf("unknown runtime: %s", name)
}
