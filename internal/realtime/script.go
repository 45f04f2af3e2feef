package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ScriptRuntime runs JavaScript in an embedded interpreter, so the stub
// backend can execute real programs without any toolchain installed.
// console.log and console.info write to stdout, console.warn and
// console.error to stderr, and prompt() reads one line of input.
type ScriptRuntime struct {
	// Timeout bounds a run's wall time. Zero means no limit.
	Timeout time.Duration
}

// Start implements Runtime.
func (r ScriptRuntime) Start(ctx context.Context, language, code string) (Process, error) {
	if language != "javascript" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	var cancel context.CancelFunc
	if r.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	p := &scriptProcess{
		vm:     goja.New(),
		events: make(chan Event, eventBufferSize),
		input:  make(chan string, 16),
		stop:   make(chan struct{}),
	}
	p.installGlobals(ctx)

	go p.run(ctx, cancel, code)
	return p, nil
}

type scriptProcess struct {
	vm       *goja.Runtime
	events   chan Event
	input    chan string
	stop     chan struct{}
	stopOnce sync.Once
	exitCode int

	mu     sync.Mutex
	exited bool
}

func (p *scriptProcess) installGlobals(ctx context.Context) {
	p.vm.Set("require", goja.Undefined())
	p.vm.Set("process", goja.Undefined())

	console := p.vm.NewObject()
	console.Set("log", p.consoleFunc(StreamStdout))
	console.Set("info", p.consoleFunc(StreamStdout))
	console.Set("warn", p.consoleFunc(StreamStderr))
	console.Set("error", p.consoleFunc(StreamStderr))
	p.vm.Set("console", console)

	p.vm.Set("prompt", func(call goja.FunctionCall) goja.Value {
		if msg := call.Argument(0); !goja.IsUndefined(msg) {
			p.emit(StreamStdout, msg.String())
		}
		select {
		case text := <-p.input:
			return p.vm.ToValue(text)
		case <-p.stop:
		case <-ctx.Done():
		}
		// The pending interrupt aborts the script at its next instruction.
		return goja.Null()
	})
}

func (p *scriptProcess) consoleFunc(stream Stream) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		p.emit(stream, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// emit sends text as one event per line.
func (p *scriptProcess) emit(stream Stream, text string) {
	for _, line := range strings.Split(text, "\n") {
		p.events <- Event{Stream: stream, Data: line}
	}
}

func (p *scriptProcess) run(ctx context.Context, cancel context.CancelFunc, code string) {
	watchDone := make(chan struct{})
	defer func() {
		close(watchDone)
		cancel()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		close(p.events)
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.vm.Interrupt("cancelled")
		case <-watchDone:
		}
	}()

	_, err := p.vm.RunString(code)

	var interrupted *goja.InterruptedError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &interrupted) && p.stopped():
		p.exitCode = 130
	case errors.As(err, &interrupted):
		p.exitCode = 137
	default:
		p.emit(StreamStderr, err.Error())
		p.exitCode = 1
	}
}

func (p *scriptProcess) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *scriptProcess) Events() <-chan Event { return p.events }

func (p *scriptProcess) ExitCode() int { return p.exitCode }

func (p *scriptProcess) Input(text string) error {
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

func (p *scriptProcess) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.vm.Interrupt("stopped")
	})
}
