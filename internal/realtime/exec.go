package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

const (
	defaultScannerBufSize = 1024 * 1024 // 1 MB
	defaultGracePeriod    = 500 * time.Millisecond
)

// Interpreter describes how to run one language: the argv prefix and the
// extension of the temporary source file appended to it.
type Interpreter struct {
	Command   []string
	Extension string
}

// DefaultInterpreters covers the interpreted languages. Compiled languages
// need a toolchain step and are left to real backends.
func DefaultInterpreters() map[string]Interpreter {
	return map[string]Interpreter{
		"python":     {Command: []string{"python3", "-u"}, Extension: ".py"},
		"javascript": {Command: []string{"node"}, Extension: ".js"},
		"sh":         {Command: []string{"sh"}, Extension: ".sh"},
	}
}

// ParseInterpreters overlays command lines onto DefaultInterpreters. Each
// value is split with shell quoting rules; an empty value removes the
// language. Languages without a default get no file extension.
func ParseInterpreters(commands map[string]string) (map[string]Interpreter, error) {
	interps := DefaultInterpreters()
	for lang, line := range commands {
		lang = strings.ToLower(strings.TrimSpace(lang))
		argv, err := shellquote.Split(line)
		if err != nil {
			return nil, fmt.Errorf("interpreter for %s: %w", lang, err)
		}
		if len(argv) == 0 {
			delete(interps, lang)
			continue
		}
		interps[lang] = Interpreter{Command: argv, Extension: interps[lang].Extension}
	}
	return interps, nil
}

// ExecRuntime runs programs as local subprocesses. It is intended for
// development only: nothing is sandboxed.
type ExecRuntime struct {
	Interpreters map[string]Interpreter
	// GracePeriod is how long Stop waits after interrupting before it kills.
	GracePeriod time.Duration
	Logger      *zap.Logger
}

// Start implements Runtime.
func (r *ExecRuntime) Start(ctx context.Context, language, code string) (Process, error) {
	interps := r.Interpreters
	if interps == nil {
		interps = DefaultInterpreters()
	}
	interp, ok := interps[language]
	if !ok || len(interp.Command) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	binaryPath, err := exec.LookPath(interp.Command[0])
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH", interp.Command[0])
	}

	src, err := writeSource(code, interp.Extension)
	if err != nil {
		return nil, err
	}

	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	procCtx, cancel := context.WithCancel(ctx)
	args := append(append([]string{}, interp.Command[1:]...), src)
	cmd := exec.CommandContext(procCtx, binaryPath, args...)
	cmd.Dir = os.TempDir()

	cleanup := func() {
		cancel()
		os.Remove(src)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinW.Close()
		stdinR.Close()
		cleanup()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdinW.Close()
		stdinR.Close()
		cleanup()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdinW.Close()
		stdinR.Close()
		cleanup()
		return nil, fmt.Errorf("failed to start %s: %w", language, err)
	}

	// The child holds the read end now.
	stdinR.Close()

	p := &execProcess{
		cmd:    cmd,
		cancel: cancel,
		src:    src,
		stdin:  &stdinWriter{writer: stdinW},
		events: make(chan Event, eventBufferSize),
		grace:  grace,
		logger: logger.With(zap.String("language", language), zap.Int("pid", cmd.Process.Pid)),
	}

	var scanners sync.WaitGroup
	scanners.Add(2)
	go p.scanOutput(&scanners, stdoutPipe, StreamStdout)
	go p.scanOutput(&scanners, stderrPipe, StreamStderr)
	go p.waitForExit(&scanners)

	p.logger.Debug("process started")
	return p, nil
}

func writeSource(code, ext string) (string, error) {
	f, err := os.CreateTemp("", "blackmoon-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write source file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close source file: %w", err)
	}
	return f.Name(), nil
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrProcessExited
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

type execProcess struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	src      string
	stdin    *stdinWriter
	events   chan Event
	grace    time.Duration
	logger   *zap.Logger
	exitCode int
	stopOnce sync.Once
}

// scanOutput reads lines from a pipe and forwards them as Events.
func (p *execProcess) scanOutput(wg *sync.WaitGroup, pipe io.Reader, stream Stream) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		p.events <- Event{Stream: stream, Data: scanner.Text()}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn("scanner error", zap.String("stream", string(stream)), zap.Error(err))
	}
}

// waitForExit reaps the process once both output streams are drained.
func (p *execProcess) waitForExit(scanners *sync.WaitGroup) {
	scanners.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.stdin.Close()
	p.cancel()
	os.Remove(p.src)

	p.exitCode = exitCode
	p.logger.Debug("process exited", zap.Int("exit_code", exitCode))
	close(p.events)
}

func (p *execProcess) Events() <-chan Event { return p.events }

func (p *execProcess) ExitCode() int { return p.exitCode }

func (p *execProcess) Input(text string) error {
	return p.stdin.Write([]byte(text + "\n"))
}

// Stop sends an interrupt and kills the process if it is still running
// after the grace period.
func (p *execProcess) Stop() {
	p.stopOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		p.cmd.Process.Signal(os.Interrupt)
		time.AfterFunc(p.grace, p.cancel)
	})
}
