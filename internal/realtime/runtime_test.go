package realtime

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func collect(t *testing.T, p Process) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for process to exit")
			return nil
		}
	}
}

func TestEchoRuntime_EchoesLines(t *testing.T) {
	p, err := EchoRuntime{}.Start(context.Background(), "python", "print(1)\n\nprint(2)\r\n")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	events := collect(t, p)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(events), events)
	}
	if events[0].Data != "print(1)" || events[1].Data != "print(2)" {
		t.Errorf("unexpected events: %v", events)
	}
	if p.ExitCode() != 0 {
		t.Errorf("expected exit code 0, got %d", p.ExitCode())
	}
	if err := p.Input("late"); !errors.Is(err, ErrProcessExited) {
		t.Errorf("expected ErrProcessExited, got %v", err)
	}
}

func TestEchoRuntime_StopWhileWaitingForInput(t *testing.T) {
	p, err := EchoRuntime{}.Start(context.Background(), "python", "x = input()")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Stop()
	p.Stop() // idempotent

	if events := collect(t, p); len(events) != 0 {
		t.Errorf("expected no events, got %v", events)
	}
	if p.ExitCode() != 130 {
		t.Errorf("expected exit code 130, got %d", p.ExitCode())
	}
}

func TestEchoRuntime_RequiresLanguage(t *testing.T) {
	if _, err := (EchoRuntime{}).Start(context.Background(), " ", "x"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestNewRuntime(t *testing.T) {
	if rt, err := NewRuntime("", RuntimeOptions{}); err != nil || rt == nil {
		t.Errorf("default runtime: %v", err)
	}
	if rt, err := NewRuntime(RuntimeExec, RuntimeOptions{}); err != nil {
		t.Errorf("exec runtime: %v", err)
	} else if _, ok := rt.(*ExecRuntime); !ok {
		t.Errorf("expected *ExecRuntime, got %T", rt)
	}
	if rt, err := NewRuntime(RuntimeScript, RuntimeOptions{ScriptTimeout: time.Second}); err != nil {
		t.Errorf("script runtime: %v", err)
	} else if sr, ok := rt.(ScriptRuntime); !ok || sr.Timeout != time.Second {
		t.Errorf("expected ScriptRuntime with timeout, got %#v", rt)
	}
	if _, err := NewRuntime("wasm", RuntimeOptions{}); err == nil {
		t.Error("expected error for unknown runtime")
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRuntime_Streams(t *testing.T) {
	requireShell(t)
	rt := &ExecRuntime{}

	p, err := rt.Start(context.Background(), "sh", "echo out\necho err >&2\nexit 3\n")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	events := collect(t, p)
	var stdout, stderr []string
	for _, ev := range events {
		switch ev.Stream {
		case StreamStdout:
			stdout = append(stdout, ev.Data)
		case StreamStderr:
			stderr = append(stderr, ev.Data)
		}
	}
	if len(stdout) != 1 || stdout[0] != "out" {
		t.Errorf("unexpected stdout: %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "err" {
		t.Errorf("unexpected stderr: %v", stderr)
	}
	if p.ExitCode() != 3 {
		t.Errorf("expected exit code 3, got %d", p.ExitCode())
	}
}

func TestExecRuntime_Input(t *testing.T) {
	requireShell(t)
	rt := &ExecRuntime{}

	p, err := rt.Start(context.Background(), "sh", "read name\necho \"hello $name\"\n")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Input("Ada"); err != nil {
		t.Fatalf("Input: %v", err)
	}

	events := collect(t, p)
	if len(events) != 1 || events[0].Data != "hello Ada" {
		t.Errorf("unexpected events: %v", events)
	}
}

func TestExecRuntime_Stop(t *testing.T) {
	requireShell(t)
	rt := &ExecRuntime{GracePeriod: 100 * time.Millisecond}

	p, err := rt.Start(context.Background(), "sh", "exec sleep 30\n")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	p.Stop()
	collect(t, p)

	if time.Since(start) > 3*time.Second {
		t.Errorf("stop took too long: %v", time.Since(start))
	}
	if p.ExitCode() == 0 {
		t.Error("expected non-zero exit code after stop")
	}
}

func TestExecRuntime_UnknownLanguage(t *testing.T) {
	rt := &ExecRuntime{Interpreters: map[string]Interpreter{}}
	if _, err := rt.Start(context.Background(), "python", "print(1)"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestParseInterpreters(t *testing.T) {
	interps, err := ParseInterpreters(map[string]string{
		"Python": `python3.12 -u -X "dev"`,
		"ruby":   "ruby",
		"sh":     "",
	})
	if err != nil {
		t.Fatalf("ParseInterpreters: %v", err)
	}

	py := interps["python"]
	if len(py.Command) != 4 || py.Command[0] != "python3.12" || py.Command[3] != "dev" {
		t.Errorf("unexpected python command: %q", py.Command)
	}
	if py.Extension != ".py" {
		t.Errorf("expected python to keep .py, got %q", py.Extension)
	}
	if rb := interps["ruby"]; len(rb.Command) != 1 || rb.Extension != "" {
		t.Errorf("unexpected ruby interpreter: %+v", rb)
	}
	if _, ok := interps["sh"]; ok {
		t.Error("expected empty command to remove sh")
	}
	if _, ok := interps["javascript"]; !ok {
		t.Error("expected javascript default to remain")
	}

	if _, err := ParseInterpreters(map[string]string{"python": `python3 "unterminated`}); err == nil {
		t.Error("expected error for unbalanced quotes")
	}
}
