package execution

import (
	"context"
	"strings"
	"testing"
)

func TestShellExecutorEcho(t *testing.T) {
	s := NewShellExecutor()
	res, err := s.Execute(context.Background(), "echo hello", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%s)", res.Status, res.Error)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Fatalf("expected output to contain hello, got %q", res.Output)
	}
}

func TestShellExecutorExitCodeFailure(t *testing.T) {
	s := NewShellExecutor()
	res, err := s.Execute(context.Background(), "false", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("expected error status for a failing command, got %v", res.Status)
	}
}

func TestShellExecutorStdoutCallback(t *testing.T) {
	s := NewShellExecutor()
	var lines []string
	_, err := s.Execute(context.Background(), "echo one; echo two", Callbacks{
		OnOutput: func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	joined := strings.Join(lines, "")
	if !strings.Contains(joined, "one") || !strings.Contains(joined, "two") {
		t.Fatalf("expected callback to see both lines, got %v", lines)
	}
}

func TestShellExecutorStderrCaptured(t *testing.T) {
	s := NewShellExecutor()
	res, err := s.Execute(context.Background(), "echo error_msg >&2; exit 1", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("expected error status, got %v", res.Status)
	}
	if !strings.Contains(res.Error, "error_msg") {
		t.Fatalf("expected stderr to contain error_msg, got %q", res.Error)
	}
}

func TestShellExecutorPipe(t *testing.T) {
	s := NewShellExecutor()
	res, err := s.Execute(context.Background(), "echo 'hello world' | tr 'h' 'H'", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Output, "Hello") {
		t.Fatalf("expected piped output, got %q", res.Output)
	}
}

func TestNeedsShellDetection(t *testing.T) {
	if needsShell("echo hello") {
		t.Fatalf("plain command should not need a shell")
	}
	if !needsShell("echo a | echo b") {
		t.Fatalf("piped command should need a shell")
	}
}

func TestSplitWords(t *testing.T) {
	words, err := splitWords(`echo "hello world" foo`)
	if err != nil {
		t.Fatalf("splitWords: %v", err)
	}
	want := []string{"echo", "hello world", "foo"}
	if len(words) != len(want) {
		t.Fatalf("expected %v, got %v", want, words)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, words)
		}
	}
}
