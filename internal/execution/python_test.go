package execution

import (
	"context"
	"strings"
	"testing"
)

func newTestPythonExecutor(t *testing.T) *PythonExecutor {
	t.Helper()
	p, err := NewPythonExecutor("")
	if err != nil {
		t.Skipf("python3 not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPythonExecutorSimpleExpression(t *testing.T) {
	p := newTestPythonExecutor(t)
	res, err := p.Execute(context.Background(), "2 + 2", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%s)", res.Status, res.Error)
	}
	if strings.TrimSpace(res.Output) != "4" {
		t.Fatalf("expected repr output 4, got %q", res.Output)
	}
}

func TestPythonExecutorPersistsStateAcrossCalls(t *testing.T) {
	p := newTestPythonExecutor(t)
	if _, err := p.Execute(context.Background(), "x = 42", Callbacks{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	res, err := p.Execute(context.Background(), "x", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(res.Output) != "42" {
		t.Fatalf("expected persisted variable x == 42, got %q", res.Output)
	}
}

func TestPythonExecutorPrintOutputStreams(t *testing.T) {
	p := newTestPythonExecutor(t)
	var lines []string
	_, err := p.Execute(context.Background(), "print('hello')", Callbacks{
		OnOutput: func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(strings.Join(lines, ""), "hello") {
		t.Fatalf("expected streamed output to contain hello, got %v", lines)
	}
}

func TestPythonExecutorMultilineStatement(t *testing.T) {
	p := newTestPythonExecutor(t)
	res, err := p.Execute(context.Background(), "for i in range(3):\n    print(i)\n", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%s)", res.Status, res.Error)
	}
	for _, want := range []string{"0", "1", "2"} {
		if !strings.Contains(res.Output, want) {
			t.Fatalf("expected output to contain %q, got %q", want, res.Output)
		}
	}
}

func TestPythonExecutorErrorStatus(t *testing.T) {
	p := newTestPythonExecutor(t)
	res, err := p.Execute(context.Background(), "1/0", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("expected error status for a raised exception, got %v", res.Status)
	}
	if !strings.Contains(res.Error, "ZeroDivisionError") {
		t.Fatalf("expected traceback to mention ZeroDivisionError, got %q", res.Error)
	}
}

func TestPythonExecutorReset(t *testing.T) {
	p := newTestPythonExecutor(t)
	if _, err := p.Execute(context.Background(), "y = 1", Callbacks{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := p.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	res, err := p.Execute(context.Background(), "y", Callbacks{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("expected NameError after reset since y should no longer exist, got %v", res.Status)
	}
}
