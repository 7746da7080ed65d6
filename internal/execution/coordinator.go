package execution

import (
	"context"
	"fmt"

	"artifice/internal/config"
)

// shellRunner is the common interface ShellExecutor and TmuxExecutor both
// satisfy, letting Coordinator pick one at construction time without the
// rest of the coordinator caring which.
type shellRunner interface {
	Execute(ctx context.Context, command string, cb Callbacks) (Result, error)
}

// Coordinator dispatches a fenced code block to the right executor based on
// its language and applies the config-driven markdown-rendering settings
// the terminal controller reads back out (MarkdownEnabled).
type Coordinator struct {
	python *PythonExecutor
	shell  shellRunner

	PythonMarkdown    bool
	AssistantMarkdown bool
	ShellMarkdown     bool
}

// NewCoordinator wires up the Python and shell/tmux executors from cfg. If
// cfg.TmuxTarget is set, shell blocks run inside that tmux pane instead of a
// subprocess.
func NewCoordinator(cfg *config.Config) (*Coordinator, error) {
	py, err := NewPythonExecutor("")
	if err != nil {
		return nil, fmt.Errorf("start python executor: %w", err)
	}

	var shell shellRunner
	if cfg.TmuxTarget != "" {
		tmux, err := NewTmuxExecutor(cfg.TmuxTarget, cfg.TmuxPromptPattern, cfg.TmuxEchoExitCode)
		if err != nil {
			return nil, err
		}
		shell = tmux
	} else {
		se := NewShellExecutor()
		se.InitScript = cfg.ShellInitScript
		shell = se
	}

	return &Coordinator{
		python:            py,
		shell:             shell,
		PythonMarkdown:    cfg.PythonMarkdown,
		AssistantMarkdown: cfg.AssistantMarkdown,
		ShellMarkdown:     cfg.ShellMarkdown,
	}, nil
}

// MarkdownEnabled reports whether the given fence language's output should
// be rendered through the markdown renderer rather than as plain text.
func (c *Coordinator) MarkdownEnabled(language string) bool {
	if language == "bash" || language == "shell" {
		return c.ShellMarkdown
	}
	return c.PythonMarkdown
}

// Execute runs code as language ("python" or "bash"), streaming output
// through cb.
func (c *Coordinator) Execute(ctx context.Context, language, code string, cb Callbacks) (Result, error) {
	if language == "bash" || language == "shell" {
		return c.shell.Execute(ctx, code, cb)
	}
	return c.python.Execute(ctx, code, cb)
}

// Reset discards the Python session's accumulated state (variables,
// imports, function definitions), used when the user starts a fresh
// conversation.
func (c *Coordinator) Reset() error {
	return c.python.Reset()
}

// Close tears down the managed subprocess executors.
func (c *Coordinator) Close() error {
	return c.python.Close()
}
