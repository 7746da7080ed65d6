package execution

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// TmuxExecutor runs shell commands inside an existing tmux pane instead of a
// subprocess, so the assistant's commands share history, environment, and
// any long-running foreground process (an SSH session, a REPL, a running
// server) with whatever the user already has open in that pane.
//
// It works by send-keys'ing the command plus a trailing echo of a unique
// marker, then polling capture-pane until the marker line appears, which is
// how a human watching the pane would know the command finished.
type TmuxExecutor struct {
	Target        string
	PromptPattern *regexp.Regexp
	CheckExitCode bool
	PollInterval  time.Duration
	tmuxBin       string
}

func NewTmuxExecutor(target, promptPattern string, checkExitCode bool) (*TmuxExecutor, error) {
	if target == "" {
		return nil, fmt.Errorf("tmux target is required")
	}
	if promptPattern == "" {
		promptPattern = `^\$ `
	}
	re, err := regexp.Compile(promptPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid tmux prompt pattern: %w", err)
	}
	return &TmuxExecutor{
		Target:        target,
		PromptPattern: re,
		CheckExitCode: checkExitCode,
		PollInterval:  100 * time.Millisecond,
		tmuxBin:       "tmux",
	}, nil
}

// Execute waits for the target pane's prompt, sends command followed by an
// echo of a unique marker, and waits for that marker line to appear,
// treating everything printed in between as the command's output. cb receives the full captured text once (tmux gives us no partial
// reads, only full-pane snapshots), so only OnOutput is meaningfully used.
func (t *TmuxExecutor) Execute(ctx context.Context, command string, cb Callbacks) (Result, error) {
	result := Result{Code: command, Status: StatusRunning}

	marker := fmt.Sprintf("__artifice_done_%d__", time.Now().UnixNano())
	send := command
	if t.CheckExitCode {
		send = fmt.Sprintf("%s; echo %s $?", command, marker)
	} else {
		send = fmt.Sprintf("%s; echo %s", command, marker)
	}

	if err := t.waitForPrompt(ctx); err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result, nil
	}

	before, err := t.capture(ctx)
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result, nil
	}

	if err := t.sendKeys(ctx, send); err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result, nil
	}

	output, exitCode, err := t.pollForMarker(ctx, before, marker)
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result, nil
	}

	cb.output(output)
	result.Output = output
	result.ExitCode = exitCode
	if exitCode == 0 {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusError
	}
	return result, nil
}

// waitForPrompt blocks until the target pane's last non-blank line matches
// PromptPattern, so a command isn't sent into a pane still busy with a
// prior foreground process.
func (t *TmuxExecutor) waitForPrompt(ctx context.Context) error {
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()
	for {
		cur, err := t.capture(ctx)
		if err != nil {
			return err
		}
		lines := strings.Split(strings.TrimRight(cur, "\n"), "\n")
		if len(lines) > 0 && t.PromptPattern.MatchString(lines[len(lines)-1]) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *TmuxExecutor) sendKeys(ctx context.Context, keys string) error {
	cmd := exec.CommandContext(ctx, t.tmuxBin, "send-keys", "-t", t.Target, keys, "Enter")
	return cmd.Run()
}

func (t *TmuxExecutor) capture(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, t.tmuxBin, "capture-pane", "-t", t.Target, "-p")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return string(out), nil
}

// pollForMarker captures the pane repeatedly until the marker line shows up
// after the text that was already there before the command was sent,
// returning everything in between (minus the echoed command and marker
// lines themselves) plus the exit code when CheckExitCode is set.
func (t *TmuxExecutor) pollForMarker(ctx context.Context, before, marker string) (string, int, error) {
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	beforeLines := strings.Count(before, "\n")

	for {
		select {
		case <-ctx.Done():
			return "", -1, ctx.Err()
		case <-ticker.C:
			cur, err := t.capture(ctx)
			if err != nil {
				return "", -1, err
			}
			lines := strings.Split(cur, "\n")
			markerIdx := -1
			for i := beforeLines; i < len(lines); i++ {
				if strings.Contains(lines[i], marker) {
					markerIdx = i
					break
				}
			}
			if markerIdx == -1 {
				continue
			}

			exitCode := 0
			if t.CheckExitCode {
				fields := strings.Fields(lines[markerIdx])
				if len(fields) >= 2 {
					fmt.Sscanf(fields[len(fields)-1], "%d", &exitCode)
				}
			}

			var body strings.Builder
			for i := beforeLines + 1; i < markerIdx; i++ {
				body.WriteString(lines[i])
				body.WriteString("\n")
			}
			return body.String(), exitCode, nil
		}
	}
}
