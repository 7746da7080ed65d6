package execution

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// shellMetachars mirrors the set a command string is checked against to
// decide whether it needs an actual shell (pipes, redirects, globs, command
// substitution) or can run directly via exec, which avoids a shell
// injection surface for the common case of a single plain command.
var shellMetachars = "|&;><*?[]$(){}`\n"

func needsShell(command string) bool {
	return strings.ContainsAny(command, shellMetachars)
}

// ShellExecutor runs one-shot shell/bash commands, dispatching to a direct
// exec.Command when the command has no shell metacharacters and to
// "sh -c"/a configured init script otherwise.
type ShellExecutor struct {
	// InitScript, if set, is sourced before every command by wrapping the
	// command in a shell invocation that sources it first.
	InitScript string
	// Shell is the interpreter used when the command needs one. Defaults to "sh".
	Shell string
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Shell: "sh"}
}

func (s *ShellExecutor) shell() string {
	if s.Shell == "" {
		return "sh"
	}
	return s.Shell
}

// Execute runs command, streaming stdout/stderr lines through cb as they
// arrive rather than buffering until exit.
func (s *ShellExecutor) Execute(ctx context.Context, command string, cb Callbacks) (Result, error) {
	tracer := otel.Tracer("execution/shell")
	meter := otel.Meter("execution/shell")
	ctx, span := tracer.Start(ctx, "execute")
	defer span.End()
	counter, _ := meter.Int64Counter("execution.shell.commands.total")
	durHist, _ := meter.Int64Histogram("execution.shell.duration.ms")

	result := Result{Code: command, Status: StatusRunning}

	var cmd *exec.Cmd
	switch {
	case s.InitScript != "":
		wrapped := fmt.Sprintf(". %s\n%s", shellQuote(s.InitScript), command)
		cmd = exec.CommandContext(ctx, s.shell(), "-c", wrapped)
	case needsShell(command):
		cmd = exec.CommandContext(ctx, s.shell(), "-c", command)
	default:
		args, err := splitWords(command)
		if err != nil {
			result.Status = StatusError
			result.Error = fmt.Sprintf("invalid command syntax: %v", err)
			return result, nil
		}
		if len(args) == 0 {
			result.Status = StatusError
			result.Error = "empty command"
			return result, nil
		}
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return result, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return result, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		result.Status = StatusError
		result.Error = fmt.Sprintf("failed to execute command: %v", err)
		return result, nil
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(stdout, &outBuf, cb.output, &wg)
	go streamLines(stderr, &errBuf, cb.error, &wg)
	wg.Wait()

	waitErr := cmd.Wait()
	dur := time.Since(start)
	counter.Add(ctx, 1)
	durHist.Record(ctx, dur.Milliseconds())

	result.Output = outBuf.String()
	result.Error = errBuf.String()
	result.ExitCode = cmd.ProcessState.ExitCode()
	span.SetAttributes(attribute.Int("execution.exit_code", result.ExitCode))
	if waitErr == nil {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusError
	}
	return result, nil
}

func streamLines(r interface{ Read([]byte) (int, error) }, buf *bytes.Buffer, emit func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		buf.WriteString(line)
		emit(line)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// splitWords is a minimal shlex.split equivalent: whitespace-separated
// words with single/double quote support. It does not interpret backslash
// escapes: a backslash is kept as a literal character, and the matching
// quote character always closes a quoted section.
func splitWords(s string) ([]string, error) {
	var words []string
	var cur strings.Builder
	var inWord bool
	var quote rune

	flush := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		default:
			inWord = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	flush()
	return words, nil
}
