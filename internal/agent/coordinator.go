package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"artifice/internal/llm"
	"artifice/internal/stream"
)

// CoordinatorEventKind identifies what a CoordinatorEvent carries.
type CoordinatorEventKind int

const (
	EventContentText CoordinatorEventKind = iota
	EventCodeText
	EventThinkingText
	EventCodeOpen
	EventCodeClose
	EventThinkingOpen
	EventThinkingClose
	EventToolPending
	EventTurnPaused
	EventTurnDone
	EventTurnError
)

// CoordinatorEvent is one unit of progress for a turn driven by
// Coordinator.HandleTurn. Consumers (the TUI) range over the returned
// channel until it closes.
type CoordinatorEvent struct {
	Kind     CoordinatorEventKind
	Text     string
	Language string
	Tool     PendingToolCall
	Err      error
}

// PendingToolCall is a tool call the model has requested that is awaiting
// user confirmation before Coordinator.ConfirmToolCall runs it.
type PendingToolCall struct {
	llm.ToolCall
}

// Coordinator drives one conversation's turns: it owns the
// ConversationHistory and an Engine, and is the only thing allowed to
// append to that history or execute a tool call. Every assistant turn runs
// through a stream.Manager so <python>/<shell> code blocks are split out
// and pause the turn when they close, <think> tags become thinking events
// rather than plain prose, and every tool call the
// model requests is surfaced as pending rather than dispatched — the
// caller must confirm or deny each one explicitly.
type Coordinator struct {
	Engine  *Engine
	History *ConversationHistory

	mu         sync.Mutex
	pending    map[string]llm.ToolCall
	cancel     context.CancelFunc
	pausedLang string
	pausedCode string
}

// NewCoordinator returns a Coordinator over the given Engine and History.
func NewCoordinator(eng *Engine, history *ConversationHistory) *Coordinator {
	return &Coordinator{Engine: eng, History: history, pending: map[string]llm.ToolCall{}}
}

// HandleTurn appends user to History and drives exactly one provider call
// over the resulting conversation, publishing CoordinatorEvents as the
// response streams in. The returned channel is closed once the turn ends,
// whether by finishing normally, pausing on a code block, or failing.
//
// Pausing deserves a note: the underlying provider call
// (llm.Provider.ChatStream) is a single synchronous call, not a resumable
// generator, so there is no way to literally resume the same network
// stream after a pause. Pausing instead ends the turn: whatever content
// had been produced so far is finalized into History as the assistant's
// message, and the paused code is held by PendingCode for the caller to
// run, skip, or cancel. Running it starts a fresh turn (the existing
// "Executed: <lang>...</lang>" auto-send convention), rather than
// resuming generation mid-stream.
func (c *Coordinator) HandleTurn(ctx context.Context, user string) <-chan CoordinatorEvent {
	c.History.AppendUser(user)
	return c.runTurn(ctx)
}

// ContinueTurn drives one more provider call over the conversation as it
// stands, without appending a new user message. It is the caller's way of
// resuming the conversation once every tool call from the previous turn has
// been confirmed or denied: the model needs another turn to see the tool
// results and react to them, but nothing new was said by the user.
func (c *Coordinator) ContinueTurn(ctx context.Context) <-chan CoordinatorEvent {
	return c.runTurn(ctx)
}

// runTurn drives exactly one provider call over the current History,
// publishing CoordinatorEvents as the response streams in. The returned
// channel is closed once the turn ends, whether by finishing normally,
// pausing on a code block, or failing.
func (c *Coordinator) runTurn(ctx context.Context) <-chan CoordinatorEvent {
	out := make(chan CoordinatorEvent, 64)

	turnCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	mgr := stream.NewManager(cancel)

	go func() {
		defer close(out)

		drainDone := make(chan struct{})
		var codeLang string
		var codeBuf strings.Builder
		inCode := false
		go func() {
			defer close(drainDone)
			for ev := range mgr.Events() {
				ce := CoordinatorEvent{}
				switch {
				case ev.Thinking:
					ce.Kind = EventThinkingText
					ce.Text = ev.Event.Text
				case ev.Event.Kind == stream.EventText:
					ce.Text = ev.Event.Text
					if inCode {
						ce.Kind = EventCodeText
						codeBuf.WriteString(ev.Event.Text)
					} else {
						ce.Kind = EventContentText
					}
				case ev.Event.Kind == stream.EventCodeOpen:
					ce.Kind = EventCodeOpen
					ce.Language = ev.Event.Language
					inCode = true
					codeLang = ev.Event.Language
					codeBuf.Reset()
				case ev.Event.Kind == stream.EventCodeClose:
					ce.Kind = EventCodeClose
					inCode = false
				case ev.Event.Kind == stream.EventThinkingOpen:
					ce.Kind = EventThinkingOpen
				case ev.Event.Kind == stream.EventThinkingClose:
					ce.Kind = EventThinkingClose
				case ev.Event.Kind == stream.EventPaused:
					ce.Kind = EventTurnPaused
					ce.Language = codeLang
					ce.Text = codeBuf.String()
					c.mu.Lock()
					c.pausedLang, c.pausedCode = codeLang, codeBuf.String()
					c.mu.Unlock()
				default:
					continue
				}
				out <- ce
			}
		}()

		msgs := c.Engine.PrepareMessages(turnCtx, c.History.Messages())
		assistant, err := c.Engine.StepStream(turnCtx, msgs, mgr.OnChunk, mgr.OnThinkingChunk)
		mgr.Finalize()
		<-drainDone

		// mgr.IsPaused(), not the provider error, is authoritative for
		// whether this turn ended in a pause: Finalize's synchronous flush
		// may detect (and report) the pause even when the provider call
		// itself raced ahead and returned success before cancellation took
		// effect.
		if mgr.IsPaused() {
			_ = c.History.Append(assistant)
			return
		}

		if err != nil {
			c.History.Pop()
			out <- CoordinatorEvent{Kind: EventTurnError, Err: err}
			return
		}

		if appendErr := c.History.Append(assistant); appendErr != nil {
			out <- CoordinatorEvent{Kind: EventTurnError, Err: appendErr}
			return
		}

		for _, tc := range assistant.ToolCalls {
			c.mu.Lock()
			c.pending[tc.ID] = tc
			c.mu.Unlock()
			out <- CoordinatorEvent{Kind: EventToolPending, Tool: PendingToolCall{ToolCall: tc}}
		}

		out <- CoordinatorEvent{Kind: EventTurnDone}
	}()

	return out
}

// Cancel aborts the in-flight turn started by HandleTurn, if any. Safe to
// call when no turn is running.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ConfirmToolCall executes a pending tool call the user has approved,
// appends the resulting tool message to History, and returns it.
func (c *Coordinator) ConfirmToolCall(ctx context.Context, toolID string) (llm.Message, error) {
	c.mu.Lock()
	tc, ok := c.pending[toolID]
	delete(c.pending, toolID)
	c.mu.Unlock()
	if !ok {
		return llm.Message{}, fmt.Errorf("agent: no pending tool call %q", toolID)
	}

	result := c.Engine.ExecuteTool(ctx, tc)
	if err := c.History.Append(result); err != nil {
		return llm.Message{}, err
	}
	return result, nil
}

// DenyToolCall rejects a pending tool call without executing it. A
// synthetic tool-result is still appended to History so the conversation's
// tool-call pairing invariant holds: every call the model declared must be
// resolved, confirmed or not, before the next turn can proceed.
func (c *Coordinator) DenyToolCall(toolID string) (llm.Message, error) {
	c.mu.Lock()
	_, ok := c.pending[toolID]
	delete(c.pending, toolID)
	c.mu.Unlock()
	if !ok {
		return llm.Message{}, fmt.Errorf("agent: no pending tool call %q", toolID)
	}

	msg := llm.Message{Role: "tool", ToolID: toolID, Content: `{"error":"user declined tool call"}`}
	if err := c.History.Append(msg); err != nil {
		return llm.Message{}, err
	}
	return msg, nil
}

// HasPendingToolCalls reports whether any tool call the model declared is
// still awaiting confirmation or denial.
func (c *Coordinator) HasPendingToolCalls() bool {
	return c.History.HasPendingToolCalls()
}

// PendingCode returns the language and source of the code block the most
// recent turn paused on, if the turn ended in a pause rather than running
// to completion or erroring.
func (c *Coordinator) PendingCode() (language, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pausedLang == "" && c.pausedCode == "" {
		return "", "", false
	}
	return c.pausedLang, c.pausedCode, true
}

// ClearPendingCode discards the paused code block without running it, e.g.
// after the user skips or cancels it, or after the caller has dispatched
// it for execution.
func (c *Coordinator) ClearPendingCode() {
	c.mu.Lock()
	c.pausedLang, c.pausedCode = "", ""
	c.mu.Unlock()
}
