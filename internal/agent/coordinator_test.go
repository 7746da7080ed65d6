package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"artifice/internal/llm"
	"artifice/internal/tools"
)

// stepProvider streams a fixed list of content deltas, then calls
// onToolCall for each configured tool call. It checks ctx between every
// delta so tests can exercise Coordinator's cancel-on-pause behavior.
type stepProvider struct {
	deltas    []string
	toolCalls []llm.ToolCall
	err       error
}

func (p *stepProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{}, p.err
}

func (p *stepProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	if p.err != nil {
		return p.err
	}
	for _, d := range p.deltas {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h.OnDelta(d)
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	for _, tc := range p.toolCalls {
		h.OnToolCall(tc)
	}
	return nil
}

// fakeToolRegistry is a minimal tools.Registry for coordinator tests; it
// records every Dispatch call so tests can assert a tool never runs before
// confirmation.
type fakeToolRegistry struct {
	dispatched []string
	result     []byte
}

func (r *fakeToolRegistry) Schemas() []llm.ToolSchema { return nil }
func (r *fakeToolRegistry) Register(t tools.Tool)      { _ = t }

func (r *fakeToolRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	r.dispatched = append(r.dispatched, name)
	if r.result != nil {
		return r.result, nil
	}
	return []byte(`{"ok":true}`), nil
}

func drainEvents(ch <-chan CoordinatorEvent) []CoordinatorEvent {
	var out []CoordinatorEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func newTestCoordinator(provider llm.Provider) (*Coordinator, *ConversationHistory) {
	history := NewConversationHistory("be helpful")
	eng := &Engine{LLM: provider, Tools: &simpleRegistry{}}
	return NewCoordinator(eng, history), history
}

// simpleRegistry implements tools.Registry with no tools, for tests that
// don't exercise tool dispatch.
type simpleRegistry struct{}

func (simpleRegistry) Schemas() []llm.ToolSchema { return nil }
func (simpleRegistry) Register(t tools.Tool)      { _ = t }
func (simpleRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
	return []byte(`{}`), nil
}

func TestHandleTurnAppendsAssistantReplyToHistory(t *testing.T) {
	c, history := newTestCoordinator(&stepProvider{deltas: []string{"hello ", "world"}})

	events := drainEvents(c.HandleTurn(context.Background(), "hi"))

	var sawDone bool
	for _, ev := range events {
		if ev.Kind == EventTurnError {
			t.Fatalf("unexpected turn error: %v", ev.Err)
		}
		if ev.Kind == EventTurnDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected EventTurnDone")
	}

	msgs := history.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected system+user+assistant, got %d: %+v", len(msgs), msgs)
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi" {
		t.Fatalf("unexpected user message: %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "hello world" {
		t.Fatalf("unexpected assistant message: %+v", msgs[2])
	}
}

func TestHandleTurnSurfacesToolCallsWithoutExecuting(t *testing.T) {
	registry := &fakeToolRegistry{}
	eng := &Engine{LLM: &stepProvider{
		toolCalls: []llm.ToolCall{{ID: "call-1", Name: "read", Args: json.RawMessage(`{}`)}},
	}, Tools: registry}
	history := NewConversationHistory("")
	c := NewCoordinator(eng, history)

	events := drainEvents(c.HandleTurn(context.Background(), "read the file"))

	var pending *PendingToolCall
	for i := range events {
		if events[i].Kind == EventToolPending {
			pending = &events[i].Tool
		}
	}
	if pending == nil {
		t.Fatal("expected EventToolPending")
	}
	if pending.ID != "call-1" || pending.Name != "read" {
		t.Fatalf("unexpected pending tool call: %+v", pending)
	}
	if len(registry.dispatched) != 0 {
		t.Fatalf("tool must not execute before confirmation, dispatched=%v", registry.dispatched)
	}
	if !c.HasPendingToolCalls() {
		t.Fatal("expected a pending tool call to be recorded in history")
	}
}

func TestConfirmToolCallExecutesAndAppends(t *testing.T) {
	registry := &fakeToolRegistry{result: []byte(`{"contents":"hi"}`)}
	eng := &Engine{LLM: &stepProvider{
		toolCalls: []llm.ToolCall{{ID: "call-1", Name: "read", Args: json.RawMessage(`{}`)}},
	}, Tools: registry}
	history := NewConversationHistory("")
	c := NewCoordinator(eng, history)
	drainEvents(c.HandleTurn(context.Background(), "read the file"))

	msg, err := c.ConfirmToolCall(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("confirm tool call: %v", err)
	}
	if msg.Role != "tool" || msg.ToolID != "call-1" || msg.Content != `{"contents":"hi"}` {
		t.Fatalf("unexpected tool message: %+v", msg)
	}
	if len(registry.dispatched) != 1 || registry.dispatched[0] != "read" {
		t.Fatalf("expected exactly one dispatch of read, got %v", registry.dispatched)
	}
	if c.HasPendingToolCalls() {
		t.Fatal("tool call should no longer be pending after confirmation")
	}

	if _, err := c.ConfirmToolCall(context.Background(), "call-1"); err == nil {
		t.Fatal("expected error confirming an already-resolved tool call")
	}
}

func TestDenyToolCallAppendsSyntheticResultWithoutExecuting(t *testing.T) {
	registry := &fakeToolRegistry{}
	eng := &Engine{LLM: &stepProvider{
		toolCalls: []llm.ToolCall{{ID: "call-1", Name: "write", Args: json.RawMessage(`{}`)}},
	}, Tools: registry}
	history := NewConversationHistory("")
	c := NewCoordinator(eng, history)
	drainEvents(c.HandleTurn(context.Background(), "overwrite the file"))

	if _, err := c.DenyToolCall("call-1"); err != nil {
		t.Fatalf("deny tool call: %v", err)
	}
	if len(registry.dispatched) != 0 {
		t.Fatalf("denied tool call must never dispatch, got %v", registry.dispatched)
	}
	if c.HasPendingToolCalls() {
		t.Fatal("denying a tool call must resolve its pending state")
	}
}

func TestHandleTurnPausesOnCodeFenceAndRecordsPendingCode(t *testing.T) {
	c, history := newTestCoordinator(&stepProvider{
		deltas: []string{"before\n", "<python>", "print(1)", "</python>", "\nafter this is discarded"},
	})

	events := drainEvents(c.HandleTurn(context.Background(), "run something"))

	var paused *CoordinatorEvent
	for i := range events {
		if events[i].Kind == EventTurnPaused {
			paused = &events[i]
		}
		if events[i].Kind == EventTurnDone {
			t.Fatal("a paused turn must not also report EventTurnDone")
		}
	}
	if paused == nil {
		t.Fatalf("expected EventTurnPaused, got %+v", events)
	}
	if paused.Language != "python" {
		t.Fatalf("expected python, got %q", paused.Language)
	}

	lang, code, ok := c.PendingCode()
	if !ok || lang != "python" || code != "print(1)" {
		t.Fatalf("unexpected pending code: lang=%q code=%q ok=%v", lang, code, ok)
	}

	msgs := history.Messages()
	if msgs[len(msgs)-1].Role != "assistant" {
		t.Fatalf("expected the partial assistant turn to be finalized into history, got %+v", msgs[len(msgs)-1])
	}

	c.ClearPendingCode()
	if _, _, ok := c.PendingCode(); ok {
		t.Fatal("expected PendingCode to be cleared")
	}
}

func TestHandleTurnRollsBackUserMessageOnProviderError(t *testing.T) {
	c, history := newTestCoordinator(&stepProvider{err: context.DeadlineExceeded})

	events := drainEvents(c.HandleTurn(context.Background(), "hi"))

	var sawErr bool
	for _, ev := range events {
		if ev.Kind == EventTurnError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected EventTurnError")
	}

	msgs := history.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("expected the failed user turn to be popped back off, got %+v", msgs)
	}
}
