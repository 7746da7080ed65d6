package agent

import (
	"testing"

	"artifice/internal/llm"
)

func TestNewConversationHistorySeedsSystemMessage(t *testing.T) {
	h := NewConversationHistory("be helpful")
	msgs := h.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Fatalf("expected seeded system message, got %+v", msgs)
	}
}

func TestAppendToolMessageRequiresPendingCall(t *testing.T) {
	h := NewConversationHistory("")
	if err := h.Append(llm.Message{Role: "tool", ToolID: "abc", Content: "result"}); err == nil {
		t.Fatal("expected error appending tool message with no pending call")
	}
	if len(h.Messages()) != 0 {
		t.Fatalf("rejected append must not mutate history")
	}
}

func TestToolCallLifecycle(t *testing.T) {
	h := NewConversationHistory("")
	if err := h.Append(llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "read"}},
	}); err != nil {
		t.Fatalf("append assistant tool call: %v", err)
	}
	if !h.HasPendingToolCalls() {
		t.Fatal("expected pending tool call after assistant declares one")
	}

	if err := h.Append(llm.Message{Role: "tool", ToolID: "call-1", Content: "file contents"}); err != nil {
		t.Fatalf("append tool result: %v", err)
	}
	if h.HasPendingToolCalls() {
		t.Fatal("tool call should no longer be pending after its result is appended")
	}

	msgs := h.Messages()
	if len(msgs) != 2 || msgs[1].ToolID != "call-1" {
		t.Fatalf("unexpected history contents: %+v", msgs)
	}
}

func TestPopUndoesLastAppendIncludingPendingToolCalls(t *testing.T) {
	h := NewConversationHistory("")
	h.AppendUser("hello")
	_ = h.Append(llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call-9"}}})
	if !h.HasPendingToolCalls() {
		t.Fatal("expected pending tool call")
	}

	h.Pop()
	if h.HasPendingToolCalls() {
		t.Fatal("pop should clear pending state registered by the popped message")
	}
	msgs := h.Messages()
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("unexpected history after pop: %+v", msgs)
	}
}

func TestClearReseedsSystemMessage(t *testing.T) {
	h := NewConversationHistory("system prompt")
	h.AppendUser("hi")
	h.Clear()
	msgs := h.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("expected only the reseeded system message after clear, got %+v", msgs)
	}
	if h.HasPendingToolCalls() {
		t.Fatal("clear must reset pending tool-call state")
	}
}

func TestMessagesReturnsIndependentCopy(t *testing.T) {
	h := NewConversationHistory("")
	h.AppendUser("one")
	msgs := h.Messages()
	msgs[0].Content = "mutated"
	if h.Messages()[0].Content != "one" {
		t.Fatal("Messages() must return a copy, not a view into internal state")
	}
}
