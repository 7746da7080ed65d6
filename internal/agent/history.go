package agent

import (
	"fmt"
	"sync"

	"artifice/internal/llm"
)

// ConversationHistory is the append-only message list the coordinator sends
// to the provider on every turn. It enforces the one invariant that keeps
// tool-call bookkeeping sound: a tool message's ToolID must match an ID an
// earlier assistant message declared, and that declaration must not yet have
// been resolved by another tool message.
type ConversationHistory struct {
	mu      sync.Mutex
	system  string
	history []llm.Message
	pending map[string]struct{}
}

// NewConversationHistory creates an empty history, optionally seeded with a
// system message.
func NewConversationHistory(system string) *ConversationHistory {
	h := &ConversationHistory{system: system, pending: map[string]struct{}{}}
	h.seedLocked()
	return h
}

func (h *ConversationHistory) seedLocked() {
	h.history = nil
	if h.system != "" {
		h.history = append(h.history, llm.Message{Role: "system", Content: h.system})
	}
}

// Append adds msg to the history. Assistant messages carrying tool calls
// register those IDs as pending; tool messages must resolve a pending ID or
// Append returns an error and leaves the history unchanged.
func (h *ConversationHistory) Append(msg llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Role == "tool" {
		if _, ok := h.pending[msg.ToolID]; !ok {
			return fmt.Errorf("conversation history: tool result %q does not match a pending tool call", msg.ToolID)
		}
		delete(h.pending, msg.ToolID)
	}

	h.history = append(h.history, msg)

	if msg.Role == "assistant" {
		for _, tc := range msg.ToolCalls {
			h.pending[tc.ID] = struct{}{}
		}
	}
	return nil
}

// AppendUser is a convenience for the common case of a plain user turn.
func (h *ConversationHistory) AppendUser(content string) {
	_ = h.Append(llm.Message{Role: "user", Content: content})
}

// Pop removes and discards the most recently appended message. Used on
// provider failure, where the spec requires the user message that triggered
// the failed turn to be popped back off the history.
func (h *ConversationHistory) Pop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.history) == 0 {
		return
	}
	last := h.history[len(h.history)-1]
	h.history = h.history[:len(h.history)-1]
	if last.Role == "assistant" {
		for _, tc := range last.ToolCalls {
			delete(h.pending, tc.ID)
		}
	}
}

// HasPendingToolCalls reports whether any assistant-declared tool call is
// still awaiting its tool-result message.
func (h *ConversationHistory) HasPendingToolCalls() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) > 0
}

// Messages returns a snapshot of the history in provider-message order. The
// returned slice is a copy; mutating it does not affect the history.
func (h *ConversationHistory) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.history))
	copy(out, h.history)
	return out
}

// Clear wipes the history back to its initial state, re-seeding the system
// message if one was configured.
func (h *ConversationHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = map[string]struct{}{}
	h.seedLocked()
}
