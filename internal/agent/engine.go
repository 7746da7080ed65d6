package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"artifice/internal/llm"
	"artifice/internal/observability"
	"artifice/internal/tools"
)

// Engine performs single provider calls over a conversation (Step,
// StepStream) and dispatches single confirmed tool calls (ExecuteTool). It
// does not loop over tool calls itself; MaxSteps is stored but none of its
// methods read it.
type Engine struct {
	LLM      llm.Provider
	Tools    tools.Registry
	MaxSteps int
	System   string
	Model    string // default model name to pass to provider (used for metrics)
	// ContextWindowTokens is the approximate context window for Model in tokens.
	// If not set, will be derived using llm.ContextSize.
	ContextWindowTokens int
	// Rolling summarization configuration (token-based only)
	SummaryEnabled bool
	// SummaryReserveBufferTokens is the number of tokens to reserve for model output
	// (including reasoning tokens). OpenAI recommends ~25,000 for reasoning models.
	// Default: 25000.
	SummaryReserveBufferTokens int
	// MinKeepLastMessages is the minimum number of tail messages to always try to
	// keep in raw form, even if the token budget is small.
	SummaryMinKeepLastMessages int
	// MaxSummaryChunkTokens caps the size of the summary prompt (older
	// conversation) in tokens.
	SummaryMaxSummaryChunkTokens int
	// OnAssistant, if set, is called with each assistant message the provider
	// returns (including those containing tool calls and the final answer).
	OnAssistant func(llm.Message)
	// OnDelta, if set, is called for streaming content deltas (for partial responses)
	OnDelta func(string)
	// OnTool, if set, is called after each tool execution with tool name, args, result, and tool ID.
	OnTool func(toolName string, args []byte, result []byte, toolID string)
	// OnToolStart is a hook for displaying a pending tool invocation before it
	// is executed; Engine never invokes it itself (see ExecuteTool), so the
	// caller that surfaces pending tool calls invokes it. Args are the raw
	// JSON arguments provided by the model.
	OnToolStart func(toolName string, args []byte, toolID string)
	// OnSummaryTriggered, if set, is invoked when conversation summarization is triggered
	// due to the message history exceeding the token budget. Parameters include:
	// inputTokens, tokenBudget, messageCount, and messagesBeingSummarized.
	OnSummaryTriggered func(inputTokens, tokenBudget, messageCount, summarizedCount int)
	// Tokenizer provides accurate token counting when available. If nil, the engine
	// falls back to heuristic estimation (chars/4).
	Tokenizer llm.Tokenizer
	// TokenizationFallbackToHeuristic is set by AttachTokenizer; token counting
	// falls back to the heuristic on any tokenization error whether or not it is set.
	TokenizationFallbackToHeuristic bool
	// Tracer, if set, wraps each provider call in a span so turn latency and
	// failures show up in the configured OTel backend alongside the request
	// spans llm.StartRequestSpan already emits per-call.
	Tracer      *OTELTracer
	toolCallSeq uint64
}

// AttachTokenizer wires an accurate tokenizer into the engine when the provider exposes one.
// Providers that support the OpenAI Responses or Anthropic count_tokens endpoints accept an
// optional cache, which is passed through as given (nil means no caching).
func (e *Engine) AttachTokenizer(provider any, cache *llm.TokenCache) {
	if e == nil || provider == nil {
		return
	}

	type tokenizableProvider interface {
		Tokenizer(cache *llm.TokenCache) llm.Tokenizer
	}

	p, ok := provider.(tokenizableProvider)
	if !ok {
		return
	}

	if tok := p.Tokenizer(cache); tok != nil {
		e.Tokenizer = tok
		e.TokenizationFallbackToHeuristic = true
	}
}

// countTokens returns the token count for text using the engine's tokenizer if available,
// otherwise falls back to heuristic estimation.
func (e *Engine) countTokens(ctx context.Context, text string) int {
	if e.Tokenizer == nil {
		return llm.EstimateTokens(text)
	}
	count, err := e.Tokenizer.CountTokens(ctx, text)
	if err != nil {
		return llm.EstimateTokens(text)
	}
	return count
}

// countMessagesTokens returns the token count for a slice of messages using the engine's
// tokenizer if available, otherwise falls back to heuristic estimation.
func (e *Engine) countMessagesTokens(ctx context.Context, msgs []llm.Message) int {
	if e.Tokenizer == nil {
		return llm.EstimateTokensForMessages(msgs)
	}
	count, err := e.Tokenizer.CountMessagesTokens(ctx, msgs)
	if err != nil {
		return llm.EstimateTokensForMessages(msgs)
	}
	return count
}

// PrepareMessages builds the provider-bound message list for a turn: the
// caller's full conversation (system message first) plus, when
// SummaryEnabled, a rolling summarization pass over it. Callers that own
// their own ConversationHistory (AgentCoordinator) pass its Messages()
// snapshot straight through; this never mutates the history itself, only
// the list handed to the provider for this one call.
func (e *Engine) PrepareMessages(ctx context.Context, msgs []llm.Message) []llm.Message {
	if e.SummaryEnabled {
		return e.maybeSummarize(ctx, msgs)
	}
	return msgs
}

// streamHandler implements llm.StreamHandler
type streamHandler struct {
	onDelta         func(string)
	onToolCall      func(llm.ToolCall)
	onImage         func(llm.GeneratedImage)
	onThoughtSummary func(string)
}

func (h *streamHandler) OnDelta(content string) {
	if h.onDelta != nil {
		h.onDelta(content)
	}
}

func (h *streamHandler) OnToolCall(tc llm.ToolCall) {
	if h.onToolCall != nil {
		h.onToolCall(tc)
	}
}

func (h *streamHandler) OnImage(img llm.GeneratedImage) {
	if h.onImage != nil {
		h.onImage(img)
	}
}

func (h *streamHandler) OnThoughtSummary(summary string) {
	if h.onThoughtSummary != nil {
		h.onThoughtSummary(summary)
	}
}

func (e *Engine) model() string { return e.Model }

// Step performs exactly one non-streaming provider call and returns the
// resulting assistant message (content and/or tool calls), with fresh
// ensureToolCallIDs applied. It does not dispatch any tool calls itself —
// per spec, a tool with a direct executor only runs once the user confirms
// the pending call; AgentCoordinator owns that confirmation loop and calls
// ExecuteTool explicitly once a call is approved.
func (e *Engine) Step(ctx context.Context, msgs []llm.Message) (llm.Message, error) {
	log := observability.LoggerWithTrace(ctx)
	log.Debug().Int("history", len(msgs)).Msg("engine_step_start")

	schemas := e.Tools.Schemas()
	var end func(error)
	if e.Tracer != nil {
		ctx, end = e.Tracer.Start(ctx, "agent.step", nil)
	}
	msg, err := e.LLM.Chat(ctx, msgs, schemas, e.model())
	if end != nil {
		end(err)
	}
	if err != nil {
		log.Error().Err(err).Msg("engine_step_error")
		return llm.Message{}, err
	}

	msg.ToolCalls = e.ensureToolCallIDs(msgs, msg.ToolCalls)
	if e.OnAssistant != nil {
		e.OnAssistant(msg)
	}
	log.Info().Int("tool_calls", len(msg.ToolCalls)).Int("final_len", len(msg.Content)).Msg("engine_step_done")
	return msg, nil
}

// StepStream performs exactly one streaming provider call, forwarding
// content/thinking deltas through onDelta/onThought as they arrive, and
// returns the accumulated assistant message once the stream ends. Like
// Step, it never dispatches tool calls — the caller decides what happens
// with msg.ToolCalls.
func (e *Engine) StepStream(ctx context.Context, msgs []llm.Message, onDelta, onThought func(string)) (llm.Message, error) {
	log := observability.LoggerWithTrace(ctx)
	log.Debug().Int("history", len(msgs)).Msg("engine_stream_step_start")

	var (
		accumulatedContent   string
		accumulatedToolCalls []llm.ToolCall
		accumulatedImages    []llm.GeneratedImage
	)

	handler := &streamHandler{
		onDelta: func(content string) {
			accumulatedContent += content
			if onDelta != nil {
				onDelta(content)
			}
			if e.OnDelta != nil {
				e.OnDelta(content)
			}
		},
		onToolCall: func(tc llm.ToolCall) {
			accumulatedToolCalls = append(accumulatedToolCalls, tc)
		},
		onImage: func(img llm.GeneratedImage) {
			accumulatedImages = append(accumulatedImages, img)
		},
		onThoughtSummary: onThought,
	}

	schemas := e.Tools.Schemas()
	var end func(error)
	if e.Tracer != nil {
		ctx, end = e.Tracer.Start(ctx, "agent.stream_step", nil)
	}
	err := e.LLM.ChatStream(ctx, msgs, schemas, e.model(), handler)
	if end != nil {
		end(err)
	}
	if err != nil {
		log.Error().Err(err).Msg("engine_stream_step_error")
		return llm.Message{Role: "assistant", Content: accumulatedContent}, err
	}

	accumulatedToolCalls = e.ensureToolCallIDs(msgs, accumulatedToolCalls)
	msg := llm.Message{
		Role:      "assistant",
		Content:   accumulatedContent,
		ToolCalls: accumulatedToolCalls,
		Images:    accumulatedImages,
	}
	if e.OnAssistant != nil {
		e.OnAssistant(msg)
	}
	log.Info().Int("tool_calls", len(msg.ToolCalls)).Int("final_len", len(msg.Content)).Msg("engine_stream_step_done")
	return msg, nil
}

func (e *Engine) ensureToolCallIDs(msgs []llm.Message, toolCalls []llm.ToolCall) []llm.ToolCall {
	used := make(map[string]struct{}, len(toolCalls))
	for _, msg := range msgs {
		if msg.Role != "assistant" {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if id := strings.TrimSpace(tc.ID); id != "" {
				used[id] = struct{}{}
			}
		}
	}
	for i := range toolCalls {
		id := strings.TrimSpace(toolCalls[i].ID)
		hasSig := strings.TrimSpace(toolCalls[i].ThoughtSignature) != ""
		if id == "" {
			id = e.nextToolCallID()
		}
		if !hasSig {
			for {
				if _, ok := used[id]; !ok {
					break
				}
				id = e.nextToolCallID()
			}
		}
		toolCalls[i].ID = id
		used[id] = struct{}{}
	}
	return toolCalls
}

func (e *Engine) nextToolCallID() string {
	seq := atomic.AddUint64(&e.toolCallSeq, 1)
	return fmt.Sprintf("engine-call-%d", seq)
}

// ExecuteTool dispatches a single tool call that the user has confirmed and
// returns the resulting tool-role message, ready to append to
// ConversationHistory. Call OnToolStart yourself at the point the call is
// materialised as pending (before confirmation); ExecuteTool fires OnTool
// once the dispatch completes.
func (e *Engine) ExecuteTool(ctx context.Context, tc llm.ToolCall) llm.Message {
	observability.LoggerWithTrace(ctx).Info().Str("tool", tc.Name).RawJSON("args", observability.RedactJSON(tc.Args)).Msg("engine_tool_call")
	payload, err := e.Tools.Dispatch(ctx, tc.Name, tc.Args)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	if e.OnTool != nil {
		e.OnTool(tc.Name, tc.Args, payload, tc.ID)
	}
	return llm.Message{Role: "tool", Content: string(payload), ToolID: tc.ID}
}

// maybeSummarize inspects msgs and, if the input tokens exceed the available
// budget (context window minus reserve buffer), calls the LLM to produce a
// short summary of older messages. Returns a new messages slice where older
// messages have been replaced by a single summary assistant message plus the
// most recent messages preserved.
//
// The pattern follows OpenAI's recommendation:
// 1. Count input tokens (preflight)
// 2. Compare against context_window - reserve_buffer
// 3. If over threshold → summarize/compact older turns before the request is sent
func (e *Engine) maybeSummarize(ctx context.Context, msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}

	ctxSize := e.ContextWindowTokens
	if ctxSize <= 0 {
		if sz, _ := llm.ContextSize(e.model()); sz > 0 {
			ctxSize = sz
		}
	}
	if ctxSize <= 0 {
		ctxSize = 128_000 // Conservative default for modern models
	}

	reserveBuffer := e.SummaryReserveBufferTokens
	if reserveBuffer <= 0 {
		reserveBuffer = 25_000
	}

	minTail := e.SummaryMinKeepLastMessages
	if minTail <= 0 {
		minTail = 4
	}

	tokenBudget := ctxSize - reserveBuffer
	if tokenBudget <= 0 {
		tokenBudget = ctxSize / 2 // Fallback if reserve is too large
	}

	inputTokens := e.countMessagesTokens(ctx, msgs)
	if inputTokens <= tokenBudget {
		return msgs
	}

	log := observability.LoggerWithTrace(ctx)
	log.Info().
		Int("messages", len(msgs)).
		Int("input_tokens", inputTokens).
		Int("token_budget", tokenBudget).
		Int("context_window", ctxSize).
		Int("reserve_buffer", reserveBuffer).
		Msg("summarization_triggered")

	start := 0
	var sysMsg *llm.Message
	if msgs[0].Role == "system" {
		sysMsg = &msgs[0]
		start = 1
	}

	recent := make([]llm.Message, 0, len(msgs))
	remaining := tokenBudget / 2
	for i := len(msgs) - 1; i >= start; i-- {
		msgTokens := e.countTokens(ctx, msgs[i].Content)
		if len(recent) >= minTail && remaining-msgTokens <= 0 {
			break
		}
		recent = append(recent, msgs[i])
		remaining -= msgTokens
		if remaining <= 0 {
			break
		}
	}

	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	cutIndex := len(msgs) - len(recent)
	if cutIndex < start {
		cutIndex = start
	}
	cutIndex = e.adjustCutIndexForToolDeps(msgs, start, cutIndex)
	if cutIndex < start {
		cutIndex = start
	}
	recent = msgs[cutIndex:]
	toSummarize := msgs[start:cutIndex]
	if len(toSummarize) == 0 {
		return msgs
	}

	if e.OnSummaryTriggered != nil {
		e.OnSummaryTriggered(inputTokens, tokenBudget, len(msgs), len(toSummarize))
	}

	return e.buildSummarizedMessages(ctx, sysMsg, toSummarize, recent, len(recent))
}

// adjustCutIndexForToolDeps ensures that if the kept "recent" tail includes any
// tool response messages, it also includes the preceding assistant message(s)
// that contain the corresponding ToolCalls.
//
// This matters for providers like Gemini where tool responses may need to
// echo provider-specific metadata (e.g., thought signatures) that are carried on
// the original ToolCall message. Summarization must not split that chain.
func (e *Engine) adjustCutIndexForToolDeps(msgs []llm.Message, start, cutIndex int) int {
	if cutIndex <= start || cutIndex >= len(msgs) {
		return cutIndex
	}

	required := make(map[string]struct{})
	for i := cutIndex; i < len(msgs); i++ {
		if msgs[i].Role == "tool" {
			id := strings.TrimSpace(msgs[i].ToolID)
			if id != "" {
				required[id] = struct{}{}
			}
		}
	}
	if len(required) == 0 {
		return cutIndex
	}

	earliestNeeded := cutIndex
	for toolID := range required {
		foundIdx := -1
		for i := cutIndex - 1; i >= start; i-- {
			if msgs[i].Role != "assistant" {
				continue
			}
			for _, tc := range msgs[i].ToolCalls {
				if strings.TrimSpace(tc.ID) == toolID {
					foundIdx = i
					break
				}
			}
			if foundIdx != -1 {
				break
			}
		}
		if foundIdx != -1 && foundIdx < earliestNeeded {
			earliestNeeded = foundIdx
		}
	}

	return earliestNeeded
}

// buildSummarizedMessages constructs a summary prompt, calls the LLM, and
// returns the new message list (system + [summary] + recent).
func (e *Engine) buildSummarizedMessages(
	ctx context.Context,
	sysMsg *llm.Message,
	toSummarize []llm.Message,
	recent []llm.Message,
	keep int,
) []llm.Message {
	maxChunkTokens := e.SummaryMaxSummaryChunkTokens
	if maxChunkTokens <= 0 {
		maxChunkTokens = 4096
	}

	var b strings.Builder
	currentTokens := 0
	for _, m := range toSummarize {
		msgTokens := e.countTokens(ctx, m.Content) + 8 // overhead for role/formatting
		if currentTokens+msgTokens > maxChunkTokens {
			break
		}
		b.WriteString("Role: ")
		b.WriteString(m.Role)
		b.WriteString("\n")
		content := m.Content
		if len(content) > maxChunkTokens*4 {
			content = content[:maxChunkTokens*4] + "\n[TRUNCATED]"
		}
		b.WriteString(content)
		b.WriteString("\n\n")
		currentTokens += msgTokens
	}

	sys := "You are a concise summarizer. Produce a short, factual summary (<= 300 characters) of the conversation that follows. Keep important facts, omit chit-chat. Return only the summary text."
	user := "Summarize the following conversation:\n\n" + b.String()

	summReq := []llm.Message{{Role: "system", Content: sys}, {Role: "user", Content: user}}
	sumMsg, err := e.LLM.Chat(ctx, summReq, nil, e.model())
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Msg("summary_failed")
		return append([]llm.Message{}, append(toSummarize, recent...)...)
	}

	summaryContent := "[SUMMARY] " + strings.TrimSpace(sumMsg.Content)
	summary := llm.Message{Role: "assistant", Content: summaryContent}

	newMsgs := make([]llm.Message, 0, 1+keep+2)
	if sysMsg != nil {
		newMsgs = append(newMsgs, *sysMsg)
	}
	newMsgs = append(newMsgs, summary)
	newMsgs = append(newMsgs, recent...)

	observability.LoggerWithTrace(ctx).Info().
		Int("orig_messages", len(toSummarize)+len(recent)).
		Int("new_messages", len(newMsgs)).
		Msg("history_summarized")
	return newMsgs
}
