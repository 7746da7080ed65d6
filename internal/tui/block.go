package tui

// BlockKind identifies what a Block represents in the transcript. The kind
// is fixed at creation and never changes.
type BlockKind int

const (
	AgentInput BlockKind = iota
	AgentOutput
	ThinkingOutput
	CodeInput
	CodeOutput
	ToolCallBlock
	SystemBlock
)

// BlockStatus tracks a block's lifecycle: pending blocks haven't started
// (or, for an assistant code block, are paused awaiting run/skip), running
// blocks are actively accumulating text, and success/error are terminal.
type BlockStatus int

const (
	StatusPending BlockStatus = iota
	StatusRunning
	StatusSuccess
	StatusError
)

// Block is one entry in the terminal's transcript: a user prompt, a piece
// of assistant output, a tool invocation, or a fenced code block and its
// result. Text only ever grows until the block reaches a terminal status.
type Block struct {
	Kind   BlockKind
	Status BlockStatus
	Text   string

	// Language is set for CodeInput/CodeOutput ("python" or "bash").
	Language string

	// ToolName/ToolArgs/ToolID are set for ToolCallBlock.
	ToolName string
	ToolArgs string
	ToolID   string

	// InContext marks whether this block's content is still part of the
	// conversation sent to the model. Purely a display/bookkeeping flag:
	// the authoritative conversation lives in the history passed to the
	// engine, not here.
	InContext bool
}

func newBlock(kind BlockKind) *Block {
	return &Block{Kind: kind, Status: StatusPending, InContext: true}
}

// Append grows the block's text buffer. Panics if called after the block
// reached a terminal status, since text is only supposed to grow while a
// block is pending/running.
func (b *Block) Append(text string) {
	if b.Status == StatusSuccess || b.Status == StatusError {
		panic("tui: Append on a finished block")
	}
	b.Text += text
}

func (b *Block) Finish(status BlockStatus) {
	b.Status = status
}

func (k BlockKind) String() string {
	switch k {
	case AgentInput:
		return "user"
	case AgentOutput:
		return "agent"
	case ThinkingOutput:
		return "thinking"
	case CodeInput:
		return "code_input"
	case CodeOutput:
		return "code_output"
	case ToolCallBlock:
		return "tool"
	case SystemBlock:
		return "info"
	default:
		return "unknown"
	}
}
