package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	xansi "github.com/charmbracelet/x/ansi"

	"artifice/internal/agent"
	"artifice/internal/agent/prompts"
	"artifice/internal/config"
	"artifice/internal/execution"
	"artifice/internal/llm"
	"artifice/internal/tools"
	"artifice/internal/tools/cli"
	"artifice/internal/tools/fs"
	"artifice/internal/tools/web"
)

// inputMode selects what Enter does with the textarea's contents: hand it
// to the assistant, or run it as Python/shell through the execution
// coordinator.
type inputMode int

const (
	modeAI inputMode = iota
	modePython
	modeShell
)

func (m inputMode) label() string {
	switch m {
	case modePython:
		return "Python"
	case modeShell:
		return "Shell"
	default:
		return "Assistant"
	}
}

// Model is the terminal's bubbletea program state: it owns the block
// transcript, the assistant coordinator (which in turn owns the engine and
// conversation history), and the execution coordinator that runs fenced
// Python/shell code, routing submitted input to whichever one the current
// mode selects.
type Model struct {
	ctx context.Context
	cfg config.Config

	coord *agent.Coordinator
	exec  *execution.Coordinator

	mode     inputMode
	autoSend bool

	// pendingCodeLang/pendingCodeText record the user-submitted REPL block
	// just executed so finishRun can forward it to the assistant when
	// autoSend is on.
	pendingCodeLang string
	pendingCodeText string

	// UI
	leftVP  viewport.Model
	rightVP viewport.Model
	input   textarea.Model

	blocks            []*Block
	currentBlock      *Block
	currentBlockIndex int
	thinkingBlock     *Block
	// assistantCodeBlock is the most recent assistant-authored fenced code
	// block streamed via the coordinator. It goes StatusRunning while text
	// streams in, then StatusPending once the fence closes and the turn
	// pauses, awaiting ctrl+r (run) or ctrl+x (skip).
	assistantCodeBlock *Block

	// pendingTools/pendingToolOrder track tool calls the model has
	// requested that are awaiting ctrl+t (confirm) or ctrl+g (deny).
	// Confirmation order follows pendingToolOrder (oldest first).
	pendingTools     map[string]*Block
	pendingToolOrder []string
	// turnHadToolCalls is reset at the start of every assistant turn and
	// set once that turn surfaces at least one EventToolPending. It
	// distinguishes "turn ended with no tool calls" (nothing more to do)
	// from "turn ended, all its tool calls are already resolved" (the
	// conversation must continue automatically so the model can react to
	// the results).
	turnHadToolCalls bool

	running bool
	coordCh <-chan agent.CoordinatorEvent

	// styles
	userTag                lipgloss.Style
	agentTag               lipgloss.Style
	userText               lipgloss.Style
	toolStyle              lipgloss.Style
	infoStyle              lipgloss.Style
	headerStyle            lipgloss.Style
	leftHeaderActiveStyle  lipgloss.Style
	rightHeaderActiveStyle lipgloss.Style
	leftPanelStyle         lipgloss.Style
	rightPanelStyle        lipgloss.Style
	inputStyle             lipgloss.Style
	spinnerStyle           lipgloss.Style

	activePanel   string // "left" or "right"
	userScrolledL bool
	userScrolledR bool

	waitingLLM bool
	spinnerIdx int
	spinners   []string
}

// NewModel wires a registry of the surviving direct-executor tools
// (filesystem, web, and run_cli), an assistant Engine and the AgentCoordinator that
// gates its tool calls behind user confirmation, and an
// execution.Coordinator for Python/shell/tmux code blocks, into a Model
// ready to run as a bubbletea program.
func NewModel(ctx context.Context, provider llm.Provider, cfg config.Config, execCoord *execution.Coordinator, maxSteps int) *Model {
	left := viewport.New(80, 20)
	right := viewport.New(40, 20)
	left.SetHorizontalStep(0)
	right.SetHorizontalStep(0)
	in := textarea.New()
	in.Placeholder = "Ask the assistant, or run Python/shell..."
	in.SetHeight(3)
	in.ShowLineNumbers = false
	in.Prompt = "› "
	in.Focus()

	userTag := lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#2D7FFF")).Bold(true).Padding(0, 1).MarginRight(1)
	agentTag := lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#7E57C2")).Bold(true).Padding(0, 1).MarginRight(1)
	toolStyle := lipgloss.NewStyle().Padding(0, 1)
	infoStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	userText := lipgloss.NewStyle().Foreground(lipgloss.Color("#E6F0FF"))

	workdir, err := os.Getwd()
	if err != nil {
		workdir = "."
	}

	registry := tools.NewRegistry()
	registry.Register(fs.NewReadTool(workdir))
	registry.Register(fs.NewWriteTool(workdir))
	registry.Register(fs.NewGlobTool(workdir))
	registry.Register(fs.NewGrepTool(workdir))
	registry.Register(fs.NewReplaceTool(workdir))
	registry.Register(web.NewFetchTool())
	if searx, ok := cfg.Custom["searxng_url"].(string); ok && searx != "" {
		registry.Register(web.NewTool(searx))
	}
	registry.Register(cli.NewTool(cli.NewExecutor(cfg.Exec, workdir)))

	system := cfg.SystemPrompt
	if system == "" {
		system = prompts.DefaultSystemPrompt(workdir)
	}
	eng := &agent.Engine{
		LLM:      provider,
		Tools:    registry,
		MaxSteps: maxSteps,
		System:   system,
	}
	history := agent.NewConversationHistory(system)
	coord := agent.NewCoordinator(eng, history)

	m := &Model{
		ctx:                    ctx,
		cfg:                    cfg,
		coord:                  coord,
		exec:                   execCoord,
		mode:                   modeAI,
		autoSend:               cfg.AutoSendToAssistant,
		leftVP:                 left,
		rightVP:                right,
		input:                  in,
		pendingTools:           map[string]*Block{},
		blocks:                 []*Block{{Kind: SystemBlock, Status: StatusSuccess, Text: "Interactive mode. Enter submits to the assistant. Ctrl+P cycles Assistant/Python/Shell. Ctrl+T confirms / Ctrl+G denies a pending tool call. Ctrl+R runs / Ctrl+X skips a paused assistant code block. Tab switches panes, arrows scroll. Ctrl+C exits."}},
		userTag:                userTag,
		agentTag:               agentTag,
		userText:               userText,
		toolStyle:              toolStyle,
		infoStyle:              infoStyle,
		inputStyle:             lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1),
		spinnerStyle:           lipgloss.NewStyle().Foreground(lipgloss.Color("#F6C34E")).Bold(true),
		headerStyle:            lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Bold(true),
		leftHeaderActiveStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#2D7FFF")).Bold(true).Padding(0, 1),
		rightHeaderActiveStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#7E57C2")).Bold(true).Padding(0, 1),
		leftPanelStyle:         lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1),
		rightPanelStyle:        lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#7E57C2")).Padding(0, 1),
		activePanel:            "left",
		spinners:               []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
	}
	m.leftVP.MouseWheelEnabled = true
	m.rightVP.MouseWheelEnabled = true
	m.setView()
	return m
}

func (m *Model) Init() tea.Cmd { return nil }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "tab":
			if m.activePanel == "left" {
				m.activePanel = "right"
			} else {
				m.activePanel = "left"
			}
			return m, nil
		case "ctrl+p":
			m.mode = (m.mode + 1) % 3
			return m, nil
		case "ctrl+t":
			if id, ok := m.firstPendingToolID(); ok {
				return m.confirmTool(id)
			}
			return m, nil
		case "ctrl+g":
			if id, ok := m.firstPendingToolID(); ok {
				return m.denyTool(id)
			}
			return m, nil
		case "ctrl+r":
			if lang, code, ok := m.coord.PendingCode(); ok {
				return m.runPendingAssistantCode(lang, code)
			}
			return m, nil
		case "ctrl+x":
			if _, _, ok := m.coord.PendingCode(); ok {
				m.coord.ClearPendingCode()
				if m.assistantCodeBlock != nil {
					m.assistantCodeBlock.Finish(StatusError)
					m.assistantCodeBlock = nil
				}
				m.setView()
			}
			return m, nil
		case "enter":
			if m.running {
				return m, nil
			}
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				return m, nil
			}
			m.input.SetValue("")
			return m.submit(q)
		case "up", "down", "pgup", "pgdn", "home", "end":
			if m.activePanel == "left" {
				var cmd tea.Cmd
				m.leftVP, cmd = m.leftVP.Update(msg)
				m.userScrolledL = true
				return m, cmd
			}
			var cmd tea.Cmd
			m.rightVP, cmd = m.rightVP.Update(msg)
			m.userScrolledR = true
			return m, cmd
		}
	case tea.MouseMsg:
		if msg.Action == tea.MouseActionPress && msg.Button == tea.MouseButtonLeft {
			lfW, _ := m.leftPanelStyle.GetFrameSize()
			leftOuter := m.leftVP.Width + lfW
			if msg.X < leftOuter {
				m.activePanel = "left"
			} else {
				m.activePanel = "right"
			}
			return m, nil
		}
		lfW, _ := m.leftPanelStyle.GetFrameSize()
		leftOuter := m.leftVP.Width + lfW
		if msg.X < leftOuter {
			var cmd tea.Cmd
			m.leftVP, cmd = m.leftVP.Update(msg)
			m.userScrolledL = true
			return m, cmd
		}
		var cmd tea.Cmd
		m.rightVP, cmd = m.rightVP.Update(msg)
		m.userScrolledR = true
		return m, cmd
	case tea.WindowSizeMsg:
		m.handleResize(msg)
		return m, nil
	case coordEventMsg:
		return m.applyCoordEvent(agent.CoordinatorEvent(msg))
	case turnClosedMsg:
		m.coordCh = nil
		return m, nil
	case toolResolvedMsg:
		return m.applyToolResolution(msg.id, msg.result, msg.err, msg.denied)
	case runResult:
		return m.finishRun(msg)
	case spinnerTickMsg:
		if m.waitingLLM || (m.running && m.currentBlock != nil) {
			m.spinnerIdx = (m.spinnerIdx + 1) % len(m.spinners)
			m.setLeftView()
			return m, m.spinnerCmd()
		}
		return m, nil
	}

	var cmdInput tea.Cmd
	m.input, cmdInput = m.input.Update(msg)
	return m, cmdInput
}

// submit routes q to the assistant engine or the execution coordinator
// depending on the active mode, appending the appropriate input block and
// kicking off the corresponding background command.
func (m *Model) submit(q string) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modePython, modeShell:
		lang := "python"
		if m.mode == modeShell {
			lang = "bash"
		}
		in := newBlock(CodeInput)
		in.Language = lang
		in.Text = q
		in.Finish(StatusSuccess)
		m.blocks = append(m.blocks, in)
		out := newBlock(CodeOutput)
		out.Language = lang
		out.Status = StatusRunning
		m.blocks = append(m.blocks, out)
		m.currentBlock = nil
		m.pendingCodeLang = lang
		m.pendingCodeText = q
		m.userScrolledL = false
		m.setView()
		m.running = true
		return m, m.runCode(lang, q)
	default:
		return m.runAssistantTurn(q)
	}
}

// runAssistantTurn appends an AgentInput block for text and starts a new
// assistant turn over it through the AgentCoordinator, which appends text
// to ConversationHistory itself.
func (m *Model) runAssistantTurn(text string) (tea.Model, tea.Cmd) {
	in := newBlock(AgentInput)
	in.Text = text
	in.Finish(StatusSuccess)
	m.blocks = append(m.blocks, in)
	m.userScrolledL = false
	m.leftVP.GotoBottom()
	m.beginTurnBlocks()
	m.coordCh = m.coord.HandleTurn(m.ctx, text)
	return m, tea.Batch(m.readCoordEvent(), m.spinnerCmd())
}

// continueAssistantTurn resumes the conversation after every tool call the
// model requested in the previous turn has been confirmed or denied,
// without appending a new user message — the provider sees the tool
// results already in History and carries on.
func (m *Model) continueAssistantTurn() (tea.Model, tea.Cmd) {
	m.beginTurnBlocks()
	m.coordCh = m.coord.ContinueTurn(m.ctx)
	return m, tea.Batch(m.readCoordEvent(), m.spinnerCmd())
}

func (m *Model) beginTurnBlocks() {
	m.running = true
	m.waitingLLM = true
	m.turnHadToolCalls = false
	m.currentBlock = newBlock(AgentOutput)
	m.currentBlock.Status = StatusRunning
	m.blocks = append(m.blocks, m.currentBlock)
	m.currentBlockIndex = len(m.blocks) - 1
	m.setView()
}

// applyCoordEvent folds one CoordinatorEvent into the transcript and
// returns the command to keep draining the turn's event channel.
func (m *Model) applyCoordEvent(ev agent.CoordinatorEvent) (tea.Model, tea.Cmd) {
	switch ev.Kind {
	case agent.EventContentText:
		m.waitingLLM = false
		if m.currentBlock != nil {
			m.currentBlock.Append(ev.Text)
			if m.currentBlockIndex < len(m.blocks) {
				m.blocks[m.currentBlockIndex] = m.currentBlock
			}
			m.setLeftView()
		}
	case agent.EventThinkingOpen:
		m.thinkingBlock = newBlock(ThinkingOutput)
		m.thinkingBlock.Status = StatusRunning
		m.blocks = append(m.blocks, m.thinkingBlock)
		m.setLeftView()
	case agent.EventThinkingText:
		m.waitingLLM = false
		if m.thinkingBlock != nil {
			m.thinkingBlock.Append(ev.Text)
			m.setLeftView()
		}
	case agent.EventThinkingClose:
		if m.thinkingBlock != nil {
			m.thinkingBlock.Finish(StatusSuccess)
			m.thinkingBlock = nil
		}
	case agent.EventCodeOpen:
		m.waitingLLM = false
		m.assistantCodeBlock = newBlock(CodeInput)
		m.assistantCodeBlock.Language = ev.Language
		m.assistantCodeBlock.Status = StatusRunning
		m.blocks = append(m.blocks, m.assistantCodeBlock)
		m.setLeftView()
	case agent.EventCodeText:
		if m.assistantCodeBlock != nil {
			m.assistantCodeBlock.Append(ev.Text)
			m.setLeftView()
		}
	case agent.EventCodeClose:
		// left open; EventTurnPaused marks it StatusPending once the turn
		// actually ends on this fence.
	case agent.EventToolPending:
		m.turnHadToolCalls = true
		b := newBlock(ToolCallBlock)
		b.ToolName = ev.Tool.Name
		b.ToolArgs = string(ev.Tool.Args)
		b.ToolID = ev.Tool.ID
		b.Status = StatusPending
		m.blocks = append(m.blocks, b)
		m.pendingTools[ev.Tool.ID] = b
		m.pendingToolOrder = append(m.pendingToolOrder, ev.Tool.ID)
		m.setRightView()
	case agent.EventTurnPaused:
		m.running = false
		m.waitingLLM = false
		m.finishCurrentBlock(StatusSuccess)
		if m.assistantCodeBlock != nil {
			m.assistantCodeBlock.Finish(StatusPending)
		}
		m.setView()
	case agent.EventTurnDone:
		m.running = false
		m.waitingLLM = false
		m.finishCurrentBlock(StatusSuccess)
		m.setView()
		if m.turnHadToolCalls && !m.coord.HasPendingToolCalls() {
			return m.continueAssistantTurn()
		}
	case agent.EventTurnError:
		m.running = false
		m.waitingLLM = false
		m.finishCurrentBlock(StatusError)
		errBlock := newBlock(SystemBlock)
		if ev.Err != nil {
			errBlock.Text = "error: " + ev.Err.Error()
		}
		errBlock.Finish(StatusError)
		m.blocks = append(m.blocks, errBlock)
		m.setView()
	}
	return m, m.readCoordEvent()
}

func (m *Model) finishCurrentBlock(status BlockStatus) {
	if m.currentBlock == nil {
		return
	}
	m.currentBlock.Finish(status)
	m.currentBlock = nil
	m.currentBlockIndex = -1
}

func (m *Model) firstPendingToolID() (string, bool) {
	if len(m.pendingToolOrder) == 0 {
		return "", false
	}
	return m.pendingToolOrder[0], true
}

func (m *Model) popPendingToolID(id string) {
	for i, v := range m.pendingToolOrder {
		if v == id {
			m.pendingToolOrder = append(m.pendingToolOrder[:i], m.pendingToolOrder[i+1:]...)
			break
		}
	}
	delete(m.pendingTools, id)
}

// confirmTool marks the pending tool call running and dispatches it in the
// background; the result is applied once toolResolvedMsg arrives.
func (m *Model) confirmTool(id string) (tea.Model, tea.Cmd) {
	if b, ok := m.pendingTools[id]; ok {
		b.Status = StatusRunning
		m.setRightView()
	}
	return m, func() tea.Msg {
		res, err := m.coord.ConfirmToolCall(m.ctx, id)
		return toolResolvedMsg{id: id, result: res, err: err}
	}
}

// denyTool rejects a pending tool call immediately; Coordinator.DenyToolCall
// never executes it, so there is nothing to run in the background.
func (m *Model) denyTool(id string) (tea.Model, tea.Cmd) {
	res, err := m.coord.DenyToolCall(id)
	return m.applyToolResolution(id, res, err, true)
}

func (m *Model) applyToolResolution(id string, result llm.Message, err error, denied bool) (tea.Model, tea.Cmd) {
	if b, ok := m.pendingTools[id]; ok {
		if err != nil {
			b.Text = err.Error()
			b.Finish(StatusError)
		} else if denied {
			b.Text = result.Content
			b.Finish(StatusError)
		} else {
			b.Text = result.Content
			b.Finish(StatusSuccess)
		}
	}
	m.popPendingToolID(id)
	m.setRightView()

	if !m.running && !m.coord.HasPendingToolCalls() && len(m.pendingToolOrder) == 0 {
		return m.continueAssistantTurn()
	}
	return m, nil
}

// runPendingAssistantCode executes the code block the last assistant turn
// paused on through the execution coordinator, same as a user-submitted
// REPL block; on completion, if autoSend is on, the result is forwarded to
// the assistant as a new turn via the "Executed: ..." convention.
func (m *Model) runPendingAssistantCode(lang, code string) (tea.Model, tea.Cmd) {
	m.coord.ClearPendingCode()
	if m.assistantCodeBlock != nil {
		m.assistantCodeBlock.Finish(StatusRunning)
	}
	out := newBlock(CodeOutput)
	out.Language = lang
	out.Status = StatusRunning
	m.blocks = append(m.blocks, out)
	m.pendingCodeLang = lang
	m.pendingCodeText = code
	m.assistantCodeBlock = nil
	m.userScrolledL = false
	m.setView()
	m.running = true
	return m, m.runCode(lang, code)
}

func (m *Model) finishRun(msg runResult) (tea.Model, tea.Cmd) {
	m.running = false
	m.waitingLLM = false
	if msg.err != nil {
		if n := len(m.blocks); n > 0 && m.blocks[n-1].Kind == CodeOutput {
			m.blocks[n-1].Text = msg.text
			m.blocks[n-1].Finish(StatusError)
		}
		errBlock := newBlock(SystemBlock)
		errBlock.Text = "error: " + msg.err.Error()
		errBlock.Finish(StatusError)
		m.blocks = append(m.blocks, errBlock)
		m.setView()
		return m, nil
	}
	if len(m.blocks) > 0 {
		last := m.blocks[len(m.blocks)-1]
		if last.Kind == CodeOutput {
			last.Text = msg.text
			last.Finish(StatusSuccess)
			if m.autoSend && m.pendingCodeLang != "" {
				lang, code := m.pendingCodeLang, m.pendingCodeText
				m.pendingCodeLang, m.pendingCodeText = "", ""
				forward := fmt.Sprintf("Executed: <%s>%s</%s>\n\nOutput:\n%s\n", lang, code, lang, msg.text)
				m.setView()
				return m.runAssistantTurn(forward)
			}
			m.pendingCodeLang, m.pendingCodeText = "", ""
		}
	}
	m.setView()
	return m, nil
}

func (m *Model) handleResize(msg tea.WindowSizeMsg) {
	total := msg.Width
	if total < 2 {
		total = 2
	}
	leftOuterW := int(float64(total) * 0.66)
	if leftOuterW < 1 {
		leftOuterW = 1
	}
	rightOuterW := total - leftOuterW
	if rightOuterW < 1 {
		rightOuterW = 1
	}

	headerLines := 2
	inputH := m.input.Height()
	_, inputFrameH := m.inputStyle.GetFrameSize()
	contentOuterH := msg.Height - inputH - inputFrameH - headerLines
	if contentOuterH < 1 {
		contentOuterH = 1
	}

	lfW, lfH := m.leftPanelStyle.GetFrameSize()
	rfW, rfH := m.rightPanelStyle.GetFrameSize()
	m.leftVP.Width = max(1, leftOuterW-lfW)
	m.rightVP.Width = max(1, rightOuterW-rfW)
	m.leftVP.Height = max(1, contentOuterH-lfH)
	m.rightVP.Height = max(1, contentOuterH-rfH)

	if fw, _ := m.inputStyle.GetFrameSize(); fw > 0 {
		w := msg.Width - fw
		if w < 1 {
			w = 1
		}
		m.input.SetWidth(w)
	} else {
		m.input.SetWidth(msg.Width)
	}
	m.setView()
}

func (m *Model) View() string {
	leftHeader := m.headerStyle.Render(" Transcript ")
	rightHeader := m.headerStyle.Render(" Tools ")

	leftPanel := m.leftPanelStyle
	rightPanel := m.rightPanelStyle
	if m.activePanel == "left" {
		leftHeader = m.leftHeaderActiveStyle.Render(" Transcript ")
		leftPanel = m.leftPanelStyle.BorderForeground(lipgloss.Color("#2D7FFF"))
	} else {
		rightHeader = m.rightHeaderActiveStyle.Render(" Tools ")
		rightPanel = m.rightPanelStyle.BorderForeground(lipgloss.Color("#7E57C2"))
	}

	leftContent := leftHeader + "\n\n" + m.leftVP.View()
	rightContent := rightHeader + "\n\n" + m.rightVP.View()

	leftBlock := leftPanel.Render(leftContent)
	rightBlock := rightPanel.Render(rightContent)
	top := lipgloss.JoinHorizontal(lipgloss.Top, leftBlock, rightBlock)
	modeTag := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("[" + m.mode.label() + "] ")
	inputBlock := m.inputStyle.Render(modeTag + m.input.View())
	return top + "\n" + inputBlock
}

func (m *Model) spinnerCmd() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg { return spinnerTickMsg{} })
}

type runResult struct {
	text string
	err  error
}
type spinnerTickMsg struct{}
type coordEventMsg agent.CoordinatorEvent
type turnClosedMsg struct{}
type toolResolvedMsg struct {
	id     string
	result llm.Message
	err    error
	denied bool
}

// runCode executes a Python/shell block through the execution coordinator
// and reports the result as a runResult once it completes. Output is
// buffered and applied to the in-progress CodeOutput block once the run
// finishes.
func (m *Model) runCode(language, code string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.exec.Execute(m.ctx, language, code, execution.Callbacks{})
		if err != nil {
			return runResult{err: err}
		}
		text := res.Output
		if res.Status == execution.StatusError {
			if text != "" {
				text += "\n"
			}
			text += res.Error
			return runResult{text: text, err: fmt.Errorf("exit status: %s", res.Status)}
		}
		return runResult{text: text}
	}
}

func (m *Model) readCoordEvent() tea.Cmd {
	return func() tea.Msg {
		if m.coordCh == nil {
			return turnClosedMsg{}
		}
		ev, ok := <-m.coordCh
		if !ok {
			return turnClosedMsg{}
		}
		return coordEventMsg(ev)
	}
}

func (m *Model) renderChat(width int) string {
	var b strings.Builder
	cnt := 0
	for i, blk := range m.blocks {
		if blk.Kind == ToolCallBlock {
			continue
		}
		if cnt > 0 {
			b.WriteString("\n\n")
		}
		showSpinner := m.currentBlock != nil && i == m.currentBlockIndex && (m.waitingLLM || m.running)
		b.WriteString(m.renderBlock(blk, width, showSpinner))
		cnt++
	}
	return b.String()
}

func (m *Model) renderTools(width int) string {
	var b strings.Builder
	cnt := 0
	for _, blk := range m.blocks {
		if blk.Kind != ToolCallBlock {
			continue
		}
		if cnt > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.renderBlock(blk, width, false))
		cnt++
	}
	if cnt == 0 {
		return m.infoStyle.Render("No tool activity yet.")
	}
	return b.String()
}

func (m *Model) renderBlock(blk *Block, width int, showSpinner bool) string {
	maxw := width
	if maxw < 20 {
		maxw = 20
	}
	wrap := lipgloss.NewStyle().MaxWidth(maxw)
	switch blk.Kind {
	case AgentInput:
		header := m.userTag.Render("You")
		body := m.userText.Render(wrap.Render(wrapString(blk.Text, maxw)))
		return header + "\n\n" + body
	case AgentOutput:
		header := m.agentTag.Render("Agent")
		if showSpinner {
			header = header + " " + m.spinnerStyle.Render(m.spinners[m.spinnerIdx])
		}
		text := blk.Text
		if m.exec == nil || m.exec.AssistantMarkdown {
			if mdOut, err := glamour.Render(text, "dark"); err == nil {
				text = mdOut
			}
		}
		return header + "\n\n" + wrap.Render(wrapString(text, maxw))
	case ThinkingOutput:
		header := lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8")).Render("Thinking")
		return header + "\n\n" + wrap.Render(wrapString(blk.Text, maxw))
	case CodeInput:
		header := lipgloss.NewStyle().Bold(true).Render("$ " + blk.Language)
		if blk.Status == StatusPending {
			header += " " + m.infoStyle.Render("(paused — ctrl+r run / ctrl+x skip)")
		}
		return header + "\n\n" + wrap.Render(wrapString(blk.Text, maxw))
	case CodeOutput:
		header := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("output")
		if showSpinner {
			header = header + " " + m.spinnerStyle.Render(m.spinners[m.spinnerIdx])
		}
		text := blk.Text
		if m.exec != nil && m.exec.MarkdownEnabled(blk.Language) {
			if mdOut, err := glamour.Render(text, "dark"); err == nil {
				text = mdOut
			}
		}
		return header + "\n\n" + wrap.Render(wrapString(text, maxw))
	case ToolCallBlock:
		header := lipgloss.NewStyle().Bold(true).Render("Tool: " + blk.ToolName)
		if blk.Status == StatusPending {
			header += " " + m.infoStyle.Render("(pending — ctrl+t confirm / ctrl+g deny)")
		}
		inw := maxw
		if fw, _ := m.rightPanelStyle.GetFrameSize(); fw > 0 && inw-fw > 1 {
			inw -= fw
		}
		innerWrap := lipgloss.NewStyle().MaxWidth(inw)
		body := blk.ToolArgs
		if blk.Text != "" {
			body = blk.ToolArgs + "\n\n" + blk.Text
		}
		return m.toolStyle.Render(header + "\n\n" + innerWrap.Render(wrapString(body, inw)))
	default:
		return m.infoStyle.Render(wrap.Render(wrapString(blk.Text, maxw)))
	}
}

func wrapString(s string, width int) string {
	if width <= 0 {
		return s
	}
	return xansi.Hardwrap(s, width, false)
}

func (m *Model) setView() {
	m.setLeftView()
	m.setRightView()
}

func (m *Model) setLeftView() {
	m.leftVP.SetContent(m.renderChat(m.leftVP.Width))
	if m.activePanel != "left" || !m.userScrolledL || m.isNearBottom(m.leftVP) {
		m.leftVP.GotoBottom()
	}
}

func (m *Model) isNearBottom(vp viewport.Model) bool {
	return vp.YOffset >= vp.TotalLineCount()-vp.Height-3
}

func (m *Model) setRightView() {
	m.rightVP.SetContent(m.renderTools(m.rightVP.Width))
	if m.activePanel != "right" || !m.userScrolledR || m.isNearBottom(m.rightVP) {
		m.rightVP.GotoBottom()
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
