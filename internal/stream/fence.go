package stream

import "strings"

// FenceState is the coarse state of the streaming fence detector.
type FenceState int

const (
	// StateProse is plain assistant prose, rendered as markdown.
	StateProse FenceState = iota
	// StateCode is inside a <python>/<shell> tagged code block.
	StateCode
	// StateThinking is inside a <think> block.
	StateThinking
)

func (s FenceState) String() string {
	switch s {
	case StateCode:
		return "code"
	case StateThinking:
		return "thinking"
	default:
		return "prose"
	}
}

// EventKind identifies the kind of Event emitted by the detector.
type EventKind int

const (
	// EventText carries literal prose/code/thinking text to append to the
	// block currently open for the current state.
	EventText EventKind = iota
	// EventCodeOpen signals a new code block has opened; Language holds
	// "python" or "bash".
	EventCodeOpen
	// EventCodeClose signals the current code block has closed.
	EventCodeClose
	// EventThinkingOpen signals a <think> block has opened.
	EventThinkingOpen
	// EventThinkingClose signals a <think> block has closed.
	EventThinkingClose
	// EventPaused signals the detector has paused after closing a code
	// block (only when pauseAfterCode is set); the caller must call
	// Resume before more text will be processed.
	EventPaused
)

// Event is one unit of output from feeding characters to the detector.
type Event struct {
	Kind     EventKind
	Text     string
	Language string
}

// codeOpenTags maps canonical open tags to the executor language they
// select.
var codeOpenTags = map[string]string{
	"<python>": "python",
	"<shell>":  "bash",
}

// codeCloseTags maps executor language back to its canonical close tag.
var codeCloseTags = map[string]string{
	"python": "</python>",
	"bash":   "</shell>",
}

// proseTagTargets are the tags the detector watches for while in prose
// state.
var proseTagTargets = []string{"<think>", "<detail>", "<python>", "<shell>"}

// FenceDetector is a streaming, single-pass state machine that classifies
// assistant output text into prose, code, and thinking spans. Code blocks
// are opened by <python>/<shell> tags (and their aliases), thinking blocks
// by <think>/<detail>. Markdown triple-backtick fences do not open a code
// block: a backtick run only suppresses tag detection until its closing
// run. Inside a code block, tag detection is also suppressed within string
// literals.
//
// It processes one rune at a time via Feed and returns a slice of Events
// describing what the caller should do (append text to the currently open
// block, open/close a code or thinking block, or pause).
type FenceDetector struct {
	state FenceState

	strings  *StringTracker
	backtick *BacktickTracker
	tag      *TagParser

	// codeLanguage is set while state == StateCode.
	codeLanguage string

	pauseAfterCode bool
	paused         bool

	// awaitingNewline is set when a code block closes and cleared by
	// Resume; pendingRemainder is only ever cleared. The detector buffers
	// and replays no text after a close; the caller discards what follows.
	pendingRemainder string
	awaitingNewline  bool
}

// NewFenceDetector returns a detector starting in prose state.
// pauseAfterCode, when true, causes the detector to emit EventPaused
// immediately after a code block closes and stop processing further runes
// until Resume is called.
func NewFenceDetector(pauseAfterCode bool) *FenceDetector {
	return &FenceDetector{
		state:          StateProse,
		strings:        NewStringTracker(),
		backtick:       NewBacktickTracker(),
		tag:            NewTagParser(),
		pauseAfterCode: pauseAfterCode,
	}
}

// State returns the detector's current coarse state.
func (d *FenceDetector) State() FenceState { return d.state }

// IsPaused reports whether the detector is currently paused after a closed
// code block.
func (d *FenceDetector) IsPaused() bool { return d.paused }

// Feed processes a chunk of text rune by rune and returns the events
// produced. If the detector is paused, Feed is a no-op and returns nil;
// callers must buffer text themselves until Resume is called.
func (d *FenceDetector) Feed(text string) []Event {
	if d.paused {
		return nil
	}
	var events []Event
	for _, ch := range text {
		events = append(events, d.feedRune(ch)...)
		if d.paused {
			break
		}
	}
	return events
}

func (d *FenceDetector) feedRune(ch rune) []Event {
	// Backtick-span state is tracked in every state; string-literal state
	// only while in a code block. State is evaluated after feeding
	// this rune: the rune immediately following an opening delimiter run
	// is the first character "inside" the span/string, and must itself be
	// treated as suppressed content rather than tag-parsed.
	if d.state == StateCode {
		d.strings.Track(ch)
	}
	d.backtick.Feed(ch)

	suppressed := d.strings.InString() || d.backtick.InSpan()

	switch d.state {
	case StateProse:
		return d.feedProse(ch, suppressed)
	case StateCode:
		return d.feedCode(ch, suppressed)
	case StateThinking:
		return d.feedThinking(ch)
	}
	return nil
}

func (d *FenceDetector) feedProse(ch rune, suppressed bool) []Event {
	if d.tag.HasBuffered() || ch == '<' {
		if suppressed && !d.tag.HasBuffered() {
			return []Event{{Kind: EventText, Text: string(ch)}}
		}
		result, matched := d.tag.FeedChar(ch, proseTagTargets)
		switch result {
		case TagPending:
			return nil
		case TagMatched:
			return d.openFromTag(matched)
		case TagNone:
			flushed := d.tag.FlushToText()
			if flushed == "" {
				flushed = string(ch)
			}
			return []Event{{Kind: EventText, Text: flushed}}
		}
	}
	return []Event{{Kind: EventText, Text: string(ch)}}
}

func (d *FenceDetector) openFromTag(tag string) []Event {
	if tag == "<think>" || tag == "<detail>" {
		d.state = StateThinking
		return []Event{{Kind: EventThinkingOpen}}
	}
	if lang, ok := codeOpenTags[tag]; ok {
		d.state = StateCode
		d.codeLanguage = lang
		d.strings.Reset()
		return []Event{{Kind: EventCodeOpen, Language: lang}}
	}
	return nil
}

func (d *FenceDetector) feedCode(ch rune, suppressed bool) []Event {
	closeTag := codeCloseTags[d.codeLanguage]

	if d.tag.HasBuffered() || ch == '<' {
		if suppressed && !d.tag.HasBuffered() {
			return []Event{{Kind: EventText, Text: string(ch)}}
		}
		result, matched := d.tag.FeedChar(ch, []string{closeTag})
		switch result {
		case TagPending:
			return nil
		case TagMatched:
			_ = matched
			return d.closeCode()
		case TagNone:
			flushed := d.tag.FlushToText()
			if flushed == "" {
				flushed = string(ch)
			}
			return []Event{{Kind: EventText, Text: flushed}}
		}
	}
	return []Event{{Kind: EventText, Text: string(ch)}}
}

func (d *FenceDetector) closeCode() []Event {
	d.state = StateProse
	d.codeLanguage = ""
	d.strings.Reset()

	events := []Event{{Kind: EventCodeClose}}
	if d.pauseAfterCode {
		d.paused = true
		d.awaitingNewline = true
		events = append(events, Event{Kind: EventPaused})
	}
	return events
}

func (d *FenceDetector) feedThinking(ch rune) []Event {
	if d.tag.HasBuffered() || ch == '<' {
		result, matched := d.tag.FeedChar(ch, []string{"</think>", "</detail>"})
		switch result {
		case TagPending:
			return nil
		case TagMatched:
			_ = matched
			d.state = StateProse
			return []Event{{Kind: EventThinkingClose}}
		case TagNone:
			flushed := d.tag.FlushToText()
			if flushed == "" {
				flushed = string(ch)
			}
			return []Event{{Kind: EventText, Text: flushed}}
		}
	}
	return []Event{{Kind: EventText, Text: string(ch)}}
}

// Resume un-pauses the detector after a code block close. It replays no
// text. The caller is responsible for having discarded (not fed) text up
// to the next newline per the truncation-on-pause behavior; Resume itself
// just clears the pause flag so subsequent Feed calls process normally.
func (d *FenceDetector) Resume() {
	d.paused = false
	d.awaitingNewline = false
	d.pendingRemainder = ""
}

// AbsorbRemainderUntilNewline is called by the caller with text observed
// immediately after a pause, before Resume. It discards everything up to
// and including the next newline, consistent with the documented
// truncate-at-next-newline behavior for same-line trailing prose after a
// code fence closes. It returns any text following the newline, which the
// caller should re-feed after calling Resume.
func (d *FenceDetector) AbsorbRemainderUntilNewline(text string) (remainder string) {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[idx+1:]
	}
	return ""
}
