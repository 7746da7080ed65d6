package stream

import "testing"

func collectText(events []Event) string {
	out := ""
	for _, e := range events {
		if e.Kind == EventText {
			out += e.Text
		}
	}
	return out
}

func TestFenceDetectorProsePassthrough(t *testing.T) {
	d := NewFenceDetector(false)
	events := d.Feed("hello world")
	if collectText(events) != "hello world" {
		t.Fatalf("expected passthrough text, got %q", collectText(events))
	}
	if d.State() != StateProse {
		t.Fatalf("expected prose state")
	}
}

func TestFenceDetectorCodeBlockOpenClose(t *testing.T) {
	d := NewFenceDetector(false)
	events := d.Feed("before <python>print(1)</python> after")

	var sawOpen, sawClose bool
	var lang string
	for _, e := range events {
		switch e.Kind {
		case EventCodeOpen:
			sawOpen = true
			lang = e.Language
		case EventCodeClose:
			sawClose = true
		}
	}
	if !sawOpen || lang != "python" {
		t.Fatalf("expected python code open event, got open=%v lang=%q", sawOpen, lang)
	}
	if !sawClose {
		t.Fatalf("expected code close event")
	}
}

func TestFenceDetectorStringSuppressesTagInsideCode(t *testing.T) {
	d := NewFenceDetector(false)
	// A "<shell>"-looking string literal inside Python code must not be
	// mistaken for a close tag of a different language, and must not
	// break fence detection of the real close tag that follows.
	events := d.Feed(`<python>x = "<shell>"</python>`)

	var closes int
	for _, e := range events {
		if e.Kind == EventCodeClose {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("expected exactly one code close event, got %d", closes)
	}
}

func TestFenceDetectorThinkingBlock(t *testing.T) {
	d := NewFenceDetector(false)
	events := d.Feed("<think>pondering</think>done")

	var sawThinkOpen, sawThinkClose bool
	for _, e := range events {
		if e.Kind == EventThinkingOpen {
			sawThinkOpen = true
		}
		if e.Kind == EventThinkingClose {
			sawThinkClose = true
		}
	}
	if !sawThinkOpen || !sawThinkClose {
		t.Fatalf("expected thinking open+close events, got open=%v close=%v", sawThinkOpen, sawThinkClose)
	}
	if d.State() != StateProse {
		t.Fatalf("expected to return to prose after thinking block closes")
	}
}

func TestFenceDetectorPausesAfterCode(t *testing.T) {
	d := NewFenceDetector(true)
	events := d.Feed("<shell>ls</shell>trailing text on same line\nnext line")

	var paused bool
	for _, e := range events {
		if e.Kind == EventPaused {
			paused = true
		}
	}
	if !paused {
		t.Fatalf("expected a pause event after code block closes")
	}
	if !d.IsPaused() {
		t.Fatalf("expected detector to report paused")
	}

	// Further Feed calls are no-ops while paused.
	more := d.Feed("should be ignored")
	if len(more) != 0 {
		t.Fatalf("expected no events while paused, got %v", more)
	}
}

func TestFenceDetectorBacktickSpanSuppressesTags(t *testing.T) {
	d := NewFenceDetector(false)
	events := d.Feed("see `<python>` for example")

	for _, e := range events {
		if e.Kind == EventCodeOpen {
			t.Fatalf("did not expect a code open inside an inline backtick span")
		}
	}
}
