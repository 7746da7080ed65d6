package stream

import "testing"

func TestStringTrackerSingleQuote(t *testing.T) {
	tr := NewStringTracker()
	for _, ch := range "x = 'a" {
		tr.Track(ch)
	}
	if !tr.InString() {
		t.Fatalf("expected to be inside a single-quoted string")
	}
	tr.Track('\'')
	if tr.InString() {
		t.Fatalf("expected string to be closed")
	}
}

func TestStringTrackerTripleQuote(t *testing.T) {
	tr := NewStringTracker()
	for _, ch := range `x = """hello` {
		tr.Track(ch)
	}
	if !tr.InString() {
		t.Fatalf("expected to be inside a triple-quoted string")
	}
	for _, ch := range `"world"""` {
		tr.Track(ch)
	}
	if tr.InString() {
		t.Fatalf("expected triple-quoted string to be closed, buffer=%q", tr.quoteBuffer)
	}
}

func TestStringTrackerEscape(t *testing.T) {
	tr := NewStringTracker()
	for _, ch := range `"a\"b"` {
		tr.Track(ch)
	}
	if tr.InString() {
		t.Fatalf("expected escaped quote not to close the string early")
	}
}

func TestStringTrackerNewlineClosesSingleLine(t *testing.T) {
	tr := NewStringTracker()
	for _, ch := range "'unterminated\n" {
		tr.Track(ch)
	}
	if tr.InString() {
		t.Fatalf("expected newline to close a single-quoted string")
	}
}

func TestBacktickTrackerInlineSpan(t *testing.T) {
	bt := NewBacktickTracker()
	bt.Feed('`')
	bt.Feed('x')
	if !bt.InSpan() {
		t.Fatalf("expected to be inside a backtick span")
	}
	bt.Feed('`')
	if bt.InSpan() {
		t.Fatalf("expected span to close")
	}
}

func TestBacktickTrackerTripleFence(t *testing.T) {
	bt := NewBacktickTracker()
	for _, ch := range "```" {
		bt.Feed(ch)
	}
	if bt.InSpan() {
		t.Fatalf("expected span not to open until a non-backtick rune follows the run")
	}
	bt.Feed('p')
	bt.Feed('y')
	if !bt.InSpan() {
		t.Fatalf("expected span to remain open across content")
	}
	for _, ch := range "```" {
		bt.Feed(ch)
	}
	if bt.InSpan() {
		t.Fatalf("expected triple-backtick span to close on matching run")
	}
}

func TestTagParserBasic(t *testing.T) {
	tp := NewTagParser()
	targets := []string{"<python>", "<shell>"}
	var result TagResult
	var matched string
	for _, ch := range "<python>" {
		result, matched = tp.FeedChar(ch, targets)
	}
	if result != TagMatched || matched != "<python>" {
		t.Fatalf("expected match <python>, got %v %q", result, matched)
	}
}

func TestTagParserAliasAndNamespace(t *testing.T) {
	tp := NewTagParser()
	targets := []string{"<shell>"}
	var result TagResult
	var matched string
	for _, ch := range "<minimax:tool_call>" {
		result, matched = tp.FeedChar(ch, targets)
	}
	if result != TagMatched || matched != "<shell>" {
		t.Fatalf("expected alias+namespace to resolve to <shell>, got %v %q", result, matched)
	}
}

func TestTagParserClosingTag(t *testing.T) {
	tp := NewTagParser()
	targets := []string{"</python>"}
	var result TagResult
	var matched string
	for _, ch := range "</py>" {
		result, matched = tp.FeedChar(ch, targets)
	}
	if result != TagMatched || matched != "</python>" {
		t.Fatalf("expected closing alias to resolve to </python>, got %v %q", result, matched)
	}
}

func TestTagParserNoMatchFlushes(t *testing.T) {
	tp := NewTagParser()
	targets := []string{"<python>"}
	var result TagResult
	for _, ch := range "<b>" {
		result, _ = tp.FeedChar(ch, targets)
	}
	if result != TagNone {
		t.Fatalf("expected no match for unrelated tag, got %v", result)
	}
}

func TestTagParserBailsOnInteriorNewline(t *testing.T) {
	tp := NewTagParser()
	targets := []string{"<python>"}
	result, _ := tp.FeedChar('<', targets)
	if result != TagPending {
		t.Fatalf("expected pending after '<', got %v", result)
	}
	result, _ = tp.FeedChar('\n', targets)
	if result != TagNone {
		t.Fatalf("expected interior newline to cancel tag match, got %v", result)
	}
}
