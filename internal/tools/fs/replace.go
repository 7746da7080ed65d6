package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	dmp "github.com/sergi/go-diff/diffmatchpatch"

	"artifice/internal/sandbox"
)

// ReplaceTool performs a context-anchored line replacement within a file:
// it locates old_lines (optionally bracketed by context_before/
// context_after for disambiguation) and swaps them for new_lines. The
// match must be unique; an ambiguous or absent match is reported as an
// error rather than guessed at.
type ReplaceTool struct{ workdir string }

func NewReplaceTool(workdir string) *ReplaceTool { return &ReplaceTool{workdir: workdir} }

func (t *ReplaceTool) Name() string { return "replace" }

func (t *ReplaceTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Replace a contiguous span of lines in a file within the locked working directory. old_lines must match exactly once; use context_before/context_after to disambiguate repeated text.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":           map[string]any{"type": "string", "description": "Relative path under WORKDIR"},
				"old_lines":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Exact lines to find and replace"},
				"new_lines":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Replacement lines"},
				"context_before": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Lines immediately preceding old_lines, for disambiguation"},
				"context_after":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Lines immediately following old_lines, for disambiguation"},
			},
			"required": []string{"path", "old_lines", "new_lines"},
		},
	}
}

func (t *ReplaceTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Path          string   `json:"path"`
		OldLines      []string `json:"old_lines"`
		NewLines      []string `json:"new_lines"`
		ContextBefore []string `json:"context_before"`
		ContextAfter  []string `json:"context_after"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	rel, err := sandbox.SanitizeArg(t.workdir, args.Path)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	full := filepath.Join(t.workdir, rel)
	b, err := os.ReadFile(full)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	fileLines := splitLines(string(b))

	needle := append(append(append([]string{}, args.ContextBefore...), args.OldLines...), args.ContextAfter...)
	matches := findAllOccurrences(fileLines, needle)
	if len(matches) == 0 {
		// Fall back to an exact match on the bare old_lines span when the
		// anchored context fails to locate it; diff-match-patch is used only
		// to build the not-found hint.
		matches = findAllOccurrences(fileLines, args.OldLines)
		if len(matches) == 0 {
			return map[string]any{"ok": false, "error": closestMatchHint(fileLines, args.OldLines)}, nil
		}
		start := matches[0]
		return t.apply(rel, full, fileLines, start, len(args.OldLines), args.NewLines, matches)
	}
	start := matches[0] + len(args.ContextBefore)
	return t.apply(rel, full, fileLines, start, len(args.OldLines), args.NewLines, matches)
}

func (t *ReplaceTool) apply(rel, full string, fileLines []string, start, oldLen int, newLines []string, matches []int) (any, error) {
	if len(matches) > 1 {
		return map[string]any{"ok": false, "error": fmt.Sprintf("old_lines matched %d times; add context_before/context_after to disambiguate", len(matches))}, nil
	}

	before := append([]string{}, fileLines[:start]...)
	after := append([]string{}, fileLines[start+oldLen:]...)
	merged := append(before, append(append([]string{}, newLines...), after...)...)

	content := strings.Join(merged, "\n")
	if len(fileLines) == 0 || strings.HasSuffix(string(mustRead(full)), "\n") {
		content += "\n"
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}

	ctxBefore, ctxAfter := contextWindow(fileLines, start, oldLen, 3)
	return map[string]any{
		"ok":   true,
		"path": rel,
		"diff": map[string]any{
			"old_lines":      fileLines[start : start+oldLen],
			"new_lines":      newLines,
			"start_line":     start + 1,
			"context_before": ctxBefore,
			"context_after":  ctxAfter,
			"is_new_file":    false,
		},
	}, nil
}

// closestMatchHint reports the file line with the smallest Levenshtein
// distance to the first line of old_lines, to help the caller see why its
// anchor did not match exactly (whitespace drift, a stale read, etc.).
func closestMatchHint(fileLines, oldLines []string) string {
	if len(oldLines) == 0 {
		return "old_lines not found in file (old_lines was empty)"
	}
	d := dmp.New()
	want := oldLines[0]
	bestLine := -1
	bestDist := -1
	for i, line := range fileLines {
		diffs := d.DiffMain(want, line, false)
		dist := d.DiffLevenshtein(diffs)
		if bestDist == -1 || dist < bestDist {
			bestDist = dist
			bestLine = i
		}
	}
	if bestLine == -1 {
		return "old_lines not found in file"
	}
	return fmt.Sprintf("old_lines not found in file; closest line is %d: %q", bestLine+1, fileLines[bestLine])
}

func mustRead(path string) []byte {
	b, _ := os.ReadFile(path)
	return b
}

// findAllOccurrences returns the 0-based start indices of every contiguous
// occurrence of needle within haystack.
func findAllOccurrences(haystack, needle []string) []int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return nil
	}
	var out []int
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if linesEqual(haystack[i:i+len(needle)], needle) {
			out = append(out, i)
		}
	}
	return out
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contextWindow(lines []string, start, length, n int) (before, after []string) {
	bs := start - n
	if bs < 0 {
		bs = 0
	}
	before = lines[bs:start]
	ae := start + length + n
	if ae > len(lines) {
		ae = len(lines)
	}
	after = lines[start+length : ae]
	return
}
