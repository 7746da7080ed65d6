package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"artifice/internal/sandbox"
)

// maxGrepHits and maxGrepFiles bound grep output before truncating.
const (
	maxGrepHits  = 200
	maxGrepFiles = 50
)

// GrepTool searches file contents under WORKDIR for a regular expression.
type GrepTool struct{ workdir string }

func NewGrepTool(workdir string) *GrepTool { return &GrepTool{workdir: workdir} }

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Search file contents under the working directory for a regular expression.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "RE2 regular expression"},
				"glob":    map[string]any{"type": "string", "description": "Optional glob to restrict searched files"},
			},
			"required": []string{"pattern"},
		},
	}
}

type grepHit struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *GrepTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return map[string]any{"ok": false, "error": fmt.Sprintf("invalid pattern: %v", err)}, nil
	}

	var hits []grepHit
	filesSeen := 0
	truncated := false

	walkErr := filepath.WalkDir(t.workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if truncated {
			return nil
		}
		rel, rerr := filepath.Rel(t.workdir, path)
		if rerr != nil {
			return nil
		}
		if _, serr := sandbox.SanitizeArg(t.workdir, rel); serr != nil {
			return nil
		}
		if args.Glob != "" {
			if ok, _ := filepath.Match(args.Glob, rel); !ok {
				if ok2, _ := filepath.Match(args.Glob, filepath.Base(rel)); !ok2 {
					return nil
				}
			}
		}
		if filesSeen >= maxGrepFiles {
			truncated = true
			return nil
		}

		f, ferr := os.Open(path)
		if ferr != nil {
			return nil
		}
		defer f.Close()

		matchedInFile := false
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				matchedInFile = true
				hits = append(hits, grepHit{Path: rel, Line: lineNo, Text: line})
				if len(hits) >= maxGrepHits {
					truncated = true
					break
				}
			}
		}
		if matchedInFile {
			filesSeen++
		}
		return nil
	})
	if walkErr != nil {
		return map[string]any{"ok": false, "error": walkErr.Error()}, nil
	}

	return map[string]any{"ok": true, "matches": hits, "truncated": truncated}, nil
}
