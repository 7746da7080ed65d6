package fs

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"sort"

	"artifice/internal/sandbox"
)

// maxGlobMatches bounds how many paths glob returns before truncating.
const maxGlobMatches = 50

// GlobTool lists files under WORKDIR matching a shell glob pattern,
// sorted by modification time (most recent first).
type GlobTool struct{ workdir string }

func NewGlobTool(workdir string) *GlobTool { return &GlobTool{workdir: workdir} }

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "List files in the working directory matching a glob pattern (e.g. \"*.go\"; matched against the relative path and the base name, '**' is not recursive), most recently modified first.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern, relative to WORKDIR"},
			},
			"required": []string{"pattern"},
		},
	}
}

type globMatch struct {
	path    string
	modTime int64
}

func (t *GlobTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	var matches []globMatch
	err := filepath.WalkDir(t.workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(t.workdir, path)
		if rerr != nil {
			return nil
		}
		if _, serr := sandbox.SanitizeArg(t.workdir, rel); serr != nil {
			return nil
		}
		ok, merr := filepath.Match(args.Pattern, rel)
		if merr != nil {
			return merr
		}
		if !ok {
			// also try matching against the base name, for patterns like "*.go"
			ok, _ = filepath.Match(args.Pattern, filepath.Base(rel))
		}
		if ok {
			info, ierr := d.Info()
			var mod int64
			if ierr == nil {
				mod = info.ModTime().Unix()
			}
			matches = append(matches, globMatch{path: rel, modTime: mod})
		}
		return nil
	})
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].modTime > matches[j].modTime })

	truncated := false
	if len(matches) > maxGlobMatches {
		matches = matches[:maxGlobMatches]
		truncated = true
	}
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.path
	}
	return map[string]any{"ok": true, "paths": paths, "truncated": truncated}, nil
}
