package web

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxFetchMarkdownChars bounds how much markdown web_fetch returns per URL.
const maxFetchMarkdownChars = 50000

type fetchTool struct{}

// NewFetchTool constructs the web_fetch tool.
func NewFetchTool() *fetchTool { return &fetchTool{} }

func (t *fetchTool) Name() string { return "web_fetch" }

func (t *fetchTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Fetch a web URL over HTTP(S) and return best-effort Markdown (readability extraction when possible).",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":             map[string]any{"type": "string", "description": "Absolute URL (http or https)."},
				"urls":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "List of absolute URLs to fetch."},
				"concurrent":      map[string]any{"type": "integer", "minimum": 1, "description": "When fetching multiple URLs, maximum number of concurrent fetches."},
				"timeout_seconds": map[string]any{"type": "integer", "minimum": 1, "maximum": 60, "description": "Overall timeout for the request."},
				"max_bytes":       map[string]any{"type": "integer", "minimum": 1000000, "maximum": 16777216, "description": "Maximum response size to read (bytes)."},
				"prefer_readable": map[string]any{"type": "boolean", "description": "Extract main article content when available."},
				"user_agent":      map[string]any{"type": "string", "description": "Override User-Agent header."},
				"max_redirects":   map[string]any{"type": "integer", "minimum": 1, "maximum": 20, "description": "Maximum redirects to follow."},
			},
		},
	}
}

func (t *fetchTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		URL            string   `json:"url"`
		URLs           []string `json:"urls"`
		Concurrent     int      `json:"concurrent"`
		TimeoutSeconds int      `json:"timeout_seconds"`
		MaxBytes       int64    `json:"max_bytes"`
		PreferReadable bool     `json:"prefer_readable"`
		UserAgent      string   `json:"user_agent"`
		MaxRedirects   int      `json:"max_redirects"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	opts := []Option{}
	if args.TimeoutSeconds > 0 {
		opts = append(opts, WithTimeout(time.Duration(args.TimeoutSeconds)*time.Second))
	}
	if args.MaxBytes > 0 && args.MaxBytes < 1000000 {
		args.MaxBytes = 1000000
	}
	if args.MaxBytes == 0 {
		args.MaxBytes = 1000000
	}
	opts = append(opts, WithMaxBytes(args.MaxBytes))
	opts = append(opts, WithPreferReadable(args.PreferReadable))
	if args.UserAgent != "" {
		opts = append(opts, WithUserAgent(args.UserAgent))
	}
	if args.MaxRedirects > 0 {
		opts = append(opts, WithMaxRedirects(args.MaxRedirects))
	}

	f := NewFetcher(opts...)

	if args.URL != "" && len(args.URLs) == 0 {
		res, err := f.FetchMarkdown(ctx, args.URL)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		return t.toPayload(res), nil
	}

	urls := make([]string, 0, 1+len(args.URLs))
	if args.URL != "" {
		urls = append(urls, args.URL)
	}
	urls = append(urls, args.URLs...)
	if len(urls) == 0 {
		return map[string]any{"ok": false, "error": "missing url(s)"}, nil
	}
	conc := args.Concurrent
	if conc <= 0 {
		conc = 3
	}
	if conc > 16 {
		conc = 16
	}

	results := make([]map[string]any, len(urls))
	var g errgroup.Group
	g.SetLimit(conc)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			r, err := f.FetchMarkdown(ctx, u)
			if err != nil {
				results[i] = map[string]any{"ok": false, "input_url": u, "error": err.Error()}
				return nil
			}
			results[i] = t.toPayload(r)
			return nil
		})
	}
	_ = g.Wait()
	return map[string]any{"ok": true, "results": results}, nil
}

func (t *fetchTool) toPayload(r *Result) map[string]any {
	markdown := r.Markdown
	truncated := false
	if len(markdown) > maxFetchMarkdownChars {
		markdown = markdown[:maxFetchMarkdownChars]
		truncated = true
	}
	return map[string]any{
		"ok":            true,
		"input_url":     r.InputURL,
		"final_url":     r.FinalURL,
		"status":        r.Status,
		"content_type":  r.ContentType,
		"charset":       r.Charset,
		"title":         r.Title,
		"markdown":      markdown,
		"used_readable": r.UsedReadable,
		"fetched_at":    r.FetchedAt,
		"truncated":     truncated,
	}
}
