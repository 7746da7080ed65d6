package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesKnownKeysOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "init.yaml")
	content := "assistant: openai\nthinking_budget: 2048\npython_markdown: false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned err: %v", err)
	}
	if cfg.Assistant != "openai" {
		t.Fatalf("expected assistant=openai, got %q", cfg.Assistant)
	}
	if cfg.ThinkingBudget != 2048 {
		t.Fatalf("expected thinking_budget=2048, got %d", cfg.ThinkingBudget)
	}
	if cfg.PythonMarkdown {
		t.Fatalf("expected python_markdown=false to override the default")
	}
	// Untouched defaults survive.
	if cfg.OllamaHost == "" {
		t.Fatalf("expected default ollama_host to survive a partial file")
	}
}

func TestLoadPreservesUnknownKeysInCustom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "init.yaml")
	content := "assistant: anthropic\nexperimental_feature_flag: true\nretry_count: 3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned err: %v", err)
	}
	v, ok := cfg.Get("experimental_feature_flag")
	if !ok || v != true {
		t.Fatalf("expected unknown bool key preserved, got %v ok=%v", v, ok)
	}
	v, ok = cfg.Get("retry_count")
	if !ok {
		t.Fatalf("expected unknown int key preserved")
	}
	if _, known := cfg.Get("assistant"); known {
		t.Fatalf("known key should not also appear in Custom")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected missing file to be non-fatal, got %v", err)
	}
	if cfg.Assistant == "" {
		t.Fatalf("expected default assistant to be set")
	}
}

func TestConfigSetThenGet(t *testing.T) {
	cfg := Default()
	cfg.Set("plugin_path", "/opt/artifice/plugins")
	v, ok := cfg.Get("plugin_path")
	if !ok || v != "/opt/artifice/plugins" {
		t.Fatalf("expected Set then Get round trip, got %v ok=%v", v, ok)
	}
}
