package projectctx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPrefersAgentsFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("use tabs"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("use spaces"), 0o644); err != nil {
		t.Fatal(err)
	}

	pc := Load(dir, "")
	if pc == nil {
		t.Fatal("Load returned nil")
	}
	if pc.Source != "agents" || pc.Content != "use tabs" {
		t.Errorf("loaded %s: %q", pc.Source, pc.Content)
	}
}

func TestLoadHonorsPreferredSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("agents"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("claude"), 0o644); err != nil {
		t.Fatal(err)
	}

	pc := Load(dir, "claude")
	if pc == nil || pc.Source != "claude" {
		t.Fatalf("Load = %+v, want claude source", pc)
	}
}

func TestLoadNestedTetherContext(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, ".tether")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "context.md"), []byte("project notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	pc := Load(dir, "")
	if pc == nil || pc.Source != "tether" || pc.Content != "project notes" {
		t.Fatalf("Load = %+v", pc)
	}
}

func TestLoadMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	if pc := Load(dir, ""); pc != nil {
		t.Errorf("empty dir loaded %+v", pc)
	}

	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if pc := Load(dir, ""); pc != nil {
		t.Errorf("empty file loaded %+v", pc)
	}
}

func TestLoadTruncatesOversizedContext(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", maxContextBytes+512)
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	pc := Load(dir, "")
	if pc == nil {
		t.Fatal("Load returned nil")
	}
	if len(pc.Content) != maxContextBytes {
		t.Errorf("content length = %d, want %d", len(pc.Content), maxContextBytes)
	}
}
