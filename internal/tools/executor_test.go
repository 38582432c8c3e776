package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/tether/internal/store"
	"github.com/haasonsaas/tether/pkg/models"
)

type fakeShell struct {
	lastCommand string
	lastTimeout time.Duration
	result      *ShellResult
	err         error
}

func (f *fakeShell) Execute(_ context.Context, command, _ string, timeout time.Duration) (*ShellResult, error) {
	f.lastCommand = command
	f.lastTimeout = timeout
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestExecutor(t *testing.T, opts Options) (*Executor, store.Store) {
	t.Helper()
	catalog, err := NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	st, err := store.NewFileStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return NewExecutor(catalog, st, nil, nil, opts), st
}

func run(t *testing.T, e *Executor, sessionID, workingDir, tool string, input any) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return e.Run(context.Background(), sessionID, workingDir, models.PendingToolRequest{
		ID:    "toolu_test",
		Name:  tool,
		Input: raw,
	})
}

func TestClassifyBash(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    SafetyClass
	}{
		{"plain command", "ls -la", SafetyMutating},
		{"denied rm", "rm -rf / --no-preserve-root", SafetyDangerous},
		{"denied sudo", "sudo apt install", SafetyDangerous},
		{"fork bomb", ":(){ :|:& };:", SafetyDangerous},
		{"case insensitive", "SUDO reboot", SafetyDangerous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, _ := json.Marshal(map[string]string{"command": tt.command})
			if got := classifyBash(input, defaultDeniedCommands); got != tt.want {
				t.Errorf("classifyBash(%q) = %s, want %s", tt.command, got, tt.want)
			}
		})
	}

	if got := classifyBash(json.RawMessage(`{bad json`), defaultDeniedCommands); got != SafetyDangerous {
		t.Errorf("malformed input classified %s, want dangerous", got)
	}
}

func TestCatalogAutoApproval(t *testing.T) {
	catalog, err := NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	tests := []struct {
		tool  string
		input string
		want  bool
	}{
		{ToolBash, `{"command":"ls"}`, false},
		{ToolEditor, `{"command":"view","path":"a.go"}`, true},
		{ToolEditor, `{"command":"create","path":"a.go","file_text":"x"}`, false},
		{ToolWebSearch, `{"query":"go generics"}`, true},
		{ToolWorkPlan, `{"command":"complete","id":"a"}`, true},
	}
	for _, tt := range tests {
		if got := catalog.AutoApprovable(tt.tool, json.RawMessage(tt.input)); got != tt.want {
			t.Errorf("AutoApprovable(%s, %s) = %v, want %v", tt.tool, tt.input, got, tt.want)
		}
	}
}

func TestCatalogValidateRejectsBadInput(t *testing.T) {
	catalog, err := NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if err := catalog.Validate(ToolBash, json.RawMessage(`{"command":"ls"}`)); err != nil {
		t.Errorf("valid bash input rejected: %v", err)
	}
	if err := catalog.Validate(ToolBash, json.RawMessage(`{}`)); err == nil {
		t.Error("bash input without command accepted")
	}
	if err := catalog.Validate(ToolEditor, json.RawMessage(`{"command":"truncate","path":"a"}`)); err == nil {
		t.Error("unknown editor command accepted")
	}
	if err := catalog.Validate("no_such_tool", nil); err == nil {
		t.Error("unknown tool accepted")
	}
}

func TestRunBash(t *testing.T) {
	shell := &fakeShell{result: &ShellResult{Stdout: "hello\n", ExitCode: 0}}
	e, _ := newTestExecutor(t, Options{Shell: shell})

	out, isError := run(t, e, "s1", t.TempDir(), ToolBash, map[string]any{"command": "echo hello"})
	if isError {
		t.Fatalf("unexpected error flag, output: %s", out)
	}
	if out != "hello\n" {
		t.Errorf("output = %q", out)
	}
	if shell.lastCommand != "echo hello" {
		t.Errorf("command = %q", shell.lastCommand)
	}
	if shell.lastTimeout != 30*time.Second {
		t.Errorf("timeout = %s, want default 30s", shell.lastTimeout)
	}
}

func TestRunBashErrorFlag(t *testing.T) {
	tests := []struct {
		name   string
		result *ShellResult
		want   bool
	}{
		{"clean exit", &ShellResult{Stdout: "ok"}, false},
		{"nonzero exit", &ShellResult{Stdout: "boom", ExitCode: 1}, true},
		{"error line", &ShellResult{Stdout: "Error: no such file"}, true},
		{"error mid-line is fine", &ShellResult{Stdout: "compile Error: none"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestExecutor(t, Options{Shell: &fakeShell{result: tt.result}})
			_, isError := run(t, e, "s1", t.TempDir(), ToolBash, map[string]any{"command": "x"})
			if isError != tt.want {
				t.Errorf("isError = %v, want %v", isError, tt.want)
			}
		})
	}
}

func TestRunBashTruncatesOutput(t *testing.T) {
	big := strings.Repeat("a", 2048)
	e, _ := newTestExecutor(t, Options{
		Shell:        &fakeShell{result: &ShellResult{Stdout: big}},
		BashMaxBytes: 1024,
	})
	out, _ := run(t, e, "s1", t.TempDir(), ToolBash, map[string]any{"command": "x"})
	if !strings.Contains(out, "[truncated 1024 bytes]") {
		t.Errorf("missing truncation marker: %q", out[len(out)-60:])
	}
}

func TestRunBashTimeoutOverride(t *testing.T) {
	shell := &fakeShell{result: &ShellResult{}}
	e, _ := newTestExecutor(t, Options{Shell: shell})
	run(t, e, "s1", t.TempDir(), ToolBash, map[string]any{"command": "sleep 1", "timeout_seconds": 5})
	if shell.lastTimeout != 5*time.Second {
		t.Errorf("timeout = %s, want 5s", shell.lastTimeout)
	}
}

func TestResolverRejectsEscape(t *testing.T) {
	root := t.TempDir()
	r := Resolver{Root: root}

	for _, path := range []string{"../outside.txt", "a/../../outside.txt", "/etc/passwd"} {
		if _, err := r.Resolve(path); err == nil {
			t.Errorf("Resolve(%q) succeeded, want access denied", path)
		} else if !IsAccessDenied(err) {
			t.Errorf("Resolve(%q) err = %v, want access denied", path, err)
		}
	}

	got, err := r.Resolve("sub/file.txt")
	if err != nil {
		t.Fatalf("Resolve inside root: %v", err)
	}
	if !strings.HasSuffix(got, filepath.Join("sub", "file.txt")) {
		t.Errorf("resolved = %q", got)
	}
}

func TestResolverRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink: %v", err)
	}
	r := Resolver{Root: root}
	if _, err := r.Resolve("link/secret.txt"); !IsAccessDenied(err) {
		t.Errorf("symlinked escape: err = %v, want access denied", err)
	}
}

func TestEditorLifecycle(t *testing.T) {
	ws := t.TempDir()
	e, _ := newTestExecutor(t, Options{})

	out, isError := run(t, e, "s1", ws, ToolEditor, map[string]any{
		"command": "create", "path": "src/main.go", "file_text": "package main\n\nfunc main() {}\n",
	})
	if isError {
		t.Fatalf("create failed: %s", out)
	}

	out, isError = run(t, e, "s1", ws, ToolEditor, map[string]any{"command": "view", "path": "src/main.go"})
	if isError {
		t.Fatalf("view failed: %s", out)
	}
	if !strings.Contains(out, "1\tpackage main") {
		t.Errorf("view output missing numbered line: %q", out)
	}

	out, isError = run(t, e, "s1", ws, ToolEditor, map[string]any{
		"command": "str_replace", "path": "src/main.go",
		"old_str": "func main() {}", "new_str": "func main() { run() }",
	})
	if isError {
		t.Fatalf("str_replace failed: %s", out)
	}
	data, _ := os.ReadFile(filepath.Join(ws, "src", "main.go"))
	if !strings.Contains(string(data), "run()") {
		t.Errorf("file after replace: %q", data)
	}

	out, isError = run(t, e, "s1", ws, ToolEditor, map[string]any{
		"command": "insert", "path": "src/main.go", "insert_line": 1, "new_str": "import \"fmt\"",
	})
	if isError {
		t.Fatalf("insert failed: %s", out)
	}
	data, _ = os.ReadFile(filepath.Join(ws, "src", "main.go"))
	lines := strings.Split(string(data), "\n")
	if lines[1] != "import \"fmt\"" {
		t.Errorf("line 2 after insert = %q", lines[1])
	}
}

func TestEditorStrReplaceRequiresUniqueMatch(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "f.txt"), []byte("aaa\naaa\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e, _ := newTestExecutor(t, Options{})

	out, isError := run(t, e, "s1", ws, ToolEditor, map[string]any{
		"command": "str_replace", "path": "f.txt", "old_str": "aaa", "new_str": "bbb",
	})
	if !isError || !strings.Contains(out, "2 locations") {
		t.Errorf("ambiguous replace: isError=%v out=%q", isError, out)
	}

	out, isError = run(t, e, "s1", ws, ToolEditor, map[string]any{
		"command": "str_replace", "path": "f.txt", "old_str": "zzz", "new_str": "bbb",
	})
	if !isError || !strings.Contains(out, "not found") {
		t.Errorf("missing old_str: isError=%v out=%q", isError, out)
	}
}

func TestEditorViewDirectory(t *testing.T) {
	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e, _ := newTestExecutor(t, Options{})

	out, isError := run(t, e, "s1", ws, ToolEditor, map[string]any{"command": "view", "path": "."})
	if isError {
		t.Fatalf("view dir failed: %s", out)
	}
	if !strings.Contains(out, "[f] go.mod") || !strings.Contains(out, "[d] pkg") {
		t.Errorf("directory listing = %q", out)
	}
}

func TestEditorViewRange(t *testing.T) {
	ws := t.TempDir()
	content := "one\ntwo\nthree\nfour\n"
	if err := os.WriteFile(filepath.Join(ws, "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	e, _ := newTestExecutor(t, Options{})

	out, isError := run(t, e, "s1", ws, ToolEditor, map[string]any{
		"command": "view", "path": "f.txt", "view_range": []int{2, 3},
	})
	if isError {
		t.Fatalf("view range failed: %s", out)
	}
	if strings.Contains(out, "one") || !strings.Contains(out, "two") || !strings.Contains(out, "three") || strings.Contains(out, "four") {
		t.Errorf("view range output = %q", out)
	}
}

func TestEditorEscapeDenied(t *testing.T) {
	e, _ := newTestExecutor(t, Options{})
	out, isError := run(t, e, "s1", t.TempDir(), ToolEditor, map[string]any{
		"command": "view", "path": "../../etc/passwd",
	})
	if !isError || !strings.Contains(out, "access_denied") {
		t.Errorf("escape: isError=%v out=%q", isError, out)
	}
}

func TestWebSearchUnconfigured(t *testing.T) {
	e, _ := newTestExecutor(t, Options{})
	out, isError := run(t, e, "s1", t.TempDir(), ToolWebSearch, map[string]any{"query": "anything"})
	if !isError || !strings.Contains(out, "not configured") {
		t.Errorf("unconfigured search: isError=%v out=%q", isError, out)
	}
}

type staticSearcher struct{ results []SearchResult }

func (s staticSearcher) Search(context.Context, string, int) ([]SearchResult, error) {
	return s.results, nil
}

func TestWebSearchFormatsResults(t *testing.T) {
	e, _ := newTestExecutor(t, Options{Searcher: staticSearcher{results: []SearchResult{
		{Title: "Go Blog", URL: "https://go.dev/blog", Snippet: "News from the Go project"},
	}}})
	out, isError := run(t, e, "s1", t.TempDir(), ToolWebSearch, map[string]any{"query": "go"})
	if isError {
		t.Fatalf("search failed: %s", out)
	}
	if !strings.Contains(out, "1. Go Blog") || !strings.Contains(out, "https://go.dev/blog") {
		t.Errorf("search output = %q", out)
	}
}

func TestWorkPlanToolRoundTrip(t *testing.T) {
	e, st := newTestExecutor(t, Options{})
	ctx := context.Background()
	sessionID, err := st.CreateSession(ctx, "/ws", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var progressKinds []string
	e.OnPlanProgress = func(_ context.Context, _ string, p *models.PlanProgress) {
		progressKinds = append(progressKinds, p.Kind)
	}

	out, isError := run(t, e, sessionID, "/ws", ToolWorkPlan, map[string]any{
		"command": "create",
		"items": []map[string]any{
			{"id": "a", "title": "Read the code"},
			{"id": "b", "title": "Write the fix"},
		},
	})
	if isError {
		t.Fatalf("create failed: %s", out)
	}

	out, isError = run(t, e, sessionID, "/ws", ToolWorkPlan, map[string]any{"command": "complete", "id": "a"})
	if isError {
		t.Fatalf("complete failed: %s", out)
	}
	if !strings.Contains(out, "Next: Write the fix") {
		t.Errorf("complete output = %q", out)
	}

	out, isError = run(t, e, sessionID, "/ws", ToolWorkPlan, map[string]any{"command": "complete", "id": "b"})
	if isError {
		t.Fatalf("complete b failed: %s", out)
	}
	if !strings.Contains(out, "All 2 steps are done") {
		t.Errorf("final complete output = %q", out)
	}

	want := []string{"created", "next", "completed"}
	if fmt.Sprint(progressKinds) != fmt.Sprint(want) {
		t.Errorf("progress kinds = %v, want %v", progressKinds, want)
	}

	snap, err := st.GetSnapshot(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.WorkPlan == nil || snap.WorkPlan.Completed() != 2 {
		t.Errorf("persisted plan = %+v", snap.WorkPlan)
	}
}

func TestWorkPlanUnknownSession(t *testing.T) {
	e, _ := newTestExecutor(t, Options{})
	out, isError := run(t, e, "missing", "/ws", ToolWorkPlan, map[string]any{
		"command": "create",
		"items":   []map[string]any{{"id": "a", "title": "A"}},
	})
	if !isError || !strings.Contains(out, "session not found") {
		t.Errorf("unknown session: isError=%v out=%q", isError, out)
	}
}
