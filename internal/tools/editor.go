package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type editorInput struct {
	Command    string `json:"command"`
	Path       string `json:"path"`
	FileText   string `json:"file_text"`
	OldStr     string `json:"old_str"`
	NewStr     string `json:"new_str"`
	InsertLine *int   `json:"insert_line"`
	ViewRange  []int  `json:"view_range"`
}

// classifyEditor marks view as safe and every writing command as mutating.
func classifyEditor(input json.RawMessage) SafetyClass {
	var in editorInput
	if err := json.Unmarshal(input, &in); err != nil {
		return SafetyMutating
	}
	if in.Command == "view" {
		return SafetySafe
	}
	return SafetyMutating
}

// runEditor handles the str_replace_based_edit_tool commands. Paths resolve
// against the session working directory; escapes are rejected.
func (e *Executor) runEditor(ctx context.Context, workingDir string, input json.RawMessage) (string, bool) {
	var in editorInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Sprintf("Error: invalid editor input: %v", err), true
	}

	resolver := Resolver{Root: workingDir}
	path, err := resolver.Resolve(in.Path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}

	switch in.Command {
	case "view":
		return e.editorView(path, in.ViewRange)
	case "create":
		return e.editorCreate(path, in.FileText)
	case "str_replace":
		return e.editorStrReplace(path, in.OldStr, in.NewStr)
	case "insert":
		return e.editorInsert(path, in.InsertLine, in.NewStr)
	default:
		return fmt.Sprintf("Error: unknown editor command: %s", in.Command), true
	}
}

func (e *Executor) editorView(path string, viewRange []int) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		var b strings.Builder
		for _, entry := range entries {
			marker := "[f]"
			if entry.IsDir() {
				marker = "[d]"
			}
			fmt.Fprintf(&b, "%s %s\n", marker, entry.Name())
		}
		if b.Len() == 0 {
			return "(empty directory)", false
		}
		return e.truncateText(b.String()), false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	lines := strings.Split(string(data), "\n")

	start, end := 1, len(lines)
	if len(viewRange) == 2 {
		start, end = viewRange[0], viewRange[1]
		if start < 1 {
			start = 1
		}
		if end < 0 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return fmt.Sprintf("Error: invalid view_range [%d, %d]", viewRange[0], viewRange[1]), true
		}
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i, lines[i-1])
	}
	return e.truncateText(b.String()), false
}

func (e *Executor) editorCreate(path, fileText string) (string, bool) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	if err := os.WriteFile(path, []byte(fileText), 0o644); err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	return fmt.Sprintf("Created %s (%d bytes)", path, len(fileText)), false
}

func (e *Executor) editorStrReplace(path, oldStr, newStr string) (string, bool) {
	if oldStr == "" {
		return "Error: old_str is required for str_replace", true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	content := string(data)

	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return fmt.Sprintf("Error: old_str not found in %s", path), true
	case n > 1:
		return fmt.Sprintf("Error: old_str matches %d locations in %s; provide more context to make it unique", n, path), true
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	return fmt.Sprintf("Replaced 1 occurrence in %s", path), false
}

func (e *Executor) editorInsert(path string, insertLine *int, newStr string) (string, bool) {
	if insertLine == nil {
		return "Error: insert_line is required for insert", true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	lines := strings.Split(string(data), "\n")

	at := *insertLine
	if at < 0 || at > len(lines) {
		return fmt.Sprintf("Error: insert_line %d out of range (file has %d lines)", at, len(lines)), true
	}

	inserted := strings.Split(newStr, "\n")
	out := make([]string, 0, len(lines)+len(inserted))
	out = append(out, lines[:at]...)
	out = append(out, inserted...)
	out = append(out, lines[at:]...)

	if err := os.WriteFile(path, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	return fmt.Sprintf("Inserted %d line(s) after line %d in %s", len(inserted), at, path), false
}

func (e *Executor) truncateText(s string) string {
	return truncate(s, e.textMaxBytes)
}
