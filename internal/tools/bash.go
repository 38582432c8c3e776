package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// defaultDeniedCommands are substring/pattern checks that escalate a bash
// invocation to the dangerous safety class. The list is extended per
// deployment via tools.extra_denied.
var defaultDeniedCommands = []string{
	"rm -rf /",
	"sudo ",
	"mkfs",
	"shutdown",
	"reboot",
	"kill -9",
	"dd of=/dev/",
}

// forkBombPattern matches the classic shell fork bomb.
var forkBombPattern = regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`)

type bashInput struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// classifyBash returns dangerous for deny-listed commands and mutating
// otherwise. Shell commands are never auto-approved.
func classifyBash(input json.RawMessage, denied []string) SafetyClass {
	var in bashInput
	if err := json.Unmarshal(input, &in); err != nil {
		return SafetyDangerous
	}
	cmd := strings.ToLower(strings.TrimSpace(in.Command))
	for _, pattern := range denied {
		if strings.Contains(cmd, pattern) {
			return SafetyDangerous
		}
	}
	if forkBombPattern.MatchString(cmd) {
		return SafetyDangerous
	}
	return SafetyMutating
}

// ShellResult is the outcome of a shell invocation.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ShellExecutor runs commands for the bash tool. The default implementation
// shells out locally; tests substitute fakes.
type ShellExecutor interface {
	Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ShellResult, error)
}

// LocalShell runs commands through /bin/sh -c.
type LocalShell struct{}

func (LocalShell) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ShellResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &ShellResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		} else {
			return nil, err
		}
	}
	return result, nil
}

// runBash executes the bash tool input and shapes the output per the mobile
// UI contract: combined stdout/stderr, truncated, error-flagged on non-zero
// exit or an "Error:" line prefix.
func (e *Executor) runBash(ctx context.Context, workingDir string, input json.RawMessage) (string, bool) {
	var in bashInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Sprintf("Error: invalid bash input: %v", err), true
	}

	timeout := e.bashTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}

	result, err := e.shell.Execute(ctx, in.Command, workingDir, timeout)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}

	var b strings.Builder
	b.WriteString(result.Stdout)
	if result.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(result.Stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(result.Stderr)
	}
	output := truncate(b.String(), e.bashMaxBytes)
	if output == "" {
		output = fmt.Sprintf("(no output, exit code %d)", result.ExitCode)
	}

	isError := result.ExitCode != 0 || hasErrorLine(output)
	return output, isError
}

// hasErrorLine reports whether any line of the output starts with "Error:".
func hasErrorLine(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "Error:") {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-max)
}
