package agent

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/haasonsaas/tether/internal/tools"
	"github.com/haasonsaas/tether/pkg/models"
)

// composeSystemPrompt builds the per-turn system prompt. It names the
// working directory, platform and time, states the operating principles and
// the tool contract, and appends any project memory verbatim.
func composeSystemPrompt(workingDir string, now time.Time, catalog *tools.Catalog, pc *models.ProjectContext) string {
	var b strings.Builder

	b.WriteString("You are a coding assistant operating on the user's machine through a mobile client.\n\n")

	b.WriteString("## Environment\n")
	fmt.Fprintf(&b, "- Working directory: %s\n", workingDir)
	fmt.Fprintf(&b, "- Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "- Current date and time: %s\n\n", now.Format("Monday, January 2, 2006 15:04 MST"))

	b.WriteString("## Operating principles\n")
	b.WriteString("- Prefer reading code before changing it.\n")
	b.WriteString("- Make the smallest change that accomplishes the task.\n")
	b.WriteString("- Report what you did, plainly. If a command fails, show the failure.\n")
	b.WriteString("- Never run destructive commands without being asked to.\n\n")

	b.WriteString("## Tools\n")
	for _, d := range catalog.All() {
		fmt.Fprintf(&b, "- `%s`: %s\n", d.Name, d.Description)
	}
	b.WriteString("Paths are resolved relative to the working directory; you cannot reach outside it.\n\n")

	b.WriteString("## Workflow\n")
	b.WriteString("1. Plan: for multi-step tasks, create a work plan with the `work_plan` tool and keep it current.\n")
	b.WriteString("2. Analyze: inspect the relevant files and state before editing.\n")
	b.WriteString("3. Implement: apply changes, running commands to verify as you go.\n")
	b.WriteString("4. Summarize: close with a short summary of what changed.\n")

	if pc != nil && pc.Content != "" {
		fmt.Fprintf(&b, "\n## Project Memory (source: %s)\n\n%s\n", pc.Path, pc.Content)
	}
	return b.String()
}
