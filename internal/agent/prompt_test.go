package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/tether/internal/tools"
	"github.com/haasonsaas/tether/pkg/models"
)

func TestComposeSystemPrompt(t *testing.T) {
	catalog, err := tools.NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	prompt := composeSystemPrompt("/srv/project", now, catalog, nil)

	for _, want := range []string{
		"Working directory: /srv/project",
		"`bash`",
		"`str_replace_based_edit_tool`",
		"`web_search`",
		"`work_plan`",
		"Saturday, March 14, 2026",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "Project Memory") {
		t.Error("prompt has a memory section without project context")
	}
}

func TestComposeSystemPromptAppendsProjectMemory(t *testing.T) {
	catalog, err := tools.NewCatalog(nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	pc := &models.ProjectContext{
		Source:  "agents",
		Path:    "/srv/project/AGENTS.md",
		Content: "Always run make lint before committing.",
	}

	prompt := composeSystemPrompt("/srv/project", time.Now(), catalog, pc)

	if !strings.Contains(prompt, "## Project Memory (source: /srv/project/AGENTS.md)") {
		t.Error("prompt missing memory header")
	}
	if !strings.Contains(prompt, "Always run make lint before committing.") {
		t.Error("prompt missing memory content")
	}
}
