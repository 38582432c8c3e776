// Package projectctx loads per-project memory files so sessions carry the
// project's conventions into every turn.
package projectctx

import (
	"os"
	"path/filepath"

	"github.com/haasonsaas/tether/pkg/models"
)

// candidates are checked in preference order inside the working directory.
var candidates = []struct {
	source string
	path   string
}{
	{"agents", "AGENTS.md"},
	{"claude", "CLAUDE.md"},
	{"tether", filepath.Join(".tether", "context.md")},
}

// maxContextBytes bounds how much project memory rides along in the prompt.
const maxContextBytes = 32 * 1024

// Load reads the first available context file under workingDir. preferred,
// when non-empty, names a source to check first. Returns nil when the
// project has no context file.
func Load(workingDir, preferred string) *models.ProjectContext {
	ordered := candidates
	if preferred != "" {
		ordered = nil
		for _, c := range candidates {
			if c.source == preferred {
				ordered = append(ordered, c)
			}
		}
		for _, c := range candidates {
			if c.source != preferred {
				ordered = append(ordered, c)
			}
		}
	}

	for _, c := range ordered {
		full := filepath.Join(workingDir, c.path)
		data, err := os.ReadFile(full)
		if err != nil || len(data) == 0 {
			continue
		}
		if len(data) > maxContextBytes {
			data = data[:maxContextBytes]
		}
		return &models.ProjectContext{
			Source:  c.source,
			Path:    full,
			Content: string(data),
		}
	}
	return nil
}
