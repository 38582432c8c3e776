// Package tools holds the canonical tool catalog and the executor that runs
// approved tool requests against the shell, filesystem, web search and
// work-plan collaborators.
package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Canonical tool names. Provider adapters map their native names onto these
// on ingress and back on egress.
const (
	ToolBash      = "bash"
	ToolEditor    = "str_replace_based_edit_tool"
	ToolWebSearch = "web_search"
	ToolWorkPlan  = "work_plan"
)

// SafetyClass categorizes a tool invocation for the approval policy.
type SafetyClass string

const (
	SafetySafe      SafetyClass = "safe"
	SafetyMutating  SafetyClass = "mutating"
	SafetyNetwork   SafetyClass = "network"
	SafetyDangerous SafetyClass = "dangerous"
)

// AutoApprovable reports whether the class executes without user
// confirmation when the session runs in auto mode. Mutating and dangerous
// invocations always require confirmation.
func (c SafetyClass) AutoApprovable() bool {
	return c == SafetySafe || c == SafetyNetwork
}

// Descriptor describes one canonical tool: its provider-facing schema, its
// safety classification (input-dependent for bash and the editor), and a
// short purpose line included in the system prompt.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage

	// Classify inspects the raw input; it must tolerate malformed JSON and
	// fall back to the most restrictive class that applies.
	Classify func(input json.RawMessage) SafetyClass

	compiled *jsonschema.Schema
}

// Catalog is the fixed registry of tool descriptors keyed by canonical name.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*Descriptor
	order []string
}

// NewCatalog builds the canonical catalog.
func NewCatalog(extraDenied []string) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]*Descriptor)}
	denied := append(append([]string(nil), defaultDeniedCommands...), extraDenied...)

	descriptors := []*Descriptor{
		{
			Name:        ToolBash,
			Description: "Run a shell command in the session working directory.",
			Schema:      json.RawMessage(bashSchema),
			Classify:    func(input json.RawMessage) SafetyClass { return classifyBash(input, denied) },
		},
		{
			Name:        ToolEditor,
			Description: "View, create and edit files (view, create, str_replace, insert).",
			Schema:      json.RawMessage(editorSchema),
			Classify:    classifyEditor,
		},
		{
			Name:        ToolWebSearch,
			Description: "Search the web for current information.",
			Schema:      json.RawMessage(webSearchSchema),
			Classify:    func(json.RawMessage) SafetyClass { return SafetyNetwork },
		},
		{
			Name:        ToolWorkPlan,
			Description: "Create, complete and revise the session work plan.",
			Schema:      json.RawMessage(workPlanSchema),
			Classify:    func(json.RawMessage) SafetyClass { return SafetySafe },
		},
	}

	for _, d := range descriptors {
		compiled, err := jsonschema.CompileString(d.Name, string(d.Schema))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", d.Name, err)
		}
		d.compiled = compiled
		c.tools[d.Name] = d
		c.order = append(c.order, d.Name)
	}
	return c, nil
}

// Get returns the descriptor for a canonical name.
func (c *Catalog) Get(name string) (*Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[name]
	return d, ok
}

// All returns the descriptors in registration order.
func (c *Catalog) All() []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// Validate checks the input against the tool's schema.
func (c *Catalog) Validate(name string, input json.RawMessage) error {
	d, ok := c.Get(name)
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	var payload any
	if len(input) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(input, &payload); err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if err := d.compiled.Validate(payload); err != nil {
		return fmt.Errorf("tool input rejected by schema: %w", err)
	}
	return nil
}

// AutoApprovable reports whether the given invocation may run without user
// confirmation under auto mode.
func (c *Catalog) AutoApprovable(name string, input json.RawMessage) bool {
	d, ok := c.Get(name)
	if !ok {
		return false
	}
	return d.Classify(input).AutoApprovable()
}

const bashSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": { "type": "string", "minLength": 1, "description": "Shell command to execute." },
    "timeout_seconds": { "type": "integer", "minimum": 0, "description": "Timeout override in seconds." }
  },
  "additionalProperties": false
}`

const editorSchema = `{
  "type": "object",
  "required": ["command", "path"],
  "properties": {
    "command": { "enum": ["view", "create", "str_replace", "insert"] },
    "path": { "type": "string", "minLength": 1 },
    "file_text": { "type": "string" },
    "old_str": { "type": "string" },
    "new_str": { "type": "string" },
    "insert_line": { "type": "integer", "minimum": 0 },
    "view_range": { "type": "array", "items": { "type": "integer" }, "minItems": 2, "maxItems": 2 }
  },
  "additionalProperties": false
}`

const webSearchSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "max_results": { "type": "integer", "minimum": 1, "maximum": 20 }
  },
  "additionalProperties": false
}`

const workPlanSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": { "enum": ["create", "complete", "revise"] },
    "id": { "type": "string" },
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "title": { "type": "string" },
          "order": { "type": "integer" },
          "estimatedSeconds": { "type": "integer", "minimum": 0 },
          "remove": { "type": "boolean" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`
