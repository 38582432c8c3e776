package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/internal/store"
	"github.com/haasonsaas/tether/pkg/models"
)

// RejectedOutput is the tool_result content recorded when the user rejects a
// tool request. The model sees it verbatim.
const RejectedOutput = "Tool use rejected by user"

// Options configures executor limits. Zero values fall back to defaults.
type Options struct {
	BashTimeout  time.Duration
	BashMaxBytes int
	TextMaxBytes int
	Shell        ShellExecutor
	Searcher     Searcher
}

// Executor runs approved tool requests. It is shared across sessions; the
// working directory and session id arrive per call.
type Executor struct {
	catalog *Catalog
	store   store.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	shell        ShellExecutor
	searcher     Searcher
	bashTimeout  time.Duration
	bashMaxBytes int
	textMaxBytes int

	// OnPlanProgress fires after every successful work_plan mutation, before
	// the tool output is returned. Used for plan push notifications.
	OnPlanProgress func(ctx context.Context, sessionID string, progress *models.PlanProgress)
}

// NewExecutor wires an executor against the catalog and session store.
func NewExecutor(catalog *Catalog, st store.Store, logger *observability.Logger, metrics *observability.Metrics, opts Options) *Executor {
	e := &Executor{
		catalog:      catalog,
		store:        st,
		logger:       logger,
		metrics:      metrics,
		shell:        opts.Shell,
		searcher:     opts.Searcher,
		bashTimeout:  opts.BashTimeout,
		bashMaxBytes: opts.BashMaxBytes,
		textMaxBytes: opts.TextMaxBytes,
	}
	if e.shell == nil {
		e.shell = LocalShell{}
	}
	if e.searcher == nil {
		e.searcher = UnconfiguredSearcher{}
	}
	if e.bashTimeout <= 0 {
		e.bashTimeout = 30 * time.Second
	}
	if e.bashMaxBytes <= 0 {
		e.bashMaxBytes = 100 * 1024
	}
	if e.textMaxBytes <= 0 {
		e.textMaxBytes = 50 * 1024
	}
	return e
}

// Run executes one approved tool request and returns the shaped output. The
// bool reports whether the result should be flagged is_error; execution
// failures are returned as output, never as a Go error, so the model always
// receives a tool_result.
func (e *Executor) Run(ctx context.Context, sessionID, workingDir string, req models.PendingToolRequest) (string, bool) {
	ctx = observability.WithToolCallID(ctx, req.ID)
	start := time.Now()

	output, isError := e.dispatch(ctx, sessionID, workingDir, req.Name, req.Input)

	status := "success"
	if isError {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(req.Name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())
	}
	if e.logger != nil {
		e.logger.Info(ctx, "tool executed",
			"tool", req.Name,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return output, isError
}

// RecordRejection counts a user rejection for the tool metrics.
func (e *Executor) RecordRejection(name string) {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(name, "rejected").Inc()
	}
}

// RecordInvalidInput counts a request whose provider-streamed input failed to
// parse and was resolved as an error without executing.
func (e *Executor) RecordInvalidInput(name string) {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(name, "invalid_input").Inc()
	}
}

func (e *Executor) dispatch(ctx context.Context, sessionID, workingDir string, name string, input json.RawMessage) (string, bool) {
	if err := e.catalog.Validate(name, input); err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	switch name {
	case ToolBash:
		return e.runBash(ctx, workingDir, input)
	case ToolEditor:
		return e.runEditor(ctx, workingDir, input)
	case ToolWebSearch:
		return e.runWebSearch(ctx, input)
	case ToolWorkPlan:
		return e.runWorkPlan(ctx, sessionID, input)
	default:
		return fmt.Sprintf("Error: unknown tool: %s", name), true
	}
}
