package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/tether/pkg/models"
)

type workPlanInput struct {
	Command string             `json:"command"`
	ID      string             `json:"id"`
	Items   []workPlanItemSpec `json:"items"`
}

type workPlanItemSpec struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Order            *int   `json:"order"`
	EstimatedSeconds *int   `json:"estimatedSeconds"`
	Remove           bool   `json:"remove"`
}

// runWorkPlan mutates the session work plan through the store so plan state
// survives restarts, then fires the progress callback for push routing.
func (e *Executor) runWorkPlan(ctx context.Context, sessionID string, input json.RawMessage) (string, bool) {
	var in workPlanInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Sprintf("Error: invalid work_plan input: %v", err), true
	}

	switch in.Command {
	case "create":
		if len(in.Items) == 0 {
			return "Error: create requires at least one item", true
		}
		items := make([]models.WorkPlanItem, 0, len(in.Items))
		for i, spec := range in.Items {
			if spec.Title == "" {
				return fmt.Sprintf("Error: item %s has no title", spec.ID), true
			}
			order := i + 1
			if spec.Order != nil {
				order = *spec.Order
			}
			item := models.WorkPlanItem{ID: spec.ID, Title: spec.Title, Order: order}
			if spec.EstimatedSeconds != nil {
				item.EstimatedSeconds = *spec.EstimatedSeconds
			}
			items = append(items, item)
		}
		progress, err := e.store.RecordWorkPlanCreate(ctx, sessionID, items)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		e.notifyPlan(ctx, sessionID, progress)
		return fmt.Sprintf("Work plan created with %d steps.", progress.Total), false

	case "complete":
		if in.ID == "" {
			return "Error: complete requires an item id", true
		}
		progress, err := e.store.RecordWorkPlanComplete(ctx, sessionID, in.ID)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		e.notifyPlan(ctx, sessionID, progress)
		if progress.Kind == "completed" {
			return fmt.Sprintf("Completed step %s. All %d steps are done.", in.ID, progress.Total), false
		}
		return fmt.Sprintf("Completed step %s (%d/%d done). Next: %s", in.ID, progress.Completed, progress.Total, progress.TaskTitle()), false

	case "revise":
		if len(in.Items) == 0 {
			return "Error: revise requires at least one item", true
		}
		revs := make([]models.PlanRevision, 0, len(in.Items))
		for _, spec := range in.Items {
			revs = append(revs, models.PlanRevision{
				ID:               spec.ID,
				Title:            spec.Title,
				Order:            spec.Order,
				EstimatedSeconds: spec.EstimatedSeconds,
				Remove:           spec.Remove,
			})
		}
		plan, err := e.store.RecordWorkPlanRevise(ctx, sessionID, revs)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Work plan revised; %d steps:\n", len(plan.Items))
		for _, item := range plan.Items {
			mark := " "
			if item.Status == models.PlanItemComplete {
				mark = "x"
			}
			fmt.Fprintf(&b, "[%s] %s %s\n", mark, item.ID, item.Title)
		}
		return strings.TrimRight(b.String(), "\n"), false

	default:
		return fmt.Sprintf("Error: unknown work_plan command: %s", in.Command), true
	}
}

func (e *Executor) notifyPlan(ctx context.Context, sessionID string, progress *models.PlanProgress) {
	if e.OnPlanProgress != nil && progress != nil {
		e.OnPlanProgress(ctx, sessionID, progress)
	}
}
