package models

// PlanProgress summarizes a work-plan mutation for push notifications and
// tool output.
type PlanProgress struct {
	Kind          string        `json:"kind"` // created | next | completed
	Total         int           `json:"total"`
	Completed     int           `json:"completed"`
	CompletedItem *WorkPlanItem `json:"completedItem,omitempty"`
	Next          *WorkPlanItem `json:"next,omitempty"`
}

// StepIndex returns the 1-based index of the step the notification points
// at: the next pending step while work remains, the last step once done.
func (p PlanProgress) StepIndex() int {
	if p.Next != nil {
		return p.Completed + 1
	}
	if p.Total > 0 {
		return p.Total
	}
	return 0
}

// TaskTitle returns the title the notification should carry.
func (p PlanProgress) TaskTitle() string {
	if p.Next != nil {
		return p.Next.Title
	}
	if p.CompletedItem != nil {
		return p.CompletedItem.Title
	}
	return ""
}

// PlanRevision is one upsert-or-remove entry of a work_plan revise command.
// Zero-valued fields leave the existing item untouched.
type PlanRevision struct {
	ID               string `json:"id"`
	Title            string `json:"title,omitempty"`
	Order            *int   `json:"order,omitempty"`
	EstimatedSeconds *int   `json:"estimatedSeconds,omitempty"`
	Remove           bool   `json:"remove,omitempty"`
}
