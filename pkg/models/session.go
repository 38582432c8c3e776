package models

import (
	"encoding/json"
	"time"
)

// Phase is a Turn Engine state-machine state. Terminal phases for a single
// turn are completed, paused, stopped and error.
type Phase string

const (
	PhaseCreated      Phase = "created"
	PhaseStarting     Phase = "starting"
	PhaseReady        Phase = "ready"
	PhaseStreaming    Phase = "streaming"
	PhaseReasoning    Phase = "reasoning"
	PhaseAwaitingTool Phase = "awaiting_tool"
	PhaseToolRunning  Phase = "tool_running"
	PhaseContinuing   Phase = "continuing"
	PhasePaused       Phase = "paused"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
	PhaseStopped      Phase = "stopped"
)

// Decision records the approval state of a pending tool request.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
)

// PendingToolRequest is a tool_use emitted by the assistant that has not yet
// been answered with a tool_result. ResponseID ties the request to the
// provider turn that produced it so all requests of one turn resolve
// together.
type PendingToolRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input"`
	Description string          `json:"description,omitempty"`
	ResponseID  string          `json:"responseId,omitempty"`
	Decision    Decision        `json:"decision"`
}

// PlanItemStatus is the lifecycle state of a work-plan item.
type PlanItemStatus string

const (
	PlanItemPending  PlanItemStatus = "pending"
	PlanItemComplete PlanItemStatus = "complete"
)

// WorkPlanItem is one step of a session's work plan. Order is a dense
// integer comparator; ties break by ID.
type WorkPlanItem struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Order            int            `json:"order"`
	EstimatedSeconds int            `json:"estimatedSeconds,omitempty"`
	Status           PlanItemStatus `json:"status"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

// WorkPlan is the optional per-session checklist mutated by the work_plan
// tool.
type WorkPlan struct {
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Items     []WorkPlanItem `json:"items"`
}

// Completed counts items whose status is complete.
func (p *WorkPlan) Completed() int {
	n := 0
	for _, it := range p.Items {
		if it.Status == PlanItemComplete {
			n++
		}
	}
	return n
}

// NextPending returns the first incomplete item in plan order, or nil.
func (p *WorkPlan) NextPending() *WorkPlanItem {
	for i := range p.Items {
		if p.Items[i].Status == PlanItemPending {
			return &p.Items[i]
		}
	}
	return nil
}

// ProjectContext is an immutable memory block attached to a session on first
// load from the working directory.
type ProjectContext struct {
	Source  string `json:"source"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Snapshot is the durable per-session projection. It is the authoritative
// record on restart; the event journal is advisory.
type Snapshot struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	LastActivity       time.Time            `json:"lastActivity"`
	MessageCount       int                  `json:"messageCount"`
	WorkingDir         string               `json:"workingDir"`
	MaxMode            bool                 `json:"maxMode"`
	Phase              Phase                `json:"phase"`
	PendingTools       []PendingToolRequest `json:"pendingTools"`
	InitiatorDeviceID  string               `json:"initiatorDeviceId,omitempty"`
	PreviousResponseID string               `json:"previousResponseId,omitempty"`
	WorkPlan           *WorkPlan            `json:"workPlan,omitempty"`
	ProjectContext     *ProjectContext      `json:"projectContext,omitempty"`
	Conversation       Conversation         `json:"conversation"`
	LastSeq            int64                `json:"lastSeq"`
}

// SessionIndexItem is the lightweight listing entry kept in index.json.
type SessionIndexItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	WorkingDir   string    `json:"workingDir"`
	Phase        Phase     `json:"phase"`
}
