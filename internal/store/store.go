// Package store persists sessions as per-session snapshot files with an
// append-only event journal and a shared enumeration index. All snapshot
// mutations for a given session are serialized; reads observe the last
// committed snapshot.
package store

import (
	"context"
	"errors"

	"github.com/haasonsaas/tether/pkg/models"
)

// ErrSessionNotFound is returned for reads and mutations of unknown
// sessions. Snapshot read failures map to it rather than surfacing I/O
// detail.
var ErrSessionNotFound = errors.New("session not found")

// ListFilter narrows session enumeration.
type ListFilter struct {
	WorkingDir string
}

// Store is the authoritative record of every session and its conversation.
// Mutating calls return after the snapshot is durably committed.
type Store interface {
	CreateSession(ctx context.Context, workingDir string, maxMode bool) (string, error)
	UpdateTitle(ctx context.Context, id, title string) error

	// RecordUserMessage appends a user message and refreshes the session's
	// mode and working directory to the request's values.
	RecordUserMessage(ctx context.Context, id string, msg models.Message, workingDir string, maxMode bool) error

	// RecordAssistantFinalMessage merges by message id when the conversation
	// already holds that id, otherwise appends.
	RecordAssistantFinalMessage(ctx context.Context, id string, msg models.Message) error

	// RecordToolOutputMessage appends a tool-result user message.
	RecordToolOutputMessage(ctx context.Context, id string, msg models.Message) error

	RecordStatus(ctx context.Context, id string, phase models.Phase) error
	SetPreviousResponseID(ctx context.Context, id, handle string) error
	SetPendingTools(ctx context.Context, id string, pending []models.PendingToolRequest) error
	SetProjectContext(ctx context.Context, id string, pc *models.ProjectContext) error

	RecordWorkPlanCreate(ctx context.Context, id string, items []models.WorkPlanItem) (*models.PlanProgress, error)
	RecordWorkPlanComplete(ctx context.Context, id, itemID string) (*models.PlanProgress, error)
	RecordWorkPlanRevise(ctx context.Context, id string, revs []models.PlanRevision) (*models.WorkPlan, error)

	// SetInitiator records the push routing target. First write wins; later
	// writes are ignored.
	SetInitiator(ctx context.Context, id, deviceID string) error

	ClearSession(ctx context.Context, id string) error

	GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error)
	ListSessions(ctx context.Context, filter ListFilter) ([]models.SessionIndexItem, error)

	// NextSeq returns and persists a monotonically increasing sequence
	// number for outbound envelopes of the session.
	NextSeq(ctx context.Context, id string) (int64, error)

	// MarkActive pins or unpins a session against idle eviction while a
	// turn is running.
	MarkActive(id string, active bool)
}
