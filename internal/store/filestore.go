package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/pkg/models"
)

const (
	snapshotFile = "snapshot.json"
	journalFile  = "events.jsonl"
	indexFile    = "index.json"
)

// FileStore implements Store on a directory tree:
//
//	<root>/index.json
//	<root>/<sessionId>/snapshot.json
//	<root>/<sessionId>/events.jsonl
//
// Snapshot writes are atomic (temp file + rename). The journal and index are
// best effort; failures there are logged and do not fail the mutation.
type FileStore struct {
	root    string
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*sessionEntry

	indexMu sync.Mutex
}

type sessionEntry struct {
	mu        sync.Mutex
	snap      *models.Snapshot
	lastTouch time.Time
	active    bool
}

// NewFileStore creates a file store rooted at dataRoot/sessions.
func NewFileStore(dataRoot string, logger *slog.Logger, metrics *observability.Metrics) (*FileStore, error) {
	if strings.TrimSpace(dataRoot) == "" {
		return nil, fmt.Errorf("data root is required")
	}
	root := filepath.Join(dataRoot, "sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		root:    root,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
	}, nil
}

func (s *FileStore) dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FileStore) entry(id string) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &sessionEntry{}
		s.entries[id] = e
		if s.metrics != nil {
			s.metrics.ActiveSessions.Set(float64(len(s.entries)))
		}
	}
	return e
}

// CreateSession initializes a new session directory with phase created.
func (s *FileStore) CreateSession(ctx context.Context, workingDir string, maxMode bool) (string, error) {
	id := uuid.NewString()
	now := s.now()
	snap := &models.Snapshot{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		WorkingDir:   workingDir,
		MaxMode:      maxMode,
		Phase:        models.PhaseCreated,
		PendingTools: []models.PendingToolRequest{},
	}

	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.writeSnapshot(snap); err != nil {
		return "", err
	}
	e.snap = snap
	e.lastTouch = now
	s.appendJournal(ctx, id, "session_created", map[string]any{"workingDir": workingDir, "maxMode": maxMode})
	s.updateIndex(ctx, snap)
	return id, nil
}

// mutate loads (or reuses) the session snapshot, applies fn, and commits. The
// per-entry mutex serializes all writes for a session.
func (s *FileStore) mutate(ctx context.Context, id, event string, fn func(*models.Snapshot) error) error {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snap == nil {
		snap, err := s.readSnapshot(id)
		if err != nil {
			return err
		}
		e.snap = snap
	}

	if err := fn(e.snap); err != nil {
		return err
	}
	e.snap.LastActivity = s.now()
	e.snap.MessageCount = len(e.snap.Conversation.Messages)

	if err := s.writeSnapshot(e.snap); err != nil {
		return err
	}
	e.lastTouch = s.now()
	if event != "" {
		s.appendJournal(ctx, id, event, nil)
	}
	s.updateIndex(ctx, e.snap)
	return nil
}

func (s *FileStore) UpdateTitle(ctx context.Context, id, title string) error {
	return s.mutate(ctx, id, "title_updated", func(snap *models.Snapshot) error {
		snap.Title = title
		return nil
	})
}

func (s *FileStore) RecordUserMessage(ctx context.Context, id string, msg models.Message, workingDir string, maxMode bool) error {
	return s.mutate(ctx, id, "user_message", func(snap *models.Snapshot) error {
		if strings.TrimSpace(workingDir) != "" {
			snap.WorkingDir = workingDir
		}
		snap.MaxMode = maxMode
		snap.Conversation.Messages = append(snap.Conversation.Messages, msg)
		return nil
	})
}

func (s *FileStore) RecordAssistantFinalMessage(ctx context.Context, id string, msg models.Message) error {
	return s.mutate(ctx, id, "assistant_message", func(snap *models.Snapshot) error {
		for i := range snap.Conversation.Messages {
			if snap.Conversation.Messages[i].ID == msg.ID && msg.ID != "" {
				snap.Conversation.Messages[i] = msg
				return nil
			}
		}
		snap.Conversation.Messages = append(snap.Conversation.Messages, msg)
		return nil
	})
}

func (s *FileStore) RecordToolOutputMessage(ctx context.Context, id string, msg models.Message) error {
	return s.mutate(ctx, id, "tool_output_message", func(snap *models.Snapshot) error {
		snap.Conversation.Messages = append(snap.Conversation.Messages, msg)
		return nil
	})
}

func (s *FileStore) RecordStatus(ctx context.Context, id string, phase models.Phase) error {
	return s.mutate(ctx, id, "status", func(snap *models.Snapshot) error {
		snap.Phase = phase
		return nil
	})
}

func (s *FileStore) SetPreviousResponseID(ctx context.Context, id, handle string) error {
	return s.mutate(ctx, id, "", func(snap *models.Snapshot) error {
		snap.PreviousResponseID = handle
		return nil
	})
}

func (s *FileStore) SetPendingTools(ctx context.Context, id string, pending []models.PendingToolRequest) error {
	return s.mutate(ctx, id, "", func(snap *models.Snapshot) error {
		if pending == nil {
			pending = []models.PendingToolRequest{}
		}
		snap.PendingTools = pending
		return nil
	})
}

func (s *FileStore) SetProjectContext(ctx context.Context, id string, pc *models.ProjectContext) error {
	return s.mutate(ctx, id, "", func(snap *models.Snapshot) error {
		// Immutable after first attach.
		if snap.ProjectContext == nil {
			snap.ProjectContext = pc
		}
		return nil
	})
}

func (s *FileStore) RecordWorkPlanCreate(ctx context.Context, id string, items []models.WorkPlanItem) (*models.PlanProgress, error) {
	var progress *models.PlanProgress
	err := s.mutate(ctx, id, "work_plan_created", func(snap *models.Snapshot) error {
		now := s.now()
		plan := &models.WorkPlan{CreatedAt: now, UpdatedAt: now}
		for _, it := range items {
			it.Status = models.PlanItemPending
			it.CompletedAt = nil
			plan.Items = append(plan.Items, it)
		}
		sortPlanItems(plan.Items)
		snap.WorkPlan = plan
		progress = &models.PlanProgress{
			Kind:      "created",
			Total:     len(plan.Items),
			Completed: 0,
			Next:      plan.NextPending(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}

func (s *FileStore) RecordWorkPlanComplete(ctx context.Context, id, itemID string) (*models.PlanProgress, error) {
	var progress *models.PlanProgress
	err := s.mutate(ctx, id, "work_plan_completed", func(snap *models.Snapshot) error {
		plan := snap.WorkPlan
		if plan == nil {
			return fmt.Errorf("session has no work plan")
		}
		var done *models.WorkPlanItem
		for i := range plan.Items {
			if plan.Items[i].ID == itemID {
				done = &plan.Items[i]
				break
			}
		}
		if done == nil {
			return fmt.Errorf("work plan item not found: %s", itemID)
		}
		// pending -> complete happens exactly once; repeat completes keep the
		// original timestamp.
		if done.Status != models.PlanItemComplete {
			now := s.now()
			done.Status = models.PlanItemComplete
			done.CompletedAt = &now
			plan.UpdatedAt = now
		}
		next := plan.NextPending()
		kind := "next"
		if next == nil {
			kind = "completed"
		}
		completed := *done
		progress = &models.PlanProgress{
			Kind:          kind,
			Total:         len(plan.Items),
			Completed:     plan.Completed(),
			CompletedItem: &completed,
			Next:          next,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}

func (s *FileStore) RecordWorkPlanRevise(ctx context.Context, id string, revs []models.PlanRevision) (*models.WorkPlan, error) {
	var out *models.WorkPlan
	err := s.mutate(ctx, id, "work_plan_revised", func(snap *models.Snapshot) error {
		now := s.now()
		plan := snap.WorkPlan
		if plan == nil {
			plan = &models.WorkPlan{CreatedAt: now}
			snap.WorkPlan = plan
		}
		maxOrder := 0
		for _, it := range plan.Items {
			if it.Order > maxOrder {
				maxOrder = it.Order
			}
		}
		for _, rev := range revs {
			idx := -1
			for i := range plan.Items {
				if plan.Items[i].ID == rev.ID {
					idx = i
					break
				}
			}
			if rev.Remove {
				if idx >= 0 {
					plan.Items = append(plan.Items[:idx], plan.Items[idx+1:]...)
				}
				continue
			}
			if idx >= 0 {
				if rev.Title != "" {
					plan.Items[idx].Title = rev.Title
				}
				if rev.Order != nil {
					plan.Items[idx].Order = *rev.Order
				}
				if rev.EstimatedSeconds != nil {
					plan.Items[idx].EstimatedSeconds = *rev.EstimatedSeconds
				}
				continue
			}
			item := models.WorkPlanItem{
				ID:     rev.ID,
				Title:  rev.Title,
				Status: models.PlanItemPending,
			}
			if rev.Order != nil {
				item.Order = *rev.Order
			} else {
				maxOrder++
				item.Order = maxOrder
			}
			if rev.EstimatedSeconds != nil {
				item.EstimatedSeconds = *rev.EstimatedSeconds
			}
			plan.Items = append(plan.Items, item)
		}
		sortPlanItems(plan.Items)
		plan.UpdatedAt = now
		copied := *plan
		copied.Items = append([]models.WorkPlanItem(nil), plan.Items...)
		out = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileStore) SetInitiator(ctx context.Context, id, deviceID string) error {
	return s.mutate(ctx, id, "", func(snap *models.Snapshot) error {
		if snap.InitiatorDeviceID == "" {
			snap.InitiatorDeviceID = deviceID
		}
		return nil
	})
}

func (s *FileStore) ClearSession(ctx context.Context, id string) error {
	e := s.entry(id)
	e.mu.Lock()
	if e.snap == nil {
		if _, err := s.readSnapshot(id); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.snap = nil
	e.mu.Unlock()

	s.mu.Lock()
	delete(s.entries, id)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(len(s.entries)))
	}
	s.mu.Unlock()

	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	s.removeIndexItem(ctx, id)
	return nil
}

func (s *FileStore) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap == nil {
		snap, err := s.readSnapshot(id)
		if err != nil {
			return nil, err
		}
		e.snap = snap
		e.lastTouch = s.now()
	}
	return cloneSnapshot(e.snap), nil
}

func (s *FileStore) ListSessions(ctx context.Context, filter ListFilter) ([]models.SessionIndexItem, error) {
	items, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionIndexItem, 0, len(items))
	for _, it := range items {
		if filter.WorkingDir != "" && it.WorkingDir != filter.WorkingDir {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (s *FileStore) NextSeq(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := s.mutate(ctx, id, "", func(snap *models.Snapshot) error {
		snap.LastSeq++
		seq = snap.LastSeq
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *FileStore) MarkActive(id string, active bool) {
	e := s.entry(id)
	e.mu.Lock()
	e.active = active
	e.lastTouch = s.now()
	e.mu.Unlock()
}

// --- persistence internals ---

func (s *FileStore) readSnapshot(id string) (*models.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), snapshotFile))
	if err != nil {
		return nil, ErrSessionNotFound
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("corrupt session snapshot", "session_id", id, "error", err)
		return nil, ErrSessionNotFound
	}
	return &snap, nil
}

func (s *FileStore) writeSnapshot(snap *models.Snapshot) error {
	dir := s.dir(snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := filepath.Join(dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, snapshotFile)); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

type journalRecord struct {
	TS   time.Time `json:"ts"`
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
}

// appendJournal is best effort: failures are logged and ignored.
func (s *FileStore) appendJournal(ctx context.Context, id, event string, data any) {
	rec := journalRecord{TS: s.now(), Type: event, Data: data}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(s.dir(id), journalFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("journal append failed", "session_id", id, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("journal append failed", "session_id", id, "error", err)
	}
}

func (s *FileStore) readIndex() ([]models.SessionIndexItem, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.readIndexLocked()
}

func (s *FileStore) readIndexLocked() ([]models.SessionIndexItem, error) {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []models.SessionIndexItem{}, nil
		}
		return nil, err
	}
	var items []models.SessionIndexItem
	if err := json.Unmarshal(data, &items); err != nil {
		s.logger.Warn("corrupt session index, resetting", "error", err)
		return []models.SessionIndexItem{}, nil
	}
	return items, nil
}

// updateIndex upserts the session's listing entry. Index failures affect
// enumeration only, never per-session correctness, so they are logged and
// swallowed.
func (s *FileStore) updateIndex(ctx context.Context, snap *models.Snapshot) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	items, err := s.readIndexLocked()
	if err != nil {
		s.logger.Warn("index read failed", "error", err)
		return
	}
	item := models.SessionIndexItem{
		ID:           snap.ID,
		Title:        snap.Title,
		CreatedAt:    snap.CreatedAt,
		LastActivity: snap.LastActivity,
		MessageCount: snap.MessageCount,
		WorkingDir:   snap.WorkingDir,
		Phase:        snap.Phase,
	}
	found := false
	for i := range items {
		if items[i].ID == snap.ID {
			items[i] = item
			found = true
			break
		}
	}
	if !found {
		items = append(items, item)
	}
	s.writeIndexLocked(items)
}

func (s *FileStore) removeIndexItem(ctx context.Context, id string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	items, err := s.readIndexLocked()
	if err != nil {
		return
	}
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	s.writeIndexLocked(out)
}

func (s *FileStore) writeIndexLocked(items []models.SessionIndexItem) {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return
	}
	tmp := filepath.Join(s.root, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("index write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(s.root, indexFile)); err != nil {
		s.logger.Warn("index write failed", "error", err)
	}
}

func sortPlanItems(items []models.WorkPlanItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
}

func cloneSnapshot(snap *models.Snapshot) *models.Snapshot {
	if snap == nil {
		return nil
	}
	clone := *snap
	clone.PendingTools = append([]models.PendingToolRequest(nil), snap.PendingTools...)
	clone.Conversation.Messages = make([]models.Message, len(snap.Conversation.Messages))
	for i, m := range snap.Conversation.Messages {
		cm := m
		cm.Content = append([]models.ContentBlock(nil), m.Content...)
		clone.Conversation.Messages[i] = cm
	}
	if snap.WorkPlan != nil {
		plan := *snap.WorkPlan
		plan.Items = append([]models.WorkPlanItem(nil), snap.WorkPlan.Items...)
		clone.WorkPlan = &plan
	}
	if snap.ProjectContext != nil {
		pc := *snap.ProjectContext
		clone.ProjectContext = &pc
	}
	return &clone
}
