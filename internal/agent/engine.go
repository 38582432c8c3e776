// Package agent runs the turn loop: it admits user messages, streams
// provider events to the client, brokers tool approval and execution, and
// drives the session phase machine to a terminal state.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/internal/providers"
	"github.com/haasonsaas/tether/internal/push"
	"github.com/haasonsaas/tether/internal/store"
	"github.com/haasonsaas/tether/internal/tools"
	"github.com/haasonsaas/tether/pkg/models"
)

// Error codes carried on agent:error envelopes.
const (
	ErrNoContent           = "no_content"
	ErrSessionNotFound     = "session_not_found"
	ErrToolRequestNotFound = "tool_request_not_found"
	ErrUnknownProvider     = "unknown_provider"
	ErrAdapterStream       = "adapter_stream_error"
)

// taskTitleLimit bounds push notification task titles.
const taskTitleLimit = 120

// Sink delivers outbound envelopes to a session's client. Send must not
// block; returning false signals backpressure or disconnect and cancels the
// turn.
type Sink interface {
	Send(env *models.Envelope) bool
}

// AdapterFactory builds a one-off adapter for a client-supplied API key.
type AdapterFactory func(provider, apiKey string) (providers.Adapter, error)

// Deps wires the engine's collaborators.
type Deps struct {
	Store    store.Store
	Catalog  *tools.Catalog
	Executor *tools.Executor

	Adapters        map[string]providers.Adapter
	DefaultProvider string
	AdapterFactory  AdapterFactory

	Push    push.Dispatcher
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// LoadContext loads project memory for a working directory; nil disables
	// context attach.
	LoadContext func(workingDir string) *models.ProjectContext
}

// Engine owns one active turn per session and the ephemeral per-session
// state (approval ledger, cancel handle). Durable state lives in the store.
type Engine struct {
	store           store.Store
	catalog         *tools.Catalog
	executor        *tools.Executor
	adapters        map[string]providers.Adapter
	defaultProvider string
	adapterFactory  AdapterFactory
	push            push.Dispatcher
	logger          *observability.Logger
	metrics         *observability.Metrics
	loadContext     func(workingDir string) *models.ProjectContext

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	ledger *Ledger

	mu        sync.Mutex
	cancel    context.CancelFunc
	sink      Sink
	adapter   providers.Adapter
	streaming bool
	// inputErrors carries provider parse failures from enqueue to group
	// resolution, keyed by tool request id. Ephemeral, voided with the ledger.
	inputErrors map[string]string
	wg          sync.WaitGroup
}

func (st *sessionState) noteInputError(id, msg string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inputErrors == nil {
		st.inputErrors = make(map[string]string)
	}
	st.inputErrors[id] = msg
}

func (st *sessionState) takeInputError(id string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	msg, ok := st.inputErrors[id]
	if ok {
		delete(st.inputErrors, id)
	}
	return msg, ok
}

func (st *sessionState) clearInputErrors() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inputErrors = nil
}

func NewEngine(deps Deps) *Engine {
	e := &Engine{
		store:           deps.Store,
		catalog:         deps.Catalog,
		executor:        deps.Executor,
		adapters:        deps.Adapters,
		defaultProvider: deps.DefaultProvider,
		adapterFactory:  deps.AdapterFactory,
		push:            deps.Push,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		loadContext:     deps.LoadContext,
		sessions:        make(map[string]*sessionState),
	}
	if e.defaultProvider == "" {
		e.defaultProvider = "anthropic"
	}
	if e.executor != nil {
		e.executor.OnPlanProgress = e.onPlanProgress
	}
	return e
}

func (e *Engine) state(sessionID string, create bool) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok && create {
		st = &sessionState{ledger: NewLedger()}
		e.sessions[sessionID] = st
	}
	return st
}

// HandleMessage starts a turn for an inbound agent:message. The turn runs on
// its own goroutine; an in-flight turn for the session is cancelled first.
func (e *Engine) HandleMessage(ctx context.Context, sink Sink, msg models.ClientMessage, deviceID string) {
	if strings.TrimSpace(msg.Content) == "" {
		e.sendError(ctx, sink, msg.SessionID, ErrNoContent, "message content is required")
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		id, err := e.store.CreateSession(ctx, msg.WorkingDir, msg.MaxMode != nil && *msg.MaxMode)
		if err != nil {
			e.sendError(ctx, sink, "", ErrSessionNotFound, err.Error())
			return
		}
		sessionID = id
	} else if _, err := e.store.GetSnapshot(ctx, sessionID); err != nil {
		e.sendError(ctx, sink, sessionID, ErrSessionNotFound, "unknown session: "+sessionID)
		return
	}

	adapter, err := e.pickAdapter(msg.Provider, msg.APIKey)
	if err != nil {
		e.sendError(ctx, sink, sessionID, ErrUnknownProvider, err.Error())
		return
	}

	st := e.state(sessionID, true)
	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	st.mu.Unlock()
	st.wg.Wait()
	st.ledger.Clear()
	st.clearInputErrors()

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.mu.Lock()
	st.cancel = cancel
	st.sink = sink
	st.adapter = adapter
	st.mu.Unlock()

	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		defer cancel()
		e.runTurn(turnCtx, st, sessionID, msg, deviceID, adapter)
	}()
}

func (e *Engine) pickAdapter(provider, apiKey string) (providers.Adapter, error) {
	name := provider
	if name == "" {
		name = e.defaultProvider
	}
	if apiKey != "" && e.adapterFactory != nil {
		return e.adapterFactory(name, apiKey)
	}
	adapter, ok := e.adapters[name]
	if !ok {
		return nil, &providers.ProviderError{
			Reason:   providers.ReasonInvalidRequest,
			Provider: name,
			Message:  "no adapter configured for provider " + name,
		}
	}
	return adapter, nil
}

func (e *Engine) runTurn(ctx context.Context, st *sessionState, sessionID string, msg models.ClientMessage, deviceID string, adapter providers.Adapter) {
	ctx = observability.WithSessionID(ctx, sessionID)
	ctx = observability.WithTurnID(ctx, uuid.NewString())
	e.store.MarkActive(sessionID, true)
	defer e.store.MarkActive(sessionID, false)

	snap, err := e.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		e.sendError(ctx, st.sink, sessionID, ErrSessionNotFound, err.Error())
		return
	}
	workingDir := msg.WorkingDir
	if workingDir == "" {
		workingDir = snap.WorkingDir
	}
	maxMode := snap.MaxMode
	if msg.MaxMode != nil {
		maxMode = *msg.MaxMode
	}

	if deviceID != "" {
		if err := e.store.SetInitiator(ctx, sessionID, deviceID); err != nil {
			e.logger.Warn(ctx, "record initiator failed", "error", err.Error())
		}
	}

	userMsg := models.TextMessage(uuid.NewString(), models.RoleUser, msg.Content)
	if err := e.store.RecordUserMessage(ctx, sessionID, userMsg, workingDir, maxMode); err != nil {
		e.sendError(ctx, st.sink, sessionID, ErrSessionNotFound, err.Error())
		return
	}
	e.sendStatus(ctx, st, sessionID, models.PhaseStarting)

	if snap.Title == "" {
		title := deriveTitle(ctx, adapter, msg.Content)
		if err := e.store.UpdateTitle(ctx, sessionID, title); err != nil {
			e.logger.Warn(ctx, "persist title failed", "error", err.Error())
		}
		e.send(ctx, st, sessionID, func(env *models.Envelope) {
			env.Type = models.TypeTitle
			env.Title = title
		})
	}
	e.sendStatus(ctx, st, sessionID, models.PhaseReady)

	if snap.ProjectContext == nil && e.loadContext != nil {
		if pc := e.loadContext(workingDir); pc != nil {
			if err := e.store.SetProjectContext(ctx, sessionID, pc); err != nil {
				e.logger.Warn(ctx, "persist project context failed", "error", err.Error())
			}
		}
	}

	e.streamLoop(ctx, st, sessionID, workingDir, maxMode, adapter)
}

// streamLoop opens provider streams until the turn reaches a terminal phase
// or parks in awaiting_tool. Tool-result continuations and auto-mode both
// re-enter here.
func (e *Engine) streamLoop(ctx context.Context, st *sessionState, sessionID, workingDir string, maxMode bool, adapter providers.Adapter) {
	for {
		snap, err := e.store.GetSnapshot(ctx, sessionID)
		if err != nil {
			e.sendError(ctx, st.sink, sessionID, ErrSessionNotFound, err.Error())
			return
		}

		req := &providers.Request{
			SessionID:          sessionID,
			System:             composeSystemPrompt(workingDir, time.Now(), e.catalog, snap.ProjectContext),
			Conversation:       snap.Conversation,
			Tools:              e.toolDefs(),
			PreviousResponseID: snap.PreviousResponseID,
		}

		stream, err := adapter.Stream(ctx, req)
		if err != nil {
			e.failTurn(ctx, st, sessionID, err)
			return
		}
		e.sendStatus(ctx, st, sessionID, models.PhaseStreaming)

		st.mu.Lock()
		st.streaming = true
		st.mu.Unlock()
		e.forwardEvents(ctx, st, sessionID, maxMode, stream)
		st.mu.Lock()
		st.streaming = false
		st.mu.Unlock()

		res := stream.Result()
		switch res.StopReason {
		case models.StopToolUse:
			if res.FinalMessage != nil {
				e.persistAssistant(ctx, sessionID, *res.FinalMessage)
			}
			if res.ResponseID != "" {
				e.commitHandle(ctx, sessionID, res.ResponseID)
			}
			e.persistPending(ctx, sessionID, st)

			group := res.ResponseID
			if st.ledger.Len() > 0 && st.ledger.IsGroupResolved(group) {
				if entries := st.ledger.DrainGroup(group); len(entries) > 0 {
					// The whole group was pre-decided: auto mode, or requests
					// whose input never parsed.
					e.sendStatus(ctx, st, sessionID, models.PhaseToolRunning)
					e.resolveGroup(ctx, st, sessionID, workingDir, entries)
					e.sendStatus(ctx, st, sessionID, models.PhaseContinuing)
					continue
				}
			}
			e.sendStatus(ctx, st, sessionID, models.PhaseAwaitingTool)
			return

		case models.StopEndTurn, models.StopMaxTokens, models.StopStopSequence:
			if res.FinalMessage != nil {
				e.persistAssistant(ctx, sessionID, *res.FinalMessage)
			}
			if res.ResponseID != "" {
				e.commitHandle(ctx, sessionID, res.ResponseID)
			}
			e.persistPending(ctx, sessionID, st)
			e.sendComplete(ctx, st, sessionID, res.FinalMessage)
			e.finishTurn(ctx, st, sessionID, models.PhaseCompleted)
			e.notifyCompletion(ctx, sessionID)
			return

		case models.StopPauseTurn:
			// The continuation handle survives so resumption can pick up.
			if res.FinalMessage != nil {
				e.persistAssistant(ctx, sessionID, *res.FinalMessage)
			}
			if res.ResponseID != "" {
				e.commitHandle(ctx, sessionID, res.ResponseID)
			}
			e.sendComplete(ctx, st, sessionID, res.FinalMessage)
			e.finishTurn(ctx, st, sessionID, models.PhasePaused)
			return

		case models.StopAborted:
			// Keep what streamed; never commit a handle from an aborted
			// response.
			if res.FinalMessage != nil {
				e.persistAssistant(ctx, sessionID, *res.FinalMessage)
			}
			st.ledger.Clear()
			st.clearInputErrors()
			e.persistPending(ctx, sessionID, st)
			e.sendComplete(ctx, st, sessionID, res.FinalMessage)
			e.finishTurn(ctx, st, sessionID, models.PhaseStopped)
			return

		default:
			e.failTurn(ctx, st, sessionID, res.Err)
			return
		}
	}
}

// forwardEvents relays normalized events to the client, tracks the
// streaming/reasoning phase flip, and enqueues tool requests.
func (e *Engine) forwardEvents(ctx context.Context, st *sessionState, sessionID string, maxMode bool, stream *providers.Stream) {
	phase := models.PhaseStreaming
	for ev := range stream.Events {
		switch ev.Type {
		case models.EventReasoningDelta:
			if phase != models.PhaseReasoning {
				phase = models.PhaseReasoning
				e.sendStatus(ctx, st, sessionID, phase)
			}
		case models.EventTextDelta:
			if phase != models.PhaseStreaming {
				phase = models.PhaseStreaming
				e.sendStatus(ctx, st, sessionID, phase)
			}
		case models.EventToolUse:
			e.enqueueToolUse(ctx, st, sessionID, maxMode, ev.ToolUse)
		}

		event := ev
		e.send(ctx, st, sessionID, func(env *models.Envelope) {
			env.Type = models.TypeStreamEvent
			env.StreamEvent = &event
		})
	}
}

func (e *Engine) enqueueToolUse(ctx context.Context, st *sessionState, sessionID string, maxMode bool, use *models.ToolUseEvent) {
	if use == nil {
		return
	}
	pending := models.PendingToolRequest{
		ID:          use.ID,
		Name:        use.Name,
		Input:       use.Input,
		Description: use.Description,
		ResponseID:  use.ResponseID,
		Decision:    models.DecisionUndecided,
	}
	auto := maxMode && e.catalog.AutoApprovable(use.Name, use.Input)
	if use.InputError != "" {
		// Unparseable input resolves as an errored execution; there is
		// nothing meaningful for the user to approve.
		st.noteInputError(use.ID, use.InputError)
		auto = true
	}
	if auto {
		pending.Decision = models.DecisionApproved
	}
	st.ledger.Enqueue(pending)

	if !auto {
		e.send(ctx, st, sessionID, func(env *models.Envelope) {
			env.Type = models.TypeToolRequest
			env.ToolRequest = &models.ToolRequest{
				ID:          use.ID,
				Name:        use.Name,
				Input:       use.Input,
				Description: use.Description,
			}
		})
	}
}

// HandleToolResponse records one approval decision and, once the group is
// fully decided, executes it and continues the turn.
func (e *Engine) HandleToolResponse(ctx context.Context, sink Sink, msg models.ClientMessage) {
	sessionID := msg.SessionID
	if msg.ToolResponse == nil || msg.ToolResponse.ID == "" {
		e.sendError(ctx, sink, sessionID, ErrToolRequestNotFound, "tool response requires an id")
		return
	}
	st := e.state(sessionID, false)
	if st == nil {
		e.sendError(ctx, sink, sessionID, ErrSessionNotFound, "unknown session: "+sessionID)
		return
	}
	st.mu.Lock()
	st.sink = sink
	adapter := st.adapter
	st.mu.Unlock()

	if !st.ledger.Decide(msg.ToolResponse.ID, msg.ToolResponse.Approved) {
		e.sendError(ctx, sink, sessionID, ErrToolRequestNotFound, "no pending tool request with id "+msg.ToolResponse.ID)
		return
	}
	group, _ := st.ledger.GroupOf(msg.ToolResponse.ID)
	e.persistPending(ctx, sessionID, st)

	if !st.ledger.IsGroupResolved(group) {
		e.sendStatus(ctx, st, sessionID, models.PhaseAwaitingTool)
		return
	}

	// The drain is the arbiter: a duplicate decision racing this one finds the
	// group empty and must not start a second stream.
	entries := st.ledger.DrainGroup(group)
	if len(entries) == 0 {
		return
	}

	snap, err := e.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		e.sendError(ctx, sink, sessionID, ErrSessionNotFound, err.Error())
		return
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		defer cancel()
		tctx := observability.WithSessionID(turnCtx, sessionID)
		e.store.MarkActive(sessionID, true)
		defer e.store.MarkActive(sessionID, false)

		e.sendStatus(tctx, st, sessionID, models.PhaseToolRunning)
		e.resolveGroup(tctx, st, sessionID, snap.WorkingDir, entries)
		e.sendStatus(tctx, st, sessionID, models.PhaseContinuing)
		e.streamLoop(tctx, st, sessionID, snap.WorkingDir, snap.MaxMode, adapter)
	}()
}

// resolveGroup executes an approved group in emission order and appends the
// single user message carrying every tool result.
func (e *Engine) resolveGroup(ctx context.Context, st *sessionState, sessionID, workingDir string, entries []models.PendingToolRequest) {
	results := make([]models.ContentBlock, 0, len(entries))
	for _, entry := range entries {
		var output string
		var isError bool
		if msg, ok := st.takeInputError(entry.ID); ok {
			output, isError = msg, true
			e.executor.RecordInvalidInput(entry.Name)
		} else if entry.Decision == models.DecisionApproved {
			output, isError = e.executor.Run(ctx, sessionID, workingDir, entry)
		} else {
			output, isError = tools.RejectedOutput, true
			e.executor.RecordRejection(entry.Name)
		}

		out := models.ToolOutput{
			ID:        uuid.NewString(),
			ToolUseID: entry.ID,
			Name:      entry.Name,
			Output:    output,
			IsError:   isError,
			Input:     entry.Input,
		}
		e.send(ctx, st, sessionID, func(env *models.Envelope) {
			env.Type = models.TypeToolOutput
			env.ToolOutput = &out
			env.Message = output
		})

		results = append(results, models.ContentBlock{
			Type:      models.BlockToolResult,
			ToolUseID: entry.ID,
			Content:   output,
			IsError:   isError,
		})
	}

	toolMsg := models.ToolResultMessage(uuid.NewString(), results)
	if err := e.store.RecordToolOutputMessage(ctx, sessionID, toolMsg); err != nil {
		e.logger.Error(ctx, "persist tool results failed", "error", err.Error())
	}
	e.persistPending(ctx, sessionID, st)
}

// HandleStop cancels the session's in-flight turn and voids its pending
// tool requests.
func (e *Engine) HandleStop(ctx context.Context, sink Sink, sessionID string) {
	st := e.state(sessionID, false)
	if st == nil {
		e.sendError(ctx, sink, sessionID, ErrSessionNotFound, "unknown session: "+sessionID)
		return
	}
	st.mu.Lock()
	st.sink = sink
	cancel := st.cancel
	streaming := st.streaming
	st.mu.Unlock()

	st.ledger.Clear()
	st.clearInputErrors()
	e.persistPending(ctx, sessionID, st)

	if cancel != nil {
		cancel()
	}
	if !streaming {
		// No adapter stream to abort (e.g. cancel while awaiting_tool); the
		// turn goroutine is not around to report the stop.
		e.finishTurn(ctx, st, sessionID, models.PhaseStopped)
	}
}

// GenerateTitle serves the one-shot agent:generate_title and HTTP title
// endpoints.
func (e *Engine) GenerateTitle(ctx context.Context, provider, content string) string {
	adapter, err := e.pickAdapter(provider, "")
	if err != nil {
		return fallbackTitle(content)
	}
	return deriveTitle(ctx, adapter, content)
}

func (e *Engine) toolDefs() []providers.ToolDef {
	descriptors := e.catalog.All()
	defs := make([]providers.ToolDef, 0, len(descriptors))
	for _, d := range descriptors {
		defs = append(defs, providers.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.Schema,
		})
	}
	return defs
}

func (e *Engine) persistAssistant(ctx context.Context, sessionID string, msg models.Message) {
	if err := e.store.RecordAssistantFinalMessage(ctx, sessionID, msg); err != nil {
		e.logger.Error(ctx, "persist assistant message failed", "error", err.Error())
	}
}

func (e *Engine) commitHandle(ctx context.Context, sessionID, handle string) {
	if err := e.store.SetPreviousResponseID(ctx, sessionID, handle); err != nil {
		e.logger.Error(ctx, "persist continuation handle failed", "error", err.Error())
	}
}

func (e *Engine) persistPending(ctx context.Context, sessionID string, st *sessionState) {
	if err := e.store.SetPendingTools(ctx, sessionID, st.ledger.Pending()); err != nil {
		e.logger.Error(ctx, "persist pending tools failed", "error", err.Error())
	}
}

func (e *Engine) sendStatus(ctx context.Context, st *sessionState, sessionID string, phase models.Phase) {
	if err := e.store.RecordStatus(ctx, sessionID, phase); err != nil {
		e.logger.Warn(ctx, "persist phase failed", "phase", string(phase), "error", err.Error())
	}
	e.send(ctx, st, sessionID, func(env *models.Envelope) {
		env.Type = models.TypeStatus
		env.Phase = phase
	})
}

func (e *Engine) sendComplete(ctx context.Context, st *sessionState, sessionID string, final *models.Message) {
	e.send(ctx, st, sessionID, func(env *models.Envelope) {
		env.Type = models.TypeStreamComplete
		env.FinalMessage = final
	})
}

// finishTurn emits the terminal status and counts the turn.
func (e *Engine) finishTurn(ctx context.Context, st *sessionState, sessionID string, phase models.Phase) {
	e.sendStatus(ctx, st, sessionID, phase)
	if e.metrics != nil {
		e.metrics.TurnCounter.WithLabelValues(string(phase)).Inc()
	}
}

// failTurn reports an adapter failure. Token-limit errors flip the phase
// without an agent:error; everything else surfaces to the client.
func (e *Engine) failTurn(ctx context.Context, st *sessionState, sessionID string, err error) {
	st.ledger.Clear()
	st.clearInputErrors()
	e.persistPending(ctx, sessionID, st)

	if err != nil && providers.IsTokenLimit(err) {
		e.logger.Warn(ctx, "token limit reached", "error", err.Error())
		e.finishTurn(ctx, st, sessionID, models.PhaseError)
		return
	}

	msg := "provider stream failed"
	if err != nil {
		msg = err.Error()
	}
	e.sendError(ctx, st.sink, sessionID, ErrAdapterStream, msg)
	e.finishTurn(ctx, st, sessionID, models.PhaseError)
}

// send stamps the per-session sequence and delivers one envelope. A refused
// send cancels the turn: the gateway only refuses on disconnect.
func (e *Engine) send(ctx context.Context, st *sessionState, sessionID string, fill func(*models.Envelope)) {
	st.mu.Lock()
	sink := st.sink
	st.mu.Unlock()
	if sink == nil {
		return
	}
	env := models.NewEnvelope(sessionID, "")
	if seq, err := e.store.NextSeq(ctx, sessionID); err == nil {
		env.Seq = seq
	}
	fill(env)
	if !sink.Send(env) {
		e.logger.Warn(ctx, "envelope send refused, cancelling turn")
		st.mu.Lock()
		cancel := st.cancel
		st.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// sendError emits an agent:error envelope outside any session turn state.
func (e *Engine) sendError(ctx context.Context, sink Sink, sessionID, code, message string) {
	if sink == nil {
		return
	}
	env := models.NewEnvelope(sessionID, models.TypeError)
	if sessionID != "" {
		if seq, err := e.store.NextSeq(ctx, sessionID); err == nil {
			env.Seq = seq
		}
	}
	env.Error = &models.WireError{Code: code, Message: message}
	sink.Send(env)
	if e.logger != nil {
		e.logger.Warn(ctx, "agent error", "code", code, "error", message)
	}
}

// onPlanProgress pushes work-plan notifications to the initiator device.
func (e *Engine) onPlanProgress(ctx context.Context, sessionID string, progress *models.PlanProgress) {
	snap, err := e.store.GetSnapshot(ctx, sessionID)
	if err != nil || snap.InitiatorDeviceID == "" || e.push == nil {
		return
	}
	n := push.Notification{
		DeviceID:  snap.InitiatorDeviceID,
		SessionID: sessionID,
		Title:     snap.Title,
		Kind:      progress.Kind,
		StepIndex: progress.StepIndex(),
		Total:     progress.Total,
		TaskTitle: truncateTaskTitle(progress.TaskTitle()),
	}
	e.dispatchPush(ctx, n)
}

// notifyCompletion pushes a terminal notification for sessions without a
// work plan; plan-carrying sessions already announced completion through the
// plan tool.
func (e *Engine) notifyCompletion(ctx context.Context, sessionID string) {
	snap, err := e.store.GetSnapshot(ctx, sessionID)
	if err != nil || snap.InitiatorDeviceID == "" || e.push == nil || snap.WorkPlan != nil {
		return
	}
	e.dispatchPush(ctx, push.Notification{
		DeviceID:  snap.InitiatorDeviceID,
		SessionID: sessionID,
		Title:     snap.Title,
		Kind:      "completed",
	})
}

func (e *Engine) dispatchPush(ctx context.Context, n push.Notification) {
	status := "ok"
	if err := e.push.Send(ctx, n); err != nil {
		status = "error"
		e.logger.Warn(ctx, "push dispatch failed", "kind", n.Kind, "error", err.Error())
	}
	if e.metrics != nil {
		e.metrics.PushCounter.WithLabelValues(n.Kind, status).Inc()
	}
}

func truncateTaskTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= taskTitleLimit {
		return s
	}
	return string(runes[:taskTitleLimit-1]) + "…"
}
