// Package providers adapts vendor LLM streaming APIs onto one normalized
// event stream. Two adapter families exist: the blocks adapter (content-block
// deltas, full conversation replay per turn) and the response adapter
// (response ids as continuation handles, incremental input). The turn engine
// is written once against the normalized vocabulary in pkg/models.
package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/tether/pkg/models"
)

// ToolDef is a provider-facing tool definition built from the catalog.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request describes one provider turn.
type Request struct {
	SessionID string
	Model     string

	// System is the composed system prompt for this turn.
	System string

	// Conversation is the full transcript. The blocks adapter replays it
	// verbatim; the response adapter sends only messages newer than the
	// continuation point when PreviousResponseID is set.
	Conversation models.Conversation

	Tools []ToolDef

	// PreviousResponseID is the opaque continuation handle from the last
	// committed response. Empty means send the full conversation.
	PreviousResponseID string

	MaxTokens int
}

// StreamResult is available after the event channel closes.
type StreamResult struct {
	StopReason models.StopReason

	// ResponseID is the new continuation handle, set only when the response
	// completed. Aborted and errored streams leave it empty.
	ResponseID string

	// FinalMessage is the complete assistant message, synthesized from
	// accumulated blocks when the transport does not hand one back.
	FinalMessage *models.Message

	Usage models.Usage

	// Err is set when StopReason is error.
	Err error
}

// Stream is one in-flight provider response. Consume Events until it closes,
// then read Result.
type Stream struct {
	Events <-chan models.StreamEvent

	events chan models.StreamEvent
	result *StreamResult
}

// NewStream builds the producer side of a stream. Adapters emit events onto
// it from their own goroutine and seal it with Finish.
func NewStream() *Stream {
	ch := make(chan models.StreamEvent)
	return &Stream{Events: ch, events: ch}
}

// Emit sends one event unless the consumer's context is gone.
func (s *Stream) Emit(ctx context.Context, ev models.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records the result and closes the event channel. Must be called
// exactly once, after the last Emit.
func (s *Stream) Finish(res *StreamResult) {
	s.result = res
	close(s.events)
}

// Result returns the terminal outcome. Only valid after Events has closed.
func (s *Stream) Result() *StreamResult {
	if s.result == nil {
		return &StreamResult{StopReason: models.StopError, Err: ErrStreamNotFinished}
	}
	return s.result
}

// Adapter is a provider backend emitting normalized events.
type Adapter interface {
	// Name returns the provider identifier used for routing and metrics.
	Name() string

	// Stream opens one streaming turn. The returned stream's event channel
	// closes when the turn reaches a terminal state; cancellation of ctx
	// aborts the underlying request and yields stop reason aborted.
	Stream(ctx context.Context, req *Request) (*Stream, error)

	// GenerateTitle produces a short session title from the first user
	// message. Failures fall back to deterministic derivation in the engine.
	GenerateTitle(ctx context.Context, content string) (string, error)
}
