package models

import "encoding/json"

// StreamEventType identifies a normalized streaming event. Adapters translate
// vendor event models into this vocabulary; it is the only one downstream
// components and the wire see.
type StreamEventType string

const (
	EventMessageStart   StreamEventType = "message_start"
	EventTextDelta      StreamEventType = "text_delta"
	EventTextEnd        StreamEventType = "text_end"
	EventReasoningDelta StreamEventType = "reasoning_delta"
	EventReasoningEnd   StreamEventType = "reasoning_end"
	EventToolUse        StreamEventType = "tool_use"
	EventUsage          StreamEventType = "usage"
	EventMessageStop    StreamEventType = "message_stop"
)

// StopReason is the terminal outcome of a provider stream.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
	StopPauseTurn    StopReason = "pause_turn"
	StopAborted      StopReason = "aborted"
	StopError        StopReason = "error"
)

// Terminal reports whether the stop reason ends the whole turn rather than
// handing control to the tool loop.
func (r StopReason) Terminal() bool {
	return r != StopToolUse
}

// ToolUseEvent carries a normalized tool request emitted mid-stream.
// InputError is set when the provider streamed arguments that do not parse as
// JSON; Input is then sanitized to an empty object and the request resolves as
// an errored execution without user approval.
type ToolUseEvent struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input"`
	Description string          `json:"description,omitempty"`
	ResponseID  string          `json:"responseId,omitempty"`
	InputError  string          `json:"inputError,omitempty"`
}

// Usage reports token consumption for one provider response.
type Usage struct {
	InputTokens     int `json:"input"`
	OutputTokens    int `json:"output"`
	ReasoningTokens int `json:"reasoning,omitempty"`
}

// StreamEvent is one normalized event. MessageID is set on message_start;
// Text carries text and reasoning deltas; Signature rides reasoning_end;
// ToolUse rides tool_use; StopReason and Error ride message_stop.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	MessageID  string          `json:"messageId,omitempty"`
	Text       string          `json:"text,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	ToolUse    *ToolUseEvent   `json:"toolUse,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	StopReason StopReason      `json:"stopReason,omitempty"`
	Error      string          `json:"error,omitempty"`
}
