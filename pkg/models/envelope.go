package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the outbound wire protocol version.
const EnvelopeVersion = 1

// Outbound payload types.
const (
	TypeStatus         = "agent:status"
	TypeTitle          = "agent:title"
	TypeStreamEvent    = "agent:stream_event"
	TypeToolRequest    = "agent:tool_request"
	TypeToolOutput     = "agent:tool_output"
	TypeStreamComplete = "agent:stream_complete"
	TypeError          = "agent:error"
)

// Inbound message types.
const (
	TypeAgentMessage  = "agent:message"
	TypeToolResponse  = "agent:tool_response"
	TypeStop          = "agent:stop"
	TypeGenerateTitle = "agent:generate_title"
)

// ToolRequest is the wire shape of a pending tool request shown to the user
// for approval.
type ToolRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input"`
	Description string          `json:"description,omitempty"`
}

// ToolOutput is the wire shape of one executed (or rejected) tool result.
type ToolOutput struct {
	ID        string          `json:"id"`
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Output    string          `json:"output"`
	IsError   bool            `json:"isError"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// WireError is the payload of an agent:error envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope wraps every outbound message for a session. Seq is strictly
// increasing per session.
type Envelope struct {
	V             int    `json:"v"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
	SessionID     string `json:"sessionId"`
	TS            int64  `json:"ts"`
	Seq           int64  `json:"seq"`
	Type          string `json:"type"`

	Phase        Phase        `json:"phase,omitempty"`
	Title        string       `json:"title,omitempty"`
	StreamEvent  *StreamEvent `json:"streamEvent,omitempty"`
	ToolRequest  *ToolRequest `json:"toolRequest,omitempty"`
	ToolOutput   *ToolOutput  `json:"toolOutput,omitempty"`
	Message      string       `json:"message,omitempty"`
	FinalMessage *Message     `json:"finalMessage,omitempty"`
	Error        *WireError   `json:"error,omitempty"`
}

// NewEnvelope creates an envelope shell for the session; the caller fills the
// payload and stamps Seq before sending.
func NewEnvelope(sessionID, payloadType string) *Envelope {
	return &Envelope{
		V:         EnvelopeVersion,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TS:        time.Now().UnixMilli(),
		Type:      payloadType,
	}
}

// ToolResponseBody is the inbound decision for one pending tool request.
type ToolResponseBody struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// ClientMessage is the inbound envelope on the client channel.
type ClientMessage struct {
	Type         string            `json:"type"`
	SessionID    string            `json:"sessionId,omitempty"`
	Content      string            `json:"content,omitempty"`
	WorkingDir   string            `json:"workingDir,omitempty"`
	MaxMode      *bool             `json:"maxMode,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	APIKey       string            `json:"apiKey,omitempty"`
	ToolResponse *ToolResponseBody `json:"toolResponse,omitempty"`
}
