package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies a content block within a message.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockThinking         BlockType = "thinking"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
	BlockServerToolUse    BlockType = "server_tool_use"
	BlockServerToolResult BlockType = "server_tool_result"
	BlockCitation         BlockType = "citation"
)

// ContentBlock is a typed sub-element of a message. Which fields are
// meaningful depends on Type: text blocks carry Text, thinking blocks carry
// Thinking and an optional provider Signature, tool_use blocks carry ID,
// Name and Input, and tool_result blocks carry ToolUseID, Content and
// IsError.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	// Citation metadata for server-side search results.
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Message is one entry in a session's conversation. User messages contain
// either a single text block or a list of tool_result blocks; assistant
// messages contain any mix of text, thinking and tool_use blocks.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// Conversation is the ordered message history of a session.
type Conversation struct {
	Messages []Message `json:"messages"`
}

// TextMessage builds a plain-text user or assistant message.
func TextMessage(id string, role Role, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// ToolResultMessage builds the single user message that answers a group of
// tool_use blocks. Block order must match tool emission order.
func ToolResultMessage(id string, results []ContentBlock) Message {
	return Message{
		ID:        id,
		Role:      RoleUser,
		Content:   results,
		CreatedAt: time.Now(),
	}
}

// ToolUses returns the tool_use blocks of the message in emission order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// PlainText concatenates the text blocks of the message.
func (m Message) PlainText() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
