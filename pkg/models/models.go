package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest describes one capability invocation requested by the
// assistant. ID correlates the request with the tool message that carries
// its result.
type ToolCallRequest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolCallRequests is stored as a JSON column in SQLite.
type ToolCallRequests []ToolCallRequest

func (t ToolCallRequests) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

func (t *ToolCallRequests) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, t)
}

// Message is one entry in a conversation log. Messages are immutable once
// created and ordered by creation within a conversation.
//
// Role-specific fields: ToolCalls is set only on assistant messages that
// request capability invocations; ToolCallID and ToolName are set only on
// tool messages and correlate the result with the requesting call.
type Message struct {
	ID             int64            `json:"id" db:"id"`
	ConversationID string           `json:"conversation_id" db:"conversation_id"`
	Role           Role             `json:"role" db:"role"`
	Content        string           `json:"content" db:"content"`
	ToolCalls      ToolCallRequests `json:"tool_calls,omitempty" db:"tool_calls"`
	ToolCallID     string           `json:"tool_call_id,omitempty" db:"tool_call_id"`
	ToolName       string           `json:"tool_name,omitempty" db:"tool_name"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// RequestsTools reports whether this assistant message carries pending
// capability calls.
func (m *Message) RequestsTools() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Conversation is the persistent container for a message log. State holds
// the last-known orchestration state as an opaque blob; storage never
// interprets it.
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	State     string    `json:"state" db:"state"`
	LastStep  int64     `json:"last_step" db:"last_step"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CapabilityDescriptor describes one tool exposed by an MCP server. The
// input schema is passed through to the generator and the gateway verbatim.
type CapabilityDescriptor struct {
	Name        string          `json:"name"`
	ServerName  string          `json:"server_name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CapabilityCallResult is the outcome of executing one capability call.
type CapabilityCallResult struct {
	CallID   string        `json:"call_id"`
	Content  string        `json:"content,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the call produced a failure instead of a payload.
func (r *CapabilityCallResult) Failed() bool {
	return r.Error != ""
}

// ToolCallRecord is the audit row written for every executed capability
// call. The orchestration loop records it but never reads it back.
type ToolCallRecord struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	CallID         string    `json:"call_id" db:"call_id"`
	ToolName       string    `json:"tool_name" db:"tool_name"`
	ServerName     string    `json:"server_name" db:"server_name"`
	Arguments      JSONMap   `json:"arguments" db:"arguments"`
	Result         *string   `json:"result,omitempty" db:"result"`
	Error          *string   `json:"error,omitempty" db:"error"`
	DurationMs     int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// JSONMap is a custom type for handling JSON objects in SQLite
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}
