package protocol

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one entry of a session's history. Sequence numbers are
// assigned by memory and never reused within a session.
type Message struct {
	Seq       int64             `json:"seq"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	At        time.Time         `json:"at"`
	CallID    string            `json:"call_id,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
}

type ToolDescriptor struct {
	Name             string         `json:"name"`
	Tool             string         `json:"tool"`
	Server           string         `json:"server"`
	ConnectionID     string         `json:"connection_id"`
	Description      string         `json:"description,omitempty"`
	InputSchema      map[string]any `json:"input_schema,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	Enabled          bool           `json:"enabled"`
}

type ToolCallRequest struct {
	CallID    string         `json:"call_id"`
	Session   string         `json:"session,omitempty"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type CallStatus string

const (
	StatusSuccess  CallStatus = "success"
	StatusError    CallStatus = "error"
	StatusRejected CallStatus = "rejected"
	StatusTimeout  CallStatus = "timeout"
)

// ToolCallResult is produced once per request and never modified.
type ToolCallResult struct {
	CallID   string          `json:"call_id"`
	Tool     string          `json:"tool"`
	Server   string          `json:"server,omitempty"`
	Status   CallStatus      `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
	Attempts int             `json:"attempts"`
	Partials []string        `json:"partials,omitempty"`
	At       time.Time       `json:"at"`
}

// Content renders the result the way it is shown to the model.
func (r ToolCallResult) Content() string {
	if r.Status == StatusSuccess {
		var text string
		if err := json.Unmarshal(r.Payload, &text); err == nil {
			return text
		}
		return string(r.Payload)
	}
	return "error (" + string(r.Status) + "): " + r.Error
}

type SeqRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type MemorySummary struct {
	ID         int64     `json:"id"`
	Covers     SeqRange  `json:"covers"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	Superseded bool      `json:"superseded"`
}

type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateReady      ConnState = "ready"
	StateDegraded   ConnState = "degraded"
	StateClosed     ConnState = "closed"
)

// Exposes reports whether tools of a connection in this state may be
// shown to the model.
func (s ConnState) Exposes() bool {
	return s == StateReady || s == StateDegraded
}
