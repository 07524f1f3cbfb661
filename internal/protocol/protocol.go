package protocol

import "time"

type Request struct {
	Action    string            `json:"action"`
	Name      string            `json:"name,omitempty"`
	Server    string            `json:"server,omitempty"`
	Tool      string            `json:"tool,omitempty"`
	Session   string            `json:"session,omitempty"`
	Text      string            `json:"text,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Alias     string            `json:"alias,omitempty"`
	URL       string            `json:"url,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Command   []string          `json:"command,omitempty"`
	Env       []string          `json:"env,omitempty"`
	Args      map[string]any    `json:"args,omitempty"`
}

type ServerInfo struct {
	Name      string    `json:"name"`
	Alias     string    `json:"alias,omitempty"`
	URL       string    `json:"url,omitempty"`
	Transport string    `json:"transport"`
	Command   []string  `json:"command,omitempty"`
	Env       []string  `json:"env,omitempty"`
	State     ConnState `json:"state"`
	ToolCount int       `json:"tool_count"`
	Error     string    `json:"error,omitempty"`
}

type PropertyDetail struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Const       string   `json:"const,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
}

type ToolDetail struct {
	Server      string           `json:"server"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Properties  []PropertyDetail `json:"properties,omitempty"`
}

type Collision struct {
	Tool      string `json:"tool"`
	Server    string `json:"server"`
	ExposedAs string `json:"exposed_as"`
	Winner    string `json:"winner"`
}

type Status struct {
	StartedAt       time.Time `json:"started_at"`
	UptimeSec       int64     `json:"uptime_sec"`
	ServerCount     int       `json:"server_count"`
	ToolCount       int       `json:"tool_count"`
	RegistryVersion uint64    `json:"registry_version"`
	Sessions        int       `json:"sessions"`
	PendingApproval int       `json:"pending_approvals"`
	SinkDropped     uint64    `json:"sink_dropped"`
	Watchers        int       `json:"watchers"`
}

type HistoryItem struct {
	At         time.Time      `json:"at"`
	CallID     string         `json:"call_id,omitempty"`
	Session    string         `json:"session,omitempty"`
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Status     CallStatus     `json:"status"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	DurationMs int64          `json:"duration_ms"`
}

type PendingApproval struct {
	CallID      string         `json:"call_id"`
	Session     string         `json:"session,omitempty"`
	Tool        string         `json:"tool"`
	Server      string         `json:"server"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

type MemoryInfo struct {
	Session       string          `json:"session"`
	MessageCount  int             `json:"message_count"`
	ContextSize   int             `json:"context_size"`
	Threshold     int             `json:"threshold"`
	Unit          string          `json:"unit"`
	SummaryCount  int             `json:"summary_count"`
	Truncations   int             `json:"truncations"`
	ActiveSummary *MemorySummary  `json:"active_summary,omitempty"`
	Summaries     []MemorySummary `json:"summaries,omitempty"`
}

// Event is pushed to websocket subscribers.
type Event struct {
	Kind     string           `json:"kind"`
	At       time.Time        `json:"at"`
	Session  string           `json:"session,omitempty"`
	Approval *PendingApproval `json:"approval,omitempty"`
	Message  *Message         `json:"message,omitempty"`
	Version  uint64           `json:"version,omitempty"`
	Server   string           `json:"server,omitempty"`
	Tool     string           `json:"tool,omitempty"`
	Text     string           `json:"text,omitempty"`
}

type Response struct {
	OK         bool              `json:"ok"`
	Error      string            `json:"error,omitempty"`
	Status     *Status           `json:"status,omitempty"`
	Servers    []ServerInfo      `json:"servers,omitempty"`
	Tools      []ToolDescriptor  `json:"tools,omitempty"`
	Collisions []Collision       `json:"collisions,omitempty"`
	History    []HistoryItem     `json:"history,omitempty"`
	ToolDetail *ToolDetail       `json:"tool_detail,omitempty"`
	Result     *ToolCallResult   `json:"result,omitempty"`
	Messages   []Message         `json:"messages,omitempty"`
	Pending    []PendingApproval `json:"pending,omitempty"`
	Memory     *MemoryInfo       `json:"memory,omitempty"`
	Session    string            `json:"session,omitempty"`
	Text       string            `json:"text,omitempty"`
	Calls      []ToolCallResult  `json:"calls,omitempty"`
	Iterations int               `json:"iterations,omitempty"`
	Capped     bool              `json:"capped,omitempty"`
}
