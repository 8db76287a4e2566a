package models

import "encoding/json"

// EventType enumerates the streamed event taxonomy. The agent inside the
// sandbox produces most of these; ping, title, context_status and error are
// minted by the orchestrator.
type EventType string

const (
	EventInit          EventType = "init"
	EventAssistant     EventType = "assistant"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventSubagentStart EventType = "subagent_start"
	EventSubagentEnd   EventType = "subagent_end"
	EventProgress      EventType = "progress"
	EventTitle         EventType = "title"
	EventPing          EventType = "ping"
	EventContextStatus EventType = "context_status"
	EventDone          EventType = "done"
	EventError         EventType = "error"
	// EventContainerRecovered is emitted once when a dead sandbox was
	// replaced mid-request.
	EventContainerRecovered EventType = "container_recovered"
)

// Event is one frame on the client stream. Seq is strictly increasing per
// conversation, starting at 1. Data is the already-serialized payload so the
// bridge never re-marshals what the agent produced.
type Event struct {
	Type EventType       `json:"type"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// InitPayload is the first event of every stream.
type InitPayload struct {
	SessionID string   `json:"session_id"`
	Tools     []string `json:"tools"`
	Model     string   `json:"model"`
}

// PingPayload keeps idle streams alive.
type PingPayload struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

// ContextWarningLevel grades context-window pressure.
type ContextWarningLevel string

const (
	ContextNormal   ContextWarningLevel = "normal"
	ContextWarning  ContextWarningLevel = "warning"
	ContextCritical ContextWarningLevel = "critical"
	ContextBlocked  ContextWarningLevel = "blocked"
)

// ContextStatusPayload is emitted once, immediately before done.
type ContextStatusPayload struct {
	CurrentTokens int64               `json:"current_tokens"`
	MaxTokens     int64               `json:"max_tokens"`
	UsagePercent  float64             `json:"usage_percent"`
	WarningLevel  ContextWarningLevel `json:"warning_level"`
}

// WarningLevelFor grades a usage ratio. The 95% threshold matches the
// pre-flight context gate: a conversation at or past it is blocked.
func WarningLevelFor(percent float64) ContextWarningLevel {
	switch {
	case percent >= 95:
		return ContextBlocked
	case percent >= 85:
		return ContextCritical
	case percent >= 70:
		return ContextWarning
	default:
		return ContextNormal
	}
}

// ModelUsage is the per-model token breakdown inside a done event.
type ModelUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
}

// DonePayload terminates a successful (or agent-failed) stream.
type DonePayload struct {
	Status        string                `json:"status"` // success, error, cancelled
	Result        string                `json:"result,omitempty"`
	Usage         map[string]ModelUsage `json:"usage"`
	CostUSD       float64               `json:"cost_usd"`
	TurnCount     int                   `json:"turn_count"`
	DurationMS    int64                 `json:"duration_ms"`
	SessionID     string                `json:"session_id"`
	InputTokens   int64                 `json:"input_tokens"`
	OutputTokens  int64                 `json:"output_tokens"`
	CacheCreation int64                 `json:"cache_creation_tokens"`
	CacheRead     int64                 `json:"cache_read_tokens"`
}

// TitlePayload carries the generated conversation title, at most once per
// conversation on its first turn.
type TitlePayload struct {
	Title string `json:"title"`
}

// ErrorPayload terminates a failed stream.
type ErrorPayload struct {
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
