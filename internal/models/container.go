// Package models holds the shared domain types of the workspace service:
// container records, the streamed event taxonomy, and the stream error
// taxonomy. Every other package depends on these; models depends on nothing.
package models

import "time"

// ContainerState is the lifecycle state of a workspace sandbox.
type ContainerState string

const (
	StateCreating ContainerState = "creating"
	StateWarm     ContainerState = "warm"
	StateIdle     ContainerState = "idle"
	StateBusy     ContainerState = "busy"
	StateDraining ContainerState = "draining"
	StateDead     ContainerState = "dead"
)

// ManagerType selects which lifecycle backend owns a container.
type ManagerType string

const (
	ManagerLocal  ManagerType = "local"
	ManagerRemote ManagerType = "remote"
)

// Container is the shared-KV record for a live sandbox. The Redis hash under
// workspace:container:{conversation_id} is the source of truth across
// orchestrator replicas; the in-memory copy is only valid while the holder
// owns the conversation lock.
type Container struct {
	ID             string         `json:"container_id" redis:"container_id"`
	ConversationID string         `json:"conversation_id" redis:"conversation_id"`
	State          ContainerState `json:"state" redis:"state"`
	// Endpoint is a unix socket path for the local backend or host:port for
	// the remote backend.
	Endpoint    string      `json:"endpoint" redis:"endpoint"`
	ManagerType ManagerType `json:"manager_type" redis:"manager_type"`
	// TaskHandle is the remote scheduler's task ARN; empty for local.
	TaskHandle string    `json:"task_handle,omitempty" redis:"task_handle"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Conversation mirrors the catalog row the orchestrator consults for the
// context gate and accumulates usage into. CRUD on conversations lives in a
// separate service; only the columns used here are mapped.
type Conversation struct {
	ID                    string     `db:"id"`
	TenantID              string     `db:"tenant_id"`
	SessionID             string     `db:"session_id"`
	Status                string     `db:"status"`
	Title                 string     `db:"title"`
	ModelID               string     `db:"model_id"`
	ContextWindow         int64      `db:"context_window"`
	TotalInputTokens      int64      `db:"total_input_tokens"`
	TotalOutputTokens     int64      `db:"total_output_tokens"`
	EstimatedContextToken int64      `db:"estimated_context_tokens"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             *time.Time `db:"updated_at"`
}

// MessageType classifies a persisted message-log row.
type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageSystem     MessageType = "system"
	MessageResult     MessageType = "result"
)

// MessageLog is one persisted event row. Seq is allocated by the database on
// insert and is gap-free per conversation.
type MessageLog struct {
	ID             string      `db:"id"`
	ConversationID string      `db:"conversation_id"`
	Seq            int64       `db:"seq"`
	Type           MessageType `db:"type"`
	Content        string      `db:"content"`
	CreatedAt      time.Time   `db:"created_at"`
}

// UsageLog is written once per execution at done-event time.
type UsageLog struct {
	ID                  string    `db:"id"`
	ConversationID      string    `db:"conversation_id"`
	InputTokens         int64     `db:"input_tokens"`
	OutputTokens        int64     `db:"output_tokens"`
	CacheCreationTokens int64     `db:"cache_creation_tokens"`
	CacheReadTokens     int64     `db:"cache_read_tokens"`
	ModelUsageJSON      string    `db:"model_usage"`
	CostUSD             float64   `db:"cost_usd"`
	DurationMS          int64     `db:"duration_ms"`
	TurnCount           int       `db:"turn_count"`
	CreatedAt           time.Time `db:"created_at"`
}

// FileSource records who produced a workspace file version.
type FileSource string

const (
	SourceUserUpload FileSource = "user_upload"
	SourceAICreated  FileSource = "ai_created"
	SourceAIModified FileSource = "ai_modified"
)

// WorkspaceFile is the DB record of one object-store file. Bytes live in the
// object store; this row carries the metadata and the presentation flag.
type WorkspaceFile struct {
	ID             string     `db:"id"`
	ConversationID string     `db:"conversation_id"`
	Path           string     `db:"path"`
	Size           int64      `db:"size"`
	ContentType    string     `db:"content_type"`
	Source         FileSource `db:"source"`
	Checksum       string     `db:"checksum"`
	// IsPresented is set only when the agent explicitly called the reserved
	// present_files tool for this path, never inferred from directory layout.
	IsPresented bool      `db:"is_presented"`
	CreatedAt   time.Time `db:"created_at"`
}

// Attachment describes one uploaded file accompanying an execution request.
// Filename carries a collision-proof identifier suffix; OriginalName is only
// for display.
type Attachment struct {
	Filename             string `json:"filename"`
	OriginalName         string `json:"original_name"`
	RelativePath         string `json:"relative_path"`
	OriginalRelativePath string `json:"original_relative_path"`
	ContentType          string `json:"content_type"`
	Size                 int64  `json:"size"`
	Data                 []byte `json:"-"`
}

// ProxyRule maps an outbound host pattern to a header template. ${name}
// placeholders in header values are substituted from the execution's
// ephemeral token map before the request is proxied.
type ProxyRule struct {
	HostPattern string            `json:"host_pattern"`
	Headers     map[string]string `json:"headers"`
}
