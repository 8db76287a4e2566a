// Package lifecycle abstracts how workspace sandboxes are created, probed,
// and destroyed. Two implementations exist: DockerBackend runs one container
// per sandbox on the local daemon, ECSBackend launches a task (agent +
// credential-proxy sidecar) on a remote cluster. The orchestrator, warm
// pool, and GC depend only on the Backend interface.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/agentcloud/workspace/internal/models"
)

// ContainerSummary is one row of a backend listing, used by the GC orphan
// scan and the diagnostics endpoint.
type ContainerSummary struct {
	ID             string
	State          string
	CreatedAt      time.Time
	ConversationID string
	TaskHandle     string
}

// Backend is the capability set shared by the local and remote runtimes.
type Backend interface {
	// Create starts a sandbox and blocks until its agent answers /health,
	// or fails with a *StartupError on timeout or early termination.
	Create(ctx context.Context, id, conversationID string) (*models.Container, error)

	// Destroy stops and removes the sandbox. Idempotent: a second call on
	// the same id succeeds with a warning.
	Destroy(ctx context.Context, c *models.Container, grace time.Duration) error

	// IsHealthy is a cheap status check. With checkAgent it also performs
	// an HTTP /health round-trip to the in-sandbox agent.
	IsHealthy(ctx context.Context, c *models.Container, checkAgent bool) bool

	// Exec runs a command inside the sandbox, returning exit code and text
	// output. ExecBinary returns raw bytes for file transfer.
	Exec(ctx context.Context, c *models.Container, cmd []string) (int, string, error)
	ExecBinary(ctx context.Context, c *models.Container, cmd []string) (int, []byte, error)

	// ListWorkspaceContainers enumerates every live sandbox carrying the
	// workspace label, whether or not the KV knows about it.
	ListWorkspaceContainers(ctx context.Context) ([]ContainerSummary, error)

	// WaitForAgentReady polls the agent's /health until it passes, the
	// timeout elapses, or the backend reports the sandbox terminated.
	WaitForAgentReady(ctx context.Context, c *models.Container, timeout time.Duration) (bool, error)

	// GetLogs tails the sandbox's log output for diagnostics.
	GetLogs(ctx context.Context, id string, tail int) (string, error)

	// ManagerType identifies which implementation this is.
	ManagerType() models.ManagerType
}

// StartupError reports a sandbox that never became ready. Logs carries the
// tail of the sandbox output when it could be fetched.
type StartupError struct {
	ContainerID string
	Reason      string
	Logs        string
	Cause       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("container %s failed to start: %s", e.ContainerID, e.Reason)
}

func (e *StartupError) Unwrap() error { return e.Cause }

// Labels every backend applies so a replica or a future process can recover
// ownership of running sandboxes.
const (
	LabelWorkspace    = "workspace"
	LabelContainerID  = "container_id"
	LabelConversation = "conversation_id"
)
