package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agentcloud/workspace/internal/agent"
	"github.com/agentcloud/workspace/internal/models"
)

// DockerBackend runs each sandbox as one container on the local daemon.
//
// Isolation profile: no network namespace, read-only rootfs, writable tmpfs
// at /tmp and /workspace scratch, all capabilities dropped then the four the
// agent needs re-added, no-new-privileges, uid 1000. The agent listens on a
// unix socket inside a per-container directory bind-mounted from the host;
// the credential-injection proxy publishes its own socket into the same
// directory so the sandbox's only path out is through it.
type DockerBackend struct {
	cli       *client.Client
	image     string
	socketDir string
	seccomp   string
	apparmor  string
	startupTO time.Duration
}

// DockerOptions configures the local backend.
type DockerOptions struct {
	Image           string
	SocketDir       string
	SeccompProfile  string
	ApparmorProfile string
	StartupTimeout  time.Duration
}

// NewDockerBackend connects to the local daemon.
func NewDockerBackend(opts DockerOptions) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = 2 * time.Minute
	}
	return &DockerBackend{
		cli:       cli,
		image:     opts.Image,
		socketDir: opts.SocketDir,
		seccomp:   opts.SeccompProfile,
		apparmor:  opts.ApparmorProfile,
		startupTO: opts.StartupTimeout,
	}, nil
}

func (b *DockerBackend) ManagerType() models.ManagerType { return models.ManagerLocal }

// agentSocket returns the host-side path of a sandbox's agent socket.
func (b *DockerBackend) agentSocket(id string) string {
	return filepath.Join(b.socketDir, id, "agent.sock")
}

// Create starts the sandbox container and waits for the agent to come up.
func (b *DockerBackend) Create(ctx context.Context, id, conversationID string) (*models.Container, error) {
	sockDir := filepath.Join(b.socketDir, id)
	if err := os.MkdirAll(sockDir, 0o770); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	securityOpt := []string{"no-new-privileges:true"}
	if b.seccomp != "" {
		securityOpt = append(securityOpt, "seccomp="+b.seccomp)
	}
	if b.apparmor != "" {
		securityOpt = append(securityOpt, "apparmor="+b.apparmor)
	}

	pidsLimit := int64(256)
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "SETUID", "SETGID", "DAC_OVERRIDE"},
		SecurityOpt:    securityOpt,
		Binds:          []string{sockDir + ":/var/run/agent"},
		Tmpfs: map[string]string{
			"/tmp":       "rw,noexec,nosuid,size=256m",
			"/workspace": "rw,nosuid,size=1g",
			"/home/agent/.cache": "rw,nosuid,size=256m",
		},
		Resources: container.Resources{
			NanoCPUs:  2_000_000_000, // 2.0 CPU
			Memory:    2 * 1024 * 1024 * 1024,
			PidsLimit: &pidsLimit,
		},
	}

	cfg := &container.Config{
		Image: b.image,
		User:  "1000:1000",
		Env: []string{
			"AGENT_TRANSPORT=uds",
			"AGENT_SOCKET=/var/run/agent/agent.sock",
			"HTTP_PROXY=unix:///var/run/agent/proxy.sock",
			"HTTPS_PROXY=unix:///var/run/agent/proxy.sock",
		},
		Labels: map[string]string{
			LabelWorkspace:    "true",
			LabelContainerID:  id,
			LabelConversation: conversationID,
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, "workspace-"+id)
	if err != nil {
		return nil, fmt.Errorf("docker create %s: %w", id, err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		b.removeQuiet(resp.ID)
		return nil, fmt.Errorf("docker start %s: %w", id, err)
	}

	c := &models.Container{
		ID:             id,
		ConversationID: conversationID,
		State:          models.StateCreating,
		Endpoint:       b.agentSocket(id),
		ManagerType:    models.ManagerLocal,
		CreatedAt:      time.Now(),
		LastUsedAt:     time.Now(),
	}

	ready, err := b.WaitForAgentReady(ctx, c, b.startupTO)
	if err != nil || !ready {
		logs, _ := b.GetLogs(context.Background(), id, 50)
		b.removeQuiet(resp.ID)
		reason := "agent readiness timeout"
		if err != nil {
			reason = err.Error()
		}
		return nil, &StartupError{ContainerID: id, Reason: reason, Logs: logs, Cause: err}
	}

	c.State = models.StateIdle
	slog.Info("Sandbox created", "container_id", id, "conversation_id", conversationID, "backend", "local")
	return c, nil
}

// Destroy stops and removes the container. An id the daemon no longer knows
// logs a warning and succeeds.
func (b *DockerBackend) Destroy(ctx context.Context, c *models.Container, grace time.Duration) error {
	name := "workspace-" + c.ID
	seconds := int(grace.Seconds())
	if err := b.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Warn("Destroy of unknown container", "container_id", c.ID)
		} else {
			slog.Warn("Container stop failed, forcing removal", "container_id", c.ID, "error", err)
		}
	}
	if err := b.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("docker remove %s: %w", c.ID, err)
	}
	os.RemoveAll(filepath.Join(b.socketDir, c.ID))
	slog.Info("Sandbox destroyed", "container_id", c.ID, "backend", "local")
	return nil
}

func (b *DockerBackend) removeQuiet(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = b.cli.ContainerRemove(ctx, ref, types.ContainerRemoveOptions{Force: true})
}

// IsHealthy inspects the container; with checkAgent it also round-trips the
// agent's /health.
func (b *DockerBackend) IsHealthy(ctx context.Context, c *models.Container, checkAgent bool) bool {
	inspect, err := b.cli.ContainerInspect(ctx, "workspace-"+c.ID)
	if err != nil || !inspect.State.Running {
		return false
	}
	if !checkAgent {
		return true
	}
	return agent.NewClient(c.Endpoint).Health(ctx) == nil
}

// Exec runs a command through the docker exec API so it works even when the
// agent itself is wedged.
func (b *DockerBackend) Exec(ctx context.Context, c *models.Container, cmd []string) (int, string, error) {
	out, code, err := b.execCapture(ctx, c.ID, cmd)
	return code, string(out), err
}

// ExecBinary is Exec without text conversion.
func (b *DockerBackend) ExecBinary(ctx context.Context, c *models.Container, cmd []string) (int, []byte, error) {
	out, code, err := b.execCapture(ctx, c.ID, cmd)
	return code, out, err
}

func (b *DockerBackend) execCapture(ctx context.Context, id string, cmd []string) ([]byte, int, error) {
	name := "workspace-" + id
	execResp, err := b.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		User:         "1000:1000",
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, -1, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, -1, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return stdout.Bytes(), -1, fmt.Errorf("exec inspect: %w", err)
	}
	out := stdout.Bytes()
	if inspect.ExitCode != 0 && stderr.Len() > 0 {
		out = append(out, stderr.Bytes()...)
	}
	return out, inspect.ExitCode, nil
}

// ListWorkspaceContainers enumerates containers with the workspace label,
// including stopped ones so GC can reap crash leftovers.
func (b *DockerBackend) ListWorkspaceContainers(ctx context.Context) ([]ContainerSummary, error) {
	f := filters.NewArgs(filters.Arg("label", LabelWorkspace+"=true"))
	list, err := b.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker list: %w", err)
	}
	out := make([]ContainerSummary, 0, len(list))
	for _, item := range list {
		out = append(out, ContainerSummary{
			ID:             item.Labels[LabelContainerID],
			State:          item.State,
			CreatedAt:      time.Unix(item.Created, 0),
			ConversationID: item.Labels[LabelConversation],
		})
	}
	return out, nil
}

// WaitForAgentReady polls /health every 500ms. Early container death is
// detected via inspect and stops the wait immediately.
func (b *DockerBackend) WaitForAgentReady(ctx context.Context, c *models.Container, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	cli := agent.NewClient(c.Endpoint)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		if cli.Health(ctx) == nil {
			return true, nil
		}
		inspect, err := b.cli.ContainerInspect(ctx, "workspace-"+c.ID)
		if err != nil {
			return false, fmt.Errorf("inspect during readiness wait: %w", err)
		}
		if !inspect.State.Running {
			return false, fmt.Errorf("container exited during startup (code %d)", inspect.State.ExitCode)
		}
	}
	return false, nil
}

// GetLogs tails the container log. Docker multiplexes stdout and stderr on
// one stream; stdcopy splits them back apart.
func (b *DockerBackend) GetLogs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := b.cli.ContainerLogs(ctx, "workspace-"+id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("docker logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	if stderr.Len() > 0 {
		stdout.WriteString("\n--- stderr ---\n")
		stdout.Write(stderr.Bytes())
	}
	return strings.TrimSpace(stdout.String()), nil
}
