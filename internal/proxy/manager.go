package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcloud/workspace/internal/models"
)

// Manager abstracts where the credential-injection proxy runs relative to a
// sandbox. The local backend co-locates it in this process; the remote
// backend talks to a sidecar inside the task.
type Manager interface {
	// Start makes the proxy available to the sandbox before its first
	// request. No-op for the sidecar, which the scheduler started.
	Start(ctx context.Context, c *models.Container) error

	// InstallRules pushes the execution-scoped MCP rules and token map.
	InstallRules(ctx context.Context, c *models.Container, rules []models.ProxyRule, tokens map[string]string) error

	// Restart tears the proxy down and brings it back, used by the local
	// backend's connection-error recovery.
	Restart(ctx context.Context, c *models.Container) error

	// Stop releases per-container proxy resources.
	Stop(c *models.Container)
}

// =========================================================================
// In-process (local backend)
// =========================================================================

// InProcessProxy runs one proxy listener per sandbox on a unix socket in
// the sandbox's bind-mounted socket directory.
type InProcessProxy struct {
	opts      Options
	socketDir string

	mu      sync.Mutex
	servers map[string]*inprocServer
}

type inprocServer struct {
	proxy  *Proxy
	server *http.Server
}

// NewInProcessProxy builds the co-located manager.
func NewInProcessProxy(socketDir string, opts Options) *InProcessProxy {
	return &InProcessProxy{
		opts:      opts,
		socketDir: socketDir,
		servers:   make(map[string]*inprocServer),
	}
}

func (m *InProcessProxy) socketPath(id string) string {
	return filepath.Join(m.socketDir, id, "proxy.sock")
}

// Start listens on the sandbox's proxy socket.
func (m *InProcessProxy) Start(_ context.Context, c *models.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.servers[c.ID]; running {
		return nil
	}

	path := m.socketPath(c.ID)
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen proxy socket: %w", err)
	}
	// The sandbox runs as uid 1000; it must be able to connect.
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod proxy socket: %w", err)
	}

	p := New(m.opts)
	srv := &http.Server{Handler: p.Handler()}
	m.servers[c.ID] = &inprocServer{proxy: p, server: srv}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("In-process proxy stopped", "container_id", c.ID, "error", err)
		}
	}()
	slog.Info("In-process proxy started", "container_id", c.ID, "socket", path)
	return nil
}

// InstallRules updates the co-located proxy directly.
func (m *InProcessProxy) InstallRules(_ context.Context, c *models.Container, rules []models.ProxyRule, tokens map[string]string) error {
	m.mu.Lock()
	s, ok := m.servers[c.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no proxy running for container %s", c.ID)
	}
	s.proxy.UpdateRules(rules, tokens)
	return nil
}

// Restart recreates the listener, clearing any wedged connections.
func (m *InProcessProxy) Restart(ctx context.Context, c *models.Container) error {
	m.Stop(c)
	return m.Start(ctx, c)
}

// Stop closes the per-container server and removes its socket.
func (m *InProcessProxy) Stop(c *models.Container) {
	m.mu.Lock()
	s, ok := m.servers[c.ID]
	delete(m.servers, c.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	os.Remove(m.socketPath(c.ID))
}

// =========================================================================
// Sidecar (remote backend)
// =========================================================================

// SidecarProxy talks to the proxy container running inside each remote
// task. Rules travel over the task's private network to the sidecar's admin
// endpoint.
type SidecarProxy struct {
	adminEndpoint func(c *models.Container) string
	http          *http.Client
}

// NewSidecarProxy builds the remote manager. adminEndpoint maps a container
// to its sidecar's host:port.
func NewSidecarProxy(adminEndpoint func(c *models.Container) string) *SidecarProxy {
	return &SidecarProxy{
		adminEndpoint: adminEndpoint,
		http:          &http.Client{Timeout: 10 * time.Second},
	}
}

// Start is a no-op: the scheduler launched the sidecar with the task.
func (m *SidecarProxy) Start(_ context.Context, _ *models.Container) error { return nil }

// InstallRules POSTs the rules to the sidecar admin endpoint.
func (m *SidecarProxy) InstallRules(ctx context.Context, c *models.Container, rules []models.ProxyRule, tokens map[string]string) error {
	payload, err := json.Marshal(updateRulesRequest{Rules: rules, Tokens: tokens})
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	url := fmt.Sprintf("http://%s/admin/update-rules", m.adminEndpoint(c))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("push rules to sidecar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar rejected rules: status %d", resp.StatusCode)
	}
	return nil
}

// Restart is not supported remotely; the orchestrator replaces the whole
// container instead.
func (m *SidecarProxy) Restart(_ context.Context, c *models.Container) error {
	return fmt.Errorf("sidecar proxy for %s cannot be restarted in place", c.ID)
}

// Stop is a no-op: the sidecar dies with its task.
func (m *SidecarProxy) Stop(_ *models.Container) {}
