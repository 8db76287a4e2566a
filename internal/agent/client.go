// Package agent is the HTTP client for the process running inside a sandbox.
// The agent exposes GET /health, POST /execute (newline-delimited JSON
// events), and POST /exec plus /exec/binary for synchronous commands.
//
// Local-backend sandboxes are reached over a unix socket bind-mounted out of
// the container; remote sandboxes over the task's private TCP address. The
// endpoint string distinguishes the two: an absolute path means unix socket.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to one sandbox's agent.
type Client struct {
	baseURL string
	http    *http.Client
}

// maxEventBytes caps a single NDJSON event line. Tool results can carry
// large previews; 10 MiB matches the agent's own output cap.
const maxEventBytes = 10 << 20

// NewClient builds a client for the given endpoint. Endpoints beginning with
// "/" are unix socket paths; anything else is host:port.
func NewClient(endpoint string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	baseURL := "http://" + endpoint
	if strings.HasPrefix(endpoint, "/") {
		socketPath := endpoint
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
		// Host is ignored by the unix dialer but must parse as a URL.
		baseURL = "http://agent"
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
	}
}

// Health performs one GET /health round-trip.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health: status %d", resp.StatusCode)
	}
	return nil
}

// ExecuteRequest is the payload for POST /execute.
type ExecuteRequest struct {
	UserInput       string            `json:"user_input"`
	SessionID       string            `json:"session_id,omitempty"`
	AllowedTools    []string          `json:"allowed_tools,omitempty"`
	Model           string            `json:"model,omitempty"`
	EphemeralTokens map[string]string `json:"ephemeral_tokens,omitempty"`
}

// Event is one decoded NDJSON frame from the agent's execute stream. Fields
// beyond Type stay raw so the bridge forwards exactly what the agent said.
type Event struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// EventStream reads the agent's execute response. Close releases the
// underlying connection; the decoder stops at EOF or a malformed line.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next event or io.EOF when the agent closed the stream.
func (s *EventStream) Next() (*Event, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed agent event: %w", err)
		}
		ev.Raw = append(json.RawMessage(nil), line...)
		return &ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the response body.
func (s *EventStream) Close() error { return s.body.Close() }

// Execute opens the streaming execute request. The returned stream stays
// valid until Close, independent of the request context's deadline because
// executions can outlive any single read timeout.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*EventStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent execute: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent execute: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	return &EventStream{body: resp.Body, scanner: scanner}, nil
}

type execRequest struct {
	Cmd []string `json:"cmd"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Exec runs a command synchronously inside the sandbox and returns its exit
// code and combined text output.
func (c *Client) Exec(ctx context.Context, cmd []string) (int, string, error) {
	out, code, err := c.exec(ctx, "/exec", cmd)
	return code, string(out), err
}

// ExecBinary runs a command via /exec/binary, whose output field is always
// base64 so arbitrary bytes survive the JSON envelope. Used for moving file
// contents in and out of the sandbox.
func (c *Client) ExecBinary(ctx context.Context, cmd []string) (int, []byte, error) {
	out, code, err := c.exec(ctx, "/exec/binary", cmd)
	if err != nil {
		return code, nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(string(out))
	if err != nil {
		return code, nil, fmt.Errorf("exec binary output is not base64: %w", err)
	}
	return code, decoded, nil
}

func (c *Client) exec(ctx context.Context, path string, cmd []string) ([]byte, int, error) {
	body, err := json.Marshal(execRequest{Cmd: cmd})
	if err != nil {
		return nil, -1, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, -1, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, -1, fmt.Errorf("agent exec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, -1, fmt.Errorf("agent exec: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var er execResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, -1, fmt.Errorf("decode exec response: %w", err)
	}
	return []byte(er.Output), er.ExitCode, nil
}

type fileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
	Mode    string `json:"mode,omitempty"`
}

type fileReadResponse struct {
	Content string `json:"content"` // base64
}

// WriteFile places a file inside the sandbox workspace via the agent's
// file-write RPC. Parent directories are created by the agent.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	body, err := json.Marshal(fileWriteRequest{
		Path:    path,
		Content: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/write", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent write file: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("agent write file %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// ReadFile fetches a file's bytes from inside the sandbox.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/read", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent read file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent read file %s: status %d", path, resp.StatusCode)
	}
	var fr fileReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("decode file read response: %w", err)
	}
	return base64.StdEncoding.DecodeString(fr.Content)
}
