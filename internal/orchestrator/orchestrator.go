// Package orchestrator routes an execution request to a live sandbox and
// bridges the in-sandbox agent's event stream back to the caller. It
// enforces at most one in-flight execution per conversation via the shared
// KV lock, resolves containers through the warm pool, synchronizes the
// workspace around the execution, and owns the recovery flows when a
// sandbox dies mid-request.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentcloud/workspace/internal/agent"
	"github.com/agentcloud/workspace/internal/db"
	"github.com/agentcloud/workspace/internal/filesync"
	"github.com/agentcloud/workspace/internal/lifecycle"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
	"github.com/agentcloud/workspace/internal/proxy"
	"github.com/agentcloud/workspace/internal/store"
	"github.com/agentcloud/workspace/internal/warmpool"
)

// Executor identifies the human on whose behalf the agent runs.
type Executor struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	EmployeeID string `json:"employee_id,omitempty"`
}

// Request is one streamed execution.
type Request struct {
	TenantID        string
	ConversationID  string
	UserInput       string
	Executor        Executor
	Tokens          map[string]string
	ProxyRules      []models.ProxyRule
	AllowedTools    []string
	PreferredSkills []string
	Attachments     []models.Attachment
}

// TitleGenerator produces a short conversation title from the first turn.
// Implementations block; the orchestrator offloads the call.
type TitleGenerator interface {
	Generate(ctx context.Context, userInput, resultPreview string) (string, error)
}

// Options carries the orchestrator's tunables.
type Options struct {
	HeartbeatInterval time.Duration // default 10s
	EventTimeout      time.Duration // default 5m
	TitleTimeout      time.Duration // default 20s
	DestroyGrace      time.Duration // default 10s
}

// Orchestrator wires the components of the request path together.
type Orchestrator struct {
	store    *store.Store
	db       *db.DB
	backend  lifecycle.Backend
	pool     *warmpool.Pool
	syncer   *filesync.Syncer
	proxyMgr proxy.Manager
	titles   TitleGenerator
	metrics  *metrics.Metrics
	opts     Options

	// newAgent is swappable for tests.
	newAgent func(endpoint string) *agent.Client
}

// New builds an Orchestrator.
func New(st *store.Store, database *db.DB, backend lifecycle.Backend, pool *warmpool.Pool,
	syncer *filesync.Syncer, proxyMgr proxy.Manager, titles TitleGenerator,
	m *metrics.Metrics, opts Options) *Orchestrator {

	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.EventTimeout == 0 {
		opts.EventTimeout = 5 * time.Minute
	}
	if opts.TitleTimeout == 0 {
		opts.TitleTimeout = 20 * time.Second
	}
	if opts.DestroyGrace == 0 {
		opts.DestroyGrace = 10 * time.Second
	}
	return &Orchestrator{
		store:    st,
		db:       database,
		backend:  backend,
		pool:     pool,
		syncer:   syncer,
		proxyMgr: proxyMgr,
		titles:   titles,
		metrics:  m,
		opts:     opts,
		newAgent: agent.NewClient,
	}
}

// Execute starts the streamed execution and returns the event channel. The
// channel is closed after the terminal event. clientCtx only governs
// delivery: its cancellation stops the client from receiving events, never
// the execution itself.
func (o *Orchestrator) Execute(clientCtx context.Context, req *Request) <-chan models.Event {
	out := make(chan models.Event, 1)
	go o.run(clientCtx, req, out)
	return out
}

func (o *Orchestrator) run(clientCtx context.Context, req *Request, out chan models.Event) {
	// The execution must survive client disconnects; everything below uses
	// a context detached from the request's.
	ctx := context.WithoutCancel(clientCtx)
	b := newBridge(clientCtx, out, o.db, o.metrics, req.ConversationID)
	// The heartbeat covers the whole request, including the quiet stretches
	// before dispatch (cold container create, workspace pull) and after the
	// terminal event (title generation). Stopped before the channel closes.
	stopHeartbeat := b.startHeartbeat(o.opts.HeartbeatInterval)
	defer b.close()
	defer stopHeartbeat()

	started := time.Now()
	status := "error"
	defer func() {
		o.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
		o.metrics.ExecutionDuration.WithLabelValues(string(o.backend.ManagerType())).
			Observe(time.Since(started).Seconds())
	}()

	// Step 1: conversation lock.
	token, err := o.store.AcquireLock(ctx, req.ConversationID)
	if errors.Is(err, store.ErrLockHeld) {
		b.fail(models.ErrConversationLocked(req.ConversationID))
		return
	}
	if err != nil {
		b.fail(models.NewStreamError(models.ErrTypeBackgroundExecution, true, "lock acquire failed: %v", err))
		return
	}
	defer func() {
		if err := o.store.ReleaseLock(ctx, req.ConversationID, token); err != nil {
			slog.Error("Lock release failed", "conversation_id", req.ConversationID, "error", err)
		}
	}()

	// Step 2: context gate.
	conv, err := o.db.GetConversation(ctx, req.ConversationID)
	if err != nil {
		b.fail(models.NewStreamError(models.ErrTypeOptions, false, "conversation lookup failed: %v", err))
		return
	}
	if conv.ContextWindow > 0 &&
		conv.EstimatedContextToken*100 >= conv.ContextWindow*95 {
		b.fail(models.ErrContextLimitExceeded(conv.EstimatedContextToken, conv.ContextWindow))
		return
	}

	// Step 3: resolve a container.
	c, err := o.resolveContainer(ctx, req.ConversationID)
	if err != nil {
		var startErr *lifecycle.StartupError
		if errors.As(err, &startErr) {
			slog.Error("Sandbox startup failed", "conversation_id", req.ConversationID,
				"reason", startErr.Reason, "logs", startErr.Logs)
		}
		b.fail(models.NewStreamError(models.ErrTypeExecution, true, "sandbox unavailable: %v", err))
		return
	}

	c.State = models.StateBusy
	c.LastUsedAt = time.Now()
	if err := o.store.SaveContainer(ctx, c); err != nil {
		b.fail(models.NewStreamError(models.ErrTypeBackgroundExecution, true, "container registration failed: %v", err))
		o.destroy(ctx, c, "failure")
		return
	}

	// Steps 4-5: workspace in, proxy rules, skills.
	if err := o.prepareSandbox(ctx, req, c); err != nil {
		b.fail(models.NewStreamError(models.ErrTypeBackgroundExecution, true, "%v", err))
		o.destroy(ctx, c, "failure")
		return
	}

	b.persist(ctx, models.MessageUser, req.UserInput)

	// Step 6: dispatch, with one recovery attempt on connection failure.
	stream, recovered, err := o.dispatch(ctx, b, req, conv, &c)
	if err != nil {
		b.fail(models.NewStreamError(models.ErrTypeExecution, true, "agent dispatch failed: %v", err))
		o.destroy(ctx, c, "failure")
		return
	}
	if recovered {
		// The turn is surfaced as a failed done so the client can retry
		// cleanly against the replacement sandbox.
		o.finishRecovered(ctx, b, conv, c)
		status = "recovered"
		o.release(ctx, c)
		return
	}
	defer stream.Close()

	// Step 7-8: pump events until the terminal one, refreshing the lock
	// periodically so it outlives slow agent turns.
	refreshLock := func() {
		if err := o.store.RefreshLock(ctx, req.ConversationID, token); err != nil {
			slog.Warn("Lock refresh failed", "conversation_id", req.ConversationID, "error", err)
		}
	}
	result := o.pump(ctx, b, stream, conv, req, refreshLock)
	status = result.status

	// Step 9: workspace out. Failures surface after done as background
	// errors; the terminal event has already been delivered.
	if result.completed {
		if _, err := o.syncer.Push(ctx, req.TenantID, req.ConversationID, c, result.presented); err != nil {
			slog.Error("Workspace push failed", "conversation_id", req.ConversationID, "error", err)
			b.emitJSON(models.EventError, models.ErrorPayload{
				ErrorType: models.ErrTypeBackgroundTask,
				Message:   fmt.Sprintf("workspace sync failed: %v", err),
			})
		}
	}

	// Step 10: release or reap.
	switch result.status {
	case "timeout":
		o.destroy(ctx, c, "timeout")
	case "error":
		// Unrecoverable agent-side failure: never recycle the sandbox.
		o.destroy(ctx, c, "failure")
	default:
		o.release(ctx, c)
	}
}

// resolveContainer implements the KV-hit / warm-pool / direct-create ladder.
func (o *Orchestrator) resolveContainer(ctx context.Context, conversationID string) (*models.Container, error) {
	if c, err := o.store.GetContainer(ctx, conversationID); err == nil {
		if o.backend.IsHealthy(ctx, c, true) {
			if err := o.store.TouchContainer(ctx, conversationID, c.ID, c.TaskHandle != ""); err != nil {
				slog.Warn("TTL refresh failed", "container_id", c.ID, "error", err)
			}
			return c, nil
		}
		slog.Warn("Registered container unhealthy, replacing",
			"conversation_id", conversationID, "container_id", c.ID)
		o.destroy(ctx, c, "failure")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	c, err := o.pool.Acquire(ctx)
	if errors.Is(err, warmpool.ErrEmpty) {
		c, err = o.backend.Create(ctx, uuid.NewString(), conversationID)
		if err != nil {
			return nil, err
		}
		o.metrics.ContainersCreated.WithLabelValues(string(o.backend.ManagerType())).Inc()
	} else if err != nil {
		return nil, err
	}
	c.ConversationID = conversationID
	return c, nil
}

// prepareSandbox installs proxy rules, pulls the workspace and attachments,
// and syncs the requested skill bundles.
func (o *Orchestrator) prepareSandbox(ctx context.Context, req *Request, c *models.Container) error {
	if err := o.proxyMgr.Start(ctx, c); err != nil {
		return fmt.Errorf("proxy start: %w", err)
	}
	if err := o.proxyMgr.InstallRules(ctx, c, req.ProxyRules, req.Tokens); err != nil {
		return fmt.Errorf("proxy rule install: %w", err)
	}
	if err := o.syncer.Pull(ctx, req.TenantID, req.ConversationID, c, req.Attachments); err != nil {
		return fmt.Errorf("workspace pull: %w", err)
	}
	if len(req.PreferredSkills) > 0 {
		if err := o.syncer.PullSkills(ctx, req.TenantID, req.PreferredSkills, c); err != nil {
			// Skills are additive; a failed bundle degrades, not fails, the turn.
			slog.Warn("Skill sync failed", "conversation_id", req.ConversationID, "error", err)
		}
	}
	return nil
}

// dispatch opens the agent's execute stream. On connection error the local
// backend first retries through a proxy restart; if the sandbox itself is
// dead (either backend), a replacement container is brought up and
// container_recovered emitted. recovered=true means the caller must finish
// the turn as a failed done on the fresh container.
func (o *Orchestrator) dispatch(ctx context.Context, b *bridge, req *Request, conv *models.Conversation, cp **models.Container) (*agent.EventStream, bool, error) {
	execReq := &agent.ExecuteRequest{
		UserInput:       req.UserInput,
		SessionID:       conv.SessionID,
		AllowedTools:    req.AllowedTools,
		Model:           conv.ModelID,
		EphemeralTokens: req.Tokens,
	}

	c := *cp
	stream, err := o.newAgent(c.Endpoint).Execute(ctx, execReq)
	if err == nil {
		return stream, false, nil
	}
	slog.Warn("Agent connection failed", "container_id", c.ID, "error", err)

	if o.backend.ManagerType() == models.ManagerLocal {
		if rerr := o.proxyMgr.Restart(ctx, c); rerr == nil {
			if stream, err = o.newAgent(c.Endpoint).Execute(ctx, execReq); err == nil {
				slog.Info("Recovered via proxy restart", "container_id", c.ID)
				return stream, false, nil
			}
		}
	}

	// Full container recovery.
	o.destroy(ctx, c, "recovery")
	fresh, err := o.resolveContainer(ctx, req.ConversationID)
	if err != nil {
		return nil, false, fmt.Errorf("recovery create failed: %w", err)
	}
	fresh.State = models.StateBusy
	if err := o.store.SaveContainer(ctx, fresh); err != nil {
		o.destroy(ctx, fresh, "failure")
		return nil, false, fmt.Errorf("recovery registration failed: %w", err)
	}
	if err := o.prepareSandbox(ctx, req, fresh); err != nil {
		o.destroy(ctx, fresh, "failure")
		return nil, false, err
	}
	o.metrics.ContainerRecoveries.Inc()
	b.emitJSON(models.EventContainerRecovered, map[string]string{
		"container_id": fresh.ID,
	})
	*cp = fresh

	// The replacement has no session to resume; it stays idle for the
	// client's retry instead of receiving this turn.
	if err := o.newAgent(fresh.Endpoint).Health(ctx); err != nil {
		return nil, false, fmt.Errorf("agent unreachable after recovery: %w", err)
	}
	return nil, true, nil
}

// finishRecovered ends a recovered turn: context status, then done(error).
func (o *Orchestrator) finishRecovered(ctx context.Context, b *bridge, conv *models.Conversation, c *models.Container) {
	o.emitContextStatus(b, conv, 0)
	b.emitJSON(models.EventDone, models.DonePayload{
		Status:    "error",
		Result:    "sandbox was recovered mid-request; please retry",
		SessionID: conv.SessionID,
		Usage:     map[string]models.ModelUsage{},
	})
	b.persist(ctx, models.MessageResult, `{"status":"error","reason":"container_recovered"}`)
}

func (o *Orchestrator) emitContextStatus(b *bridge, conv *models.Conversation, addedTokens int64) {
	current := conv.EstimatedContextToken + addedTokens
	percent := 0.0
	if conv.ContextWindow > 0 {
		percent = float64(current) / float64(conv.ContextWindow) * 100
	}
	b.emitJSON(models.EventContextStatus, models.ContextStatusPayload{
		CurrentTokens: current,
		MaxTokens:     conv.ContextWindow,
		UsagePercent:  percent,
		WarningLevel:  models.WarningLevelFor(percent),
	})
}

// release refreshes the container TTL to its idle lifetime and marks it
// idle again.
func (o *Orchestrator) release(ctx context.Context, c *models.Container) {
	if err := o.store.SetContainerState(ctx, c.ConversationID, models.StateIdle); err != nil {
		slog.Warn("State update failed", "container_id", c.ID, "error", err)
	}
	if err := o.store.TouchContainer(ctx, c.ConversationID, c.ID, c.TaskHandle != ""); err != nil {
		slog.Warn("TTL refresh failed on release", "container_id", c.ID, "error", err)
	}
	o.proxyMgr.Stop(c)
}

// destroy tears a container down and clears its KV triple. Idempotent.
func (o *Orchestrator) destroy(ctx context.Context, c *models.Container, reason string) {
	o.proxyMgr.Stop(c)
	if err := o.backend.Destroy(ctx, c, o.opts.DestroyGrace); err != nil {
		slog.Warn("Container destroy failed", "container_id", c.ID, "error", err)
	}
	if err := o.store.DeleteContainer(ctx, c.ConversationID, c.ID); err != nil {
		slog.Warn("KV cleanup failed", "container_id", c.ID, "error", err)
	}
	o.metrics.ContainersDestroyed.WithLabelValues(reason).Inc()
}

// pumpResult summarizes the event loop's outcome for the post-processing
// steps.
type pumpResult struct {
	status    string // success, error, cancelled, timeout
	completed bool   // the agent reached its terminal event
	presented map[string]bool
}

// agentDone is the agent's terminal event payload.
type agentDone struct {
	Status        string                       `json:"status"`
	Result        string                       `json:"result"`
	SessionID     string                       `json:"session_id"`
	TurnCount     int                          `json:"turn_count"`
	DurationMS    int64                        `json:"duration_ms"`
	CostUSD       float64                      `json:"cost_usd"`
	Usage         map[string]models.ModelUsage `json:"usage"`
	InputTokens   int64                        `json:"input_tokens"`
	OutputTokens  int64                        `json:"output_tokens"`
	CacheCreation int64                        `json:"cache_creation_tokens"`
	CacheRead     int64                        `json:"cache_read_tokens"`
	ContextTokens int64                        `json:"estimated_context_tokens"`
}

type agentInit struct {
	SessionID string `json:"session_id"`
}

type agentToolCall struct {
	ToolName string `json:"tool_name"`
	Input    struct {
		Paths []string `json:"paths"`
	} `json:"input"`
}

// pump forwards agent events until the terminal one, enforcing the silence
// watchdog. Heartbeats come from the bridge's own loop.
func (o *Orchestrator) pump(ctx context.Context, b *bridge, stream *agent.EventStream, conv *models.Conversation, req *Request, refreshLock func()) pumpResult {
	res := pumpResult{status: "error", presented: make(map[string]bool)}

	type readResult struct {
		ev  *agent.Event
		err error
	}
	// Buffer one read so the reader goroutine never leaks on early return.
	reads := make(chan readResult, 1)
	readNext := func() {
		go func() {
			ev, err := stream.Next()
			reads <- readResult{ev, err}
		}()
	}
	readNext()

	refresh := time.NewTicker(o.opts.HeartbeatInterval)
	defer refresh.Stop()
	watchdog := time.NewTimer(o.opts.EventTimeout)
	defer watchdog.Stop()

	for {
		select {
		case r := <-reads:
			if r.err != nil {
				if r.err == io.EOF {
					// Agent closed without a terminal event.
					b.fail(models.NewStreamError(models.ErrTypeExecution, true,
						"agent stream ended without a result"))
				} else {
					b.fail(models.NewStreamError(models.ErrTypeExecution, true,
						"agent stream error: %v", r.err))
				}
				return res
			}
			if terminal := o.handleEvent(ctx, b, conv, req, r.ev, &res); terminal {
				return res
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(o.opts.EventTimeout)
			readNext()

		case <-refresh.C:
			refreshLock()

		case <-watchdog.C:
			serr := models.ErrEventTimeout(int(o.opts.EventTimeout.Seconds()))
			b.fail(serr)
			b.persist(ctx, models.MessageResult, `{"status":"error","reason":"timeout"}`)
			res.status = "timeout"
			return res
		}
	}
}

// handleEvent forwards one agent event and performs its side effects.
// Returns true on the terminal event.
func (o *Orchestrator) handleEvent(ctx context.Context, b *bridge, conv *models.Conversation, req *Request, ev *agent.Event, res *pumpResult) bool {
	switch models.EventType(ev.Type) {
	case models.EventInit:
		var init agentInit
		if err := json.Unmarshal(ev.Raw, &init); err == nil && init.SessionID != "" {
			conv.SessionID = init.SessionID
			if err := o.db.SetSessionID(ctx, conv.ID, init.SessionID); err != nil {
				slog.Error("Session id persist failed", "conversation_id", conv.ID, "error", err)
			}
		}
		b.emit(models.EventInit, ev.Raw)

	case models.EventAssistant:
		b.emit(models.EventAssistant, ev.Raw)
		b.persist(ctx, models.MessageAssistant, string(ev.Raw))

	case models.EventToolCall:
		var tc agentToolCall
		if err := json.Unmarshal(ev.Raw, &tc); err == nil && tc.ToolName == "present_files" {
			for _, p := range tc.Input.Paths {
				res.presented[p] = true
			}
		}
		b.emit(models.EventToolCall, ev.Raw)
		b.persist(ctx, models.MessageToolUse, string(ev.Raw))

	case models.EventToolResult:
		b.emit(models.EventToolResult, ev.Raw)
		b.persist(ctx, models.MessageToolResult, string(ev.Raw))

	case models.EventSubagentStart, models.EventSubagentEnd, models.EventProgress:
		b.emit(models.EventType(ev.Type), ev.Raw)

	case models.EventError:
		b.emit(models.EventError, ev.Raw)
		b.persist(ctx, models.MessageResult, string(ev.Raw))
		return true

	case models.EventDone:
		o.finishDone(ctx, b, conv, req, ev, res)
		return true

	default:
		// Unknown event types pass through opaquely; the taxonomy grows on
		// the agent side first.
		b.emit(models.EventType(ev.Type), ev.Raw)
	}
	return false
}

// finishDone performs the terminal bookkeeping: usage accounting, context
// status, done event, message log, and first-turn title generation.
func (o *Orchestrator) finishDone(ctx context.Context, b *bridge, conv *models.Conversation, req *Request, ev *agent.Event, res *pumpResult) {
	var done agentDone
	if err := json.Unmarshal(ev.Raw, &done); err != nil {
		b.fail(models.NewStreamError(models.ErrTypeExecution, true, "malformed done event: %v", err))
		return
	}

	usage := &models.UsageLog{
		ConversationID:      conv.ID,
		InputTokens:         done.InputTokens,
		OutputTokens:        done.OutputTokens,
		CacheCreationTokens: done.CacheCreation,
		CacheReadTokens:     done.CacheRead,
		CostUSD:             done.CostUSD,
		DurationMS:          done.DurationMS,
		TurnCount:           done.TurnCount,
	}
	if raw, err := json.Marshal(done.Usage); err == nil {
		usage.ModelUsageJSON = string(raw)
	}
	estimated := done.ContextTokens
	if estimated == 0 {
		estimated = conv.EstimatedContextToken + done.InputTokens + done.OutputTokens
	}
	if err := o.db.InsertUsageLog(ctx, usage, estimated); err != nil {
		slog.Error("Usage log insert failed", "conversation_id", conv.ID, "error", err)
	}

	o.emitContextStatus(b, conv, estimated-conv.EstimatedContextToken)
	b.emit(models.EventDone, ev.Raw)
	b.persist(ctx, models.MessageResult, string(ev.Raw))

	if conv.Title == "" && o.titles != nil {
		o.generateTitle(ctx, b, conv, req.UserInput, done.Result)
	}

	res.completed = true
	res.status = done.Status
	if res.status == "" {
		res.status = "success"
	}
}

// generateTitle offloads the blocking title call and waits a bounded time
// for it so the stream can still carry the title event.
func (o *Orchestrator) generateTitle(ctx context.Context, b *bridge, conv *models.Conversation, userInput, resultPreview string) {
	type titleResult struct {
		title string
		err   error
	}
	ch := make(chan titleResult, 1)
	go func() {
		tctx, cancel := context.WithTimeout(ctx, o.opts.TitleTimeout)
		defer cancel()
		title, err := o.titles.Generate(tctx, userInput, resultPreview)
		ch <- titleResult{title, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			slog.Warn("Title generation failed", "conversation_id", conv.ID, "error", r.err)
			return
		}
		changed, err := o.db.SetTitle(ctx, conv.ID, r.title)
		if err != nil {
			slog.Error("Title persist failed", "conversation_id", conv.ID, "error", err)
			return
		}
		if changed {
			b.emitJSON(models.EventTitle, models.TitlePayload{Title: r.title})
		}
	case <-time.After(o.opts.TitleTimeout):
		slog.Warn("Title generation timed out", "conversation_id", conv.ID)
	}
}
