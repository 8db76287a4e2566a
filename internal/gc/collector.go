// Package gc reclaims expired, crashed, and orphaned sandboxes. The sweeper
// never races an active request: requests hold the conversation lock, and
// the sweeper only destroys containers whose last_used_at plus TTL has
// passed; a container a request is using has a freshly touched TTL.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentcloud/workspace/internal/lifecycle"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
	"github.com/agentcloud/workspace/internal/store"
)

// Collector is the background sweeper.
type Collector struct {
	store   *store.Store
	backend lifecycle.Backend
	metrics *metrics.Metrics

	period      time.Duration
	orphanCycle int
	graceful    time.Duration
}

// Options tunes the sweep cadence.
type Options struct {
	Period      time.Duration // default 60s
	OrphanCycle int           // orphan scan every Nth cycle, default 5
	Grace       time.Duration // destroy grace, default 10s
}

// New builds a Collector; Run starts it.
func New(st *store.Store, backend lifecycle.Backend, m *metrics.Metrics, opts Options) *Collector {
	if opts.Period == 0 {
		opts.Period = time.Minute
	}
	if opts.OrphanCycle == 0 {
		opts.OrphanCycle = 5
	}
	if opts.Grace == 0 {
		opts.Grace = 10 * time.Second
	}
	return &Collector{
		store:       st,
		backend:     backend,
		metrics:     m,
		period:      opts.Period,
		orphanCycle: opts.OrphanCycle,
		graceful:    opts.Grace,
	}
}

// Run sweeps until the context is cancelled.
func (g *Collector) Run(ctx context.Context) {
	slog.Info("GC started", "period", g.period, "orphan_cycle", g.orphanCycle)
	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("GC stopped")
			return
		case <-ticker.C:
		}
		cycle++
		g.Sweep(ctx)
		if cycle%g.orphanCycle == 0 {
			g.SweepOrphans(ctx)
		}
	}
}

// Sweep walks every KV forward key, deleting records whose container is
// gone and gracefully destroying containers past their TTL.
func (g *Collector) Sweep(ctx context.Context) {
	conversations, err := g.store.ListConversations(ctx)
	if err != nil {
		slog.Warn("GC scan failed", "error", err)
		return
	}

	ttl := g.store.ContainerTTL()
	for _, conv := range conversations {
		c, err := g.store.GetContainer(ctx, conv)
		if errors.Is(err, store.ErrNotFound) {
			continue // stale triple, already deleted by the read path
		}
		if err != nil {
			slog.Warn("GC read failed", "conversation_id", conv, "error", err)
			continue
		}

		if !g.backend.IsHealthy(ctx, c, false) {
			slog.Info("GC reaping record of dead container",
				"container_id", c.ID, "conversation_id", conv)
			_ = g.store.DeleteContainer(ctx, conv, c.ID)
			g.metrics.ContainersDestroyed.WithLabelValues("missing").Inc()
			continue
		}

		if time.Since(c.LastUsedAt) > ttl {
			g.DestroyGracefully(ctx, c, "ttl")
		}
	}
}

// DestroyGracefully is the re-entrant destroy path shared with shutdown:
// mark draining, stop the sandbox, then clear the KV. Repeating any step on
// an already-destroyed container is harmless.
func (g *Collector) DestroyGracefully(ctx context.Context, c *models.Container, reason string) {
	if c.ConversationID != "" {
		_ = g.store.SetContainerState(ctx, c.ConversationID, models.StateDraining)
	}
	if err := g.backend.Destroy(ctx, c, g.graceful); err != nil {
		slog.Warn("GC destroy failed", "container_id", c.ID, "error", err)
	}
	if err := g.store.DeleteContainer(ctx, c.ConversationID, c.ID); err != nil {
		slog.Warn("GC KV cleanup failed", "container_id", c.ID, "error", err)
	}
	g.metrics.ContainersDestroyed.WithLabelValues(reason).Inc()
	slog.Info("GC destroyed container", "container_id", c.ID, "reason", reason)
}

// SweepOrphans cross-references the backend's workspace-labeled sandboxes
// against the KV; anything we labeled but no longer track is destroyed.
func (g *Collector) SweepOrphans(ctx context.Context) {
	summaries, err := g.backend.ListWorkspaceContainers(ctx)
	if err != nil {
		slog.Warn("GC orphan listing failed", "error", err)
		return
	}

	for _, s := range summaries {
		if s.ID == "" {
			continue
		}
		known, err := g.store.HasRecord(ctx, s.ID)
		if err != nil {
			slog.Warn("GC orphan KV check failed", "container_id", s.ID, "error", err)
			continue
		}
		if known {
			continue
		}
		// Newly created containers register in the KV after the backend
		// reports them; give them one full cycle before declaring orphanhood.
		if time.Since(s.CreatedAt) < g.period {
			continue
		}
		slog.Info("GC destroying orphan sandbox", "container_id", s.ID,
			"conversation_id", s.ConversationID, "state", s.State)
		c := &models.Container{
			ID:             s.ID,
			ConversationID: s.ConversationID,
			TaskHandle:     s.TaskHandle,
			ManagerType:    g.backend.ManagerType(),
		}
		if err := g.backend.Destroy(ctx, c, g.graceful); err != nil {
			slog.Warn("GC orphan destroy failed", "container_id", s.ID, "error", err)
			continue
		}
		g.metrics.ContainersDestroyed.WithLabelValues("orphan").Inc()
	}
}
