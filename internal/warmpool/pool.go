// Package warmpool maintains a buffer of pre-started, unassigned sandboxes
// so a cold request does not pay container startup cost. The queue lives in
// Redis, so multiple orchestrator replicas share one pool: the replenisher
// of any replica tops it up, any replica's Acquire drains it.
//
// Pooled containers are generic. Once acquired for a conversation they never
// return to the pool; completed conversations always release their container
// to the GC, and fresh requests get fresh (or fresh-from-pool) sandboxes.
package warmpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcloud/workspace/internal/lifecycle"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
	"github.com/agentcloud/workspace/internal/store"
)

// ErrEmpty is returned by Acquire when no healthy pooled container exists;
// the caller falls back to a direct backend create.
var ErrEmpty = errors.New("warmpool: empty")

// Pool manages the shared warm-pool queue and its replenisher.
type Pool struct {
	store   *store.Store
	backend lifecycle.Backend
	metrics *metrics.Metrics

	minSize         int
	maxSize         int
	replenishPeriod time.Duration

	mu       sync.Mutex
	inflight int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Options configures the pool bounds.
type Options struct {
	MinSize         int
	MaxSize         int
	ReplenishPeriod time.Duration
}

// New builds the pool. Run starts the replenisher.
func New(st *store.Store, backend lifecycle.Backend, m *metrics.Metrics, opts Options) *Pool {
	if opts.ReplenishPeriod == 0 {
		opts.ReplenishPeriod = 30 * time.Second
	}
	return &Pool{
		store:           st,
		backend:         backend,
		metrics:         m,
		minSize:         opts.MinSize,
		maxSize:         opts.MaxSize,
		replenishPeriod: opts.ReplenishPeriod,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Acquire pops pooled containers until a healthy one turns up. Stale
// entries are destroyed and the pop retried; an empty queue returns
// ErrEmpty after recording the exhaustion.
func (p *Pool) Acquire(ctx context.Context) (*models.Container, error) {
	for {
		entry, err := p.store.PopWarmPool(ctx)
		if errors.Is(err, store.ErrNotFound) {
			if entry != nil {
				// Metadata TTL-expired while queued; the container may
				// still be running, so destroy by id.
				p.discard(ctx, &models.Container{ID: entry.ContainerID, ManagerType: p.backend.ManagerType()})
				continue
			}
			p.metrics.PoolExhausted.Inc()
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("pop warm pool: %w", err)
		}

		c := &models.Container{
			ID:          entry.ContainerID,
			State:       models.StateWarm,
			Endpoint:    entry.Endpoint,
			ManagerType: p.backend.ManagerType(),
			TaskHandle:  entry.TaskHandle,
			CreatedAt:   entry.CreatedAt,
			LastUsedAt:  time.Now(),
		}
		if !p.backend.IsHealthy(ctx, c, true) {
			p.metrics.PoolStaleEvicts.Inc()
			slog.Warn("Discarding stale warm-pool container", "container_id", c.ID)
			p.discard(ctx, c)
			continue
		}
		p.updateSizeGauge(ctx)
		return c, nil
	}
}

func (p *Pool) discard(ctx context.Context, c *models.Container) {
	if err := p.backend.Destroy(ctx, c, 5*time.Second); err != nil {
		slog.Warn("Failed to destroy stale pool container", "container_id", c.ID, "error", err)
	}
	p.metrics.ContainersDestroyed.WithLabelValues("stale_pool").Inc()
}

// Run is the replenisher loop. It returns when Shutdown is called or the
// context is cancelled.
func (p *Pool) Run(ctx context.Context) {
	defer close(p.doneCh)
	slog.Info("Warm pool replenisher started", "min", p.minSize, "max", p.maxSize)

	// Top up immediately rather than waiting a full period after boot.
	p.replenish(ctx)

	ticker := time.NewTicker(p.replenishPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.replenish(ctx)
		}
	}
}

// replenish creates containers until size + inflight reaches min, never
// letting size + inflight exceed max.
func (p *Pool) replenish(ctx context.Context) {
	size, err := p.store.WarmPoolSize(ctx)
	if err != nil {
		slog.Warn("Warm pool size check failed", "error", err)
		return
	}
	p.metrics.PoolSize.Set(float64(size))

	p.mu.Lock()
	deficit := p.minSize - int(size) - p.inflight
	budget := p.maxSize - int(size) - p.inflight
	if deficit > budget {
		deficit = budget
	}
	p.inflight += max(deficit, 0)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		go p.createOne(ctx)
	}
}

func (p *Pool) createOne(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	id := uuid.NewString()
	c, err := p.backend.Create(ctx, id, "")
	if err != nil {
		slog.Warn("Warm pool create failed", "container_id", id, "error", err)
		return
	}
	err = p.store.PushWarmPool(ctx, store.WarmPoolEntry{
		ContainerID: c.ID,
		Endpoint:    c.Endpoint,
		TaskHandle:  c.TaskHandle,
		CreatedAt:   c.CreatedAt,
	})
	if err != nil {
		slog.Warn("Warm pool push failed, destroying container", "container_id", c.ID, "error", err)
		p.discard(ctx, c)
		return
	}
	p.metrics.PoolCreated.Inc()
	p.metrics.ContainersCreated.WithLabelValues(string(p.backend.ManagerType())).Inc()
	p.updateSizeGauge(ctx)
	slog.Info("Warm pool container ready", "container_id", c.ID)
}

func (p *Pool) updateSizeGauge(ctx context.Context) {
	if size, err := p.store.WarmPoolSize(ctx); err == nil {
		p.metrics.PoolSize.Set(float64(size))
	}
}

// Shutdown stops the replenisher first (so nothing races the drain with new
// creations), then destroys every pooled container.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.doneCh:
	case <-ctx.Done():
	}

	entries, err := p.store.DrainWarmPool(ctx)
	if err != nil {
		slog.Warn("Warm pool drain failed", "error", err)
	}
	for _, e := range entries {
		c := &models.Container{
			ID:          e.ContainerID,
			Endpoint:    e.Endpoint,
			TaskHandle:  e.TaskHandle,
			ManagerType: p.backend.ManagerType(),
		}
		if err := p.backend.Destroy(ctx, c, 5*time.Second); err != nil {
			slog.Warn("Shutdown destroy failed", "container_id", c.ID, "error", err)
		}
		p.metrics.ContainersDestroyed.WithLabelValues("shutdown").Inc()
	}
	p.metrics.PoolSize.Set(0)
	slog.Info("Warm pool shut down", "destroyed", len(entries))
}
