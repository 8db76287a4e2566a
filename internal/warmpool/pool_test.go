package warmpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcloud/workspace/internal/lifecycle"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
	"github.com/agentcloud/workspace/internal/store"
)

// fakeBackend is an in-memory lifecycle.Backend.
type fakeBackend struct {
	mu        sync.Mutex
	running   map[string]bool
	unhealthy map[string]bool
	created   int
	destroyed []string
	createErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		running:   make(map[string]bool),
		unhealthy: make(map[string]bool),
	}
}

func (f *fakeBackend) Create(_ context.Context, id, conversationID string) (*models.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	f.running[id] = true
	return &models.Container{
		ID:             id,
		ConversationID: conversationID,
		State:          models.StateWarm,
		Endpoint:       "/var/run/workspace/" + id + "/agent.sock",
		ManagerType:    models.ManagerLocal,
		CreatedAt:      time.Now(),
		LastUsedAt:     time.Now(),
	}, nil
}

func (f *fakeBackend) Destroy(_ context.Context, c *models.Container, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, c.ID)
	f.destroyed = append(f.destroyed, c.ID)
	return nil
}

func (f *fakeBackend) IsHealthy(_ context.Context, c *models.Container, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[c.ID] && !f.unhealthy[c.ID]
}

func (f *fakeBackend) Exec(context.Context, *models.Container, []string) (int, string, error) {
	return 0, "", nil
}

func (f *fakeBackend) ExecBinary(context.Context, *models.Container, []string) (int, []byte, error) {
	return 0, nil, nil
}

func (f *fakeBackend) ListWorkspaceContainers(context.Context) ([]lifecycle.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []lifecycle.ContainerSummary
	for id := range f.running {
		out = append(out, lifecycle.ContainerSummary{ID: id, CreatedAt: time.Now().Add(-time.Hour)})
	}
	return out, nil
}

func (f *fakeBackend) WaitForAgentReady(context.Context, *models.Container, time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeBackend) GetLogs(context.Context, string, int) (string, error) { return "", nil }

func (f *fakeBackend) ManagerType() models.ManagerType { return models.ManagerLocal }

func (f *fakeBackend) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.New(rdb, store.Options{WarmPoolTTL: 30 * time.Minute}), mr
}

func TestAcquireFromEmptyPool(t *testing.T) {
	st, _ := newTestStore(t)
	p := New(st, newFakeBackend(), metrics.NewForTest(), Options{MinSize: 2, MaxSize: 5})

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestReplenishFillsToMin(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	p := New(st, backend, metrics.NewForTest(), Options{MinSize: 3, MaxSize: 5})

	p.replenish(context.Background())
	require.Eventually(t, func() bool {
		size, err := st.WarmPoolSize(context.Background())
		return err == nil && size == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, backend.created)
}

func TestReplenishRespectsMax(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	p := New(st, backend, metrics.NewForTest(), Options{MinSize: 3, MaxSize: 3})

	// Pre-fill past min so the deficit is negative; nothing gets created.
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.PushWarmPool(context.Background(), store.WarmPoolEntry{
			ContainerID: id, CreatedAt: time.Now(),
		}))
	}
	p.replenish(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, backend.created)
}

func TestAcquireReturnsHealthyContainer(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	p := New(st, backend, metrics.NewForTest(), Options{MinSize: 1, MaxSize: 2})

	p.replenish(context.Background())
	require.Eventually(t, func() bool {
		size, _ := st.WarmPoolSize(context.Background())
		return size == 1
	}, 2*time.Second, 10*time.Millisecond)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateWarm, c.State)
	assert.True(t, backend.running[c.ID])
}

func TestAcquireSkipsUnhealthyEntries(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	p := New(st, backend, metrics.NewForTest(), Options{MinSize: 2, MaxSize: 4})

	ctx := context.Background()
	stale, err := backend.Create(ctx, "stale", "")
	require.NoError(t, err)
	healthy, err := backend.Create(ctx, "healthy", "")
	require.NoError(t, err)
	for _, c := range []*models.Container{stale, healthy} {
		require.NoError(t, st.PushWarmPool(ctx, store.WarmPoolEntry{
			ContainerID: c.ID, Endpoint: c.Endpoint, CreatedAt: c.CreatedAt,
		}))
	}
	backend.unhealthy["stale"] = true

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", c.ID)
	assert.Contains(t, backend.destroyedIDs(), "stale")
}

func TestAcquireCleansExpiredEntry(t *testing.T) {
	st, mr := newTestStore(t)
	backend := newFakeBackend()
	p := New(st, backend, metrics.NewForTest(), Options{MinSize: 1, MaxSize: 2})

	ctx := context.Background()
	c, err := backend.Create(ctx, "old", "")
	require.NoError(t, err)
	require.NoError(t, st.PushWarmPool(ctx, store.WarmPoolEntry{
		ContainerID: c.ID, Endpoint: c.Endpoint, CreatedAt: c.CreatedAt,
	}))
	mr.FastForward(31 * time.Minute)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	// The container behind the expired entry was destroyed, not leaked.
	assert.Contains(t, backend.destroyedIDs(), "old")
}

func TestCreateFailureDoesNotPoisonPool(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	backend.createErr = errors.New("image pull failed")
	p := New(st, backend, metrics.NewForTest(), Options{MinSize: 2, MaxSize: 4})

	p.replenish(context.Background())
	time.Sleep(50 * time.Millisecond)

	size, err := st.WarmPoolSize(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)

	// Inflight bookkeeping recovered; the next replenish tries again.
	backend.mu.Lock()
	backend.createErr = nil
	backend.mu.Unlock()
	p.replenish(context.Background())
	require.Eventually(t, func() bool {
		size, _ := st.WarmPoolSize(context.Background())
		return size == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsPool(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	p := New(st, backend, metrics.NewForTest(), Options{MinSize: 2, MaxSize: 4, ReplenishPeriod: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.Eventually(t, func() bool {
		size, _ := st.WarmPoolSize(context.Background())
		return size == 2
	}, 2*time.Second, 10*time.Millisecond)

	p.Shutdown(context.Background())

	size, err := st.WarmPoolSize(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Len(t, backend.destroyedIDs(), 2)
}
