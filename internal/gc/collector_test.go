package gc

import (
	"context"
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

type fakeBackend struct {
	mu        sync.Mutex
	running   map[string]lifecycle.ContainerSummary
	destroyed []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{running: make(map[string]lifecycle.ContainerSummary)}
}

func (f *fakeBackend) add(id, conversationID string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = lifecycle.ContainerSummary{
		ID:             id,
		ConversationID: conversationID,
		State:          "running",
		CreatedAt:      time.Now().Add(-age),
	}
}

func (f *fakeBackend) Create(_ context.Context, id, conversationID string) (*models.Container, error) {
	f.add(id, conversationID, 0)
	return &models.Container{ID: id, ConversationID: conversationID}, nil
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
	_, ok := f.running[c.ID]
	return ok
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
	out := make([]lifecycle.ContainerSummary, 0, len(f.running))
	for _, s := range f.running {
		out = append(out, s)
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
	return store.New(rdb, store.Options{ContainerTTL: time.Hour}), mr
}

func register(t *testing.T, st *store.Store, backend *fakeBackend, conv string, idle time.Duration) *models.Container {
	t.Helper()
	c, err := backend.Create(context.Background(), "c-"+conv, conv)
	require.NoError(t, err)
	c.State = models.StateIdle
	c.ManagerType = models.ManagerLocal
	c.CreatedAt = time.Now().Add(-idle)
	c.LastUsedAt = time.Now().Add(-idle)
	require.NoError(t, st.SaveContainer(context.Background(), c))
	return c
}

func TestSweepDestroysExpiredContainers(t *testing.T) {
	st, mr := newTestStore(t)
	backend := newFakeBackend()
	g := New(st, backend, metrics.NewForTest(), Options{})

	register(t, st, backend, "expired", 2*time.Hour)
	fresh := register(t, st, backend, "fresh", time.Minute)

	// Advance the Redis clock past the logical hour TTL. The record slack
	// keeps the triple visible, so the sweeper still sees the expired
	// container and takes the graceful path instead of leaving it to the
	// orphan scan.
	mr.FastForward(time.Hour + time.Minute)

	g.Sweep(context.Background())

	assert.Equal(t, []string{"c-expired"}, backend.destroyedIDs())
	_, err := st.GetContainer(context.Background(), "expired")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := st.GetContainer(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
}

func TestSweepReapsRecordsOfDeadContainers(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	g := New(st, backend, metrics.NewForTest(), Options{})

	c := register(t, st, backend, "conv1", time.Minute)
	// The container dies out from under the record.
	backend.mu.Lock()
	delete(backend.running, c.ID)
	backend.mu.Unlock()

	g.Sweep(context.Background())

	_, err := st.GetContainer(context.Background(), "conv1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	// Reaping a dead container's record is not a destroy.
	assert.Empty(t, backend.destroyedIDs())
}

func TestDestroyGracefullyIsReentrant(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	g := New(st, backend, metrics.NewForTest(), Options{})

	c := register(t, st, backend, "conv1", time.Minute)
	g.DestroyGracefully(context.Background(), c, "ttl")
	g.DestroyGracefully(context.Background(), c, "ttl")

	_, err := st.GetContainer(context.Background(), "conv1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepOrphansDestroysUntrackedContainers(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	g := New(st, backend, metrics.NewForTest(), Options{})

	register(t, st, backend, "tracked", time.Minute)
	backend.add("orphan", "lost-conv", time.Hour)

	g.SweepOrphans(context.Background())

	assert.Equal(t, []string{"orphan"}, backend.destroyedIDs())
}

func TestSweepOrphansSparesPooledContainers(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	g := New(st, backend, metrics.NewForTest(), Options{})

	backend.add("pooled", "", time.Hour)
	require.NoError(t, st.PushWarmPool(context.Background(), store.WarmPoolEntry{
		ContainerID: "pooled", CreatedAt: time.Now(),
	}))

	g.SweepOrphans(context.Background())
	assert.Empty(t, backend.destroyedIDs())
}

func TestSweepOrphansSparesYoungContainers(t *testing.T) {
	st, _ := newTestStore(t)
	backend := newFakeBackend()
	g := New(st, backend, metrics.NewForTest(), Options{Period: time.Minute})

	// Created seconds ago: may still be registering, give it a cycle.
	backend.add("newborn", "", 5*time.Second)

	g.SweepOrphans(context.Background())
	assert.Empty(t, backend.destroyedIDs())
}
