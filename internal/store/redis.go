// Package store is the shared-KV layer backing container routing, the
// conversation lock, and the warm pool. Redis is the single source of truth
// across orchestrator replicas; the key layout is:
//
//	workspace:container:{conversation_id}          hash, forward key
//	workspace:container_reverse:{container_id}     string, reverse key
//	workspace:task:{container_id}                  string, remote task handle
//	workspace:warm_pool                            list of container ids
//	workspace:warm_pool_info:{container_id}        hash, pool entry metadata
//	workspace:lock:{conversation_id}               string, lock token
//
// The three container keys are written as one pipeline and share a TTL; a
// triple that disagrees with itself is treated as stale and deleted.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentcloud/workspace/internal/models"
)

const (
	keyContainer     = "workspace:container:"
	keyReverse       = "workspace:container_reverse:"
	keyTask          = "workspace:task:"
	keyWarmPool      = "workspace:warm_pool"
	keyWarmPoolInfo  = "workspace:warm_pool_info:"
	keyLock          = "workspace:lock:"
	keyConversation  = "conversation_id"
	fieldContainerID = "container_id"
)

// ErrNotFound is returned when no container is registered for a conversation.
var ErrNotFound = errors.New("store: not found")

// ErrLockHeld is returned when the conversation lock is owned by another
// execution.
var ErrLockHeld = errors.New("store: conversation lock held")

// releaseScript deletes the lock only if the caller still owns it, so an
// expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock TTL only for the current holder.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Store wraps go-redis with the workspace key layout.
type Store struct {
	rdb          *redis.Client
	containerTTL time.Duration
	warmPoolTTL  time.Duration
	lockTTL      time.Duration
}

// Options configures TTLs; zero values get the documented defaults.
type Options struct {
	ContainerTTL time.Duration
	WarmPoolTTL  time.Duration
	LockTTL      time.Duration
}

// recordSlack keeps the container triple in Redis past the logical TTL.
// Without it the keys expire at the same instant last_used_at+TTL elapses,
// and the GC sweeper never sees the expired record: every reclaim would
// fall to the slower orphan scan and skip the graceful draining path. The
// slack must exceed one GC period.
const recordSlack = 5 * time.Minute

// New wraps an already-connected redis client.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.ContainerTTL == 0 {
		opts.ContainerTTL = time.Hour
	}
	if opts.WarmPoolTTL == 0 {
		opts.WarmPoolTTL = 30 * time.Minute
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = 10 * time.Minute
	}
	return &Store{
		rdb:          rdb,
		containerTTL: opts.ContainerTTL,
		warmPoolTTL:  opts.WarmPoolTTL,
		lockTTL:      opts.LockTTL,
	}
}

// Connect dials Redis and verifies connectivity before wrapping the client.
func Connect(addr, password string, db int, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("Redis connected", "addr", addr, "db", db)
	return New(rdb, opts), nil
}

// Close shuts down the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// ContainerTTL exposes the configured container TTL for callers that need
// the expiry horizon (GC, API diagnostics).
func (s *Store) ContainerTTL() time.Duration { return s.containerTTL }

// =========================================================================
// Container triple
// =========================================================================

// SaveContainer writes the forward hash, reverse key, and (for the remote
// backend) the task key in one pipeline with a shared TTL.
func (s *Store) SaveContainer(ctx context.Context, c *models.Container) error {
	fields := map[string]any{
		fieldContainerID: c.ID,
		keyConversation:  c.ConversationID,
		"endpoint":       c.Endpoint,
		"state":          string(c.State),
		"manager_type":   string(c.ManagerType),
		"created_at":     strconv.FormatInt(c.CreatedAt.Unix(), 10),
		"last_used_at":   strconv.FormatInt(c.LastUsedAt.Unix(), 10),
	}
	if c.TaskHandle != "" {
		fields["task_handle"] = c.TaskHandle
	}

	pipe := s.rdb.TxPipeline()
	fwd := keyContainer + c.ConversationID
	keyTTL := s.containerTTL + recordSlack
	pipe.HSet(ctx, fwd, fields)
	pipe.Expire(ctx, fwd, keyTTL)
	pipe.Set(ctx, keyReverse+c.ID, c.ConversationID, keyTTL)
	if c.TaskHandle != "" {
		pipe.Set(ctx, keyTask+c.ID, c.TaskHandle, keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save container %s: %w", c.ID, err)
	}
	return nil
}

// GetContainer loads the forward hash for a conversation and validates the
// reverse key. An inconsistent triple is deleted and reported as a miss.
func (s *Store) GetContainer(ctx context.Context, conversationID string) (*models.Container, error) {
	fields, err := s.rdb.HGetAll(ctx, keyContainer+conversationID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL container: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	c := containerFromHash(conversationID, fields)

	rev, err := s.rdb.Get(ctx, keyReverse+c.ID).Result()
	if err == redis.Nil || (err == nil && rev != conversationID) {
		slog.Warn("Stale container triple, deleting", "conversation_id", conversationID, "container_id", c.ID)
		_ = s.DeleteContainer(ctx, conversationID, c.ID)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET reverse: %w", err)
	}
	return c, nil
}

// GetConversationFor resolves a container id back to its conversation.
func (s *Store) GetConversationFor(ctx context.Context, containerID string) (string, error) {
	conv, err := s.rdb.Get(ctx, keyReverse+containerID).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis GET reverse: %w", err)
	}
	return conv, nil
}

// DeleteContainer removes all three keys of the triple. Safe to call on a
// partially deleted triple.
func (s *Store) DeleteContainer(ctx context.Context, conversationID, containerID string) error {
	keys := []string{keyContainer + conversationID, keyReverse + containerID, keyTask + containerID}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete container triple: %w", err)
	}
	return nil
}

// TouchContainer refreshes the shared TTL on every key of the triple and
// bumps last_used_at.
func (s *Store) TouchContainer(ctx context.Context, conversationID, containerID string, hasTask bool) error {
	pipe := s.rdb.TxPipeline()
	fwd := keyContainer + conversationID
	keyTTL := s.containerTTL + recordSlack
	pipe.HSet(ctx, fwd, "last_used_at", strconv.FormatInt(time.Now().Unix(), 10))
	pipe.Expire(ctx, fwd, keyTTL)
	pipe.Expire(ctx, keyReverse+containerID, keyTTL)
	if hasTask {
		pipe.Expire(ctx, keyTask+containerID, keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch container %s: %w", containerID, err)
	}
	return nil
}

// SetContainerState updates only the state field of the forward hash.
func (s *Store) SetContainerState(ctx context.Context, conversationID string, state models.ContainerState) error {
	return s.rdb.HSet(ctx, keyContainer+conversationID, "state", string(state)).Err()
}

// ListConversations scans all forward keys and returns their conversation
// ids. Used by the GC sweep; SCAN keeps it non-blocking on large keyspaces.
func (s *Store) ListConversations(ctx context.Context) ([]string, error) {
	var conversations []string
	iter := s.rdb.Scan(ctx, 0, keyContainer+"*", 100).Iterator()
	for iter.Next(ctx) {
		conversations = append(conversations, iter.Val()[len(keyContainer):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan container keys: %w", err)
	}
	return conversations, nil
}

// HasRecord reports whether a container id is known to the KV, either as an
// assigned container (reverse key) or as a warm-pool entry. The GC orphan
// scan uses this to decide whether a labeled sandbox is owned.
func (s *Store) HasRecord(ctx context.Context, containerID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyReverse+containerID, keyWarmPoolInfo+containerID).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS: %w", err)
	}
	return n > 0, nil
}

func containerFromHash(conversationID string, fields map[string]string) *models.Container {
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	lastUsedAt, _ := strconv.ParseInt(fields["last_used_at"], 10, 64)
	return &models.Container{
		ID:             fields[fieldContainerID],
		ConversationID: conversationID,
		State:          models.ContainerState(fields["state"]),
		Endpoint:       fields["endpoint"],
		ManagerType:    models.ManagerType(fields["manager_type"]),
		TaskHandle:     fields["task_handle"],
		CreatedAt:      time.Unix(createdAt, 0),
		LastUsedAt:     time.Unix(lastUsedAt, 0),
	}
}

// =========================================================================
// Conversation lock
// =========================================================================

// AcquireLock takes the distributed per-conversation lock. Returns the lock
// token on success and ErrLockHeld when another execution owns it.
func (s *Store) AcquireLock(ctx context.Context, conversationID string) (string, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, keyLock+conversationID, token, s.lockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("redis SETNX lock: %w", err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// ReleaseLock releases the lock only if token still owns it.
func (s *Store) ReleaseLock(ctx context.Context, conversationID, token string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{keyLock + conversationID}, token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// RefreshLock extends the TTL for the current holder. Long executions call
// this from the bridge so the lock outlives slow agent turns.
func (s *Store) RefreshLock(ctx context.Context, conversationID, token string) error {
	err := refreshScript.Run(ctx, s.rdb,
		[]string{keyLock + conversationID}, token, s.lockTTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	return nil
}

// =========================================================================
// Warm pool
// =========================================================================

// WarmPoolEntry is the metadata hash kept per pooled container.
type WarmPoolEntry struct {
	ContainerID string
	Endpoint    string
	TaskHandle  string
	CreatedAt   time.Time
}

// PushWarmPool enqueues a freshly created, unassigned container.
func (s *Store) PushWarmPool(ctx context.Context, e WarmPoolEntry) error {
	pipe := s.rdb.TxPipeline()
	info := keyWarmPoolInfo + e.ContainerID
	pipe.HSet(ctx, info, map[string]any{
		fieldContainerID: e.ContainerID,
		"endpoint":       e.Endpoint,
		"task_handle":    e.TaskHandle,
		"created_at":     strconv.FormatInt(e.CreatedAt.Unix(), 10),
	})
	pipe.Expire(ctx, info, s.warmPoolTTL)
	pipe.LPush(ctx, keyWarmPool, e.ContainerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push warm pool %s: %w", e.ContainerID, err)
	}
	return nil
}

// PopWarmPool dequeues the oldest pool entry. A dequeued id whose info hash
// has TTL-expired is returned with ErrNotFound so the caller can destroy the
// stale container and retry.
func (s *Store) PopWarmPool(ctx context.Context) (*WarmPoolEntry, error) {
	id, err := s.rdb.RPop(ctx, keyWarmPool).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis RPOP warm pool: %w", err)
	}

	fields, err := s.rdb.HGetAll(ctx, keyWarmPoolInfo+id).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL warm pool info: %w", err)
	}
	if len(fields) == 0 {
		// Entry expired while queued; hand the bare id back for cleanup.
		return &WarmPoolEntry{ContainerID: id}, ErrNotFound
	}
	_ = s.rdb.Del(ctx, keyWarmPoolInfo+id)

	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return &WarmPoolEntry{
		ContainerID: id,
		Endpoint:    fields["endpoint"],
		TaskHandle:  fields["task_handle"],
		CreatedAt:   time.Unix(createdAt, 0),
	}, nil
}

// WarmPoolSize returns the current queue length.
func (s *Store) WarmPoolSize(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, keyWarmPool).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN warm pool: %w", err)
	}
	return n, nil
}

// DrainWarmPool empties the queue and returns every entry still holding
// metadata, for shutdown-time destruction.
func (s *Store) DrainWarmPool(ctx context.Context) ([]WarmPoolEntry, error) {
	var entries []WarmPoolEntry
	for {
		e, err := s.PopWarmPool(ctx)
		if errors.Is(err, ErrNotFound) {
			if e != nil {
				entries = append(entries, *e)
				continue
			}
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, *e)
	}
}
