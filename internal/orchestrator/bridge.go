package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentcloud/workspace/internal/db"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
)

// bridge is the event fan-out for one execution. It owns the per-
// conversation seq counter, delivers events to the client channel, and
// keeps persisting without delivering once the client is gone. At most one
// event is buffered toward the client. The mutex serializes the execution
// goroutine with the heartbeat loop.
type bridge struct {
	clientCtx      context.Context
	out            chan models.Event
	db             *db.DB
	metrics        *metrics.Metrics
	conversationID string

	mu         sync.Mutex
	seq        int64
	clientGone bool
	lastEmit   time.Time
	started    time.Time
}

func newBridge(clientCtx context.Context, out chan models.Event, database *db.DB, m *metrics.Metrics, conversationID string) *bridge {
	now := time.Now()
	return &bridge{
		clientCtx:      clientCtx,
		out:            out,
		db:             database,
		metrics:        m,
		conversationID: conversationID,
		lastEmit:       now,
		started:        now,
	}
}

// emit tags the event with the next seq and offers it to the client. A
// disconnected client flips clientGone permanently; draining continues so
// persistence and usage accounting finish regardless.
func (b *bridge) emit(evType models.EventType, data json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(evType, data)
}

func (b *bridge) emitLocked(evType models.EventType, data json.RawMessage) {
	b.seq++
	b.lastEmit = time.Now()
	ev := models.Event{Type: evType, Seq: b.seq, Data: data}
	b.metrics.EventsForwarded.Inc()

	if b.clientGone {
		return
	}
	select {
	case b.out <- ev:
	case <-b.clientCtx.Done():
		b.clientGone = true
		slog.Info("Client disconnected, draining in background",
			"conversation_id", b.conversationID, "seq", b.seq)
	}
}

// emitJSON marshals payload and emits it. Marshal failures of our own
// payload types cannot happen with well-formed structs; they are logged and
// dropped rather than killing the stream.
func (b *bridge) emitJSON(evType models.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Event payload marshal failed", "type", evType, "error", err)
		return
	}
	b.emit(evType, data)
}

// ping emits a heartbeat if the heartbeat interval has elapsed since the
// last event. Returns the duration until the next deadline so the loop can
// re-arm its timer.
func (b *bridge) ping(interval time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	idle := time.Since(b.lastEmit)
	if idle >= interval {
		data, err := json.Marshal(models.PingPayload{
			ElapsedMS: time.Since(b.started).Milliseconds(),
		})
		if err == nil {
			b.emitLocked(models.EventPing, data)
		}
		return interval
	}
	return interval - idle
}

// startHeartbeat runs the ping loop for the whole stream lifetime, so the
// client sees liveness during sandbox preparation and title generation as
// well as between agent events. The returned stop function waits for the
// loop to exit; call it before close so no ping races the channel close.
func (b *bridge) startHeartbeat(interval time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				timer.Reset(b.ping(interval))
			case <-stopCh:
				return
			}
		}
	}()
	return func() {
		close(stopCh)
		<-doneCh
	}
}

// persist appends one message-log row. The row's own seq comes from the
// database; a persistence failure is logged but does not end the stream,
// matching the contract that the client sees the agent's events even when
// the log lags.
func (b *bridge) persist(ctx context.Context, msgType models.MessageType, content string) {
	if _, err := b.db.AppendMessage(ctx, b.conversationID, msgType, content); err != nil {
		slog.Error("Message log append failed",
			"conversation_id", b.conversationID, "type", msgType, "error", err)
	}
}

// fail emits the terminal error event.
func (b *bridge) fail(serr *models.StreamError) {
	slog.Warn("Execution failed", "conversation_id", b.conversationID,
		"error_type", serr.Type, "error", serr.Message)
	b.emitJSON(models.EventError, serr.Payload())
}

// close ends the client stream.
func (b *bridge) close() { close(b.out) }
