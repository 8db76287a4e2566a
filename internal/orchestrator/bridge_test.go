package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
)

func newTestBridge(ctx context.Context, buf int) (*bridge, chan models.Event) {
	out := make(chan models.Event, buf)
	return newBridge(ctx, out, nil, metrics.NewForTest(), "conv1"), out
}

func TestBridgeSeqStartsAtOneAndIncreases(t *testing.T) {
	b, out := newTestBridge(context.Background(), 10)

	b.emit(models.EventInit, json.RawMessage(`{"type":"init"}`))
	b.emit(models.EventAssistant, json.RawMessage(`{"type":"assistant"}`))
	b.emit(models.EventDone, json.RawMessage(`{"type":"done"}`))
	b.close()

	var seqs []int64
	for ev := range out {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestBridgeKeepsCountingAfterClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b, out := newTestBridge(ctx, 1)

	b.emit(models.EventInit, json.RawMessage(`{}`))
	// Client stops reading and disconnects with the buffer full.
	b.emit(models.EventAssistant, json.RawMessage(`{}`))
	cancel()
	b.emit(models.EventToolCall, json.RawMessage(`{}`))

	assert.True(t, b.clientGone)
	// Seq keeps advancing for the persistence path.
	assert.EqualValues(t, 3, b.seq)

	b.emit(models.EventDone, json.RawMessage(`{}`))
	assert.EqualValues(t, 4, b.seq)
	b.close()

	// Only the events delivered before the disconnect are on the channel.
	var delivered int
	for range out {
		delivered++
	}
	assert.Equal(t, 1, delivered)
}

func TestBridgePingOnlyWhenIdle(t *testing.T) {
	b, out := newTestBridge(context.Background(), 10)

	// Fresh emit: the stream is not idle, no ping goes out.
	b.emit(models.EventInit, json.RawMessage(`{}`))
	wait := b.ping(10 * time.Second)
	assert.Less(t, wait, 10*time.Second)
	assert.Positive(t, wait)

	// Force idleness past the interval.
	b.lastEmit = time.Now().Add(-11 * time.Second)
	wait = b.ping(10 * time.Second)
	assert.Equal(t, 10*time.Second, wait)
	b.close()

	var types []models.EventType
	for ev := range out {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.EventType{models.EventInit, models.EventPing}, types)
}

func TestBridgeHeartbeatLoopEmitsWhileQuiet(t *testing.T) {
	b, out := newTestBridge(context.Background(), 10)

	// No events flow at all; the loop alone must keep the stream alive.
	stop := b.startHeartbeat(20 * time.Millisecond)
	time.Sleep(110 * time.Millisecond)
	stop()
	b.close()

	var pings int
	for ev := range out {
		require.Equal(t, models.EventPing, ev.Type)
		pings++
	}
	assert.GreaterOrEqual(t, pings, 3)
}

func TestBridgeFailEmitsTerminalError(t *testing.T) {
	b, out := newTestBridge(context.Background(), 1)

	b.fail(models.ErrConversationLocked("conv1"))
	b.close()

	ev := <-out
	require.Equal(t, models.EventError, ev.Type)
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, models.ErrTypeConversationLocked, p.ErrorType)
	assert.True(t, p.Recoverable)
}

func TestPingPayloadCarriesElapsed(t *testing.T) {
	b, out := newTestBridge(context.Background(), 1)
	b.started = time.Now().Add(-3 * time.Second)
	b.lastEmit = time.Now().Add(-time.Minute)

	b.ping(10 * time.Second)
	b.close()

	ev := <-out
	var p models.PingPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.GreaterOrEqual(t, p.ElapsedMS, int64(3000))
}
