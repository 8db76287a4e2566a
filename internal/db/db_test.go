package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcloud/workspace/internal/models"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return New(sqlx.NewDb(raw, "sqlmock")), mock
}

func conversationColumns() []string {
	return []string{
		"id", "tenant_id", "session_id", "status", "title", "model_id",
		"context_window", "total_input_tokens", "total_output_tokens",
		"estimated_context_tokens", "created_at", "updated_at",
	}
}

func TestGetConversation(t *testing.T) {
	d, mock := newMockDB(t)
	rows := sqlmock.NewRows(conversationColumns()).AddRow(
		"conv1", "t1", "sess-9", "active", "Report", "claude-sonnet",
		int64(200000), int64(500), int64(250), int64(12000), time.Now(), nil)
	mock.ExpectQuery("SELECT c.id").WithArgs("conv1").WillReturnRows(rows)

	c, err := d.GetConversation(context.Background(), "conv1")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", c.SessionID)
	assert.EqualValues(t, 200000, c.ContextWindow)
	assert.EqualValues(t, 12000, c.EstimatedContextToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConversationNotFound(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery("SELECT c.id").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := d.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestAppendMessageAllocatesNextSeq(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("msglog:conv1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO message_logs").
		WithArgs(sqlmock.AnyArg(), "conv1", "user", "hello").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))
	mock.ExpectCommit()

	seq, err := d.AppendMessage(context.Background(), "conv1", models.MessageUser, "hello")
	require.NoError(t, err)
	assert.EqualValues(t, 4, seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageRollsBackOnInsertFailure(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("msglog:conv1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO message_logs").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := d.AppendMessage(context.Background(), "conv1", models.MessageUser, "hello")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertUsageLogAccumulatesTotals(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Totals are added, never overwritten; the update carries the deltas.
	mock.ExpectExec("UPDATE conversations SET").
		WithArgs("conv1", int64(100), int64(50), int64(12345)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u := &models.UsageLog{
		ConversationID: "conv1",
		InputTokens:    100,
		OutputTokens:   50,
		CostUSD:        0.02,
		DurationMS:     900,
		TurnCount:      1,
	}
	require.NoError(t, d.InsertUsageLog(context.Background(), u, 12345))
	assert.NotEmpty(t, u.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetTitleOnlyWhenUnset(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec("UPDATE conversations SET title").
		WithArgs("conv1", "Budget Review").
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := d.SetTitle(context.Background(), "conv1", "Budget Review")
	require.NoError(t, err)
	assert.True(t, changed)

	// A conversation that already has a title matches zero rows.
	mock.ExpectExec("UPDATE conversations SET title").
		WithArgs("conv1", "Another Title").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err = d.SetTitle(context.Background(), "conv1", "Another Title")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSetSessionID(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec("UPDATE conversations SET session_id").
		WithArgs("conv1", "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, d.SetSessionID(context.Background(), "conv1", "sess-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWorkspaceFileAssignsID(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO workspace_files").
		WillReturnResult(sqlmock.NewResult(0, 1))

	f := &models.WorkspaceFile{
		ConversationID: "conv1",
		Path:           "out/report.md",
		Size:           42,
		ContentType:    "text/markdown",
		Source:         models.SourceAICreated,
	}
	require.NoError(t, d.UpsertWorkspaceFile(context.Background(), f))
	assert.NotEmpty(t, f.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
