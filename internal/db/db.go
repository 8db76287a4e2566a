// Package db persists conversations, message logs, usage logs, and workspace
// file records in Postgres via sqlx on the pgx stdlib driver.
//
// Two access patterns share one pool: request-scoped catalog reads, and the
// streaming worker's writes. The worker never reuses a request-scoped
// statement or transaction, so request cleanup cannot close a handle the
// stream still holds.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/agentcloud/workspace/internal/models"
)

// ErrNoConversation is returned when the conversation row does not exist.
var ErrNoConversation = errors.New("db: conversation not found")

// DB wraps the sqlx pool.
type DB struct {
	pool *sqlx.DB
}

// Connect opens the pool and verifies connectivity.
func Connect(databaseURL string) (*DB, error) {
	pool, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(30 * time.Minute)
	return &DB{pool: pool}, nil
}

// New wraps an existing pool (tests).
func New(pool *sqlx.DB) *DB { return &DB{pool: pool} }

// Close shuts down the pool.
func (d *DB) Close() error { return d.pool.Close() }

// GetConversation loads the columns the orchestrator needs for the context
// gate and session resume.
func (d *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := d.pool.GetContext(ctx, &c, `
		SELECT c.id, c.tenant_id, COALESCE(c.session_id, '') AS session_id,
		       c.status, COALESCE(c.title, '') AS title,
		       c.model_id, m.context_window,
		       c.total_input_tokens, c.total_output_tokens,
		       c.estimated_context_tokens, c.created_at, c.updated_at
		FROM conversations c
		JOIN models m ON m.id = c.model_id
		WHERE c.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoConversation
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &c, nil
}

// SetSessionID records the agent's opaque session handle for resume.
func (d *DB) SetSessionID(ctx context.Context, conversationID, sessionID string) error {
	_, err := d.pool.ExecContext(ctx,
		`UPDATE conversations SET session_id = $2, updated_at = now() WHERE id = $1`,
		conversationID, sessionID)
	if err != nil {
		return fmt.Errorf("set session id: %w", err)
	}
	return nil
}

// SetTitle stores the generated title if none exists yet. Returns whether
// the row changed, so the caller knows whether to emit the title event.
func (d *DB) SetTitle(ctx context.Context, conversationID, title string) (bool, error) {
	res, err := d.pool.ExecContext(ctx, `
		UPDATE conversations SET title = $2, updated_at = now()
		WHERE id = $1 AND (title IS NULL OR title = '')`,
		conversationID, title)
	if err != nil {
		return false, fmt.Errorf("set title: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AppendMessage inserts one message-log row, allocating the next seq inside
// the transaction. The per-conversation advisory lock serializes concurrent
// appenders so seq stays gap-free.
func (d *DB) AppendMessage(ctx context.Context, conversationID string, msgType models.MessageType, content string) (int64, error) {
	tx, err := d.pool.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "msglog:"+conversationID); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}

	var seq int64
	err = tx.GetContext(ctx, &seq, `
		INSERT INTO message_logs (id, conversation_id, seq, type, content, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, now()
		FROM message_logs WHERE conversation_id = $2
		RETURNING seq`,
		uuid.NewString(), conversationID, string(msgType), content)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// ListMessages returns the log in seq order (diagnostics and tests).
func (d *DB) ListMessages(ctx context.Context, conversationID string) ([]models.MessageLog, error) {
	var rows []models.MessageLog
	err := d.pool.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, seq, type, content, created_at
		FROM message_logs WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows, nil
}

// InsertUsageLog writes the per-execution usage row and accumulates the
// conversation totals in the same transaction. Totals are added to, never
// overwritten.
func (d *DB) InsertUsageLog(ctx context.Context, u *models.UsageLog, estimatedContext int64) error {
	tx, err := d.pool.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage: %w", err)
	}
	defer tx.Rollback()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO usage_logs (id, conversation_id, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens, model_usage, cost_usd,
			duration_ms, turn_count, created_at)
		VALUES (:id, :conversation_id, :input_tokens, :output_tokens,
			:cache_creation_tokens, :cache_read_tokens, :model_usage, :cost_usd,
			:duration_ms, :turn_count, now())`, u)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			total_input_tokens = total_input_tokens + $2,
			total_output_tokens = total_output_tokens + $3,
			estimated_context_tokens = $4,
			updated_at = now()
		WHERE id = $1`,
		u.ConversationID, u.InputTokens, u.OutputTokens, estimatedContext)
	if err != nil {
		return fmt.Errorf("accumulate usage: %w", err)
	}
	return tx.Commit()
}

// UpsertWorkspaceFile records one changed object-store file. A re-push of
// the same path updates size, checksum, source, and the presented flag.
func (d *DB) UpsertWorkspaceFile(ctx context.Context, f *models.WorkspaceFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := d.pool.NamedExecContext(ctx, `
		INSERT INTO workspace_files (id, conversation_id, path, size, content_type,
			source, checksum, is_presented, created_at)
		VALUES (:id, :conversation_id, :path, :size, :content_type,
			:source, :checksum, :is_presented, now())
		ON CONFLICT (conversation_id, path) DO UPDATE SET
			size = EXCLUDED.size,
			content_type = EXCLUDED.content_type,
			source = EXCLUDED.source,
			checksum = EXCLUDED.checksum,
			is_presented = workspace_files.is_presented OR EXCLUDED.is_presented`, f)
	if err != nil {
		return fmt.Errorf("upsert workspace file %s: %w", f.Path, err)
	}
	return nil
}

// ListWorkspaceFiles returns the tracked files for a conversation.
func (d *DB) ListWorkspaceFiles(ctx context.Context, conversationID string) ([]models.WorkspaceFile, error) {
	var rows []models.WorkspaceFile
	err := d.pool.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, path, size, content_type, source, checksum,
		       is_presented, created_at
		FROM workspace_files WHERE conversation_id = $1 ORDER BY path`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list workspace files: %w", err)
	}
	return rows, nil
}
