// Package filesync materializes a conversation's object-store workspace into
// its sandbox before execution and uploads the changes afterwards.
//
// Layout in the object store: {prefix}/{tenant_id}/{conversation_id}/{path}.
// Inside the sandbox everything lives under /workspace. The pull phase drops
// a marker file whose mtime partitions pre-existing files from files the
// agent created or modified during the turn.
package filesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agentcloud/workspace/internal/agent"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
)

const (
	workspaceRoot = "/workspace"
	syncMarker    = "/tmp/.workspace_sync_marker"
)

// S3API is the slice of the S3 client the synchronizer uses, so tests can
// stub the object store.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// AgentClient is the sandbox-side surface the synchronizer needs.
type AgentClient interface {
	Exec(ctx context.Context, cmd []string) (int, string, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Catalog is the file-metadata surface of the database, satisfied by *db.DB.
type Catalog interface {
	UpsertWorkspaceFile(ctx context.Context, f *models.WorkspaceFile) error
	ListWorkspaceFiles(ctx context.Context, conversationID string) ([]models.WorkspaceFile, error)
}

// Syncer moves workspace files between S3 and sandboxes.
type Syncer struct {
	s3      S3API
	bucket  string
	prefix  string
	db      Catalog
	metrics *metrics.Metrics
	// newAgent is swappable for tests; defaults to agent.NewClient.
	newAgent func(endpoint string) AgentClient
}

// New builds a Syncer.
func New(s3c S3API, bucket, prefix string, database Catalog, m *metrics.Metrics) *Syncer {
	return &Syncer{
		s3:      s3c,
		bucket:  bucket,
		prefix:  prefix,
		db:      database,
		metrics: m,
		newAgent: func(endpoint string) AgentClient {
			return agent.NewClient(endpoint)
		},
	}
}

func (s *Syncer) objectPrefix(tenantID, conversationID string) string {
	return path.Join(s.prefix, tenantID, conversationID) + "/"
}

// Pull streams every workspace object into the sandbox and materializes the
// request's attachments, then drops the sync marker.
func (s *Syncer) Pull(ctx context.Context, tenantID, conversationID string, c *models.Container, attachments []models.Attachment) error {
	start := time.Now()
	cli := s.newAgent(c.Endpoint)
	prefix := s.objectPrefix(tenantID, conversationID)

	var bytesMoved int64
	var continuation *string
	for {
		page, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("list workspace objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			n, err := s.pullObject(ctx, cli, key, rel)
			if err != nil {
				return fmt.Errorf("pull %s: %w", rel, err)
			}
			bytesMoved += n
		}
		if page.NextContinuationToken == nil {
			break
		}
		continuation = page.NextContinuationToken
	}

	for _, att := range attachments {
		target := path.Join(workspaceRoot, att.RelativePath)
		if err := cli.WriteFile(ctx, target, att.Data); err != nil {
			return fmt.Errorf("write attachment %s: %w", att.Filename, err)
		}
		bytesMoved += int64(len(att.Data))
		// Attachments are also the newest version in the store so the next
		// pull sees them.
		if err := s.putObject(ctx, path.Join(prefix, att.RelativePath), att.Data, att.ContentType); err != nil {
			return fmt.Errorf("upload attachment %s: %w", att.Filename, err)
		}
		f := &models.WorkspaceFile{
			ConversationID: conversationID,
			Path:           att.RelativePath,
			Size:           int64(len(att.Data)),
			ContentType:    att.ContentType,
			Source:         models.SourceUserUpload,
			Checksum:       checksum(att.Data),
		}
		if err := s.db.UpsertWorkspaceFile(ctx, f); err != nil {
			return fmt.Errorf("record attachment %s: %w", att.Filename, err)
		}
	}

	if _, _, err := cli.Exec(ctx, []string{"touch", syncMarker}); err != nil {
		return fmt.Errorf("drop sync marker: %w", err)
	}

	if s.metrics != nil {
		s.metrics.FileSyncBytes.WithLabelValues("pull").Add(float64(bytesMoved))
		s.metrics.FileSyncDuration.WithLabelValues("pull").Observe(time.Since(start).Seconds())
	}
	slog.Info("Workspace pulled", "conversation_id", conversationID,
		"container_id", c.ID, "bytes", bytesMoved, "attachments", len(attachments))
	return nil
}

func (s *Syncer) pullObject(ctx context.Context, cli AgentClient, key, rel string) (int64, error) {
	obj, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("get object: %w", err)
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return 0, fmt.Errorf("read object body: %w", err)
	}
	if err := cli.WriteFile(ctx, path.Join(workspaceRoot, rel), data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// PullSkills materializes the named shared skill bundles into the sandbox
// under /workspace/skills/{name}. Bundles live tenant-wide at
// {prefix}/{tenant_id}/skills/{name}/; an unknown name is skipped with a
// warning rather than failing the turn.
func (s *Syncer) PullSkills(ctx context.Context, tenantID string, names []string, c *models.Container) error {
	cli := s.newAgent(c.Endpoint)
	var bytesMoved int64
	start := time.Now()

	for _, name := range names {
		prefix := path.Join(s.prefix, tenantID, "skills", name) + "/"
		found := false
		var continuation *string
		for {
			page, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: continuation,
			})
			if err != nil {
				return fmt.Errorf("list skill %s: %w", name, err)
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				rel := strings.TrimPrefix(key, prefix)
				if rel == "" || strings.HasSuffix(rel, "/") {
					continue
				}
				found = true
				obj, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    aws.String(key),
				})
				if err != nil {
					return fmt.Errorf("get skill file %s/%s: %w", name, rel, err)
				}
				data, err := io.ReadAll(obj.Body)
				obj.Body.Close()
				if err != nil {
					return fmt.Errorf("read skill file %s/%s: %w", name, rel, err)
				}
				target := path.Join(workspaceRoot, "skills", name, rel)
				if err := cli.WriteFile(ctx, target, data); err != nil {
					return fmt.Errorf("write skill file %s: %w", target, err)
				}
				bytesMoved += int64(len(data))
			}
			if page.NextContinuationToken == nil {
				break
			}
			continuation = page.NextContinuationToken
		}
		if !found {
			slog.Warn("Skill bundle not found", "tenant_id", tenantID, "skill", name)
		}
	}

	if s.metrics != nil && bytesMoved > 0 {
		s.metrics.FileSyncBytes.WithLabelValues("pull").Add(float64(bytesMoved))
		s.metrics.FileSyncDuration.WithLabelValues("pull").Observe(time.Since(start).Seconds())
	}
	return nil
}

// PushResult summarizes one push phase.
type PushResult struct {
	Files int
	Bytes int64
}

// Push enumerates files the agent touched since the marker, uploads each as
// the newest object version, and records a workspace_files row. presented
// holds the paths the agent named in present_files tool calls this turn.
func (s *Syncer) Push(ctx context.Context, tenantID, conversationID string, c *models.Container, presented map[string]bool) (*PushResult, error) {
	start := time.Now()
	cli := s.newAgent(c.Endpoint)
	prefix := s.objectPrefix(tenantID, conversationID)

	code, out, err := cli.Exec(ctx, []string{
		"find", workspaceRoot, "-type", "f", "-newer", syncMarker,
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate changed files: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("enumerate changed files: find exited %d: %s", code, out)
	}

	existing := make(map[string]bool)
	if rows, err := s.db.ListWorkspaceFiles(ctx, conversationID); err == nil {
		for _, row := range rows {
			existing[row.Path] = true
		}
	}

	res := &PushResult{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rel := strings.TrimPrefix(line, workspaceRoot+"/")
		data, err := cli.ReadFile(ctx, line)
		if err != nil {
			return res, fmt.Errorf("read changed file %s: %w", rel, err)
		}

		contentType := mime.TypeByExtension(path.Ext(rel))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.putObject(ctx, path.Join(prefix, rel), data, contentType); err != nil {
			return res, fmt.Errorf("upload %s: %w", rel, err)
		}

		source := models.SourceAICreated
		if existing[rel] {
			source = models.SourceAIModified
		}
		f := &models.WorkspaceFile{
			ConversationID: conversationID,
			Path:           rel,
			Size:           int64(len(data)),
			ContentType:    contentType,
			Source:         source,
			Checksum:       checksum(data),
			IsPresented:    presented[rel],
		}
		if err := s.db.UpsertWorkspaceFile(ctx, f); err != nil {
			return res, fmt.Errorf("record %s: %w", rel, err)
		}
		res.Files++
		res.Bytes += int64(len(data))
	}

	if s.metrics != nil {
		s.metrics.FileSyncBytes.WithLabelValues("push").Add(float64(res.Bytes))
		s.metrics.FileSyncDuration.WithLabelValues("push").Observe(time.Since(start).Seconds())
	}
	slog.Info("Workspace pushed", "conversation_id", conversationID,
		"container_id", c.ID, "files", res.Files, "bytes", res.Bytes)
	return res, nil
}

func (s *Syncer) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
