package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"

	"github.com/agentcloud/workspace/internal/models"
	"github.com/agentcloud/workspace/internal/orchestrator"
)

// streamRequest is the request_data part of the multipart body (or the whole
// body for JSON requests without attachments).
type streamRequest struct {
	UserInput       string                `json:"user_input"`
	Executor        orchestrator.Executor `json:"executor"`
	Tokens          map[string]string     `json:"tokens,omitempty"`
	ProxyRules      []models.ProxyRule    `json:"proxy_rules,omitempty"`
	AllowedTools    []string              `json:"allowed_tools,omitempty"`
	PreferredSkills []string              `json:"preferred_skills,omitempty"`
}

// attachmentMeta pairs an uploaded part with its workspace placement. Parts
// and metadata entries are matched by filename.
type attachmentMeta struct {
	Filename             string `json:"filename"`
	OriginalName         string `json:"original_name"`
	RelativePath         string `json:"relative_path"`
	OriginalRelativePath string `json:"original_relative_path,omitempty"`
	ContentType          string `json:"content_type,omitempty"`
}

// handleStream runs one execution and relays its events as SSE. Failures
// before the first agent event map to an HTTP status; once streaming has
// begun every failure is a terminal error event on the 200 response.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := &orchestrator.Request{
		TenantID:       vars["tenant_id"],
		ConversationID: vars["conversation_id"],
	}

	if err := s.parseStreamRequest(r, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		writeError(w, http.StatusBadRequest, "user_input is required")
		return
	}

	events := s.orch.Execute(r.Context(), req)

	// Peek the first event: a pre-flight failure arrives as an immediate
	// terminal error and still has an HTTP status to claim.
	first, ok := <-events
	if ok && first.Type == models.EventError && first.Seq == 1 {
		var p models.ErrorPayload
		if json.Unmarshal(first.Data, &p) == nil {
			if status := preStreamStatus(p.ErrorType); status != 0 {
				writeJSON(w, status, p)
				return
			}
		}
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The retry hint travels once, on the first frame.
	fmt.Fprintf(w, "retry: 3000\n")
	if ok {
		writeSSE(w, req.ConversationID, first)
		flusher.Flush()
	}
	for ev := range events {
		writeSSE(w, req.ConversationID, ev)
		flusher.Flush()
	}
}

// preStreamStatus maps pre-flight error types to HTTP statuses. Zero means
// the error streams as SSE like any other.
func preStreamStatus(errType string) int {
	switch errType {
	case models.ErrTypeConversationLocked:
		return http.StatusConflict
	case models.ErrTypeContextLimitExceeded, models.ErrTypeModelValidation:
		return http.StatusBadRequest
	case models.ErrTypeOptions:
		return http.StatusNotFound
	case models.ErrTypeSDKNotInstalled, models.ErrTypeExecution, models.ErrTypeBackgroundExecution:
		// Infrastructure failed before anything streamed: lock machinery,
		// sandbox resolution, or workspace preparation.
		return http.StatusInternalServerError
	default:
		return 0
	}
}

func writeSSE(w io.Writer, conversationID string, ev models.Event) {
	fmt.Fprintf(w, "id: %s:%d\n", conversationID, ev.Seq)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}

// parseStreamRequest accepts either a bare JSON body or a multipart form
// with a request_data part plus uploaded files described by file_metadata.
func (s *Server) parseStreamRequest(r *http.Request, req *orchestrator.Request) error {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var sr streamRequest

	if contentType != "multipart/form-data" {
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, s.maxUploadBytes)).Decode(&sr); err != nil {
			return fmt.Errorf("decode request body: %w", err)
		}
		applyStreamRequest(req, &sr)
		return nil
	}

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return fmt.Errorf("parse multipart form: %w", err)
	}
	if err := json.Unmarshal([]byte(r.FormValue("request_data")), &sr); err != nil {
		return fmt.Errorf("decode request_data: %w", err)
	}
	applyStreamRequest(req, &sr)

	var metas []attachmentMeta
	if raw := r.FormValue("file_metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metas); err != nil {
			return fmt.Errorf("decode file_metadata: %w", err)
		}
	}
	metaFor := make(map[string]attachmentMeta, len(metas))
	for _, m := range metas {
		metaFor[m.Filename] = m
	}

	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("read upload %s: %w", fh.Filename, err)
		}

		att := models.Attachment{
			Filename:     fh.Filename,
			OriginalName: fh.Filename,
			RelativePath: path.Join("uploads", fh.Filename),
			ContentType:  fh.Header.Get("Content-Type"),
			Size:         int64(len(data)),
			Data:         data,
		}
		if m, found := metaFor[fh.Filename]; found {
			if m.OriginalName != "" {
				att.OriginalName = m.OriginalName
			}
			if m.RelativePath != "" {
				att.RelativePath = m.RelativePath
			}
			att.OriginalRelativePath = m.OriginalRelativePath
			if m.ContentType != "" {
				att.ContentType = m.ContentType
			}
		}
		if att.ContentType == "" {
			att.ContentType = "application/octet-stream"
		}
		if !validRelativePath(att.RelativePath) {
			return fmt.Errorf("invalid attachment path %q", att.RelativePath)
		}
		req.Attachments = append(req.Attachments, att)
	}

	slog.Debug("Stream request parsed", "conversation_id", req.ConversationID,
		"attachments", len(req.Attachments))
	return nil
}

func applyStreamRequest(req *orchestrator.Request, sr *streamRequest) {
	req.UserInput = sr.UserInput
	req.Executor = sr.Executor
	req.Tokens = sr.Tokens
	req.ProxyRules = sr.ProxyRules
	req.AllowedTools = sr.AllowedTools
	req.PreferredSkills = sr.PreferredSkills
}

// validRelativePath rejects attachment placements that would escape the
// workspace root.
func validRelativePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
