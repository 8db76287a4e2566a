package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcloud/workspace/internal/models"
	"github.com/agentcloud/workspace/internal/orchestrator"
)

func TestPreStreamStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, preStreamStatus(models.ErrTypeConversationLocked))
	assert.Equal(t, http.StatusBadRequest, preStreamStatus(models.ErrTypeContextLimitExceeded))
	assert.Equal(t, http.StatusBadRequest, preStreamStatus(models.ErrTypeModelValidation))
	assert.Equal(t, http.StatusNotFound, preStreamStatus(models.ErrTypeOptions))
	// Pre-stream infrastructure failures are real HTTP errors, not a 200
	// carrying an SSE error frame.
	assert.Equal(t, http.StatusInternalServerError, preStreamStatus(models.ErrTypeExecution))
	assert.Equal(t, http.StatusInternalServerError, preStreamStatus(models.ErrTypeBackgroundExecution))
	assert.Equal(t, http.StatusInternalServerError, preStreamStatus(models.ErrTypeSDKNotInstalled))
	assert.Zero(t, preStreamStatus(models.ErrTypeTimeout))
	assert.Zero(t, preStreamStatus(models.ErrTypeBackgroundTask))
}

func TestValidRelativePath(t *testing.T) {
	assert.True(t, validRelativePath("uploads/report.pdf"))
	assert.True(t, validRelativePath("a/b/c.txt"))
	assert.False(t, validRelativePath(""))
	assert.False(t, validRelativePath("/etc/passwd"))
	assert.False(t, validRelativePath("../outside"))
	assert.False(t, validRelativePath("a/../../outside"))
}

func TestWriteSSEFraming(t *testing.T) {
	var buf bytes.Buffer
	writeSSE(&buf, "conv1", models.Event{
		Type: models.EventAssistant,
		Seq:  7,
		Data: json.RawMessage(`{"content":"hi"}`),
	})
	assert.Equal(t, "id: conv1:7\nevent: assistant\ndata: {\"content\":\"hi\"}\n\n", buf.String())
}

func TestParseJSONBody(t *testing.T) {
	s := &Server{maxUploadBytes: 1 << 20}
	body := `{
		"user_input": "analyze the data",
		"executor": {"user_id": "u1", "name": "Sam Doe", "email": "sam@corp.example"},
		"tokens": {"github_token": "ghp_x"},
		"allowed_tools": ["bash", "present_files"],
		"preferred_skills": ["spreadsheets"]
	}`
	r := httptest.NewRequest(http.MethodPost, "/stream", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	req := &orchestrator.Request{TenantID: "t1", ConversationID: "c1"}
	require.NoError(t, s.parseStreamRequest(r, req))

	assert.Equal(t, "analyze the data", req.UserInput)
	assert.Equal(t, "u1", req.Executor.UserID)
	assert.Equal(t, "ghp_x", req.Tokens["github_token"])
	assert.Equal(t, []string{"bash", "present_files"}, req.AllowedTools)
	assert.Equal(t, []string{"spreadsheets"}, req.PreferredSkills)
	assert.Empty(t, req.Attachments)
}

func TestParseMultipartWithFiles(t *testing.T) {
	s := &Server{maxUploadBytes: 1 << 20}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("request_data", `{"user_input":"summarize","executor":{"user_id":"u1"}}`))
	require.NoError(t, w.WriteField("file_metadata", `[
		{"filename":"data_a1b2.csv","original_name":"data.csv","relative_path":"uploads/data_a1b2.csv","content_type":"text/csv"}
	]`))
	part, err := w.CreateFormFile("files", "data_a1b2.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := httptest.NewRequest(http.MethodPost, "/stream", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())

	req := &orchestrator.Request{TenantID: "t1", ConversationID: "c1"}
	require.NoError(t, s.parseStreamRequest(r, req))

	assert.Equal(t, "summarize", req.UserInput)
	require.Len(t, req.Attachments, 1)
	att := req.Attachments[0]
	assert.Equal(t, "data_a1b2.csv", att.Filename)
	assert.Equal(t, "data.csv", att.OriginalName)
	assert.Equal(t, "uploads/data_a1b2.csv", att.RelativePath)
	assert.Equal(t, "text/csv", att.ContentType)
	assert.Equal(t, []byte("a,b\n1,2\n"), att.Data)
	assert.EqualValues(t, 8, att.Size)
}

func TestParseMultipartRejectsEscapingPath(t *testing.T) {
	s := &Server{maxUploadBytes: 1 << 20}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("request_data", `{"user_input":"x"}`))
	require.NoError(t, w.WriteField("file_metadata", `[
		{"filename":"evil.txt","relative_path":"../../etc/cron.d/evil"}
	]`))
	part, err := w.CreateFormFile("files", "evil.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := httptest.NewRequest(http.MethodPost, "/stream", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())

	req := &orchestrator.Request{}
	err = s.parseStreamRequest(r, req)
	assert.ErrorContains(t, err, "invalid attachment path")
}

func TestParseMultipartBadRequestData(t *testing.T) {
	s := &Server{maxUploadBytes: 1 << 20}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("request_data", `not json`))
	require.NoError(t, w.Close())

	r := httptest.NewRequest(http.MethodPost, "/stream", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())

	err := s.parseStreamRequest(r, &orchestrator.Request{})
	assert.ErrorContains(t, err, "decode request_data")
}
