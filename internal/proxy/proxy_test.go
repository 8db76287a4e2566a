package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
)

func newTestProxy(domains ...string) *Proxy {
	return New(Options{
		AllowedDomains: domains,
		Metrics:        metrics.NewForTest(),
	})
}

func TestBlockedHostGetsSynthetic403(t *testing.T) {
	p := newTestProxy("api.anthropic.com")
	handler := p.Handler()

	req := httptest.NewRequest(http.MethodGet, "http://evil.example.net/steal", nil)
	req.Host = "evil.example.net"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "evil.example.net")
}

func TestHostAllowedSuffixMatch(t *testing.T) {
	p := newTestProxy("example.com", "internal.corp")

	assert.True(t, p.hostAllowed("example.com"))
	assert.True(t, p.hostAllowed("api.example.com"))
	assert.True(t, p.hostAllowed("deep.api.example.com"))
	assert.False(t, p.hostAllowed("badexample.com"))
	assert.False(t, p.hostAllowed("example.com.evil.net"))
	assert.True(t, p.hostAllowed("mcp.internal.corp"))
}

func TestRequestHostStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com:8443/v1", nil)
	req.Host = "api.example.com:8443"
	assert.Equal(t, "api.example.com", requestHost(req))
}

func TestPatternMatches(t *testing.T) {
	assert.True(t, patternMatches("api.example.com", "api.example.com"))
	assert.False(t, patternMatches("api.example.com", "other.example.com"))
	assert.True(t, patternMatches("*.example.com", "api.example.com"))
	assert.True(t, patternMatches("*.example.com", "example.com"))
	assert.False(t, patternMatches("*.example.com", "example.org"))
}

func TestSubstituteTokens(t *testing.T) {
	tokens := map[string]string{"github_token": "ghp_abc", "jira": "j123"}

	assert.Equal(t, "Bearer ghp_abc",
		substituteTokens("Bearer ${github_token}", tokens))
	// Unknown placeholders stay intact so misconfiguration is visible.
	assert.Equal(t, "Bearer ${missing}",
		substituteTokens("Bearer ${missing}", tokens))
	assert.Equal(t, "no placeholders", substituteTokens("no placeholders", tokens))
}

func TestApplyMCPRulesSetsMatchingHeaders(t *testing.T) {
	p := newTestProxy("example.com")
	p.UpdateRules([]models.ProxyRule{
		{
			HostPattern: "*.example.com",
			Headers:     map[string]string{"Authorization": "Bearer ${tok}"},
		},
		{
			HostPattern: "other.net",
			Headers:     map[string]string{"X-Other": "never"},
		},
	}, map[string]string{"tok": "secret"})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1", nil)
	p.applyMCPRules(req, "api.example.com")

	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("X-Other"))
}

func TestUpdateRulesEndpoint(t *testing.T) {
	p := newTestProxy("example.com")
	handler := p.Handler()

	payload, err := json.Marshal(updateRulesRequest{
		Rules: []models.ProxyRule{
			{HostPattern: "mcp.example.com", Headers: map[string]string{"X-Token": "${t}"}},
		},
		Tokens: map[string]string{"t": "v"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "http://proxy/admin/update-rules", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	out := httptest.NewRequest(http.MethodGet, "http://mcp.example.com/rpc", nil)
	p.applyMCPRules(out, "mcp.example.com")
	assert.Equal(t, "v", out.Header.Get("X-Token"))
}

func TestUpdateRulesRejectsGet(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://proxy/admin/update-rules", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSignWithoutCredentialsFails(t *testing.T) {
	p := newTestProxy("bedrock.us-east-1.amazonaws.com")
	req := httptest.NewRequest(http.MethodPost, "http://bedrock.us-east-1.amazonaws.com/model/x/invoke", nil)
	assert.Error(t, p.sign(req))
}

func TestHealthEndpoint(t *testing.T) {
	p := newTestProxy()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://proxy/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
