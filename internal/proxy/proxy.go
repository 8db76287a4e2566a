// Package proxy implements the credential-injection forward proxy that sits
// between a sandbox and the outside network. Sandboxes have no network of
// their own; every outbound HTTP call arrives here in plain HTTP and leaves
// as HTTPS. On the way through, the proxy:
//
//   - rejects destinations not on the domain allow-list (synthetic 403),
//   - signs requests bound for the configured inference endpoint with
//     provider credentials the sandbox never sees,
//   - substitutes ephemeral tokens into per-tenant MCP header templates.
//
// The same handler runs in-process next to the local backend and as a
// standalone sidecar binary (cmd/proxy-sidecar) next to the remote backend.
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
)

// Proxy is one sandbox's outbound handler. Rules and tokens are scoped to a
// single execution and replaced wholesale before each dispatch.
type Proxy struct {
	allowedDomains []string
	signingHost    string
	signingRegion  string
	creds          aws.CredentialsProvider
	signer         *v4.Signer
	metrics        *metrics.Metrics
	forward        *httputil.ReverseProxy

	mu     sync.RWMutex
	rules  []models.ProxyRule
	tokens map[string]string
}

// Options configures a Proxy.
type Options struct {
	AllowedDomains []string
	SigningHost    string
	SigningRegion  string
	Credentials    aws.CredentialsProvider
	Metrics        *metrics.Metrics
}

// New builds a proxy. Credentials may be nil when no signing host is set.
func New(opts Options) *Proxy {
	p := &Proxy{
		allowedDomains: opts.AllowedDomains,
		signingHost:    opts.SigningHost,
		signingRegion:  opts.SigningRegion,
		creds:          opts.Credentials,
		signer:         v4.NewSigner(),
		metrics:        opts.Metrics,
	}
	p.forward = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			// Sandboxes speak plain HTTP to the proxy; the outside world
			// gets HTTPS.
			req.URL.Scheme = "https"
			req.URL.Host = req.Host
		},
		Transport: &http.Transport{
			MaxIdleConns:          50,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 5 * time.Minute,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("Proxy upstream error", "host", r.Host, "error", err)
			http.Error(w, "upstream error", http.StatusBadGateway)
		},
	}
	return p
}

// UpdateRules replaces the execution-scoped MCP rules and token map. Called
// only while no request is executing in the sandbox.
func (p *Proxy) UpdateRules(rules []models.ProxyRule, tokens map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = rules
	p.tokens = tokens
}

// Handler returns the full mux: health, admin, and the catch-all forwarder.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/admin/update-rules", p.handleUpdateRules)
	mux.HandleFunc("/", p.ServeHTTP)
	return mux
}

type updateRulesRequest struct {
	Rules  []models.ProxyRule `json:"rules"`
	Tokens map[string]string  `json:"tokens"`
}

func (p *Proxy) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req updateRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid rules payload", http.StatusBadRequest)
		return
	}
	p.UpdateRules(req.Rules, req.Tokens)
	w.WriteHeader(http.StatusNoContent)
}

// ServeHTTP handles one outbound request from the sandbox.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)

	if !p.hostAllowed(host) {
		if p.metrics != nil {
			p.metrics.ProxyBlocked.WithLabelValues(host).Inc()
		}
		slog.Warn("Proxy blocked outbound request", "host", host, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("destination %s is not on the allow-list", host),
		})
		return
	}

	p.applyMCPRules(r, host)

	if p.signingHost != "" && host == p.signingHost {
		if err := p.sign(r); err != nil {
			slog.Error("Request signing failed", "host", host, "error", err)
			http.Error(w, "signing failed", http.StatusInternalServerError)
			return
		}
		if p.metrics != nil {
			p.metrics.ProxySigned.Inc()
		}
	}

	p.forward.ServeHTTP(w, r)
}

func requestHost(r *http.Request) string {
	host := r.Host
	if r.URL.IsAbs() {
		host = r.URL.Host
	}
	if i := strings.LastIndex(host, ":"); i > strings.LastIndex(host, "]") {
		host = host[:i]
	}
	return host
}

// hostAllowed suffix-matches the host against the allow-list, so
// "example.com" admits both the apex and its subdomains.
func (p *Proxy) hostAllowed(host string) bool {
	for _, domain := range p.allowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// applyMCPRules sets the header templates of every rule matching the host,
// substituting ${name} placeholders from the ephemeral token map.
func (p *Proxy) applyMCPRules(r *http.Request, host string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rule := range p.rules {
		if !patternMatches(rule.HostPattern, host) {
			continue
		}
		for name, tmpl := range rule.Headers {
			r.Header.Set(name, substituteTokens(tmpl, p.tokens))
		}
	}
}

// patternMatches supports an optional "*." wildcard prefix; anything else is
// an exact host match.
func patternMatches(pattern, host string) bool {
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == rest || strings.HasSuffix(host, "."+rest)
	}
	return pattern == host
}

// substituteTokens replaces ${name} placeholders. Unknown names are left
// intact so a misconfigured rule is visible downstream instead of silently
// emptied.
func substituteTokens(tmpl string, tokens map[string]string) string {
	out := tmpl
	for name, value := range tokens {
		out = strings.ReplaceAll(out, "${"+name+"}", value)
	}
	return out
}

// sign computes the provider signature over the request, buffering the body
// to hash it. Credentials were resolved at process start and never reach
// the sandbox.
func (p *Proxy) sign(r *http.Request) error {
	if p.creds == nil {
		return fmt.Errorf("no signing credentials configured")
	}

	payloadHash := emptyPayloadHash
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("buffer body for signing: %w", err)
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		r.ContentLength = int64(len(body))
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
	}

	creds, err := p.creds.Retrieve(r.Context())
	if err != nil {
		return fmt.Errorf("retrieve credentials: %w", err)
	}

	// The signature must cover the URL the upstream sees.
	r.URL.Scheme = "https"
	r.URL.Host = r.Host
	return p.signer.SignHTTP(r.Context(), creds, r, payloadHash, "bedrock", p.signingRegion, time.Now())
}

const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
