// Package pipeline implements the brokered-request pipeline (spec Section
// 4.9): the synchronous composition of scope authorization, firewall
// evaluation, credential resolution, endpoint policy, auth-header
// injection, outbound HTTP execution, and audit logging. It is a direct
// generalization of the teacher's cmd/aibox-llm-proxy/proxy.go — the same
// "strip caller auth, inject ours, execute, log" shape — composed with
// clauth's own collaborators (scope, firewall, vault, audit,
// endpointauth) instead of the proxy's single hardcoded upstream and
// static API key.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clauth/clauth/internal/audit"
	"github.com/clauth/clauth/internal/clautherr"
	"github.com/clauth/clauth/internal/endpointauth"
	"github.com/clauth/clauth/internal/firewall"
	"github.com/clauth/clauth/internal/scope"
	"github.com/clauth/clauth/internal/vault"
)

// HTTPDoer is the outbound transport collaborator; *http.Client satisfies
// it directly.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OAuthRefresher is the core-facing collaborator contract (spec 6):
// refreshes a credential's secret in place when it has expired, and
// supports a forced one-shot refresh after an upstream 401.
type OAuthRefresher interface {
	RefreshIfNeeded(ctx context.Context, handle string) (bool, error)
	ForceRefresh(ctx context.Context, handle string) (bool, error)
}

// Request is the brokered-request descriptor a skill submits (spec 4.9).
type Request struct {
	SkillID          string
	Provider         string
	CredentialHandle string
	Scope            string
	Method           string
	Endpoint         string
	Headers          map[string]string
	Body             any
}

// Response is what the pipeline returns to the caller (spec 4.9 step 8).
type Response struct {
	Status  int
	Headers map[string][]string
	Body    any
}

// Config tunes pipeline-wide behavior (spec 6 hardening.*).
type Config struct {
	EnforceHTTPS          bool
	MaxRequestBodyBytes   int64
	AllowUnknownProviders bool
}

// Pipeline composes the subsystems named in spec Design Notes 9; none of
// them hold a back-reference to it.
type Pipeline struct {
	cfg       Config
	scopes    *scope.Engine
	firewall  *firewall.Firewall
	vault     *vault.Vault
	auditor   audit.Logger
	policy    *endpointauth.Policy
	refresher OAuthRefresher
	client    HTTPDoer
}

func New(cfg Config, scopes *scope.Engine, fw *firewall.Firewall, v *vault.Vault, auditor audit.Logger, refresher OAuthRefresher, client HTTPDoer) *Pipeline {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		cfg:       cfg,
		scopes:    scopes,
		firewall:  fw,
		vault:     v,
		auditor:   auditor,
		policy:    endpointauth.NewPolicy(cfg.AllowUnknownProviders),
		refresher: refresher,
		client:    client,
	}
}

var forbiddenHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
}

// Execute runs the full ordering described in spec 4.9.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.SkillID == "" || req.CredentialHandle == "" || req.Scope == "" || req.Method == "" || req.Endpoint == "" {
		return nil, clautherr.New(clautherr.Validation, "skillId, credentialHandle, scope, method, and endpoint are required")
	}
	parsed, err := url.Parse(req.Endpoint)
	if err != nil || parsed.Host == "" {
		return nil, clautherr.New(clautherr.Validation, "endpoint is not a valid URL")
	}
	if p.cfg.EnforceHTTPS && parsed.Scheme != "https" {
		return nil, clautherr.New(clautherr.Validation, "endpoint must use https")
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	now := time.Now()

	// Step 2: scope authorization.
	_, scopeErr := p.scopes.Authorize(scope.Context{SkillID: req.SkillID, Provider: provider, Scope: req.Scope})
	if scopeErr != nil {
		p.firewall.Evaluate(ctx, firewall.Request{
			SkillID: req.SkillID, Provider: provider, Scope: req.Scope,
			Endpoint: req.Endpoint, Method: req.Method, Timestamp: now, ScopeDenied: true,
		})
		p.audit(ctx, audit.EventProxyDeny, req, provider, 0, "scope_denied")
		return nil, scopeErr
	}

	// Step 3: firewall evaluation.
	verdict := p.firewall.Evaluate(ctx, firewall.Request{
		SkillID: req.SkillID, Provider: provider, Scope: req.Scope,
		Endpoint: req.Endpoint, Method: req.Method, Timestamp: now,
	})
	if !verdict.Allowed {
		p.audit(ctx, audit.EventFirewallAlert, req, provider, 0, "blocked")
		return nil, clautherr.Newf(clautherr.AccessDenied, "blocked by behavioral firewall: %s", strings.Join(verdict.Reasons, "; "))
	}

	// Step 4: credential retrieval + endpoint policy.
	cred, err := p.vault.GetCredential(req.CredentialHandle, provider)
	if err != nil {
		p.audit(ctx, audit.EventProxyError, req, provider, 0, "credential_error")
		return nil, err
	}
	if err := p.policy.CheckHost(provider, parsed.Hostname(), cred.Metadata["allowedHosts"]); err != nil {
		p.audit(ctx, audit.EventProxyDeny, req, provider, 0, "endpoint_denied")
		return nil, err
	}

	// Step 6: body serialization (done before first attempt so a retry
	// after refresh reuses the same bytes).
	bodyBytes, contentType, err := p.encodeBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.buildRequest(ctx, req, cred, bodyBytes, contentType)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.audit(ctx, audit.EventProxyError, req, provider, 0, err.Error())
		return nil, clautherr.Wrap(clautherr.Upstream, "upstream request failed", err)
	}

	// Step 7: one opportunistic refresh + retry on 401.
	if resp.StatusCode == http.StatusUnauthorized && p.refresher != nil {
		_ = resp.Body.Close()
		refreshed, refreshErr := p.refresher.ForceRefresh(ctx, req.CredentialHandle)
		if refreshErr == nil && refreshed {
			cred, err = p.vault.GetCredential(req.CredentialHandle, provider)
			if err != nil {
				p.audit(ctx, audit.EventProxyError, req, provider, 0, "credential_error")
				return nil, err
			}
			httpReq, err = p.buildRequest(ctx, req, cred, bodyBytes, contentType)
			if err != nil {
				return nil, err
			}
			resp, err = p.client.Do(httpReq)
			if err != nil {
				p.audit(ctx, audit.EventProxyError, req, provider, 0, err.Error())
				return nil, clautherr.Wrap(clautherr.Upstream, "upstream request failed", err)
			}
		}
	}
	defer resp.Body.Close()

	out, err := p.decodeResponse(resp)
	if err != nil {
		p.audit(ctx, audit.EventProxyError, req, provider, resp.StatusCode, err.Error())
		return nil, clautherr.Wrap(clautherr.Upstream, "reading upstream response", err)
	}

	p.audit(ctx, audit.EventProxyAllow, req, provider, resp.StatusCode, "ok")
	return out, nil
}

func (p *Pipeline) encodeBody(req Request) ([]byte, string, error) {
	if req.Body == nil {
		return nil, "", nil
	}
	var data []byte
	var ct string
	if s, ok := req.Body.(string); ok {
		ct = req.Headers["content-type"]
		if ct == "" {
			ct = headerLookup(req.Headers, "Content-Type")
		}
		if ct == "" {
			ct = "application/json"
		}
		data = []byte(s)
	} else {
		marshaled, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", clautherr.Wrap(clautherr.Validation, "serializing request body", err)
		}
		data = marshaled
		ct = "application/json"
	}

	if p.cfg.MaxRequestBodyBytes > 0 && int64(len(data)) > p.cfg.MaxRequestBodyBytes {
		return nil, "", clautherr.Newf(clautherr.Validation, "request body exceeds %d byte limit", p.cfg.MaxRequestBodyBytes)
	}
	return data, ct, nil
}

func headerLookup(h map[string]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (p *Pipeline) buildRequest(ctx context.Context, req Request, cred *vault.Credential, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.Endpoint, reader)
	if err != nil {
		return nil, clautherr.Wrap(clautherr.Validation, "building outbound request", err)
	}

	for k, v := range req.Headers {
		if forbiddenHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	// Step 5: auth-header composition overrides anything the caller set.
	authType := endpointauth.ResolveAuthType(cred.Provider, cred.Metadata["authType"])
	name, value := endpointauth.BuildAuthHeader(authType, cred.Secret, cred.Metadata["headerName"])
	httpReq.Header.Set(name, value)

	return httpReq, nil
}

func (p *Pipeline) decodeResponse(resp *http.Response) (*Response, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	headers := map[string][]string{}
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = v
	}

	var parsed any
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "json"):
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &parsed); err != nil {
				parsed = string(raw)
			}
		}
	case len(raw) > 0:
		parsed = string(raw)
	default:
		parsed = nil
	}

	return &Response{Status: resp.StatusCode, Headers: headers, Body: parsed}, nil
}

func (p *Pipeline) audit(ctx context.Context, event audit.Event, req Request, provider string, status int, outcome string) {
	if p.auditor == nil {
		return
	}
	_, _ = p.auditor.Append(ctx, event, &audit.Context{
		SkillID:    req.SkillID,
		Provider:   provider,
		Scope:      req.Scope,
		Endpoint:   req.Endpoint,
		Method:     req.Method,
		Outcome:    outcome,
		StatusCode: status,
	})
}
