package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clauth/clauth/internal/clautherr"
	"github.com/clauth/clauth/internal/config"
	"github.com/clauth/clauth/internal/identity"
	"github.com/clauth/clauth/internal/pipeline"
	"github.com/clauth/clauth/internal/runtime"
	"github.com/clauth/clauth/internal/scope"
)

// Server is clauth's minimal HTTP surface binding (spec 1, Out of scope:
// "the HTTP surface bindings ... are thin glue over the core").
type Server struct {
	rt  *runtime.Runtime
	srv *http.Server
}

func NewServer(rt *runtime.Runtime) *Server {
	mux := http.NewServeMux()
	s := &Server{rt: rt}

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/broker", s.withPrincipal(s.handleBroker))

	mux.HandleFunc("POST /v1/credentials", s.withAdmin(s.handleStoreCredential))
	mux.HandleFunc("DELETE /v1/credentials/{handle}", s.withAdmin(s.handleDeleteCredential))
	mux.HandleFunc("GET /v1/credentials", s.withAdmin(s.handleListCredentials))

	mux.HandleFunc("POST /v1/grants", s.withAdmin(s.handleGrant))
	mux.HandleFunc("DELETE /v1/grants", s.withAdmin(s.handleRevoke))
	mux.HandleFunc("POST /v1/grants/emergency-revoke", s.withAdmin(s.handleEmergencyRevoke))
	mux.HandleFunc("GET /v1/grants", s.withAdmin(s.handleListGrants))

	mux.HandleFunc("POST /v1/skill-tokens/{skillId}", s.withAdmin(s.handleIssueSkillToken))
	mux.HandleFunc("DELETE /v1/skill-tokens/{skillId}", s.withAdmin(s.handleRevokeSkillToken))

	mux.HandleFunc("POST /v1/sessions", s.withAdmin(s.handleIssueSession))
	mux.HandleFunc("DELETE /v1/sessions", s.withAdmin(s.handleRevokeSession))

	mux.HandleFunc("POST /v1/identity/challenges", s.withPrincipal(s.handleCreateChallenge))
	mux.HandleFunc("POST /v1/identity/challenges/{id}/verify", s.withPrincipal(s.handleVerifyChallenge))

	mux.HandleFunc("GET /v1/audit/verify", s.withAdmin(s.handleAuditVerify))

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(cfg *config.Config) error {
	if cfg.Transport == "unix" {
		_ = os.Remove(cfg.SocketPath)
		ln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return err
		}
		if err := os.Chmod(cfg.SocketPath, 0600); err != nil {
			return err
		}
		return s.srv.Serve(ln)
	}
	s.srv.Addr = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principalKey is the context key the auth middleware stores the resolved
// skillId under.
type principalKey struct{}

// withPrincipal resolves the caller's skill principal via skill-token or
// session claim (spec 6, Skill-principal resolver) before invoking next.
func (s *Server) withPrincipal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, clautherr.New(clautherr.Unauthorized, "missing bearer token"))
			return
		}

		if skillID, _, err := s.rt.Sessions.Verify(token); err == nil {
			ctx := context.WithValue(r.Context(), principalKey{}, skillID)
			next(w, r.WithContext(ctx))
			return
		}
		if skillID, ok := s.rt.Skills.Identify(token); ok {
			ctx := context.WithValue(r.Context(), principalKey{}, skillID)
			next(w, r.WithContext(ctx))
			return
		}
		writeError(w, clautherr.New(clautherr.Unauthorized, "invalid bearer token"))
	}
}

// withAdmin requires the configured admin token on operator-facing routes.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin := s.rt.Config.Hardening.AdminToken
		if admin == "" {
			next(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || !constantTimeEqualStrings(token, admin) {
			writeError(w, clautherr.New(clautherr.Unauthorized, "invalid admin token"))
			return
		}
		next(w, r)
	}
}

func principalFromContext(r *http.Request) string {
	v, _ := r.Context().Value(principalKey{}).(string)
	return v
}

func (s *Server) handleBroker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider         string            `json:"provider"`
		CredentialHandle string            `json:"credentialHandle"`
		Scope            string            `json:"scope"`
		Method           string            `json:"method"`
		Endpoint         string            `json:"endpoint"`
		Headers          map[string]string `json:"headers"`
		Body             any               `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clautherr.Wrap(clautherr.Validation, "decoding request body", err))
		return
	}

	resp, err := s.rt.Pipeline.Execute(r.Context(), pipeline.Request{
		SkillID:          principalFromContext(r),
		Provider:         req.Provider,
		CredentialHandle: req.CredentialHandle,
		Scope:            req.Scope,
		Method:           req.Method,
		Endpoint:         req.Endpoint,
		Headers:          req.Headers,
		Body:             req.Body,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle    string            `json:"handle"`
		Provider  string            `json:"provider"`
		Secret    string            `json:"secret"`
		TTLSeconds int              `json:"ttlSeconds"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clautherr.Wrap(clautherr.Validation, "decoding request body", err))
		return
	}
	var ttl *time.Duration
	if req.TTLSeconds > 0 {
		d := time.Duration(req.TTLSeconds) * time.Second
		ttl = &d
	}
	if err := s.rt.Vault.StoreCredential(req.Handle, req.Provider, req.Secret, ttl, req.Metadata); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"handle": req.Handle})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if err := s.rt.Vault.DeleteCredential(handle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	metas, err := s.rt.Vault.ListCredentialMetadata()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SkillID            string `json:"skillId"`
		Provider           string `json:"provider"`
		Scope              string `json:"scope"`
		RateLimitPerMinute *int   `json:"rateLimitPerMinute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clautherr.Wrap(clautherr.Validation, "decoding request body", err))
		return
	}
	rateLimit := scope.UseDefaultRateLimit
	if req.RateLimitPerMinute != nil {
		rateLimit = *req.RateLimitPerMinute
	}
	grant, err := s.rt.Scopes.Grant(req.SkillID, req.Provider, req.Scope, rateLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	skillID, provider, scope := r.URL.Query().Get("skillId"), r.URL.Query().Get("provider"), r.URL.Query().Get("scope")
	n, err := s.rt.Scopes.Revoke(skillID, provider, scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (s *Server) handleEmergencyRevoke(w http.ResponseWriter, r *http.Request) {
	skillID := r.URL.Query().Get("skillId")
	n, err := s.rt.Scopes.EmergencyRevokeAll(skillID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Scopes.ListGrants())
}

func (s *Server) handleIssueSkillToken(w http.ResponseWriter, r *http.Request) {
	skillID := r.PathValue("skillId")
	token, err := s.rt.Skills.Issue(skillID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleRevokeSkillToken(w http.ResponseWriter, r *http.Request) {
	skillID := r.PathValue("skillId")
	if err := s.rt.Skills.Revoke(skillID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SkillID    string `json:"skillId"`
		Scope      string `json:"scope"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clautherr.Wrap(clautherr.Validation, "decoding request body", err))
		return
	}
	token, _, err := s.rt.Sessions.Issue(req.SkillID, req.Scope, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clautherr.Wrap(clautherr.Validation, "decoding request body", err))
		return
	}
	if err := s.rt.Sessions.RevokeToken(req.Token, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider  string `json:"provider"`
		AccountID string `json:"accountId"`
		Method    string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, clautherr.Wrap(clautherr.Validation, "decoding request body", err))
		return
	}
	result, err := s.rt.Identity.CreateChallenge(r.Context(), principalFromContext(r), req.Provider, req.AccountID, identity.Method(req.Method))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in identity.VerifyInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, clautherr.Wrap(clautherr.Validation, "decoding request body", err))
		return
	}
	status, proof, err := s.rt.Identity.Verify(r.Context(), id, principalFromContext(r), false, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "proof": proof})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.rt.Audit.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

func constantTimeEqualStrings(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var clErr *clautherr.Error
	if !errors.As(err, &clErr) {
		clErr = clautherr.Wrap(clautherr.Internal, "unexpected error", err)
	}
	writeJSON(w, clErr.Code.Status(), map[string]string{"code": string(clErr.Code), "message": clErr.Message})
}
