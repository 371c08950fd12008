package scope

import (
	"path/filepath"
	"testing"

	"github.com/clauth/clauth/internal/clautherr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "scopes.json"))
}

func TestAuthorizeWildcardMatchAndRateLimit(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Grant("skill.alpha", "twitter", "twitter:*", 2); err != nil {
		t.Fatalf("grant: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := e.Authorize(Context{SkillID: "skill.alpha", Provider: "twitter", Scope: "twitter:post"}); err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
	}
	_, err := e.Authorize(Context{SkillID: "skill.alpha", Provider: "twitter", Scope: "twitter:post"})
	if clautherr.CodeOf(err) != clautherr.AccessDenied {
		t.Fatalf("3rd authorize: got %v, want ACCESS_DENIED", err)
	}
}

func TestAuthorizeMoreSpecificGrantWins(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Grant("skill.alpha", "github", "github:*", 60); err != nil {
		t.Fatalf("grant wildcard: %v", err)
	}
	if _, err := e.Grant("skill.alpha", "github", "github:read", 1); err != nil {
		t.Fatalf("grant specific: %v", err)
	}

	result, err := e.Authorize(Context{SkillID: "skill.alpha", Provider: "github", Scope: "github:read"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if result.Grant.Scope != "github:read" {
		t.Fatalf("expected specific grant to win, got %q", result.Grant.Scope)
	}
}

func TestAuthorizeNoMatchingGrant(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Authorize(Context{SkillID: "skill.alpha", Provider: "github", Scope: "github:read"})
	if clautherr.CodeOf(err) != clautherr.AccessDenied {
		t.Fatalf("got %v, want ACCESS_DENIED", err)
	}
}

func TestRevokeMatchingZeroReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Revoke("skill.alpha", "github", "github:read")
	if clautherr.CodeOf(err) != clautherr.NotFound {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestEmergencyRevokeAllAlwaysSucceeds(t *testing.T) {
	e := newTestEngine(t)
	count, err := e.EmergencyRevokeAll("skill.alpha")
	if err != nil {
		t.Fatalf("unexpected error on empty engine: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 revoked, got %d", count)
	}

	_, _ = e.Grant("skill.alpha", "github", "github:*", 10)
	_, _ = e.Grant("skill.alpha", "openai", "openai:*", 10)
	count, err = e.EmergencyRevokeAll("skill.alpha")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 revoked, got %d", count)
	}
}

func TestGrantRejectsMismatchedScopeProvider(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Grant("skill.alpha", "github", "openai:read", 10)
	if clautherr.CodeOf(err) != clautherr.Validation {
		t.Fatalf("got %v, want VALIDATION_ERROR", err)
	}
}

func TestGrantExplicitZeroBlocksAllRequests(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.Grant("skill.alpha", "github", "github:read", 0)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.RateLimitPerMinute != 0 {
		t.Fatalf("expected explicit 0 to be preserved, got %d", g.RateLimitPerMinute)
	}

	_, err = e.Authorize(Context{SkillID: "skill.alpha", Provider: "github", Scope: "github:read"})
	if clautherr.CodeOf(err) != clautherr.AccessDenied {
		t.Fatalf("expected a 0 rate limit to deny every request, got %v", err)
	}
}

func TestGrantUseDefaultRateLimitAppliesDefault(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.Grant("skill.alpha", "github", "github:read", UseDefaultRateLimit)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Fatalf("expected default rate limit %d, got %d", DefaultRateLimitPerMinute, g.RateLimitPerMinute)
	}
}
