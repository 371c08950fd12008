package endpointauth

import "testing"

func TestCheckHostDefaultAllowList(t *testing.T) {
	p := NewPolicy(false)

	if err := p.CheckHost("github", "api.github.com", ""); err != nil {
		t.Fatalf("expected github host to be allowed: %v", err)
	}
	if err := p.CheckHost("github", "evil.example.com", ""); err == nil {
		t.Fatal("expected non-allow-listed host to be rejected")
	}
}

func TestCheckHostWildcard(t *testing.T) {
	p := NewPolicy(false)

	if err := p.CheckHost("slack", "hooks.slack.com", ""); err != nil {
		t.Fatalf("expected *.slack.com to match subdomain: %v", err)
	}
	if err := p.CheckHost("slack", "slack.com", ""); err != nil {
		t.Fatalf("expected bare slack.com to match: %v", err)
	}
	if err := p.CheckHost("slack", "notslack.com", ""); err == nil {
		t.Fatal("expected notslack.com to be rejected, wildcard is not a suffix match")
	}
}

func TestCheckHostCredentialOverride(t *testing.T) {
	p := NewPolicy(false)

	if err := p.CheckHost("github", "internal.example.org", "internal.example.org,*.example.net"); err != nil {
		t.Fatalf("expected credential allowedHosts to override provider default: %v", err)
	}
	if err := p.CheckHost("github", "other.example.org", "internal.example.org"); err == nil {
		t.Fatal("expected host outside the credential's allowedHosts to be rejected")
	}
}

func TestCheckHostUnknownProvider(t *testing.T) {
	strict := NewPolicy(false)
	if err := strict.CheckHost("acme", "api.acme.test", ""); err == nil {
		t.Fatal("expected unknown provider to be rejected by default")
	}

	lenient := NewPolicy(true)
	if err := lenient.CheckHost("acme", "api.acme.test", ""); err != nil {
		t.Fatalf("expected allowUnknownProviders to permit an unlisted provider: %v", err)
	}
}

func TestResolveAuthType(t *testing.T) {
	if got := ResolveAuthType("github", ""); got != AuthBearer {
		t.Fatalf("expected github to default to bearer, got %v", got)
	}
	if got := ResolveAuthType("stripe", ""); got != AuthAPIKey {
		t.Fatalf("expected stripe to default to api-key, got %v", got)
	}
	if got := ResolveAuthType("github", "basic"); got != AuthBasic {
		t.Fatalf("expected explicit metadata authType to win, got %v", got)
	}
}

func TestBuildAuthHeader(t *testing.T) {
	name, value := BuildAuthHeader(AuthBearer, "secret", "")
	if name != "authorization" || value != "Bearer secret" {
		t.Fatalf("unexpected bearer header: %s=%s", name, value)
	}

	name, value = BuildAuthHeader(AuthAPIKey, "secret", "")
	if name != "x-api-key" || value != "secret" {
		t.Fatalf("unexpected default api-key header: %s=%s", name, value)
	}

	name, value = BuildAuthHeader(AuthAPIKey, "secret", "X-Custom-Key")
	if name != "x-custom-key" || value != "secret" {
		t.Fatalf("unexpected custom api-key header: %s=%s", name, value)
	}

	name, value = BuildAuthHeader(AuthBasic, "dXNlcjpwYXNz", "")
	if name != "authorization" || value != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected basic header: %s=%s", name, value)
	}
}
