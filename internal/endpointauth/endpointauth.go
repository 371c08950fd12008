// Package endpointauth implements the host allow-list policy and the
// provider-auth-header composition the brokered-request pipeline applies
// before an outbound call leaves the daemon (spec Sections 4.9, 4.10).
// Header-injection shape (strip any caller-supplied auth, inject the
// daemon's own) is grounded on the teacher's
// cmd/aibox-llm-proxy/proxy.go Director closure; the wildcard host
// matcher is grounded on cmd/aibox-llm-proxy's prefix-style matching
// idiom, generalized from command tokens to `*.example.com` host
// suffixes per spec 4.9 / 9 ("Endpoint-policy wildcards").
package endpointauth

import (
	"strings"

	"github.com/clauth/clauth/internal/clautherr"
)

// AuthType is the recognized credential.metadata["authType"] value (spec 3).
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api-key"
	AuthBasic  AuthType = "basic"
)

// defaultHosts is the provider -> allow-listed host set (spec 4.9).
var defaultHosts = map[string][]string{
	"github":    {"api.github.com"},
	"openai":    {"api.openai.com"},
	"anthropic": {"api.anthropic.com"},
	"slack":     {"slack.com", "*.slack.com"},
	"stripe":    {"api.stripe.com"},
	"twitter":   {"api.twitter.com", "api.x.com"},
	"google":    {"*.googleapis.com"},
}

// bearerDefaultProviders default to AuthBearer when metadata doesn't say
// otherwise (spec 4.10); every other provider defaults to an x-api-key
// header.
var bearerDefaultProviders = map[string]bool{
	"github":    true,
	"anthropic": true,
	"openai":    true,
	"slack":     true,
}

// RegisterDefaultHosts lets callers (config loading, tests) extend the
// built-in provider allow-list without forking the package.
func RegisterDefaultHosts(provider string, hosts []string) {
	defaultHosts[strings.ToLower(provider)] = hosts
}

// Policy decides whether a request may reach a given host for a provider.
type Policy struct {
	allowUnknownProviders bool
}

func NewPolicy(allowUnknownProviders bool) *Policy {
	return &Policy{allowUnknownProviders: allowUnknownProviders}
}

// CheckHost enforces spec 4.9: the credential's metadata["allowedHosts"]
// (comma-separated) overrides the provider default list; if neither is
// set, the request is rejected unless allowUnknownProviders permits it.
func (p *Policy) CheckHost(provider, host string, credentialAllowedHosts string) error {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if strings.TrimSpace(credentialAllowedHosts) != "" {
		for _, pattern := range strings.Split(credentialAllowedHosts, ",") {
			if hostMatches(host, strings.ToLower(strings.TrimSpace(pattern))) {
				return nil
			}
		}
		return clautherr.Newf(clautherr.Validation, "host %q is not in the credential's allowedHosts", host)
	}

	allowed, known := defaultHosts[strings.ToLower(provider)]
	if !known {
		if p.allowUnknownProviders {
			return nil
		}
		return clautherr.Newf(clautherr.Validation, "no default host allow-list configured for provider %q", provider)
	}
	for _, pattern := range allowed {
		if hostMatches(host, pattern) {
			return nil
		}
	}
	return clautherr.Newf(clautherr.Validation, "host %q is not allow-listed for provider %q", host, provider)
}

// hostMatches implements the `*.example.com` wildcard: it matches exactly
// "example.com" or any strict subdomain. No other glob syntax is
// supported (spec 9, "Endpoint-policy wildcards").
func hostMatches(host, pattern string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return host == pattern
	}
	base := pattern[2:]
	return host == base || strings.HasSuffix(host, "."+base)
}

// ResolveAuthType picks the effective auth type for a provider/credential:
// a recognized metadata authType wins; otherwise providers listed in
// bearerDefaultProviders get bearer and every other provider gets api-key
// (spec 4.10).
func ResolveAuthType(provider string, metadataAuthType string) AuthType {
	switch AuthType(strings.ToLower(metadataAuthType)) {
	case AuthBearer, AuthAPIKey, AuthBasic:
		return AuthType(strings.ToLower(metadataAuthType))
	}
	if bearerDefaultProviders[strings.ToLower(provider)] {
		return AuthBearer
	}
	return AuthAPIKey
}

// BuildAuthHeader returns the single header name/value pair the pipeline
// injects for secret under authType (spec 4.10). headerName is only
// consulted for AuthAPIKey and defaults to "x-api-key".
func BuildAuthHeader(authType AuthType, secret, headerName string) (name, value string) {
	switch authType {
	case AuthAPIKey:
		if headerName == "" {
			headerName = "x-api-key"
		}
		return strings.ToLower(headerName), secret
	case AuthBasic:
		return "authorization", "Basic " + secret
	default:
		return "authorization", "Bearer " + secret
	}
}
