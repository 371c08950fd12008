// Thin, minimal implementations of the core-facing collaborator contracts
// spec Section 6 lists as external (out of scope for the core): the
// OAuth refresher, provider identity-ownership endpoints, and per-provider
// OAuth flows for the identity broker. These exist only so clauthd links
// and runs end to end; real deployments would replace them with
// provider-specific logic (spec 1, Out of scope).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/clauth/clauth/internal/config"
	"github.com/clauth/clauth/internal/identity"
	"github.com/clauth/clauth/internal/runtime"
)

// httpOwnershipVerifier implements identity.OwnershipVerifier by calling a
// provider's "who am I" endpoint with the credential's secret and
// comparing the returned account identifier case-insensitively (spec 6).
type httpOwnershipVerifier struct {
	endpoint  string // e.g. "https://api.github.com/user"
	fieldName string // JSON field carrying the account identifier
	client    *http.Client
}

func newOwnershipVerifier(endpoint, fieldName string) *httpOwnershipVerifier {
	return &httpOwnershipVerifier{endpoint: endpoint, fieldName: fieldName, client: &http.Client{Timeout: 10 * time.Second}}
}

func (v *httpOwnershipVerifier) VerifyOwnership(ctx context.Context, secret, accountID, _ string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("authorization", "Bearer "+secret)

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ownership endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, err
	}
	got, _ := parsed[v.fieldName].(string)
	return strings.EqualFold(got, accountID), nil
}

// oauthProvider adapts golang.org/x/oauth2 to identity.OAuthProvider, the
// same AuthCodeURL/Exchange shape the teacher's
// wisbric-nightowl/internal/auth/oidc_flow.go uses.
type oauthProvider struct {
	cfg           *oauth2.Config
	identityURL   string
	identityField string
	client        *http.Client
}

func newOAuthProvider(cfg *oauth2.Config, identityURL, identityField string) *oauthProvider {
	return &oauthProvider{cfg: cfg, identityURL: identityURL, identityField: identityField, client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *oauthProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (p *oauthProvider) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (p *oauthProvider) Identity(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.identityURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("authorization", "Bearer "+accessToken)
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	id, _ := parsed[p.identityField].(string)
	return id, nil
}

// noopRefresher never refreshes anything; clauth's pipeline simply skips
// the post-401 retry when it reports no refresh occurred.
type noopRefresher struct{}

func (noopRefresher) RefreshIfNeeded(context.Context, string) (bool, error) { return false, nil }
func (noopRefresher) ForceRefresh(context.Context, string) (bool, error)   { return false, nil }

// webhookEmailSender posts the verification code to a configured webhook
// URL; it is the minimal stand-in for the "alert webhook dispatcher"
// family of collaborators (spec 6).
type webhookEmailSender struct {
	url    string
	client *http.Client
}

func (s *webhookEmailSender) Send(ctx context.Context, accountID, code string) error {
	if s.url == "" {
		return fmt.Errorf("no email delivery webhook configured")
	}
	payload, _ := json.Marshal(map[string]string{"accountId": accountID, "code": code})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("email webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// buildDeps wires the minimal dummy collaborators above into a
// runtime.Deps. Only a GitHub ownership verifier is pre-registered and no
// OAuth providers are: operators add entries to verifiers/oauth as they
// configure real provider credentials.
func buildDeps(cfg *config.Config) runtime.Deps {
	return runtime.Deps{
		IdentityVerifiers: map[string]identity.OwnershipVerifier{
			"github": newOwnershipVerifier("https://api.github.com/user", "login"),
		},
		IdentityOAuth:  map[string]identity.OAuthProvider{},
		IdentityMailer: &webhookEmailSender{url: cfg.Hardening.EmailWebhookURL, client: &http.Client{Timeout: 10 * time.Second}},
		OAuthRefresher: noopRefresher{},
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
	}
}
