// Package identity implements the identity-broker challenge/verify state
// machine (spec Section 4.8): proving that a skill's principal controls an
// external account. State-holding shape is grounded on the teacher's
// internal/policy.Engine (sync.RWMutex-guarded mutable state with a
// Reload-style persistence hook); HMAC binding and constant-time
// comparison are grounded on
// Generativebots-ocx-backend-go-svc/internal/federation/crypto.go; the
// OAuth method's AuthCodeURL/Exchange shape is grounded on
// wisbric-nightowl/internal/auth/oidc_flow.go.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clauth/clauth/internal/alert"
	"github.com/clauth/clauth/internal/audit"
	"github.com/clauth/clauth/internal/clautherr"
)

type Method string

const (
	MethodSignedChallenge Method = "signed-challenge"
	MethodOAuth           Method = "oauth"
	MethodEmail           Method = "email"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// Challenge is an IdentityChallenge (spec 3).
type Challenge struct {
	ID            string     `json:"id"`
	SkillID       string     `json:"skillId"`
	Provider      string     `json:"provider"`
	AccountID     string     `json:"accountId"`
	Method        Method     `json:"method"`
	Challenge     string     `json:"challenge"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	VerifiedAt    *time.Time `json:"verifiedAt,omitempty"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// Proof is an IdentityProof (spec 3), produced atomically on verification.
type Proof struct {
	ChallengeID string    `json:"challengeId"`
	Provider    string    `json:"provider"`
	AccountID   string    `json:"accountId"`
	Method      Method    `json:"method"`
	VerifiedAt  time.Time `json:"verifiedAt"`
	Signature   string    `json:"signature"`
}

// MasterKeyProvider lets the broker sign state/proofs without depending on
// the vault package's concrete type.
type MasterKeyProvider interface {
	GetMasterKey() ([]byte, error)
}

// CredentialSecretResolver resolves a credential handle to its secret for
// the signed-challenge method (normally backed by the vault).
type CredentialSecretResolver interface {
	GetCredentialSecret(handle, provider string) (string, error)
}

// OwnershipVerifier performs the one HTTP call described in spec 6's
// "Provider identity endpoints" contract for the signed-challenge method.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, secret, accountID, challenge string) (bool, error)
}

// OAuthProvider is the per-provider OAuth collaborator for the oauth method.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (accessToken string, err error)
	Identity(ctx context.Context, accessToken string) (accountID string, err error)
}

// EmailSender delivers the out-of-band verification code for the email
// method (spec 6, "alert webhook dispatcher" family of collaborators).
type EmailSender interface {
	Send(ctx context.Context, accountID, code string) error
}

// Config tunes broker behavior (spec 6 hardening.*).
type Config struct {
	ChallengeTTL      time.Duration
	MaxVerifyAttempts int
}

func DefaultConfig() Config {
	return Config{ChallengeTTL: 10 * time.Minute, MaxVerifyAttempts: 5}
}

// Broker owns every challenge and proof, persisted as atomic JSON (spec 6
// `identity-state.json`).
type Broker struct {
	path   string
	cfg    Config
	vault  MasterKeyProvider
	creds  CredentialSecretResolver
	verifiers map[string]OwnershipVerifier
	oauth     map[string]OAuthProvider
	mailer    EmailSender
	auditor   audit.Logger
	alerts    alert.Router

	mu         sync.RWMutex
	challenges map[string]*Challenge
	proofs     []Proof
}

type Deps struct {
	Vault       MasterKeyProvider
	Credentials CredentialSecretResolver
	Verifiers   map[string]OwnershipVerifier
	OAuth       map[string]OAuthProvider
	Mailer      EmailSender
	Auditor     audit.Logger
	Alerts      alert.Router
}

func New(path string, cfg Config, deps Deps) *Broker {
	if deps.Alerts == nil {
		deps.Alerts = alert.NopRouter{}
	}
	return &Broker{
		path:       path,
		cfg:        cfg,
		vault:      deps.Vault,
		creds:      deps.Credentials,
		verifiers:  deps.Verifiers,
		oauth:      deps.OAuth,
		mailer:     deps.Mailer,
		auditor:    deps.Auditor,
		alerts:     deps.Alerts,
		challenges: map[string]*Challenge{},
	}
}

func (b *Broker) Load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("identity: reading %s: %w", b.path, err)
	}
	var doc struct {
		Challenges map[string]*Challenge `json:"challenges"`
		Proofs     []Proof                `json:"proofs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("identity: parsing %s: %w", b.path, err)
	}
	b.mu.Lock()
	if doc.Challenges != nil {
		b.challenges = doc.Challenges
	}
	b.proofs = doc.Proofs
	b.mu.Unlock()
	return nil
}

func (b *Broker) masterKey() ([]byte, error) {
	if b.vault == nil {
		return nil, clautherr.New(clautherr.Internal, "identity broker has no master key source")
	}
	return b.vault.GetMasterKey()
}

func hmacHex(key []byte, parts ...string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

func constantTimeEq(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func randomHex256() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomSixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// CreateResult carries method-specific extras the caller needs (the OAuth
// authorization URL; nothing extra for the other methods).
type CreateResult struct {
	Challenge *Challenge
	AuthURL   string
}

// CreateChallenge creates a pending challenge (spec 4.8).
func (b *Broker) CreateChallenge(ctx context.Context, skillID, provider, accountID string, method Method) (*CreateResult, error) {
	if skillID == "" || provider == "" || accountID == "" {
		return nil, clautherr.New(clautherr.Validation, "skillId, provider, and accountId are required")
	}

	key, err := b.masterKey()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &Challenge{
		ID:        uuid.NewString(),
		SkillID:   skillID,
		Provider:  strings.ToLower(provider),
		AccountID: accountID,
		Method:    method,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(b.cfg.ChallengeTTL),
	}

	result := &CreateResult{Challenge: c}

	switch method {
	case MethodSignedChallenge:
		raw, err := randomHex256()
		if err != nil {
			return nil, clautherr.Wrap(clautherr.Internal, "generating challenge", err)
		}
		c.Challenge = raw

	case MethodOAuth:
		oauthProvider := b.oauth[c.Provider]
		if oauthProvider == nil {
			return nil, clautherr.Newf(clautherr.Validation, "no oauth provider configured for %q", c.Provider)
		}
		raw, err := randomHex256()
		if err != nil {
			return nil, clautherr.Wrap(clautherr.Internal, "generating challenge", err)
		}
		c.Challenge = raw
		state := c.ID + ":" + hmacHex(key, c.ID)[:16]
		result.AuthURL = oauthProvider.AuthCodeURL(state)

	case MethodEmail:
		if b.mailer == nil {
			return nil, clautherr.New(clautherr.Validation, "no email delivery webhook configured")
		}
		code, err := randomSixDigitCode()
		if err != nil {
			return nil, clautherr.Wrap(clautherr.Internal, "generating verification code", err)
		}
		c.Challenge = hmacHex(key, c.ID, strings.ToLower(c.AccountID), code)
		if err := b.mailer.Send(ctx, c.AccountID, code); err != nil {
			return nil, clautherr.Wrap(clautherr.Validation, "delivering verification code", err)
		}

	default:
		return nil, clautherr.Newf(clautherr.Validation, "unsupported identity method %q", method)
	}

	b.mu.Lock()
	b.challenges[c.ID] = c
	err = b.persistLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	b.auditEvent(ctx, audit.EventIdentityChallenge, &audit.Context{SkillID: skillID, Provider: c.Provider, Outcome: "created"})
	return result, nil
}

// GetChallengeForSkill hides challenges belonging to other skills unless
// allowAnySkill is set (spec 4.8 access helpers).
func (b *Broker) GetChallengeForSkill(id, requesterSkillID string, allowAnySkill bool) (*Challenge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.challenges[id]
	if !ok {
		return nil, clautherr.New(clautherr.NotFound, "unknown identity challenge")
	}
	if !allowAnySkill && c.SkillID != requesterSkillID {
		return nil, clautherr.New(clautherr.NotFound, "unknown identity challenge")
	}
	out := *c
	return &out, nil
}

// ListProofs filters proofs by challenges belonging to skillID (or every
// verified proof when skillID is empty).
func (b *Broker) ListProofs(skillID string) []Proof {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Proof
	for _, p := range b.proofs {
		if skillID == "" {
			out = append(out, p)
			continue
		}
		if c, ok := b.challenges[p.ChallengeID]; ok && c.SkillID == skillID {
			out = append(out, p)
		}
	}
	return out
}

// RevokeProof destroys a proof.
func (b *Broker) RevokeProof(challengeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.proofs[:0]
	found := false
	for _, p := range b.proofs {
		if p.ChallengeID == challengeID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	b.proofs = kept
	if !found {
		return clautherr.New(clautherr.NotFound, "no proof for challenge")
	}
	return b.persistLocked()
}

// VerifyInput is the method-specific proof payload, only the fields
// relevant to the challenge's method are consulted.
type VerifyInput struct {
	// signed-challenge
	CredentialHandle string
	Challenge        string
	AccountID        string

	// oauth
	State string
	Code  string

	// email
	VerificationCode string
}

// Verify runs the state machine described in spec 4.8.
func (b *Broker) Verify(ctx context.Context, challengeID, requesterSkillID string, allowAnySkill bool, in VerifyInput) (Status, *Proof, error) {
	b.mu.Lock()
	c, ok := b.challenges[challengeID]
	if !ok {
		b.mu.Unlock()
		return StatusFailed, nil, clautherr.New(clautherr.NotFound, "unknown identity challenge")
	}

	if !allowAnySkill && c.SkillID != requesterSkillID {
		b.mu.Unlock()
		return StatusFailed, nil, nil
	}

	if c.Status != StatusPending {
		status := c.Status
		b.mu.Unlock()
		return status, nil, nil
	}

	now := time.Now()
	if now.After(c.ExpiresAt) {
		c.Status = StatusExpired
		err := b.persistLocked()
		b.mu.Unlock()
		return StatusExpired, nil, err
	}

	if c.Attempts >= b.cfg.MaxVerifyAttempts {
		c.Status = StatusFailed
		err := b.persistLocked()
		b.mu.Unlock()
		return StatusFailed, nil, err
	}

	c.Attempts++
	c.LastAttemptAt = &now

	key, keyErr := b.masterKey()
	var ok2 bool
	var checkErr error
	if keyErr == nil {
		ok2, checkErr = b.checkProof(ctx, c, key, in)
	}

	var proof *Proof
	if keyErr == nil && checkErr == nil && ok2 {
		c.Status = StatusVerified
		c.VerifiedAt = &now
		sig := hmacHex(key, c.ID, c.Provider, c.AccountID, string(c.Method))
		p := Proof{ChallengeID: c.ID, Provider: c.Provider, AccountID: c.AccountID, Method: c.Method, VerifiedAt: now, Signature: sig}
		b.proofs = append(b.proofs, p)
		proof = &p
	} else if c.Attempts >= b.cfg.MaxVerifyAttempts {
		c.Status = StatusFailed
	}

	persistErr := b.persistLocked()
	finalStatus := c.Status
	b.mu.Unlock()

	if persistErr != nil {
		return finalStatus, proof, persistErr
	}

	if proof != nil {
		b.auditEvent(ctx, audit.EventIdentityVerify, &audit.Context{SkillID: c.SkillID, Provider: c.Provider, Outcome: "ok"})
		b.alerts.Dispatch(ctx, alert.Event{Severity: alert.SeverityInfo, Source: "identity", SkillID: c.SkillID, Reasons: []string{"identity verified"}})
	}

	return finalStatus, proof, nil
}

func (b *Broker) checkProof(ctx context.Context, c *Challenge, key []byte, in VerifyInput) (bool, error) {
	switch c.Method {
	case MethodSignedChallenge:
		return b.checkSignedChallenge(ctx, c, in)
	case MethodOAuth:
		return b.checkOAuth(ctx, c, key, in)
	case MethodEmail:
		return b.checkEmail(c, key, in)
	default:
		return false, nil
	}
}

func (b *Broker) checkSignedChallenge(ctx context.Context, c *Challenge, in VerifyInput) (bool, error) {
	if !constantTimeEq(in.Challenge, c.Challenge) {
		return false, nil
	}
	if in.AccountID != "" && !strings.EqualFold(in.AccountID, c.AccountID) {
		return false, nil
	}
	if b.creds == nil {
		return false, nil
	}
	secret, err := b.creds.GetCredentialSecret(in.CredentialHandle, c.Provider)
	if err != nil {
		return false, nil
	}
	verifier := b.verifiers[c.Provider]
	if verifier == nil {
		return false, nil
	}
	identity, err := verifier.VerifyOwnership(ctx, secret, c.AccountID, c.Challenge)
	if err != nil {
		return false, nil
	}
	return identity, nil
}

func (b *Broker) checkOAuth(ctx context.Context, c *Challenge, key []byte, in VerifyInput) (bool, error) {
	parts := strings.SplitN(in.State, ":", 2)
	if len(parts) != 2 || parts[0] != c.ID {
		return false, nil
	}
	want := hmacHex(key, c.ID)[:16]
	if !constantTimeEq(parts[1], want) {
		return false, nil
	}
	provider := b.oauth[c.Provider]
	if provider == nil {
		return false, nil
	}
	token, err := provider.Exchange(ctx, in.Code)
	if err != nil {
		return false, nil
	}
	identity, err := provider.Identity(ctx, token)
	if err != nil {
		return false, nil
	}
	return strings.EqualFold(identity, c.AccountID), nil
}

func (b *Broker) checkEmail(c *Challenge, key []byte, in VerifyInput) (bool, error) {
	want := hmacHex(key, c.ID, strings.ToLower(c.AccountID), in.VerificationCode)
	return constantTimeEq(want, c.Challenge), nil
}

func (b *Broker) auditEvent(ctx context.Context, event audit.Event, c *audit.Context) {
	if b.auditor == nil {
		return
	}
	_, _ = b.auditor.Append(ctx, event, c)
}

func (b *Broker) persistLocked() error {
	doc := struct {
		Challenges map[string]*Challenge `json:"challenges"`
		Proofs     []Proof                `json:"proofs"`
	}{Challenges: b.challenges, Proofs: b.proofs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshaling state: %w", err)
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: creating state dir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("identity: writing temp file: %w", err)
	}
	return os.Rename(tmp, b.path)
}
