// Package session implements the signed session-claim engine (spec
// Section 4.7): HS256 JWTs via go-jose, exactly as
// wisbric-nightowl/internal/auth/session.go issues and validates them,
// but with the signing key derived by HKDF-SHA-256 from the vault master
// key (golang.org/x/crypto/hkdf, grounded on
// hashicorp-vault-secrets-operator/internal/vault/hkdf.go) instead of a
// standalone secret, and a stateful JTI-revocation store on top.
package session

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/clauth/clauth/internal/clautherr"
)

const (
	issuer   = "clauth"
	hkdfInfo = "clauth-session-v1"
)

// Claims are the custom fields embedded in a session token (spec 4.7).
type Claims struct {
	Scope string `json:"scope,omitempty"`
}

// Revocation is a SessionRevocation record (spec 3).
type Revocation struct {
	JTI       string    `json:"jti"`
	RevokedAt time.Time `json:"revokedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Reason    string    `json:"reason,omitempty"`
}

// MasterKeyProvider lets the session engine derive its signing key without
// depending on the vault package's concrete type.
type MasterKeyProvider interface {
	GetMasterKey() ([]byte, error)
}

// Engine issues and verifies session tokens and owns the revocation store.
type Engine struct {
	vault       MasterKeyProvider
	revPath     string
	defaultTTL  time.Duration

	mu         sync.Mutex
	signingKey []byte
	revoked    map[string]Revocation
	persisting bool
	dirty      bool
}

func New(vault MasterKeyProvider, revocationsPath string, defaultTTL time.Duration) *Engine {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Engine{
		vault:      vault,
		revPath:    revocationsPath,
		defaultTTL: defaultTTL,
		revoked:    map[string]Revocation{},
	}
}

// Load reads session-revocations.json, pruning entries whose expiry has
// already passed (spec 4.7).
func (e *Engine) Load() error {
	data, err := os.ReadFile(e.revPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: reading %s: %w", e.revPath, err)
	}
	var doc struct {
		Revoked []Revocation `json:"revoked"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("session: parsing %s: %w", e.revPath, err)
	}
	e.mu.Lock()
	now := time.Now()
	for _, r := range doc.Revoked {
		if r.ExpiresAt.After(now) {
			e.revoked[r.JTI] = r
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) signingKeyLocked() ([]byte, error) {
	if e.signingKey != nil {
		return e.signingKey, nil
	}
	master, err := e.vault.GetMasterKey()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, clautherr.Wrap(clautherr.Internal, "deriving session signing key", err)
	}
	e.signingKey = key
	return key, nil
}

// InvalidateCache zeroes the cached signing key; called on vault lock
// (spec 5 secret hygiene).
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.signingKey {
		e.signingKey[i] = 0
	}
	e.signingKey = nil
}

// Issue mints a session token for skillID. A zero ttl uses the engine's
// default TTL.
func (e *Engine) Issue(skillID, scope string, ttl time.Duration) (string, string, error) {
	if skillID == "" {
		return "", "", clautherr.New(clautherr.Validation, "skillId is required")
	}
	if ttl == 0 {
		ttl = e.defaultTTL
	}

	e.mu.Lock()
	key, err := e.signingKeyLocked()
	e.mu.Unlock()
	if err != nil {
		return "", "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", "", clautherr.Wrap(clautherr.Internal, "creating session signer", err)
	}

	now := time.Now()
	jti := uuid.NewString()
	registered := jwt.Claims{
		Subject:  skillID,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		ID:       jti,
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(Claims{Scope: scope}).Serialize()
	if err != nil {
		return "", "", clautherr.Wrap(clautherr.Internal, "signing session token", err)
	}
	return token, jti, nil
}

// Verify parses and validates a session token per spec 4.7.
func (e *Engine) Verify(raw string) (skillID string, jti string, err error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", "", clautherr.New(clautherr.Unauthorized, "no claims")
	}

	e.mu.Lock()
	key, keyErr := e.signingKeyLocked()
	e.mu.Unlock()
	if keyErr != nil {
		return "", "", clautherr.New(clautherr.Unauthorized, "no claims")
	}

	var registered jwt.Claims
	if err := tok.Claims(key, &registered); err != nil {
		return "", "", clautherr.New(clautherr.Unauthorized, "no claims")
	}

	if err := registered.Validate(jwt.Expected{Issuer: issuer, Time: time.Now()}); err != nil {
		return "", "", clautherr.New(clautherr.Unauthorized, "no claims")
	}

	if e.isRevoked(registered.ID) {
		return "", "", clautherr.New(clautherr.Unauthorized, "no claims")
	}

	return registered.Subject, registered.ID, nil
}

func (e *Engine) isRevoked(jti string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.revoked[jti]
	return ok
}

// RevokeToken parses raw ignoring expiry to recover jti/exp and records a
// revocation, queuing persistence through a single in-flight writer.
func (e *Engine) RevokeToken(raw, reason string) error {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return clautherr.New(clautherr.Validation, "malformed session token")
	}

	e.mu.Lock()
	key, keyErr := e.signingKeyLocked()
	e.mu.Unlock()
	if keyErr != nil {
		return keyErr
	}

	var registered jwt.Claims
	if err := tok.Claims(key, &registered); err != nil {
		return clautherr.New(clautherr.Validation, "session token signature invalid")
	}

	exp := time.Now().Add(e.defaultTTL)
	if registered.Expiry != nil {
		exp = registered.Expiry.Time()
	}

	e.mu.Lock()
	e.revoked[registered.ID] = Revocation{JTI: registered.ID, RevokedAt: time.Now().UTC(), ExpiresAt: exp, Reason: reason}
	e.mu.Unlock()

	e.queuePersist()
	return nil
}

// queuePersist ensures at most one persist goroutine runs at a time, but
// never drops a revoke that arrives mid-flight: it marks the store dirty
// and lets the running worker loop back around and persist again once it
// notices, so every revoke is eventually flushed (spec 5, "persist queue
// serialized").
func (e *Engine) queuePersist() {
	e.mu.Lock()
	e.dirty = true
	if e.persisting {
		e.mu.Unlock()
		return
	}
	e.persisting = true
	e.mu.Unlock()

	go e.persistLoop()
}

func (e *Engine) persistLoop() {
	for {
		e.mu.Lock()
		e.dirty = false
		e.mu.Unlock()

		if err := e.persist(); err != nil {
			_ = err
		}

		e.mu.Lock()
		if !e.dirty {
			e.persisting = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

func (e *Engine) persist() error {
	e.mu.Lock()
	now := time.Now()
	records := make([]Revocation, 0, len(e.revoked))
	for jti, r := range e.revoked {
		if r.ExpiresAt.Before(now) {
			delete(e.revoked, jti)
			continue
		}
		records = append(records, r)
	}
	e.mu.Unlock()

	doc := struct {
		Revoked []Revocation `json:"revoked"`
	}{Revoked: records}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshaling revocations: %w", err)
	}
	dir := filepath.Dir(e.revPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("session: creating state dir: %w", err)
	}
	tmp := e.revPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("session: writing temp file: %w", err)
	}
	return os.Rename(tmp, e.revPath)
}
