// Package vault implements the encrypted credential store (spec Section
// 4.2). It is grounded on the teacher's internal/credentials package — a
// mutex-guarded in-memory map with copy-on-read accessors — composed with
// the teacher's atomic write-temp-then-rename persistence idiom (seen in
// internal/policy's decision/config writers) and wrapped in an AEAD
// envelope from internal/cryptoenv.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clauth/clauth/internal/clautherr"
	"github.com/clauth/clauth/internal/cryptoenv"
)

// Credential is an at-rest secret (spec 3).
type Credential struct {
	Handle    string            `json:"handle"`
	Provider  string            `json:"provider"`
	Secret    string            `json:"secret"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c Credential) expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Meta is a Credential with Secret elided, returned by ListCredentialMetadata.
type Meta struct {
	Handle    string            `json:"handle"`
	Provider  string            `json:"provider"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c Credential) toMeta() Meta {
	return Meta{Handle: c.Handle, Provider: c.Provider, CreatedAt: c.CreatedAt, ExpiresAt: c.ExpiresAt, Metadata: c.Metadata}
}

// record is the plaintext shape sealed inside the on-disk envelope.
type record struct {
	Credentials map[string]Credential `json:"credentials"`
}

// Vault is the encrypted credential store. Exactly one master key lives in
// memory per process (spec 5); Lock zeroes it.
type Vault struct {
	path   string
	salt   []byte
	params cryptoenv.Params

	mu          sync.RWMutex
	unlocked    bool
	masterKey   []byte
	kdf         cryptoenv.KDFDescriptor
	credentials map[string]Credential
}

// Option configures a fresh vault's initial KDF parameters (spec 4.1:
// only consulted when no on-disk envelope already fixes them).
type Option func(*Vault)

func WithKDFParams(p cryptoenv.Params) Option {
	return func(v *Vault) { v.params = p }
}

// New opens a Vault bound to path (the vault.enc file) and salt (the
// per-deployment pepper, spec 6 `vaultSalt`). It does not unlock.
func New(path string, salt []byte, opts ...Option) *Vault {
	v := &Vault{path: path, salt: salt}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Unlock derives the master key and loads (or initializes) the vault.
// A malformed or tamper-damaged envelope fails closed with VALIDATION_ERROR
// and never touches the on-disk file (spec 4.2, 7).
func (v *Vault) Unlock(passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := os.ReadFile(v.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return clautherr.Wrap(clautherr.Validation, "reading vault envelope", err)
		}
		return v.initFreshLocked(passphrase)
	}

	var env cryptoenv.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return clautherr.Wrap(clautherr.Validation, "parsing vault envelope", err)
	}

	// The on-disk KDF descriptor is the source of truth (spec 3): it
	// overrides whatever process configuration supplied.
	key, _, err := cryptoenv.DeriveKey(passphrase, env.KDF.Salt, env.KDF.Params(), env.KDF.Algorithm)
	if err != nil {
		return clautherr.Wrap(clautherr.Validation, "deriving vault key", err)
	}

	plaintext, err := env.Open(key)
	if err != nil {
		cryptoenv.Zero(key)
		return clautherr.Wrap(clautherr.Validation, "vault envelope failed to authenticate", err)
	}

	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		cryptoenv.Zero(key)
		return clautherr.Wrap(clautherr.Validation, "parsing vault record", err)
	}

	v.masterKey = key
	v.kdf = env.KDF
	v.credentials = rec.Credentials
	if v.credentials == nil {
		v.credentials = map[string]Credential{}
	}
	v.unlocked = true
	return nil
}

func (v *Vault) initFreshLocked(passphrase string) error {
	salt := v.salt
	if len(salt) != 16 {
		newSalt, err := cryptoenv.NewSalt()
		if err != nil {
			return clautherr.Wrap(clautherr.Internal, "generating vault salt", err)
		}
		salt = newSalt
	}
	key, algo, err := cryptoenv.DeriveKey(passphrase, salt, v.params, "")
	if err != nil {
		return clautherr.Wrap(clautherr.Validation, "deriving vault key", err)
	}

	defaults := v.params.WithDefaults()
	v.masterKey = key
	v.kdf = cryptoenv.KDFDescriptor{Algorithm: algo, MemoryKiB: defaults.MemoryKiB, Iterations: defaults.Iterations, Parallelism: defaults.Parallelism, Salt: salt}
	v.credentials = map[string]Credential{}
	v.unlocked = true
	return v.persistLocked()
}

// Lock zeroes the in-memory master key and drops the decrypted record.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.masterKey != nil {
		cryptoenv.Zero(v.masterKey)
	}
	v.masterKey = nil
	v.credentials = nil
	v.unlocked = false
}

func (v *Vault) requireUnlockedLocked() error {
	if !v.unlocked {
		return clautherr.New(clautherr.AccessDenied, "vault is locked")
	}
	return nil
}

// GetMasterKey returns a borrowed reference to the in-memory master key.
// Callers (session HKDF derivation, identity-broker HMACs) must not
// retain it past the current operation and must not mutate it.
func (v *Vault) GetMasterKey() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	return v.masterKey, nil
}

// StoreCredential creates or overwrites a credential and persists the
// whole record atomically.
func (v *Vault) StoreCredential(handle, provider, secret string, ttl *time.Duration, metadata map[string]string) error {
	handle = strings.TrimSpace(handle)
	provider = strings.ToLower(strings.TrimSpace(provider))
	if handle == "" || provider == "" || secret == "" {
		return clautherr.New(clautherr.Validation, "handle, provider, and secret are required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}

	cred := Credential{
		Handle:    handle,
		Provider:  provider,
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if ttl != nil {
		exp := cred.CreatedAt.Add(*ttl)
		cred.ExpiresAt = &exp
	}
	v.credentials[handle] = cred
	return v.persistLocked()
}

// DeleteCredential removes a credential, persisting the change.
func (v *Vault) DeleteCredential(handle string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	if _, ok := v.credentials[handle]; !ok {
		return clautherr.New(clautherr.NotFound, "unknown credential handle")
	}
	delete(v.credentials, handle)
	return v.persistLocked()
}

// GetCredential returns a copy of the credential for handle. If provider
// is non-empty, it must match the stored credential's provider or
// ACCESS_DENIED is returned. An expired credential is pruned (and the
// record persisted) before NOT_FOUND is reported, per spec 4.2.
func (v *Vault) GetCredential(handle, provider string) (*Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}

	cred, ok := v.credentials[handle]
	if !ok {
		return nil, clautherr.New(clautherr.NotFound, "unknown credential handle")
	}
	if cred.expired(time.Now()) {
		delete(v.credentials, handle)
		_ = v.persistLocked()
		return nil, clautherr.New(clautherr.NotFound, "credential expired")
	}
	if provider != "" && !strings.EqualFold(cred.Provider, provider) {
		return nil, clautherr.New(clautherr.AccessDenied, "credential provider mismatch")
	}

	out := cred
	out.Metadata = copyMeta(cred.Metadata)
	return &out, nil
}

// UpdateCredentialSecret replaces a credential's secret (used by the OAuth
// refresh collaborator) leaving every other field untouched.
func (v *Vault) UpdateCredentialSecret(handle, newSecret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	cred, ok := v.credentials[handle]
	if !ok {
		return clautherr.New(clautherr.NotFound, "unknown credential handle")
	}
	cred.Secret = newSecret
	v.credentials[handle] = cred
	return v.persistLocked()
}

// ListCredentialMetadata returns every non-expired credential's metadata,
// secrets elided, pruning expired entries along the way.
func (v *Vault) ListCredentialMetadata() ([]Meta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]Meta, 0, len(v.credentials))
	pruned := false
	for handle, cred := range v.credentials {
		if cred.expired(now) {
			delete(v.credentials, handle)
			pruned = true
			continue
		}
		out = append(out, cred.toMeta())
	}
	if pruned {
		_ = v.persistLocked()
	}
	return out, nil
}

// persistLocked re-encrypts the full record and writes it atomically.
// Caller must hold v.mu for writing.
func (v *Vault) persistLocked() error {
	plaintext, err := json.Marshal(record{Credentials: v.credentials})
	if err != nil {
		return clautherr.Wrap(clautherr.Internal, "marshaling vault record", err)
	}

	env, err := cryptoenv.Seal(v.masterKey, v.kdf, plaintext)
	if err != nil {
		return clautherr.Wrap(clautherr.Internal, "sealing vault envelope", err)
	}

	data, err := cryptoenv.MarshalEnvelope(env)
	if err != nil {
		return clautherr.Wrap(clautherr.Internal, "marshaling vault envelope", err)
	}

	return atomicWrite(v.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("vault: creating state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("vault: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vault: renaming temp file: %w", err)
	}
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
