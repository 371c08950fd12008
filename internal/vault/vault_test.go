package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clauth/clauth/internal/clautherr"
	"github.com/clauth/clauth/internal/cryptoenv"
)

func newTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.enc")
	v := New(path, nil)
	if err := v.Unlock("correct horse battery staple"); err != nil {
		t.Fatalf("unlock fresh vault: %v", err)
	}
	return v, path
}

func TestStoreAndGetCredentialRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)

	if err := v.StoreCredential("github-main", "GitHub", "ghp_x", nil, map[string]string{"authType": "bearer"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	cred, err := v.GetCredential("github-main", "github")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.Secret != "ghp_x" || cred.Provider != "github" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestGetCredentialProviderMismatch(t *testing.T) {
	v, _ := newTestVault(t)
	_ = v.StoreCredential("h1", "github", "secret", nil, nil)

	_, err := v.GetCredential("h1", "openai")
	if clautherr.CodeOf(err) != clautherr.AccessDenied {
		t.Fatalf("got %v, want ACCESS_DENIED", err)
	}
}

func TestGetCredentialExpiresAndPrunes(t *testing.T) {
	v, _ := newTestVault(t)
	ttl := -time.Second
	_ = v.StoreCredential("h1", "github", "secret", &ttl, nil)

	_, err := v.GetCredential("h1", "")
	if clautherr.CodeOf(err) != clautherr.NotFound {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}

	metas, err := v.ListCredentialMetadata()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("expected expired credential pruned, got %d remaining", len(metas))
	}
}

func TestOperationsFailWhenLocked(t *testing.T) {
	v, _ := newTestVault(t)
	v.Lock()

	if _, err := v.GetCredential("h1", ""); clautherr.CodeOf(err) != clautherr.AccessDenied {
		t.Fatalf("got %v, want ACCESS_DENIED", err)
	}
}

func TestUnlockAfterRestartPreservesKDFParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.enc")

	v1 := New(path, nil)
	if err := v1.Unlock("correct horse battery staple"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	_ = v1.StoreCredential("h1", "github", "secret", nil, nil)
	firstKDF := v1.kdf

	// Simulate restart with drifted process configuration.
	v2 := New(path, nil, WithKDFParams(cryptoenv.Params{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1}))
	if err := v2.Unlock("correct horse battery staple"); err != nil {
		t.Fatalf("unlock after restart: %v", err)
	}
	if v2.kdf.Algorithm != firstKDF.Algorithm || v2.kdf.Iterations != firstKDF.Iterations {
		t.Fatalf("kdf params drifted across restart: %+v vs %+v", v2.kdf, firstKDF)
	}
	cred, err := v2.GetCredential("h1", "github")
	if err != nil || cred.Secret != "secret" {
		t.Fatalf("credential lost across restart: %v", err)
	}
}

func TestUnlockRejectsTamperedEnvelope(t *testing.T) {
	v, path := newTestVault(t)
	_ = v.StoreCredential("h1", "github", "secret", nil, nil)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	before := append([]byte(nil), data...)
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-2] ^= 0xFF
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	v2 := New(path, nil)
	err = v2.Unlock("correct horse battery staple")
	if clautherr.CodeOf(err) != clautherr.Validation {
		t.Fatalf("got %v, want VALIDATION_ERROR", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after failed unlock: %v", err)
	}
	if string(after) == string(before) {
		t.Fatal("expected file to remain as tampered, but got pre-tamper bytes")
	}
}
