package runtime

import (
	"context"
	"testing"

	"github.com/clauth/clauth/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		StateDir:  t.TempDir(),
		Transport: "tcp",
		Host:      "127.0.0.1",
		Port:      8743,
		Firewall: config.FirewallConfig{
			MinWarmupRequests:   20,
			RateSpikeMultiplier: 3.0,
			BurstWindowMs:       60_000,
			BurstLimit:          30,
		},
		Hardening: config.HardeningConfig{
			SessionTTLSeconds:   3600,
			ChallengeTTLSeconds: 600,
		},
	}
	return cfg
}

func TestBootWiresEveryCollaborator(t *testing.T) {
	cfg := newTestConfig(t)

	rt, err := Boot(context.Background(), cfg, "test-passphrase", Deps{})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	defer rt.Shutdown()

	if rt.Vault == nil || rt.Scopes == nil || rt.Firewall == nil || rt.Audit == nil ||
		rt.Skills == nil || rt.Sessions == nil || rt.Identity == nil || rt.Pipeline == nil {
		t.Fatal("expected every subsystem to be wired after boot")
	}

	verification, err := rt.Audit.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if !verification.Valid {
		t.Fatalf("expected a freshly booted audit log to be valid, got reason %v at line %d", verification.Reason, verification.BrokenAtLine)
	}

	entries, err := rt.Audit.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "daemon.start" {
		t.Fatalf("expected exactly one daemon.start entry after boot, got %+v", entries)
	}
}

func TestBootRejectsMalformedVaultSalt(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.VaultSalt = "not-valid-base64!!"

	if _, err := Boot(context.Background(), cfg, "test-passphrase", Deps{}); err == nil {
		t.Fatal("expected an invalid vaultSalt to fail boot")
	}
}

func TestShutdownLocksVault(t *testing.T) {
	cfg := newTestConfig(t)
	rt, err := Boot(context.Background(), cfg, "test-passphrase", Deps{})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}

	if err := rt.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := rt.Vault.GetMasterKey(); err == nil {
		t.Fatal("expected the vault to be locked after Shutdown")
	}
}
