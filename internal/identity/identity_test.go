package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clauth/clauth/internal/audit"
)

type fakeLogger struct {
	entries []*audit.Entry
}

func (f *fakeLogger) Append(_ context.Context, event audit.Event, c *audit.Context) (*audit.Entry, error) {
	e := &audit.Entry{Event: event, Context: c}
	f.entries = append(f.entries, e)
	return e, nil
}
func (f *fakeLogger) VerifyIntegrity(context.Context) (*audit.ChainVerification, error) {
	return &audit.ChainVerification{Valid: true, BrokenAtLine: -1}, nil
}
func (f *fakeLogger) ReadAll(context.Context) ([]audit.Entry, error) { return nil, nil }
func (f *fakeLogger) Close() error                                   { return nil }

type fixedKey struct{ key []byte }

func (f fixedKey) GetMasterKey() ([]byte, error) { return f.key, nil }

func newTestBroker(t *testing.T, cfg Config) (*Broker, *fakeLogger) {
	t.Helper()
	logger := &fakeLogger{}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	b := New(filepath.Join(t.TempDir(), "identity-state.json"), cfg, Deps{
		Vault:   fixedKey{key: key},
		Auditor: logger,
	})
	return b, logger
}

func TestEmailChallengeWrongCodeThenLockout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxVerifyAttempts = 2
	mailer := &captureMailer{}
	b, _ := newTestBrokerWithMailer(t, cfg, mailer)

	ctx := context.Background()
	res, err := b.CreateChallenge(ctx, "skill.alpha", "github", "alice@example.com", MethodEmail)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if mailer.code == "" {
		t.Fatal("expected mailer to receive a code")
	}

	status, proof, err := b.Verify(ctx, res.Challenge.ID, "skill.alpha", false, VerifyInput{VerificationCode: "000000"})
	if err != nil {
		t.Fatalf("Verify (wrong code 1): %v", err)
	}
	if status != StatusPending || proof != nil {
		t.Fatalf("expected pending with attempts=1, got status=%s proof=%v", status, proof)
	}

	status, proof, err = b.Verify(ctx, res.Challenge.ID, "skill.alpha", false, VerifyInput{VerificationCode: "111111"})
	if err != nil {
		t.Fatalf("Verify (wrong code 2): %v", err)
	}
	if status != StatusFailed || proof != nil {
		t.Fatalf("expected failed after reaching max attempts, got status=%s", status)
	}
}

func TestEmailChallengeCorrectCodeVerifiesExactlyOnce(t *testing.T) {
	cfg := DefaultConfig()
	mailer := &captureMailer{}
	b, logger := newTestBrokerWithMailer(t, cfg, mailer)

	ctx := context.Background()
	res, err := b.CreateChallenge(ctx, "skill.alpha", "github", "alice@example.com", MethodEmail)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	status, proof, err := b.Verify(ctx, res.Challenge.ID, "skill.alpha", false, VerifyInput{VerificationCode: mailer.code})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if status != StatusVerified || proof == nil {
		t.Fatalf("expected verified with a proof, got status=%s proof=%v", status, proof)
	}

	proofs := b.ListProofs("skill.alpha")
	if len(proofs) != 1 {
		t.Fatalf("expected exactly one proof, got %d", len(proofs))
	}

	// Re-verifying a terminal challenge must not mutate state or mint a
	// second proof.
	status2, proof2, err := b.Verify(ctx, res.Challenge.ID, "skill.alpha", false, VerifyInput{VerificationCode: mailer.code})
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if status2 != StatusVerified || proof2 != nil {
		t.Fatalf("expected idempotent verified with no new proof, got status=%s proof=%v", status2, proof2)
	}
	if len(b.ListProofs("skill.alpha")) != 1 {
		t.Fatal("expected no additional proof to be minted")
	}

	foundVerifyEvent := false
	for _, e := range logger.entries {
		if e.Event == audit.EventIdentityVerify {
			foundVerifyEvent = true
		}
	}
	if !foundVerifyEvent {
		t.Fatal("expected an identity.verify audit entry")
	}
}

func TestCrossSkillVerifyFailsWithoutMutation(t *testing.T) {
	cfg := DefaultConfig()
	mailer := &captureMailer{}
	b, _ := newTestBrokerWithMailer(t, cfg, mailer)

	ctx := context.Background()
	res, err := b.CreateChallenge(ctx, "skill.alpha", "github", "alice@example.com", MethodEmail)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	status, proof, err := b.Verify(ctx, res.Challenge.ID, "skill.bravo", false, VerifyInput{VerificationCode: mailer.code})
	if err != nil {
		t.Fatalf("cross-skill Verify: %v", err)
	}
	if status != StatusFailed || proof != nil {
		t.Fatalf("expected cross-skill verify to report failed with no proof, got status=%s", status)
	}

	c, err := b.GetChallengeForSkill(res.Challenge.ID, "skill.alpha", false)
	if err != nil {
		t.Fatalf("GetChallengeForSkill: %v", err)
	}
	if c.Status != StatusPending || c.Attempts != 0 {
		t.Fatalf("expected challenge untouched by cross-skill verify, got status=%s attempts=%d", c.Status, c.Attempts)
	}
}

func TestGetChallengeForSkillHidesOthers(t *testing.T) {
	cfg := DefaultConfig()
	mailer := &captureMailer{}
	b, _ := newTestBrokerWithMailer(t, cfg, mailer)

	ctx := context.Background()
	res, err := b.CreateChallenge(ctx, "skill.alpha", "github", "alice@example.com", MethodEmail)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	if _, err := b.GetChallengeForSkill(res.Challenge.ID, "skill.bravo", false); err == nil {
		t.Fatal("expected cross-skill GetChallengeForSkill to fail")
	}
	if _, err := b.GetChallengeForSkill(res.Challenge.ID, "skill.bravo", true); err != nil {
		t.Fatalf("expected allowAnySkill to permit access: %v", err)
	}
}

func TestEmailChallengeRequiresMailer(t *testing.T) {
	b, _ := newTestBroker(t, DefaultConfig())
	ctx := context.Background()
	if _, err := b.CreateChallenge(ctx, "skill.alpha", "github", "alice@example.com", MethodEmail); err == nil {
		t.Fatal("expected email challenge creation to fail without a configured mailer")
	}
}

func TestSignedChallengeExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChallengeTTL = -1 * time.Second
	b, _ := newTestBroker(t, cfg)

	ctx := context.Background()
	res, err := b.CreateChallenge(ctx, "skill.alpha", "github", "alice", MethodSignedChallenge)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	status, proof, err := b.Verify(ctx, res.Challenge.ID, "skill.alpha", false, VerifyInput{Challenge: res.Challenge.Challenge})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if status != StatusExpired || proof != nil {
		t.Fatalf("expected expired challenge to transition to expired, got status=%s", status)
	}
}

type captureMailer struct {
	code string
}

func (m *captureMailer) Send(_ context.Context, _ string, code string) error {
	m.code = code
	return nil
}

func newTestBrokerWithMailer(t *testing.T, cfg Config, mailer EmailSender) (*Broker, *fakeLogger) {
	t.Helper()
	logger := &fakeLogger{}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	b := New(filepath.Join(t.TempDir(), "identity-state.json"), cfg, Deps{
		Vault:   fixedKey{key: key},
		Mailer:  mailer,
		Auditor: logger,
	})
	return b, logger
}
