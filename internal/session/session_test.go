package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeVault struct{ key []byte }

func (f fakeVault) GetMasterKey() ([]byte, error) { return f.key, nil }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return New(fakeVault{key: key}, filepath.Join(t.TempDir(), "session-revocations.json"), time.Hour)
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	token, _, err := e.Issue("skill.alpha", "github:read", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	skillID, _, err := e.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if skillID != "skill.alpha" {
		t.Fatalf("got skillId %q, want skill.alpha", skillID)
	}
}

func TestExpiredTokenFailsVerify(t *testing.T) {
	e := newTestEngine(t)
	token, _, err := e.Issue("skill.alpha", "", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := e.Verify(token); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestRevokedTokenNeverVerifies(t *testing.T) {
	e := newTestEngine(t)
	token, _, err := e.Issue("skill.alpha", "", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := e.RevokeToken(token, "operator request"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := e.Verify(token); err == nil {
		t.Fatal("expected revoked token to fail verification")
	}
}

func TestRevocationSurvivesAcrossEngines(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "session-revocations.json")

	e1 := New(fakeVault{key: key}, path, time.Hour)
	token, _, err := e1.Issue("skill.alpha", "", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := e1.RevokeToken(token, ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := e1.persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	e2 := New(fakeVault{key: key}, path, time.Hour)
	if err := e2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, _, err := e2.Verify(token); err == nil {
		t.Fatal("expected revocation to survive process restart")
	}
}

// TestConcurrentRevokesAllPersist guards against the persist-queue
// dropping a revoke that arrives while another persist is already in
// flight: every one of N concurrent revokes must still be on disk once
// the queue drains, not just whichever one the running persist happened
// to snapshot.
func TestConcurrentRevokesAllPersist(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "session-revocations.json")
	e := New(fakeVault{key: key}, path, time.Hour)

	const n = 25
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		token, _, err := e.Issue(fmt.Sprintf("skill.%d", i), "", time.Hour)
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		tokens[i] = token
	}

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			if err := e.RevokeToken(tok, "bulk revoke"); err != nil {
				t.Errorf("revoke: %v", err)
			}
		}(token)
	}
	wg.Wait()
	waitForPersistQuiescence(t, e)

	reloaded := New(fakeVault{key: key}, path, time.Hour)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	for i, tok := range tokens {
		if _, _, err := reloaded.Verify(tok); err == nil {
			t.Fatalf("token %d: expected revocation to have persisted", i)
		}
	}
}

// waitForPersistQuiescence polls until the engine's persist worker has
// finished draining every queued revoke, or fails the test after a
// generous deadline.
func waitForPersistQuiescence(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		idle := !e.persisting
		e.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for session persist queue to drain")
}
