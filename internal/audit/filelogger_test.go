package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFileLoggerAppendChainsHashes(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLogger(filepath.Join(dir, "audit.ndjson"))
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer fl.Close()

	ctx := context.Background()
	first, err := fl.Append(ctx, EventDaemonStart, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.PrevHash != GenesisHash {
		t.Fatalf("first entry prevHash = %q, want %q", first.PrevHash, GenesisHash)
	}

	second, err := fl.Append(ctx, EventGrantCreate, &Context{SkillID: "skill.alpha"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("second.PrevHash = %q, want %q", second.PrevHash, first.Hash)
	}

	result, err := fl.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, got broken at %d: %s", result.BrokenAtLine, result.Reason)
	}
}

func TestFileLoggerVerifyDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.ndjson")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer fl.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := fl.Append(ctx, EventDaemonStart, nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := make([]byte, len(data))
	copy(tampered, data)
	// Replace the last double quote in the file (the closing quote of the
	// third line's hash value), which makes that line invalid JSON.
	for i := len(tampered) - 1; i >= 0; i-- {
		if tampered[i] == '"' {
			tampered[i] = '\''
			break
		}
	}
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	result, err := fl.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered chain to be reported invalid")
	}
}

func TestFileLoggerConcurrentAppendsPreserveOrder(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLogger(filepath.Join(dir, "audit.ndjson"))
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer fl.Close()

	ctx := context.Background()
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fl.Append(ctx, EventDaemonStart, nil); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := fl.ReadAll(ctx)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("got %d entries, want %d", len(entries), n)
	}

	result, err := fl.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, broken at %d: %s", result.BrokenAtLine, result.Reason)
	}
}
