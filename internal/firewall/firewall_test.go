package firewall

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clauth/clauth/internal/alert"
)

func newTestFirewall(t *testing.T, cfg Config) *Firewall {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "firewall.json"), cfg, alert.NopRouter{})
}

func TestBurstThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BurstLimit = 3
	cfg.BurstWindow = 60 * time.Second
	fw := newTestFirewall(t, cfg)

	base := time.Now()
	for i := 0; i < 3; i++ {
		v := fw.Evaluate(context.Background(), Request{SkillID: "skill.alpha", Endpoint: "https://api.example.com", Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
		if !v.Allowed {
			t.Fatalf("request %d: expected allowed, got blocked: %v", i, v.Reasons)
		}
	}

	v := fw.Evaluate(context.Background(), Request{SkillID: "skill.alpha", Endpoint: "https://api.example.com", Timestamp: base.Add(4 * time.Millisecond)})
	if v.Allowed {
		t.Fatal("4th request within burst window should be blocked")
	}
	if v.Severity != alert.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", v.Severity)
	}
}

func TestScopeDeniedAlwaysCriticalBlocked(t *testing.T) {
	fw := newTestFirewall(t, DefaultConfig())
	v := fw.Evaluate(context.Background(), Request{SkillID: "skill.alpha", Endpoint: "https://api.example.com", ScopeDenied: true})
	if v.Allowed {
		t.Fatal("expected scope-denied request to be blocked")
	}
	if v.Severity != alert.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", v.Severity)
	}
}

func TestOffHoursDisabledWhenStartEqualsEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffHoursStart, cfg.OffHoursEnd = 0, 0
	if inOffHours(time.Now(), cfg.OffHoursStart, cfg.OffHoursEnd) {
		t.Fatal("off-hours detector should be disabled when start==end")
	}
}

func TestOffHoursWrapsAcrossMidnight(t *testing.T) {
	ts := time.Date(2026, 1, 1, 23, 0, 0, 0, time.Local)
	if !inOffHours(ts, 22, 6) {
		t.Fatal("expected 23:00 to be within wrapping off-hours window [22,6)")
	}
	ts2 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)
	if inOffHours(ts2, 22, 6) {
		t.Fatal("expected noon to be outside wrapping off-hours window [22,6)")
	}
}

func TestNewEndpointDetectedAfterWarmup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWarmupRequests = 2
	fw := newTestFirewall(t, cfg)

	base := time.Now()
	fw.Evaluate(context.Background(), Request{SkillID: "skill.alpha", Endpoint: "https://a.example.com", Timestamp: base})
	fw.Evaluate(context.Background(), Request{SkillID: "skill.alpha", Endpoint: "https://a.example.com", Timestamp: base.Add(time.Second)})

	v := fw.Evaluate(context.Background(), Request{SkillID: "skill.alpha", Endpoint: "https://b.example.com", Timestamp: base.Add(2 * time.Second)})
	found := false
	for _, r := range v.Reasons {
		if r == "New endpoint observed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected new-endpoint reason after warmup, got %v", v.Reasons)
	}
}
