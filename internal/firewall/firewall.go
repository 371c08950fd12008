// Package firewall implements the behavioral firewall (spec Section 4.5):
// per-skill baselines with burst, rate-spike, new-endpoint, off-hours, and
// scope-creep detection. The sliding-window counters are grounded on
// cmd/aibox-llm-proxy/ratelimit.go; the severity vocabulary and alert
// dispatch shape come from the teacher's internal/siem/rules.go.
package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clauth/clauth/internal/alert"
)

// Config tunes detector thresholds (spec 6 `firewall.*`).
type Config struct {
	MinWarmupRequests  int
	RateSpikeMultiplier float64
	BurstWindow        time.Duration
	BurstLimit         int
	OffHoursStart      int // 0-23
	OffHoursEnd        int // 0-23
}

func DefaultConfig() Config {
	return Config{
		MinWarmupRequests:  20,
		RateSpikeMultiplier: 3.0,
		BurstWindow:        60 * time.Second,
		BurstLimit:         30,
		OffHoursStart:      0,
		OffHoursEnd:        0,
	}
}

// Baseline is the per-skill behavioral state (spec 3).
type Baseline struct {
	FirstSeen        time.Time         `json:"firstSeen"`
	TotalRequests    int64             `json:"totalRequests"`
	RecentTimestamps []time.Time       `json:"recentTimestamps"`
	SeenEndpoints    map[string]bool   `json:"seenEndpoints"`
}

// Request describes one brokered-request evaluation input.
type Request struct {
	SkillID     string
	Provider    string
	Scope       string
	Endpoint    string
	Method      string
	Timestamp   time.Time
	ScopeDenied bool
}

// Verdict is the firewall's decision.
type Verdict struct {
	Allowed  bool
	Severity alert.Severity
	Reasons  []string
}

// Firewall owns every skill's baseline and persists them as atomic JSON
// (spec 6 `firewall.json`).
type Firewall struct {
	path   string
	cfg    Config
	router alert.Router

	mu        sync.Mutex
	baselines map[string]*Baseline
}

func New(path string, cfg Config, router alert.Router) *Firewall {
	if router == nil {
		router = alert.NopRouter{}
	}
	return &Firewall{path: path, cfg: cfg, router: router, baselines: map[string]*Baseline{}}
}

func (f *Firewall) Load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("firewall: reading %s: %w", f.path, err)
	}
	var doc struct {
		Skills map[string]*Baseline `json:"skills"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("firewall: parsing %s: %w", f.path, err)
	}
	f.mu.Lock()
	if doc.Skills != nil {
		f.baselines = doc.Skills
	}
	f.mu.Unlock()
	return nil
}

// Evaluate runs the ordered detector chain against req, updates the
// skill's baseline, persists it, and — if any reason fired — dispatches
// an alert whose failure can never affect the returned Verdict.
func (f *Firewall) Evaluate(ctx context.Context, req Request) Verdict {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	f.mu.Lock()
	b, ok := f.baselines[req.SkillID]
	if !ok {
		b = &Baseline{FirstSeen: req.Timestamp, SeenEndpoints: map[string]bool{}}
		f.baselines[req.SkillID] = b
	}
	if b.SeenEndpoints == nil {
		b.SeenEndpoints = map[string]bool{}
	}

	verdict := Verdict{Allowed: true, Severity: alert.SeverityInfo}
	raise := func(sev alert.Severity, reason string) {
		verdict.Reasons = append(verdict.Reasons, reason)
		if severityAtLeast(sev, verdict.Severity) {
			verdict.Severity = sev
		}
	}

	burstWindow := f.cfg.BurstWindow
	if burstWindow <= 0 {
		burstWindow = 60 * time.Second
	}
	windowFloor := burstWindow
	if windowFloor < 60*time.Second {
		windowFloor = 60 * time.Second
	}

	// Prior requests count when they fall inside the inclusive window
	// [now-burstWindow, now]; countAfter is strict, so its cutoff sits one
	// nanosecond before the window start. +1 counts the current request
	// itself (spec 4.5, 8).
	cutoffBurst := req.Timestamp.Add(-burstWindow - time.Nanosecond)
	burstCount := countAfter(b.RecentTimestamps, cutoffBurst) + 1
	if burstCount > f.cfg.BurstLimit {
		raise(alert.SeverityCritical, "Burst threshold exceeded")
		verdict.Allowed = false
	}

	if b.TotalRequests >= int64(f.cfg.MinWarmupRequests) {
		elapsedMinutes := req.Timestamp.Sub(b.FirstSeen).Minutes()
		if elapsedMinutes < 1 {
			elapsedMinutes = 1
		}
		averageRPM := float64(b.TotalRequests) / elapsedMinutes
		lastMinute := countAfter(b.RecentTimestamps, req.Timestamp.Add(-60*time.Second)) + 1
		if float64(lastMinute) > averageRPM*f.cfg.RateSpikeMultiplier {
			raise(alert.SeverityWarning, "Rate spike detected")
		}

		if !b.SeenEndpoints[req.Endpoint] {
			raise(alert.SeverityWarning, "New endpoint observed")
		}
	}

	if inOffHours(req.Timestamp, f.cfg.OffHoursStart, f.cfg.OffHoursEnd) {
		raise(alert.SeverityWarning, "Off-hours request")
	}

	if req.ScopeDenied {
		raise(alert.SeverityCritical, "Scope creep: request denied by scope engine")
		verdict.Allowed = false
	}

	b.SeenEndpoints[req.Endpoint] = true
	b.TotalRequests++
	b.RecentTimestamps = append(pruneBefore(b.RecentTimestamps, req.Timestamp.Add(-windowFloor)), req.Timestamp)

	persistErr := f.persistLocked()
	f.mu.Unlock()

	if persistErr != nil {
		// Persistence failure must not affect the decision already made.
		_ = persistErr
	}

	if len(verdict.Reasons) > 0 {
		f.router.Dispatch(ctx, alert.Event{
			Severity: verdict.Severity,
			Source:   "firewall",
			SkillID:  req.SkillID,
			Reasons:  verdict.Reasons,
			Timestamp: req.Timestamp,
		})
	}

	return verdict
}

func severityAtLeast(candidate, current alert.Severity) bool {
	rank := map[alert.Severity]int{alert.SeverityInfo: 0, alert.SeverityWarning: 1, alert.SeverityCritical: 2}
	return rank[candidate] > rank[current]
}

func countAfter(timestamps []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// inOffHours implements the half-open [start,end) window with midnight
// wraparound (spec 4.5); start==end disables the detector.
func inOffHours(ts time.Time, start, end int) bool {
	if start == end {
		return false
	}
	hour := ts.Local().Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (f *Firewall) persistLocked() error {
	doc := struct {
		Skills map[string]*Baseline `json:"skills"`
	}{Skills: f.baselines}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("firewall: marshaling baselines: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("firewall: creating state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("firewall: writing temp file: %w", err)
	}
	return os.Rename(tmp, f.path)
}
