// Package alert defines the alert-dispatch collaborator contract and a
// webhook-based implementation, adapted from the teacher's internal/siem
// package: the warn/critical/info severity vocabulary and per-channel
// minSeverity filtering are carried over from siem.Severity and
// siem.AlertRouting, but the SIEM-config-generation half of that package
// (Splunk/Sentinel/Chronicle templates) has no home in this spec and is
// dropped — see DESIGN.md.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Severity mirrors the firewall's warn/critical/info vocabulary (spec 4.5).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is dispatched for firewall alerts and identity-verify outcomes.
type Event struct {
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	SkillID   string         `json:"skillId,omitempty"`
	Reasons   []string       `json:"reasons,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Router is the core-facing collaborator contract (spec 6): dispatch must
// never raise to the core — callers invoke it fire-and-forget.
type Router interface {
	Dispatch(ctx context.Context, event Event)
}

// Channel is one configured webhook destination (spec 6 `alertChannels[]`).
type Channel struct {
	URL         string
	MinSeverity Severity
}

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// WebhookRouter posts AlertEvents as JSON to every configured channel whose
// MinSeverity the event meets. Grounded on the teacher's siem alert-routing
// shape (rules.go AlertRouting) with the HTTP POST idiom the pack uses for
// webhook dispatch (wisbric-nightowl escalation/alert packages).
type WebhookRouter struct {
	channels []Channel
	client   *http.Client
}

func NewWebhookRouter(channels []Channel) *WebhookRouter {
	return &WebhookRouter{channels: channels, client: &http.Client{Timeout: 10 * time.Second}}
}

func (r *WebhookRouter) Dispatch(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	rank := severityRank[event.Severity]

	for _, ch := range r.channels {
		if rank < severityRank[ch.MinSeverity] {
			continue
		}
		go r.post(ctx, ch, event)
	}
}

func (r *WebhookRouter) post(ctx context.Context, ch Channel, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		slog.Warn("alert: marshaling event failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("alert: building request failed", "error", err)
		return
	}
	req.Header.Set("content-type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Warn("alert: webhook delivery failed", "url", ch.URL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("alert: webhook returned non-2xx", "url", ch.URL, "status", resp.StatusCode)
	}
}

// NopRouter discards every event; used where no channels are configured.
type NopRouter struct{}

func (NopRouter) Dispatch(context.Context, Event) {}
