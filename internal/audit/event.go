// Package audit implements clauth's append-only, hash-chained event log
// (spec Section 4.3). Every pipeline decision — grant, firewall verdict,
// credential mutation, identity challenge transition — is recorded here
// before it is surfaced to the caller.
package audit

import (
	"encoding/json"
	"time"
)

// Event is the closed set of audit event names clauth ever emits.
type Event string

const (
	EventCredentialStore  Event = "credential.store"
	EventCredentialDelete Event = "credential.delete"

	EventProxyAllow Event = "proxy.allow"
	EventProxyDeny  Event = "proxy.deny"
	EventProxyError Event = "proxy.error"

	EventGrantCreate        Event = "grant.create"
	EventGrantRevoke        Event = "grant.revoke"
	EventGrantEmergencyRevoke Event = "grant.emergency_revoke"

	EventSkillTokenIssue  Event = "skill_token.issue"
	EventSkillTokenRevoke Event = "skill_token.revoke"

	EventSessionTokenIssue  Event = "session_token.issue"
	EventSessionTokenRevoke Event = "session_token.revoke"

	EventFirewallAlert Event = "firewall.alert"

	EventDaemonStart Event = "daemon.start"

	EventIdentityChallenge Event = "identity.challenge"
	EventIdentityVerify    Event = "identity.verify"
	EventIdentityRevoke    Event = "identity.revoke"

	EventAdvisoryProcessed Event = "advisory.processed"
)

// Context is the optional, free-form detail payload attached to an entry.
// Fields are all optional; omitted fields are left out of the JSON so the
// hash is computed over exactly what is present.
type Context struct {
	SkillID    string `json:"skillId,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Method     string `json:"method,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Details    string `json:"details,omitempty"`
}

// Entry is one immutable line of the audit log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
	Context   *Context  `json:"context,omitempty"`
	PrevHash  string    `json:"prevHash"`
	Hash      string    `json:"hash"`

	// Seq is the entry's 0-based line index, populated only by readers
	// (verifyIntegrity, tail); it is never persisted.
	Seq int64 `json:"-"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		alias
	}{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		alias:     alias(e),
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	type alias Entry
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*alias
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return err
		}
		e.Timestamp = t
	}
	return nil
}

// hashPayload returns the canonical-JSON bytes hashed to produce Hash:
// the entry's fields minus Hash itself, in the struct's declared order.
// This matches spec 4.3's "payload ∪ {prevHash}" wording — prevHash is
// itself a declared field of Entry, so marshaling Entry-without-Hash
// already includes it.
func (e Entry) hashPayload() ([]byte, error) {
	type payload struct {
		Timestamp string   `json:"timestamp"`
		Event     Event    `json:"event"`
		Context   *Context `json:"context,omitempty"`
		PrevHash  string   `json:"prevHash"`
	}
	return json.Marshal(payload{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     e.Event,
		Context:   e.Context,
		PrevHash:  e.PrevHash,
	})
}
