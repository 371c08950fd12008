// Package skilltoken implements the stateless-lookup bearer-token engine
// (spec Section 4.6): peppered SHA-256 hashing and constant-time
// verification, grounded on the teacher's internal/credentials/memory.go
// (mutex-guarded map, copy-out accessors) and wisbric-nightowl/pkg/pat's
// random-bytes / hash-at-rest / one-time-disclosure token shape.
package skilltoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clauth/clauth/internal/clautherr"
)

// Record is a SkillTokenRecord (spec 3): only the peppered hash is stored.
type Record struct {
	SkillID   string    `json:"skillId"`
	TokenHash string    `json:"tokenHash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store owns every skill's token record, persisted as atomic JSON (spec 6
// `skill-auth.json`).
type Store struct {
	path   string
	pepper string

	mu      sync.RWMutex
	records map[string]Record
}

func New(path, pepper string) *Store {
	return &Store{path: path, pepper: pepper, records: map[string]Record{}}
}

func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("skilltoken: reading %s: %w", s.path, err)
	}
	var doc struct {
		Tokens []Record `json:"tokens"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("skilltoken: parsing %s: %w", s.path, err)
	}
	s.mu.Lock()
	for _, r := range doc.Tokens {
		s.records[r.SkillID] = r
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) hash(token string) string {
	sum := sha256.Sum256([]byte(s.pepper + ":" + token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Issue generates a fresh token for skillID, (re)activating its record and
// returning the plaintext token exactly once.
func (s *Store) Issue(skillID string) (string, error) {
	if skillID == "" {
		return "", clautherr.New(clautherr.Validation, "skillId is required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", clautherr.Wrap(clautherr.Internal, "generating skill token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec, existed := s.records[skillID]
	rec.SkillID = skillID
	rec.TokenHash = s.hash(token)
	rec.Active = true
	if !existed {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[skillID] = rec

	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return token, nil
}

// Revoke deactivates a skill's token record.
func (s *Store) Revoke(skillID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[skillID]
	if !ok {
		return clautherr.New(clautherr.NotFound, "unknown skill token record")
	}
	rec.Active = false
	rec.UpdatedAt = time.Now().UTC()
	s.records[skillID] = rec
	return s.persistLocked()
}

// Verify reports whether token is the active, current token for skillID.
func (s *Store) Verify(skillID, token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[skillID]
	if !ok || !rec.Active {
		return false
	}
	return constantTimeEqual(rec.TokenHash, s.hash(token))
}

// Identify scans every active record for one whose hash matches token,
// returning its skillId.
func (s *Store) Identify(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := s.hash(token)
	for skillID, rec := range s.records {
		if rec.Active && constantTimeEqual(rec.TokenHash, want) {
			return skillID, true
		}
	}
	return "", false
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}

func (s *Store) persistLocked() error {
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	doc := struct {
		Tokens []Record `json:"tokens"`
	}{Tokens: records}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("skilltoken: marshaling records: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("skilltoken: creating state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("skilltoken: writing temp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
