package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ivLen  = 12
	tagLen = 16
)

// KDFDescriptor records exactly which KDF parameters produced the key
// currently wrapping an envelope. Once written to disk it is the source
// of truth (spec 3 / 4.1): reloads must not silently re-derive with
// different parameters.
type KDFDescriptor struct {
	Algorithm   Algorithm `json:"algorithm"`
	MemoryKiB   uint32    `json:"memoryKiB,omitempty"`
	Iterations  uint32    `json:"iterations,omitempty"`
	Parallelism uint8     `json:"parallelism,omitempty"`
	Salt        []byte    `json:"salt"`
}

func (d KDFDescriptor) Params() Params {
	return Params{MemoryKiB: d.MemoryKiB, Iterations: d.Iterations, Parallelism: d.Parallelism}
}

// Envelope is the on-disk AEAD-wrapped JSON blob (spec 3 VaultEnvelope,
// 6 oauth-tokens.json). The same shape is reused for both files, each
// with its own IV/tag.
type Envelope struct {
	Version   int           `json:"version"`
	Cipher    string        `json:"cipher"`
	IV        []byte        `json:"iv"`
	Tag       []byte        `json:"tag"`
	Ciphertext []byte       `json:"ciphertext"`
	KDF       KDFDescriptor `json:"kdf"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Seal encrypts plaintext under key and wraps it with kdf into a fresh
// Envelope. key must be exactly 32 bytes (AES-256).
func Seal(key []byte, kdf KDFDescriptor, plaintext []byte) (*Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: new gcm: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("cryptoenv: reading iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return &Envelope{
		Version:    1,
		Cipher:     "AES-256-GCM",
		IV:         iv,
		Tag:        tag,
		Ciphertext: ciphertext,
		KDF:        kdf,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// Open decrypts the envelope's ciphertext under key. A malformed or
// tamper-damaged envelope (wrong tag, truncated IV, unsupported version)
// fails closed with a plain error; callers are responsible for mapping
// that to VALIDATION_ERROR without touching the on-disk file.
func (e *Envelope) Open(key []byte) ([]byte, error) {
	if e.Version != 1 {
		return nil, fmt.Errorf("cryptoenv: unsupported envelope version %d", e.Version)
	}
	if len(e.IV) != ivLen {
		return nil, fmt.Errorf("cryptoenv: invalid iv length %d", len(e.IV))
	}
	if len(e.Tag) != tagLen {
		return nil, fmt.Errorf("cryptoenv: invalid tag length %d", len(e.Tag))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: new gcm: %w", err)
	}

	sealed := append(append([]byte{}, e.Ciphertext...), e.Tag...)
	plaintext, err := gcm.Open(nil, e.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv: decrypt: %w", err)
	}
	return plaintext, nil
}

// Envelope defines no custom MarshalJSON/UnmarshalJSON: its []byte fields
// (IV, Tag, Ciphertext, KDF.Salt) are written as standard base64 by
// encoding/json's default []byte handling.
var _ = base64.StdEncoding

// DecodeSalt decodes a base64url-encoded 16-byte pepper/salt value (spec
// 6 `vaultSalt`, `skillTokenSalt`).
func DecodeSalt(encoded string) ([]byte, error) {
	salt, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		if alt, altErr := base64.URLEncoding.DecodeString(encoded); altErr == nil {
			salt = alt
		} else {
			return nil, fmt.Errorf("cryptoenv: decoding salt: %w", err)
		}
	}
	if len(salt) != 16 {
		return nil, fmt.Errorf("cryptoenv: salt must decode to 16 bytes, got %d", len(salt))
	}
	return salt, nil
}

// NewSalt returns a fresh 16-byte random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("cryptoenv: reading salt: %w", err)
	}
	return salt, nil
}

// MarshalEnvelope serializes an envelope for atomic on-disk writes.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}
