// Package cryptoenv implements the KDF and authenticated-encryption
// envelope primitives clauth uses to wrap the vault and OAuth-token
// stores at rest (spec Section 4.1 / 6).
package cryptoenv

import (
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// Algorithm identifies which KDF produced a derived key.
type Algorithm string

const (
	Argon2id Algorithm = "argon2id"
	Scrypt   Algorithm = "scrypt"

	KeyLen = 32

	scryptN = 1 << 18
	scryptR = 8
)

// Params are the tunable KDF parameters. Only the fields relevant to the
// selected algorithm are consulted; zero values are filled with defaults.
type Params struct {
	MemoryKiB   uint32 // argon2id memory cost, KiB (default 64*1024)
	Iterations  uint32 // argon2id time cost (default 3)
	Parallelism uint8  // argon2id + scrypt parallelism (default NumCPU, min 1)
}

// WithDefaults returns p with zero fields filled in with clauth's defaults.
func (p Params) WithDefaults() Params {
	return p.withDefaults()
}

func (p Params) withDefaults() Params {
	if p.MemoryKiB == 0 {
		p.MemoryKiB = 64 * 1024
	}
	if p.Iterations == 0 {
		p.Iterations = 3
	}
	if p.Parallelism == 0 {
		p.Parallelism = uint8(max(1, runtime.NumCPU()))
	}
	return p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// DeriveKey derives a 32-byte key from passphrase and salt. When requested
// is empty, Argon2id is used. When requested is explicitly "scrypt", scrypt
// is used. Any other requested value is rejected. If a runtime genuinely
// cannot provide Argon2id this always succeeds in this implementation
// (golang.org/x/crypto/argon2 is pure Go and always available), so an
// explicit "argon2id" request never falls back; it is only documented as
// a fallback path for runtimes where that does not hold.
func DeriveKey(passphrase string, salt []byte, params Params, requested Algorithm) ([]byte, Algorithm, error) {
	if len(passphrase) < 12 {
		return nil, "", fmt.Errorf("cryptoenv: passphrase must be at least 12 characters")
	}
	if len(salt) != 16 {
		return nil, "", fmt.Errorf("cryptoenv: salt must be 16 bytes, got %d", len(salt))
	}

	p := params.withDefaults()

	switch requested {
	case "", Argon2id:
		key := argon2.IDKey([]byte(passphrase), salt, p.Iterations, p.MemoryKiB, p.Parallelism, KeyLen)
		return key, Argon2id, nil
	case Scrypt:
		key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, int(p.Parallelism), KeyLen)
		if err != nil {
			return nil, "", fmt.Errorf("cryptoenv: scrypt derive: %w", err)
		}
		return key, Scrypt, nil
	default:
		return nil, "", fmt.Errorf("cryptoenv: unsupported kdf algorithm %q", requested)
	}
}

// Zero overwrites a key buffer in place. Callers must discard all other
// references to the slice after calling Zero.
func Zero(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
