package cryptoenv

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, alg, err := DeriveKey("correct horse battery staple", must16Salt(t), Params{}, "")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if alg != Argon2id {
		t.Fatalf("expected argon2id default, got %s", alg)
	}

	plaintext := []byte(`{"handle":"github-main"}`)
	env, err := Seal(key, KDFDescriptor{Algorithm: alg}, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := env.Open(key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenFailsOnTamperedTag(t *testing.T) {
	key, alg, err := DeriveKey("correct horse battery staple", must16Salt(t), Params{}, "")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	env, err := Seal(key, KDFDescriptor{Algorithm: alg}, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.Tag[0] ^= 0xFF

	if _, err := env.Open(key); err == nil {
		t.Fatal("expected tampered tag to fail decryption")
	}
}

func TestOpenFailsOnWrongKey(t *testing.T) {
	key1, alg, err := DeriveKey("correct horse battery staple", must16Salt(t), Params{}, "")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	key2, _, err := DeriveKey("another different passphrase", must16Salt(t), Params{}, "")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	env, err := Seal(key1, KDFDescriptor{Algorithm: alg}, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := env.Open(key2); err == nil {
		t.Fatal("expected wrong key to fail decryption")
	}
}

func TestDeriveKeyRejectsShortPassphrase(t *testing.T) {
	if _, _, err := DeriveKey("short", must16Salt(t), Params{}, ""); err == nil {
		t.Fatal("expected short passphrase to be rejected")
	}
}

func TestDeriveKeyScryptExplicit(t *testing.T) {
	key, alg, err := DeriveKey("correct horse battery staple", must16Salt(t), Params{Parallelism: 1}, Scrypt)
	if err != nil {
		t.Fatalf("DeriveKey scrypt: %v", err)
	}
	if alg != Scrypt {
		t.Fatalf("expected scrypt, got %s", alg)
	}
	if len(key) != KeyLen {
		t.Fatalf("expected %d byte key, got %d", KeyLen, len(key))
	}
}

func TestDeriveKeyRejectsUnknownAlgorithm(t *testing.T) {
	if _, _, err := DeriveKey("correct horse battery staple", must16Salt(t), Params{}, "bcrypt"); err == nil {
		t.Fatal("expected unsupported algorithm to be rejected")
	}
}

func TestDecodeSaltRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(salt)
	decoded, err := DecodeSalt(encoded)
	if err != nil {
		t.Fatalf("DecodeSalt: %v", err)
	}
	if !bytes.Equal(salt, decoded) {
		t.Fatalf("salt round-trip mismatch")
	}
}

func TestZeroClearsBuffer(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	Zero(key)
	for _, b := range key {
		if b != 0 {
			t.Fatalf("expected zeroed buffer, got %v", key)
		}
	}
}

func must16Salt(t *testing.T) []byte {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	return salt
}
