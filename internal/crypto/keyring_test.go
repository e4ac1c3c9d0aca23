package crypto

import (
	"encoding/base64"
	"testing"
)

func TestEncryptDecryptString(t *testing.T) {
	keys := map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	}
	kr, err := NewKeyring("k1", keys)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	raw, err := kr.EncryptString("super-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	out, err := kr.DecryptString(raw)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != "super-secret" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestRotationDecryptOldEncryptNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldRing, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	oldCipher, err := oldRing.EncryptString("legacy")
	if err != nil {
		t.Fatalf("old encrypt: %v", err)
	}

	rotated, err := NewKeyring("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}

	plain, err := rotated.DecryptString(oldCipher)
	if err != nil {
		t.Fatalf("decrypt with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	newCipher, err := rotated.EncryptString("fresh")
	if err != nil {
		t.Fatalf("new encrypt failed: %v", err)
	}
	fresh, err := rotated.DecryptString(newCipher)
	if err != nil {
		t.Fatalf("new decrypt failed: %v", err)
	}
	if fresh != "fresh" {
		t.Fatalf("unexpected new plaintext: %q", fresh)
	}
}

func TestUnknownKeyIDRejected(t *testing.T) {
	kr, err := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	_, err = kr.Decrypt(Envelope{KeyID: "gone", Nonce: "", Ciphertext: ""})
	if err == nil {
		t.Fatalf("expected error for unknown key id")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
