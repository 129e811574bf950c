package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	enc, err := NewAesGcmEncryptor(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cipherText, err := enc.Encrypt("Bearer secret-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if cipherText == "Bearer secret-token" {
		t.Fatalf("expected ciphertext to differ from plaintext")
	}
	plain, err := enc.Decrypt(cipherText)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plain != "Bearer secret-token" {
		t.Fatalf("expected round trip got %q", plain)
	}
}

func TestNewAesGcmEncryptorRejectsShortKey(t *testing.T) {
	if _, err := NewAesGcmEncryptor([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestFromKeyEmptyIsNoop(t *testing.T) {
	enc, err := FromKey("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := enc.Encrypt("plain")
	if err != nil || out != "plain" {
		t.Fatalf("expected pass-through got %q err %v", out, err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte("q"), 32)
	enc, err := NewAesGcmEncryptor(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer abc", "X-Env": "prod"}
	sealed, err := EncryptHeaders(enc, headers)
	if err != nil {
		t.Fatalf("encrypt headers failed: %v", err)
	}
	opened, err := DecryptHeaders(enc, sealed)
	if err != nil {
		t.Fatalf("decrypt headers failed: %v", err)
	}
	if opened["Authorization"] != "Bearer abc" || opened["X-Env"] != "prod" {
		t.Fatalf("unexpected headers %v", opened)
	}
}

func TestDecryptHeadersEmpty(t *testing.T) {
	headers, err := DecryptHeaders(Noop{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(headers) != 0 {
		t.Fatalf("expected empty map got %v", headers)
	}
}
