package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ct, err := enc.Encrypt([]byte("oauth-token-value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "oauth-token-value" {
		t.Fatalf("round trip mismatch: %q", pt)
	}
}

func TestDecryptTampered(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey())
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Fatalf("tampered ciphertext accepted")
	}
}

func TestBadKey(t *testing.T) {
	if _, err := NewAESEncryptor(""); err == nil {
		t.Fatalf("empty key accepted")
	}
	if _, err := NewAESEncryptor("short"); err == nil {
		t.Fatalf("invalid base64 accepted")
	}
	if _, err := NewAESEncryptor(base64.StdEncoding.EncodeToString([]byte("16byteslong!!!!!"))); err == nil {
		t.Fatalf("wrong-size key accepted")
	}
}

func TestStringHelpers(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey())
	ct, err := EncryptString(enc, "hello")
	if err != nil || ct == "" {
		t.Fatalf("encrypt string: %q %v", ct, err)
	}
	pt, err := DecryptString(enc, ct)
	if err != nil || pt != "hello" {
		t.Fatalf("decrypt string: %q %v", pt, err)
	}
	// Empty passes through.
	if ct, _ := EncryptString(enc, ""); ct != "" {
		t.Fatalf("empty plaintext not passed through")
	}
}
