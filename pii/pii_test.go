package pii

import (
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestNewRejectsBadKeys(t *testing.T) {
	if _, err := New("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := New("abcd"); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := New(testKey); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestEncryptRoundTrip(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, plain := range []string{"student@example.com", "", "Ada Lovelace", "user+tag@school.edu"} {
		token, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		got, err := c.Decrypt(token)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plain, err)
		}
		if got != plain {
			t.Errorf("round trip of %q returned %q", plain, got)
		}
	}
}

func TestEncryptIsDeterministic(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := c.Encrypt("student@example.com")
	b, _ := c.Encrypt("student@example.com")
	if a != b {
		t.Error("equal plaintexts must produce equal tokens, they are used as join keys")
	}
	other, _ := c.Encrypt("someone-else@example.com")
	if a == other {
		t.Error("distinct plaintexts produced the same token")
	}
}

func TestEncryptOutputIsURLSafe(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, err := c.Encrypt("student@example.com")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token contains non-URL-safe characters: %q", token)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, err := c.Encrypt("student@example.com")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := c.Decrypt("!!not-base64!!"); err == nil {
		t.Error("expected error for malformed token")
	}
	if _, err := c.Decrypt("c2hvcnQ"); err == nil {
		t.Error("expected error for truncated token")
	}

	flipped := []byte(token)
	last := len(flipped) - 1
	if flipped[last] == 'A' {
		flipped[last] = 'B'
	} else {
		flipped[last] = 'A'
	}
	if _, err := c.Decrypt(string(flipped)); err == nil {
		t.Error("expected authentication failure for tampered token")
	}

	otherKey := "0000000000000000000000000000000000000000000000000000000000000001"
	c2, err := New(otherKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c2.Decrypt(token); err == nil {
		t.Error("expected authentication failure under a different key")
	}
}
