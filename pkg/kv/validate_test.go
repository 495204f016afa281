package kv

import (
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	t.Run("plain key", func(t *testing.T) {
		if err := ValidateKey("user:42/profile"); err != nil {
			t.Fatalf("expected valid key, got %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if err := ValidateKey(""); err != ErrEmptyKey {
			t.Fatalf("expected ErrEmptyKey, got %v", err)
		}
	})

	t.Run("too long", func(t *testing.T) {
		if err := ValidateKey(strings.Repeat("k", MaxKeyLength+1)); err != ErrKeyTooLong {
			t.Fatalf("expected ErrKeyTooLong, got %v", err)
		}
		if err := ValidateKey(strings.Repeat("k", MaxKeyLength)); err != nil {
			t.Fatalf("expected key at limit to pass, got %v", err)
		}
	})

	t.Run("control character", func(t *testing.T) {
		if err := ValidateKey("a\nb"); err != ErrInvalidKey {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("invalid utf8", func(t *testing.T) {
		if err := ValidateKey("a\xffb"); err != ErrInvalidKey {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
	})
}
