package kv

import (
	"errors"
	"unicode"
	"unicode/utf8"
)

// MaxKeyLength bounds key size in bytes.
const MaxKeyLength = 512

var (
	// ErrEmptyKey indicates a missing or empty key.
	ErrEmptyKey = errors.New("key must be a non-empty string")
	// ErrKeyTooLong indicates a key over MaxKeyLength bytes.
	ErrKeyTooLong = errors.New("key too long")
	// ErrInvalidKey indicates a key that is not valid UTF-8 or holds control characters.
	ErrInvalidKey = errors.New("key must be printable UTF-8")
)

// ValidateKey checks a key before it reaches the cache or storage.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return ErrEmptyKey
	case len(key) > MaxKeyLength:
		return ErrKeyTooLong
	case !utf8.ValidString(key):
		return ErrInvalidKey
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return ErrInvalidKey
		}
	}
	return nil
}
