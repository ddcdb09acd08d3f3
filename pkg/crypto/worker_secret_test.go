package crypto

import (
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("test-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := s.Seal("sk-user-key")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Errorf("expected sealed prefix, got %q", sealed)
	}

	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "sk-user-key" {
		t.Errorf("expected sk-user-key, got %q", plain)
	}
}

func TestOpenPlaintextPassthrough(t *testing.T) {
	s, _ := NewSealer("test-secret")

	plain, err := s.Open("sk-legacy")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "sk-legacy" {
		t.Errorf("expected sk-legacy, got %q", plain)
	}
}

func TestOpenWrongKey(t *testing.T) {
	a, _ := NewSealer("key-a")
	b, _ := NewSealer("key-b")

	sealed, _ := a.Seal("secret")
	if _, err := b.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenInvalid(t *testing.T) {
	s, _ := NewSealer("test-secret")

	tests := []string{sealedPrefix + "not base64!", sealedPrefix + "YWJj"}
	for _, in := range tests {
		if _, err := s.Open(in); !errors.Is(err, ErrInvalidSealed) {
			t.Errorf("Open(%q): expected ErrInvalidSealed, got %v", in, err)
		}
	}
}

func TestNewSealerEmptyKey(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}
