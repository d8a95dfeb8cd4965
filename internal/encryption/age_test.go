package encryption

import (
	"bytes"
	"path/filepath"
	"testing"

	"filippo.io/age"

	"fieldsync-go/internal/config"
)

func newTestAgeKeys(t *testing.T) *AgeKeys {
	t.Helper()
	dir := t.TempDir()
	return NewAgeKeys(config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "keys", "fieldsync.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "fieldsync.key"),
	})
}

func TestAgeKeys_IsConfigured(t *testing.T) {
	t.Parallel()
	k := newTestAgeKeys(t)
	if k.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
	if err := k.Setup("test-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !k.IsConfigured() {
		t.Error("IsConfigured() = false after Setup, want true")
	}
}

func TestAgeSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	k := newTestAgeKeys(t)
	if err := k.Setup("test-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	s, err := k.Unlock("test-passphrase")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "document", input: []byte(`{"id":"t1","name":"Alpha"}`)},
		{name: "empty", input: []byte{}},
		{name: "large", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(tt.input)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(sealed, tt.input) {
				t.Error("sealed output contains the plaintext")
			}
			opened, err := s.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, tt.input) {
				t.Errorf("round-trip failed: got %d bytes, want %d bytes", len(opened), len(tt.input))
			}
		})
	}
}

func TestAgeKeys_UnlockWrongPassphrase(t *testing.T) {
	t.Parallel()
	k := newTestAgeKeys(t)
	if err := k.Setup("correct-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := k.Unlock("wrong-passphrase"); err == nil {
		t.Error("Unlock() with wrong passphrase should return error")
	}
}

func TestAgeKeys_UnlockBeforeSetup(t *testing.T) {
	t.Parallel()
	if _, err := newTestAgeKeys(t).Unlock("passphrase"); err == nil {
		t.Error("Unlock() before Setup should return error")
	}
}

func TestAgeSealer_OpenWithOtherIdentity(t *testing.T) {
	t.Parallel()
	a, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	b, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := NewAgeSealer(a).Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewAgeSealer(b).Open(sealed); err == nil {
		t.Error("Open() with a different identity should fail")
	}
}

func TestTestSealer(t *testing.T) {
	t.Parallel()
	s := TestSealer{}
	sealed, err := s.Seal([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(sealed, []byte("hello")) {
		t.Error("sealed output equals plaintext")
	}
	opened, err := s.Open(sealed)
	if err != nil || string(opened) != "hello" {
		t.Errorf("Open() = %q, %v", opened, err)
	}
	if _, err := s.Open([]byte("hello")); err == nil {
		t.Error("Open() should reject data without header")
	}
}

func TestNewSealerFromConfig(t *testing.T) {
	t.Parallel()

	t.Run("none", func(t *testing.T) {
		s, err := NewSealerFromConfig(config.EncryptionConfig{Type: "none"}, "")
		if err != nil || s != nil {
			t.Errorf("NewSealerFromConfig(none) = %v, %v; want nil, nil", s, err)
		}
	})
	t.Run("test", func(t *testing.T) {
		s, err := NewSealerFromConfig(config.EncryptionConfig{Type: "test"}, "")
		if err != nil || s == nil {
			t.Errorf("NewSealerFromConfig(test) = %v, %v", s, err)
		}
	})
	t.Run("age without keys", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(dir, "pub"),
			PrivateKeyPath: filepath.Join(dir, "key"),
		}
		if _, err := NewSealerFromConfig(cfg, "pw"); err == nil {
			t.Error("expected error for missing keys")
		}
	})
	t.Run("age", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(dir, "pub"),
			PrivateKeyPath: filepath.Join(dir, "key"),
		}
		if err := NewAgeKeys(cfg).Setup("pw"); err != nil {
			t.Fatal(err)
		}
		s, err := NewSealerFromConfig(cfg, "pw")
		if err != nil || s == nil {
			t.Errorf("NewSealerFromConfig(age) = %v, %v", s, err)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		if _, err := NewSealerFromConfig(config.EncryptionConfig{Type: "rot13"}, ""); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}
