package vault

import (
	"errors"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)

	ct, err := v.Encrypt("tenant-1", "123456:ABC-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v1:") || strings.Contains(ct, "ABC-token") {
		t.Fatalf("unexpected ciphertext %q", ct)
	}
	got, err := v.Decrypt("tenant-1", ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "123456:ABC-token" {
		t.Fatalf("Decrypt = %q", got)
	}

	ct2, _ := v.Encrypt("tenant-1", "123456:ABC-token")
	if ct2 == ct {
		t.Fatal("expected a fresh nonce per encryption")
	}
}

func TestDecryptRejectsOtherTenant(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	ct, _ := v.Encrypt("tenant-1", "secret")
	if _, err := v.Decrypt("tenant-2", ct); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("err = %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptRejectsOtherKey(t *testing.T) {
	t.Parallel()
	a := newTestVault(t)
	b := newTestVault(t)
	ct, _ := a.Encrypt("t", "secret")
	if _, err := b.Decrypt("t", ct); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("err = %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)
	for _, in := range []string{"", "plain", "v1:!!!", "v1:AAAA"} {
		if _, err := v.Decrypt("t", in); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decrypt(%q) err = %v, want ErrMalformed", in, err)
		}
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	t.Parallel()
	if _, err := New("c2hvcnQ="); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}
