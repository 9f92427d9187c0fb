package vault

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/store"
)

func newTestVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(passphrase, st)
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t, "test-passphrase")
	plaintext := []byte("session=abc123")

	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decrypted, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := newTestVault(t, "correct-passphrase")
	v2 := newTestVault(t, "wrong-passphrase")

	ciphertext, nonce, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := v2.Decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected error decrypting with wrong passphrase")
	}
}

func TestSetAndResolve(t *testing.T) {
	v := newTestVault(t, "test")

	if err := v.Set("marketplace-cookie", "session cookie", "session=abc123"); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, err := v.Resolve("marketplace-cookie")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if value != "session=abc123" {
		t.Errorf("expected decrypted value, got %q", value)
	}

	// The stored row must not contain the plaintext.
	secrets, err := v.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(secrets) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(secrets))
	}
	if bytes.Contains(secrets[0].Value, []byte("abc123")) {
		t.Error("secret value stored unencrypted")
	}
}

func TestResolveMissing(t *testing.T) {
	v := newTestVault(t, "test")
	if _, err := v.Resolve("ghost"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestDelete(t *testing.T) {
	v := newTestVault(t, "test")
	_ = v.Set("doomed", "", "value")

	if err := v.Delete("doomed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := v.Resolve("doomed"); err == nil {
		t.Fatal("expected error after delete")
	}
}
