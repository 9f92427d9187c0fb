package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/avlonitis/ergon/internal/store"
)

// Vault stores encrypted secrets (session cookies, API keys) and decrypts
// them for workflow dispatch. AES-256-GCM with a passphrase-derived key.
type Vault struct {
	key   [32]byte
	store *store.Store
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt is
// deterministic (SHA-256 of passphrase) so the same passphrase yields the
// same key across restarts.
func New(passphrase string, st *store.Store) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{store: st}
	copy(v.key[:], key)
	return v
}

// Set encrypts and upserts a secret under the given name.
func (v *Vault) Set(name, description, value string) error {
	ciphertext, nonce, err := v.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	return v.store.SaveSecret(&store.Secret{
		ID:          name,
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

// Resolve decrypts the named secret. Used for secret:<name> references in
// workflow step inputs.
func (v *Vault) Resolve(name string) (string, error) {
	sec, err := v.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	plaintext, err := v.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns secret metadata. Values stay encrypted.
func (v *Vault) List() ([]store.Secret, error) {
	return v.store.ListSecrets()
}

func (v *Vault) Delete(name string) error {
	return v.store.DeleteSecret(name)
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM with the provided nonce.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
