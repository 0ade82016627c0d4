// Package vault encrypts per-user integration tokens at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrLocked is returned when no passphrase was configured.
var ErrLocked = errors.New("vault has no passphrase")

// Vault seals values with AES-256-GCM under a passphrase-derived key.
type Vault struct {
	key    [32]byte
	locked bool
}

// New derives the key with Argon2id. The salt is the SHA-256 of the
// passphrase so the same passphrase opens values sealed by earlier runs.
// An empty passphrase yields a locked vault.
func New(passphrase string) *Vault {
	if passphrase == "" {
		return &Vault{locked: true}
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Locked reports whether the vault can seal and open values.
func (v *Vault) Locked() bool { return v.locked }

// Seal encrypts plaintext with a random nonce.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("decrypt: nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	if v.locked {
		return nil, ErrLocked
	}
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
