package vault

import (
	"fmt"

	"github.com/mtzanidakis/nergal/internal/store"
)

// Secrets keeps encrypted per-user values in the store.
type Secrets struct {
	vault *Vault
	store *store.Store
}

func NewSecrets(v *Vault, s *store.Store) *Secrets {
	return &Secrets{vault: v, store: s}
}

// Set encrypts value and stores it under name for the user.
func (s *Secrets) Set(userID int64, name, value string) error {
	ct, nonce, err := s.vault.Seal([]byte(value))
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	return s.store.SaveUserSecret(&store.UserSecret{
		UserID: userID,
		Name:   name,
		Value:  ct,
		Nonce:  nonce,
	})
}

// Get returns the decrypted value, or "" when the user has none.
func (s *Secrets) Get(userID int64, name string) (string, error) {
	sec, err := s.store.GetUserSecret(userID, name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", nil
	}
	pt, err := s.vault.Open(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	return string(pt), nil
}

func (s *Secrets) Delete(userID int64, name string) error {
	return s.store.DeleteUserSecret(userID, name)
}

// Names lists the secret names stored for a user.
func (s *Secrets) Names(userID int64) ([]string, error) {
	return s.store.ListUserSecretNames(userID)
}
