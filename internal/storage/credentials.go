package storage

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

// CredentialStore persists a single runner token, encrypted at rest with a
// per-install secret key.
//
// The store never inspects or transforms the token; validation belongs to
// the caller.
type CredentialStore struct {
	tokenPath string
	keyPath   string
}

// NewCredentialStore creates a credential store backed by the given token and
// secret key file paths.
func NewCredentialStore(tokenPath, keyPath string) *CredentialStore {
	return &CredentialStore{tokenPath: tokenPath, keyPath: keyPath}
}

// Load returns the saved token, or "" when no token is stored.
func (s *CredentialStore) Load() (string, error) {
	data, err := os.ReadFile(s.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read token: %w", err)
	}

	key, err := GetOrCreateSecretKey(s.keyPath)
	if err != nil {
		return "", err
	}

	token, err := openToken(data, key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return token, nil
}

// Save stores the token, replacing any previous one.
func (s *CredentialStore) Save(token string) error {
	key, err := GetOrCreateSecretKey(s.keyPath)
	if err != nil {
		return err
	}

	sealed, err := sealToken(token, key)
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.tokenPath, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// Clear removes the stored token. Clearing an absent token is a no-op.
func (s *CredentialStore) Clear() error {
	if err := os.Remove(s.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}

// sealToken encrypts a token using SecretBox (XSalsa20-Poly1305).
// Format: [nonce (24 bytes)][encrypted data + auth tag]
func sealToken(token string, key []byte) ([]byte, error) {
	var secret [32]byte
	copy(secret[:], key)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, []byte(token), &nonce, &secret)

	out := make([]byte, 24+len(sealed))
	copy(out[0:24], nonce[:])
	copy(out[24:], sealed)
	return out, nil
}

// openToken decrypts a token sealed by sealToken.
func openToken(data []byte, key []byte) (string, error) {
	if len(data) < 24 {
		return "", fmt.Errorf("encrypted token too short")
	}

	var secret [32]byte
	copy(secret[:], key)

	var nonce [24]byte
	copy(nonce[:], data[0:24])

	plain, ok := secretbox.Open(nil, data[24:], &nonce, &secret)
	if !ok {
		return "", fmt.Errorf("decryption failed")
	}
	return string(plain), nil
}
