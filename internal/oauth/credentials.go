package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credential holds the per-provider OAuth tokens. A provider is considered
// authenticated iff RefreshToken is non-empty. Credentials are never
// deleted automatically; they persist across process restarts.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AccountEmail string    `json:"accountEmail,omitempty"`
}

// CredentialStore persists one provider's credential. Secret storage is
// kept separate from general preference storage on purpose.
type CredentialStore interface {
	Load() (*Credential, error)
	Store(*Credential) error
	Clear() error
}

// FileCredentialStore keeps the credential as a JSON blob in a file only
// readable by the owning user.
type FileCredentialStore struct {
	path string
}

// NewFileCredentialStore creates a store at <dataDir>/credentials/<name>.json
func NewFileCredentialStore(dataDir, name string) *FileCredentialStore {
	return &FileCredentialStore{
		path: filepath.Join(dataDir, "credentials", name+".json"),
	}
}

// Load reads the stored credential; a missing file yields (nil, nil).
func (s *FileCredentialStore) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credential %s: %w", s.path, err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credential %s: %w", s.path, err)
	}
	return &cred, nil
}

// Store writes the credential with 0600 permissions.
func (s *FileCredentialStore) Store(cred *Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write credential %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the stored credential.
func (s *FileCredentialStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential %s: %w", s.path, err)
	}
	return nil
}
