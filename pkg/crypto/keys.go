package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// identityFile is the on-disk form of an Identity.
type identityFile struct {
	SecretKey string `json:"secret_key"`
	PublicKey string `json:"public_key"`
}

// SaveKeyToFile writes key material readable only by the owner.
func SaveKeyToFile(filename string, data []byte) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(filename, 0600)
}

// LoadKeyFromFile reads key material from disk.
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Save persists the identity as JSON with base64 keys.
func (id *Identity) Save(path string) error {
	data, err := json.MarshalIndent(identityFile{
		SecretKey: base64.StdEncoding.EncodeToString(id.private.Seed()),
		PublicKey: base64.StdEncoding.EncodeToString(id.public),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	if err := SaveKeyToFile(path, data); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// LoadIdentity reads an identity written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := LoadKeyFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	seed, err := base64.StdEncoding.DecodeString(file.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: secret key: %v", ErrInvalidIdentity, err)
	}

	id, err := IdentityFromSeed(seed)
	if err != nil {
		return nil, err
	}

	if file.PublicKey != "" {
		public, err := base64.StdEncoding.DecodeString(file.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", ErrInvalidIdentity, err)
		}
		if !bytes.Equal(public, id.public) {
			return nil, ErrKeyMismatch
		}
	}

	return id, nil
}

// LoadOrGenerateIdentity loads the identity at path, creating and saving a
// new one when the file does not exist. The bool reports whether it was
// generated.
func LoadOrGenerateIdentity(path string) (*Identity, bool, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
