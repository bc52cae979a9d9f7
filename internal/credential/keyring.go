package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "permiso"

// Open returns the system keyring configured for this application.
func Open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/permiso/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("permiso-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Keyring is a key/value session store backed by an OS credential
// vault. It satisfies session.Store.
type Keyring struct {
	ring keyring.Keyring
}

// NewKeyring wraps an opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// Get retrieves a value by key. A missing key is reported as absent,
// not as an error.
func (k *Keyring) Get(_ context.Context, key string) (string, bool, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), true, nil
}

// Set stores a value by key.
func (k *Keyring) Set(_ context.Context, key, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Remove deletes a key. Removing an absent key is not an error.
func (k *Keyring) Remove(_ context.Context, key string) error {
	err := k.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
