package vault

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// KeyringVault stores entries in the operating system credential store
// (Keychain, Secret Service, Windows Credential Manager), falling back to
// an encrypted file when no native backend is available. Data is encrypted
// at rest by the platform and scoped to this application.
type KeyringVault struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring under the given service name.
// fileDir and filePassword configure the encrypted-file fallback backend.
func OpenKeyring(serviceName, fileDir, filePassword string) (*KeyringVault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringVault{ring: ring}, nil
}

// NewKeyringVault wraps an already-open keyring. Tests pass
// keyring.NewArrayKeyring here.
func NewKeyringVault(ring keyring.Keyring) *KeyringVault {
	return &KeyringVault{ring: ring}
}

func (v *KeyringVault) Save(key Key, blob []byte) error {
	// keyring.Set replaces any existing item under the same key, which
	// gives Save its last-write-wins contract.
	err := v.ring.Set(keyring.Item{
		Key:  key.String(),
		Data: blob,
	})
	if err != nil {
		return fmt.Errorf("saving credential %q: %w", key.String(), err)
	}
	return nil
}

func (v *KeyringVault) Load(key Key) ([]byte, error) {
	item, err := v.ring.Get(key.String())
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading credential %q: %w", key.String(), err)
	}
	return item.Data, nil
}

func (v *KeyringVault) Delete(key Key) error {
	err := v.ring.Remove(key.String())
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key.String(), err)
	}
	return nil
}

func (v *KeyringVault) Keys(namespace string) ([]Key, error) {
	raw, err := v.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	var keys []Key
	for _, s := range raw {
		k, ok := parseKey(s)
		if !ok || k.Namespace != namespace {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
