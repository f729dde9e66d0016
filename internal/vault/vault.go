// Package vault provides durable, per-account credential storage. Entries
// are opaque blobs keyed by (namespace, identifier); the registry owns the
// serialization format.
package vault

import "errors"

// ErrNotFound is returned by Load when no entry exists for the key. It is
// deliberately distinct from I/O errors so callers can treat a missing
// entry as data, not a failure.
var ErrNotFound = errors.New("vault: entry not found")

// Vault is the credential storage contract. Save fully replaces any
// existing value for the key, Delete of a missing key is a no-op, and
// Keys lists the identifiers stored under one namespace.
type Vault interface {
	Save(key Key, blob []byte) error
	Load(key Key) ([]byte, error)
	Delete(key Key) error
	Keys(namespace string) ([]Key, error)
}

// Key addresses one entry. Namespace groups entries per provider;
// Identifier is unique within the namespace.
type Key struct {
	Namespace  string
	Identifier string
}

const keySeparator = "/"

// String renders the flat storage key. Identifiers are account UUIDs and
// namespaces are provider IDs, neither of which contains the separator.
func (k Key) String() string {
	return k.Namespace + keySeparator + k.Identifier
}

func parseKey(s string) (Key, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				return Key{}, false
			}
			return Key{Namespace: s[:i], Identifier: s[i+1:]}, true
		}
	}
	return Key{}, false
}
