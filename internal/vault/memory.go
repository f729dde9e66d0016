package vault

import "sync"

// MemoryVault is an in-process Vault for tests and ephemeral runs. It is
// selected at composition time, never branched into from production code
// paths.
type MemoryVault struct {
	mu      sync.Mutex
	entries map[string][]byte

	// FailSaves forces every Save to fail; tests use it to exercise the
	// abort-on-persist-failure path.
	FailSaves error
}

// NewMemoryVault returns an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{entries: map[string][]byte{}}
}

func (v *MemoryVault) Save(key Key, blob []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FailSaves != nil {
		return v.FailSaves
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	v.entries[key.String()] = cp
	return nil
}

func (v *MemoryVault) Load(key Key) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	blob, ok := v.entries[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (v *MemoryVault) Delete(key Key) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, key.String())
	return nil
}

func (v *MemoryVault) Keys(namespace string) ([]Key, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var keys []Key
	for s := range v.entries {
		k, ok := parseKey(s)
		if !ok || k.Namespace != namespace {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
