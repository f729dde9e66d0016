// Package registry owns the set of linked accounts. It is the single
// source of truth while the process is live; the vault is a passive
// persistence mirror kept in lockstep with the in-memory list.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nvander/mailbridge/internal/account"
	"github.com/nvander/mailbridge/internal/provider"
	"github.com/nvander/mailbridge/internal/vault"
)

// refreshWindow is the safety margin before expiry within which a token
// is refreshed proactively.
const refreshWindow = 5 * time.Minute

// Flows is the slice of the flow controller the registry depends on.
type Flows interface {
	BeginLink(ctx context.Context, p provider.Provider) (account.Account, error)
	Refresh(ctx context.Context, p provider.Provider, acc account.Account) (account.Account, error)
}

// Registry holds linked accounts in memory, mirrors every mutation into
// the vault, and notifies subscribers on change. Mutations to one account
// are serialized; different accounts proceed in parallel.
type Registry struct {
	flows   Flows
	vault   vault.Vault
	catalog *provider.Catalog
	log     *zap.Logger

	mu       sync.Mutex
	accounts map[string]account.Account // by account ID
	locks    map[string]*sync.Mutex     // per-account mutation locks

	subMu sync.Mutex
	subs  []chan struct{}
}

// New builds an empty registry. Call LoadPersisted to populate it from
// the vault.
func New(flows Flows, v vault.Vault, catalog *provider.Catalog, log *zap.Logger) *Registry {
	return &Registry{
		flows:    flows,
		vault:    v,
		catalog:  catalog,
		log:      log,
		accounts: make(map[string]account.Account),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Subscribe returns a channel that receives a signal after every change
// to the account list. The channel is buffered; a slow consumer coalesces
// signals instead of blocking mutations.
func (r *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Link runs the authorization flow for a provider and stores the result.
// A second link of the same email updates the existing record in place,
// keeping its ID, with the new flow's tokens winning.
func (r *Registry) Link(ctx context.Context, providerID string) (account.Account, error) {
	p, ok := r.catalog.Get(providerID)
	if !ok {
		return account.Account{}, fmt.Errorf("unknown provider %q", providerID)
	}

	linked, err := r.flows.BeginLink(ctx, p)
	if err != nil {
		return account.Account{}, err
	}

	linked, err = r.commitLink(p.ID, linked)
	if err != nil {
		return account.Account{}, err
	}

	r.log.Info("account linked",
		zap.String("provider", p.ID),
		zap.String("email", linked.Email))
	r.notify()
	return linked, nil
}

// commitLink stores a freshly linked account under the per-account
// mutation lock, so a re-link of an existing email never interleaves
// with a refresh or unlink of that identity. The email is re-resolved
// after the lock is taken; if another mutation changed the mapping in
// between, resolution restarts.
func (r *Registry) commitLink(providerID string, linked account.Account) (account.Account, error) {
	for {
		r.mu.Lock()
		existing, exists := r.findByEmailLocked(providerID, linked.Email)
		r.mu.Unlock()

		id := linked.ID
		if exists {
			id = existing.ID
		}

		lock := r.lockFor(id)
		lock.Lock()

		r.mu.Lock()
		current, ok := r.findByEmailLocked(providerID, linked.Email)
		if ok != exists || (ok && current.ID != id) {
			r.mu.Unlock()
			lock.Unlock()
			continue
		}
		if ok {
			// Update-on-reconnect: the identity keeps its ID and link time.
			linked.ID = current.ID
			linked.LinkedAt = current.LinkedAt
		}

		blob, err := account.Marshal(linked)
		if err != nil {
			r.mu.Unlock()
			lock.Unlock()
			return account.Account{}, fmt.Errorf("serializing account: %w", err)
		}
		// An account the app believes is linked but cannot persist is worse
		// than no account: a failed vault write aborts the whole link.
		if err := r.vault.Save(vaultKey(linked), blob); err != nil {
			r.mu.Unlock()
			lock.Unlock()
			return account.Account{}, fmt.Errorf("persisting account %s: %w", linked.Email, err)
		}
		r.accounts[linked.ID] = linked
		r.mu.Unlock()
		lock.Unlock()
		return linked, nil
	}
}

// Unlink removes an account from memory and the vault. Unlinking an
// unknown ID is a no-op.
func (r *Registry) Unlink(id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	acc, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if err := r.vault.Delete(vaultKey(acc)); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("removing persisted account %s: %w", acc.Email, err)
	}
	delete(r.accounts, id)
	r.mu.Unlock()

	r.log.Info("account unlinked",
		zap.String("provider", acc.Provider),
		zap.String("email", acc.Email))
	r.notify()
	return nil
}

// List returns a snapshot of all linked accounts, ordered by link time.
// No I/O happens here.
func (r *Registry) List() []account.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]account.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LinkedAt.Equal(out[j].LinkedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LinkedAt.Before(out[j].LinkedAt)
	})
	return out
}

// Get returns one account by ID.
func (r *Registry) Get(id string) (account.Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	return acc, ok
}

// LoadPersisted rebuilds the in-memory list from the vault, replacing it
// wholesale so stale entries never survive a restart. Entries that fail
// to deserialize are skipped with a warning.
func (r *Registry) LoadPersisted() error {
	loaded := make(map[string]account.Account)
	for _, providerID := range r.catalog.IDs() {
		keys, err := r.vault.Keys(providerID)
		if err != nil {
			return fmt.Errorf("listing persisted accounts for %s: %w", providerID, err)
		}
		for _, key := range keys {
			blob, err := r.vault.Load(key)
			if err != nil {
				return fmt.Errorf("loading persisted account %s: %w", key.String(), err)
			}
			acc, err := account.Unmarshal(blob)
			if err != nil {
				r.log.Warn("skipping unreadable vault entry",
					zap.String("key", key.String()), zap.Error(err))
				continue
			}
			loaded[acc.ID] = acc
		}
	}

	r.mu.Lock()
	r.accounts = loaded
	r.mu.Unlock()

	r.log.Info("accounts loaded from vault", zap.Int("count", len(loaded)))
	r.notify()
	return nil
}

// RefreshIfNeeded refreshes the account's tokens when they are expired or
// inside the proactive refresh window, committing the vault entry and the
// in-memory copy together. Outside the window the account is returned
// unchanged with no network call. A failed refresh leaves the stored
// account untouched.
func (r *Registry) RefreshIfNeeded(ctx context.Context, id string) (account.Account, error) {
	return r.refresh(ctx, id, false)
}

// ForceRefresh refreshes the account's tokens regardless of recorded
// expiry. Callers use it when the provider rejects a token the expiry
// window still considers good, such as a revocation surfacing as a 401.
func (r *Registry) ForceRefresh(ctx context.Context, id string) (account.Account, error) {
	return r.refresh(ctx, id, true)
}

func (r *Registry) refresh(ctx context.Context, id string, force bool) (account.Account, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	acc, ok := r.accounts[id]
	r.mu.Unlock()
	if !ok {
		return account.Account{}, fmt.Errorf("unknown account %q", id)
	}

	if !force && !acc.IsExpired() && !acc.ExpiresWithin(refreshWindow) {
		return acc, nil
	}

	p, ok := r.catalog.Get(acc.Provider)
	if !ok {
		return account.Account{}, fmt.Errorf("account %s references unknown provider %q", acc.Email, acc.Provider)
	}

	// Network I/O happens outside the registry lock; the per-account lock
	// already prevents a concurrent mutation of this identity.
	refreshed, err := r.flows.Refresh(ctx, p, acc)
	if err != nil {
		return account.Account{}, err
	}

	blob, err := account.Marshal(refreshed)
	if err != nil {
		return account.Account{}, fmt.Errorf("serializing account: %w", err)
	}

	r.mu.Lock()
	if err := r.vault.Save(vaultKey(refreshed), blob); err != nil {
		r.mu.Unlock()
		return account.Account{}, fmt.Errorf("persisting refreshed tokens for %s: %w", refreshed.Email, err)
	}
	r.accounts[id] = refreshed
	r.mu.Unlock()

	r.log.Debug("tokens refreshed",
		zap.String("email", refreshed.Email),
		zap.Time("expires_at", refreshed.ExpiresAt))
	r.notify()
	return refreshed, nil
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

func (r *Registry) findByEmailLocked(providerID, email string) (account.Account, bool) {
	for _, acc := range r.accounts {
		if acc.Provider == providerID && acc.Email == email {
			return acc, true
		}
	}
	return account.Account{}, false
}

func vaultKey(acc account.Account) vault.Key {
	return vault.Key{Namespace: acc.Provider, Identifier: acc.ID}
}
