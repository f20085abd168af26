// Package trust maps peer identities to their public keys and display names.
package trust

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pliu/peerchat/internal/hybrid"
	"github.com/pliu/peerchat/internal/models"
	"go.uber.org/zap"
)

// FileName is the registry file inside the data directory.
const FileName = "trusted_peers.json"

var (
	// ErrInvalidKey is returned by Upsert when the public key does not parse.
	// The registry is left unchanged.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrInvalidIdentity is returned for an empty identity.
	ErrInvalidIdentity = errors.New("invalid peer identity")

	// ErrNotFound is returned by PublicKey for an unknown identity.
	ErrNotFound = errors.New("peer not trusted")
)

// Registry is a write-through, file-backed map of trusted peers. Writers are
// serialized; readers run concurrently and only ever see whole entries.
type Registry struct {
	path string
	log  *zap.Logger
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]models.TrustedPeer
}

// Open loads the registry at path. A missing file is an empty registry.
// Entries whose key no longer validates are skipped with a warning.
func Open(path string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		path:    path,
		log:     log,
		now:     time.Now,
		entries: map[string]models.TrustedPeer{},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trust registry: %w", err)
	}
	var stored map[string]models.TrustedPeer
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing trust registry %s: %w", path, err)
	}
	for id, e := range stored {
		if _, err := hybrid.ParsePublicKey(e.PublicKey); err != nil {
			log.Warn("skipping trusted peer with invalid key", zap.String("identity", id), zap.Error(err))
			continue
		}
		e.Identity = id
		r.entries[id] = e
	}
	return r, nil
}

// Upsert validates publicKeyPEM and stores it for identity, replacing any
// previous entry. The file is rewritten before Upsert returns.
func (r *Registry) Upsert(identity, publicKeyPEM, displayName string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	if _, err := hybrid.ParsePublicKey(publicKeyPEM); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.entries[identity]
	r.entries[identity] = models.TrustedPeer{
		Identity:    identity,
		PublicKey:   publicKeyPEM,
		DisplayName: displayName,
		UpdatedAt:   r.now().UnixMilli(),
	}
	if err := r.persistLocked(); err != nil {
		if existed {
			r.entries[identity] = prev
		} else {
			delete(r.entries, identity)
		}
		return err
	}
	r.log.Debug("trusted peer stored", zap.String("identity", identity), zap.Bool("replaced", existed))
	return nil
}

// Lookup returns the entry for identity.
func (r *Registry) Lookup(identity string) (models.TrustedPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	return e, ok
}

// Has reports whether identity has a stored key.
func (r *Registry) Has(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// PublicKey returns the parsed key of identity.
func (r *Registry) PublicKey(identity string) (*rsa.PublicKey, error) {
	e, ok := r.Lookup(identity)
	if !ok {
		return nil, ErrNotFound
	}
	return hybrid.ParsePublicKey(e.PublicKey)
}

// Remove deletes identity. Removing an unknown identity is not an error.
func (r *Registry) Remove(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[identity]
	if !ok {
		return nil
	}
	delete(r.entries, identity)
	if err := r.persistLocked(); err != nil {
		r.entries[identity] = prev
		return err
	}
	return nil
}

// List returns all entries ordered by identity.
func (r *Registry) List() []models.TrustedPeer {
	r.mu.RLock()
	l := make([]models.TrustedPeer, 0, len(r.entries))
	for _, e := range r.entries {
		l = append(l, e)
	}
	r.mu.RUnlock()

	sort.Slice(l, func(i, j int) bool { return l[i].Identity < l[j].Identity })
	return l
}

func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing trust registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing trust registry: %w", err)
	}
	return nil
}
