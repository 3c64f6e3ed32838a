// Package endpoint maps concrete subjects to their durable mailboxes. The
// in-memory registry is kept consistent with the on-disk mailboxes/<hash>/
// tree: registration creates the maildir, unregistration removes it.
package endpoint

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relayio/relay/pkg/maildir"
	"github.com/relayio/relay/pkg/subject"
)

// Endpoint is a registered mailbox addressed by a concrete subject.
type Endpoint struct {
	Subject      string `json:"subject"`
	Hash         string `json:"hash"`
	MaildirPath  string `json:"maildirPath"`
	RegisteredAt string `json:"registeredAt"`
}

// Registry owns the subject → Endpoint mapping.
type Registry struct {
	mu        sync.RWMutex
	store     *maildir.Store
	endpoints map[string]Endpoint // by subject
	byHash    map[string]string   // hash → subject
}

// NewRegistry creates a registry over the maildir store.
func NewRegistry(store *maildir.Store) *Registry {
	return &Registry{
		store:     store,
		endpoints: make(map[string]Endpoint),
		byHash:    make(map[string]string),
	}
}

// Register creates an endpoint for a concrete subject, ensuring its maildir
// exists. Wildcard subjects and duplicate registrations are hard errors.
func (r *Registry) Register(subj string) (Endpoint, error) {
	if err := subject.Validate(subj); err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[subj]; ok {
		return Endpoint{}, fmt.Errorf("endpoint already registered: %s", subj)
	}
	return r.registerLocked(subj)
}

// Ensure returns the endpoint for subj, registering it first when absent.
// Concurrent callers race safely: exactly one registers, the rest observe
// the same endpoint.
func (r *Registry) Ensure(subj string) (Endpoint, error) {
	if err := subject.Validate(subj); err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[subj]; ok {
		return ep, nil
	}
	return r.registerLocked(subj)
}

func (r *Registry) registerLocked(subj string) (Endpoint, error) {
	hash := subject.Hash(subj)
	if err := r.store.EnsureMaildir(hash); err != nil {
		return Endpoint{}, fmt.Errorf("create mailbox for %s: %w", subj, err)
	}

	ep := Endpoint{
		Subject:      subj,
		Hash:         hash,
		MaildirPath:  r.store.MailboxPath(hash),
		RegisteredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	r.endpoints[subj] = ep
	r.byHash[hash] = subj
	return ep, nil
}

// Unregister removes the mapping and deletes the mailbox tree. Returns
// whether anything was removed; unregistering an unknown subject is not an
// error.
func (r *Registry) Unregister(subj string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[subj]
	if !ok {
		return false, nil
	}
	if err := r.store.RemoveMailbox(ep.Hash); err != nil {
		return false, fmt.Errorf("remove mailbox for %s: %w", subj, err)
	}
	delete(r.endpoints, subj)
	delete(r.byHash, ep.Hash)
	return true, nil
}

// Get returns the endpoint for a subject.
func (r *Registry) Get(subj string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[subj]
	return ep, ok
}

// GetByHash returns the endpoint for a mailbox hash.
func (r *Registry) GetByHash(hash string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subj, ok := r.byHash[hash]
	if !ok {
		return Endpoint{}, false
	}
	return r.endpoints[subj], true
}

// Has reports whether a subject is registered.
func (r *Registry) Has(subj string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[subj]
	return ok
}

// List returns a snapshot of all endpoints, sorted by subject.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Size returns the number of registered endpoints.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// HashToSubject returns a copy of the hash → subject mapping, as consumed
// by index rebuild.
func (r *Registry) HashToSubject() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byHash))
	for h, s := range r.byHash {
		out[h] = s
	}
	return out
}
