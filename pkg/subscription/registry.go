// Package subscription keeps the pattern → handler map that drives fan-out
// dispatch. Patterns (not handlers) persist across restarts: entries restore
// with inert handlers so their identity survives, and owning subsystems
// re-register real handlers on startup.
package subscription

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/subject"
)

// Handler consumes an envelope delivered to a matching subscription.
type Handler func(env *envelope.Envelope) error

// Subscription is the persisted identity of one subscription.
type Subscription struct {
	ID        string `json:"id"`
	Pattern   string `json:"pattern"`
	CreatedAt string `json:"createdAt"`
}

// Match is one subscriber selected for a concrete subject. Inert marks an
// entry restored from disk whose handler was never re-registered.
type Match struct {
	ID      string
	Pattern string
	Handler Handler
	Inert   bool
}

type entry struct {
	Subscription
	handler  Handler
	canceled bool
}

// Registry is the ordered subscription collection, persisted to a JSON file
// on every mutation.
type Registry struct {
	mu      sync.RWMutex
	path    string
	entries []*entry
}

// NewRegistry creates a registry persisted at path and restores any existing
// entries with inert handlers. A corrupt, missing or invalid file degrades
// silently to an empty registry.
func NewRegistry(path string) *Registry {
	r := &Registry{path: path}
	r.restore()
	return r
}

func (r *Registry) restore() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var subs []Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return
	}
	for _, s := range subs {
		if subject.ValidatePattern(s.Pattern) != nil || s.ID == "" {
			continue
		}
		r.entries = append(r.entries, &entry{Subscription: s})
	}
}

// Subscribe registers a handler for a pattern and returns an idempotent
// cancellation handle.
func (r *Registry) Subscribe(pattern string, h Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	e := &entry{
		Subscription: Subscription{
			ID:        uuid.NewString(),
			Pattern:   pattern,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
		handler: h,
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, cur := range r.entries {
				if cur == e {
					e.canceled = true
					r.entries = append(r.entries[:i], r.entries[i+1:]...)
					_ = r.persistLocked()
					return
				}
			}
		})
	}
	return cancel, nil
}

// Rewire attaches a real handler to a restored entry by pattern, returning
// whether an inert entry was found. Subsystems call this on startup so the
// restored identity keeps flowing messages.
func (r *Registry) Rewire(pattern string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Pattern == pattern && e.handler == nil {
			e.handler = h
			return true
		}
	}
	return false
}

// Matches returns the subscribers whose pattern matches the concrete
// subject, in insertion order.
func (r *Registry) Matches(concrete string) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Match
	for _, e := range r.entries {
		if subject.Match(e.Pattern, concrete) {
			out = append(out, Match{
				ID:      e.ID,
				Pattern: e.Pattern,
				Handler: e.handler,
				Inert:   e.handler == nil,
			})
		}
	}
	return out
}

// List returns a snapshot of subscription identities in insertion order.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Subscription)
	}
	return out
}

// RemoveAll clears every subscription; previously returned cancellation
// handles become no-ops.
func (r *Registry) RemoveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.canceled = true
	}
	r.entries = nil
	return r.persistLocked()
}

// persistLocked writes the identity set atomically: stage to a temp file in
// the same directory, fsync, rename over the target.
func (r *Registry) persistLocked() error {
	subs := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		subs = append(subs, e.Subscription)
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".subscriptions-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}
