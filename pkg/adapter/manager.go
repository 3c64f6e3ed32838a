package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/relay"
	"github.com/relayio/relay/pkg/subscription"
)

// Subscriber is the slice of the relay core the manager takes outbound
// traffic from.
type Subscriber interface {
	Subscribe(pattern string, h subscription.Handler) (func(), error)
}

// Bus combines what the manager needs from the relay core.
type Bus interface {
	Publisher
	Subscriber
}

// Manager owns adapter lifecycle, routes outbound envelopes to the adapter
// whose subject prefix matches, and persists status snapshots to disk.
type Manager struct {
	mu         sync.Mutex
	bus        Bus
	statusPath string
	logger     zerolog.Logger
	adapters   map[string]Adapter
	cancels    map[string][]func()
	started    map[string]bool
}

// NewManager builds a manager persisting status snapshots at statusPath.
func NewManager(bus Bus, statusPath string, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:        bus,
		statusPath: statusPath,
		logger:     logger.With().Str("component", "adapters").Logger(),
		adapters:   make(map[string]Adapter),
		cancels:    make(map[string][]func()),
		started:    make(map[string]bool),
	}
}

// Register adds an adapter. Duplicate ids are a hard error.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[a.ID()]; ok {
		return fmt.Errorf("adapter already registered: %s", a.ID())
	}
	m.adapters[a.ID()] = a
	return nil
}

// StartAll starts every registered adapter and wires its outbound
// subscriptions. A single adapter failing to start is logged and skipped.
func (m *Manager) StartAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Start(id); err != nil {
			m.logger.Error().Err(err).Str("adapter", id).Msg("adapter start failed")
		}
	}
}

// Start starts one adapter and subscribes its subject prefixes. Idempotent.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.adapters[id]
	if !ok {
		return fmt.Errorf("unknown adapter: %s", id)
	}
	if m.started[id] {
		return nil
	}
	if err := a.Start(m.bus); err != nil {
		return err
	}

	for _, prefix := range a.SubjectPrefixes() {
		prefix := prefix
		cancel, err := m.bus.Subscribe(prefix+".>", func(env *envelope.Envelope) error {
			return m.deliver(a, prefix, env)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", prefix, err)
		}
		m.cancels[id] = append(m.cancels[id], cancel)
	}
	m.started[id] = true
	m.persistLocked()
	m.logger.Info().Str("adapter", id).Msg("adapter started")
	return nil
}

// deliver routes one outbound envelope through the adapter, applying the
// echo guard: traffic the adapter itself published inbound is skipped so
// it never loops back to the remote channel.
func (m *Manager) deliver(a Adapter, prefix string, env *envelope.Envelope) error {
	if strings.HasPrefix(env.From, prefix) {
		return nil
	}
	res := a.Deliver(env.Subject, env)
	if !res.Success {
		return &relay.Error{Kind: relay.KindAdapterFailure, Reason: res.Error}
	}
	return nil
}

// Stop stops one adapter and cancels its subscriptions. Idempotent.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.adapters[id]
	if !ok {
		return fmt.Errorf("unknown adapter: %s", id)
	}
	if !m.started[id] {
		return nil
	}
	for _, cancel := range m.cancels[id] {
		cancel()
	}
	delete(m.cancels, id)
	m.started[id] = false
	err := a.Stop()
	m.persistLocked()
	return err
}

// StopAll stops every running adapter.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Error().Err(err).Str("adapter", id).Msg("adapter stop failed")
		}
	}
}

// Get returns an adapter by id.
func (m *Manager) Get(id string) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[id]
	return a, ok
}

// Statuses returns a status snapshot per adapter id.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.adapters))
	for id, a := range m.adapters {
		out[id] = a.GetStatus()
	}
	return out
}

func (m *Manager) persistLocked() {
	if m.statusPath == "" {
		return
	}
	snap := make(map[string]Status, len(m.adapters))
	for id, a := range m.adapters {
		snap[id] = a.GetStatus()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.statusPath), 0o700); err != nil {
		m.logger.Warn().Err(err).Msg("status dir create failed")
		return
	}
	if err := os.WriteFile(m.statusPath, data, 0o600); err != nil {
		m.logger.Warn().Err(err).Msg("status persist failed")
	}
}
