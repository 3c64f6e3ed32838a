// Package breaker tracks per-endpoint delivery health. Each endpoint hash
// gets its own three-state breaker: CLOSED passes traffic, OPEN rejects
// until the cooldown elapses, HALF_OPEN probes with live traffic until
// enough consecutive successes close it again.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Config controls all per-endpoint breakers.
type Config struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	FailureThreshold int  `yaml:"failureThreshold" json:"failureThreshold"`
	CooldownMs       int  `yaml:"cooldownMs" json:"cooldownMs"`
	SuccessToClose   int  `yaml:"successToClose" json:"successToClose"`
}

// DefaultConfig opens after 5 failures, cools down for 30s and closes
// after 2 half-open successes.
func DefaultConfig() Config {
	return Config{Enabled: true, FailureThreshold: 5, CooldownMs: 30000, SuccessToClose: 2}
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	State   string
	Reason  string
}

type endpointState struct {
	state     string
	failures  int
	successes int
	openedAt  time.Time
}

// Registry holds one breaker per endpoint hash.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	endpoints map[string]*endpointState
	now       func() time.Time
}

// New builds an empty breaker registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:       cfg,
		endpoints: make(map[string]*endpointState),
		now:       time.Now,
	}
}

// Check admits or rejects a delivery to the endpoint. An unknown endpoint
// is implicitly created CLOSED. An OPEN breaker whose cooldown has elapsed
// transitions to HALF_OPEN and admits the probe. A disabled registry
// always admits, reporting CLOSED.
func (r *Registry) Check(hash string) Result {
	if !r.cfg.Enabled {
		return Result{Allowed: true, State: StateClosed}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.endpoints[hash]
	if s == nil {
		s = &endpointState{state: StateClosed}
		r.endpoints[hash] = s
	}

	switch s.state {
	case StateClosed, StateHalfOpen:
		return Result{Allowed: true, State: s.state}
	default: // StateOpen
		cooldown := time.Duration(r.cfg.CooldownMs) * time.Millisecond
		if r.now().Sub(s.openedAt) >= cooldown {
			s.state = StateHalfOpen
			s.successes = 0
			return Result{Allowed: true, State: StateHalfOpen}
		}
		return Result{
			Allowed: false,
			State:   StateOpen,
			Reason:  fmt.Sprintf("circuit open for endpoint %s", hash),
		}
	}
}

// RecordSuccess counts toward closing a HALF_OPEN breaker and resets the
// failure streak on a CLOSED one. Unknown endpoints are a no-op.
func (r *Registry) RecordSuccess(hash string) {
	if !r.cfg.Enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.endpoints[hash]
	if s == nil {
		return
	}
	switch s.state {
	case StateClosed:
		s.failures = 0
	case StateHalfOpen:
		s.successes++
		if s.successes >= r.cfg.SuccessToClose {
			s.state = StateClosed
			s.failures = 0
			s.successes = 0
		}
	}
}

// RecordFailure counts toward opening the breaker. A HALF_OPEN failure
// reopens immediately and restarts the cooldown.
func (r *Registry) RecordFailure(hash string) {
	if !r.cfg.Enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.endpoints[hash]
	if s == nil {
		s = &endpointState{state: StateClosed}
		r.endpoints[hash] = s
	}

	switch s.state {
	case StateClosed:
		s.failures++
		if s.failures >= r.cfg.FailureThreshold {
			s.state = StateOpen
			s.openedAt = r.now()
		}
	case StateHalfOpen:
		s.state = StateOpen
		s.failures = 0
		s.successes = 0
		s.openedAt = r.now()
	}
}

// Reset removes the endpoint's breaker entirely; the next Check recreates
// it CLOSED.
func (r *Registry) Reset(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, hash)
}

// GetStates returns a copy of every tracked endpoint's current state.
func (r *Registry) GetStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.endpoints))
	for hash, s := range r.endpoints {
		out[hash] = s.state
	}
	return out
}
