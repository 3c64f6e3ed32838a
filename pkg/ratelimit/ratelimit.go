// Package ratelimit throttles senders over a sliding window backed by the
// message index. Counts come from the database rather than in-memory state,
// so the limiter survives restarts with the window intact.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Config controls the limiter. PerSenderOverrides maps a sender subject
// prefix to its own limit; the longest matching prefix wins.
type Config struct {
	Enabled            bool           `yaml:"enabled" json:"enabled"`
	WindowSecs         int            `yaml:"windowSecs" json:"windowSecs"`
	MaxPerWindow       int            `yaml:"maxPerWindow" json:"maxPerWindow"`
	PerSenderOverrides map[string]int `yaml:"perSenderOverrides" json:"perSenderOverrides"`
}

// DefaultConfig is 100 messages per 60 second window.
func DefaultConfig() Config {
	return Config{Enabled: true, WindowSecs: 60, MaxPerWindow: 100}
}

// Counter reports how many messages a sender put through since the window
// start. The index store satisfies this.
type Counter interface {
	CountSenderInWindow(sender, windowStartISO string) (int, error)
}

// Result is the outcome of one check. Count and Limit are only meaningful
// when the limiter is enabled.
type Result struct {
	Allowed bool
	Reason  string
	Count   int
	Limit   int
}

// Limiter enforces per-sender message budgets over a sliding window.
type Limiter struct {
	cfg     Config
	counter Counter
	now     func() time.Time
}

// New builds a limiter over the given counter.
func New(cfg Config, counter Counter) *Limiter {
	return &Limiter{cfg: cfg, counter: counter, now: time.Now}
}

// ResolveLimit returns the limit for a sender: the override with the
// longest literal prefix match, else the global MaxPerWindow.
func (l *Limiter) ResolveLimit(from string) int {
	limit := l.cfg.MaxPerWindow
	bestLen := -1
	for prefix, override := range l.cfg.PerSenderOverrides {
		if strings.HasPrefix(from, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			limit = override
		}
	}
	return limit
}

// Check counts the sender's messages in the current window and compares
// against its resolved limit. A disabled limiter allows everything without
// touching the counter.
func (l *Limiter) Check(from string) (Result, error) {
	if !l.cfg.Enabled {
		return Result{Allowed: true}, nil
	}

	windowStart := l.now().UTC().Add(-time.Duration(l.cfg.WindowSecs) * time.Second)
	count, err := l.counter.CountSenderInWindow(from, windowStart.Format(time.RFC3339Nano))
	if err != nil {
		return Result{}, fmt.Errorf("rate limit count failed: %w", err)
	}

	limit := l.ResolveLimit(from)
	if count >= limit {
		return Result{
			Allowed: false,
			Reason:  fmt.Sprintf("rate limit exceeded: %d/%d messages in %ds window", count, limit, l.cfg.WindowSecs),
			Count:   count,
			Limit:   limit,
		}, nil
	}
	return Result{Allowed: true, Count: count, Limit: limit}, nil
}
