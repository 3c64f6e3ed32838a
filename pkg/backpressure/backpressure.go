// Package backpressure guards mailbox depth. Depth comes from the message
// index (count of undelivered messages per endpoint), so admission control
// stays correct across restarts without scanning directories.
package backpressure

import "fmt"

// Config bounds mailbox growth. PressureWarningAt is a 0..1 fraction of
// MaxMailboxSize at which pressure is flagged as elevated.
type Config struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	MaxMailboxSize    int     `yaml:"maxMailboxSize" json:"maxMailboxSize"`
	PressureWarningAt float64 `yaml:"pressureWarningAt" json:"pressureWarningAt"`
}

// DefaultConfig caps mailboxes at 1000 pending messages and warns at 80%.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxMailboxSize: 1000, PressureWarningAt: 0.8}
}

// Result is the outcome of one admission check. Pressure is the mailbox
// fill fraction at check time.
type Result struct {
	Allowed  bool
	Reason   string
	Pressure float64
	Warning  bool
}

// Monitor applies the depth policy to observed mailbox sizes.
type Monitor struct {
	cfg Config
}

// New builds a monitor with the given policy.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// Check admits a delivery into a mailbox currently holding currentSize
// undelivered messages. A full mailbox rejects; a disabled monitor admits
// everything at pressure zero.
func (m *Monitor) Check(currentSize int) Result {
	if !m.cfg.Enabled || m.cfg.MaxMailboxSize <= 0 {
		return Result{Allowed: true}
	}

	pressure := float64(currentSize) / float64(m.cfg.MaxMailboxSize)
	if currentSize >= m.cfg.MaxMailboxSize {
		return Result{
			Allowed:  false,
			Reason:   fmt.Sprintf("mailbox full: %d/%d messages pending", currentSize, m.cfg.MaxMailboxSize),
			Pressure: pressure,
			Warning:  true,
		}
	}
	return Result{
		Allowed:  true,
		Pressure: pressure,
		Warning:  pressure >= m.cfg.PressureWarningAt,
	}
}

// Pressure reports the fill fraction without an admission decision.
func (m *Monitor) Pressure(currentSize int) float64 {
	if !m.cfg.Enabled || m.cfg.MaxMailboxSize <= 0 {
		return 0
	}
	return float64(currentSize) / float64(m.cfg.MaxMailboxSize)
}
