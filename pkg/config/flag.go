package config

import "sync/atomic"

// relayEnabled is the process-wide RELAY_ENABLED flag. Console and
// scheduler consult it on every submit and dispatch so a toggle takes
// effect without restart.
var relayEnabled atomic.Bool

func init() { relayEnabled.Store(true) }

// SetRelayEnabled flips the relay path on or off.
func SetRelayEnabled(v bool) { relayEnabled.Store(v) }

// RelayEnabled reports whether console and scheduler take the relay path.
func RelayEnabled() bool { return relayEnabled.Load() }
